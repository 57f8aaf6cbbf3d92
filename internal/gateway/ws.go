package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/rovercraft/fleetbridge/internal/bus"
)

// wsEvent is the wire shape of one forwarded bus event.
type wsEvent struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// handleEventsWS upgrades the connection and forwards bus events matching
// the optional ?prefix= topic filter until the client goes away. Slow
// clients are disconnected rather than allowed to stall the bus.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusNotImplemented, "event feed disabled")
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	prefix := r.URL.Query().Get("prefix")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		var ev bus.Event
		select {
		case <-ctx.Done():
			return
		case ev = <-sub.Ch():
		}

		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(writeCtx, conn, wsEvent{
			Topic:   ev.Topic,
			Payload: ev.Payload,
			Time:    time.Now().UTC(),
		})
		cancel()
		if err != nil {
			return
		}
	}
}
