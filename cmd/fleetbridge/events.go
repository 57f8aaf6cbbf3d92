package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/rovercraft/fleetbridge/internal/bus"
)

// wireEvent mirrors the shape the delegator's event feed writes.
type wireEvent struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Time    time.Time       `json:"time"`
}

// wsEventsURL turns the delegator's HTTP base URL into its event feed URL.
func wsEventsURL(baseURL string) string {
	u := baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/events/ws"
}

// streamEvents republishes the delegator's WebSocket event feed onto a local
// bus, reconnecting with a fixed backoff while ctx lives. The dashboard
// subscribes to the local bus; a dead delegator just means an empty feed.
func streamEvents(ctx context.Context, baseURL string, out *bus.Bus) {
	url := wsEventsURL(baseURL)
	for {
		if err := streamOnce(ctx, url, out); err != nil && ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func streamOnce(ctx context.Context, url string, out *bus.Bus) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var ev wireEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		if ev.Topic == "" {
			continue
		}
		out.Publish(ev.Topic, bus.DecodePayload(ev.Topic, ev.Payload))
	}
}
