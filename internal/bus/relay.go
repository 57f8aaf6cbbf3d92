package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Relay forwards every event on a local Bus to another process's ingest
// endpoint, so the delegator's WebSocket feed sees events published by the
// watcher and the supervisor. Delivery is best effort: forwarding failures
// are logged and the event is dropped, never retried.
type Relay struct {
	bus    *Bus
	url    string
	token  string
	log    *slog.Logger
	client *http.Client
}

// NewRelay builds a relay posting to baseURL+"/events". token, when
// non-empty, is sent as a Bearer token.
func NewRelay(b *Bus, baseURL, token string, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		bus:    b,
		url:    baseURL + "/events",
		token:  token,
		log:    log,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Run subscribes to the whole bus and forwards until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	sub := r.bus.Subscribe("")
	defer r.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			r.forward(ctx, ev)
		}
	}
}

func (r *Relay) forward(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		r.log.Warn("encode relayed event", "topic", ev.Topic, "error", err)
		return
	}
	body, err := json.Marshal(WireEvent{Topic: ev.Topic, Payload: payload})
	if err != nil {
		r.log.Warn("encode relayed event", "topic", ev.Topic, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		r.log.Warn("build relay request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		// The delegator may simply not be up yet.
		r.log.Debug("forward event", "topic", ev.Topic, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		r.log.Debug("forward event rejected", "topic", ev.Topic, "status", resp.StatusCode)
	}
}
