package delegator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rovercraft/fleetbridge/internal/protocol"
	"github.com/rovercraft/fleetbridge/internal/remote"
)

// caller abstracts the remote client so tests can register fakes.
type caller interface {
	Card() protocol.AgentCard
	Send(ctx context.Context, params protocol.SendParams, onUpdate remote.UpdateFunc) (remote.Result, error)
}

// Registry holds registered workers keyed by card name. Cards are immutable
// once registered; registering the same name again replaces the entry.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]caller
	order   []string
	log     *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{workers: make(map[string]caller), log: logger}
}

// Register fetches the worker's card from its discovery path and admits it.
// Returns the card name.
func (r *Registry) Register(ctx context.Context, baseURL string) (string, error) {
	client, err := remote.NewClient(ctx, baseURL)
	if err != nil {
		return "", fmt.Errorf("register worker at %s: %w", baseURL, err)
	}
	r.add(client)
	card := client.Card()
	r.log.Info("worker registered",
		"worker", card.Name,
		"url", card.URL,
		"streaming", card.Capabilities.Streaming,
	)
	return card.Name, nil
}

func (r *Registry) add(c caller) {
	name := c.Card().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.workers[name] = c
}

// Get returns the worker client for the given card name.
func (r *Registry) Get(name string) (caller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.workers[name]
	return c, ok
}

// Cards lists the registered cards, sorted by name.
func (r *Registry) Cards() []protocol.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cards := make([]protocol.AgentCard, 0, len(r.workers))
	for _, c := range r.workers {
		cards = append(cards, c.Card())
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Name < cards[j].Name })
	return cards
}

// First returns the name of the earliest-registered worker, or "".
func (r *Registry) First() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return ""
	}
	return r.order[0]
}
