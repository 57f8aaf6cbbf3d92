// Package remote is the client side of the worker protocol. It normalizes
// the two wire behaviors a worker can have, one-shot JSON-RPC and
// incremental event streaming, into a single result: either a terminal
// Message or a tracked Task.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rovercraft/fleetbridge/internal/protocol"
)

// ErrEmptyStream is returned when a streaming worker closes without
// emitting any event. Callers must treat it as a failed turn.
var ErrEmptyStream = errors.New("worker stream ended without events")

// UpdateFunc receives each task-bearing event so the caller can merge it
// into its task store. Events for one stream arrive in order.
type UpdateFunc func(event protocol.Event, card protocol.AgentCard)

// Result is the normalized outcome of a send: exactly one of Message or
// Task is set.
type Result struct {
	Message *protocol.Message
	Task    *protocol.Task
}

// Client talks to one worker.
type Client struct {
	card    protocol.AgentCard
	baseURL string
	http    *http.Client
}

// NewClient fetches the worker's registration card from the well-known
// discovery path at baseURL and builds a client for it.
func NewClient(ctx context.Context, baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	httpClient := &http.Client{}

	cardCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(cardCtx, http.MethodGet, baseURL+protocol.WellKnownCardPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch agent card: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch agent card: status %d", resp.StatusCode)
	}
	var card protocol.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("parse agent card: %w", err)
	}
	if card.Name == "" {
		return nil, fmt.Errorf("agent card at %s has no name", baseURL)
	}
	if card.URL == "" {
		card.URL = baseURL
	}
	return &Client{card: card, baseURL: baseURL, http: httpClient}, nil
}

// Card returns the worker's registration card.
func (c *Client) Card() protocol.AgentCard {
	return c.card
}

// Send dispatches the message and normalizes the reply. For a
// streaming-capable worker it consumes the event stream, invoking onUpdate
// for every task-bearing event and returning the last observed task; a
// terminal Message in the stream is returned immediately. For a unary
// worker it issues one call and invokes onUpdate once if the reply is a
// task.
//
// A protocol-level error payload comes back as a *protocol.RPCError via
// the error return, distinguishable with errors.As.
func (c *Client) Send(ctx context.Context, params protocol.SendParams, onUpdate UpdateFunc) (Result, error) {
	if c.card.Capabilities.Streaming {
		return c.sendStreaming(ctx, params, onUpdate)
	}
	return c.sendUnary(ctx, params, onUpdate)
}

func (c *Client) sendUnary(ctx context.Context, params protocol.SendParams, onUpdate UpdateFunc) (Result, error) {
	resp, err := c.call(ctx, protocol.MethodMessageSend, params, "")
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var envelope protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Result{}, fmt.Errorf("parse response: %w", err)
	}
	if envelope.Error != nil {
		return Result{}, envelope.Error
	}

	var event protocol.Event
	if err := json.Unmarshal(envelope.Result, &event); err != nil {
		return Result{}, fmt.Errorf("parse result event: %w", err)
	}
	switch {
	case event.Message != nil:
		return Result{Message: event.Message}, nil
	case event.Task != nil:
		if onUpdate != nil {
			onUpdate(event, c.card)
		}
		return Result{Task: event.Task}, nil
	default:
		return Result{}, fmt.Errorf("unary reply carried neither message nor task")
	}
}

func (c *Client) sendStreaming(ctx context.Context, params protocol.SendParams, onUpdate UpdateFunc) (Result, error) {
	resp, err := c.call(ctx, protocol.MethodMessageStream, params, "text/event-stream")
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var lastTask *protocol.Task
	sawEvent := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var envelope protocol.Response
		if err := json.Unmarshal([]byte(data), &envelope); err != nil {
			return Result{}, fmt.Errorf("parse stream frame: %w", err)
		}
		if envelope.Error != nil {
			return Result{}, envelope.Error
		}

		var event protocol.Event
		if err := json.Unmarshal(envelope.Result, &event); err != nil {
			return Result{}, fmt.Errorf("parse stream event: %w", err)
		}
		sawEvent = true

		// A terminal Message ends the turn immediately; remaining events
		// are not consumed.
		if event.Message != nil {
			return Result{Message: event.Message}, nil
		}

		if onUpdate != nil {
			onUpdate(event, c.card)
		}
		switch {
		case event.Task != nil:
			lastTask = event.Task
		case event.StatusUpdate != nil:
			u := event.StatusUpdate
			if lastTask == nil {
				lastTask = &protocol.Task{ID: u.TaskID, ContextID: u.ContextID}
			}
			lastTask.Status = u.Status
		case event.ArtifactUpdate != nil:
			u := event.ArtifactUpdate
			if lastTask == nil {
				lastTask = &protocol.Task{ID: u.TaskID, ContextID: u.ContextID}
			}
			lastTask.Artifacts = append(lastTask.Artifacts, u.Artifact)
		}
		if event.Final() {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("read stream: %w", err)
	}

	if !sawEvent || lastTask == nil {
		return Result{}, ErrEmptyStream
	}
	return Result{Task: lastTask}, nil
}

// Tasks fetches the worker's task list.
func (c *Client) Tasks(ctx context.Context) ([]protocol.Task, error) {
	resp, err := c.call(ctx, protocol.MethodTasksList, struct{}{}, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	var tasks []protocol.Task
	if err := json.Unmarshal(envelope.Result, &tasks); err != nil {
		return nil, fmt.Errorf("parse task list: %w", err)
	}
	return tasks, nil
}

func (c *Client) call(ctx context.Context, method string, params any, accept string) (*http.Response, error) {
	rpcReq, err := protocol.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("call %s: status %d: %s", method, resp.StatusCode, bytes.TrimSpace(raw))
	}
	return resp, nil
}
