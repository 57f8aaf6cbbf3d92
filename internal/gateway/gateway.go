// Package gateway is the delegator's HTTP surface: the health probe the
// retry loop gates on, the blocking /run endpoint it dispatches through,
// worker registration and a WebSocket event feed.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rovercraft/fleetbridge/internal/artifact"
	"github.com/rovercraft/fleetbridge/internal/bus"
	"github.com/rovercraft/fleetbridge/internal/delegator"
	fbotel "github.com/rovercraft/fleetbridge/internal/otel"
	"github.com/rovercraft/fleetbridge/internal/shared"
)

// Config wires the server's collaborators.
type Config struct {
	Coordinator *delegator.Coordinator
	Registry    *delegator.Registry
	Artifacts   *artifact.Store
	Bus         *bus.Bus
	Logger      *slog.Logger

	// AuthToken, when set, is required as a Bearer token on mutating
	// endpoints. Health stays open for probes.
	AuthToken string

	// AllowOrigins lists Origin headers accepted for browser WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// DefaultWorker receives /run dispatches that name no worker. Empty
	// falls back to the earliest-registered worker.
	DefaultWorker string

	Tracer  trace.Tracer
	Metrics *fbotel.Metrics
}

type Server struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, log: cfg.Logger}
}

// Handler builds the routed handler with auth and telemetry middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("GET /workers", s.handleWorkers)
	mux.HandleFunc("POST /workers/register", s.handleRegister)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("POST /events", s.handleEventsIngest)
	mux.HandleFunc("GET /events/ws", s.handleEventsWS)

	var h http.Handler = mux
	h = s.authMiddleware(h)
	h = s.traceMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runRequest struct {
	Task      string `json:"task"`
	UseAsync  bool   `json:"use_async"`
	Worker    string `json:"worker,omitempty"`
	ContextID string `json:"context_id,omitempty"`
}

type runResponse struct {
	Worker        string `json:"worker"`
	TaskID        string `json:"task_id,omitempty"`
	InputRequired bool   `json:"input_required,omitempty"`
	Parts         []any  `json:"parts"`
	PlanRef       string `json:"plan_ref,omitempty"`
	LogRef        string `json:"log_ref,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeError(w, http.StatusBadRequest, "task must not be empty")
		return
	}

	worker := req.Worker
	if worker == "" {
		worker = s.cfg.DefaultWorker
	}
	if worker == "" {
		worker = s.cfg.Registry.First()
	}
	if worker == "" {
		writeError(w, http.StatusServiceUnavailable, "no workers registered")
		return
	}
	contextID := req.ContextID
	if contextID == "" {
		contextID = "default"
	}

	ctx := shared.WithWorker(r.Context(), worker)
	log := s.log.With("worker", worker, "context_id", contextID, "trace_id", shared.TraceID(ctx))
	if id := shared.TaskID(ctx); id != "" {
		log = log.With("origin_task_id", id, "origin_attempt", shared.Attempt(ctx))
	}

	start := time.Now()
	result, err := s.cfg.Coordinator.Dispatch(ctx, contextID, worker, req.Task)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		s.publish(bus.TopicDispatchFailed, bus.DispatchEvent{
			Worker:   worker,
			Duration: time.Since(start),
			Error:    err.Error(),
		})
		var callErr *delegator.WorkerCallError
		var stateErr *delegator.TaskStateError
		switch {
		case errors.Is(err, delegator.ErrUnknownWorker):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, delegator.ErrSessionBusy):
			writeError(w, http.StatusConflict, err.Error())
		case errors.As(err, &callErr):
			log.Warn("worker call failed", "code", callErr.Code, "error", callErr.Message)
			writeError(w, http.StatusBadGateway, err.Error())
		case errors.As(err, &stateErr):
			log.Warn("task ended unsuccessfully", "task_id", stateErr.TaskID, "state", stateErr.State)
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			log.Error("dispatch failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	resp := runResponse{
		Worker:        worker,
		TaskID:        result.TaskID,
		InputRequired: result.InputRequired,
		Parts:         result.Parts,
		PlanRef:       result.TaskID,
	}
	if ref, err := s.storeTranscript(result); err != nil {
		log.Warn("store run transcript", "error", err)
	} else {
		resp.LogRef = ref
	}
	log.Info("run completed",
		"task_id", result.TaskID,
		"input_required", result.InputRequired,
		"parts", len(result.Parts),
		"duration", time.Since(start),
	)
	s.publish(bus.TopicDispatchCompleted, bus.DispatchEvent{
		Worker:   worker,
		TaskID:   result.TaskID,
		Duration: time.Since(start),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) publish(topic string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}

// storeTranscript renders a turn's parts into a log artifact so the
// evaluator can review what the worker produced.
func (s *Server) storeTranscript(result delegator.TurnResult) (string, error) {
	if s.cfg.Artifacts == nil || len(result.Parts) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, part := range result.Parts {
		switch v := part.(type) {
		case string:
			b.WriteString(v)
		default:
			enc, err := json.Marshal(v)
			if err != nil {
				continue
			}
			b.Write(enc)
		}
		b.WriteByte('\n')
	}
	name := fmt.Sprintf("run-%d.log", time.Now().UnixNano())
	return s.cfg.Artifacts.Save(name, []byte(b.String()))
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.cfg.Registry.Cards()})
}

type registerRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	addr := strings.TrimSpace(req.Address)
	if addr == "" {
		writeError(w, http.StatusBadRequest, "address must not be empty")
		return
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	name, err := s.cfg.Registry.Register(r.Context(), addr)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WorkersActive.Add(r.Context(), 1)
	}
	s.publish(bus.TopicWorkerRegistered, bus.WorkerRegisteredEvent{Name: name, Address: addr})
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

// handleEventsIngest republishes an event posted by another process onto
// the local bus, so the WebSocket feed carries the whole fleet.
func (s *Server) handleEventsIngest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusNotImplemented, "event feed disabled")
		return
	}
	var ev bus.WireEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(ev.Topic) == "" {
		writeError(w, http.StatusBadRequest, "topic must not be empty")
		return
	}
	s.cfg.Bus.Publish(ev.Topic, bus.DecodePayload(ev.Topic, ev.Payload))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.cfg.Coordinator.Tasks()})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		if id := r.Header.Get("X-Task-ID"); id != "" {
			ctx = shared.WithTaskID(ctx, id)
		}
		if n, err := strconv.Atoi(r.Header.Get("X-Attempt")); err == nil && n > 0 {
			ctx = shared.WithAttempt(ctx, n)
		}
		start := time.Now()
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = fbotel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
			defer span.End()
		}
		next.ServeHTTP(w, r.WithContext(ctx))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		}
	})
}

// Serve runs the server on addr until ctx is canceled, then drains with a
// short grace.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
