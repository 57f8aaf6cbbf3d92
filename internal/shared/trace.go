package shared

import (
	"context"
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type workerKey struct{}
type attemptKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithWorker attaches a worker name to the context.
func WithWorker(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workerKey{}, name)
}

// Worker extracts the worker name from context. Returns "" if absent.
func Worker(ctx context.Context) string {
	if v, ok := ctx.Value(workerKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAttempt attaches the current attempt number to the context.
func WithAttempt(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, attemptKey{}, n)
}

// Attempt extracts the attempt number (0 if absent).
func Attempt(ctx context.Context) int {
	if v, ok := ctx.Value(attemptKey{}).(int); ok {
		return v
	}
	return 0
}

const taskIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewTaskID generates a short task id of the form "Task-xxxx", four
// random lowercase alphanumerics. Callers must still dedupe: with 36^4
// possibilities, collisions across long histories are expected.
func NewTaskID() string {
	buf := make([]byte, 4)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(taskIDAlphabet))))
		if err != nil {
			// crypto/rand failing means the platform entropy source is
			// broken; fall back to the first character rather than panic.
			buf[i] = taskIDAlphabet[0]
			continue
		}
		buf[i] = taskIDAlphabet[n.Int64()]
	}
	return "Task-" + string(buf)
}
