package watcher

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/rovercraft/fleetbridge/internal/bus"
	"github.com/rovercraft/fleetbridge/internal/shared"
)

// SuccessMarker prefixes an evaluator verdict that finalizes the task as a
// success. Any other verdict counts as a failed attempt.
const SuccessMarker = "OK:"

// Planner expands a raw instruction into an executable one.
type Planner interface {
	Refine(ctx context.Context, raw string) (string, error)
}

// Evaluator judges a finished attempt from its instruction and artifacts.
type Evaluator interface {
	Evaluate(ctx context.Context, instruction string, result DispatchResult) (string, error)
}

// Replanner turns a failure verdict into a short corrective instruction.
type Replanner interface {
	Replan(ctx context.Context, verdict string) (string, error)
}

// HistoryRecorder persists per-attempt and per-outcome rows for
// observability. Recording failures never affect the loop.
type HistoryRecorder interface {
	RecordAttempt(ctx context.Context, taskID string, info AttemptInfo) error
	RecordOutcome(ctx context.Context, done CompletedTask) error
}

// Notifier announces terminal outcomes on an external channel.
type Notifier interface {
	TaskDone(ctx context.Context, done CompletedTask)
}

// Options configures a Watcher. Pending, Completed, Running, Dispatcher,
// Planner, Evaluator and Replanner are required; the rest are optional.
type Options struct {
	Pending   *PendingStore
	Completed *CompletedStore
	Running   *RunningSnapshot

	Dispatcher Dispatcher
	Planner    Planner
	Evaluator  Evaluator
	Replanner  Replanner

	Bus       *bus.Bus
	History   HistoryRecorder
	Notifier  Notifier
	Validator *RecordValidator
	Logger    *slog.Logger

	MaxAttempts  int
	CoolOff      time.Duration
	PollInterval time.Duration
	UseAsync     bool

	// Wake cuts the idle sleep short, typically fed by a filesystem watch
	// on the pending store.
	Wake <-chan struct{}
}

// Watcher runs the queue and retry loop. One task is processed end to end,
// all attempts included, before the next is considered.
type Watcher struct {
	opts  Options
	queue *Queue
	log   *slog.Logger

	completedIDs map[string]bool
	idleLogged   bool
	waitLogged   bool
}

// New builds a Watcher. Ids already in the completed store are preloaded so
// a reappearing terminal task is rejected, not reprocessed.
func New(opts Options) (*Watcher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	ids, err := opts.Completed.IDs()
	if err != nil {
		return nil, err
	}
	preseen := make([]string, 0, len(ids))
	for id := range ids {
		preseen = append(preseen, id)
	}
	return &Watcher{
		opts:         opts,
		queue:        NewQueue(preseen...),
		log:          opts.Logger,
		completedIDs: ids,
	}, nil
}

// Poll reads the pending store, assigns missing task ids, and enqueues any
// record not yet seen this process lifetime. Safe to call repeatedly: ids
// are persisted back on assignment and the seen-set blocks duplicates.
func (w *Watcher) Poll() error {
	tasks, err := w.opts.Pending.Load()
	if err != nil {
		return err
	}

	assigned := false
	for i := range tasks {
		if tasks[i].TaskID == "" {
			tasks[i].TaskID = w.freshID()
			assigned = true
		}
	}
	if assigned {
		if err := w.opts.Pending.Save(tasks); err != nil {
			return err
		}
	}

	for i := range tasks {
		t := tasks[i]
		if w.opts.Validator != nil {
			if err := w.opts.Validator.Validate(t); err != nil {
				if !w.queue.Seen(t.TaskID) {
					w.log.Warn("skipping invalid pending record", "task_id", t.TaskID, "error", err)
					w.publish(bus.TopicTaskSkipped, bus.TaskQueuedEvent{
						TaskID:   t.TaskID,
						Priority: t.Payload.Urgency,
					})
				}
				continue
			}
		}
		if w.completedIDs[t.TaskID] {
			if !w.queue.Seen(t.TaskID) {
				// Preseen ids are always Seen, so this only fires for ids
				// completed after queue construction.
				w.log.Warn("terminal task id reappeared in pending store, skipping", "task_id", t.TaskID)
				w.publish(bus.TopicTaskSkipped, bus.TaskQueuedEvent{
					TaskID:   t.TaskID,
					Priority: t.Payload.Urgency,
				})
			}
			continue
		}
		if seq, ok := w.queue.Push(&t); ok {
			w.log.Info("task queued", "task_id", t.TaskID, "urgency", t.Payload.Urgency, "seq", seq)
			w.publish(bus.TopicTaskQueued, bus.TaskQueuedEvent{
				TaskID:   t.TaskID,
				Priority: t.Payload.Urgency,
				Seq:      seq,
			})
		}
	}
	return nil
}

func (w *Watcher) freshID() string {
	for {
		id := shared.NewTaskID()
		if !w.queue.Seen(id) && !w.completedIDs[id] {
			return id
		}
	}
}

// RunOneCycle polls and, if the queue is non-empty and the downstream tier
// is ready, processes one task end to end. Returns whether a task was
// processed.
func (w *Watcher) RunOneCycle(ctx context.Context) bool {
	if err := w.Poll(); err != nil {
		w.log.Error("poll failed", "error", err)
		return false
	}

	if w.queue.Len() == 0 {
		if !w.idleLogged {
			w.log.Info("queue empty, idling")
			w.idleLogged = true
		}
		return false
	}
	w.idleLogged = false

	if !w.opts.Dispatcher.Healthy(ctx) {
		if !w.waitLogged {
			w.log.Info("delegator not ready, waiting")
			w.waitLogged = true
		}
		return false
	}
	w.waitLogged = false

	task := w.queue.Pop()
	if task == nil {
		return false
	}
	w.processTask(ctx, task)
	return true
}

// Run drives cycles until ctx is done, sleeping the poll interval when no
// task was processed. The running snapshot is cleared on the way out.
func (w *Watcher) Run(ctx context.Context) {
	defer func() {
		if err := w.opts.Running.Clear(); err != nil {
			w.log.Error("clear running snapshot", "error", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if w.RunOneCycle(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.opts.Wake:
		case <-time.After(w.opts.PollInterval):
		}
	}
}

func (w *Watcher) processTask(ctx context.Context, t *Task) {
	started := time.Now()
	log := w.log.With("task_id", t.TaskID)
	w.publish(bus.TopicTaskStarted, bus.TaskQueuedEvent{TaskID: t.TaskID, Priority: t.Payload.Urgency})

	if t.Payload.Attempts >= w.opts.MaxAttempts {
		// Persisted attempts can already be exhausted after a crash
		// between attempt persist and finalize. Never drop the task.
		log.Warn("no attempts remaining", "attempts", t.Payload.Attempts, "max", w.opts.MaxAttempts)
		w.finalize(ctx, t, StatusFailed, started, log)
		return
	}

	if !t.Payload.Refined {
		if !w.refine(ctx, t, log, started) {
			return
		}
	}

	for t.Payload.Attempts < w.opts.MaxAttempts {
		try := t.Payload.Attempts + 1
		tryCtx := shared.WithAttempt(shared.WithTaskID(shared.WithTraceID(ctx, shared.NewTraceID()), t.TaskID), try)
		log.Info("dispatching attempt", "try", try, "max", w.opts.MaxAttempts, "trace_id", shared.TraceID(tryCtx))

		if err := w.opts.Running.Write(*t); err != nil {
			log.Error("write running snapshot", "error", err)
		}
		result, derr := w.opts.Dispatcher.Run(tryCtx, t.Payload.Task, w.opts.UseAsync)
		if err := w.opts.Running.Clear(); err != nil {
			log.Error("clear running snapshot", "error", err)
		}

		var verdict string
		if derr != nil {
			// A transport failure consumes one attempt; it never kills
			// the loop.
			verdict = "dispatch failed: " + derr.Error()
			log.Warn("dispatch error", "try", try, "error", derr)
		} else {
			v, eerr := w.opts.Evaluator.Evaluate(ctx, t.Payload.Task, result)
			v = strings.TrimSpace(v)
			if eerr != nil || v == "" {
				verdict = "evaluation unavailable"
				if eerr != nil {
					log.Warn("evaluator error", "try", try, "error", eerr)
				}
			} else {
				verdict = v
			}
		}

		rec := AttemptInfo{Try: try, RefinedTask: t.Payload.Task, EvaluationResult: verdict}
		success := strings.HasPrefix(verdict, SuccessMarker)
		if !success {
			replan, err := w.opts.Replanner.Replan(ctx, verdict)
			if err != nil {
				log.Warn("replanner error", "try", try, "error", err)
			}
			replan = strings.TrimSpace(replan)
			rec.ReplannedTask = replan
			next := replan
			if next == "" {
				next = verdict
			}
			rec.RefinedReplanTask = next
			t.Payload.Task = next
		}

		t.Payload.AttemptsInfo = append(t.Payload.AttemptsInfo, rec)
		if !success {
			t.Payload.Attempts = try
		}
		if err := w.opts.Pending.Update(*t); err != nil {
			log.Error("persist attempt", "error", err)
		}
		if w.opts.History != nil {
			if err := w.opts.History.RecordAttempt(ctx, t.TaskID, rec); err != nil {
				log.Warn("record attempt history", "error", err)
			}
		}
		w.publish(bus.TopicTaskAttempt, bus.TaskAttemptEvent{
			TaskID: t.TaskID, Try: try, Max: w.opts.MaxAttempts,
			Success: success, Verdict: verdict,
		})

		final := success || t.Payload.Attempts >= w.opts.MaxAttempts
		if success {
			w.finalize(ctx, t, StatusSuccess, started, log)
		} else if final {
			w.finalize(ctx, t, StatusFailed, started, log)
		}

		// The cool-off follows every attempt, including the one that
		// finalized the task, so consecutive tasks keep their spacing.
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.CoolOff):
		}
		if final {
			return
		}
	}
}

// refine runs the planner once. Returns false when the task was requeued or
// finalized and processing must stop.
func (w *Watcher) refine(ctx context.Context, t *Task, log *slog.Logger, started time.Time) bool {
	refined, err := w.opts.Planner.Refine(ctx, t.Payload.Task)
	refined = strings.TrimSpace(refined)
	if err != nil || refined == "" {
		if err != nil {
			log.Warn("planner error", "error", err)
		}
		t.Payload.Attempts++
		if t.Payload.Attempts < w.opts.MaxAttempts {
			log.Info("empty refinement, requeueing", "attempts", t.Payload.Attempts)
			if uerr := w.opts.Pending.Update(*t); uerr != nil {
				log.Error("persist attempts", "error", uerr)
			}
			w.queue.Requeue(t)
			return false
		}
		log.Warn("empty refinement, attempts exhausted")
		w.finalize(ctx, t, StatusFailed, started, log)
		return false
	}

	if t.Payload.OriginalTask == "" {
		t.Payload.OriginalTask = t.Payload.Task
	}
	t.Payload.RefinedTask = refined
	t.Payload.Task = refined
	t.Payload.Refined = true
	if err := w.opts.Pending.Update(*t); err != nil {
		log.Error("persist refinement", "error", err)
	}
	return true
}

func (w *Watcher) finalize(ctx context.Context, t *Task, status string, started time.Time, log *slog.Logger) {
	done := CompletedTask{
		Task:            *t,
		Status:          status,
		StartedAt:       started,
		DurationSeconds: time.Since(started).Seconds(),
	}
	if err := w.opts.Completed.Append(done); err != nil {
		log.Error("append completed store", "error", err)
	}
	if err := w.opts.Pending.Remove(t.TaskID); err != nil {
		log.Error("remove from pending store", "error", err)
	}
	w.completedIDs[t.TaskID] = true

	log.Info("task finalized",
		"status", status,
		"attempts", t.Payload.Attempts,
		"duration_seconds", done.DurationSeconds,
	)

	topic := bus.TopicTaskCompleted
	if status == StatusFailed {
		topic = bus.TopicTaskFailed
	}
	w.publish(topic, bus.TaskDoneEvent{
		TaskID:   t.TaskID,
		Status:   status,
		Attempts: t.Payload.Attempts,
		Duration: time.Since(started),
	})

	if w.opts.History != nil {
		if err := w.opts.History.RecordOutcome(ctx, done); err != nil {
			log.Warn("record outcome history", "error", err)
		}
	}
	if w.opts.Notifier != nil {
		w.opts.Notifier.TaskDone(ctx, done)
	}
}

func (w *Watcher) publish(topic string, payload any) {
	if w.opts.Bus != nil {
		w.opts.Bus.Publish(topic, payload)
	}
}
