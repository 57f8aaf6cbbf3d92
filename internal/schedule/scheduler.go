// Package schedule submits recurring tasks to the pending queue on
// cron schedules defined in config. Next-run times are held in memory;
// a restart recomputes them from the expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/rovercraft/fleetbridge/internal/bus"
	"github.com/rovercraft/fleetbridge/internal/config"
	"github.com/rovercraft/fleetbridge/internal/shared"
	"github.com/rovercraft/fleetbridge/internal/watcher"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// entry is one parsed schedule with its next due time.
type entry struct {
	cfg     config.ScheduleConfig
	sched   cronlib.Schedule
	nextRun time.Time
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Schedules []config.ScheduleConfig
	Pending   *watcher.PendingStore
	Bus       *bus.Bus
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 30 seconds if zero
}

// Scheduler ticks at a fixed interval and appends a queue task for each
// schedule whose next run time has passed.
type Scheduler struct {
	entries  []*entry
	pending  *watcher.PendingStore
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses the configured expressions. An invalid expression
// fails construction rather than being skipped silently.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	now := time.Now()
	entries := make([]*entry, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		parsed, err := cronParser.Parse(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", sc.Cron, err)
		}
		entries = append(entries, &entry{
			cfg:     sc,
			sched:   parsed,
			nextRun: parsed.Next(now),
		})
	}
	return &Scheduler{
		entries:  entries,
		pending:  cfg.Pending,
		bus:      cfg.Bus,
		logger:   logger,
		interval: interval,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown. A scheduler with no
// entries starts nothing.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.entries) == 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "schedules", len(s.entries), "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(time.Now())
		}
	}
}

// Tick fires every entry due at or before now and advances its next
// run time. Exported for tests and for a forced first tick on startup.
func (s *Scheduler) Tick(now time.Time) {
	for _, e := range s.entries {
		if e.nextRun.After(now) {
			continue
		}
		if s.fire(e) {
			e.nextRun = e.sched.Next(now)
		}
	}
}

// fire appends one queue task for the entry. A store failure leaves the
// entry due so the next tick retries it.
func (s *Scheduler) fire(e *entry) bool {
	task := watcher.Task{
		TaskID: shared.NewTaskID(),
		Kind:   "scheduled",
		Payload: watcher.Payload{
			Urgency: e.cfg.Urgency,
			Task:    e.cfg.Task,
		},
	}
	if err := s.pending.Append(task); err != nil {
		s.logger.Error("scheduled task enqueue failed",
			"cron", e.cfg.Cron,
			"error", err,
		)
		return false
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskQueued, bus.TaskQueuedEvent{
			TaskID:   task.TaskID,
			Priority: task.Payload.Urgency,
		})
	}
	s.logger.Info("scheduled task queued",
		"task_id", task.TaskID,
		"cron", e.cfg.Cron,
		"urgency", task.Payload.Urgency,
	)
	return true
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
