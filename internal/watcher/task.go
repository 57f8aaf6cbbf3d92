// Package watcher implements the durable task queue and the bounded-retry
// execution loop. Pending tasks live in a flat JSON file; the loop claims
// one at a time, refines it through the planner, dispatches it to the
// delegator tier and judges the outcome with the evaluator, retrying with
// replanned instructions up to the attempt limit.
package watcher

import "time"

// Urgency levels, highest first.
const (
	UrgencyUrgent = "urgent"
	UrgencyHigh   = "high"
	UrgencyMedium = "medium"
	UrgencyLow    = "low"
)

// PriorityRank maps an urgency to its queue rank. Lower rank pops first.
// Unknown urgencies rank as medium.
func PriorityRank(urgency string) int {
	switch urgency {
	case UrgencyUrgent:
		return 0
	case UrgencyHigh:
		return 1
	case UrgencyLow:
		return 3
	default:
		return 2
	}
}

// AttemptInfo records one dispatch attempt.
type AttemptInfo struct {
	Try int `json:"try"`

	// RefinedTask is the instruction text this attempt dispatched.
	RefinedTask string `json:"refined_task"`

	// EvaluationResult is the evaluator's verdict, verbatim.
	EvaluationResult string `json:"evaluation_result"`

	// ReplannedTask is the replanner's raw output after a failed attempt.
	ReplannedTask string `json:"replanned_task,omitempty"`

	// RefinedReplanTask is the corrective instruction actually adopted
	// for the next attempt. Falls back to the verdict text when the
	// replanner yields nothing.
	RefinedReplanTask string `json:"refined_replan_task,omitempty"`
}

// Payload is the mutable body of a queued task.
type Payload struct {
	Urgency string `json:"urgency"`

	// Task is the current instruction text. It is replaced by the refined
	// form after planning and by corrective instructions after failures.
	Task string `json:"task"`

	// OriginalTask is set on first refinement and never overwritten.
	OriginalTask string `json:"original_task,omitempty"`

	RefinedTask string `json:"refined_task,omitempty"`
	Refined     bool   `json:"refined,omitempty"`

	Attempts     int           `json:"attempts"`
	AttemptsInfo []AttemptInfo `json:"attempts_info,omitempty"`
}

// Task is one pending-store record.
type Task struct {
	TaskID  string  `json:"task_id"`
	Kind    string  `json:"kind,omitempty"`
	Payload Payload `json:"payload"`
}

// Terminal outcome labels written to the completed store.
const (
	StatusSuccess = "Success"
	StatusFailed  = "Failed"
)

// CompletedTask is a terminated task plus its outcome bookkeeping.
type CompletedTask struct {
	Task
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}
