// Package taskqueue implements the in-process task scheduler: a bounded
// worker pool with typed handlers, per-task retry with backoff and jitter,
// deduplication, timeouts, and graceful drain on shutdown.
package taskqueue

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Priority orders tasks in the ready set. Higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "normal"
}

// ParsePriority maps a priority name to its value; unknown names (and the
// empty string) parse as normal.
func ParsePriority(s string) Priority {
	for p, name := range priorityNames {
		if name == s {
			return p
		}
	}
	return PriorityNormal
}

// State is the task lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateDead      State = "dead"
)

// Strategy selects the backoff curve between retries.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
)

// RetryConfig controls per-task retry behavior.
type RetryConfig struct {
	// MaxAttempts is the final attempt number; a task whose attempt exceeds
	// it transitions to dead.
	MaxAttempts int           `json:"max_attempts"`
	Strategy    Strategy      `json:"strategy"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Jitter      bool          `json:"jitter"`
}

// DefaultRetryConfig returns the queue-wide retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Strategy:    StrategyExponential,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Backoff computes the delay before the given attempt. With Jitter the
// result is scaled by a uniform random factor in [0.5, 1.5).
func (rc RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch rc.Strategy {
	case StrategyLinear:
		d = rc.BaseDelay * time.Duration(attempt)
	case StrategyFixed:
		d = rc.BaseDelay
	default:
		d = rc.BaseDelay << uint(attempt-1)
	}
	if rc.MaxDelay > 0 && d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	if rc.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}

// Task is the internal unit of work scheduled by the queue. It is created on
// consumption of a task-bearing event (or by QueueTask directly), mutated
// only by the worker currently holding it, and destroyed when terminal.
type Task struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Priority   Priority       `json:"priority"`
	Attempt    int            `json:"attempt"`
	Retry      RetryConfig    `json:"retry_config"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	NotBefore  time.Time      `json:"not_before"`
	UserID     string         `json:"user_id,omitempty"`
	DedupKey   string         `json:"dedup_key,omitempty"`
	State      State          `json:"state"`
	LastError  string         `json:"last_error,omitempty"`
}

// TaskSpec is the caller-facing description of a task to enqueue.
type TaskSpec struct {
	Type     string
	Payload  map[string]any
	Priority Priority
	UserID   string
	DedupKey string
	// NotBefore delays the first run; zero means immediately.
	NotBefore time.Time
	// Retry overrides the queue default when non-nil.
	Retry *RetryConfig
}

// Handler executes one task attempt. The context carries the per-type
// timeout and the shutdown signal; handlers must honor it to participate in
// graceful drain. Retry is the queue's responsibility: handlers declare
// intent through the result and never loop internally.
type Handler func(ctx context.Context, task *Task) Result

// HandlerOptions tunes a registered handler.
type HandlerOptions struct {
	// Timeout bounds each invocation; exceeding it counts as a retryable
	// failure with reason "timeout". Zero uses the queue default.
	Timeout time.Duration
	// Retry overrides the queue's default retry config for this type.
	Retry *RetryConfig
}

type resultKind int

const (
	resultDone resultKind = iota
	resultRetry
	resultFail
)

// Result is the tagged outcome of a handler invocation.
type Result struct {
	kind   resultKind
	reason string
}

// Done reports success.
func Done() Result { return Result{kind: resultDone} }

// RetryResult reports a transient failure; the task is requeued with backoff
// until its attempt budget is spent.
func RetryResult(reason string) Result { return Result{kind: resultRetry, reason: reason} }

// Fail reports a permanent failure; the task goes directly to dead.
func Fail(reason string) Result { return Result{kind: resultFail, reason: reason} }

// Retryable reports whether the result asks for another attempt.
func (r Result) Retryable() bool { return r.kind == resultRetry }

// Failed reports whether the result is RetryResult or Fail.
func (r Result) Failed() bool { return r.kind != resultDone }

// Reason returns the failure reason, empty on success.
func (r Result) Reason() string { return r.reason }

func (r Result) String() string {
	switch r.kind {
	case resultDone:
		return "done"
	case resultRetry:
		return fmt.Sprintf("retry(%s)", r.reason)
	default:
		return fmt.Sprintf("fail(%s)", r.reason)
	}
}
