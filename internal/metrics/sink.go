// Package metrics records engine activity. Sinks are fire-and-forget: they
// never block the caller or report errors.
package metrics

import "time"

type Sink interface {
	// Ingress
	EventIngested(sourceID string)
	EventDeduplicated(sourceID string)

	// Matching
	ListenerEvaluated(mode, outcome string)
	ListenerAdmission(outcome string)

	// Scheduler
	TickCompleted(duration time.Duration, fired int, err error)
	OccurrencesSkipped(n int)

	// Queue
	TaskEnqueued(taskType string)
	TaskFinished(actionType, outcome string, duration time.Duration)
	TaskRetried(manual bool)
	ClaimsReclaimed(n int)
	TasksInFlightIncr()
	TasksInFlightDecr()
	QueueDepth(status string, n int)
}

// Evaluation outcomes for ListenerEvaluated.
const (
	EvalMatched   = "matched"
	EvalUnmatched = "unmatched"
	EvalError     = "error"
)

// Task outcomes for TaskFinished.
const (
	OutcomeDone   = "done"
	OutcomeRetry  = "retry"
	OutcomeFailed = "failed"
	OutcomeLost   = "claim_lost"
)
