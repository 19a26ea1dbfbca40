package metrics

import "time"

// NoopSink is used when metrics are disabled so callers need no nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (NoopSink) EventIngested(string)                       {}
func (NoopSink) EventDeduplicated(string)                   {}
func (NoopSink) ListenerEvaluated(string, string)           {}
func (NoopSink) ListenerAdmission(string)                   {}
func (NoopSink) TickCompleted(time.Duration, int, error)    {}
func (NoopSink) OccurrencesSkipped(int)                     {}
func (NoopSink) TaskEnqueued(string)                        {}
func (NoopSink) TaskFinished(string, string, time.Duration) {}
func (NoopSink) TaskRetried(bool)                           {}
func (NoopSink) ClaimsReclaimed(int)                        {}
func (NoopSink) TasksInFlightIncr()                         {}
func (NoopSink) TasksInFlightDecr()                         {}
func (NoopSink) QueueDepth(string, int)                     {}
