package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "karakuri"

// PrometheusSink implements Sink with client_golang collectors. Registration
// errors are logged, never returned.
type PrometheusSink struct {
	eventsIngested     *prometheus.CounterVec
	eventsDeduplicated *prometheus.CounterVec
	evaluations        *prometheus.CounterVec
	admissions         *prometheus.CounterVec

	ticks              prometheus.Counter
	tickErrors         prometheus.Counter
	tickDuration       prometheus.Histogram
	automationsFired   prometheus.Counter
	occurrencesSkipped prometheus.Counter

	tasksEnqueued   *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	taskRetries     *prometheus.CounterVec
	claimsReclaimed prometheus.Counter
	tasksInFlight   prometheus.Gauge
	queueDepth      *prometheus.GaugeVec
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initIngressMetrics(reg)
	s.initSchedulerMetrics(reg)
	s.initQueueMetrics(reg)
	return s
}

func (s *PrometheusSink) initIngressMetrics(reg prometheus.Registerer) {
	s.eventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingress", Name: "events_total",
		Help: "Events accepted, by source.",
	}, []string{"source"})
	s.eventsDeduplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingress", Name: "events_deduplicated_total",
		Help: "Submissions rejected as replays of an earlier event.",
	}, []string{"source"})
	s.evaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "matcher", Name: "evaluations_total",
		Help: "Listener condition evaluations, by mode and outcome.",
	}, []string{"mode", "outcome"})
	s.admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "matcher", Name: "admissions_total",
		Help: "Trigger admission decisions for matched listeners.",
	}, []string{"outcome"})

	s.register(reg, s.eventsIngested, s.eventsDeduplicated, s.evaluations, s.admissions)
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
		Help: "Scheduler ticks processed.",
	})
	s.tickErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "tick_errors_total",
		Help: "Scheduler ticks that ended with an error.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "tick_duration_seconds",
		Help:    "Duration of each scheduler tick.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.automationsFired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "automations_fired_total",
		Help: "Automation occurrences turned into tasks.",
	})
	s.occurrencesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "occurrences_skipped_total",
		Help: "Missed occurrences dropped beyond the catch-up limit.",
	})

	s.register(reg, s.ticks, s.tickErrors, s.tickDuration, s.automationsFired, s.occurrencesSkipped)
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.tasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "queue", Name: "tasks_enqueued_total",
		Help: "Tasks enqueued, by task type.",
	}, []string{"task_type"})
	s.tasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "queue", Name: "tasks_finished_total",
		Help: "Task attempts finished, by action type and outcome.",
	}, []string{"action_type", "outcome"})
	s.taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "queue", Name: "task_duration_seconds",
		Help:    "Wall time of one task attempt.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 600},
	}, []string{"action_type"})
	s.taskRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "queue", Name: "task_retries_total",
		Help: "Tasks put back in the queue after a failure.",
	}, []string{"manual"})
	s.claimsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "queue", Name: "claims_reclaimed_total",
		Help: "Processing tasks returned to pending after their lease expired.",
	})
	s.tasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "queue", Name: "tasks_in_flight",
		Help: "Tasks currently executing in this process.",
	})
	s.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "queue", Name: "depth",
		Help: "Tasks per status as of the last poll.",
	}, []string{"status"})

	s.register(reg, s.tasksEnqueued, s.tasksFinished, s.taskDuration, s.taskRetries,
		s.claimsReclaimed, s.tasksInFlight, s.queueDepth)
}

func (s *PrometheusSink) register(reg prometheus.Registerer, cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			slog.Warn("Failed to register metric", "error", err)
		}
	}
}

func (s *PrometheusSink) EventIngested(sourceID string) {
	s.eventsIngested.WithLabelValues(sourceID).Inc()
}

func (s *PrometheusSink) EventDeduplicated(sourceID string) {
	s.eventsDeduplicated.WithLabelValues(sourceID).Inc()
}

func (s *PrometheusSink) ListenerEvaluated(mode, outcome string) {
	s.evaluations.WithLabelValues(mode, outcome).Inc()
}

func (s *PrometheusSink) ListenerAdmission(outcome string) {
	s.admissions.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, fired int, err error) {
	s.ticks.Inc()
	s.tickDuration.Observe(duration.Seconds())
	s.automationsFired.Add(float64(fired))
	if err != nil {
		s.tickErrors.Inc()
	}
}

func (s *PrometheusSink) OccurrencesSkipped(n int) {
	s.occurrencesSkipped.Add(float64(n))
}

func (s *PrometheusSink) TaskEnqueued(taskType string) {
	s.tasksEnqueued.WithLabelValues(taskType).Inc()
}

func (s *PrometheusSink) TaskFinished(actionType, outcome string, duration time.Duration) {
	s.tasksFinished.WithLabelValues(actionType, outcome).Inc()
	s.taskDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

func (s *PrometheusSink) TaskRetried(manual bool) {
	s.taskRetries.WithLabelValues(strconv.FormatBool(manual)).Inc()
}

func (s *PrometheusSink) ClaimsReclaimed(n int) {
	s.claimsReclaimed.Add(float64(n))
}

func (s *PrometheusSink) TasksInFlightIncr() {
	s.tasksInFlight.Inc()
}

func (s *PrometheusSink) TasksInFlightDecr() {
	s.tasksInFlight.Dec()
}

func (s *PrometheusSink) QueueDepth(status string, n int) {
	s.queueDepth.WithLabelValues(status).Set(float64(n))
}
