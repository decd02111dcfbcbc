package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admitq_tasks_submitted_total",
		Help: "Total number of tasks submitted, by admission path (queued or immediate)",
	}, []string{"task_type", "path"})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admitq_tasks_completed_total",
		Help: "Total number of tasks that reached a terminal state",
	}, []string{"task_type", "status"})

	admissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admitq_admission_decisions_total",
		Help: "Admission checks by outcome",
	}, []string{"task_type", "decision"})

	queueWaitTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "admitq_queue_wait_duration_seconds",
		Help:    "Time a task spent queued before it was promoted",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"task_type"})

	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "admitq_exec_duration_seconds",
		Help:    "Time from start to terminal state",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 16),
	}, []string{"task_type"})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admitq_events_published_total",
		Help: "Events published on the broadcaster",
	}, []string{"type"})

	subscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admitq_subscribers_dropped_total",
		Help: "Subscribers disconnected because their buffer was full",
	})

	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admitq_subscribers",
		Help: "Connected event subscribers",
	})
)

func RecordSubmission(taskType, path string) {
	tasksSubmitted.WithLabelValues(taskType, path).Inc()
}

func RecordAdmission(taskType string, approved bool) {
	decision := "denied"
	if approved {
		decision = "approved"
	}
	admissionDecisions.WithLabelValues(taskType, decision).Inc()
}

func RecordStart(taskType string, queueWait time.Duration) {
	queueWaitTime.WithLabelValues(taskType).Observe(queueWait.Seconds())
}

func RecordCompletion(taskType, status string, elapsed time.Duration) {
	tasksCompleted.WithLabelValues(taskType, status).Inc()
	execDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
}

func RecordEvent(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

func RecordSubscriberDropped() {
	subscribersDropped.Inc()
}

func SetSubscribers(n int) {
	subscribersGauge.Set(float64(n))
}
