package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "disburse"

const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeManual  = "manual"
)

var (
	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_processed_total",
			Help:      "Tasks run by the scheduler, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Time spent running one task, by kind.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)
	feedErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "feed_errors_total",
			Help:      "Failures to load due tasks.",
		},
	)
	leader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "leader",
			Help:      "1 while this replica holds scheduler leadership.",
		},
	)
	receipts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receipt",
			Name:      "messages_total",
			Help:      "Confirmation receipts consumed, by status and outcome.",
		},
		[]string{"status", "outcome"},
	)
	ledgerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transitions_total",
			Help:      "Payment instructions moved out of QUEUED, by target status.",
		},
		[]string{"status"},
	)
	instructions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "instructions_total",
			Help:      "Inbound payment instructions, by system and outcome.",
		},
		[]string{"system", "outcome"},
	)
	executorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "request_duration_seconds",
			Help:      "Latency of calls to the payment execution service, by operation and status code.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "code"},
	)
)

var registerMetrics sync.Once

// Register all metrics with the default registry.
func Register() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(
			tasksProcessed,
			taskDuration,
			feedErrors,
			leader,
			receipts,
			ledgerTransitions,
			instructions,
			executorLatency,
		)
	})
}

func RecordTask(kind, outcome string, d time.Duration) {
	tasksProcessed.WithLabelValues(kind, outcome).Inc()
	taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func RecordFeedError() {
	feedErrors.Inc()
}

func SetLeader(isLeader bool) {
	if isLeader {
		leader.Set(1)
		return
	}
	leader.Set(0)
}

func RecordReceipt(status, outcome string) {
	receipts.WithLabelValues(status, outcome).Inc()
}

func RecordTransition(status string) {
	ledgerTransitions.WithLabelValues(status).Inc()
}

func RecordInstruction(system, outcome string) {
	instructions.WithLabelValues(system, outcome).Inc()
}

// RecordExecutorCall observes one outbound request; code is "error" when no
// response arrived.
func RecordExecutorCall(operation, code string, d time.Duration) {
	executorLatency.WithLabelValues(operation, code).Observe(d.Seconds())
}
