package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Total agent tasks submitted through the API gateway.",
	}, []string{"priority"})

	APICancelRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "api",
		Name:      "cancel_requests_total",
		Help:      "Total task cancellation requests received.",
	})

	APIEventStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ailawyer",
		Subsystem: "api",
		Name:      "event_streams_open",
		Help:      "Event streams currently connected.",
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total agent tasks processed, labelled by terminal status.",
	}, []string{"status"})

	WorkerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ailawyer",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Agent tasks currently being executed.",
	})

	WorkerTaskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ailawyer",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "End-to-end agent task execution time in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	WorkerStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "worker",
		Name:      "steps_total",
		Help:      "Total agent steps executed, labelled by tool.",
	}, []string{"tool"})

	WorkerCancellationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "worker",
		Name:      "cancellations_total",
		Help:      "Total tasks aborted by a cancel request.",
	})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherTasksRouted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "dispatcher",
		Name:      "tasks_routed_total",
		Help:      "Total tasks routed to the execute topic.",
	})

	DispatcherDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "dispatcher",
		Name:      "dlq_total",
		Help:      "Total jobs sent to DLQ by the dispatcher (malformed payloads).",
	})

	DispatcherRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "dispatcher",
		Name:      "rate_limited_total",
		Help:      "Total jobs deferred by the per-case rate limiter.",
	})

	// ─── Review ──────────────────────────────────────────────────────────────────

	ReviewActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "review",
		Name:      "actions_total",
		Help:      "Total review decisions, labelled by action and outcome.",
	}, []string{"action", "outcome"})

	ReviewRevisionsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "review",
		Name:      "revisions_enqueued_total",
		Help:      "Total auto-revision tasks enqueued after a rejection.",
	})

	ReviewRevisionCapReached = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "review",
		Name:      "revision_cap_reached_total",
		Help:      "Total rejections where the revision cap suppressed auto-revision.",
	})

	LockAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "review",
		Name:      "lock_acquires_total",
		Help:      "Total review lock acquire attempts, labelled by result.",
	}, []string{"result"})

	LockReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "review",
		Name:      "lock_releases_total",
		Help:      "Total review lock release attempts, labelled by result.",
	}, []string{"result"})

	// ─── Janitor ─────────────────────────────────────────────────────────────────

	JanitorOrphansReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ailawyer",
		Subsystem: "janitor",
		Name:      "orphans_reaped_total",
		Help:      "Total running tasks failed by the janitor after their lease lapsed.",
	})
)
