package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Gateway ─────────────────────────────────────────────────────────────────

	GatewayScansSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanapi",
		Subsystem: "gateway",
		Name:      "scans_submitted_total",
		Help:      "Total scan tasks accepted by the gateway, labelled by scan kind.",
	}, []string{"kind"})

	GatewayIdempotentHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scanapi",
		Subsystem: "gateway",
		Name:      "idempotent_hits_total",
		Help:      "Submissions answered with an existing task via the idempotency store.",
	})

	GatewayConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scanapi",
		Subsystem: "gateway",
		Name:      "idempotency_conflicts_total",
		Help:      "Submissions rejected because the idempotency key carried a different fingerprint.",
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanapi",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total scan tasks driven to a terminal state, labelled by pool and outcome.",
	}, []string{"pool", "outcome"})

	WorkerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scanapi",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Scan tasks currently being executed.",
	}, []string{"pool"})

	WorkerScanDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scanapi",
		Subsystem: "worker",
		Name:      "scan_duration_seconds",
		Help:      "Wall-clock scan execution time in seconds.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 43200, 86400},
	}, []string{"pool"})

	WorkerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanapi",
		Subsystem: "worker",
		Name:      "retries_total",
		Help:      "Total transient backend retry attempts.",
	}, []string{"pool"})

	WorkerDLQTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanapi",
		Subsystem: "worker",
		Name:      "dlq_total",
		Help:      "Total tasks parked in the dead-letter queue.",
	}, []string{"pool"})

	// ─── Registry ────────────────────────────────────────────────────────────────

	RegistryCircuitOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanapi",
		Subsystem: "registry",
		Name:      "circuit_opened_total",
		Help:      "Times an instance's circuit breaker transitioned to OPEN.",
	}, []string{"pool", "instance"})

	RegistryCapacityRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanapi",
		Subsystem: "registry",
		Name:      "capacity_rejected_total",
		Help:      "Capacity claims rejected because every eligible instance was saturated.",
	}, []string{"pool"})

	RegistryOverflowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanapi",
		Subsystem: "registry",
		Name:      "overflow_routed_total",
		Help:      "Submissions routed to the global overflow queue.",
	}, []string{"pool"})

	// ─── Janitor ─────────────────────────────────────────────────────────────────

	JanitorTasksDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanapi",
		Subsystem: "janitor",
		Name:      "tasks_deleted_total",
		Help:      "Expired terminal tasks removed by housekeeping, labelled by state.",
	}, []string{"state"})

	JanitorSweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scanapi",
		Subsystem: "janitor",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one housekeeping sweep.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
	})
)
