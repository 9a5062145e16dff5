package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Coordinator (queued) ────────────────────────────────────────────────────

	QueuedCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "commands_total",
		Help:      "Total wire commands handled, labelled by command and result code.",
	}, []string{"command", "code"})

	QueuedCommandDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "command_duration_seconds",
		Help:      "Wire command handling time in seconds, blocking wait excluded.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"command"})

	QueuedConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "connections_active",
		Help:      "Client connections currently open.",
	})

	QueuedJobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "jobs_enqueued_total",
		Help:      "Total jobs materialized onto ready queues.",
	}, []string{"queue"})

	QueuedJobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "jobs_claimed_total",
		Help:      "Total successful claims.",
	}, []string{"queue"})

	QueuedJobsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "jobs_terminal_total",
		Help:      "Total jobs reaching a terminal status.",
	}, []string{"queue", "status"})

	QueuedJobsRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "jobs_requeued_total",
		Help:      "Total jobs requeued after their worker's liveness expired.",
	}, []string{"queue"})

	QueuedClaimWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "claim_wait_seconds",
		Help:      "Time a claim blocked before a job or its timeout arrived.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"queue"})

	QueuedWorkersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "workers_live",
		Help:      "Workers with an unexpired liveness record.",
	})

	QueuedWorkersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "workers_expired_total",
		Help:      "Total liveness records expired by the sweeper.",
	})

	QueuedEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "events_published_total",
		Help:      "Total lifecycle events published to the feed.",
	}, []string{"type"})

	QueuedEventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "event_publish_failures_total",
		Help:      "Total lifecycle events dropped after a publish failure.",
	})

	QueuedArchiveWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "archive_writes_total",
		Help:      "Total terminal jobs written to the archive, by outcome.",
	}, []string{"outcome"})

	QueuedSchedulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "queued",
		Name:      "schedules_fired_total",
		Help:      "Total scheduled actions fired, by outcome.",
	}, []string{"outcome"})

	// ─── Execution agent ─────────────────────────────────────────────────────────

	AgentJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "agent",
		Name:      "jobs_processed_total",
		Help:      "Total jobs run to a terminal status, labelled by queue and status.",
	}, []string{"queue", "status"})

	AgentJobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agenix",
		Subsystem: "agent",
		Name:      "jobs_inflight",
		Help:      "Jobs currently executing.",
	})

	AgentTasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "agent",
		Name:      "tasks_executed_total",
		Help:      "Total task processes run, labelled by result.",
	}, []string{"result"})

	AgentTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agenix",
		Subsystem: "agent",
		Name:      "task_duration_seconds",
		Help:      "Single task execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120},
	}, []string{"queue"})

	AgentClaimFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "agent",
		Name:      "claim_failures_total",
		Help:      "Total claim round trips that errored (timeouts excluded).",
	})

	AgentHeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "agent",
		Name:      "heartbeat_failures_total",
		Help:      "Total heartbeats that errored.",
	})

	AgentRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenix",
		Subsystem: "agent",
		Name:      "retries_total",
		Help:      "Total retry attempts, labelled by operation.",
	}, []string{"op"})
)
