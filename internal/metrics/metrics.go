package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupd_jobs_enqueued_total",
		Help: "Jobs written to the queue",
	}, []string{"type", "queue"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupd_jobs_finished_total",
		Help: "Jobs finished by workers, by outcome",
	}, []string{"type", "status"})

	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupd_jobs_retried_total",
		Help: "Failed jobs returned to pending",
	}, []string{"type"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backupd_job_duration_seconds",
		Help:    "Handler run time",
		Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200, 14400, 28800},
	}, []string{"type"})

	StaleJobsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backupd_queue_stale_ids_discarded_total",
		Help: "Popped ids whose job row was missing or already finished",
	})

	PipelineStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupd_pipeline_step_failures_total",
		Help: "Backup pipeline failures by step",
	}, []string{"step", "repository_type"})

	ArchivesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupd_archives_created_total",
		Help: "Archives created by the backup pipeline",
	}, []string{"repository_type"})

	ArchivesPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupd_archives_pruned_total",
		Help: "Archives removed by retention pruning",
	}, []string{"repository_type"})

	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupd_scheduler_ticks_total",
		Help: "Scheduler ticks by loop and leadership outcome",
	}, []string{"loop", "outcome"})

	DefinitionsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backupd_scheduler_definitions_dispatched_total",
		Help: "Due backup definitions turned into jobs",
	})

	SSHCircuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backupd_ssh_circuit_open",
		Help: "1 when the reachability circuit breaker for a host is open",
	}, []string{"host"})
)
