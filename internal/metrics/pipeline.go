// Package metrics exposes Prometheus collectors for the incident pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_incidents_total",
			Help: "Incidents processed by trigger type and final status",
		},
		[]string{"trigger", "status"},
	)

	StageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratus_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 2.5, 5, 10, 25, 30},
		},
		[]string{"stage"},
	)

	CollectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_collections_total",
			Help: "Collection source outcomes by source and result",
		},
		[]string{"source", "result"},
	)

	CollectionReuseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_collection_reuse_total",
			Help: "Stage 1 data origin (detect_agent_reuse vs fresh_collection)",
		},
		[]string{"origin"},
	)

	SafetyChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_safety_checks_total",
			Help: "Safety check verdicts by execution mode and risk level",
		},
		[]string{"mode", "risk"},
	)

	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratus_approvals_pending",
			Help: "Approval requests currently pending",
		},
	)

	SchedulerTaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_scheduler_task_runs_total",
			Help: "Scheduler task executions by task and result",
		},
		[]string{"task", "result"},
	)

	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_detections_total",
			Help: "Detection cycles by source and result",
		},
		[]string{"source", "result"},
	)
)

// ObserveStage records one stage timing in seconds.
func ObserveStage(stage string, seconds float64) {
	StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}
