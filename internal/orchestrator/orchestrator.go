// Package orchestrator runs the six-stage incident pipeline: collect,
// analyze, match SOPs, safety-check, execute or wait, complete. Each run
// produces one IncidentRecord; the orchestrator is reentrant across
// incidents but each record's stages are strictly sequential.
//
// The engine constructs exactly one Orchestrator per process and shares it
// across the scheduler, the alarm ingestor, and the API surface.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/stratusops/stratus/internal/correlator"
	"github.com/stratusops/stratus/internal/metrics"
	"github.com/stratusops/stratus/internal/models"
	"github.com/stratusops/stratus/internal/rca"
	"github.com/stratusops/stratus/internal/safety"
)

// TargetDurationMs is the end-to-end P99 budget for one pipeline run.
const TargetDurationMs = 25000

// Collector is the stage 1 dependency; satisfied by correlator.Correlator.
type Collector interface {
	Collect(ctx context.Context, opts correlator.CollectOptions) *models.CorrelatedEvent
}

// HistorySink receives finalized incident records for persistence. Sink
// failures are logged, never propagated into the pipeline.
type HistorySink interface {
	Record(ctx context.Context, rec *models.IncidentRecord) error
}

// Deps are the orchestrator's collaborators. Executor and History may be
// nil; Collector, Analyzer, Bridge, and Safety are required.
type Deps struct {
	Collector Collector
	Analyzer  rca.Analyzer
	Bridge    rca.SOPBridge
	Safety    *safety.Layer
	Executor  rca.SOPExecutor
	History   HistorySink
}

// Config configures the orchestrator.
type Config struct {
	Region          string
	DefaultLookback time.Duration // stage 1 lookback when the request omits one
	MaxRetained     int           // in-memory incident index size (default 200)
}

// Request scopes one HandleIncident call.
type Request struct {
	TriggerType models.TriggerType
	TriggerData json.RawMessage
	Services    []string
	AutoExecute bool
	DryRun      bool
	Force       bool // override cooldown and confidence gates
	Lookback    time.Duration
	// DetectResult, when fresh and the trigger is non-manual, lets stage 1
	// reuse already-collected telemetry instead of collecting again.
	DetectResult *models.DetectResult
}

// Orchestrator executes incident pipelines and indexes their records.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu        sync.RWMutex
	incidents map[string]*models.IncidentRecord
	order     []string // insertion order, oldest first

	now func() time.Time
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.DefaultLookback <= 0 {
		cfg.DefaultLookback = 15 * time.Minute
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 200
	}
	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		incidents: make(map[string]*models.IncidentRecord),
		now:       time.Now,
	}
}

// HandleIncident runs the full pipeline and returns the finalized record.
// It never returns an error: pipeline failures are captured on the record
// with status failed.
func (o *Orchestrator) HandleIncident(ctx context.Context, req Request) *models.IncidentRecord {
	if req.Lookback <= 0 {
		req.Lookback = o.cfg.DefaultLookback
	}

	start := o.now()
	rec := &models.IncidentRecord{
		IncidentID:   "inc-" + ulid.Make().String(),
		TriggerType:  req.TriggerType,
		TriggerData:  req.TriggerData,
		Region:       o.cfg.Region,
		Status:       models.StatusTriggered,
		CreatedAt:    start,
		StageTimings: make(map[string]int64),
	}
	o.index(rec)

	log.Info().
		Str("incident_id", rec.IncidentID).
		Str("trigger", string(req.TriggerType)).
		Bool("dry_run", req.DryRun).
		Msg("Incident pipeline started")

	defer o.finalize(ctx, rec, start)
	defer func() {
		if r := recover(); r != nil {
			o.fail(rec, fmt.Sprintf("pipeline panic: %v", r))
		}
	}()

	event := o.stageCollect(ctx, rec, req)
	result := o.stageAnalyze(ctx, rec, event)
	sops := o.stageSOPMatch(ctx, rec, result)
	if len(sops) == 0 {
		o.transition(rec, models.StatusCompleted)
		return rec
	}
	check, resources := o.stageSafetyCheck(rec, req, result, sops)
	o.stageExecute(ctx, rec, req, result, sops[0], check, resources)
	return rec
}

// stageCollect applies the data-reuse policy: a fresh non-manual
// detect_result is reused as-is; manual triggers and stale or empty results
// always collect fresh.
func (o *Orchestrator) stageCollect(ctx context.Context, rec *models.IncidentRecord, req Request) *models.CorrelatedEvent {
	stageStart := o.now()
	o.transition(rec, models.StatusCollecting)
	defer func() { o.recordTiming(rec, models.StageCollect, stageStart) }()

	dr := req.DetectResult
	if dr != nil && req.TriggerType != models.TriggerManual && dr.CorrelatedEvent != nil && !dr.IsStale(o.now()) {
		age := int64(dr.Age(o.now()) / time.Second)
		summary := summarize(dr.CorrelatedEvent, models.CollectionSourceReuse)
		summary.DetectID = dr.DetectID
		summary.DataAgeSeconds = age
		o.mutate(func() { rec.CollectionSummary = summary })
		metrics.CollectionReuseTotal.WithLabelValues(models.CollectionSourceReuse).Inc()
		log.Info().
			Str("incident_id", rec.IncidentID).
			Str("detect_id", dr.DetectID).
			Int64("data_age_seconds", age).
			Msg("Reusing detect result, collection skipped")
		return dr.CorrelatedEvent
	}
	if dr != nil {
		reason := "detect result stale or empty"
		if req.TriggerType == models.TriggerManual {
			reason = "manual trigger always collects fresh"
		}
		log.Debug().Str("incident_id", rec.IncidentID).Str("reason", reason).Msg("Ignoring supplied detect result")
	}

	event := o.deps.Collector.Collect(ctx, correlator.CollectOptions{
		Services:      req.Services,
		Lookback:      req.Lookback,
		IncludeTrail:  true,
		IncludeHealth: true,
	})
	summary := summarize(event, models.CollectionSourceFresh)
	o.mutate(func() { rec.CollectionSummary = summary })
	metrics.CollectionReuseTotal.WithLabelValues(models.CollectionSourceFresh).Inc()
	return event
}

func summarize(event *models.CorrelatedEvent, source string) *models.CollectionSummary {
	return &models.CollectionSummary{
		CollectionID: event.CollectionID,
		Source:       source,
		Metrics:      len(event.Metrics),
		Alarms:       len(event.Alarms),
		TrailEvents:  len(event.TrailEvents),
		Anomalies:    len(event.Anomalies),
		HealthEvents: len(event.HealthEvents),
		DurationMs:   event.DurationMs,
	}
}

func (o *Orchestrator) stageAnalyze(ctx context.Context, rec *models.IncidentRecord, event *models.CorrelatedEvent) *models.RCAResult {
	stageStart := o.now()
	o.transition(rec, models.StatusAnalyzing)
	defer func() { o.recordTiming(rec, models.StageAnalyze, stageStart) }()

	result := o.deps.Analyzer.Analyze(ctx, event)
	o.mutate(func() { rec.RCAResult = result })
	log.Info().
		Str("incident_id", rec.IncidentID).
		Str("pattern_id", result.PatternID).
		Float64("confidence", result.Confidence).
		Msg("Root cause analyzed")
	return result
}

func (o *Orchestrator) stageSOPMatch(ctx context.Context, rec *models.IncidentRecord, result *models.RCAResult) []models.MatchedSOP {
	stageStart := o.now()
	o.transition(rec, models.StatusSOPMatched)
	defer func() { o.recordTiming(rec, models.StageSOPMatch, stageStart) }()

	sops := o.deps.Bridge.Match(ctx, result)
	for i := range sops {
		sops[i].AutoExecute = result.Severity == models.SeverityLow && result.Confidence >= 0.8
	}
	o.mutate(func() { rec.MatchedSOPs = sops })
	log.Info().Str("incident_id", rec.IncidentID).Int("matched", len(sops)).Msg("SOP match complete")
	return sops
}

func (o *Orchestrator) stageSafetyCheck(rec *models.IncidentRecord, req Request, result *models.RCAResult, sops []models.MatchedSOP) (*models.SafetyCheck, []string) {
	stageStart := o.now()
	o.transition(rec, models.StatusSafetyCheck)
	defer func() { o.recordTiming(rec, models.StageSafetyCheck, stageStart) }()

	resources := result.AffectedResources
	if len(resources) == 0 {
		resources = result.MatchedSymptoms
	}

	top := sops[0]
	check := o.deps.Safety.Check(top.SOPID, resources, req.DryRun, req.Force, safety.CheckContext{
		Confidence: result.Confidence,
		Severity:   result.Severity,
		IncidentID: rec.IncidentID,
	})
	o.mutate(func() {
		rec.SafetyCheck = check
		for i := range rec.MatchedSOPs {
			rec.MatchedSOPs[i].RiskLevel = safety.ClassifyRisk(rec.MatchedSOPs[i].SOPID)
		}
	})
	return check, resources
}

func (o *Orchestrator) stageExecute(ctx context.Context, rec *models.IncidentRecord, req Request, result *models.RCAResult, top models.MatchedSOP, check *models.SafetyCheck, resources []string) {
	stageStart := o.now()
	defer func() { o.recordTiming(rec, models.StageExecute, stageStart) }()

	switch {
	case req.AutoExecute && top.AutoExecute && check.Passed && !req.DryRun:
		o.transition(rec, models.StatusExecuting)
		o.execute(ctx, rec, result, top, resources)
		o.transition(rec, models.StatusCompleted)

	case check.ExecutionMode == models.ModeApproval && !req.DryRun:
		approvalCtx, _ := json.Marshal(map[string]interface{}{
			"incident_id": rec.IncidentID,
			"confidence":  result.Confidence,
			"root_cause":  result.RootCause,
		})
		pending := o.deps.Safety.RequestApproval(top.SOPID, approvalCtx)
		o.mutate(func() {
			rec.ExecutionResult = &models.ExecutionResult{
				Action:     "approval_requested",
				ApprovalID: pending.ApprovalID,
				SOPID:      top.SOPID,
				Message:    fmt.Sprintf("%s requires approval (%s)", top.SOPID, check.RiskLevel),
			}
		})
		o.transition(rec, models.StatusWaitingApproval)

	default:
		// Dry-run, notify, blocked, or auto-execute not requested.
		o.transition(rec, models.StatusCompleted)
	}
}

func (o *Orchestrator) execute(ctx context.Context, rec *models.IncidentRecord, result *models.RCAResult, top models.MatchedSOP, resources []string) {
	preState, _ := json.Marshal(map[string]interface{}{
		"incident_id": rec.IncidentID,
		"resources":   resources,
	})
	snap := o.deps.Safety.CreateSnapshot(top.SOPID, resources, preState)

	// Built locally, published once: readers never see a half-filled result.
	execResult := &models.ExecutionResult{SOPID: top.SOPID, SnapshotID: snap.SnapshotID}
	defer o.mutate(func() { rec.ExecutionResult = execResult })

	if o.deps.Executor == nil {
		execResult.Message = "no executor configured"
		o.deps.Safety.RecordExecution(top.SOPID, resources, false)
		return
	}

	execCtx, _ := json.Marshal(map[string]interface{}{
		"rca_pattern_id": result.PatternID,
		"root_cause":     result.RootCause,
		"snapshot_id":    snap.SnapshotID,
		"triggered_by":   "incident_orchestrator",
	})
	execID, err := o.deps.Executor.Start(ctx, top.SOPID, execCtx)
	if err != nil || execID == "" {
		// Execution failure does not fail the diagnosis pipeline.
		execResult.Success = false
		execResult.Message = "executor failed to start"
		if err != nil {
			execResult.Message = err.Error()
		}
		o.deps.Safety.RecordExecution(top.SOPID, resources, false)
		log.Warn().Err(err).Str("incident_id", rec.IncidentID).Str("sop_id", top.SOPID).Msg("SOP execution failed to start")
		return
	}

	execResult.Success = true
	execResult.ExecutionID = execID
	execResult.Message = fmt.Sprintf("execution %s started", execID)
	o.deps.Safety.RecordExecution(top.SOPID, resources, true)
	log.Info().Str("incident_id", rec.IncidentID).Str("sop_id", top.SOPID).Str("execution_id", execID).Msg("SOP execution started")
}

// mutate applies a record write under the index lock. Readers snapshot
// records under the same lock, so a concurrent GetIncident/List never
// observes a partial write.
func (o *Orchestrator) mutate(fn func()) {
	o.mu.Lock()
	fn()
	o.mu.Unlock()
}

// transition advances the state machine; non-monotonic moves are dropped.
func (o *Orchestrator) transition(rec *models.IncidentRecord, next models.IncidentStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !rec.Status.CanTransitionTo(next) {
		log.Warn().
			Str("incident_id", rec.IncidentID).
			Str("from", string(rec.Status)).
			Str("to", string(next)).
			Msg("Dropping non-monotonic status transition")
		return
	}
	rec.Status = next
}

func (o *Orchestrator) fail(rec *models.IncidentRecord, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec.Status.IsTerminal() {
		return
	}
	rec.Status = models.StatusFailed
	rec.Error = msg
	log.Error().Str("incident_id", rec.IncidentID).Str("error", msg).Msg("Incident pipeline failed")
}

func (o *Orchestrator) recordTiming(rec *models.IncidentRecord, stage string, start time.Time) {
	elapsed := o.now().Sub(start)
	o.mu.Lock()
	rec.StageTimings[stage] = elapsed.Milliseconds()
	o.mu.Unlock()
	metrics.ObserveStage(stage, elapsed.Seconds())
}

// finalize runs on every exit path: it stamps completion, recomputes
// duration so it is never below the stage sum, and hands the record to the
// history sink.
func (o *Orchestrator) finalize(ctx context.Context, rec *models.IncidentRecord, start time.Time) {
	o.mu.Lock()
	if !rec.Status.IsTerminal() {
		rec.Status = models.StatusFailed
		if rec.Error == "" {
			rec.Error = "pipeline exited without terminal status"
		}
	}
	now := o.now()
	rec.CompletedAt = &now
	rec.DurationMs = now.Sub(start).Milliseconds()
	var stageSum int64
	for _, ms := range rec.StageTimings {
		stageSum += ms
	}
	if rec.DurationMs < stageSum {
		rec.DurationMs = stageSum
	}
	snapshot := rec.Clone()
	o.mu.Unlock()

	metrics.IncidentsTotal.WithLabelValues(string(snapshot.TriggerType), string(snapshot.Status)).Inc()
	log.Info().
		Str("incident_id", snapshot.IncidentID).
		Str("status", string(snapshot.Status)).
		Int64("duration_ms", snapshot.DurationMs).
		Msg("Incident pipeline finished")

	if o.deps.History != nil {
		if err := o.deps.History.Record(ctx, snapshot); err != nil {
			log.Warn().Err(err).Str("incident_id", snapshot.IncidentID).Msg("Failed to persist incident record")
		}
	}
}

func (o *Orchestrator) index(rec *models.IncidentRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.incidents[rec.IncidentID] = rec
	o.order = append(o.order, rec.IncidentID)
	for len(o.order) > o.cfg.MaxRetained {
		evicted := o.order[0]
		o.order = o.order[1:]
		delete(o.incidents, evicted)
	}
}

// GetIncident returns a snapshot of one record by ID. Records of in-flight
// pipelines keep changing; the copy is safe to serialize.
func (o *Orchestrator) GetIncident(incidentID string) *models.IncidentRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.incidents[incidentID].Clone()
}

// List returns snapshots of up to limit records, newest first, optionally
// filtered by status.
func (o *Orchestrator) List(limit int, status models.IncidentStatus) []*models.IncidentRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*models.IncidentRecord
	for i := len(o.order) - 1; i >= 0 && len(out) < limit; i-- {
		rec := o.incidents[o.order[i]]
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

// Stats summarizes pipeline outcomes against the latency target.
type Stats struct {
	Total           int                            `json:"total"`
	ByStatus        map[models.IncidentStatus]int  `json:"by_status"`
	AvgDurationMs   int64                          `json:"avg_duration_ms"`
	AvgStageTimings map[string]int64               `json:"avg_stage_timings"`
	TargetMs        int64                          `json:"target_ms"`
	WithinTarget    bool                           `json:"within_target"`
}

// GetStats snapshots pipeline statistics.
func (o *Orchestrator) GetStats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	st := Stats{
		ByStatus:        make(map[models.IncidentStatus]int),
		AvgStageTimings: make(map[string]int64),
		TargetMs:        TargetDurationMs,
	}
	var totalDuration int64
	stageSums := make(map[string]int64)
	stageCounts := make(map[string]int64)

	for _, rec := range o.incidents {
		st.Total++
		st.ByStatus[rec.Status]++
		totalDuration += rec.DurationMs
		for stage, ms := range rec.StageTimings {
			stageSums[stage] += ms
			stageCounts[stage]++
		}
	}
	if st.Total > 0 {
		st.AvgDurationMs = totalDuration / int64(st.Total)
	}
	for stage, sum := range stageSums {
		st.AvgStageTimings[stage] = sum / stageCounts[stage]
	}
	st.WithinTarget = st.AvgDurationMs <= st.TargetMs
	return st
}
