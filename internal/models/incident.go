package models

import (
	"encoding/json"
	"time"
)

// TriggerType identifies what kicked off an incident pipeline run.
type TriggerType string

const (
	TriggerAlarm       TriggerType = "alarm"
	TriggerAnomaly     TriggerType = "anomaly"
	TriggerHealthEvent TriggerType = "health_event"
	TriggerManual      TriggerType = "manual"
	TriggerProactive   TriggerType = "proactive"
)

// IncidentStatus is the pipeline state machine. Transitions are monotonic;
// a record never leaves a terminal state.
type IncidentStatus string

const (
	StatusTriggered       IncidentStatus = "triggered"
	StatusCollecting      IncidentStatus = "collecting"
	StatusAnalyzing       IncidentStatus = "analyzing"
	StatusSOPMatched      IncidentStatus = "sop_matched"
	StatusSafetyCheck     IncidentStatus = "safety_check"
	StatusExecuting       IncidentStatus = "executing"
	StatusWaitingApproval IncidentStatus = "waiting_approval"
	StatusCompleted       IncidentStatus = "completed"
	StatusFailed          IncidentStatus = "failed"
)

// IsTerminal reports whether the status ends the pipeline from the
// orchestrator's point of view.
func (s IncidentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusWaitingApproval:
		return true
	}
	return false
}

// statusRank orders the state machine so transitions can be validated as
// forward-only. Terminal states share the highest rank.
func (s IncidentStatus) rank() int {
	switch s {
	case StatusTriggered:
		return 0
	case StatusCollecting:
		return 1
	case StatusAnalyzing:
		return 2
	case StatusSOPMatched:
		return 3
	case StatusSafetyCheck:
		return 4
	case StatusExecuting:
		return 5
	case StatusWaitingApproval, StatusCompleted, StatusFailed:
		return 6
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next keeps the state
// machine monotonic.
func (s IncidentStatus) CanTransitionTo(next IncidentStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Pipeline stage names used as stage_timings keys.
const (
	StageCollect     = "collect"
	StageAnalyze     = "analyze"
	StageSOPMatch    = "sop_match"
	StageSafetyCheck = "safety_check"
	StageExecute     = "execute"
)

// CollectionSource says where stage 1 data came from.
const (
	CollectionSourceReuse = "detect_agent_reuse"
	CollectionSourceFresh = "fresh_collection"
)

// CollectionSummary summarizes stage 1 for the audit record.
type CollectionSummary struct {
	CollectionID   string `json:"collection_id"`
	Source         string `json:"source"` // detect_agent_reuse | fresh_collection
	DetectID       string `json:"detect_id,omitempty"`
	DataAgeSeconds int64  `json:"data_age_seconds,omitempty"`
	Metrics        int    `json:"metrics"`
	Alarms         int    `json:"alarms"`
	TrailEvents    int    `json:"trail_events"`
	Anomalies      int    `json:"anomalies"`
	HealthEvents   int    `json:"health_events"`
	DurationMs     int64  `json:"duration_ms"`
}

// ExecutionResult records stage 5's outcome: an execution handle, an
// approval request, or a failure message. Execution failure does not fail
// the diagnosis pipeline.
type ExecutionResult struct {
	Success     bool   `json:"success"`
	Action      string `json:"action,omitempty"` // e.g. approval_requested
	SOPID       string `json:"sop_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	SnapshotID  string `json:"snapshot_id,omitempty"`
	ApprovalID  string `json:"approval_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

// IncidentRecord is the audit object of one pipeline invocation. Once the
// status is terminal the record is immutable; until then it is written by
// exactly one pipeline and must be snapshotted via Clone before sharing.
type IncidentRecord struct {
	IncidentID        string             `json:"incident_id"`
	TriggerType       TriggerType        `json:"trigger_type"`
	TriggerData       json.RawMessage    `json:"trigger_data,omitempty"`
	Region            string             `json:"region"`
	Status            IncidentStatus     `json:"status"`
	CollectionSummary *CollectionSummary `json:"collection_summary,omitempty"`
	RCAResult         *RCAResult         `json:"rca_result,omitempty"`
	MatchedSOPs       []MatchedSOP       `json:"matched_sops,omitempty"`
	SafetyCheck       *SafetyCheck       `json:"safety_check,omitempty"`
	ExecutionResult   *ExecutionResult   `json:"execution_result,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	DurationMs        int64              `json:"duration_ms"`
	StageTimings      map[string]int64   `json:"stage_timings"`
	Error             string             `json:"error,omitempty"`
}

// Clone returns a deep copy of the record. Safe on a nil receiver.
func (r *IncidentRecord) Clone() *IncidentRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.TriggerData != nil {
		out.TriggerData = append(json.RawMessage(nil), r.TriggerData...)
	}
	if r.CollectionSummary != nil {
		cs := *r.CollectionSummary
		out.CollectionSummary = &cs
	}
	if r.RCAResult != nil {
		out.RCAResult = r.RCAResult.Clone()
	}
	if r.MatchedSOPs != nil {
		out.MatchedSOPs = append([]MatchedSOP(nil), r.MatchedSOPs...)
	}
	if r.SafetyCheck != nil {
		out.SafetyCheck = r.SafetyCheck.Clone()
	}
	if r.ExecutionResult != nil {
		er := *r.ExecutionResult
		out.ExecutionResult = &er
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		out.CompletedAt = &at
	}
	out.StageTimings = make(map[string]int64, len(r.StageTimings))
	for stage, ms := range r.StageTimings {
		out.StageTimings[stage] = ms
	}
	return &out
}
