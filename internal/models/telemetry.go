// Package models defines the shared data model for the incident pipeline:
// collected telemetry, detection results, incident records, RCA output,
// and safety decisions. Types here are plain data; they are created by one
// component, shared by reference, and never mutated after handoff.
package models

import "time"

// Statistic identifies how a metric value was aggregated.
type Statistic string

const (
	StatAverage Statistic = "average"
	StatMaximum Statistic = "maximum"
	StatMinimum Statistic = "minimum"
	StatSum     Statistic = "sum"
)

// MetricDataPoint is a single measured value for one resource.
type MetricDataPoint struct {
	ResourceID string    `json:"resource_id"`
	MetricName string    `json:"metric_name"`
	Namespace  string    `json:"namespace"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Statistic  Statistic `json:"statistic"`
}

// AlarmState is the provider-reported state of an alarm.
type AlarmState string

const (
	AlarmStateOK           AlarmState = "OK"
	AlarmStateAlarm        AlarmState = "ALARM"
	AlarmStateInsufficient AlarmState = "INSUFFICIENT_DATA"
)

// AlarmInfo describes one alarm at evaluation time. Alarms in ALARM state
// contribute to the derived anomaly set.
type AlarmInfo struct {
	Name       string     `json:"name"`
	State      AlarmState `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	MetricName string     `json:"metric_name,omitempty"`
	Threshold  float64    `json:"threshold,omitempty"`
	Comparison string     `json:"comparison,omitempty"` // >, >=, <, <=
	ResourceID string     `json:"resource_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// TrailEvent is one control-plane audit record.
type TrailEvent struct {
	EventTime    time.Time `json:"event_time"`
	EventName    string    `json:"event_name"`
	UserIdentity string    `json:"user_identity,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ReadOnly     bool      `json:"read_only"`
}

// RecentChange is the non-read-only projection of a TrailEvent used by RCA.
type RecentChange struct {
	EventName    string    `json:"event_name"`
	UserIdentity string    `json:"user_identity,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	EventTime    time.Time `json:"event_time"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// HealthEvent is a provider-announced service event.
type HealthEvent struct {
	Service           string    `json:"service"`
	EventType         string    `json:"event_type"`
	Status            string    `json:"status"`
	AffectedResources []string  `json:"affected_resources"`
	Description       string    `json:"description,omitempty"`
	StartTime         time.Time `json:"start_time"`
}

// Severity grades a finding or root cause.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Anomaly is a derived finding from comparing a metric aggregate against
// its threshold, or reported directly by the anomaly detector source.
type Anomaly struct {
	Type        string   `json:"type"`
	Resource    string   `json:"resource"`
	Metric      string   `json:"metric,omitempty"`
	Value       float64  `json:"value"`
	Threshold   float64  `json:"threshold"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description,omitempty"`
}

// SourceState records the outcome of one collection source.
type SourceState string

const (
	SourceOK      SourceState = "ok"
	SourceError   SourceState = "error"
	SourceTimeout SourceState = "timeout"
)

// CorrelatedEvent is the atomic output of one collection cycle. It is
// constructed by the correlator and never mutated after return. All list
// fields are non-nil; SourceStatus has an entry for every requested source.
type CorrelatedEvent struct {
	CollectionID  string                 `json:"collection_id"`
	Region        string                 `json:"region"`
	StartedAt     time.Time              `json:"started_at"`
	DurationMs    int64                  `json:"duration_ms"`
	Metrics       []MetricDataPoint      `json:"metrics"`
	Alarms        []AlarmInfo            `json:"alarms"`
	TrailEvents   []TrailEvent           `json:"trail_events"`
	HealthEvents  []HealthEvent          `json:"health_events"`
	Anomalies     []Anomaly              `json:"anomalies"`
	RecentChanges []RecentChange         `json:"recent_changes"`
	SourceStatus  map[string]SourceState `json:"source_status"`
	SourceErrors  map[string]string      `json:"source_errors,omitempty"`
}

// HasFindings reports whether the event carries any signal worth triggering on.
func (e *CorrelatedEvent) HasFindings() bool {
	if e == nil {
		return false
	}
	if len(e.Anomalies) > 0 {
		return true
	}
	for _, a := range e.Alarms {
		if a.State == AlarmStateAlarm {
			return true
		}
	}
	return false
}
