package models

import "time"

// DetectSource identifies what initiated a detection cycle.
type DetectSource string

const (
	DetectSourceProactive DetectSource = "proactive_scan"
	DetectSourceAlarm     DetectSource = "alarm_trigger"
	DetectSourceManual    DetectSource = "manual"
	DetectSourceEvent     DetectSource = "event"
)

// Freshness labels a DetectResult's age relative to its TTL.
type Freshness string

const (
	FreshnessFresh Freshness = "fresh" // age < 60s
	FreshnessWarm  Freshness = "warm"  // 60s <= age < ttl
	FreshnessStale Freshness = "stale" // age >= ttl
)

// DefaultDetectTTL is the default validity window for a DetectResult.
const DefaultDetectTTL = 300 * time.Second

// DetectResult wraps a CorrelatedEvent with detection metadata. Created
// exclusively by the detect agent, shared by reference, never mutated.
type DetectResult struct {
	DetectID          string           `json:"detect_id"`
	Timestamp         time.Time        `json:"timestamp"` // detection start
	Source            DetectSource     `json:"source"`
	Region            string           `json:"region"`
	TTLSeconds        int              `json:"ttl_seconds"`
	CorrelatedEvent   *CorrelatedEvent `json:"correlated_event,omitempty"`
	AnomaliesDetected int              `json:"anomalies_detected"`
	Error             string           `json:"error,omitempty"`
}

// Age returns how old the result is at the given instant.
func (r *DetectResult) Age(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}

// TTL returns the configured TTL as a duration.
func (r *DetectResult) TTL() time.Duration {
	if r.TTLSeconds <= 0 {
		return DefaultDetectTTL
	}
	return time.Duration(r.TTLSeconds) * time.Second
}

// IsStale reports whether the result has outlived its TTL.
func (r *DetectResult) IsStale(now time.Time) bool {
	return r.Age(now) > r.TTL()
}

// FreshnessAt is a pure function of age and TTL.
func (r *DetectResult) FreshnessAt(now time.Time) Freshness {
	age := r.Age(now)
	switch {
	case age < 60*time.Second:
		return FreshnessFresh
	case age < r.TTL():
		return FreshnessWarm
	default:
		return FreshnessStale
	}
}
