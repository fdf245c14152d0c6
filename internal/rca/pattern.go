package rca

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/stratusops/stratus/internal/models"
)

// pattern is one fast-path rule: a set of anomaly types that together point
// at a root cause.
type pattern struct {
	id          string
	name        string
	rootCause   string
	symptoms    []string
	severity    models.Severity
	remediation *models.Remediation
}

// builtinPatterns is the fast-path rule table, checked before any model call.
var builtinPatterns = []pattern{
	{
		id:        "cpu_exhaustion",
		name:      "CPU Exhaustion",
		rootCause: "Compute capacity saturated: sustained CPU above threshold",
		symptoms:  []string{"cpu_spike"},
		severity:  models.SeverityHigh,
		remediation: &models.Remediation{
			Action:      "scale_up_asg",
			AutoExecute: true,
			Rollback:    "scale back to previous desired capacity",
			Suggestion:  "add capacity, then investigate the load source",
		},
	},
	{
		id:        "memory_leak",
		name:      "Memory Leak",
		rootCause: "Memory pressure consistent with a leaking process",
		symptoms:  []string{"memory_pressure"},
		severity:  models.SeverityMedium,
		remediation: &models.Remediation{
			Action:      "restart_service",
			AutoExecute: true,
			Rollback:    "none required, restart is self-contained",
			Suggestion:  "restart to reclaim memory, then profile the service",
		},
	},
	{
		id:        "disk_exhaustion",
		name:      "Disk Exhaustion",
		rootCause: "Disk utilization approaching capacity",
		symptoms:  []string{"disk_full"},
		severity:  models.SeverityHigh,
		remediation: &models.Remediation{
			Action:     "delete_stale_volumes",
			Suggestion: "reclaim space from unattached volumes and old logs",
			Checklist:  []string{"verify volumes are unattached", "confirm retention policy"},
		},
	},
	{
		id:        "error_storm",
		name:      "Error Storm",
		rootCause: "Elevated error rate, likely a bad deploy or failing dependency",
		symptoms:  []string{"error_surge", "alarm_firing"},
		severity:  models.SeverityHigh,
		remediation: &models.Remediation{
			Action:     "restart_service",
			Suggestion: "check recent deployments before restarting",
			Fallback:   "roll back the most recent change",
		},
	},
	{
		id:        "api_throttling",
		name:      "API Throttling",
		rootCause: "Provider throttling requests, capacity or quota exceeded",
		symptoms:  []string{"throttling"},
		severity:  models.SeverityMedium,
		remediation: &models.Remediation{
			Action:      "scale_out_service",
			AutoExecute: true,
			Suggestion:  "spread load across more instances or request a quota raise",
		},
	},
}

// PatternAnalyzer is the deterministic fast path: it matches the anomaly
// types of a CorrelatedEvent against the builtin rule table.
type PatternAnalyzer struct {
	patterns []pattern
}

// NewPatternAnalyzer returns the fast-path analyzer.
func NewPatternAnalyzer() *PatternAnalyzer {
	return &PatternAnalyzer{patterns: builtinPatterns}
}

// Analyze matches anomalies against the rule table. The best-covered
// pattern wins; no match yields the unknown result.
func (a *PatternAnalyzer) Analyze(ctx context.Context, event *models.CorrelatedEvent) *models.RCAResult {
	if event == nil || len(event.Anomalies) == 0 {
		return Unknown("no anomalies to analyze")
	}

	present := make(map[string][]models.Anomaly)
	for _, an := range event.Anomalies {
		present[an.Type] = append(present[an.Type], an)
	}

	var best *models.RCAResult
	for _, p := range a.patterns {
		result := a.score(p, present)
		if result == nil {
			continue
		}
		if best == nil || result.Confidence > best.Confidence {
			best = result
		}
	}
	if best == nil {
		return Unknown("anomalies matched no known pattern")
	}

	log.Debug().
		Str("pattern_id", best.PatternID).
		Float64("confidence", best.Confidence).
		Str("collection_id", event.CollectionID).
		Msg("Fast-path pattern matched")
	return best
}

// score builds a result for one pattern if any of its symptoms are present.
// Confidence starts at 0.55 and grows with symptom coverage and severity of
// the matched anomalies.
func (a *PatternAnalyzer) score(p pattern, present map[string][]models.Anomaly) *models.RCAResult {
	var matched []string
	var evidence []string
	resources := make(map[string]struct{})
	severity := models.SeverityLow

	for _, sym := range p.symptoms {
		anomalies, ok := present[sym]
		if !ok {
			continue
		}
		matched = append(matched, sym)
		for _, an := range anomalies {
			if an.Resource != "" {
				resources[an.Resource] = struct{}{}
			}
			if severityRank(an.Severity) > severityRank(severity) {
				severity = an.Severity
			}
			evidence = append(evidence, fmt.Sprintf("%s on %s: %s=%.1f (threshold %.1f)",
				an.Type, an.Resource, an.Metric, an.Value, an.Threshold))
		}
	}
	if len(matched) == 0 {
		return nil
	}

	coverage := float64(len(matched)) / float64(len(p.symptoms))
	confidence := 0.55 + 0.3*coverage
	if severity == models.SeverityHigh {
		confidence += 0.1
	}
	if confidence > 0.95 {
		confidence = 0.95
	}

	affected := make([]string, 0, len(resources))
	for r := range resources {
		affected = append(affected, r)
	}
	sort.Strings(affected)

	return &models.RCAResult{
		PatternID:         p.id,
		PatternName:       p.name,
		RootCause:         p.rootCause,
		Severity:          severity,
		Confidence:        confidence,
		MatchedSymptoms:   matched,
		Evidence:          evidence,
		AffectedResources: affected,
		Remediation:       p.remediation,
		ModelID:           "pattern_matcher",
	}
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityHigh:
		return 3
	case models.SeverityMedium:
		return 2
	case models.SeverityLow:
		return 1
	default:
		return 0
	}
}
