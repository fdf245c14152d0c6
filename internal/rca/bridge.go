package rca

import (
	"context"
	"sort"
	"strings"

	"github.com/stratusops/stratus/internal/models"
)

// SOPDefinition is one playbook entry in the bridge's catalog.
type SOPDefinition struct {
	SOPID    string          `json:"sop_id"`
	Name     string          `json:"name"`
	Severity models.Severity `json:"severity"`
	// Patterns are RCA pattern IDs this SOP remediates directly.
	Patterns []string `json:"patterns,omitempty"`
	// Keywords match against the root-cause text when no pattern matches.
	Keywords []string `json:"keywords,omitempty"`
}

// KeywordBridge matches SOPs by exact pattern ID first, then by keywords in
// the root-cause text.
type KeywordBridge struct {
	catalog []SOPDefinition
}

// defaultCatalog covers the builtin fast-path patterns.
var defaultCatalog = []SOPDefinition{
	{SOPID: "scale_up_asg", Name: "Scale up auto scaling group", Severity: models.SeverityLow,
		Patterns: []string{"cpu_exhaustion"}, Keywords: []string{"cpu", "capacity", "saturated"}},
	{SOPID: "restart_service", Name: "Restart service", Severity: models.SeverityLow,
		Patterns: []string{"memory_leak", "error_storm"}, Keywords: []string{"memory", "leak", "error rate", "crash"}},
	{SOPID: "delete_stale_volumes", Name: "Delete stale volumes", Severity: models.SeverityMedium,
		Patterns: []string{"disk_exhaustion"}, Keywords: []string{"disk", "volume", "storage"}},
	{SOPID: "scale_out_service", Name: "Scale out service", Severity: models.SeverityLow,
		Patterns: []string{"api_throttling"}, Keywords: []string{"throttl", "quota", "rate limit"}},
	{SOPID: "failover_database", Name: "Fail over database", Severity: models.SeverityHigh,
		Keywords: []string{"database", "replica", "primary"}},
	{SOPID: "describe_instances", Name: "Gather instance diagnostics", Severity: models.SeverityLow,
		Keywords: []string{"unknown", "investigate"}},
}

// NewKeywordBridge builds a bridge over the given catalog, or the default
// catalog when nil.
func NewKeywordBridge(catalog []SOPDefinition) *KeywordBridge {
	if catalog == nil {
		catalog = defaultCatalog
	}
	return &KeywordBridge{catalog: catalog}
}

// Lookup returns the definition for one SOP ID.
func (b *KeywordBridge) Lookup(sopID string) *SOPDefinition {
	for i := range b.catalog {
		if b.catalog[i].SOPID == sopID {
			return &b.catalog[i]
		}
	}
	return nil
}

// Match returns candidate SOPs ordered by match confidence, best first.
func (b *KeywordBridge) Match(ctx context.Context, result *models.RCAResult) []models.MatchedSOP {
	if result == nil {
		return nil
	}
	rootCause := strings.ToLower(result.RootCause)

	var matched []models.MatchedSOP
	for _, def := range b.catalog {
		if sop, ok := matchPattern(def, result); ok {
			matched = append(matched, sop)
			continue
		}
		if sop, ok := matchKeywords(def, rootCause); ok {
			matched = append(matched, sop)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].MatchConfidence > matched[j].MatchConfidence
	})
	return matched
}

func matchPattern(def SOPDefinition, result *models.RCAResult) (models.MatchedSOP, bool) {
	for _, p := range def.Patterns {
		if p == result.PatternID {
			return models.MatchedSOP{
				SOPID:           def.SOPID,
				Name:            def.Name,
				Severity:        def.Severity,
				MatchConfidence: result.Confidence,
				MatchType:       models.MatchExactPattern,
			}, true
		}
	}
	return models.MatchedSOP{}, false
}

func matchKeywords(def SOPDefinition, rootCause string) (models.MatchedSOP, bool) {
	hits := 0
	for _, kw := range def.Keywords {
		if strings.Contains(rootCause, kw) {
			hits++
		}
	}
	if hits == 0 {
		return models.MatchedSOP{}, false
	}
	confidence := 0.4 + 0.15*float64(hits)
	if confidence > 0.8 {
		confidence = 0.8
	}
	return models.MatchedSOP{
		SOPID:           def.SOPID,
		Name:            def.Name,
		Severity:        def.Severity,
		MatchConfidence: confidence,
		MatchType:       models.MatchKeyword,
	}, true
}
