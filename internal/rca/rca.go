// Package rca holds the root-cause analysis protocol: the analyzer contract,
// a pattern-matching fast path, an escalating wrapper around an external
// inference model, and the bridge that maps root causes to SOPs.
package rca

import (
	"context"
	"encoding/json"

	"github.com/stratusops/stratus/internal/models"
)

// Analyzer produces a root-cause hypothesis for one collection cycle.
// Analyze never fails: on internal error implementations return an unknown
// result with low severity and confidence <= 0.3.
type Analyzer interface {
	Analyze(ctx context.Context, event *models.CorrelatedEvent) *models.RCAResult
}

// KnownPattern is one entry in the knowledge base.
type KnownPattern struct {
	PatternID   string              `json:"pattern_id"`
	Name        string              `json:"name"`
	RootCause   string              `json:"root_cause"`
	Symptoms    []string            `json:"symptoms"`
	Severity    models.Severity     `json:"severity"`
	Quality     float64             `json:"quality"`
	Remediation *models.Remediation `json:"remediation,omitempty"`
}

// KnowledgeBase is the external pattern search/index service.
type KnowledgeBase interface {
	Search(ctx context.Context, query string, strategy string) ([]KnownPattern, error)
	Index(ctx context.Context, pattern KnownPattern) error
}

// SOPBridge maps a root cause to an ordered list of remediation playbooks,
// best match first.
type SOPBridge interface {
	Match(ctx context.Context, result *models.RCAResult) []models.MatchedSOP
}

// SOPExecutor starts a remediation run. The handle identifies the execution
// for later inspection; the executor owns everything past Start.
type SOPExecutor interface {
	Start(ctx context.Context, sopID string, execContext json.RawMessage) (string, error)
}

// Unknown builds the fallback result used whenever analysis cannot produce
// a hypothesis.
func Unknown(reason string) *models.RCAResult {
	return &models.RCAResult{
		PatternID:   "unknown",
		PatternName: "Unknown",
		RootCause:   reason,
		Severity:    models.SeverityLow,
		Confidence:  0.3,
	}
}
