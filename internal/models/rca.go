package models

// RCA confidence bands. At or above ConfidenceHigh the result is
// high-confidence; below ConfidenceAcceptable the analyzer is expected to
// escalate to a deeper model.
const (
	ConfidenceHigh       = 0.85
	ConfidenceAcceptable = 0.70
)

// Remediation describes the action a matched pattern suggests.
type Remediation struct {
	Action      string            `json:"action"`
	AutoExecute bool              `json:"auto_execute"`
	Params      map[string]string `json:"params,omitempty"`
	Conditions  []string          `json:"conditions,omitempty"`
	Rollback    string            `json:"rollback,omitempty"`
	Suggestion  string            `json:"suggestion,omitempty"`
	Checklist   []string          `json:"checklist,omitempty"`
	Fallback    string            `json:"fallback,omitempty"`
}

// RCAResult is the output of the root-cause analyzer. The analyzer never
// fails: on internal error it returns an unknown result with severity low
// and confidence <= 0.3.
type RCAResult struct {
	PatternID         string       `json:"pattern_id"`
	PatternName       string       `json:"pattern_name"`
	RootCause         string       `json:"root_cause"`
	Severity          Severity     `json:"severity"`
	Confidence        float64      `json:"confidence"`
	MatchedSymptoms   []string     `json:"matched_symptoms,omitempty"`
	Evidence          []string     `json:"evidence,omitempty"`
	AffectedResources []string     `json:"affected_resources,omitempty"`
	Remediation       *Remediation `json:"remediation,omitempty"`
	ModelID           string       `json:"model_id,omitempty"`
}

// IsHighConfidence reports whether the result clears the high band.
func (r *RCAResult) IsHighConfidence() bool {
	return r.Confidence >= ConfidenceHigh
}

// Clone returns a deep copy.
func (r *RCAResult) Clone() *RCAResult {
	out := *r
	out.MatchedSymptoms = append([]string(nil), r.MatchedSymptoms...)
	out.Evidence = append([]string(nil), r.Evidence...)
	out.AffectedResources = append([]string(nil), r.AffectedResources...)
	if r.Remediation != nil {
		rem := *r.Remediation
		if r.Remediation.Params != nil {
			rem.Params = make(map[string]string, len(r.Remediation.Params))
			for k, v := range r.Remediation.Params {
				rem.Params[k] = v
			}
		}
		rem.Conditions = append([]string(nil), r.Remediation.Conditions...)
		rem.Checklist = append([]string(nil), r.Remediation.Checklist...)
		out.Remediation = &rem
	}
	return &out
}

// MatchType says how an SOP was matched to a root cause.
type MatchType string

const (
	MatchExactPattern MatchType = "exact_pattern"
	MatchKeyword      MatchType = "keyword"
	MatchLLMInferred  MatchType = "llm_inferred"
)

// MatchedSOP is one remediation playbook candidate, ordered by confidence.
// RiskLevel is filled in by the safety layer during stage 4.
type MatchedSOP struct {
	SOPID           string    `json:"sop_id"`
	Name            string    `json:"name"`
	Severity        Severity  `json:"severity"`
	MatchConfidence float64   `json:"match_confidence"`
	MatchType       MatchType `json:"match_type"`
	AutoExecute     bool      `json:"auto_execute"`
	RiskLevel       RiskLevel `json:"risk_level,omitempty"`
}
