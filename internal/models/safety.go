package models

import (
	"encoding/json"
	"time"
)

// RiskLevel grades an SOP's blast radius.
type RiskLevel string

const (
	RiskL0 RiskLevel = "L0" // read-only
	RiskL1 RiskLevel = "L1" // low-risk reversible
	RiskL2 RiskLevel = "L2" // medium-risk config change
	RiskL3 RiskLevel = "L3" // destructive
)

// ExecutionMode is the safety layer's verdict on how an SOP may run.
type ExecutionMode string

const (
	ModeAuto     ExecutionMode = "auto"
	ModeNotify   ExecutionMode = "notify"
	ModeApproval ExecutionMode = "approval"
	ModeBlocked  ExecutionMode = "blocked"
)

// CircuitState mirrors the per-SOP breaker state at check time.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// DryRunPreview describes the changes an SOP would make, without making them.
type DryRunPreview struct {
	SOPID       string            `json:"sop_id"`
	ResourceIDs []string          `json:"resource_ids"`
	Params      map[string]string `json:"params,omitempty"`
	BlastRadius string            `json:"blast_radius"`
}

// SafetyCheck is the gate decision for one SOP against a set of resources.
type SafetyCheck struct {
	SOPID                    string         `json:"sop_id"`
	RiskLevel                RiskLevel      `json:"risk_level"`
	ExecutionMode            ExecutionMode  `json:"execution_mode"`
	Passed                   bool           `json:"passed"`
	Reason                   string         `json:"reason,omitempty"`
	Warnings                 []string       `json:"warnings,omitempty"`
	CooldownRemainingSeconds int64          `json:"cooldown_remaining_seconds,omitempty"`
	CircuitState             CircuitState   `json:"circuit_state"`
	DryRunPreview            *DryRunPreview `json:"dry_run_preview,omitempty"`
}

// Clone returns a deep copy.
func (c *SafetyCheck) Clone() *SafetyCheck {
	out := *c
	out.Warnings = append([]string(nil), c.Warnings...)
	if c.DryRunPreview != nil {
		p := *c.DryRunPreview
		p.ResourceIDs = append([]string(nil), c.DryRunPreview.ResourceIDs...)
		if c.DryRunPreview.Params != nil {
			p.Params = make(map[string]string, len(c.DryRunPreview.Params))
			for k, v := range c.DryRunPreview.Params {
				p.Params[k] = v
			}
		}
		out.DryRunPreview = &p
	}
	return &out
}

// ExecutionSnapshot captures pre-execution state for potential rollback.
// Created before any non-L0 execution.
type ExecutionSnapshot struct {
	SnapshotID  string          `json:"snapshot_id"`
	SOPID       string          `json:"sop_id"`
	ResourceIDs []string        `json:"resource_ids"`
	PreState    json.RawMessage `json:"pre_state,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ApprovalStatus tracks the lifecycle of a pending approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// PendingApproval is an out-of-band human decision awaiting action.
// Expiry is evaluated at read time against ExpiresAt.
type PendingApproval struct {
	ApprovalID  string          `json:"approval_id"`
	SOPID       string          `json:"sop_id"`
	RequestedAt time.Time       `json:"requested_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Context     json.RawMessage `json:"context,omitempty"`
	Status      ApprovalStatus  `json:"status"`
	DecidedBy   string          `json:"decided_by,omitempty"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}
