// Package safety gates remediation attempts. Every SOP execution passes
// through Check, which classifies risk, consults cooldowns and the per-SOP
// circuit breaker, and decides the execution mode.
package safety

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stratusops/stratus/internal/approval"
	"github.com/stratusops/stratus/internal/circuit"
	"github.com/stratusops/stratus/internal/metrics"
	"github.com/stratusops/stratus/internal/models"
)

// Config configures the safety layer.
type Config struct {
	// CooldownL1..L3 are the minimum intervals between two executions of
	// the same SOP (globally and per resource).
	CooldownL1 time.Duration
	CooldownL2 time.Duration
	CooldownL3 time.Duration

	Breaker     circuit.Config
	ApprovalTTL time.Duration
}

// DefaultConfig returns the stock safety configuration.
func DefaultConfig() Config {
	return Config{
		CooldownL1:  5 * time.Minute,
		CooldownL2:  15 * time.Minute,
		CooldownL3:  60 * time.Minute,
		Breaker:     circuit.DefaultConfig(),
		ApprovalTTL: approval.DefaultTTL,
	}
}

// CheckContext carries incident context into a safety decision.
type CheckContext struct {
	Confidence float64
	Severity   models.Severity
	IncidentID string
}

// Layer is the safety gate. The cooldown ledger and the breaker map are
// guarded by one mutex so a check never observes a torn (cooldown, breaker)
// pair.
type Layer struct {
	cfg       Config
	approvals *approval.Store

	mu        sync.Mutex
	cooldowns map[string]time.Time // last execution per key
	breakers  map[string]*circuit.Breaker
	snapshots map[string]*models.ExecutionSnapshot

	totalChecks int64
	byMode      map[models.ExecutionMode]int64
	byRisk      map[models.RiskLevel]int64

	executionsToday int
	failuresToday   int
	counterDay      string // YYYY-MM-DD of the counters, local time

	now func() time.Time
}

// New creates a safety layer. Zero config fields fall back to defaults.
func New(cfg Config) *Layer {
	def := DefaultConfig()
	if cfg.CooldownL1 <= 0 {
		cfg.CooldownL1 = def.CooldownL1
	}
	if cfg.CooldownL2 <= 0 {
		cfg.CooldownL2 = def.CooldownL2
	}
	if cfg.CooldownL3 <= 0 {
		cfg.CooldownL3 = def.CooldownL3
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = def.ApprovalTTL
	}
	l := &Layer{
		cfg:       cfg,
		approvals: approval.NewStore(cfg.ApprovalTTL),
		cooldowns: make(map[string]time.Time),
		breakers:  make(map[string]*circuit.Breaker),
		snapshots: make(map[string]*models.ExecutionSnapshot),
		byMode:    make(map[models.ExecutionMode]int64),
		byRisk:    make(map[models.RiskLevel]int64),
		now:       time.Now,
	}
	l.counterDay = l.now().Format("2006-01-02")
	return l
}

// riskTable maps known SOP IDs directly.
var riskTable = map[string]models.RiskLevel{
	"describe_instances":   models.RiskL0,
	"get_recent_logs":      models.RiskL0,
	"check_service_health": models.RiskL0,
	"restart_service":      models.RiskL1,
	"restart_task":         models.RiskL1,
	"scale_up_asg":         models.RiskL1,
	"scale_out_service":    models.RiskL1,
	"clear_cache":          models.RiskL1,
	"modify_instance_type": models.RiskL2,
	"update_launch_config": models.RiskL2,
	"failover_database":    models.RiskL2,
	"rotate_credentials":   models.RiskL2,
	"terminate_instance":   models.RiskL3,
	"delete_stale_volumes": models.RiskL3,
	"drop_traffic":         models.RiskL3,
	"purge_queue":          models.RiskL3,
}

// verbRisk classifies by the leading action verb of an SOP ID.
var verbRisk = map[string]models.RiskLevel{
	"describe":  models.RiskL0,
	"get":       models.RiskL0,
	"list":      models.RiskL0,
	"read":      models.RiskL0,
	"check":     models.RiskL0,
	"status":    models.RiskL0,
	"restart":   models.RiskL1,
	"reboot":    models.RiskL1,
	"scale":     models.RiskL1,
	"clear":     models.RiskL1,
	"flush":     models.RiskL1,
	"modify":    models.RiskL2,
	"update":    models.RiskL2,
	"set":       models.RiskL2,
	"patch":     models.RiskL2,
	"failover":  models.RiskL2,
	"rotate":    models.RiskL2,
	"reroute":   models.RiskL2,
	"terminate": models.RiskL3,
	"delete":    models.RiskL3,
	"destroy":   models.RiskL3,
	"drop":      models.RiskL3,
	"remove":    models.RiskL3,
	"purge":     models.RiskL3,
}

// ClassifyRisk grades an SOP. Unknown SOPs default to L2 so they require
// operator attention rather than running unattended.
func ClassifyRisk(sopID string) models.RiskLevel {
	if risk, ok := riskTable[sopID]; ok {
		return risk
	}
	verb, _, _ := strings.Cut(strings.ToLower(sopID), "_")
	if risk, ok := verbRisk[verb]; ok {
		return risk
	}
	return models.RiskL2
}

func (l *Layer) cooldownFor(risk models.RiskLevel) time.Duration {
	switch risk {
	case models.RiskL1:
		return l.cfg.CooldownL1
	case models.RiskL2:
		return l.cfg.CooldownL2
	case models.RiskL3:
		return l.cfg.CooldownL3
	default:
		return 0
	}
}

func (l *Layer) breakerLocked(sopID string) *circuit.Breaker {
	b, ok := l.breakers[sopID]
	if !ok {
		b = circuit.NewBreaker(sopID, l.cfg.Breaker)
		l.breakers[sopID] = b
	}
	return b
}

// Check decides whether and how an SOP may run against the given resources.
func (l *Layer) Check(sopID string, resourceIDs []string, dryRun, force bool, ctx CheckContext) *models.SafetyCheck {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeResetLocked()

	risk := ClassifyRisk(sopID)
	circuitState := l.breakerLocked(sopID).State()

	check := &models.SafetyCheck{
		SOPID:        sopID,
		RiskLevel:    risk,
		CircuitState: circuitState,
	}

	finish := func() *models.SafetyCheck {
		if dryRun {
			check.Passed = true
			check.DryRunPreview = l.previewLocked(sopID, resourceIDs, risk)
		}
		l.totalChecks++
		l.byMode[check.ExecutionMode]++
		l.byRisk[risk]++
		metrics.SafetyChecksTotal.WithLabelValues(string(check.ExecutionMode), string(risk)).Inc()
		log.Info().
			Str("sop_id", sopID).
			Str("risk", string(risk)).
			Str("mode", string(check.ExecutionMode)).
			Bool("passed", check.Passed).
			Str("incident_id", ctx.IncidentID).
			Msg("Safety check")
		return check
	}

	if circuitState == models.CircuitOpen && !force {
		check.ExecutionMode = models.ModeBlocked
		check.Reason = fmt.Sprintf("circuit breaker open for %s", sopID)
		return finish()
	}
	if circuitState == models.CircuitHalfOpen {
		check.Warnings = append(check.Warnings, "circuit breaker half-open: this execution is a probe")
	}

	if !force {
		if remaining := l.cooldownRemainingLocked(sopID, resourceIDs, risk); remaining > 0 {
			check.ExecutionMode = models.ModeBlocked
			check.CooldownRemainingSeconds = int64(remaining.Seconds())
			check.Reason = fmt.Sprintf("cooldown active for %s, %ds remaining", sopID, check.CooldownRemainingSeconds)
			return finish()
		}
	}

	switch risk {
	case models.RiskL0:
		check.ExecutionMode = models.ModeAuto
		check.Passed = true
	case models.RiskL1:
		if ctx.Confidence >= 0.8 && ctx.Severity != models.SeverityHigh {
			check.ExecutionMode = models.ModeAuto
			check.Passed = true
		} else {
			check.ExecutionMode = models.ModeNotify
			check.Reason = "low confidence or high severity: notify instead of auto-execute"
		}
	case models.RiskL2:
		check.ExecutionMode = models.ModeApproval
		check.Reason = "medium-risk change requires approval"
	case models.RiskL3:
		check.ExecutionMode = models.ModeApproval
		check.Reason = "destructive action requires approval"
		check.Warnings = append(check.Warnings, fmt.Sprintf("DESTRUCTIVE: %s is classified %s", sopID, models.RiskL3))
	}

	if force && check.ExecutionMode != models.ModeBlocked {
		check.Passed = true
		check.Warnings = append(check.Warnings, "cooldown and confidence gates overridden by force")
	}

	return finish()
}

// cooldownRemainingLocked returns the longest remaining cooldown across the
// global key and every per-resource key.
func (l *Layer) cooldownRemainingLocked(sopID string, resourceIDs []string, risk models.RiskLevel) time.Duration {
	window := l.cooldownFor(risk)
	if window <= 0 {
		return 0
	}
	now := l.now()
	var longest time.Duration
	keys := append([]string{sopID}, resourceKeys(sopID, resourceIDs)...)
	for _, key := range keys {
		last, ok := l.cooldowns[key]
		if !ok {
			continue
		}
		if remaining := window - now.Sub(last); remaining > longest {
			longest = remaining
		}
	}
	return longest
}

func resourceKeys(sopID string, resourceIDs []string) []string {
	keys := make([]string, 0, len(resourceIDs))
	for _, r := range resourceIDs {
		keys = append(keys, sopID+"|"+r)
	}
	return keys
}

func (l *Layer) previewLocked(sopID string, resourceIDs []string, risk models.RiskLevel) *models.DryRunPreview {
	radius := "no resource mutation"
	switch risk {
	case models.RiskL1:
		radius = fmt.Sprintf("%d resource(s), reversible", len(resourceIDs))
	case models.RiskL2:
		radius = fmt.Sprintf("%d resource(s), configuration change", len(resourceIDs))
	case models.RiskL3:
		radius = fmt.Sprintf("%d resource(s), DESTRUCTIVE", len(resourceIDs))
	}
	return &models.DryRunPreview{
		SOPID:       sopID,
		ResourceIDs: resourceIDs,
		BlastRadius: radius,
	}
}

// CreateSnapshot captures pre-execution state for rollback. Snapshots are
// in-memory only; a restart invalidates pending executions.
func (l *Layer) CreateSnapshot(sopID string, resourceIDs []string, preState json.RawMessage) *models.ExecutionSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := &models.ExecutionSnapshot{
		SnapshotID:  uuid.New().String(),
		SOPID:       sopID,
		ResourceIDs: resourceIDs,
		PreState:    preState,
		CreatedAt:   l.now(),
	}
	l.snapshots[snap.SnapshotID] = snap
	log.Debug().Str("snapshot_id", snap.SnapshotID).Str("sop_id", sopID).Msg("Execution snapshot created")
	return snap
}

// GetSnapshot returns a snapshot by ID.
func (l *Layer) GetSnapshot(snapshotID string) *models.ExecutionSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshots[snapshotID]
}

// RecordExecution stamps cooldowns and advances the breaker after an
// execution attempt.
func (l *Layer) RecordExecution(sopID string, resourceIDs []string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeResetLocked()

	now := l.now()
	l.cooldowns[sopID] = now
	for _, key := range resourceKeys(sopID, resourceIDs) {
		l.cooldowns[key] = now
	}

	l.executionsToday++
	b := l.breakerLocked(sopID)
	if success {
		b.RecordSuccess()
	} else {
		l.failuresToday++
		b.RecordFailure()
	}
}

// RequestApproval opens a pending approval for a gated SOP.
func (l *Layer) RequestApproval(sopID string, context json.RawMessage) *models.PendingApproval {
	return l.approvals.Create(sopID, context)
}

// Approve grants a pending approval.
func (l *Layer) Approve(approvalID, actor string) (*models.PendingApproval, error) {
	return l.approvals.Approve(approvalID, actor)
}

// Reject declines a pending approval.
func (l *Layer) Reject(approvalID, actor, reason string) (*models.PendingApproval, error) {
	return l.approvals.Reject(approvalID, actor, reason)
}

// GetApproval returns an approval by ID, applying expiry.
func (l *Layer) GetApproval(approvalID string) (*models.PendingApproval, bool) {
	return l.approvals.Get(approvalID)
}

// PendingApprovals lists approvals still awaiting a decision.
func (l *Layer) PendingApprovals() []*models.PendingApproval {
	return l.approvals.Pending()
}

// maybeResetLocked zeroes the daily counters when the local day rolls over.
// Calling it repeatedly within one day is a no-op.
func (l *Layer) maybeResetLocked() {
	day := l.now().Format("2006-01-02")
	if day == l.counterDay {
		return
	}
	log.Info().
		Str("day", day).
		Int("executions", l.executionsToday).
		Int("failures", l.failuresToday).
		Msg("Daily safety counters reset")
	l.counterDay = day
	l.executionsToday = 0
	l.failuresToday = 0
}

// Stats is the safety layer's observability snapshot.
type Stats struct {
	TotalChecks         int64                          `json:"total_checks"`
	ByMode              map[models.ExecutionMode]int64 `json:"by_mode"`
	ByRisk              map[models.RiskLevel]int64     `json:"by_risk"`
	CircuitBreakersOpen int                            `json:"circuit_breakers_open"`
	Breakers            []circuit.Status               `json:"breakers,omitempty"`
	PendingApprovals    int                            `json:"pending_approvals"`
	ExecutionsToday     int                            `json:"executions_today"`
	FailuresToday       int                            `json:"failures_today"`
}

// GetStats snapshots the layer.
func (l *Layer) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeResetLocked()

	st := Stats{
		TotalChecks:     l.totalChecks,
		ByMode:          make(map[models.ExecutionMode]int64, len(l.byMode)),
		ByRisk:          make(map[models.RiskLevel]int64, len(l.byRisk)),
		ExecutionsToday: l.executionsToday,
		FailuresToday:   l.failuresToday,
	}
	for mode, n := range l.byMode {
		st.ByMode[mode] = n
	}
	for risk, n := range l.byRisk {
		st.ByRisk[risk] = n
	}
	for _, b := range l.breakers {
		bs := b.GetStatus()
		st.Breakers = append(st.Breakers, bs)
		if bs.State == models.CircuitOpen {
			st.CircuitBreakersOpen++
		}
	}
	sort.Slice(st.Breakers, func(i, j int) bool { return st.Breakers[i].Name < st.Breakers[j].Name })
	st.PendingApprovals = len(l.approvals.Pending())
	return st
}
