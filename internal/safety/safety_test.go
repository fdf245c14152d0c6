package safety

import (
	"testing"
	"time"

	"github.com/stratusops/stratus/internal/models"
)

func testLayer() (*Layer, *time.Time) {
	l := New(DefaultConfig())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestClassifyRisk(t *testing.T) {
	cases := []struct {
		sopID string
		want  models.RiskLevel
	}{
		{"describe_instances", models.RiskL0},
		{"restart_service", models.RiskL1},
		{"failover_database", models.RiskL2},
		{"terminate_instance", models.RiskL3},
		// Verb heuristic for IDs outside the table.
		{"list_buckets", models.RiskL0},
		{"reboot_cache_node", models.RiskL1},
		{"update_dns_weights", models.RiskL2},
		{"delete_old_snapshots", models.RiskL3},
		// Unknown defaults to L2.
		{"frobnicate_widget", models.RiskL2},
		{"", models.RiskL2},
	}
	for _, tc := range cases {
		if got := ClassifyRisk(tc.sopID); got != tc.want {
			t.Errorf("ClassifyRisk(%q) = %s, want %s", tc.sopID, got, tc.want)
		}
	}
}

func TestCheck_ModeByRisk(t *testing.T) {
	l, _ := testLayer()
	ctx := CheckContext{Confidence: 0.9, Severity: models.SeverityMedium}

	if c := l.Check("describe_instances", nil, false, false, ctx); c.ExecutionMode != models.ModeAuto || !c.Passed {
		t.Errorf("L0 check = %+v, want auto/passed", c)
	}
	if c := l.Check("restart_service", []string{"i-abc"}, false, false, ctx); c.ExecutionMode != models.ModeAuto || !c.Passed {
		t.Errorf("L1 high-confidence check = %+v, want auto/passed", c)
	}
	if c := l.Check("failover_database", nil, false, false, ctx); c.ExecutionMode != models.ModeApproval || c.Passed {
		t.Errorf("L2 check = %+v, want approval/not passed", c)
	}
}

func TestCheck_L1ConfidenceGate(t *testing.T) {
	l, _ := testLayer()

	c := l.Check("restart_service", nil, false, false, CheckContext{Confidence: 0.6, Severity: models.SeverityMedium})
	if c.ExecutionMode != models.ModeNotify || c.Passed {
		t.Errorf("low-confidence L1 = %+v, want notify/not passed", c)
	}

	c = l.Check("restart_service", nil, false, false, CheckContext{Confidence: 0.95, Severity: models.SeverityHigh})
	if c.ExecutionMode != models.ModeNotify {
		t.Errorf("high-severity L1 = %+v, want notify", c)
	}
}

func TestCheck_L3RequiresApproval(t *testing.T) {
	l, _ := testLayer()

	c := l.Check("terminate_instance", []string{"i-abc"}, false, false, CheckContext{Confidence: 0.99})
	if c.ExecutionMode != models.ModeApproval || c.Passed {
		t.Errorf("L3 check = %+v, want approval/not passed", c)
	}
	if len(c.Warnings) == 0 {
		t.Error("L3 check must carry a destructive-action warning")
	}

	forced := l.Check("terminate_instance", []string{"i-abc"}, false, true, CheckContext{})
	if !forced.Passed {
		t.Error("force must override the approval gate")
	}
}

func TestCheck_Cooldown(t *testing.T) {
	l, now := testLayer()
	ctx := CheckContext{Confidence: 0.9}

	l.RecordExecution("restart_service", []string{"i-abc"}, true)

	c := l.Check("restart_service", []string{"i-abc"}, false, false, ctx)
	if c.ExecutionMode != models.ModeBlocked || c.Passed {
		t.Fatalf("check inside cooldown = %+v, want blocked", c)
	}
	if c.CooldownRemainingSeconds <= 0 || c.CooldownRemainingSeconds > 300 {
		t.Errorf("cooldown_remaining_seconds = %d, want (0, 300]", c.CooldownRemainingSeconds)
	}

	// Same SOP against a different resource still hits the global cooldown.
	c = l.Check("restart_service", []string{"i-other"}, false, false, ctx)
	if c.ExecutionMode != models.ModeBlocked {
		t.Errorf("global cooldown must apply to other resources, got %+v", c)
	}

	// force skips the cooldown.
	if c := l.Check("restart_service", []string{"i-abc"}, false, true, ctx); c.ExecutionMode == models.ModeBlocked {
		t.Errorf("forced check = %+v, want not blocked", c)
	}

	// After the L1 window the SOP is usable again.
	*now = now.Add(6 * time.Minute)
	if c := l.Check("restart_service", []string{"i-abc"}, false, false, ctx); c.ExecutionMode != models.ModeAuto {
		t.Errorf("check after cooldown = %+v, want auto", c)
	}
}

func TestCheck_CircuitBreakerBlocks(t *testing.T) {
	l, _ := testLayer()

	for i := 0; i < 3; i++ {
		l.RecordExecution("scale_up_asg", nil, false)
	}

	c := l.Check("scale_up_asg", nil, false, false, CheckContext{Confidence: 0.9})
	if c.ExecutionMode != models.ModeBlocked || c.CircuitState != models.CircuitOpen {
		t.Errorf("check with open breaker = %+v, want blocked/open", c)
	}
}

func TestCheck_DryRun(t *testing.T) {
	l, _ := testLayer()

	c := l.Check("terminate_instance", []string{"i-abc", "i-def"}, true, false, CheckContext{})
	if !c.Passed {
		t.Error("dry run must force passed=true")
	}
	if c.ExecutionMode != models.ModeApproval {
		t.Errorf("dry run must preserve execution_mode, got %s", c.ExecutionMode)
	}
	if c.DryRunPreview == nil {
		t.Fatal("dry run must populate the preview")
	}
	if len(c.DryRunPreview.ResourceIDs) != 2 || c.DryRunPreview.SOPID != "terminate_instance" {
		t.Errorf("preview = %+v", c.DryRunPreview)
	}
}

func TestSnapshots(t *testing.T) {
	l, _ := testLayer()

	snap := l.CreateSnapshot("restart_service", []string{"i-abc"}, []byte(`{"desired_count":2}`))
	if snap.SnapshotID == "" {
		t.Fatal("snapshot_id must be set")
	}
	got := l.GetSnapshot(snap.SnapshotID)
	if got == nil || got.SOPID != "restart_service" {
		t.Errorf("GetSnapshot = %+v", got)
	}
	if l.GetSnapshot("missing") != nil {
		t.Error("unknown snapshot must return nil")
	}
}

func TestApprovalFlow(t *testing.T) {
	l, _ := testLayer()

	p := l.RequestApproval("failover_database", []byte(`{"incident_id":"inc-1"}`))
	if p.Status != models.ApprovalPending {
		t.Fatalf("status = %s", p.Status)
	}
	if len(l.PendingApprovals()) != 1 {
		t.Error("approval must be listed as pending")
	}

	if _, err := l.Approve(p.ApprovalID, "oncall"); err != nil {
		t.Fatal(err)
	}
	if len(l.PendingApprovals()) != 0 {
		t.Error("approved request must leave the pending list")
	}
}

func TestDailyReset(t *testing.T) {
	l, now := testLayer()

	l.RecordExecution("restart_service", nil, true)
	l.RecordExecution("restart_service", nil, false)

	st := l.GetStats()
	if st.ExecutionsToday != 2 || st.FailuresToday != 1 {
		t.Fatalf("stats = %+v", st)
	}

	*now = now.Add(24 * time.Hour)
	st = l.GetStats()
	if st.ExecutionsToday != 0 || st.FailuresToday != 0 {
		t.Errorf("stats after day rollover = %+v, want zeroed counters", st)
	}

	// Idempotent within the same day.
	st = l.GetStats()
	if st.ExecutionsToday != 0 {
		t.Errorf("second read mutated counters: %+v", st)
	}
}

func TestGetStats(t *testing.T) {
	l, _ := testLayer()
	ctx := CheckContext{Confidence: 0.9}

	l.Check("describe_instances", nil, false, false, ctx)
	l.Check("failover_database", nil, false, false, ctx)
	l.RequestApproval("failover_database", nil)

	st := l.GetStats()
	if st.TotalChecks != 2 {
		t.Errorf("total_checks = %d", st.TotalChecks)
	}
	if st.ByMode[models.ModeAuto] != 1 || st.ByMode[models.ModeApproval] != 1 {
		t.Errorf("by_mode = %v", st.ByMode)
	}
	if st.ByRisk[models.RiskL0] != 1 || st.ByRisk[models.RiskL2] != 1 {
		t.Errorf("by_risk = %v", st.ByRisk)
	}
	if st.PendingApprovals != 1 {
		t.Errorf("pending_approvals = %d", st.PendingApprovals)
	}
}

func TestGetStats_BreakerOrderStable(t *testing.T) {
	l, _ := testLayer()

	for _, sop := range []string{"restart_service", "failover_database", "scale_up_asg", "delete_stale_volumes"} {
		l.RecordExecution(sop, nil, false)
	}

	first := l.GetStats()
	second := l.GetStats()
	if len(first.Breakers) != len(second.Breakers) {
		t.Fatalf("breaker counts differ: %d vs %d", len(first.Breakers), len(second.Breakers))
	}
	for i := range first.Breakers {
		if first.Breakers[i].Name != second.Breakers[i].Name {
			t.Fatalf("breaker order unstable at %d: %s vs %s", i, first.Breakers[i].Name, second.Breakers[i].Name)
		}
		if i > 0 && first.Breakers[i-1].Name > first.Breakers[i].Name {
			t.Errorf("breakers not sorted: %s before %s", first.Breakers[i-1].Name, first.Breakers[i].Name)
		}
	}
}
