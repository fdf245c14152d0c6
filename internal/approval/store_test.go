package approval

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stratusops/stratus/internal/models"
)

func testStore(ttl time.Duration) (*Store, *time.Time) {
	s := NewStore(ttl)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestCreateAndApprove(t *testing.T) {
	s, _ := testStore(0)

	a := s.Create("restart_service", json.RawMessage(`{"incident_id":"inc-1"}`))
	if a.ApprovalID == "" {
		t.Fatal("approval_id must be set")
	}
	if a.Status != models.ApprovalPending {
		t.Fatalf("status = %s, want pending", a.Status)
	}
	if got := a.ExpiresAt.Sub(a.RequestedAt); got != DefaultTTL {
		t.Errorf("ttl = %v, want %v", got, DefaultTTL)
	}

	got, err := s.Approve(a.ApprovalID, "oncall@example.com")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got.Status != models.ApprovalApproved || got.DecidedBy != "oncall@example.com" {
		t.Errorf("approval = %+v", got)
	}
	if got.DecidedAt == nil {
		t.Error("decided_at must be set")
	}
}

func TestApproveIdempotent(t *testing.T) {
	s, _ := testStore(0)
	a := s.Create("scale_up", nil)

	if _, err := s.Approve(a.ApprovalID, "alice"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Approve(a.ApprovalID, "bob")
	if err != nil {
		t.Fatalf("second approve must be idempotent, got %v", err)
	}
	if got.DecidedBy != "alice" {
		t.Errorf("decided_by = %s, repeat approval must not overwrite the decision", got.DecidedBy)
	}
}

func TestReject(t *testing.T) {
	s, _ := testStore(0)
	a := s.Create("rollback_deploy", nil)

	got, err := s.Reject(a.ApprovalID, "alice", "wrong environment")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != models.ApprovalRejected || got.Reason != "wrong environment" {
		t.Errorf("approval = %+v", got)
	}

	if _, err := s.Approve(a.ApprovalID, "bob"); err == nil {
		t.Error("approving a rejected approval must fail")
	}
}

func TestExpiryAtReadTime(t *testing.T) {
	s, now := testStore(30 * time.Minute)
	a := s.Create("restart_service", nil)

	*now = now.Add(31 * time.Minute)

	got, ok := s.Get(a.ApprovalID)
	if !ok {
		t.Fatal("approval must still be retrievable")
	}
	if got.Status != models.ApprovalExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if _, err := s.Approve(a.ApprovalID, "alice"); err == nil {
		t.Error("approving an expired approval must fail")
	}
}

func TestPendingAndCounts(t *testing.T) {
	s, now := testStore(30 * time.Minute)

	first := s.Create("sop-a", nil)
	s.Create("sop-b", nil)
	third := s.Create("sop-c", nil)

	if _, err := s.Approve(first.ApprovalID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reject(third.ApprovalID, "alice", "no"); err != nil {
		t.Fatal(err)
	}

	pending := s.Pending()
	if len(pending) != 1 || pending[0].SOPID != "sop-b" {
		t.Errorf("pending = %+v, want only sop-b", pending)
	}

	*now = now.Add(time.Hour)
	counts := s.Counts()
	if counts[models.ApprovalApproved] != 1 || counts[models.ApprovalRejected] != 1 || counts[models.ApprovalExpired] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if counts[models.ApprovalPending] != 0 {
		t.Errorf("pending count = %d after expiry, want 0", counts[models.ApprovalPending])
	}
}

func TestUnknownApproval(t *testing.T) {
	s, _ := testStore(0)
	if _, err := s.Approve("nope", "alice"); err == nil {
		t.Error("unknown approval id must error")
	}
	if _, ok := s.Get("nope"); ok {
		t.Error("unknown approval id must not be found")
	}
}
