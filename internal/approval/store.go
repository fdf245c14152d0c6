// Package approval tracks pending human decisions for gated remediations.
// Approvals are ephemeral: a restart invalidates pending executions, and
// expiry is evaluated by timestamp at read time, with no background sweeper.
package approval

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stratusops/stratus/internal/metrics"
	"github.com/stratusops/stratus/internal/models"
)

// DefaultTTL is the window an approval stays actionable.
const DefaultTTL = 30 * time.Minute

// Store manages pending approvals in memory.
type Store struct {
	mu        sync.RWMutex
	approvals map[string]*models.PendingApproval
	ttl       time.Duration

	now func() time.Time
}

// NewStore creates an approval store. ttl <= 0 uses DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		approvals: make(map[string]*models.PendingApproval),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Create registers a new pending approval for an SOP.
func (s *Store) Create(sopID string, context json.RawMessage) *models.PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	a := &models.PendingApproval{
		ApprovalID:  uuid.New().String(),
		SOPID:       sopID,
		RequestedAt: now,
		ExpiresAt:   now.Add(s.ttl),
		Context:     context,
		Status:      models.ApprovalPending,
	}
	s.approvals[a.ApprovalID] = a
	metrics.ApprovalsPending.Inc()

	log.Info().
		Str("approval_id", a.ApprovalID).
		Str("sop_id", sopID).
		Time("expires_at", a.ExpiresAt).
		Msg("Approval requested")
	return a
}

// Get returns an approval, applying expiry at read time.
func (s *Store) Get(approvalID string) (*models.PendingApproval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, false
	}
	s.expireLocked(a)
	return a, true
}

// Approve transitions a pending approval to approved. Approving an
// already-approved request is idempotent.
func (s *Store) Approve(approvalID, actor string) (*models.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, fmt.Errorf("approval not found: %s", approvalID)
	}
	if a.Status == models.ApprovalApproved {
		return a, nil
	}
	s.expireLocked(a)
	if a.Status != models.ApprovalPending {
		return nil, fmt.Errorf("approval %s is %s, not pending", approvalID, a.Status)
	}

	now := s.now()
	a.Status = models.ApprovalApproved
	a.DecidedBy = actor
	a.DecidedAt = &now
	metrics.ApprovalsPending.Dec()

	log.Info().
		Str("approval_id", approvalID).
		Str("sop_id", a.SOPID).
		Str("by", actor).
		Msg("Approval granted")
	return a, nil
}

// Reject transitions a pending approval to rejected.
func (s *Store) Reject(approvalID, actor, reason string) (*models.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, fmt.Errorf("approval not found: %s", approvalID)
	}
	s.expireLocked(a)
	if a.Status != models.ApprovalPending {
		return nil, fmt.Errorf("approval %s is %s, not pending", approvalID, a.Status)
	}

	now := s.now()
	a.Status = models.ApprovalRejected
	a.DecidedBy = actor
	a.DecidedAt = &now
	a.Reason = reason
	metrics.ApprovalsPending.Dec()

	log.Info().
		Str("approval_id", approvalID).
		Str("sop_id", a.SOPID).
		Str("by", actor).
		Str("reason", reason).
		Msg("Approval rejected")
	return a, nil
}

// Pending returns all approvals that are still actionable.
func (s *Store) Pending() []*models.PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PendingApproval
	for _, a := range s.approvals {
		s.expireLocked(a)
		if a.Status == models.ApprovalPending {
			out = append(out, a)
		}
	}
	return out
}

// Counts returns approval totals by status.
func (s *Store) Counts() map[models.ApprovalStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[models.ApprovalStatus]int{
		models.ApprovalPending:  0,
		models.ApprovalApproved: 0,
		models.ApprovalRejected: 0,
		models.ApprovalExpired:  0,
	}
	for _, a := range s.approvals {
		s.expireLocked(a)
		counts[a.Status]++
	}
	return counts
}

// expireLocked applies timestamp expiry to one approval.
func (s *Store) expireLocked(a *models.PendingApproval) {
	if a.Status == models.ApprovalPending && s.now().After(a.ExpiresAt) {
		a.Status = models.ApprovalExpired
		metrics.ApprovalsPending.Dec()
		log.Debug().Str("approval_id", a.ApprovalID).Msg("Approval expired")
	}
}
