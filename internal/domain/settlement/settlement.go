// internal/domain/settlement/settlement.go
package settlement

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotClaimable       = errors.New("settlement is not claimable")
	ErrNotProcessing      = errors.New("settlement is not in PROCESSING state")
	ErrNotExhausted       = errors.New("settlement has retry budget left")
	ErrLeaseNotExpired    = errors.New("processing lease has not expired")
	ErrAlreadyCompleted   = errors.New("settlement is already completed")
	ErrReleaseWithoutTime = errors.New("release requires a next due time")
)

// LeaseExpiredError is recorded as LastError when a stuck claim is recovered.
const LeaseExpiredError = "processing lease expired"

// Settlement is the per-study refund aggregate. Items are stored as separate
// rows and referenced by SettlementID only.
// Corresponds to the 'settlements' table.
type Settlement struct {
	ID                  int64
	StudyID             int64 // unique
	Status              Status
	ProcessingStartedAt *time.Time // lease marker
	RetryCount          int
	NextRetryAt         *time.Time
	LastError           string
	SettledAt           *time.Time
	Version             int64 // optimistic concurrency counter
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewSettlement creates a PENDING settlement for a study.
func NewSettlement(studyID int64) *Settlement {
	return &Settlement{
		StudyID: studyID,
		Status:  StatusPending,
	}
}

// CanClaim reports whether Claim would succeed at now.
func (s *Settlement) CanClaim(now time.Time, policy RetryPolicy) bool {
	if s.Status != StatusPending && s.Status != StatusFailed {
		return false
	}
	if policy.Exhausted(s.RetryCount) {
		return false
	}
	return s.NextRetryAt == nil || !s.NextRetryAt.After(now)
}

// Claim acquires processing rights: PENDING/FAILED -> PROCESSING.
// Persisting the claim must go through a version-checked update.
func (s *Settlement) Claim(now time.Time, policy RetryPolicy) error {
	if !s.CanClaim(now, policy) {
		return fmt.Errorf("%w: id=%d status=%s retry_count=%d", ErrNotClaimable, s.ID, s.Status, s.RetryCount)
	}
	s.Status = StatusProcessing
	s.ProcessingStartedAt = &now
	s.UpdatedAt = now
	return nil
}

// MarkCompleted finalizes the settlement once every item is PAYOUT_DONE.
func (s *Settlement) MarkCompleted(now time.Time) error {
	if s.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}
	if s.Status != StatusProcessing {
		return ErrNotProcessing
	}
	s.Status = StatusCompleted
	s.SettledAt = &now
	s.ProcessingStartedAt = nil
	s.NextRetryAt = nil
	s.LastError = ""
	s.UpdatedAt = now
	return nil
}

// MarkFailed records a failed pass and schedules the next attempt.
// Once the retry budget is exhausted NextRetryAt is cleared and the
// settlement is left for manual intervention.
func (s *Settlement) MarkFailed(errMsg string, now time.Time, policy RetryPolicy) error {
	if s.Status != StatusProcessing {
		return ErrNotProcessing
	}
	s.RetryCount++
	s.LastError = truncateError(errMsg)
	s.Status = StatusFailed
	s.ProcessingStartedAt = nil
	s.UpdatedAt = now

	if policy.Exhausted(s.RetryCount) {
		s.NextRetryAt = nil
	} else {
		next := policy.NextRetryAt(now, s.RetryCount)
		s.NextRetryAt = &next
	}
	return nil
}

// Release hands the settlement back without counting a failure, for passes
// where nothing failed but some items are scheduled for later.
func (s *Settlement) Release(nextDue *time.Time, now time.Time) error {
	if s.Status != StatusProcessing {
		return ErrNotProcessing
	}
	if nextDue == nil {
		return ErrReleaseWithoutTime
	}
	due := *nextDue
	s.Status = StatusPending
	s.NextRetryAt = &due
	s.ProcessingStartedAt = nil
	s.UpdatedAt = now
	return nil
}

// LeaseExpired reports whether a PROCESSING claim was taken before cutoff.
func (s *Settlement) LeaseExpired(cutoff time.Time) bool {
	return s.Status == StatusProcessing &&
		s.ProcessingStartedAt != nil &&
		s.ProcessingStartedAt.Before(cutoff)
}

// ExpireLease fails a settlement whose worker stopped before releasing it.
func (s *Settlement) ExpireLease(now time.Time, leaseTimeout time.Duration, policy RetryPolicy) error {
	if !s.LeaseExpired(now.Add(-leaseTimeout)) {
		return ErrLeaseNotExpired
	}
	return s.MarkFailed(LeaseExpiredError, now, policy)
}

// IsExhausted reports whether automatic retries are over.
func (s *Settlement) IsExhausted(policy RetryPolicy) bool {
	return s.Status == StatusFailed && policy.Exhausted(s.RetryCount)
}

// ResetForRetry puts an exhausted settlement back into the automatic flow.
func (s *Settlement) ResetForRetry(now time.Time, policy RetryPolicy) error {
	if !s.IsExhausted(policy) {
		return ErrNotExhausted
	}
	s.Status = StatusPending
	s.RetryCount = 0
	s.NextRetryAt = nil
	s.LastError = ""
	s.UpdatedAt = now
	return nil
}
