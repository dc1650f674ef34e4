// internal/domain/settlement/item.go
package settlement

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrItemAlreadyPaid  = errors.New("settlement item is already paid out")
	ErrItemNotExhausted = errors.New("settlement item has retry budget left")
)

// idempotencyNamespace scopes ledger idempotency keys to settlement items.
var idempotencyNamespace = uuid.MustParse("6f1c7a52-3b0e-4d47-9a1e-2f8d5c9b4e10")

// Item is one participant's refund line within a Settlement.
// Corresponds to the 'settlement_items' table.
type Item struct {
	ID                 int64
	SettlementID       int64
	ParticipantID      int64
	MemberID           int64 // payout target
	OriginalAmount     int64 // deposit snapshot taken at creation
	AbsenceCount       int
	PenaltyAmount      int64
	RefundAmount       int64
	PayoutMethod       PayoutMethod
	Status             ItemStatus
	RetryCount         int
	NextRetryAt        *time.Time
	LastError          string
	ProcessedPointTxID string
	ProcessedAt        *time.Time
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewItem builds a PENDING item with its refund already computed.
func NewItem(participantID, memberID, depositPaid int64, absenceCount *int, penaltyPerAbsence *int64, defaultPenalty int64) (*Item, error) {
	it := &Item{
		ParticipantID:  participantID,
		MemberID:       memberID,
		OriginalAmount: depositPaid,
		PayoutMethod:   PayoutMethodPoint,
		Status:         ItemStatusPending,
	}
	if err := it.ApplyAttendance(absenceCount, penaltyPerAbsence, defaultPenalty); err != nil {
		return nil, err
	}
	return it, nil
}

// ApplyAttendance recomputes penalty and refund from the snapshotted deposit.
// Amounts are frozen once the item is PAYOUT_DONE; the call is then a no-op.
func (it *Item) ApplyAttendance(absenceCount *int, penaltyPerAbsence *int64, defaultPenalty int64) error {
	if it.Status == ItemStatusPayoutDone {
		return nil
	}
	r, err := ComputeRefund(it.OriginalAmount, absenceCount, penaltyPerAbsence, defaultPenalty)
	if err != nil {
		return err
	}
	it.AbsenceCount = r.AbsenceCount
	it.PenaltyAmount = r.PenaltyAmount
	it.RefundAmount = r.RefundAmount
	return nil
}

// NeedsPayout is false for zero-refund participants, which only need a terminal record.
func (it *Item) NeedsPayout() bool {
	return it.RefundAmount > 0
}

// IsDue reports whether the item should be attempted in a pass at now.
func (it *Item) IsDue(now time.Time, policy RetryPolicy) bool {
	if it.Status != ItemStatusPending && it.Status != ItemStatusFailed {
		return false
	}
	if policy.Exhausted(it.RetryCount) {
		return false
	}
	return it.NextRetryAt == nil || !it.NextRetryAt.After(now)
}

// MarkPaid records a successful (or unnecessary) payout.
func (it *Item) MarkPaid(txID string, now time.Time) error {
	if it.Status == ItemStatusPayoutDone {
		return ErrItemAlreadyPaid
	}
	it.Status = ItemStatusPayoutDone
	it.ProcessedPointTxID = txID
	it.ProcessedAt = &now
	it.NextRetryAt = nil
	it.LastError = ""
	it.UpdatedAt = now
	return nil
}

// MarkFailed records a failed payout attempt and schedules the next one,
// or leaves the item permanently FAILED once retries are exhausted.
func (it *Item) MarkFailed(errMsg string, now time.Time, policy RetryPolicy) error {
	if it.Status == ItemStatusPayoutDone {
		return ErrItemAlreadyPaid
	}
	it.RetryCount++
	it.LastError = truncateError(errMsg)
	it.Status = ItemStatusFailed
	it.UpdatedAt = now

	if policy.Exhausted(it.RetryCount) {
		it.NextRetryAt = nil
	} else {
		next := policy.NextRetryAt(now, it.RetryCount)
		it.NextRetryAt = &next
	}
	return nil
}

// IsExhausted reports whether the item needs manual intervention.
func (it *Item) IsExhausted(policy RetryPolicy) bool {
	return it.Status == ItemStatusFailed && policy.Exhausted(it.RetryCount)
}

// ResetForRetry re-enables automatic payout attempts for an exhausted item.
func (it *Item) ResetForRetry(now time.Time, policy RetryPolicy) error {
	if !it.IsExhausted(policy) {
		return ErrItemNotExhausted
	}
	it.Status = ItemStatusPending
	it.RetryCount = 0
	it.NextRetryAt = nil
	it.LastError = ""
	it.UpdatedAt = now
	return nil
}

// IdempotencyKey is stable for the lifetime of the item, so every retry of
// the same payout carries the same key to the ledger.
func (it *Item) IdempotencyKey() string {
	return uuid.NewSHA1(idempotencyNamespace, []byte("settlement-item:"+strconv.FormatInt(it.ID, 10))).String()
}
