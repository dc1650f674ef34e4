package settlement

import (
	"errors"
	"fmt"
	"math"
)

// ErrValidation marks input errors that must never be retried.
var ErrValidation = errors.New("settlement validation failed")

var (
	ErrNegativeAbsenceCount = fmt.Errorf("%w: absence count must not be negative", ErrValidation)
	ErrNegativeAmount       = fmt.Errorf("%w: original amount must not be negative", ErrValidation)
	ErrNegativePenalty      = fmt.Errorf("%w: penalty per absence must not be negative", ErrValidation)
)

// Refund is the result of applying attendance penalties to a deposit.
type Refund struct {
	AbsenceCount  int
	PenaltyAmount int64
	RefundAmount  int64
}

// ComputeRefund applies absence penalties to a deposit.
// A nil absenceCount counts as zero absences and a nil penaltyPerAbsence
// falls back to defaultPenalty. The penalty never exceeds originalAmount.
func ComputeRefund(originalAmount int64, absenceCount *int, penaltyPerAbsence *int64, defaultPenalty int64) (Refund, error) {
	if originalAmount < 0 {
		return Refund{}, ErrNegativeAmount
	}

	absences := 0
	if absenceCount != nil {
		absences = *absenceCount
	}
	if absences < 0 {
		return Refund{}, fmt.Errorf("%w (got %d)", ErrNegativeAbsenceCount, absences)
	}

	perAbsence := defaultPenalty
	if penaltyPerAbsence != nil {
		perAbsence = *penaltyPerAbsence
	}
	if perAbsence < 0 {
		return Refund{}, fmt.Errorf("%w (got %d)", ErrNegativePenalty, perAbsence)
	}

	penalty := originalAmount
	if absences == 0 || perAbsence == 0 {
		penalty = 0
	} else if int64(absences) <= math.MaxInt64/perAbsence {
		penalty = min(int64(absences)*perAbsence, originalAmount)
	}

	return Refund{
		AbsenceCount:  absences,
		PenaltyAmount: penalty,
		RefundAmount:  originalAmount - penalty,
	}, nil
}
