package settlement

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestComputeRefund(t *testing.T) {
	tests := []struct {
		name        string
		original    int64
		absences    *int
		perAbsence  *int64
		defaultPen  int64
		wantPenalty int64
		wantRefund  int64
	}{
		{"penalty for three absences", 15000, intPtr(3), int64Ptr(1500), 1000, 4500, 10500},
		{"penalty capped at deposit", 10000, intPtr(15), int64Ptr(1000), 1000, 10000, 0},
		{"no absences", 10000, intPtr(0), int64Ptr(1000), 1000, 0, 10000},
		{"nil absence count treated as zero", 10000, nil, int64Ptr(1000), 1000, 0, 10000},
		{"nil penalty uses default", 10000, intPtr(2), nil, 700, 1400, 8600},
		{"zero penalty per absence", 10000, intPtr(5), int64Ptr(0), 1000, 0, 10000},
		{"zero deposit", 0, intPtr(3), int64Ptr(1000), 1000, 0, 0},
		{"exact cap", 3000, intPtr(3), int64Ptr(1000), 1000, 3000, 0},
		{"overflow saturates to deposit", 5000, intPtr(1 << 30), int64Ptr(1 << 40), 1000, 5000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ComputeRefund(tt.original, tt.absences, tt.perAbsence, tt.defaultPen)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPenalty, r.PenaltyAmount)
			assert.Equal(t, tt.wantRefund, r.RefundAmount)
			assert.GreaterOrEqual(t, r.RefundAmount, int64(0))
			assert.Equal(t, tt.original, r.PenaltyAmount+r.RefundAmount)
		})
	}
}

func TestComputeRefund_ValidationErrors(t *testing.T) {
	t.Run("negative absence count", func(t *testing.T) {
		_, err := ComputeRefund(10000, intPtr(-1), int64Ptr(1000), 1000)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNegativeAbsenceCount))
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("negative deposit", func(t *testing.T) {
		_, err := ComputeRefund(-1, intPtr(0), int64Ptr(1000), 1000)
		assert.ErrorIs(t, err, ErrNegativeAmount)
	})

	t.Run("negative penalty", func(t *testing.T) {
		_, err := ComputeRefund(1000, intPtr(1), int64Ptr(-10), 1000)
		assert.ErrorIs(t, err, ErrNegativePenalty)
	})

	t.Run("negative default penalty", func(t *testing.T) {
		_, err := ComputeRefund(1000, intPtr(1), nil, -1)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestComputeRefund_Property(t *testing.T) {
	for original := int64(0); original <= 20000; original += 2500 {
		for absences := 0; absences <= 12; absences++ {
			for _, per := range []int64{0, 500, 1500, 4000} {
				r, err := ComputeRefund(original, intPtr(absences), int64Ptr(per), 0)
				require.NoError(t, err)
				want := min(int64(absences)*per, original)
				assert.Equal(t, original-want, r.RefundAmount)
				assert.GreaterOrEqual(t, r.RefundAmount, int64(0))
			}
		}
	}
}
