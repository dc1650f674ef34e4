package settlement

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewItem(t *testing.T) {
	it, err := NewItem(11, 101, 15000, intPtr(3), int64Ptr(1500), 1000)
	require.NoError(t, err)

	assert.Equal(t, int64(11), it.ParticipantID)
	assert.Equal(t, int64(101), it.MemberID)
	assert.Equal(t, int64(15000), it.OriginalAmount)
	assert.Equal(t, 3, it.AbsenceCount)
	assert.Equal(t, int64(4500), it.PenaltyAmount)
	assert.Equal(t, int64(10500), it.RefundAmount)
	assert.Equal(t, ItemStatusPending, it.Status)
	assert.Equal(t, PayoutMethodPoint, it.PayoutMethod)
	assert.True(t, it.NeedsPayout())
}

func TestNewItem_RejectsNegativeAbsence(t *testing.T) {
	it, err := NewItem(1, 1, 10000, intPtr(-2), nil, 1000)
	assert.Nil(t, it)
	assert.ErrorIs(t, err, ErrNegativeAbsenceCount)
}

func TestNewItem_ZeroRefund(t *testing.T) {
	it, err := NewItem(1, 1, 10000, intPtr(15), int64Ptr(1000), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), it.PenaltyAmount)
	assert.Equal(t, int64(0), it.RefundAmount)
	assert.False(t, it.NeedsPayout())
}

func TestItem_ApplyAttendance_FrozenAfterPayout(t *testing.T) {
	it, err := NewItem(1, 1, 10000, intPtr(1), int64Ptr(1000), 1000)
	require.NoError(t, err)
	require.NoError(t, it.MarkPaid("tx-1", time.Now()))

	require.NoError(t, it.ApplyAttendance(intPtr(1), int64Ptr(1000), 1000))
	require.NoError(t, it.ApplyAttendance(intPtr(8), int64Ptr(1000), 1000))

	assert.Equal(t, 1, it.AbsenceCount)
	assert.Equal(t, int64(1000), it.PenaltyAmount)
	assert.Equal(t, int64(9000), it.RefundAmount)
	assert.Equal(t, ItemStatusPayoutDone, it.Status)
}

func TestItem_ApplyAttendance_RecomputesWhilePending(t *testing.T) {
	it, err := NewItem(1, 1, 10000, intPtr(1), int64Ptr(1000), 1000)
	require.NoError(t, err)

	require.NoError(t, it.ApplyAttendance(intPtr(4), int64Ptr(1000), 1000))
	assert.Equal(t, int64(4000), it.PenaltyAmount)
	assert.Equal(t, int64(6000), it.RefundAmount)
}

func TestItem_MarkPaid(t *testing.T) {
	now := time.Now()
	it := &Item{Status: ItemStatusFailed, RetryCount: 2, NextRetryAt: timePtr(now), LastError: "timeout"}

	require.NoError(t, it.MarkPaid("tx-99", now))
	assert.Equal(t, ItemStatusPayoutDone, it.Status)
	assert.Equal(t, "tx-99", it.ProcessedPointTxID)
	require.NotNil(t, it.ProcessedAt)
	assert.Nil(t, it.NextRetryAt)
	assert.Empty(t, it.LastError)

	assert.ErrorIs(t, it.MarkPaid("tx-100", now), ErrItemAlreadyPaid)
	assert.Equal(t, "tx-99", it.ProcessedPointTxID)
	assert.ErrorIs(t, it.MarkFailed("late error", now, DefaultRetryPolicy()), ErrItemAlreadyPaid)
}

func TestItem_MarkFailed_BackoffThenExhausted(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Minute}
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	it := &Item{Status: ItemStatusPending, RefundAmount: 100}

	for attempt := 1; attempt <= 3; attempt++ {
		require.True(t, it.IsDue(now, policy))
		require.NoError(t, it.MarkFailed("connection refused", now, policy))
		assert.Equal(t, ItemStatusFailed, it.Status)
		assert.Equal(t, attempt, it.RetryCount)
		require.NotNil(t, it.NextRetryAt)
		assert.Equal(t, now.Add(time.Minute*time.Duration(1<<attempt)), *it.NextRetryAt)
		assert.False(t, it.IsDue(now, policy))
		assert.False(t, it.IsExhausted(policy))
		now = *it.NextRetryAt
	}

	require.NoError(t, it.MarkFailed("connection refused", now, policy))
	assert.True(t, it.IsExhausted(policy))
	assert.Nil(t, it.NextRetryAt)
	assert.False(t, it.IsDue(now.Add(time.Hour), policy))
}

func TestItem_IsDue(t *testing.T) {
	policy := DefaultRetryPolicy()
	now := time.Now()

	tests := []struct {
		name     string
		item     Item
		expected bool
	}{
		{"pending without schedule", Item{Status: ItemStatusPending}, true},
		{"failed and due", Item{Status: ItemStatusFailed, RetryCount: 1, NextRetryAt: timePtr(now.Add(-time.Minute))}, true},
		{"failed not yet due", Item{Status: ItemStatusFailed, RetryCount: 1, NextRetryAt: timePtr(now.Add(time.Minute))}, false},
		{"paid", Item{Status: ItemStatusPayoutDone}, false},
		{"exhausted", Item{Status: ItemStatusFailed, RetryCount: policy.MaxRetries + 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.item.IsDue(now, policy))
		})
	}
}

func TestItem_ResetForRetry(t *testing.T) {
	policy := DefaultRetryPolicy()
	now := time.Now()

	it := &Item{Status: ItemStatusFailed, RetryCount: policy.MaxRetries + 1, LastError: "boom"}
	require.NoError(t, it.ResetForRetry(now, policy))
	assert.Equal(t, ItemStatusPending, it.Status)
	assert.Equal(t, 0, it.RetryCount)
	assert.True(t, it.IsDue(now, policy))

	assert.ErrorIs(t, it.ResetForRetry(now, policy), ErrItemNotExhausted)
	paid := &Item{Status: ItemStatusPayoutDone}
	assert.ErrorIs(t, paid.ResetForRetry(now, policy), ErrItemNotExhausted)
}

func TestItem_IdempotencyKey(t *testing.T) {
	a := &Item{ID: 17}
	b := &Item{ID: 17, RetryCount: 3}
	c := &Item{ID: 18}

	assert.Equal(t, a.IdempotencyKey(), b.IdempotencyKey())
	assert.NotEqual(t, a.IdempotencyKey(), c.IdempotencyKey())

	parsed, err := uuid.Parse(a.IdempotencyKey())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
}
