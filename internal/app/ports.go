package app

import (
	"context"
	"time"

	"study_settlement/internal/domain/settlement"

	"github.com/sirupsen/logrus"
)

// Payout outcomes reported to Metrics.ItemPayout.
const (
	PayoutOutcomePaid         = "paid"
	PayoutOutcomeZeroRefund   = "zero_refund"
	PayoutOutcomeFailed       = "failed"
	PayoutOutcomeExhausted    = "exhausted"
	PayoutOutcomePersistError = "persist_error"
)

// Settlement outcomes reported to Metrics.SettlementOutcome.
const (
	SettlementOutcomeCompleted    = "completed"
	SettlementOutcomeFailed       = "failed"
	SettlementOutcomeExhausted    = "exhausted"
	SettlementOutcomeReleased     = "released"
	SettlementOutcomeLeaseExpired = "lease_expired"
)

// Metrics receives counters from both stages.
type Metrics interface {
	SettlementCreated()
	CreationSkipped()
	ItemPayout(outcome string)
	SettlementOutcome(outcome string)
	PassDuration(stage string, d time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SettlementCreated()                 {}
func (NopMetrics) CreationSkipped()                   {}
func (NopMetrics) ItemPayout(string)                  {}
func (NopMetrics) SettlementOutcome(string)           {}
func (NopMetrics) PassDuration(string, time.Duration) {}

// Alerter is told about entities that ran out of automatic retries and now
// need an operator.
type Alerter interface {
	NotifyItemExhausted(ctx context.Context, s *settlement.Settlement, it *settlement.Item)
	NotifySettlementExhausted(ctx context.Context, s *settlement.Settlement)
}

// LogAlerter only writes a warning; used when no operator chat is configured.
type LogAlerter struct {
	logger *logrus.Entry
}

func NewLogAlerter(logger *logrus.Entry) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) NotifyItemExhausted(_ context.Context, s *settlement.Settlement, it *settlement.Item) {
	a.logger.WithFields(logrus.Fields{
		"settlement_id": s.ID,
		"study_id":      s.StudyID,
		"item_id":       it.ID,
		"member_id":     it.MemberID,
		"refund_amount": it.RefundAmount,
		"retry_count":   it.RetryCount,
		"last_error":    it.LastError,
	}).Warn("Settlement item exhausted payout retries, manual intervention required")
}

func (a *LogAlerter) NotifySettlementExhausted(_ context.Context, s *settlement.Settlement) {
	a.logger.WithFields(logrus.Fields{
		"settlement_id": s.ID,
		"study_id":      s.StudyID,
		"retry_count":   s.RetryCount,
		"last_error":    s.LastError,
	}).Warn("Settlement exhausted retries, manual intervention required")
}
