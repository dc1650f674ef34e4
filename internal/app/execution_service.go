// internal/app/execution_service.go
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"study_settlement/internal/domain/ledger"
	"study_settlement/internal/domain/settlement"
	"study_settlement/internal/domain/study"

	"github.com/sirupsen/logrus"
)

type ExecutionConfig struct {
	BatchSize    int
	Policy       settlement.RetryPolicy
	LeaseTimeout time.Duration
	CallTimeout  time.Duration // per ledger / study service call
}

// ExecutionResult summarizes one execution pass.
type ExecutionResult struct {
	LeasesRecovered int
	Claimed         int
	Skipped         int
	Completed       int
	Failed          int
	Exhausted       int
	Released        int
	ItemsPaid       int
	ItemsFailed     int
	ItemsExhausted  int
}

// ExecutionService pays out due settlements through the points ledger.
type ExecutionService struct {
	repo     settlement.Repository
	ledger   ledger.Ledger
	notifier study.Notifier
	alerter  Alerter
	metrics  Metrics
	logger   *logrus.Entry
	cfg      ExecutionConfig
	now      func() time.Time
}

func NewExecutionService(
	repo settlement.Repository,
	l ledger.Ledger,
	notifier study.Notifier,
	alerter Alerter,
	metrics Metrics,
	logger *logrus.Entry,
	cfg ExecutionConfig,
) *ExecutionService {
	return &ExecutionService{
		repo:     repo,
		ledger:   l,
		notifier: notifier,
		alerter:  alerter,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run recovers expired leases, then claims and processes every due settlement
// in the batch. Failures are recorded on the settlement or item they belong
// to and never stop the rest of the batch.
func (e *ExecutionService) Run(ctx context.Context) (ExecutionResult, error) {
	start := time.Now()
	defer func() { e.metrics.PassDuration("execution", time.Since(start)) }()

	var result ExecutionResult

	if err := e.recoverExpiredLeases(ctx, &result); err != nil {
		e.logger.WithError(err).Error("Failed to recover expired processing leases")
	}

	due, err := e.repo.ListDue(ctx, e.now(), e.cfg.Policy.MaxRetries, e.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list due settlements: %w", err)
	}
	if len(due) == 0 {
		e.logger.Debug("No settlements due for payout")
		return result, nil
	}

	for _, s := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		e.processSettlement(ctx, s, &result)
	}

	e.logger.WithFields(logrus.Fields{
		"claimed":         result.Claimed,
		"skipped":         result.Skipped,
		"completed":       result.Completed,
		"failed":          result.Failed,
		"released":        result.Released,
		"items_paid":      result.ItemsPaid,
		"items_failed":    result.ItemsFailed,
		"items_exhausted": result.ItemsExhausted,
	}).Info("Settlement execution pass finished")
	return result, nil
}

func (e *ExecutionService) recoverExpiredLeases(ctx context.Context, result *ExecutionResult) error {
	if e.cfg.LeaseTimeout <= 0 {
		return nil
	}
	now := e.now()
	stale, err := e.repo.ListStaleProcessing(ctx, now.Add(-e.cfg.LeaseTimeout), e.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, s := range stale {
		log := e.logger.WithFields(logrus.Fields{"settlement_id": s.ID, "study_id": s.StudyID})
		if err := s.ExpireLease(now, e.cfg.LeaseTimeout, e.cfg.Policy); err != nil {
			log.WithError(err).Debug("Lease no longer expired, leaving settlement alone")
			continue
		}
		if err := e.repo.Update(ctx, s); err != nil {
			log.WithError(err).Warn("Could not record expired lease")
			continue
		}
		result.LeasesRecovered++
		e.metrics.SettlementOutcome(SettlementOutcomeLeaseExpired)
		log.WithField("retry_count", s.RetryCount).Warn("Recovered settlement with expired processing lease")
		if s.IsExhausted(e.cfg.Policy) {
			e.alerter.NotifySettlementExhausted(ctx, s)
		}
	}
	return nil
}

func (e *ExecutionService) processSettlement(ctx context.Context, s *settlement.Settlement, result *ExecutionResult) {
	log := e.logger.WithFields(logrus.Fields{"settlement_id": s.ID, "study_id": s.StudyID})

	if err := s.Claim(e.now(), e.cfg.Policy); err != nil {
		result.Skipped++
		log.WithError(err).Debug("Settlement not claimable")
		return
	}
	if err := e.repo.Update(ctx, s); err != nil {
		result.Skipped++
		if errors.Is(err, settlement.ErrVersionConflict) {
			log.Info("Settlement claimed by another worker, skipping")
		} else {
			log.WithError(err).Error("Failed to persist settlement claim")
		}
		return
	}
	result.Claimed++

	// Once claimed, the lease must be cleared even if the pass is cancelled.
	writeCtx := context.WithoutCancel(ctx)
	if err := e.settle(ctx, writeCtx, s, log, result); err != nil {
		log.WithError(err).Error("Settlement pass failed")
		e.fail(writeCtx, s, err.Error(), log, result)
	}
}

// settle pays the due items and moves the aggregate out of PROCESSING.
// A returned error means the aggregate has not been transitioned yet.
func (e *ExecutionService) settle(ctx, writeCtx context.Context, s *settlement.Settlement, log *logrus.Entry, result *ExecutionResult) error {
	items, err := e.repo.ListDueItems(writeCtx, s.ID, e.now(), e.cfg.Policy.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to list due items: %w", err)
	}

	failures := 0
	var lastErr string
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pass interrupted: %w", err)
		}
		if errMsg, ok := e.payItem(ctx, writeCtx, s, it, log, result); !ok {
			failures++
			lastErr = errMsg
		}
	}

	unpaid, err := e.repo.CountUnpaidItems(writeCtx, s.ID)
	if err != nil {
		return fmt.Errorf("failed to count unpaid items: %w", err)
	}

	switch {
	case unpaid == 0:
		return e.complete(writeCtx, s, log, result)
	case failures > 0:
		e.fail(writeCtx, s, fmt.Sprintf("%d of %d items failed: %s", failures, len(items), lastErr), log, result)
		return nil
	}

	next, err := e.repo.NextItemRetryAt(writeCtx, s.ID, e.cfg.Policy.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to find next item retry: %w", err)
	}
	if next == nil {
		e.fail(writeCtx, s, fmt.Sprintf("blocked by %d exhausted items", unpaid), log, result)
		return nil
	}

	if err := s.Release(next, e.now()); err != nil {
		return err
	}
	if err := e.repo.Update(writeCtx, s); err != nil {
		log.WithError(err).Error("Failed to release settlement, lease will expire")
		return nil
	}
	result.Released++
	e.metrics.SettlementOutcome(SettlementOutcomeReleased)
	log.WithFields(logrus.Fields{"unpaid": unpaid, "next_retry_at": *next}).Info("Settlement released until its items are due")
	return nil
}

// payItem attempts one item and persists the outcome. It reports whether the
// item ended up paid, with the failure message otherwise.
func (e *ExecutionService) payItem(ctx, writeCtx context.Context, s *settlement.Settlement, it *settlement.Item, log *logrus.Entry, result *ExecutionResult) (string, bool) {
	itemLog := log.WithFields(logrus.Fields{"item_id": it.ID, "member_id": it.MemberID, "refund_amount": it.RefundAmount})

	outcome := PayoutOutcomePaid
	var payoutErr error
	if !it.NeedsPayout() {
		outcome = PayoutOutcomeZeroRefund
		if err := it.MarkPaid("", e.now()); err != nil {
			return err.Error(), false
		}
	} else {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		txID, err := e.ledger.Payout(callCtx, ledger.PayoutRequest{
			MemberID:       it.MemberID,
			Amount:         it.RefundAmount,
			Reason:         payoutReason(s, it),
			IdempotencyKey: it.IdempotencyKey(),
		})
		cancel()

		if err != nil {
			payoutErr = err
			if markErr := it.MarkFailed(err.Error(), e.now(), e.cfg.Policy); markErr != nil {
				return markErr.Error(), false
			}
			outcome = PayoutOutcomeFailed
			if it.IsExhausted(e.cfg.Policy) {
				outcome = PayoutOutcomeExhausted
			}
		} else if err := it.MarkPaid(txID, e.now()); err != nil {
			return err.Error(), false
		}
	}

	if err := e.repo.UpdateItem(writeCtx, it); err != nil {
		e.metrics.ItemPayout(PayoutOutcomePersistError)
		result.ItemsFailed++
		itemLog.WithError(err).Error("Failed to persist item payout result")
		return fmt.Sprintf("item %d: %v", it.ID, err), false
	}
	e.metrics.ItemPayout(outcome)

	switch outcome {
	case PayoutOutcomePaid, PayoutOutcomeZeroRefund:
		result.ItemsPaid++
		itemLog.WithField("point_tx_id", it.ProcessedPointTxID).Info("Refund paid out")
		return "", true
	case PayoutOutcomeExhausted:
		result.ItemsExhausted++
		itemLog.WithError(payoutErr).WithField("retry_count", it.RetryCount).Error("Refund payout exhausted retries")
		e.alerter.NotifyItemExhausted(writeCtx, s, it)
	default:
		result.ItemsFailed++
		itemLog.WithError(payoutErr).WithFields(logrus.Fields{
			"retry_count":   it.RetryCount,
			"next_retry_at": it.NextRetryAt,
		}).Warn("Refund payout failed, retry scheduled")
	}
	return fmt.Sprintf("item %d: %s", it.ID, it.LastError), false
}

func (e *ExecutionService) complete(ctx context.Context, s *settlement.Settlement, log *logrus.Entry, result *ExecutionResult) error {
	done := *s
	if err := done.MarkCompleted(e.now()); err != nil {
		return err
	}
	if err := e.repo.Complete(ctx, &done); err != nil {
		return fmt.Errorf("failed to complete settlement: %w", err)
	}
	*s = done
	result.Completed++
	e.metrics.SettlementOutcome(SettlementOutcomeCompleted)
	log.Info("Settlement completed")

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if err := e.notifier.MarkStudySettled(callCtx, s.StudyID); err != nil {
		log.WithError(err).Warn("Failed to notify study service about settlement, study stays unmarked")
	}
	return nil
}

func (e *ExecutionService) fail(ctx context.Context, s *settlement.Settlement, reason string, log *logrus.Entry, result *ExecutionResult) {
	if err := s.MarkFailed(reason, e.now(), e.cfg.Policy); err != nil {
		log.WithError(err).Error("Cannot mark settlement as failed")
		return
	}
	if err := e.repo.Update(ctx, s); err != nil {
		log.WithError(err).Error("Failed to persist settlement failure, lease will expire")
		return
	}

	result.Failed++
	if s.IsExhausted(e.cfg.Policy) {
		result.Exhausted++
		e.metrics.SettlementOutcome(SettlementOutcomeExhausted)
		log.WithFields(logrus.Fields{"retry_count": s.RetryCount, "reason": reason}).Error("Settlement exhausted retries")
		e.alerter.NotifySettlementExhausted(ctx, s)
		return
	}
	e.metrics.SettlementOutcome(SettlementOutcomeFailed)
	log.WithFields(logrus.Fields{
		"retry_count":   s.RetryCount,
		"next_retry_at": s.NextRetryAt,
		"reason":        reason,
	}).Warn("Settlement failed, retry scheduled")
}

func payoutReason(s *settlement.Settlement, it *settlement.Item) string {
	return fmt.Sprintf("Study #%d deposit refund (deposit %d, absence penalty %d)", s.StudyID, it.OriginalAmount, it.PenaltyAmount)
}
