package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"study_settlement/internal/domain/settlement"
)

// Custom application-level errors for admin service
var (
	ErrAdminNotAuthorized = errors.New("performing user is not authorized as an admin")
	ErrNothingToRetry     = errors.New("settlement has no exhausted retries to reset")
)

const defaultFailureReportLimit = 20

// FailureReport lists everything waiting for manual intervention.
type FailureReport struct {
	Settlements []*settlement.Settlement
	Items       []*settlement.Item
}

func (r FailureReport) Empty() bool {
	return len(r.Settlements) == 0 && len(r.Items) == 0
}

type AdminService struct {
	repo            settlement.Repository
	policy          settlement.RetryPolicy
	adminTelegramID int64
	now             func() time.Time
}

func NewAdminService(repo settlement.Repository, policy settlement.RetryPolicy, adminID int64) *AdminService {
	return &AdminService{
		repo:            repo,
		policy:          policy,
		adminTelegramID: adminID,
		now:             time.Now,
	}
}

// IsAdmin reports whether telegramID belongs to the configured operator.
func (s *AdminService) IsAdmin(telegramID int64) bool {
	return s.adminTelegramID != 0 && telegramID == s.adminTelegramID
}

// ListFailures returns settlements and items that ran out of automatic retries.
func (s *AdminService) ListFailures(ctx context.Context, performingAdminID int64) (FailureReport, error) {
	if !s.IsAdmin(performingAdminID) {
		return FailureReport{}, ErrAdminNotAuthorized
	}

	settlements, err := s.repo.ListExhaustedSettlements(ctx, s.policy.MaxRetries, defaultFailureReportLimit)
	if err != nil {
		return FailureReport{}, fmt.Errorf("failed to list exhausted settlements: %w", err)
	}
	items, err := s.repo.ListExhaustedItems(ctx, s.policy.MaxRetries, defaultFailureReportLimit)
	if err != nil {
		return FailureReport{}, fmt.Errorf("failed to list exhausted items: %w", err)
	}
	return FailureReport{Settlements: settlements, Items: items}, nil
}

// RetrySettlement puts an exhausted settlement and its exhausted items back
// into the automatic flow. It returns how many items were reset.
func (s *AdminService) RetrySettlement(ctx context.Context, performingAdminID int64, settlementID int64) (int, error) {
	if !s.IsAdmin(performingAdminID) {
		return 0, ErrAdminNotAuthorized
	}

	st, err := s.repo.GetByID(ctx, settlementID)
	if err != nil {
		return 0, err
	}
	if st.Status == settlement.StatusCompleted {
		return 0, settlement.ErrAlreadyCompleted
	}

	items, err := s.repo.ListItems(ctx, settlementID)
	if err != nil {
		return 0, fmt.Errorf("failed to list settlement items: %w", err)
	}

	now := s.now()
	reset := 0
	for _, it := range items {
		if !it.IsExhausted(s.policy) {
			continue
		}
		if err := it.ResetForRetry(now, s.policy); err != nil {
			return reset, err
		}
		if err := s.repo.UpdateItem(ctx, it); err != nil {
			return reset, fmt.Errorf("failed to reset item %d: %w", it.ID, err)
		}
		reset++
	}

	if st.IsExhausted(s.policy) {
		if err := st.ResetForRetry(now, s.policy); err != nil {
			return reset, err
		}
		if err := s.repo.Update(ctx, st); err != nil {
			return reset, fmt.Errorf("failed to reset settlement: %w", err)
		}
		return reset, nil
	}

	if reset == 0 {
		return 0, ErrNothingToRetry
	}
	return reset, nil
}
