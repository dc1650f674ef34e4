// internal/app/creation_service.go
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"study_settlement/internal/domain/settlement"
	"study_settlement/internal/domain/study"

	"github.com/sirupsen/logrus"
)

// ErrSkipLimitExceeded stops a creation pass once too many studies failed.
var ErrSkipLimitExceeded = errors.New("creation stage skip limit exceeded")

type CreationConfig struct {
	BatchSize                int
	SkipLimit                int
	DefaultPenaltyPerAbsence int64
}

// CreationResult summarizes one creation pass.
type CreationResult struct {
	Fetched              int
	Created              int
	AlreadySettled       int
	NoPayingParticipants int
	Skipped              int
}

type creationOutcome int

const (
	outcomeCreated creationOutcome = iota
	outcomeAlreadySettled
	outcomeNoPayingParticipants
)

// CreationService turns completed studies into PENDING settlements.
type CreationService struct {
	source  study.Source
	repo    settlement.Repository
	metrics Metrics
	logger  *logrus.Entry
	cfg     CreationConfig
}

func NewCreationService(
	source study.Source,
	repo settlement.Repository,
	metrics Metrics,
	logger *logrus.Entry,
	cfg CreationConfig,
) *CreationService {
	return &CreationService{
		source:  source,
		repo:    repo,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run fetches one batch of completed studies and creates settlements for the
// ones that have none yet. A failing study is skipped; the pass only stops
// when more than SkipLimit studies failed.
func (s *CreationService) Run(ctx context.Context) (CreationResult, error) {
	start := time.Now()
	defer func() { s.metrics.PassDuration("creation", time.Since(start)) }()

	var result CreationResult

	studies, err := s.source.ListCompletedUnsettled(ctx, s.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to fetch completed studies: %w", err)
	}
	result.Fetched = len(studies)
	if len(studies) == 0 {
		s.logger.Debug("No completed studies to settle")
		return result, nil
	}

	for _, st := range studies {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		studyLogger := s.logger.WithField("study_id", st.ID)
		outcome, err := s.createForStudy(ctx, st)
		if err != nil {
			result.Skipped++
			s.metrics.CreationSkipped()
			studyLogger.WithError(err).WithField("skipped", result.Skipped).Warn("Skipping study during settlement creation")
			if result.Skipped > s.cfg.SkipLimit {
				return result, fmt.Errorf("%w: %d studies failed (limit %d): %w", ErrSkipLimitExceeded, result.Skipped, s.cfg.SkipLimit, err)
			}
			continue
		}

		switch outcome {
		case outcomeCreated:
			result.Created++
			s.metrics.SettlementCreated()
		case outcomeAlreadySettled:
			result.AlreadySettled++
			studyLogger.Debug("Study already has a settlement")
		case outcomeNoPayingParticipants:
			result.NoPayingParticipants++
			studyLogger.Info("Study has no participants with a positive deposit, nothing to settle")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"fetched":         result.Fetched,
		"created":         result.Created,
		"already_settled": result.AlreadySettled,
		"no_paying":       result.NoPayingParticipants,
		"skipped":         result.Skipped,
	}).Info("Settlement creation pass finished")
	return result, nil
}

func (s *CreationService) createForStudy(ctx context.Context, st study.CompletedStudy) (creationOutcome, error) {
	exists, err := s.repo.ExistsByStudyID(ctx, st.ID)
	if err != nil {
		return 0, err
	}
	if exists {
		return outcomeAlreadySettled, nil
	}

	paying := st.PayingParticipants()
	if len(paying) == 0 {
		return outcomeNoPayingParticipants, nil
	}

	newSettlement, items, err := s.buildSettlement(st, paying)
	if err != nil {
		return 0, err
	}

	if err := s.repo.CreateWithItems(ctx, newSettlement, items); err != nil {
		if errors.Is(err, settlement.ErrDuplicateSettlement) {
			// another runner created it between the existence check and the insert
			return outcomeAlreadySettled, nil
		}
		return 0, err
	}

	s.logger.WithFields(logrus.Fields{
		"study_id":      st.ID,
		"settlement_id": newSettlement.ID,
		"items":         len(items),
	}).Info("Settlement created")
	return outcomeCreated, nil
}

func (s *CreationService) buildSettlement(st study.CompletedStudy, paying []study.Participant) (*settlement.Settlement, []*settlement.Item, error) {
	items := make([]*settlement.Item, 0, len(paying))
	for _, p := range paying {
		it, err := settlement.NewItem(p.ParticipantID, p.MemberID, p.DepositPaid, p.AbsenceCount, st.PenaltyPerAbsence, s.cfg.DefaultPenaltyPerAbsence)
		if err != nil {
			return nil, nil, fmt.Errorf("participant %d: %w", p.ParticipantID, err)
		}
		items = append(items, it)
	}
	return settlement.NewSettlement(st.ID), items, nil
}
