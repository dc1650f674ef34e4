package scheduler

import (
	"context"
	"errors"
	"time"

	"study_settlement/internal/app"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// PassRunner is satisfied by app.SettlementJob.
type PassRunner interface {
	RunPass(ctx context.Context) (app.PassResult, error)
}

type SettlementScheduler struct {
	cronEngine *cron.Cron
	job        PassRunner
	logger     *logrus.Entry
	cronSpec   string
	runTimeout time.Duration
	parent     context.Context
}

func NewSettlementScheduler(
	job PassRunner,
	logger *logrus.Entry,
	cronSpec string, // e.g., "*/10 * * * *" (every 10 minutes)
	runTimeout time.Duration,
) *SettlementScheduler {
	return &SettlementScheduler{
		cronEngine: cron.New(
			cron.WithLocation(time.Local),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		job:        job,
		logger:     logger,
		cronSpec:   cronSpec,
		runTimeout: runTimeout,
		parent:     context.Background(),
	}
}

// Start registers the settlement pass and starts the cron engine. Running
// passes are cancelled when ctx is done.
func (s *SettlementScheduler) Start(ctx context.Context) error {
	s.parent = ctx
	s.logger.WithField("cron_spec", s.cronSpec).Info("Starting settlement scheduler")

	if _, err := s.cronEngine.AddFunc(s.cronSpec, s.runPass); err != nil {
		return err
	}

	s.cronEngine.Start()
	s.logger.Info("Settlement scheduler started")
	return nil
}

func (s *SettlementScheduler) runPass() {
	s.logger.Debug("Cron job triggered for settlement pass")
	ctx, cancel := context.WithTimeout(s.parent, s.runTimeout)
	defer cancel()

	result, err := s.job.RunPass(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Info("Settlement pass cancelled by shutdown")
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.WithField("timeout", s.runTimeout.String()).Warn("Settlement pass hit its time limit, remaining work continues next run")
			return
		}
		s.logger.WithError(err).Error("Error during settlement pass")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"created":   result.Creation.Created,
		"claimed":   result.Execution.Claimed,
		"completed": result.Execution.Completed,
	}).Debug("Scheduled settlement pass done")
}

func (s *SettlementScheduler) Stop() {
	s.logger.Info("Stopping settlement scheduler...")
	ctx := s.cronEngine.Stop() // Stops the scheduler from adding new jobs, waits for running jobs.
	<-ctx.Done()
	s.logger.Info("Settlement scheduler gracefully stopped")
}
