package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"study_settlement/internal/app"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls    int
	deadline time.Time
	err      error
}

func (r *fakeRunner) RunPass(ctx context.Context) (app.PassResult, error) {
	r.calls++
	r.deadline, _ = ctx.Deadline()
	return app.PassResult{}, r.err
}

func TestSettlementScheduler_RunPassHasDeadline(t *testing.T) {
	runner := &fakeRunner{}
	logger, _ := test.NewNullLogger()
	s := NewSettlementScheduler(runner, logrus.NewEntry(logger), "*/10 * * * *", time.Minute)

	before := time.Now()
	s.runPass()

	assert.Equal(t, 1, runner.calls)
	assert.WithinDuration(t, before.Add(time.Minute), runner.deadline, 5*time.Second)
}

func TestSettlementScheduler_LogsPassError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	logger, hook := test.NewNullLogger()
	s := NewSettlementScheduler(runner, logrus.NewEntry(logger), "*/10 * * * *", time.Minute)

	s.runPass()

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestSettlementScheduler_InvalidSpec(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewSettlementScheduler(&fakeRunner{}, logrus.NewEntry(logger), "not a cron spec", time.Minute)

	assert.Error(t, s.Start(context.Background()))
}

func TestSettlementScheduler_StartStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewSettlementScheduler(&fakeRunner{}, logrus.NewEntry(logger), "@every 1h", time.Minute)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
