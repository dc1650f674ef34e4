package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPassInProgress is returned by TryRunPass when another pass holds the job.
var ErrPassInProgress = errors.New("settlement pass already in progress")

type PassResult struct {
	Creation  CreationResult
	Execution ExecutionResult
	Duration  time.Duration
}

// SettlementJob runs the creation stage followed by the execution stage.
// Passes within one process never overlap.
type SettlementJob struct {
	creation  *CreationService
	execution *ExecutionService
	logger    *logrus.Entry
	mu        sync.Mutex
}

func NewSettlementJob(creation *CreationService, execution *ExecutionService, logger *logrus.Entry) *SettlementJob {
	return &SettlementJob{
		creation:  creation,
		execution: execution,
		logger:    logger,
	}
}

// RunPass waits for any running pass to finish, then runs one.
func (j *SettlementJob) RunPass(ctx context.Context) (PassResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.run(ctx)
}

// TryRunPass runs a pass only if none is running.
func (j *SettlementJob) TryRunPass(ctx context.Context) (PassResult, error) {
	if !j.mu.TryLock() {
		return PassResult{}, ErrPassInProgress
	}
	defer j.mu.Unlock()
	return j.run(ctx)
}

func (j *SettlementJob) run(ctx context.Context) (PassResult, error) {
	start := time.Now()
	var result PassResult

	creation, creationErr := j.creation.Run(ctx)
	result.Creation = creation
	if creationErr != nil {
		// due payouts must not wait on a broken creation batch
		j.logger.WithError(creationErr).Error("Settlement creation stage failed")
	}

	var executionErr error
	if ctx.Err() == nil {
		result.Execution, executionErr = j.execution.Run(ctx)
		if executionErr != nil {
			j.logger.WithError(executionErr).Error("Settlement execution stage failed")
		}
	} else {
		executionErr = ctx.Err()
	}

	result.Duration = time.Since(start)
	j.logger.WithFields(logrus.Fields{
		"created":   result.Creation.Created,
		"completed": result.Execution.Completed,
		"failed":    result.Execution.Failed,
		"duration":  result.Duration.String(),
	}).Info("Settlement pass finished")

	return result, errors.Join(creationErr, executionErr)
}
