package study

import "context"

// Source lists studies that are ready to be settled.
type Source interface {
	ListCompletedUnsettled(ctx context.Context, limit int) ([]CompletedStudy, error)
}

// Notifier tells the study service that a study's refunds are all paid.
type Notifier interface {
	MarkStudySettled(ctx context.Context, studyID int64) error
}
