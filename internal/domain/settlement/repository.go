// internal/domain/settlement/repository.go
package settlement

import (
	"context"
	"time"
)

// Repository persists settlements and their items as independent rows.
// Every update is a compare-and-swap on Version; a zero-row update is
// reported as ErrVersionConflict and the caller's Version is left unchanged.
type Repository interface {
	// Settlement methods
	ExistsByStudyID(ctx context.Context, studyID int64) (bool, error)
	// CreateWithItems inserts the settlement and all of its items in one transaction.
	CreateWithItems(ctx context.Context, s *Settlement, items []*Item) error
	GetByID(ctx context.Context, id int64) (*Settlement, error)
	// ListDue returns claimable settlements, oldest created first.
	ListDue(ctx context.Context, now time.Time, maxRetries int, limit int) ([]*Settlement, error)
	ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]*Settlement, error)
	Update(ctx context.Context, s *Settlement) error
	// Complete stores a COMPLETED settlement only if none of its items is
	// outstanding; otherwise it returns ErrItemsOutstanding.
	Complete(ctx context.Context, s *Settlement) error
	ListExhaustedSettlements(ctx context.Context, maxRetries int, limit int) ([]*Settlement, error)

	// SettlementItem methods
	ListItems(ctx context.Context, settlementID int64) ([]*Item, error)
	ListDueItems(ctx context.Context, settlementID int64, now time.Time, maxRetries int) ([]*Item, error)
	UpdateItem(ctx context.Context, it *Item) error
	CountUnpaidItems(ctx context.Context, settlementID int64) (int, error)
	// NextItemRetryAt returns the earliest scheduled retry among items that
	// still have retry budget, or nil when there is none.
	NextItemRetryAt(ctx context.Context, settlementID int64, maxRetries int) (*time.Time, error)
	ListExhaustedItems(ctx context.Context, maxRetries int, limit int) ([]*Item, error)
}
