package settlement

import "errors"

// Persistence errors shared by Repository implementations.
var (
	ErrSettlementNotFound  = errors.New("settlement not found")
	ErrItemNotFound        = errors.New("settlement item not found")
	ErrVersionConflict     = errors.New("row was modified by another worker")
	ErrDuplicateSettlement = errors.New("settlement for this study already exists")
	ErrItemsOutstanding    = errors.New("settlement still has items that are not paid out")
)
