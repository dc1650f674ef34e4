package ledger

import "context"

// PayoutRequest credits Amount points to MemberID.
// IdempotencyKey must be identical across retries of the same payout.
type PayoutRequest struct {
	MemberID       int64
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// Ledger is the external points ledger. Payout fails loudly: any non-nil
// error means the caller must treat the payout as not done.
type Ledger interface {
	Payout(ctx context.Context, req PayoutRequest) (transactionID string, err error)
}
