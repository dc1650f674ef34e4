// internal/domain/settlement/status.go
package settlement

// Status is the lifecycle state of a Settlement aggregate.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusFailed     Status = "FAILED"
	StatusCompleted  Status = "COMPLETED" // terminal
)

// ItemStatus is the payout state of a single SettlementItem.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "PENDING"
	ItemStatusFailed     ItemStatus = "FAILED"
	ItemStatusPayoutDone ItemStatus = "PAYOUT_DONE" // terminal
)

// PayoutMethod identifies how a refund is disbursed.
type PayoutMethod string

const (
	PayoutMethodPoint PayoutMethod = "POINT"
)

// MaxErrorLength bounds LastError on both settlements and items (column is VARCHAR(500)).
const MaxErrorLength = 500

// truncateError keeps at most MaxErrorLength runes.
func truncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorLength {
		return msg
	}
	return string(r[:MaxErrorLength])
}
