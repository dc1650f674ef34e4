// internal/infra/database/postgres_settlement_repository.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"study_settlement/internal/domain/settlement"

	"github.com/lib/pq"
)

const uniqueViolationCode = "23505"

const settlementColumns = `id, study_id, status, processing_started_at, retry_count, next_retry_at,
               last_error, settled_at, version, created_at, updated_at`

const itemColumns = `id, settlement_id, participant_id, member_id, original_amount, absence_count,
               penalty_amount, refund_amount, payout_method, status, retry_count, next_retry_at,
               last_error, processed_point_tx_id, processed_at, version, created_at, updated_at`

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresSettlementRepository struct {
	db *sql.DB
}

func NewPostgresSettlementRepository(db *sql.DB) *PostgresSettlementRepository {
	return &PostgresSettlementRepository{db: db}
}

var _ settlement.Repository = (*PostgresSettlementRepository)(nil)

// --- Settlement Methods ---

func (r *PostgresSettlementRepository) ExistsByStudyID(ctx context.Context, studyID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM settlements WHERE study_id = $1)`, studyID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("error checking settlement existence for study %d: %w", studyID, err)
	}
	return exists, nil
}

// CreateWithItems persists the parent first to obtain its ID, then sets that
// ID on every item before inserting it. Nothing is kept if any insert fails.
func (r *PostgresSettlementRepository) CreateWithItems(ctx context.Context, s *settlement.Settlement, items []*settlement.Item) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for settlement creation: %w", err)
	}
	defer txn.Rollback()

	err = txn.QueryRowContext(ctx,
		`INSERT INTO settlements (study_id, status, retry_count, next_retry_at, last_error)
               VALUES ($1, $2, $3, $4, $5)
               RETURNING id, version, created_at, updated_at`,
		s.StudyID, s.Status, s.RetryCount, nullTime(s.NextRetryAt), s.LastError,
	).Scan(&s.ID, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("study %d: %w", s.StudyID, settlement.ErrDuplicateSettlement)
		}
		return fmt.Errorf("error creating settlement for study %d: %w", s.StudyID, err)
	}

	stmt, err := txn.PrepareContext(ctx, `INSERT INTO settlement_items (settlement_id, participant_id, member_id, original_amount,
                                         absence_count, penalty_amount, refund_amount, payout_method, status)
                                         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
                                         RETURNING id, version, created_at, updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement for settlement items: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		it.SettlementID = s.ID
		err := stmt.QueryRowContext(ctx,
			it.SettlementID, it.ParticipantID, it.MemberID, it.OriginalAmount,
			it.AbsenceCount, it.PenaltyAmount, it.RefundAmount, it.PayoutMethod, it.Status,
		).Scan(&it.ID, &it.Version, &it.CreatedAt, &it.UpdatedAt)
		if err != nil {
			return fmt.Errorf("error creating settlement item (S:%d, P:%d): %w", s.ID, it.ParticipantID, err)
		}
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement creation: %w", err)
	}
	return nil
}

func (r *PostgresSettlementRepository) GetByID(ctx context.Context, id int64) (*settlement.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1`
	s, err := scanSettlement(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, settlement.ErrSettlementNotFound
		}
		return nil, fmt.Errorf("error getting settlement by ID: %w", err)
	}
	return s, nil
}

func (r *PostgresSettlementRepository) ListDue(ctx context.Context, now time.Time, maxRetries int, limit int) ([]*settlement.Settlement, error) {
	query := `SELECT ` + settlementColumns + `
               FROM settlements
               WHERE status IN ($1, $2)
                 AND retry_count <= $3
                 AND (next_retry_at IS NULL OR next_retry_at <= $4)
               ORDER BY created_at ASC, id ASC
               LIMIT $5`
	rows, err := r.db.QueryContext(ctx, query, settlement.StatusPending, settlement.StatusFailed, maxRetries, now, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying due settlements: %w", err)
	}
	defer rows.Close()
	return scanSettlements(rows)
}

func (r *PostgresSettlementRepository) ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]*settlement.Settlement, error) {
	query := `SELECT ` + settlementColumns + `
               FROM settlements
               WHERE status = $1 AND processing_started_at < $2
               ORDER BY processing_started_at ASC
               LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, settlement.StatusProcessing, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying stale processing settlements: %w", err)
	}
	defer rows.Close()
	return scanSettlements(rows)
}

func (r *PostgresSettlementRepository) Update(ctx context.Context, s *settlement.Settlement) error {
	return updateSettlement(ctx, r.db, s)
}

func (r *PostgresSettlementRepository) Complete(ctx context.Context, s *settlement.Settlement) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for settlement completion: %w", err)
	}
	defer txn.Rollback()

	var unpaid int
	err = txn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settlement_items WHERE settlement_id = $1 AND status <> $2`,
		s.ID, settlement.ItemStatusPayoutDone,
	).Scan(&unpaid)
	if err != nil {
		return fmt.Errorf("error counting unpaid items for settlement %d: %w", s.ID, err)
	}
	if unpaid > 0 {
		return fmt.Errorf("settlement %d has %d unpaid items: %w", s.ID, unpaid, settlement.ErrItemsOutstanding)
	}

	if err := updateSettlement(ctx, txn, s); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement completion: %w", err)
	}
	return nil
}

func (r *PostgresSettlementRepository) ListExhaustedSettlements(ctx context.Context, maxRetries int, limit int) ([]*settlement.Settlement, error) {
	query := `SELECT ` + settlementColumns + `
               FROM settlements
               WHERE status = $1 AND retry_count > $2
               ORDER BY updated_at DESC
               LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, settlement.StatusFailed, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying exhausted settlements: %w", err)
	}
	defer rows.Close()
	return scanSettlements(rows)
}

// --- SettlementItem Methods ---

func (r *PostgresSettlementRepository) ListItems(ctx context.Context, settlementID int64) ([]*settlement.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM settlement_items WHERE settlement_id = $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, settlementID)
	if err != nil {
		return nil, fmt.Errorf("error querying items of settlement %d: %w", settlementID, err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *PostgresSettlementRepository) ListDueItems(ctx context.Context, settlementID int64, now time.Time, maxRetries int) ([]*settlement.Item, error) {
	query := `SELECT ` + itemColumns + `
               FROM settlement_items
               WHERE settlement_id = $1
                 AND status IN ($2, $3)
                 AND retry_count <= $4
                 AND (next_retry_at IS NULL OR next_retry_at <= $5)
               ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, settlementID, settlement.ItemStatusPending, settlement.ItemStatusFailed, maxRetries, now)
	if err != nil {
		return nil, fmt.Errorf("error querying due items of settlement %d: %w", settlementID, err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *PostgresSettlementRepository) UpdateItem(ctx context.Context, it *settlement.Item) error {
	query := `UPDATE settlement_items
               SET absence_count = $1, penalty_amount = $2, refund_amount = $3, status = $4,
                   retry_count = $5, next_retry_at = $6, last_error = $7,
                   processed_point_tx_id = $8, processed_at = $9,
                   version = version + 1, updated_at = NOW()
               WHERE id = $10 AND version = $11
               RETURNING version, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		it.AbsenceCount, it.PenaltyAmount, it.RefundAmount, it.Status,
		it.RetryCount, nullTime(it.NextRetryAt), it.LastError,
		it.ProcessedPointTxID, nullTime(it.ProcessedAt),
		it.ID, it.Version,
	).Scan(&it.Version, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("item %d at version %d: %w", it.ID, it.Version, settlement.ErrVersionConflict)
		}
		return fmt.Errorf("error updating settlement item %d: %w", it.ID, err)
	}
	return nil
}

func (r *PostgresSettlementRepository) CountUnpaidItems(ctx context.Context, settlementID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settlement_items WHERE settlement_id = $1 AND status <> $2`,
		settlementID, settlement.ItemStatusPayoutDone,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting unpaid items for settlement %d: %w", settlementID, err)
	}
	return count, nil
}

func (r *PostgresSettlementRepository) NextItemRetryAt(ctx context.Context, settlementID int64, maxRetries int) (*time.Time, error) {
	var next sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MIN(next_retry_at) FROM settlement_items
               WHERE settlement_id = $1 AND status IN ($2, $3) AND retry_count <= $4`,
		settlementID, settlement.ItemStatusPending, settlement.ItemStatusFailed, maxRetries,
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("error finding next item retry for settlement %d: %w", settlementID, err)
	}
	return timePtr(next), nil
}

func (r *PostgresSettlementRepository) ListExhaustedItems(ctx context.Context, maxRetries int, limit int) ([]*settlement.Item, error) {
	query := `SELECT ` + itemColumns + `
               FROM settlement_items
               WHERE status = $1 AND retry_count > $2
               ORDER BY updated_at DESC
               LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, settlement.ItemStatusFailed, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying exhausted items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// --- helpers ---

// updateSettlement writes every mutable column, guarded by the version read
// earlier. On success s.Version holds the new version.
func updateSettlement(ctx context.Context, q queryRower, s *settlement.Settlement) error {
	query := `UPDATE settlements
               SET status = $1, processing_started_at = $2, retry_count = $3, next_retry_at = $4,
                   last_error = $5, settled_at = $6, version = version + 1, updated_at = NOW()
               WHERE id = $7 AND version = $8
               RETURNING version, updated_at`
	err := q.QueryRowContext(ctx, query,
		s.Status, nullTime(s.ProcessingStartedAt), s.RetryCount, nullTime(s.NextRetryAt),
		s.LastError, nullTime(s.SettledAt), s.ID, s.Version,
	).Scan(&s.Version, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("settlement %d at version %d: %w", s.ID, s.Version, settlement.ErrVersionConflict)
		}
		return fmt.Errorf("error updating settlement %d: %w", s.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row rowScanner) (*settlement.Settlement, error) {
	s := settlement.Settlement{}
	var processingStartedAt, nextRetryAt, settledAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.StudyID, &s.Status, &processingStartedAt, &s.RetryCount, &nextRetryAt,
		&s.LastError, &settledAt, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.ProcessingStartedAt = timePtr(processingStartedAt)
	s.NextRetryAt = timePtr(nextRetryAt)
	s.SettledAt = timePtr(settledAt)
	return &s, nil
}

func scanSettlements(rows *sql.Rows) ([]*settlement.Settlement, error) {
	result := make([]*settlement.Settlement, 0)
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning settlement row: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settlement rows: %w", err)
	}
	return result, nil
}

func scanItems(rows *sql.Rows) ([]*settlement.Item, error) {
	items := make([]*settlement.Item, 0)
	for rows.Next() {
		it := settlement.Item{}
		var nextRetryAt, processedAt sql.NullTime
		if err := rows.Scan(
			&it.ID, &it.SettlementID, &it.ParticipantID, &it.MemberID, &it.OriginalAmount, &it.AbsenceCount,
			&it.PenaltyAmount, &it.RefundAmount, &it.PayoutMethod, &it.Status, &it.RetryCount, &nextRetryAt,
			&it.LastError, &it.ProcessedPointTxID, &processedAt, &it.Version, &it.CreatedAt, &it.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning settlement item row: %w", err)
		}
		it.NextRetryAt = timePtr(nextRetryAt)
		it.ProcessedAt = timePtr(processedAt)
		items = append(items, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settlement item rows: %w", err)
	}
	return items, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode
}
