package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dynoinc/tokenguard/internal/usage"
)

// UsageLedger is a usage.Ledger on the usage_records table.
type UsageLedger struct {
	db *pgxpool.Pool
}

var _ usage.Ledger = (*UsageLedger)(nil)

func NewUsageLedger(db *pgxpool.Pool) *UsageLedger {
	return &UsageLedger{db: db}
}

func (l *UsageLedger) Append(ctx context.Context, rec usage.Record) error {
	if _, err := l.db.Exec(ctx, `
		INSERT INTO usage_records (user_id, operation, input_tokens, output_tokens, total_tokens, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.UserID, rec.Operation, rec.InputTokens, rec.OutputTokens, rec.Total, rec.Timestamp,
	); err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}
	return nil
}

func (l *UsageLedger) Sum(ctx context.Context, since time.Time, userID string) (int, error) {
	var total int64
	if err := l.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_tokens), 0)
		FROM usage_records
		WHERE occurred_at >= $1 AND ($2 = '' OR user_id = $2)`,
		since, userID,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("summing usage: %w", err)
	}
	return int(total), nil
}

func (l *UsageLedger) Records(ctx context.Context, since time.Time, userID string) ([]usage.Record, error) {
	rows, err := l.db.Query(ctx, `
		SELECT input_tokens, output_tokens, total_tokens, occurred_at, operation, user_id
		FROM usage_records
		WHERE occurred_at >= $1 AND ($2 = '' OR user_id = $2)
		ORDER BY occurred_at, id`,
		since, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage records: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (usage.Record, error) {
		var r usage.Record
		err := row.Scan(&r.InputTokens, &r.OutputTokens, &r.Total, &r.Timestamp, &r.Operation, &r.UserID)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning usage records: %w", err)
	}
	return records, nil
}

func (l *UsageLedger) Delete(ctx context.Context, userID string) (int, error) {
	tag, err := l.db.Exec(ctx, `DELETE FROM usage_records WHERE $1 = '' OR user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting usage records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (l *UsageLedger) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := l.db.Exec(ctx, `DELETE FROM usage_records WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning usage records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
