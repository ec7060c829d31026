package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dynoinc/tokenguard/internal/aierrors"
	"github.com/dynoinc/tokenguard/internal/errorlog"
)

// ErrorArchive keeps error-log entries beyond the in-memory retention.
type ErrorArchive struct {
	db *pgxpool.Pool
}

var _ errorlog.Sink = (*ErrorArchive)(nil)

func NewErrorArchive(db *pgxpool.Pool) *ErrorArchive {
	return &ErrorArchive{db: db}
}

// Persist inserts e. Entries are archived once; persisting an id again is a
// no-op so jobs can be retried.
func (a *ErrorArchive) Persist(ctx context.Context, e errorlog.Entry) error {
	ce := e.Error
	if ce == nil {
		ce = aierrors.New(aierrors.CodeUnknown, aierrors.CategoryUnknown, aierrors.SeverityError, "")
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", e.ID, err)
	}

	userID := e.Context.UserID
	if userID == "" {
		userID = ce.UserID
	}

	_, err = a.db.Exec(ctx, `
		INSERT INTO error_logs (id, code, category, severity, user_id, component, action, occurred_at, resolved, resolved_at, resolved_by, entry)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, ce.Code, string(ce.Category), string(ce.Severity), userID, e.Context.Component, e.Context.Action,
		e.Context.Timestamp, e.Resolved, e.ResolvedAt, e.ResolvedBy, payload,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inserting error log %s: %w", e.ID, err)
	}
	return nil
}

// Entries returns archived entries at or after since, newest first. A
// non-positive limit returns all of them.
func (a *ErrorArchive) Entries(ctx context.Context, since time.Time, limit int) ([]errorlog.Entry, error) {
	query := `SELECT entry FROM error_logs WHERE occurred_at >= $1 ORDER BY occurred_at DESC`
	args := []any{since}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying error logs: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (errorlog.Entry, error) {
		var payload []byte
		var e errorlog.Entry
		if err := row.Scan(&payload); err != nil {
			return e, err
		}
		return e, json.Unmarshal(payload, &e)
	})
	if err != nil {
		return nil, fmt.Errorf("scanning error logs: %w", err)
	}
	return entries, nil
}

// MarkResolved records a resolution made in the in-memory log.
func (a *ErrorArchive) MarkResolved(ctx context.Context, id, by string, at time.Time) (bool, error) {
	tag, err := a.db.Exec(ctx, `
		UPDATE error_logs
		SET resolved = TRUE,
		    resolved_at = $2,
		    resolved_by = $3,
		    entry = entry || jsonb_build_object('resolved', TRUE, 'resolved_at', to_jsonb($2::timestamptz), 'resolved_by', $3::text)
		WHERE id = $1::uuid AND NOT resolved`,
		id, at, by,
	)
	if err != nil {
		return false, fmt.Errorf("resolving error log %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeOlderThan deletes archived entries logged before cutoff.
func (a *ErrorArchive) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := a.db.Exec(ctx, `DELETE FROM error_logs WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging error logs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
