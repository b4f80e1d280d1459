package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"shepherd/internal/domain"
)

const eventColumns = `id,event_type,aggregate_type,aggregate_id,payload_json,status,COALESCE(tenant_id,''),created_by,created_at,updated_at,archived_at`

func scanEvent(row rowScanner) (domain.Event, error) {
	var e domain.Event
	var archived sql.NullString
	err := row.Scan(&e.ID, &e.Type, &e.AggregateType, &e.AggregateID, &e.Payload, &e.Status, &e.TenantID, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt, &archived)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ArchivedAt = optionalString(archived)
	return e, nil
}

func (r Repo) InsertEventTx(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO domain_events(id,event_type,aggregate_type,aggregate_id,payload_json,status,tenant_id,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, string(e.Type), e.AggregateType, e.AggregateID, e.Payload, e.Status, nullable(e.TenantID), e.CreatedBy, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM domain_events WHERE id=?`, id))
}

// InflightEventTx returns the non-terminal event for (aggregate, operation), if any.
func (r Repo) InflightEventTx(ctx context.Context, tx *sql.Tx, aggregateID string, op domain.Operation) (domain.Event, error) {
	return scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM domain_events
WHERE aggregate_id=? AND event_type=? AND status IN ('PENDING','PROCESSING') LIMIT 1`, aggregateID, string(op)))
}

// TransitionEventTx moves an event to status when it is currently in one of
// from. It reports whether a row changed.
func (r Repo) TransitionEventTx(ctx context.Context, tx *sql.Tx, id string, from []string, to, now string) (bool, error) {
	args := []any{to, now, id}
	args = append(args, stringArgs(from)...)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE domain_events SET status=?, updated_at=? WHERE id=? AND status IN (%s)`, placeholders(len(from))), args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type EventFilter struct {
	Status          string
	Type            string
	AggregateID     string
	CreatedBy       string
	IncludeArchived bool
	Limit           int
	Cursor          string
}

// ListEvents returns events newest first. Cursor is the created_at|id of the
// last row of the previous page.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.Type)
	}
	if f.AggregateID != "" {
		clauses = append(clauses, "aggregate_id=?")
		args = append(args, f.AggregateID)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	if f.Cursor != "" {
		ts, id, ok := strings.Cut(f.Cursor, "|")
		if !ok {
			return nil, domain.ValidationError{Field: "cursor", Reason: "malformed"}
		}
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, ts, ts, id)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM domain_events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ArchiveTerminalEvents stamps archived_at on terminal events last updated
// before cutoff. Already archived rows are left alone.
func (r Repo) ArchiveTerminalEvents(ctx context.Context, cutoff, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE domain_events SET archived_at=?
WHERE archived_at IS NULL AND status IN ('COMPLETED','FAILED','CANCELLED') AND updated_at < ?`, now, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
