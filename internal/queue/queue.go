// Package queue is a durable at-least-once job queue stored in the same
// SQLite database as events and tickets, so enqueueing can join the
// transaction that approves the work.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shepherd/internal/domain"
)

// Fixed-width UTC timestamps keep run_at lexically ordered.
const timeFormat = "2006-01-02T15:04:05.000000Z"

const jobColumns = `id,kind,event_id,ticket_id,queue,state,attempts,max_attempts,run_at,COALESCE(locked_by,''),locked_at,COALESCE(last_error,''),created_at,updated_at`

type Queue struct {
	DB  *sql.DB
	Now func() time.Time
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

func (q Queue) stamp() string { return q.now().Format(timeFormat) }

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	var ticket, lockedAt sql.NullString
	err := row.Scan(&j.ID, &j.Kind, &j.EventID, &ticket, &j.Queue, &j.State, &j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LockedBy, &lockedAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, domain.ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if ticket.Valid {
		j.TicketID = &ticket.String
	}
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.String
	}
	return j, nil
}

type EnqueueOptions struct {
	Kind        string
	EventID     string
	TicketID    string
	Queue       string
	MaxAttempts int
	Delay       time.Duration
}

// EnqueueTx inserts a job in the caller's transaction. The job carries only
// the event id; workers load everything else from the store.
func (q Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, opts EnqueueOptions) (domain.Job, error) {
	if opts.EventID == "" {
		return domain.Job{}, errors.New("event id required")
	}
	if opts.Queue == "" {
		return domain.Job{}, errors.New("queue required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	now := q.now()
	j := domain.Job{
		ID:          uuid.NewString(),
		Kind:        opts.Kind,
		EventID:     opts.EventID,
		Queue:       opts.Queue,
		State:       domain.JobPending,
		MaxAttempts: opts.MaxAttempts,
		RunAt:       now.Add(opts.Delay).Format(timeFormat),
		CreatedAt:   now.Format(timeFormat),
		UpdatedAt:   now.Format(timeFormat),
	}
	if opts.TicketID != "" {
		ticketID := opts.TicketID
		j.TicketID = &ticketID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,kind,event_id,ticket_id,queue,state,attempts,max_attempts,run_at,created_at,updated_at) VALUES (?,?,?,?,?,?,0,?,?,?,?)`,
		j.ID, j.Kind, j.EventID, nullableString(j.TicketID), j.Queue, j.State, j.MaxAttempts, j.RunAt, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return domain.Job{}, fmt.Errorf("enqueue: %w", err)
	}
	return j, nil
}

// Claim locks the next due job of queueName for workerID. ok is false when
// nothing is due.
func (q Queue) Claim(ctx context.Context, queueName, workerID string) (domain.Job, bool, error) {
	now := q.stamp()
	row := q.DB.QueryRowContext(ctx, `UPDATE jobs
SET state='running', attempts=attempts+1, locked_by=?, locked_at=?, updated_at=?
WHERE id = (
  SELECT id FROM jobs
  WHERE queue=? AND state IN ('pending','retrying') AND run_at <= ?
  ORDER BY run_at, created_at
  LIMIT 1
)
RETURNING `+jobColumns, workerID, now, now, queueName, now)
	j, err := scanJob(row)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("claim %s: %w", queueName, err)
	}
	return j, true, nil
}

func (q Queue) Get(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(q.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func (q Queue) ListByEvent(ctx context.Context, eventID string) ([]domain.Job, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE event_id=? ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// CompleteTx marks a running job completed.
func (q Queue) CompleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	return q.finishTx(ctx, tx, id, domain.JobCompleted, "")
}

// FailTx marks a job permanently failed.
func (q Queue) FailTx(ctx context.Context, tx *sql.Tx, id, lastErr string) error {
	return q.finishTx(ctx, tx, id, domain.JobFailed, lastErr)
}

// CancelTx stops a job from running again.
func (q Queue) CancelTx(ctx context.Context, tx *sql.Tx, id, reason string) error {
	return q.finishTx(ctx, tx, id, domain.JobCancelled, reason)
}

func (q Queue) Cancel(ctx context.Context, id, reason string) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := q.CancelTx(ctx, tx, id, reason); err != nil {
		return err
	}
	return tx.Commit()
}

func (q Queue) finishTx(ctx context.Context, tx *sql.Tx, id, state, lastErr string) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET state=?, last_error=COALESCE(?, last_error), locked_by=NULL, locked_at=NULL, updated_at=? WHERE id=?`,
		state, nullable(lastErr), q.stamp(), id)
	return err
}

// CancelForTicketTx cancels jobs of a ticket that no worker has claimed yet.
func (q Queue) CancelForTicketTx(ctx context.Context, tx *sql.Tx, ticketID, reason string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET state='cancelled', last_error=?, updated_at=? WHERE ticket_id=? AND state IN ('pending','retrying')`,
		nullable(reason), q.stamp(), ticketID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Retry releases a running job to run again after delay.
func (q Queue) Retry(ctx context.Context, id string, delay time.Duration, lastErr string) error {
	now := q.now()
	_, err := q.DB.ExecContext(ctx, `UPDATE jobs SET state='retrying', run_at=?, last_error=?, locked_by=NULL, locked_at=NULL, updated_at=? WHERE id=? AND state='running'`,
		now.Add(delay).Format(timeFormat), nullable(lastErr), now.Format(timeFormat), id)
	return err
}

// ReapStale returns jobs stuck in running longer than olderThan to pending,
// so a crashed worker's jobs are redelivered.
func (q Queue) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.now()
	res, err := q.DB.ExecContext(ctx, `UPDATE jobs SET state='pending', run_at=?, locked_by=NULL, locked_at=NULL, updated_at=?
WHERE state='running' AND locked_at < ?`,
		now.Format(timeFormat), now.Format(timeFormat), now.Add(-olderThan).Format(timeFormat))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Depth counts due and waiting jobs per queue.
func (q Queue) Depth(ctx context.Context) (map[string]int, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT queue, COUNT(*) FROM jobs WHERE state IN ('pending','retrying') GROUP BY queue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
