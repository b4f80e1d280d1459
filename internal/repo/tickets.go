package repo

import (
	"context"
	"database/sql"
	"fmt"

	"shepherd/internal/domain"
)

const ticketColumns = `id,event_id,parent_ticket_id,status,modified_spec_json,COALESCE(modification_reason,''),COALESCE(selected_cluster,''),requester,COALESCE(decided_by,''),COALESCE(decision_reason,''),child_count,created_at,updated_at`

func scanTicket(row rowScanner) (domain.Ticket, error) {
	var t domain.Ticket
	var parent, spec sql.NullString
	err := row.Scan(&t.ID, &t.EventID, &parent, &t.Status, &spec, &t.ModificationReason, &t.SelectedCluster, &t.Requester, &t.DecidedBy, &t.DecisionReason, &t.ChildCount, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ParentTicketID = optionalString(parent)
	t.ModifiedSpec = optionalString(spec)
	return t, nil
}

func (r Repo) InsertTicketTx(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_tickets(id,event_id,parent_ticket_id,status,modified_spec_json,modification_reason,selected_cluster,requester,decided_by,decision_reason,child_count,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.EventID, nullableStringPtr(t.ParentTicketID), t.Status, nullableStringPtr(t.ModifiedSpec), nullable(t.ModificationReason),
		nullable(t.SelectedCluster), t.Requester, nullable(t.DecidedBy), nullable(t.DecisionReason), t.ChildCount, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	return scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM approval_tickets WHERE id=?`, id))
}

func (r Repo) GetTicketTx(ctx context.Context, tx *sql.Tx, id string) (domain.Ticket, error) {
	return scanTicket(tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM approval_tickets WHERE id=?`, id))
}

func (r Repo) ListChildTickets(ctx context.Context, parentID string) ([]domain.Ticket, error) {
	return listTickets(ctx, r.DB, parentID)
}

func (r Repo) ListChildTicketsTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.Ticket, error) {
	return listTickets(ctx, tx, parentID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listTickets(ctx context.Context, q queryer, parentID string) ([]domain.Ticket, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+ticketColumns+` FROM approval_tickets WHERE parent_ticket_id=? ORDER BY created_at, id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TicketTransition describes a guarded status change. Empty fields keep the
// stored value.
type TicketTransition struct {
	From               []string
	To                 string
	ModifiedSpec       *string
	ModificationReason string
	SelectedCluster    string
	DecidedBy          string
	DecisionReason     string
	Now                string
}

// TransitionTicketTx applies tr when the ticket is in one of tr.From and
// reports whether a row changed. Concurrent deciders race on the guard; only
// one of them sees true.
func (r Repo) TransitionTicketTx(ctx context.Context, tx *sql.Tx, id string, tr TicketTransition) (bool, error) {
	args := []any{
		tr.To,
		nullableStringPtr(tr.ModifiedSpec),
		nullable(tr.ModificationReason),
		nullable(tr.SelectedCluster),
		nullable(tr.DecidedBy),
		nullable(tr.DecisionReason),
		tr.Now,
		id,
	}
	args = append(args, stringArgs(tr.From)...)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE approval_tickets SET
  status=?,
  modified_spec_json=COALESCE(?, modified_spec_json),
  modification_reason=COALESCE(?, modification_reason),
  selected_cluster=COALESCE(?, selected_cluster),
  decided_by=COALESCE(?, decided_by),
  decision_reason=COALESCE(?, decision_reason),
  updated_at=?
WHERE id=? AND status IN (%s)`, placeholders(len(tr.From))), args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountStartedChildrenTx counts children of a batch parent that have left the
// decision states, that is claimed by a worker or already finished.
func (r Repo) CountStartedChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_tickets WHERE parent_ticket_id=? AND status NOT IN (?,?)`,
		parentID, domain.TicketPendingApproval, domain.TicketApproved).Scan(&n)
	return n, err
}

// BatchCounts tallies children of a batch parent. Rejected and cancelled
// children count as failed.
type BatchCounts struct {
	Total   int
	Success int
	Failed  int
	Pending int
}

func (r Repo) BatchCounts(ctx context.Context, parentID string) (BatchCounts, error) {
	return batchCounts(ctx, r.DB, parentID)
}

func (r Repo) BatchCountsTx(ctx context.Context, tx *sql.Tx, parentID string) (BatchCounts, error) {
	return batchCounts(ctx, tx, parentID)
}

func batchCounts(ctx context.Context, q queryer, parentID string) (BatchCounts, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM approval_tickets WHERE parent_ticket_id=? GROUP BY status`, parentID)
	if err != nil {
		return BatchCounts{}, err
	}
	defer rows.Close()
	var c BatchCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return BatchCounts{}, err
		}
		c.Total += n
		switch status {
		case domain.TicketSuccess:
			c.Success += n
		case domain.TicketFailed, domain.TicketRejected, domain.TicketCancelled:
			c.Failed += n
		default:
			c.Pending += n
		}
	}
	return c, rows.Err()
}

// SettleBatchTx closes the parent's own event once no child is pending. The
// parent event completes if any child succeeded, is cancelled if the parent
// was rejected or cancelled as a whole, and fails otherwise.
func (r Repo) SettleBatchTx(ctx context.Context, tx *sql.Tx, parentID, now string) error {
	parent, err := r.GetTicketTx(ctx, tx, parentID)
	if err != nil {
		return err
	}
	counts, err := r.BatchCountsTx(ctx, tx, parentID)
	if err != nil {
		return err
	}
	if counts.Pending > 0 {
		return nil
	}
	status := domain.EventFailed
	switch {
	case parent.Status == domain.TicketRejected || parent.Status == domain.TicketCancelled:
		status = domain.EventCancelled
	case counts.Success > 0:
		status = domain.EventCompleted
	}
	_, err = r.TransitionEventTx(ctx, tx, parent.EventID, []string{domain.EventPending, domain.EventProcessing}, status, now)
	return err
}
