package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"shepherd/internal/domain"
	"shepherd/internal/engine/auth"
	"shepherd/internal/metrics"
	"shepherd/internal/notify"
)

// SubmitRequest asks for one state-changing operation. VM_CREATE names the
// new VM through Scope.ServiceID, Scope.Namespace and Scope.Name; every other
// operation targets Scope.ResourceID. Confirm and ConfirmName answer the
// delete confirmation policy.
type SubmitRequest struct {
	Operation   domain.Operation `json:"operation"`
	Scope       domain.Scope     `json:"scope"`
	Spec        domain.VMSpec    `json:"spec"`
	Reason      string           `json:"reason,omitempty"`
	Confirm     bool             `json:"confirm,omitempty"`
	ConfirmName string           `json:"confirm_name,omitempty"`
}

type SubmitResult struct {
	EventID     string `json:"event_id"`
	TicketID    string `json:"ticket_id,omitempty"`
	JobID       string `json:"job_id,omitempty"`
	AggregateID string `json:"aggregate_id"`
	// Status is PENDING_APPROVAL, or APPROVED when no approval was needed.
	Status string `json:"status"`
}

func isDelete(op domain.Operation) bool {
	return op == domain.OpVMDelete || op == domain.OpResourceDelete
}

// Submit authorizes req and records it. An operation that needs approval
// gets a PENDING_APPROVAL ticket; any other is enqueued in the same
// transaction.
func (e Engine) Submit(ctx context.Context, p auth.Principal, req SubmitRequest) (SubmitResult, error) {
	res, err := e.submit(ctx, p, req)
	if err != nil {
		metrics.RecordRequest(string(req.Operation), outcome(err))
		return SubmitResult{}, err
	}
	metrics.RecordRequest(string(req.Operation), strings.ToLower(res.Status))
	e.notify(ctx, notify.Notification{
		Type:        notify.TypeSubmitted,
		EventID:     res.EventID,
		TicketID:    res.TicketID,
		AggregateID: res.AggregateID,
		ActorID:     p.ActorID,
		Status:      res.Status,
		Details:     map[string]any{"operation": string(req.Operation)},
	})
	return res, nil
}

func (e Engine) submit(ctx context.Context, p auth.Principal, req SubmitRequest) (SubmitResult, error) {
	pl, err := e.planRequest(ctx, req)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := e.require(ctx, p, pl.permission, pl.authResource); err != nil {
		return SubmitResult{}, err
	}
	if isDelete(pl.op) {
		if err := e.checkDelete(ctx, pl.target, req.Confirm, req.ConfirmName); err != nil {
			return SubmitResult{}, err
		}
	}
	opts := insertOptions{}
	if e.Config.RequiresApproval(pl.op) {
		opts.TicketStatus = domain.TicketPendingApproval
	}
	var rows requestRows
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if isDelete(pl.op) {
			n, err := e.Repo.CountDeleteBlockersTx(ctx, tx, pl.target.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return domain.RestrictedError{ChildCount: n}
			}
		}
		var err error
		rows, err = e.insertRequestTx(ctx, tx, p, pl, opts)
		return err
	})
	if err != nil {
		return SubmitResult{}, err
	}
	out := SubmitResult{EventID: rows.Event.ID, AggregateID: pl.aggregateID, Status: domain.TicketApproved}
	if rows.Ticket != nil {
		out.TicketID = rows.Ticket.ID
		out.Status = rows.Ticket.Status
	}
	if rows.Job != nil {
		out.JobID = rows.Job.ID
	}
	return out, nil
}

func outcome(err error) string {
	var conflict domain.ConflictError
	var validation domain.ValidationError
	var forbidden auth.ForbiddenError
	var restricted domain.RestrictedError
	var confirm domain.ConfirmationRequiredError
	switch {
	case errors.As(err, &conflict):
		return strings.ToLower(conflict.Code)
	case errors.As(err, &validation):
		return "invalid"
	case errors.As(err, &forbidden):
		return "forbidden"
	case errors.As(err, &restricted):
		return "restricted"
	case errors.As(err, &confirm):
		return "confirmation_required"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
