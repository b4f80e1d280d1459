package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"shepherd/internal/audit"
	"shepherd/internal/domain"
	"shepherd/internal/engine/auth"
	"shepherd/internal/metrics"
	"shepherd/internal/notify"
)

const maxBatchSize = 100

type BatchResult struct {
	ParentTicketID string         `json:"parent_ticket_id"`
	ParentEventID  string         `json:"parent_event_id"`
	Status         string         `json:"status"`
	Children       []SubmitResult `json:"children"`
}

// SubmitBatch creates count VM_CREATE requests named <name>-1 … <name>-count
// under one parent ticket. Either the parent and every child are written or
// nothing is.
func (e Engine) SubmitBatch(ctx context.Context, p auth.Principal, req SubmitRequest, count int) (BatchResult, error) {
	out, err := e.submitBatch(ctx, p, req, count)
	if err != nil {
		metrics.RecordRequest(string(domain.OpBatchVMCreate), outcome(err))
		return BatchResult{}, err
	}
	metrics.RecordRequest(string(domain.OpBatchVMCreate), "accepted")
	e.notify(ctx, notify.Notification{
		Type:     notify.TypeSubmitted,
		EventID:  out.ParentEventID,
		TicketID: out.ParentTicketID,
		ActorID:  p.ActorID,
		Status:   out.Status,
		Details:  map[string]any{"operation": string(domain.OpBatchVMCreate), "count": count},
	})
	return out, nil
}

func (e Engine) submitBatch(ctx context.Context, p auth.Principal, req SubmitRequest, count int) (BatchResult, error) {
	if req.Operation != "" && req.Operation != domain.OpVMCreate {
		return BatchResult{}, domain.ValidationError{Field: "operation", Reason: "batches only create vms"}
	}
	if count < 1 || count > maxBatchSize {
		return BatchResult{}, domain.ValidationError{Field: "count", Reason: fmt.Sprintf("must be between 1 and %d", maxBatchSize)}
	}
	req.Operation = domain.OpVMCreate
	plans := make([]plan, 0, count)
	for i := 1; i <= count; i++ {
		child := req
		child.Scope.Name = fmt.Sprintf("%s-%d", req.Scope.Name, i)
		pl, err := e.planRequest(ctx, child)
		if err != nil {
			return BatchResult{}, fmt.Errorf("batch item %d: %w", i, err)
		}
		pl.payload.Index = i
		plans = append(plans, pl)
	}
	if err := e.require(ctx, p, auth.PermVMCreate, req.Scope.ServiceID); err != nil {
		return BatchResult{}, err
	}

	ticketStatus := domain.TicketPendingApproval
	decidedBy := ""
	if !e.Config.RequiresApproval(domain.OpVMCreate) {
		ticketStatus = domain.TicketApproved
		decidedBy = p.ActorID
	}
	parentPayload := domain.Payload{
		Scope: domain.Scope{ServiceID: req.Scope.ServiceID, Namespace: req.Scope.Namespace, Name: req.Scope.Name},
		Spec:  plans[0].payload.Spec,
	}
	raw, err := parentPayload.Marshal()
	if err != nil {
		return BatchResult{}, err
	}

	var out BatchResult
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		evt := domain.Event{
			ID:            uuid.NewString(),
			Type:          domain.OpBatchVMCreate,
			AggregateType: "batch",
			AggregateID:   uuid.NewString(),
			Payload:       raw,
			Status:        domain.EventPending,
			TenantID:      p.TenantID,
			CreatedBy:     p.ActorID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := e.Repo.InsertEventTx(ctx, tx, evt); err != nil {
			return fmt.Errorf("insert batch event: %w", err)
		}
		parent := domain.Ticket{
			ID:         uuid.NewString(),
			EventID:    evt.ID,
			Status:     ticketStatus,
			Requester:  p.ActorID,
			DecidedBy:  decidedBy,
			ChildCount: count,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.Repo.InsertTicketTx(ctx, tx, parent); err != nil {
			return fmt.Errorf("insert batch ticket: %w", err)
		}
		out = BatchResult{ParentTicketID: parent.ID, ParentEventID: evt.ID, Status: parent.Status}
		for i, pl := range plans {
			rows, err := e.insertRequestTx(ctx, tx, p, pl, insertOptions{
				TicketStatus:   ticketStatus,
				ParentTicketID: parent.ID,
				DecidedBy:      decidedBy,
			})
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i+1, err)
			}
			child := SubmitResult{EventID: rows.Event.ID, TicketID: rows.Ticket.ID, AggregateID: pl.aggregateID, Status: rows.Ticket.Status}
			if rows.Job != nil {
				child.JobID = rows.Job.ID
			}
			out.Children = append(out.Children, child)
		}
		return e.Audit.Append(ctx, tx, audit.BatchSubmitted, "ticket", parent.ID, p.ActorID, audit.Payload{
			"event_id": evt.ID,
			"count":    count,
		})
	})
	if err != nil {
		return BatchResult{}, err
	}
	return out, nil
}

// GetBatchStatus derives a parent's counters and status from its children.
// Decision carries the parent ticket's own decision.
func (e Engine) GetBatchStatus(ctx context.Context, p auth.Principal, parentTicketID string) (domain.BatchStatus, error) {
	parent, err := e.GetTicket(ctx, p, parentTicketID)
	if err != nil {
		return domain.BatchStatus{}, err
	}
	if !parent.IsBatchParent() {
		return domain.BatchStatus{}, domain.ValidationError{Field: "ticket_id", Reason: "not a batch parent"}
	}
	counts, err := e.Repo.BatchCounts(ctx, parent.ID)
	if err != nil {
		return domain.BatchStatus{}, err
	}
	return domain.BatchStatus{
		ParentTicketID: parent.ID,
		Decision:       parent.Status,
		ChildCount:     parent.ChildCount,
		SuccessCount:   counts.Success,
		FailedCount:    counts.Failed,
		PendingCount:   counts.Pending,
		Status:         domain.DeriveBatchStatus(counts.Success, counts.Failed, counts.Pending),
	}, nil
}
