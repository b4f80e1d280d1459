package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"shepherd/internal/audit"
	"shepherd/internal/domain"
	"shepherd/internal/engine/auth"
	"shepherd/internal/metrics"
	"shepherd/internal/notify"
	"shepherd/internal/queue"
	"shepherd/internal/repo"
)

// ApproveOptions carry the approver's decision. ModifiedSpec replaces the
// submitted spec wholesale and may not carry scope fields.
type ApproveOptions struct {
	ModifiedSpec       json.RawMessage `json:"modified_spec,omitempty"`
	ModificationReason string          `json:"modification_reason,omitempty"`
	SelectedCluster    string          `json:"selected_cluster,omitempty"`
	Reason             string          `json:"reason,omitempty"`
}

// subject is a ticket with the event and payload it governs.
type subject struct {
	Ticket  domain.Ticket
	Event   domain.Event
	Payload domain.Payload
}

// authResource is where permissions over the request are checked: the
// owning service for creates, the target resource otherwise.
func (s subject) authResource() string {
	switch s.Event.Type {
	case domain.OpVMCreate, domain.OpBatchVMCreate:
		return s.Payload.Scope.ServiceID
	}
	return s.Payload.Scope.ResourceID
}

func (e Engine) loadSubject(ctx context.Context, ticketID string) (subject, error) {
	t, err := e.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return subject{}, notFound(err, "ticket", ticketID)
	}
	evt, err := e.Repo.GetEvent(ctx, t.EventID)
	if err != nil {
		return subject{}, notFound(err, "event", t.EventID)
	}
	payload, err := domain.ParsePayload(evt.Payload)
	if err != nil {
		return subject{}, err
	}
	return subject{Ticket: t, Event: evt, Payload: payload}, nil
}

func (e Engine) GetTicket(ctx context.Context, p auth.Principal, id string) (domain.Ticket, error) {
	s, err := e.loadSubject(ctx, id)
	if err != nil {
		return domain.Ticket{}, err
	}
	if s.Ticket.Requester != p.ActorID {
		if err := e.require(ctx, p, auth.PermTicketRead, s.authResource()); err != nil {
			return domain.Ticket{}, err
		}
	}
	return s.Ticket, nil
}

// ListChildTickets returns the children of a batch parent.
func (e Engine) ListChildTickets(ctx context.Context, p auth.Principal, parentID string) ([]domain.Ticket, error) {
	if _, err := e.GetTicket(ctx, p, parentID); err != nil {
		return nil, err
	}
	return e.Repo.ListChildTickets(ctx, parentID)
}

// Approve moves a PENDING_APPROVAL ticket to APPROVED and enqueues its job in
// the same transaction. Approving a batch parent approves and enqueues every
// child still awaiting a decision.
func (e Engine) Approve(ctx context.Context, p auth.Principal, ticketID string, opts ApproveOptions) (domain.Ticket, error) {
	s, err := e.loadSubject(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := e.require(ctx, p, auth.PermTicketApprove, s.authResource()); err != nil {
		return domain.Ticket{}, err
	}
	if err := decidable(s.Ticket, domain.TicketApproved, domain.TicketPendingApproval); err != nil {
		return domain.Ticket{}, err
	}
	var modified *string
	if len(opts.ModifiedSpec) > 0 && !bytes.Equal(bytes.TrimSpace(opts.ModifiedSpec), []byte("null")) {
		if s.Event.Type != domain.OpVMCreate && s.Event.Type != domain.OpBatchVMCreate {
			return domain.Ticket{}, domain.ValidationError{Field: "modified_spec", Reason: "only create requests carry a spec"}
		}
		spec, err := domain.DecodeOverride(opts.ModifiedSpec)
		if err != nil {
			return domain.Ticket{}, err
		}
		b, err := json.Marshal(spec)
		if err != nil {
			return domain.Ticket{}, err
		}
		raw := string(b)
		modified = &raw
	}
	cluster, err := e.executionDomain(ctx, s, opts.SelectedCluster)
	if err != nil {
		return domain.Ticket{}, err
	}

	err = e.withTx(ctx, func(tx *sql.Tx) error {
		targets, err := e.transitionFamilyTx(ctx, tx, s.Ticket, repo.TicketTransition{
			From:               []string{domain.TicketPendingApproval},
			To:                 domain.TicketApproved,
			ModifiedSpec:       modified,
			ModificationReason: opts.ModificationReason,
			SelectedCluster:    cluster,
			DecidedBy:          p.ActorID,
			DecisionReason:     opts.Reason,
			Now:                e.stamp(),
		})
		if err != nil {
			return err
		}
		for _, t := range targets {
			if _, err := e.Queue.EnqueueTx(ctx, tx, queue.EnqueueOptions{
				Kind:        string(opKind(s.Event.Type)),
				EventID:     t.EventID,
				TicketID:    t.ID,
				Queue:       cluster,
				MaxAttempts: e.Config.Worker.MaxAttempts,
			}); err != nil {
				return err
			}
		}
		payload := audit.Payload{"event_id": s.Event.ID, "selected_cluster": cluster, "enqueued": len(targets)}
		if modified != nil {
			payload["modified_spec"] = json.RawMessage(*modified)
			payload["modification_reason"] = opts.ModificationReason
		}
		return e.Audit.Append(ctx, tx, audit.TicketApproved, "ticket", s.Ticket.ID, p.ActorID, payload)
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	return e.afterDecision(ctx, p, s, domain.TicketApproved, notify.TypeApproved)
}

// Reject closes a ticket awaiting decision. Its event is cancelled.
func (e Engine) Reject(ctx context.Context, p auth.Principal, ticketID, reason string) (domain.Ticket, error) {
	s, err := e.loadSubject(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := e.require(ctx, p, auth.PermTicketApprove, s.authResource()); err != nil {
		return domain.Ticket{}, err
	}
	if err := decidable(s.Ticket, domain.TicketRejected, domain.TicketPendingApproval); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.closeTicket(ctx, p, s, domain.TicketRejected, audit.TicketRejected, reason, domain.TicketPendingApproval); err != nil {
		return domain.Ticket{}, err
	}
	return e.afterDecision(ctx, p, s, domain.TicketRejected, notify.TypeRejected)
}

// Cancel withdraws the caller's own ticket before a worker claims it. A batch
// parent is withdrawn only while none of its items has been claimed.
func (e Engine) Cancel(ctx context.Context, p auth.Principal, ticketID, reason string) (domain.Ticket, error) {
	s, err := e.loadSubject(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if s.Ticket.Requester != p.ActorID && !p.IsSystem() {
		return domain.Ticket{}, auth.ForbiddenError{Permission: "ticket:cancel", ResourceID: s.Ticket.ID}
	}
	if err := decidable(s.Ticket, domain.TicketCancelled, domain.TicketPendingApproval, domain.TicketApproved); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.closeTicket(ctx, p, s, domain.TicketCancelled, audit.TicketCancelled, reason, domain.TicketPendingApproval, domain.TicketApproved); err != nil {
		return domain.Ticket{}, err
	}
	return e.afterDecision(ctx, p, s, domain.TicketCancelled, notify.TypeCancelled)
}

// closeTicket is the shared rejection and cancellation path. Jobs not yet
// claimed are cancelled with their tickets; a claimed job finds its ticket
// closed and stops before calling the provider.
func (e Engine) closeTicket(ctx context.Context, p auth.Principal, s subject, to, action, reason string, from ...string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if to == domain.TicketCancelled && s.Ticket.IsBatchParent() {
			// A batch is cancellable only while no child has been claimed.
			started, err := e.Repo.CountStartedChildrenTx(ctx, tx, s.Ticket.ID)
			if err != nil {
				return err
			}
			if started > 0 {
				return domain.ConflictError{
					Code:    domain.CodeInvalidTransition,
					Message: fmt.Sprintf("batch %s has %d items already claimed by workers", s.Ticket.ID, started),
				}
			}
		}
		now := e.stamp()
		targets, err := e.transitionFamilyTx(ctx, tx, s.Ticket, repo.TicketTransition{
			From:           from,
			To:             to,
			DecidedBy:      p.ActorID,
			DecisionReason: reason,
			Now:            now,
		})
		if err != nil {
			return err
		}
		closed := 0
		for _, t := range targets {
			if _, err := e.Queue.CancelForTicketTx(ctx, tx, t.ID, to); err != nil {
				return err
			}
			if _, err := e.Repo.TransitionEventTx(ctx, tx, t.EventID, []string{domain.EventPending}, domain.EventCancelled, now); err != nil {
				return err
			}
			closed++
		}
		if s.Ticket.IsBatchParent() {
			if err := e.Repo.SettleBatchTx(ctx, tx, s.Ticket.ID, now); err != nil {
				return err
			}
		}
		return e.Audit.Append(ctx, tx, action, "ticket", s.Ticket.ID, p.ActorID, audit.Payload{
			"event_id": s.Event.ID,
			"reason":   reason,
			"closed":   closed,
		})
	})
}

// transitionFamilyTx applies tr to t and, for a batch parent, to every child
// still in one of tr.From. It returns the tickets whose work follows the
// decision: t itself, or the children that moved.
func (e Engine) transitionFamilyTx(ctx context.Context, tx *sql.Tx, t domain.Ticket, tr repo.TicketTransition) ([]domain.Ticket, error) {
	ok, err := e.Repo.TransitionTicketTx(ctx, tx, t.ID, tr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalidTransition(t.ID, tr.To)
	}
	if !t.IsBatchParent() {
		return []domain.Ticket{t}, nil
	}
	children, err := e.Repo.ListChildTicketsTx(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	var moved []domain.Ticket
	for _, child := range children {
		ok, err := e.Repo.TransitionTicketTx(ctx, tx, child.ID, tr)
		if err != nil {
			return nil, err
		}
		if ok {
			moved = append(moved, child)
		}
	}
	return moved, nil
}

// decidable rejects decisions on children, which follow their parent, and
// decisions from a state the transition does not start from.
func decidable(t domain.Ticket, to string, from ...string) error {
	if t.ParentTicketID != nil {
		return domain.ConflictError{
			Code:    domain.CodeInvalidTransition,
			Message: "batch item " + t.ID + " is decided through parent " + *t.ParentTicketID,
		}
	}
	for _, f := range from {
		if t.Status == f {
			return nil
		}
	}
	return invalidTransition(t.ID, to)
}

// executionDomain picks the queue an approved ticket runs on. Existing VMs
// stay on their cluster.
func (e Engine) executionDomain(ctx context.Context, s subject, selected string) (string, error) {
	if selected != "" && !e.Config.HasDomain(selected) {
		return "", domain.ValidationError{Field: "selected_cluster", Reason: "unknown execution domain " + selected}
	}
	switch s.Event.Type {
	case domain.OpVMCreate, domain.OpBatchVMCreate, domain.OpResourceDelete:
		if selected != "" {
			if s.Event.Type == domain.OpResourceDelete {
				return "", domain.ValidationError{Field: "selected_cluster", Reason: "catalog operations do not run on a cluster"}
			}
			return selected, nil
		}
		return e.Config.Approval.DefaultCluster, nil
	}
	res, err := e.Repo.GetResource(ctx, s.Payload.Scope.ResourceID)
	if err != nil {
		return "", notFound(err, "resource", s.Payload.Scope.ResourceID)
	}
	cluster := res.Cluster
	if cluster == "" {
		cluster = e.Config.Approval.DefaultCluster
	}
	if selected != "" && selected != cluster {
		return "", domain.ValidationError{Field: "selected_cluster", Reason: "fixed by the existing resource on " + cluster}
	}
	return cluster, nil
}

func (e Engine) afterDecision(ctx context.Context, p auth.Principal, s subject, status, kind string) (domain.Ticket, error) {
	metrics.RecordDecision(status)
	t, err := e.Repo.GetTicket(ctx, s.Ticket.ID)
	if err != nil {
		return domain.Ticket{}, err
	}
	e.notify(ctx, notify.Notification{
		Type:        kind,
		EventID:     s.Event.ID,
		TicketID:    t.ID,
		AggregateID: s.Event.AggregateID,
		ActorID:     p.ActorID,
		Status:      t.Status,
	})
	return t, nil
}

// opKind is the job kind for an event type. Batch children are plain
// creates.
func opKind(op domain.Operation) domain.Operation {
	if op == domain.OpBatchVMCreate {
		return domain.OpVMCreate
	}
	return op
}
