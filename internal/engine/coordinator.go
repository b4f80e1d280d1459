package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"shepherd/internal/audit"
	"shepherd/internal/domain"
	"shepherd/internal/engine/auth"
	"shepherd/internal/queue"
	"shepherd/internal/repo"
)

// plan is a validated request ready to be written.
type plan struct {
	op            domain.Operation
	aggregateType string
	aggregateID   string
	payload       domain.Payload
	permission    string
	// authResource is the resource the permission is checked against.
	authResource string
	queue        string
	target       domain.Resource
}

// VMID derives the aggregate id of a VM from its scope, so two requests for
// the same VM collide on the in-flight index.
func VMID(serviceID, namespace, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(serviceID+"/"+namespace+"/"+name)).String()
}

func (e Engine) planRequest(ctx context.Context, req SubmitRequest) (plan, error) {
	if !req.Operation.Executable() {
		return plan{}, domain.ValidationError{Field: "operation", Reason: fmt.Sprintf("unsupported operation %q", req.Operation)}
	}
	if req.Operation == domain.OpVMCreate {
		return e.planCreate(ctx, req)
	}
	if req.Scope.ResourceID == "" {
		return plan{}, domain.ValidationError{Field: "scope.resource_id", Reason: "required"}
	}
	res, err := e.Repo.GetResource(ctx, req.Scope.ResourceID)
	if err != nil {
		return plan{}, notFound(err, "resource", req.Scope.ResourceID)
	}
	if res.Status != domain.ResourceLive {
		return plan{}, domain.NotFoundError{Kind: "resource", ID: res.ID}
	}
	pl := plan{
		op:            req.Operation,
		aggregateType: res.Kind,
		aggregateID:   res.ID,
		authResource:  res.ID,
		target:        res,
		queue:         res.Cluster,
	}
	pl.payload.Scope = domain.Scope{ResourceID: res.ID, Namespace: res.Namespace, Name: res.Name}
	if res.ParentID != nil {
		pl.payload.Scope.ServiceID = *res.ParentID
	}
	pl.payload.Spec.Reason = req.Reason
	switch req.Operation {
	case domain.OpVMStart, domain.OpVMStop, domain.OpVMRestart:
		pl.permission = auth.PermVMOperate
	case domain.OpVMDelete:
		pl.permission = auth.PermVMDelete
	case domain.OpResourceDelete:
		pl.permission = auth.PermResourceDelete
	}
	if req.Operation == domain.OpResourceDelete {
		if res.Kind == domain.KindVM {
			return plan{}, domain.ValidationError{Field: "operation", Reason: "vms are deleted with VM_DELETE"}
		}
		pl.queue = ""
	} else if res.Kind != domain.KindVM {
		return plan{}, domain.ValidationError{Field: "scope.resource_id", Reason: fmt.Sprintf("%s is a %s, not a vm", res.ID, res.Kind)}
	}
	if pl.queue == "" {
		pl.queue = e.Config.Approval.DefaultCluster
	}
	return pl, nil
}

func (e Engine) planCreate(ctx context.Context, req SubmitRequest) (plan, error) {
	scope := req.Scope
	switch {
	case scope.ServiceID == "":
		return plan{}, domain.ValidationError{Field: "scope.service_id", Reason: "required"}
	case scope.Namespace == "":
		return plan{}, domain.ValidationError{Field: "scope.namespace", Reason: "required"}
	case scope.Name == "":
		return plan{}, domain.ValidationError{Field: "scope.name", Reason: "required"}
	}
	spec := req.Spec
	if spec.Reason == "" {
		spec.Reason = req.Reason
	}
	if err := spec.Validate(); err != nil {
		return plan{}, err
	}
	svc, err := e.Repo.GetResource(ctx, scope.ServiceID)
	if err != nil {
		return plan{}, notFound(err, "service", scope.ServiceID)
	}
	if svc.Kind != domain.KindService || svc.Status != domain.ResourceLive {
		return plan{}, domain.ValidationError{Field: "scope.service_id", Reason: "must reference a live service"}
	}
	id := VMID(svc.ID, scope.Namespace, scope.Name)
	if existing, err := e.Repo.GetResource(ctx, id); err == nil && existing.Status == domain.ResourceLive {
		return plan{}, domain.ValidationError{Field: "scope.name", Reason: fmt.Sprintf("vm %s already exists in %s", scope.Name, scope.Namespace)}
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return plan{}, err
	}
	return plan{
		op:            domain.OpVMCreate,
		aggregateType: domain.KindVM,
		aggregateID:   id,
		payload: domain.Payload{
			Scope: domain.Scope{ServiceID: svc.ID, Namespace: scope.Namespace, Name: scope.Name, ResourceID: id},
			Spec:  spec,
		},
		permission:   auth.PermVMCreate,
		authResource: svc.ID,
		queue:        e.Config.Approval.DefaultCluster,
		target:       svc,
	}, nil
}

// requestRows is what one submission wrote.
type requestRows struct {
	Event  domain.Event
	Ticket *domain.Ticket
	Job    *domain.Job
}

// insertOptions selects how the request enters the lifecycle. An empty
// TicketStatus writes no ticket and enqueues immediately; APPROVED writes a
// decided ticket and enqueues; PENDING_APPROVAL waits for a decision.
type insertOptions struct {
	TicketStatus   string
	ParentTicketID string
	DecidedBy      string
}

// insertRequestTx writes the event, its ticket and its job inside tx. The
// in-flight check and the partial unique index both report a duplicate as
// DUPLICATE_PENDING_REQUEST.
func (e Engine) insertRequestTx(ctx context.Context, tx *sql.Tx, p auth.Principal, pl plan, opts insertOptions) (requestRows, error) {
	existing, err := e.Repo.InflightEventTx(ctx, tx, pl.aggregateID, pl.op)
	if err == nil {
		return requestRows{}, duplicateError(pl, existing.ID)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return requestRows{}, fmt.Errorf("duplicate check: %w", err)
	}
	raw, err := pl.payload.Marshal()
	if err != nil {
		return requestRows{}, err
	}
	now := e.stamp()
	evt := domain.Event{
		ID:            uuid.NewString(),
		Type:          pl.op,
		AggregateType: pl.aggregateType,
		AggregateID:   pl.aggregateID,
		Payload:       raw,
		Status:        domain.EventPending,
		TenantID:      p.TenantID,
		CreatedBy:     p.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertEventTx(ctx, tx, evt); err != nil {
		if repo.IsUniqueViolation(err) {
			return requestRows{}, duplicateError(pl, "")
		}
		return requestRows{}, fmt.Errorf("insert event: %w", err)
	}
	rows := requestRows{Event: evt}
	if opts.TicketStatus != "" {
		t := domain.Ticket{
			ID:        uuid.NewString(),
			EventID:   evt.ID,
			Status:    opts.TicketStatus,
			Requester: p.ActorID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if opts.ParentTicketID != "" {
			parent := opts.ParentTicketID
			t.ParentTicketID = &parent
		}
		if opts.TicketStatus == domain.TicketApproved {
			t.DecidedBy = opts.DecidedBy
			t.SelectedCluster = pl.queue
		}
		if err := e.Repo.InsertTicketTx(ctx, tx, t); err != nil {
			return requestRows{}, fmt.Errorf("insert ticket: %w", err)
		}
		rows.Ticket = &t
	}
	if opts.TicketStatus != domain.TicketPendingApproval {
		enq := queue.EnqueueOptions{
			Kind:        string(pl.op),
			EventID:     evt.ID,
			Queue:       pl.queue,
			MaxAttempts: e.Config.Worker.MaxAttempts,
		}
		if rows.Ticket != nil {
			enq.TicketID = rows.Ticket.ID
		}
		job, err := e.Queue.EnqueueTx(ctx, tx, enq)
		if err != nil {
			return requestRows{}, err
		}
		rows.Job = &job
	}
	payload := audit.Payload{"operation": string(pl.op), "aggregate_id": pl.aggregateID}
	if rows.Ticket != nil {
		payload["ticket_id"] = rows.Ticket.ID
	}
	if rows.Job != nil {
		payload["job_id"] = rows.Job.ID
	}
	if err := e.Audit.Append(ctx, tx, audit.RequestSubmitted, "event", evt.ID, p.ActorID, payload); err != nil {
		return requestRows{}, err
	}
	return rows, nil
}

func duplicateError(pl plan, existingID string) error {
	msg := fmt.Sprintf("%s already pending for %s", pl.op, pl.aggregateID)
	if existingID != "" {
		msg += " (event " + existingID + ")"
	}
	return domain.ConflictError{Code: domain.CodeDuplicatePending, Message: msg}
}
