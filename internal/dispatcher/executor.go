// Package dispatcher consumes the durable job queue. The Executor runs one
// job against the provider; the Pool runs executors per execution domain.
package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"shepherd/internal/audit"
	"shepherd/internal/backoff"
	"shepherd/internal/domain"
	"shepherd/internal/engine"
	"shepherd/internal/metrics"
	"shepherd/internal/notify"
	"shepherd/internal/provider"
	"shepherd/internal/queue"
	"shepherd/internal/repo"
)

const actorDispatcher = "dispatcher"

// errClosed stops a job whose ticket or event was closed before the claim.
var errClosed = errors.New("request closed before execution")

// Executor runs one claimed job: it resolves the event, computes the
// effective spec, calls the provider outside any transaction, and records
// the outcome.
type Executor struct {
	DB       *sql.DB
	Repo     repo.Repo
	Queue    queue.Queue
	Audit    audit.Writer
	Provider provider.Provider
	Notifier notify.Sender
	Backoff  backoff.Strategy
	Timeout  time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewExecutor shares the engine's store, clock and notifier.
func NewExecutor(e engine.Engine, p provider.Provider) *Executor {
	w := e.Config.Worker
	return &Executor{
		DB:       e.DB,
		Repo:     e.Repo,
		Queue:    e.Queue,
		Audit:    e.Audit,
		Provider: p,
		Notifier: e.Notifier,
		Backoff: backoff.New(w.Backoff.Strategy,
			time.Duration(w.Backoff.InitialMS)*time.Millisecond,
			time.Duration(w.Backoff.MaxMS)*time.Millisecond),
		Timeout: w.Timeout(),
		Logger:  e.Logger,
		Now:     e.Now,
	}
}

func (x *Executor) stamp() string {
	now := time.Now
	if x.Now != nil {
		now = x.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (x *Executor) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return slog.Default()
}

func (x *Executor) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// work is everything the provider call needs, loaded before it.
type work struct {
	job     domain.Job
	event   domain.Event
	ticket  *domain.Ticket
	payload domain.Payload
	spec    domain.VMSpec
}

// Execute runs j to an outcome. A nil return means the job is finished, by
// success or because there was nothing left to do. Transient failures are
// rescheduled and returned as TransientExecutionError; exhausted or
// unrecoverable ones as TerminalExecutionError.
func (x *Executor) Execute(ctx context.Context, j domain.Job) error {
	// Outcome writes must land even when the pool is cancelling ctx.
	dbctx := context.WithoutCancel(ctx)
	log := x.logger().With(
		slog.String("job_id", j.ID),
		slog.String("event_id", j.EventID),
		slog.String("queue", j.Queue),
		slog.Int("attempt", j.Attempts),
	)

	w, err := x.claim(dbctx, j)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if cerr := x.Queue.Cancel(dbctx, j.ID, "event missing"); cerr != nil {
			return cerr
		}
		log.Warn("job cancelled, event no longer exists")
		metrics.RecordJob(j.Queue, j.Kind, "cancelled", 0)
		return domain.TerminalExecutionError{Reason: "event " + j.EventID + " missing"}
	case errors.Is(err, errClosed):
		log.Info("job skipped, request already closed")
		metrics.RecordJob(j.Queue, j.Kind, "skipped", 0)
		return nil
	case err != nil:
		var terminal domain.TerminalExecutionError
		if !errors.As(err, &terminal) {
			err = domain.TransientExecutionError{Err: err}
		}
		return x.fail(dbctx, log, j, nil, err)
	}

	done := metrics.JobStarted(j.Queue)
	start := time.Now()
	result, adopted, callErr := x.call(ctx, w)
	elapsed := time.Since(start)
	done()

	if callErr != nil {
		metrics.RecordJob(j.Queue, j.Kind, "error", elapsed)
		return x.fail(dbctx, log, j, &w, callErr)
	}
	if err := x.succeed(dbctx, w, result, adopted); err != nil {
		metrics.RecordJob(j.Queue, j.Kind, "error", elapsed)
		var terminal domain.TerminalExecutionError
		if !errors.As(err, &terminal) {
			// The side effect happened; a redelivery takes the adoption path.
			err = domain.TransientExecutionError{Err: err}
		}
		return x.fail(dbctx, log, j, &w, err)
	}
	metrics.RecordJob(j.Queue, j.Kind, "success", elapsed)
	log.Info("job completed", slog.Bool("adopted", adopted), slog.Duration("elapsed", elapsed))
	x.notify(dbctx, w, notify.TypeSucceeded, domain.EventCompleted, nil)
	return nil
}

// claim loads the event and moves it to PROCESSING and its ticket to
// EXECUTING in one transaction. From here on the request can no longer be
// cancelled.
func (x *Executor) claim(ctx context.Context, j domain.Job) (work, error) {
	evt, err := x.Repo.GetEvent(ctx, j.EventID)
	if err != nil {
		return work{}, err
	}
	w := work{job: j, event: evt}
	if domain.EventTerminal(evt.Status) {
		return work{}, x.commitClosed(ctx, j)
	}
	w.payload, err = domain.ParsePayload(evt.Payload)
	if err != nil {
		return work{}, domain.TerminalExecutionError{Reason: "payload unreadable", Err: err}
	}
	err = x.withTx(ctx, func(tx *sql.Tx) error {
		now := x.stamp()
		if j.TicketID != nil {
			ok, err := x.Repo.TransitionTicketTx(ctx, tx, *j.TicketID, repo.TicketTransition{
				From: []string{domain.TicketApproved, domain.TicketExecuting},
				To:   domain.TicketExecuting,
				Now:  now,
			})
			if err != nil {
				return err
			}
			if !ok {
				return errClosed
			}
			t, err := x.Repo.GetTicketTx(ctx, tx, *j.TicketID)
			if err != nil {
				return err
			}
			w.ticket = &t
		}
		ok, err := x.Repo.TransitionEventTx(ctx, tx, evt.ID, []string{domain.EventPending, domain.EventProcessing}, domain.EventProcessing, now)
		if err != nil {
			return err
		}
		if !ok {
			return errClosed
		}
		return x.checkCatalogTx(ctx, tx, domain.Operation(j.Kind), w.payload.Scope)
	})
	if errors.Is(err, errClosed) {
		return work{}, x.commitClosed(ctx, j)
	}
	if err != nil {
		return work{}, err
	}
	eff := domain.Effective{Original: w.payload.Spec}
	if w.ticket != nil && w.ticket.ModifiedSpec != nil {
		var override domain.VMSpec
		if err := json.Unmarshal([]byte(*w.ticket.ModifiedSpec), &override); err != nil {
			return work{}, domain.TerminalExecutionError{Reason: "modified spec unreadable", Err: err}
		}
		eff.Override = &override
	}
	w.spec = eff.Spec()
	return w, nil
}

// checkCatalogTx refuses work the catalog no longer allows: a create under a
// service that is gone, or a resource delete that would orphan children
// requested since it was submitted.
func (x *Executor) checkCatalogTx(ctx context.Context, tx *sql.Tx, op domain.Operation, scope domain.Scope) error {
	switch op {
	case domain.OpVMCreate:
		svc, err := x.Repo.GetResourceTx(ctx, tx, scope.ServiceID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err != nil || svc.Status != domain.ResourceLive {
			return domain.TerminalExecutionError{Reason: "service " + scope.ServiceID + " is no longer live"}
		}
	case domain.OpResourceDelete:
		n, err := x.Repo.CountDeleteBlockersTx(ctx, tx, scope.ResourceID)
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.TerminalExecutionError{Reason: "resource " + scope.ResourceID + " has children", Err: domain.RestrictedError{ChildCount: n}}
		}
	}
	return nil
}

// commitClosed settles a job whose request closed under it: cancelled when
// the ticket was rejected or cancelled, completed when the event already
// ended.
func (x *Executor) commitClosed(ctx context.Context, j domain.Job) error {
	err := x.withTx(ctx, func(tx *sql.Tx) error {
		if j.TicketID != nil {
			t, err := x.Repo.GetTicketTx(ctx, tx, *j.TicketID)
			if err != nil {
				return err
			}
			if t.Status == domain.TicketRejected || t.Status == domain.TicketCancelled {
				if err := x.Queue.CancelTx(ctx, tx, j.ID, "ticket "+t.Status); err != nil {
					return err
				}
				return x.Audit.Append(ctx, tx, audit.JobDiscarded, "job", j.ID, actorDispatcher, audit.Payload{
					"event_id":      j.EventID,
					"ticket_status": t.Status,
				})
			}
		}
		return x.Queue.CompleteTx(ctx, tx, j.ID)
	})
	if err != nil {
		return err
	}
	return errClosed
}

// call invokes the provider with a hard timeout. An already-applied effect
// is adopted as success.
func (x *Executor) call(ctx context.Context, w work) (provider.Result, bool, error) {
	op := domain.Operation(w.job.Kind)
	if !provider.NeedsProvider(op) {
		return provider.Result{ResourceID: w.payload.Scope.ResourceID, Detail: "catalog"}, false, nil
	}
	timeout := x.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := provider.Execute(callCtx, x.Provider, provider.Request{
		Operation:  op,
		ResourceID: w.payload.Scope.ResourceID,
		Cluster:    w.job.Queue,
		Scope:      w.payload.Scope,
		Spec:       w.spec,
	})
	switch {
	case err == nil:
		return res, false, nil
	case op == domain.OpVMCreate && errors.Is(err, provider.ErrAlreadyExists):
		return provider.Result{ResourceID: w.payload.Scope.ResourceID, Detail: "adopted"}, true, nil
	case op == domain.OpVMDelete && errors.Is(err, provider.ErrNotFound):
		return provider.Result{ResourceID: w.payload.Scope.ResourceID, Detail: "already gone"}, true, nil
	case errors.Is(err, provider.ErrNotFound):
		return provider.Result{}, false, domain.TerminalExecutionError{Reason: "target missing on cluster", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return provider.Result{}, false, domain.TransientExecutionError{Err: fmt.Errorf("provider timed out after %s", timeout)}
	}
	var terminal domain.TerminalExecutionError
	if errors.As(err, &terminal) {
		return provider.Result{}, false, err
	}
	return provider.Result{}, false, domain.TransientExecutionError{Err: err}
}

// succeed records a completed side effect in one transaction.
func (x *Executor) succeed(ctx context.Context, w work, result provider.Result, adopted bool) error {
	var created *domain.Resource
	if domain.Operation(w.job.Kind) == domain.OpVMCreate {
		res, err := x.vmRecord(ctx, w)
		if err != nil {
			return err
		}
		created = &res
	}
	return x.withTx(ctx, func(tx *sql.Tx) error {
		now := x.stamp()
		if err := x.Queue.CompleteTx(ctx, tx, w.job.ID); err != nil {
			return err
		}
		if _, err := x.Repo.TransitionEventTx(ctx, tx, w.event.ID, []string{domain.EventPending, domain.EventProcessing}, domain.EventCompleted, now); err != nil {
			return err
		}
		switch domain.Operation(w.job.Kind) {
		case domain.OpVMCreate:
			if err := x.Repo.UpsertResourceTx(ctx, tx, *created); err != nil {
				return fmt.Errorf("record vm: %w", err)
			}
		case domain.OpVMDelete, domain.OpResourceDelete:
			if err := x.Repo.MarkResourceDeletedTx(ctx, tx, w.payload.Scope.ResourceID, now); err != nil {
				return err
			}
		}
		if err := x.closeTicketTx(ctx, tx, w.job.TicketID, domain.TicketSuccess, now); err != nil {
			return err
		}
		return x.Audit.Append(ctx, tx, audit.JobSucceeded, "event", w.event.ID, actorDispatcher, audit.Payload{
			"job_id":   w.job.ID,
			"attempt":  w.job.Attempts,
			"adopted":  adopted,
			"detail":   result.Detail,
			"resource": result.ResourceID,
		})
	})
}

func (x *Executor) vmRecord(ctx context.Context, w work) (domain.Resource, error) {
	svc, err := x.Repo.GetResource(ctx, w.payload.Scope.ServiceID)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("load service %s: %w", w.payload.Scope.ServiceID, err)
	}
	if svc.Status != domain.ResourceLive {
		return domain.Resource{}, domain.TerminalExecutionError{Reason: "service " + svc.ID + " was deleted during the create"}
	}
	now := x.stamp()
	parent := svc.ID
	return domain.Resource{
		ID:          w.payload.Scope.ResourceID,
		Kind:        domain.KindVM,
		Name:        w.payload.Scope.Name,
		ParentID:    &parent,
		Environment: svc.Environment,
		Sensitivity: svc.Sensitivity,
		Cluster:     w.job.Queue,
		Namespace:   w.payload.Scope.Namespace,
		Status:      domain.ResourceLive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// closeTicketTx ends the job's ticket, if it has one, and settles its batch.
// It needs only the job, so a request that failed before its claim still
// closes.
func (x *Executor) closeTicketTx(ctx context.Context, tx *sql.Tx, ticketID *string, status, now string) error {
	if ticketID == nil {
		return nil
	}
	if _, err := x.Repo.TransitionTicketTx(ctx, tx, *ticketID, repo.TicketTransition{
		From: []string{domain.TicketApproved, domain.TicketExecuting},
		To:   status,
		Now:  now,
	}); err != nil {
		return err
	}
	t, err := x.Repo.GetTicketTx(ctx, tx, *ticketID)
	if err != nil {
		return err
	}
	if t.ParentTicketID != nil {
		return x.Repo.SettleBatchTx(ctx, tx, *t.ParentTicketID, now)
	}
	return nil
}

// fail reschedules j, or ends the request as FAILED when the error is
// terminal or the attempts are used up.
func (x *Executor) fail(ctx context.Context, log *slog.Logger, j domain.Job, w *work, cause error) error {
	var terminal domain.TerminalExecutionError
	if !errors.As(cause, &terminal) && j.Attempts < j.MaxAttempts {
		delay := time.Duration(0)
		if x.Backoff != nil {
			delay = x.Backoff.Delay(j.Attempts)
		}
		if err := x.Queue.Retry(ctx, j.ID, delay, cause.Error()); err != nil {
			return err
		}
		log.Warn("job failed, retry scheduled", slog.Duration("delay", delay), slog.String("error", cause.Error()))
		var transient domain.TransientExecutionError
		if errors.As(cause, &transient) {
			return cause
		}
		return domain.TransientExecutionError{Err: cause}
	}
	err := x.withTx(ctx, func(tx *sql.Tx) error {
		now := x.stamp()
		if err := x.Queue.FailTx(ctx, tx, j.ID, cause.Error()); err != nil {
			return err
		}
		if _, err := x.Repo.TransitionEventTx(ctx, tx, j.EventID, []string{domain.EventPending, domain.EventProcessing}, domain.EventFailed, now); err != nil {
			return err
		}
		if err := x.closeTicketTx(ctx, tx, j.TicketID, domain.TicketFailed, now); err != nil {
			return err
		}
		return x.Audit.Append(ctx, tx, audit.JobFailed, "event", j.EventID, actorDispatcher, audit.Payload{
			"job_id":   j.ID,
			"attempts": j.Attempts,
			"error":    cause.Error(),
		})
	})
	if err != nil {
		return err
	}
	log.Error("job failed permanently", slog.String("error", cause.Error()))
	if w == nil {
		w = &work{job: j, event: domain.Event{ID: j.EventID}}
	}
	x.notify(ctx, *w, notify.TypeFailed, domain.EventFailed, map[string]any{"error": cause.Error()})
	if errors.As(cause, &terminal) {
		return cause
	}
	return domain.TerminalExecutionError{Reason: "attempts exhausted", Err: cause}
}

func (x *Executor) notify(ctx context.Context, w work, kind, status string, details map[string]any) {
	n := notify.Notification{
		Type:        kind,
		EventID:     w.event.ID,
		AggregateID: w.event.AggregateID,
		ActorID:     actorDispatcher,
		Status:      status,
		TS:          x.stamp(),
		Details:     details,
	}
	if w.job.TicketID != nil {
		n.TicketID = *w.job.TicketID
	}
	notify.Deliver(ctx, x.Notifier, x.logger(), n)
}
