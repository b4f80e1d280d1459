package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"shepherd/internal/backoff"
	"shepherd/internal/config"
	"shepherd/internal/db"
	"shepherd/internal/dispatcher"
	"shepherd/internal/domain"
	"shepherd/internal/engine"
	"shepherd/internal/engine/auth"
	"shepherd/internal/migrate"
	"shepherd/internal/provider"
	"shepherd/internal/queue"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type harness struct {
	e       engine.Engine
	x       *dispatcher.Executor
	mem     *provider.Memory
	clk     *clock
	service domain.Resource
}

var admin = auth.Principal{ActorID: "admin", Source: auth.SourceHeader}

func newHarness(t *testing.T, mutate func(*config.Config)) harness {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := engine.New(conn, cfg).WithClock(clk.Now)
	if err := e.SeedRoles(ctx); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
	if _, err := e.BootstrapAdmin(ctx, "admin"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	sys := auth.System("test")
	system, err := e.RegisterResource(ctx, sys, engine.RegisterOptions{Kind: domain.KindSystem, Name: "payments", Environment: "test"})
	if err != nil {
		t.Fatalf("register system: %v", err)
	}
	service, err := e.RegisterResource(ctx, sys, engine.RegisterOptions{Kind: domain.KindService, Name: "api", ParentID: system.ID})
	if err != nil {
		t.Fatalf("register service: %v", err)
	}
	mem := provider.NewMemory()
	x := dispatcher.NewExecutor(e, mem)
	x.Backoff = backoff.Constant{}
	return harness{e: e, x: x, mem: mem, clk: clk, service: service}
}

func (h harness) createRequest(name string) engine.SubmitRequest {
	return engine.SubmitRequest{
		Operation: domain.OpVMCreate,
		Scope:     domain.Scope{ServiceID: h.service.ID, Namespace: "default", Name: name},
		Spec:      domain.VMSpec{TemplateID: "ubuntu-22.04", CPU: 2, MemoryMB: 2048},
		Reason:    "load test",
	}
}

func (h harness) registerVM(t *testing.T, name string) domain.Resource {
	t.Helper()
	vm, err := h.e.RegisterResource(context.Background(), auth.System("test"), engine.RegisterOptions{
		Kind:      domain.KindVM,
		Name:      name,
		ParentID:  h.service.ID,
		Namespace: "default",
	})
	if err != nil {
		t.Fatalf("register vm: %v", err)
	}
	h.mem.Seed(vm.ID, vm.Cluster)
	return vm
}

func (h harness) claim(t *testing.T, queueName string) domain.Job {
	t.Helper()
	j, ok, err := h.e.Queue.Claim(context.Background(), queueName, "test-worker")
	if err != nil || !ok {
		t.Fatalf("claim %s: ok=%v err=%v", queueName, ok, err)
	}
	return j
}

func (h harness) eventStatus(t *testing.T, id string) string {
	t.Helper()
	evt, err := h.e.Repo.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	return evt.Status
}

func (h harness) ticketStatus(t *testing.T, id string) string {
	t.Helper()
	tk, err := h.e.Repo.GetTicket(context.Background(), id)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	return tk.Status
}

func (h harness) jobState(t *testing.T, id string) string {
	t.Helper()
	j, err := h.e.Queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return j.State
}

func TestCreateRunsOnceAcrossRedelivery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.e.Submit(ctx, admin, h.createRequest("web"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.e.Approve(ctx, admin, res.TicketID, engine.ApproveOptions{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	job := h.claim(t, "cluster-a")
	if err := h.x.Execute(ctx, job); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := h.eventStatus(t, res.EventID); got != domain.EventCompleted {
		t.Fatalf("expected completed event, got %s", got)
	}
	if got := h.ticketStatus(t, res.TicketID); got != domain.TicketSuccess {
		t.Fatalf("expected success ticket, got %s", got)
	}
	vm, err := h.e.Repo.GetResource(ctx, res.AggregateID)
	if err != nil {
		t.Fatalf("vm not recorded: %v", err)
	}
	if vm.Kind != domain.KindVM || vm.Environment != "test" || vm.Cluster != "cluster-a" || *vm.ParentID != h.service.ID {
		t.Fatalf("unexpected vm record %+v", vm)
	}

	// The same delivery again must not touch the cluster.
	if err := h.x.Execute(ctx, job); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := h.mem.Effects(domain.OpVMCreate); n != 1 {
		t.Fatalf("expected one create effect, got %d", n)
	}
}

func TestCreateAdoptsExistingVM(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.e.Submit(ctx, admin, h.createRequest("db"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.e.Approve(ctx, admin, res.TicketID, engine.ApproveOptions{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// A previous attempt created the VM but died before recording it.
	h.mem.Seed(res.AggregateID, "cluster-a")
	if err := h.x.Execute(ctx, h.claim(t, "cluster-a")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if n := h.mem.Effects(domain.OpVMCreate); n != 0 {
		t.Fatalf("adoption must not create again, got %d effects", n)
	}
	if got := h.ticketStatus(t, res.TicketID); got != domain.TicketSuccess {
		t.Fatalf("expected success, got %s", got)
	}
	if _, err := h.e.Repo.GetResource(ctx, res.AggregateID); err != nil {
		t.Fatalf("adopted vm not recorded: %v", err)
	}
}

func TestModifiedSpecReachesProvider(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.e.Submit(ctx, admin, h.createRequest("big"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = h.e.Approve(ctx, admin, res.TicketID, engine.ApproveOptions{
		ModifiedSpec:       json.RawMessage(`{"template_id":"ubuntu-22.04","cpu":8,"memory_mb":16384}`),
		ModificationReason: "sized for prod traffic",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := h.x.Execute(ctx, h.claim(t, "cluster-a")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	spec, ok := h.mem.SpecOf(res.AggregateID)
	if !ok {
		t.Fatalf("vm not created")
	}
	if spec.CPU != 8 || spec.MemoryMB != 16384 || spec.Reason != "" {
		t.Fatalf("override must replace the spec wholesale, got %+v", spec)
	}
	evt, _ := h.e.Repo.GetEvent(ctx, res.EventID)
	payload, _ := domain.ParsePayload(evt.Payload)
	if payload.Spec.CPU != 2 {
		t.Fatalf("event payload must stay as submitted, got %+v", payload.Spec)
	}
}

func TestDeleteMarksCatalog(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	vm := h.registerVM(t, "old")
	res, err := h.e.RequestDelete(ctx, admin, engine.DeleteRequest{ResourceID: vm.ID, Confirm: true})
	if err != nil {
		t.Fatalf("request delete: %v", err)
	}
	if _, err := h.e.Approve(ctx, admin, res.TicketID, engine.ApproveOptions{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := h.x.Execute(ctx, h.claim(t, vm.Cluster)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if h.mem.Exists(vm.ID) {
		t.Fatalf("vm still on cluster")
	}
	got, err := h.e.Repo.GetResource(ctx, vm.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ResourceDeleted {
		t.Fatalf("expected deleted resource, got %s", got.Status)
	}
}

func TestMissingEventCancelsJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tx, err := h.e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.e.Queue.EnqueueTx(ctx, tx, queue.EnqueueOptions{Kind: "VM_START", EventID: "gone", Queue: "cluster-a", MaxAttempts: 3}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	job := h.claim(t, "cluster-a")
	err = h.x.Execute(ctx, job)
	var terminal domain.TerminalExecutionError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if got := h.jobState(t, job.ID); got != domain.JobCancelled {
		t.Fatalf("expected cancelled job, got %s", got)
	}
}

func TestRetriesThenFails(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Worker.MaxAttempts = 2 })
	ctx := context.Background()
	vm := h.registerVM(t, "flaky")
	h.mem.Fail = func(provider.Request) error { return errors.New("cluster unavailable") }
	res, err := h.e.Submit(ctx, admin, engine.SubmitRequest{Operation: domain.OpVMStart, Scope: domain.Scope{ResourceID: vm.ID}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.TicketID != "" || res.JobID == "" {
		t.Fatalf("power ops run without a ticket: %+v", res)
	}

	err = h.x.Execute(ctx, h.claim(t, vm.Cluster))
	var transient domain.TransientExecutionError
	if !errors.As(err, &transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if got := h.jobState(t, res.JobID); got != domain.JobRetrying {
		t.Fatalf("expected retrying job, got %s", got)
	}
	if got := h.eventStatus(t, res.EventID); got != domain.EventProcessing {
		t.Fatalf("expected processing event, got %s", got)
	}

	err = h.x.Execute(ctx, h.claim(t, vm.Cluster))
	var terminal domain.TerminalExecutionError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if got := h.jobState(t, res.JobID); got != domain.JobFailed {
		t.Fatalf("expected failed job, got %s", got)
	}
	if got := h.eventStatus(t, res.EventID); got != domain.EventFailed {
		t.Fatalf("expected failed event, got %s", got)
	}
}

func TestCancelledTicketSkipsExecution(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.e.Submit(ctx, admin, h.createRequest("late"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.e.Approve(ctx, admin, res.TicketID, engine.ApproveOptions{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// Claimed before the cancel lands, executed after.
	job := h.claim(t, "cluster-a")
	if _, err := h.e.Cancel(ctx, admin, res.TicketID, "no longer needed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.x.Execute(ctx, job); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if n := h.mem.Effects(domain.OpVMCreate); n != 0 {
		t.Fatalf("cancelled request reached the cluster")
	}
	if got := h.jobState(t, job.ID); got != domain.JobCancelled {
		t.Fatalf("expected cancelled job, got %s", got)
	}
	if got := h.eventStatus(t, res.EventID); got != domain.EventCancelled {
		t.Fatalf("expected cancelled event, got %s", got)
	}
}

func TestBatchChildrenSettleParent(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Worker.MaxAttempts = 1 })
	ctx := context.Background()
	batch, err := h.e.SubmitBatch(ctx, admin, h.createRequest("node"), 3)
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if _, err := h.e.Approve(ctx, admin, batch.ParentTicketID, engine.ApproveOptions{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	h.mem.Fail = func(r provider.Request) error {
		if r.Scope.Name == "node-2" {
			return errors.New("quota exceeded")
		}
		return nil
	}
	for i := 0; i < 3; i++ {
		_ = h.x.Execute(ctx, h.claim(t, "cluster-a"))
	}
	st, err := h.e.GetBatchStatus(ctx, admin, batch.ParentTicketID)
	if err != nil {
		t.Fatalf("batch status: %v", err)
	}
	if st.SuccessCount != 2 || st.FailedCount != 1 || st.PendingCount != 0 || st.Status != domain.BatchPartialSuccess {
		t.Fatalf("unexpected batch status %+v", st)
	}
	if got := h.eventStatus(t, batch.ParentEventID); got != domain.EventCompleted {
		t.Fatalf("parent event should settle as completed, got %s", got)
	}
}

func TestPoolDrainsQueue(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Approval.Required = []string{}
		c.Worker.PollIntervalMS = 10
		c.Worker.Domains = map[string]int{"cluster-a": 2}
		c.Worker.RateLimit = 1000
		c.Worker.RateBurst = 10
	})
	ctx := context.Background()
	var events []string
	for _, name := range []string{"a", "b", "c"} {
		res, err := h.e.Submit(ctx, admin, h.createRequest(name))
		if err != nil {
			t.Fatalf("submit %s: %v", name, err)
		}
		events = append(events, res.EventID)
	}
	pool := dispatcher.NewPool(h.x, h.e.Config.Worker, nil)
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		done := 0
		for _, id := range events {
			if h.eventStatus(t, id) == domain.EventCompleted {
				done++
			}
		}
		if done == len(events) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool completed %d of %d requests", done, len(events))
		}
		time.Sleep(20 * time.Millisecond)
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := h.mem.Effects(domain.OpVMCreate); n != 3 {
		t.Fatalf("expected 3 creates, got %d", n)
	}
}

func TestUnclaimableRequestFailsTicket(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Worker.MaxAttempts = 1 })
	ctx := context.Background()
	now := h.clk.t.Format(time.RFC3339)
	tx, err := h.e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	evt := domain.Event{
		ID: "evt-garbled", Type: domain.OpVMStart, AggregateType: domain.KindVM, AggregateID: "vm-garbled",
		Payload: "{not json", Status: domain.EventPending, CreatedBy: "admin", CreatedAt: now, UpdatedAt: now,
	}
	if err := h.e.Repo.InsertEventTx(ctx, tx, evt); err != nil {
		t.Fatal(err)
	}
	tk := domain.Ticket{ID: "tk-garbled", EventID: evt.ID, Status: domain.TicketApproved, Requester: "admin", CreatedAt: now, UpdatedAt: now}
	if err := h.e.Repo.InsertTicketTx(ctx, tx, tk); err != nil {
		t.Fatal(err)
	}
	if _, err := h.e.Queue.EnqueueTx(ctx, tx, queue.EnqueueOptions{Kind: "VM_START", EventID: evt.ID, TicketID: tk.ID, Queue: "cluster-a", MaxAttempts: 1}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	job := h.claim(t, "cluster-a")
	err = h.x.Execute(ctx, job)
	var terminal domain.TerminalExecutionError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	var transient domain.TransientExecutionError
	if errors.As(err, &transient) {
		t.Fatalf("terminal claim error must not be reported as transient: %v", err)
	}
	if got := h.eventStatus(t, evt.ID); got != domain.EventFailed {
		t.Fatalf("expected failed event, got %s", got)
	}
	if got := h.ticketStatus(t, tk.ID); got != domain.TicketFailed {
		t.Fatalf("expected failed ticket, got %s", got)
	}
	if got := h.jobState(t, job.ID); got != domain.JobFailed {
		t.Fatalf("expected failed job, got %s", got)
	}
}

func TestBatchCancelRefusedAfterClaim(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	batch, err := h.e.SubmitBatch(ctx, admin, h.createRequest("node"), 2)
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if _, err := h.e.Approve(ctx, admin, batch.ParentTicketID, engine.ApproveOptions{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := h.x.Execute(ctx, h.claim(t, "cluster-a")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	_, err = h.e.Cancel(ctx, admin, batch.ParentTicketID, "too late")
	if !domain.IsConflict(err, domain.CodeInvalidTransition) {
		t.Fatalf("expected invalid transition once an item ran, got %v", err)
	}
	if err := h.x.Execute(ctx, h.claim(t, "cluster-a")); err != nil {
		t.Fatalf("execute second item: %v", err)
	}
	st, err := h.e.GetBatchStatus(ctx, admin, batch.ParentTicketID)
	if err != nil {
		t.Fatalf("batch status: %v", err)
	}
	if st.Decision != domain.TicketApproved || st.SuccessCount != 2 || st.Status != domain.BatchCompleted {
		t.Fatalf("completed batch must keep its decision, got %+v", st)
	}

	// Before any claim the whole batch may still be withdrawn.
	other, err := h.e.SubmitBatch(ctx, admin, h.createRequest("spare"), 2)
	if err != nil {
		t.Fatalf("submit second batch: %v", err)
	}
	if _, err := h.e.Approve(ctx, admin, other.ParentTicketID, engine.ApproveOptions{}); err != nil {
		t.Fatalf("approve second batch: %v", err)
	}
	if _, err := h.e.Cancel(ctx, admin, other.ParentTicketID, "not needed"); err != nil {
		t.Fatalf("cancel before claim: %v", err)
	}
	for _, child := range other.Children {
		if got := h.ticketStatus(t, child.TicketID); got != domain.TicketCancelled {
			t.Fatalf("expected cancelled child, got %s", got)
		}
	}
}

func TestServiceDeleteWaitsForCreates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	del, err := h.e.RequestDelete(ctx, admin, engine.DeleteRequest{ResourceID: h.service.ID, Confirm: true})
	if err != nil {
		t.Fatalf("request delete: %v", err)
	}
	create, err := h.e.Submit(ctx, admin, h.createRequest("late"))
	if err != nil {
		t.Fatalf("submit create: %v", err)
	}
	for _, id := range []string{del.TicketID, create.TicketID} {
		if id == "" {
			continue
		}
		if _, err := h.e.Approve(ctx, admin, id, engine.ApproveOptions{}); err != nil {
			t.Fatalf("approve %s: %v", id, err)
		}
	}
	first, second := h.claim(t, "cluster-a"), h.claim(t, "cluster-a")
	delJob, createJob := first, second
	if first.Kind != string(domain.OpResourceDelete) {
		delJob, createJob = second, first
	}

	err = h.x.Execute(ctx, delJob)
	var terminal domain.TerminalExecutionError
	if !errors.As(err, &terminal) {
		t.Fatalf("delete must fail while a create is in flight, got %v", err)
	}
	if err := h.x.Execute(ctx, createJob); err != nil {
		t.Fatalf("execute create: %v", err)
	}
	svc, err := h.e.Repo.GetResource(ctx, h.service.ID)
	if err != nil || svc.Status != domain.ResourceLive {
		t.Fatalf("service must stay live: %+v %v", svc, err)
	}
	vm, err := h.e.Repo.GetResource(ctx, create.AggregateID)
	if err != nil || vm.Status != domain.ResourceLive {
		t.Fatalf("vm not recorded: %+v %v", vm, err)
	}
	if del.TicketID != "" {
		if got := h.ticketStatus(t, del.TicketID); got != domain.TicketFailed {
			t.Fatalf("expected failed delete ticket, got %s", got)
		}
	}
}

func TestCreateRefusedUnderDeletedService(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.e.Submit(ctx, admin, h.createRequest("orphan"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.e.Approve(ctx, admin, res.TicketID, engine.ApproveOptions{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	tx, err := h.e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.e.Repo.MarkResourceDeletedTx(ctx, tx, h.service.ID, h.clk.t.Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	err = h.x.Execute(ctx, h.claim(t, "cluster-a"))
	var terminal domain.TerminalExecutionError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if n := h.mem.Effects(domain.OpVMCreate); n != 0 {
		t.Fatalf("create under a deleted service reached the cluster")
	}
	if _, err := h.e.Repo.GetResource(ctx, res.AggregateID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no vm may be recorded, got %v", err)
	}
	if got := h.ticketStatus(t, res.TicketID); got != domain.TicketFailed {
		t.Fatalf("expected failed ticket, got %s", got)
	}
}

func TestProviderTimeoutIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	vm := h.registerVM(t, "slow")
	h.mem.Delay = 2 * time.Second
	h.x.Timeout = 50 * time.Millisecond
	res, err := h.e.Submit(ctx, admin, engine.SubmitRequest{Operation: domain.OpVMStart, Scope: domain.Scope{ResourceID: vm.ID}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	start := time.Now()
	err = h.x.Execute(ctx, h.claim(t, vm.Cluster))
	if elapsed := time.Since(start); elapsed >= h.mem.Delay {
		t.Fatalf("provider call outlived the timeout: %s", elapsed)
	}
	var transient domain.TransientExecutionError
	if !errors.As(err, &transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if got := h.jobState(t, res.JobID); got != domain.JobRetrying {
		t.Fatalf("expected retrying job, got %s", got)
	}
	if got := h.eventStatus(t, res.EventID); got != domain.EventProcessing {
		t.Fatalf("expected processing event, got %s", got)
	}
	if n := h.mem.Effects(domain.OpVMStart); n != 0 {
		t.Fatalf("timed out call must not record an effect, got %d", n)
	}
}
