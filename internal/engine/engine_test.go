package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"shepherd/internal/config"
	"shepherd/internal/db"
	"shepherd/internal/domain"
	"shepherd/internal/engine"
	"shepherd/internal/engine/auth"
	"shepherd/internal/migrate"
	"shepherd/internal/repo"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Clock   *clock
	System  domain.Resource
	Service domain.Resource
}

var admin = auth.Principal{ActorID: "admin", Source: auth.SourceHeader}

func user(id string) auth.Principal { return auth.Principal{ActorID: id, Source: auth.SourceHeader} }

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
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
	eng := engine.New(conn, cfg).WithClock(clk.Now)
	ctx := context.Background()
	if err := eng.SeedRoles(ctx); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
	if ok, err := eng.BootstrapAdmin(ctx, "admin"); err != nil || !ok {
		t.Fatalf("bootstrap admin: %v %v", ok, err)
	}
	sys := auth.System("test")
	system, err := eng.RegisterResource(ctx, sys, engine.RegisterOptions{Kind: domain.KindSystem, Name: "payments", Environment: "test"})
	if err != nil {
		t.Fatalf("register system: %v", err)
	}
	service, err := eng.RegisterResource(ctx, sys, engine.RegisterOptions{Kind: domain.KindService, Name: "api", ParentID: system.ID})
	if err != nil {
		t.Fatalf("register service: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: clk, System: system, Service: service}
}

func (env testEnv) create(name string) engine.SubmitRequest {
	return engine.SubmitRequest{
		Operation: domain.OpVMCreate,
		Scope:     domain.Scope{ServiceID: env.Service.ID, Namespace: "default", Name: name},
		Spec:      domain.VMSpec{TemplateID: "ubuntu-22.04", CPU: 2, MemoryMB: 2048},
		Reason:    "capacity",
	}
}

func (env testEnv) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func (env testEnv) grant(t *testing.T, userID, role, scopeID string, envs ...string) domain.RoleBinding {
	t.Helper()
	if len(envs) == 0 {
		envs = []string{"*"}
	}
	b, err := env.Engine.Grant(env.Ctx, admin, engine.GrantOptions{UserID: userID, RoleID: role, ScopeID: scopeID, Environments: envs})
	if err != nil {
		t.Fatalf("grant %s %s: %v", userID, role, err)
	}
	return b
}

func TestSubmitWritesEventAndTicketTogether(t *testing.T) {
	env := newTestEnv(t, nil)
	env.grant(t, "dev", "developer", env.System.ID)
	res, err := env.Engine.Submit(env.Ctx, user("dev"), env.create("web"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.TicketPendingApproval || res.TicketID == "" || res.JobID != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.AggregateID != engine.VMID(env.Service.ID, "default", "web") {
		t.Fatalf("aggregate id must derive from scope, got %s", res.AggregateID)
	}
	evt, err := env.Engine.GetEvent(env.Ctx, user("dev"), res.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if evt.Status != domain.EventPending || evt.CreatedBy != "dev" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if env.count(t, "domain_events") != 1 || env.count(t, "approval_tickets") != 1 || env.count(t, "jobs") != 0 {
		t.Fatalf("expected one event, one ticket, no job")
	}
}

func TestSubmitForbiddenWritesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.Submit(env.Ctx, user("stranger"), env.create("web"))
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Permission != auth.PermVMCreate {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if env.count(t, "domain_events") != 0 {
		t.Fatalf("forbidden submit left an event behind")
	}
}

func TestDuplicateUntilTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	first, err := env.Engine.Submit(env.Ctx, admin, env.create("web"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = env.Engine.Submit(env.Ctx, admin, env.create("web"))
	if !domain.IsConflict(err, domain.CodeDuplicatePending) {
		t.Fatalf("expected duplicate conflict, got %v", err)
	}
	if _, err := env.Engine.Reject(env.Ctx, admin, first.TicketID, "not now"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	evt, _ := env.Engine.Repo.GetEvent(env.Ctx, first.EventID)
	if evt.Status != domain.EventCancelled {
		t.Fatalf("rejected request must cancel its event, got %s", evt.Status)
	}
	if _, err := env.Engine.Submit(env.Ctx, admin, env.create("web")); err != nil {
		t.Fatalf("resubmit after terminal: %v", err)
	}
}

func TestConcurrentDuplicateSubmit(t *testing.T) {
	env := newTestEnv(t, nil)
	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dup  int
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.Engine.Submit(env.Ctx, admin, env.create("web"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case domain.IsConflict(err, domain.CodeDuplicatePending):
				dup++
			default:
				errs = append(errs, err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("unexpected submit errors: %v", errs)
	}
	if ok != 1 || dup != n-1 {
		t.Fatalf("expected exactly one accepted submission, got ok=%d dup=%d", ok, dup)
	}
	if got := env.count(t, "domain_events"); got != 1 {
		t.Fatalf("expected one event, got %d", got)
	}
}

func TestBatchIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	batch, err := env.Engine.SubmitBatch(env.Ctx, admin, env.create("node"), 4)
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if len(batch.Children) != 4 || batch.Status != domain.TicketPendingApproval {
		t.Fatalf("unexpected batch %+v", batch)
	}
	children, err := env.Engine.ListChildTickets(env.Ctx, admin, batch.ParentTicketID)
	if err != nil || len(children) != 4 {
		t.Fatalf("children: %d %v", len(children), err)
	}
	events := env.count(t, "domain_events")
	tickets := env.count(t, "approval_tickets")

	// An in-flight request for other-3 makes the third item of the next batch fail.
	if _, err := env.Engine.Submit(env.Ctx, admin, env.create("other-3")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = env.Engine.SubmitBatch(env.Ctx, admin, env.create("other"), 5)
	if !domain.IsConflict(err, domain.CodeDuplicatePending) {
		t.Fatalf("expected duplicate conflict, got %v", err)
	}
	if got := env.count(t, "domain_events"); got != events+1 {
		t.Fatalf("failed batch left rows: %d events, want %d", got, events+1)
	}
	if got := env.count(t, "approval_tickets"); got != tickets+1 {
		t.Fatalf("failed batch left tickets: %d, want %d", got, tickets+1)
	}
}

func TestBatchApproveEnqueuesEveryChild(t *testing.T) {
	env := newTestEnv(t, nil)
	batch, err := env.Engine.SubmitBatch(env.Ctx, admin, env.create("node"), 3)
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	_, err = env.Engine.Approve(env.Ctx, admin, batch.Children[0].TicketID, engine.ApproveOptions{})
	if !domain.IsConflict(err, domain.CodeInvalidTransition) {
		t.Fatalf("children follow the parent, got %v", err)
	}
	parent, err := env.Engine.Approve(env.Ctx, admin, batch.ParentTicketID, engine.ApproveOptions{SelectedCluster: "cluster-b"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if parent.Status != domain.TicketApproved || parent.SelectedCluster != "cluster-b" {
		t.Fatalf("unexpected parent %+v", parent)
	}
	depth, err := env.Engine.Queue.Depth(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth["cluster-b"] != 3 {
		t.Fatalf("expected 3 jobs on cluster-b, got %v", depth)
	}
	st, err := env.Engine.GetBatchStatus(env.Ctx, admin, batch.ParentTicketID)
	if err != nil {
		t.Fatalf("batch status: %v", err)
	}
	if st.PendingCount != 3 || st.Status != domain.BatchInProgress || st.Decision != domain.TicketApproved {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestModifiedSpecRejectsScopeKeys(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := env.Engine.Submit(env.Ctx, admin, env.create("web"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = env.Engine.Approve(env.Ctx, admin, res.TicketID, engine.ApproveOptions{
		ModifiedSpec: json.RawMessage(`{"cpu":4,"memory_mb":4096,"namespace":"kube-system"}`),
	})
	var verr domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "modified_spec.namespace" {
		t.Fatalf("expected validation error on namespace, got %v", err)
	}
	tk, err := env.Engine.GetTicket(env.Ctx, admin, res.TicketID)
	if err != nil || tk.Status != domain.TicketPendingApproval {
		t.Fatalf("ticket must stay pending: %+v %v", tk, err)
	}

	tk, err = env.Engine.Approve(env.Ctx, admin, res.TicketID, engine.ApproveOptions{
		ModifiedSpec:       json.RawMessage(`{"cpu":4,"memory_mb":4096}`),
		ModificationReason: "bigger",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if tk.ModifiedSpec == nil || tk.ModificationReason != "bigger" {
		t.Fatalf("override not recorded: %+v", tk)
	}
}

func TestDeleteRestrictedMutatesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.RequestDelete(env.Ctx, admin, engine.DeleteRequest{ResourceID: env.System.ID, Confirm: true})
	var restricted domain.RestrictedError
	if !errors.As(err, &restricted) || restricted.ChildCount != 1 {
		t.Fatalf("expected restricted with one child, got %v", err)
	}
	if env.count(t, "domain_events") != 0 || env.count(t, "approval_tickets") != 0 || env.count(t, "jobs") != 0 {
		t.Fatalf("restricted delete wrote rows")
	}
	res, err := env.Engine.GetResource(env.Ctx, admin, env.System.ID)
	if err != nil || res.Status != domain.ResourceLive {
		t.Fatalf("system must stay live: %+v %v", res, err)
	}
}

func TestDeleteCountsInflightCreates(t *testing.T) {
	env := newTestEnv(t, nil)
	pending, err := env.Engine.Submit(env.Ctx, admin, env.create("web"))
	if err != nil {
		t.Fatalf("submit create: %v", err)
	}
	_, err = env.Engine.RequestDelete(env.Ctx, admin, engine.DeleteRequest{ResourceID: env.Service.ID, Confirm: true})
	var restricted domain.RestrictedError
	if !errors.As(err, &restricted) || restricted.ChildCount != 1 {
		t.Fatalf("expected restricted by the pending create, got %v", err)
	}
	if got := env.count(t, "domain_events"); got != 1 {
		t.Fatalf("restricted delete wrote an event")
	}
	if _, err := env.Engine.Reject(env.Ctx, admin, pending.TicketID, "not needed"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.Engine.RequestDelete(env.Ctx, admin, engine.DeleteRequest{ResourceID: env.Service.ID, Confirm: true}); err != nil {
		t.Fatalf("delete once the create closed: %v", err)
	}
}

func TestStrictDeleteConfirmation(t *testing.T) {
	env := newTestEnv(t, nil)
	prod, err := env.Engine.RegisterResource(env.Ctx, auth.System("test"), engine.RegisterOptions{Kind: domain.KindSystem, Name: "ledger", Environment: "prod"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = env.Engine.RequestDelete(env.Ctx, admin, engine.DeleteRequest{ResourceID: prod.ID, Confirm: true})
	var required domain.ConfirmationRequiredError
	if !errors.As(err, &required) || !required.Strict || required.Expected != "ledger" {
		t.Fatalf("expected strict confirmation, got %v", err)
	}
	_, err = env.Engine.RequestDelete(env.Ctx, admin, engine.DeleteRequest{ResourceID: prod.ID, ConfirmName: "Ledger"})
	if !domain.IsConflict(err, domain.CodeConfirmationMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	res, err := env.Engine.RequestDelete(env.Ctx, admin, engine.DeleteRequest{ResourceID: prod.ID, ConfirmName: "ledger"})
	if err != nil {
		t.Fatalf("exact name: %v", err)
	}
	if res.Status != domain.TicketPendingApproval {
		t.Fatalf("unexpected result %+v", res)
	}

	// Non-strict resources only need the flag.
	_, err = env.Engine.RequestDelete(env.Ctx, admin, engine.DeleteRequest{ResourceID: env.Service.ID})
	if !errors.As(err, &required) || required.Strict {
		t.Fatalf("expected plain confirmation, got %v", err)
	}
}

func TestRootGrantCoversDescendants(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.grant(t, "owner-1", "owner", env.System.ID, "test")
	d, err := env.Engine.CheckPermission(env.Ctx, user("owner-1"), auth.Query{Permission: auth.PermVMCreate, ResourceID: env.Service.ID})
	if err != nil || !d.Allowed || d.RootID != env.System.ID {
		t.Fatalf("expected allowed via root: %+v %v", d, err)
	}
	_, err = env.Engine.Grant(env.Ctx, admin, engine.GrantOptions{UserID: "owner-1", RoleID: "owner", ScopeID: env.Service.ID, Environments: []string{"test"}})
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("bindings on non-roots must fail, got %v", err)
	}
	if err := env.Engine.Revoke(env.Ctx, admin, b.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	d, err = env.Engine.CheckPermission(env.Ctx, user("owner-1"), auth.Query{Permission: auth.PermVMCreate, ResourceID: env.Service.ID})
	if err != nil || d.Allowed {
		t.Fatalf("revoked binding still grants: %+v %v", d, err)
	}
}

func TestEnvironmentRestrictsBinding(t *testing.T) {
	env := newTestEnv(t, nil)
	env.grant(t, "dev", "developer", env.System.ID, "prod")
	_, err := env.Engine.Submit(env.Ctx, user("dev"), env.create("web"))
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("binding limited to prod must not cover test, got %v", err)
	}
}

func TestCancelRules(t *testing.T) {
	env := newTestEnv(t, nil)
	env.grant(t, "dev", "developer", env.System.ID)
	res, err := env.Engine.Submit(env.Ctx, user("dev"), env.create("web"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = env.Engine.Cancel(env.Ctx, admin, res.TicketID, "")
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("only the requester may cancel, got %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, admin, res.TicketID, engine.ApproveOptions{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	jobs, err := env.Engine.Queue.ListByEvent(env.Ctx, res.EventID)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected one job: %d %v", len(jobs), err)
	}
	tk, err := env.Engine.Cancel(env.Ctx, user("dev"), res.TicketID, "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if tk.Status != domain.TicketCancelled {
		t.Fatalf("unexpected ticket %+v", tk)
	}
	j, err := env.Engine.Queue.Get(env.Ctx, jobs[0].ID)
	if err != nil || j.State != domain.JobCancelled {
		t.Fatalf("job must be cancelled with the ticket: %+v %v", j, err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, user("dev"), res.TicketID, ""); !domain.IsConflict(err, domain.CodeInvalidTransition) {
		t.Fatalf("second cancel must be an invalid transition, got %v", err)
	}
}

func TestAutoApprovedRequestEnqueuesDirectly(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Approval.Required = []string{} })
	res, err := env.Engine.Submit(env.Ctx, admin, env.create("web"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.TicketApproved || res.TicketID != "" || res.JobID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestArchiveSweepIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := env.Engine.Submit(env.Ctx, admin, env.create("web"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Reject(env.Ctx, admin, res.TicketID, "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, admin, env.create("db")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.ArchiveSweep(env.Ctx, user("stranger"), 0); err == nil {
		t.Fatalf("archive needs event:archive")
	}
	env.Clock.t = env.Clock.t.Add(91 * 24 * time.Hour)
	n, err := env.Engine.ArchiveSweep(env.Ctx, admin, 0)
	if err != nil || n != 1 {
		t.Fatalf("expected one archived event: %d %v", n, err)
	}
	n, err = env.Engine.ArchiveSweep(env.Ctx, admin, 0)
	if err != nil || n != 0 {
		t.Fatalf("second sweep must be a no-op: %d %v", n, err)
	}
	visible, err := env.Engine.ListEvents(env.Ctx, admin, repo.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 1 || visible[0].Status != domain.EventPending {
		t.Fatalf("archived events must be hidden by default, got %d", len(visible))
	}
	all, err := env.Engine.ListEvents(env.Ctx, admin, repo.EventFilter{IncludeArchived: true})
	if err != nil || len(all) != 2 {
		t.Fatalf("expected both events with archived included: %d %v", len(all), err)
	}
}

func TestRequesterReadsOwnEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.grant(t, "dev", "developer", env.System.ID)
	res, err := env.Engine.Submit(env.Ctx, user("dev"), env.create("web"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.GetTicket(env.Ctx, user("dev"), res.TicketID); err != nil {
		t.Fatalf("requester reads ticket: %v", err)
	}
	if _, err := env.Engine.GetEvent(env.Ctx, user("nobody"), res.EventID); err == nil {
		t.Fatalf("unrelated user must not read the event")
	}
	list, err := env.Engine.ListEvents(env.Ctx, user("nobody"), repo.EventFilter{})
	if err != nil || len(list) != 0 {
		t.Fatalf("listing must drop unreadable events: %d %v", len(list), err)
	}
}
