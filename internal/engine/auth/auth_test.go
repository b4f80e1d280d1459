package auth_test

import (
	"context"
	"errors"
	"testing"

	"shepherd/internal/db"
	"shepherd/internal/domain"
	"shepherd/internal/engine/auth"
	"shepherd/internal/migrate"
	"shepherd/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newResolver(t *testing.T) (auth.Resolver, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	for role, perms := range map[string][]string{
		"owner":  {"vm:*", "resource:read"},
		"viewer": {"vm:read"},
		"admin":  {"*"},
	} {
		if err := r.InsertRole(ctx, tx, role, ""); err != nil {
			t.Fatal(err)
		}
		for _, p := range perms {
			if err := r.AddRolePermission(ctx, tx, role, p); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	mustResource(t, r, "sys-1", domain.KindSystem, "", "prod")
	mustResource(t, r, "svc-1", domain.KindService, "sys-1", "prod")
	mustResource(t, r, "vm-1", domain.KindVM, "svc-1", "prod")
	mustResource(t, r, "sys-2", domain.KindSystem, "", "test")
	return auth.Resolver{Repo: r}, r
}

func mustResource(t *testing.T, r repo.Repo, id, kind, parent, env string) {
	t.Helper()
	res := domain.Resource{ID: id, Kind: kind, Name: id, Environment: env, Sensitivity: "low", Status: domain.ResourceLive, CreatedAt: ts, UpdatedAt: ts}
	if parent != "" {
		res.ParentID = &parent
	}
	if err := r.InsertResource(context.Background(), res); err != nil {
		t.Fatalf("insert resource %s: %v", id, err)
	}
}

func bind(t *testing.T, r repo.Repo, id, user, role, scopeType, scopeID string, envs ...string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertBindingTx(ctx, tx, domain.RoleBinding{
		ID: id, UserID: user, RoleID: role, ScopeType: scopeType, ScopeID: scopeID,
		AllowedEnvironments: envs, GrantedBy: "root", CreatedAt: ts,
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestRootGrantVisibleOnDescendants(t *testing.T) {
	res, r := newResolver(t)
	ctx := context.Background()
	bind(t, r, "b1", "alice", "owner", domain.ScopeResource, "sys-1", "prod")

	for _, target := range []string{"sys-1", "svc-1", "vm-1"} {
		d, err := res.Check(ctx, auth.Query{ActorID: "alice", Permission: "vm:delete", ResourceID: target})
		if err != nil {
			t.Fatalf("check %s: %v", target, err)
		}
		if !d.Allowed || d.RootID != "sys-1" {
			t.Fatalf("expected allow on %s via sys-1, got %+v", target, d)
		}
	}
	d, err := res.Check(ctx, auth.Query{ActorID: "alice", Permission: "vm:read", ResourceID: "sys-2"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatalf("grant on sys-1 must not leak to sys-2")
	}

	tx, _ := r.DB.BeginTx(ctx, nil)
	if err := r.DeleteBindingTx(ctx, tx, "b1"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	for _, target := range []string{"sys-1", "svc-1", "vm-1"} {
		d, err := res.Check(ctx, auth.Query{ActorID: "alice", Permission: "vm:delete", ResourceID: target})
		if err != nil {
			t.Fatal(err)
		}
		if d.Allowed {
			t.Fatalf("expected deny on %s after revoke", target)
		}
	}
}

func TestEnvironmentRestriction(t *testing.T) {
	res, r := newResolver(t)
	ctx := context.Background()
	bind(t, r, "b1", "bob", "viewer", domain.ScopeGlobal, "", "test")

	d, err := res.Check(ctx, auth.Query{ActorID: "bob", Permission: "vm:read", ResourceID: "vm-1"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatalf("test-only binding must not grant in prod")
	}
	d, err = res.Check(ctx, auth.Query{ActorID: "bob", Permission: "vm:read", ResourceID: "sys-2"})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow in test")
	}
}

func TestDenyIsNotAnError(t *testing.T) {
	res, _ := newResolver(t)
	ctx := context.Background()
	d, err := res.Check(ctx, auth.Query{ActorID: "nobody", Permission: "vm:read", ResourceID: "vm-1"})
	if err != nil || d.Allowed {
		t.Fatalf("expected plain deny, got %+v %v", d, err)
	}
	err = res.Require(ctx, auth.Query{ActorID: "nobody", Permission: "vm:read", ResourceID: "vm-1"})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != "vm:read" {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	_, err = res.Check(ctx, auth.Query{ActorID: "nobody", Permission: "vm:read", ResourceID: "missing"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown resource, got %v", err)
	}
}

func TestGlobalWildcard(t *testing.T) {
	res, r := newResolver(t)
	ctx := context.Background()
	bind(t, r, "b1", "root", "admin", domain.ScopeGlobal, "", "*")
	for _, q := range []auth.Query{
		{ActorID: "root", Permission: "rbac:manage"},
		{ActorID: "root", Permission: "vm:create", ResourceID: "svc-1"},
	} {
		d, err := res.Check(ctx, q)
		if err != nil || !d.Allowed {
			t.Fatalf("expected allow for %+v, got %+v %v", q, d, err)
		}
	}
}

func TestMatch(t *testing.T) {
	cases := []struct {
		granted, want string
		ok            bool
	}{
		{"*", "vm:read", true},
		{"vm:*", "vm:read", true},
		{"vm:*", "vmx:read", false},
		{"resource:*", "resource:read", true},
		{"vm:read", "vm:read", true},
		{"vm:read", "vm:delete", false},
	}
	for _, c := range cases {
		if got := auth.Match(c.granted, c.want); got != c.ok {
			t.Errorf("Match(%q,%q)=%v want %v", c.granted, c.want, got, c.ok)
		}
	}
}
