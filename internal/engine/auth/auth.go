package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shepherd/internal/domain"
	"shepherd/internal/repo"
)

// Permissions checked by the engine.
const (
	PermVMCreate       = "vm:create"
	PermVMDelete       = "vm:delete"
	PermVMOperate      = "vm:operate"
	PermVMRead         = "vm:read"
	PermResourceCreate = "resource:create"
	PermResourceDelete = "resource:delete"
	PermResourceRead   = "resource:read"
	PermTicketApprove  = "ticket:approve"
	PermTicketRead     = "ticket:read"
	PermEventRead      = "event:read"
	PermRBACManage     = "rbac:manage"
	PermArchive        = "event:archive"
	PermAuditRead      = "audit:read"
	PermQueueRead      = "queue:read"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	ResourceID string
}

func (e ForbiddenError) Error() string {
	if e.ResourceID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required on %s", e.Permission, e.ResourceID)
}

// Principal is the authenticated caller. It is passed explicitly to every
// engine operation.
type Principal struct {
	ActorID  string
	TenantID string
	Source   string
}

// Principal sources.
const (
	SourceSystem = "system"
	SourceJWT    = "jwt"
	SourceAPIKey = "api_key"
	SourceHeader = "header"
	SourceCLI    = "cli"
)

// System is an in-process caller such as the archive sweeper. It is never
// produced from request credentials.
func System(actorID string) Principal {
	return Principal{ActorID: actorID, Source: SourceSystem}
}

func (p Principal) IsSystem() bool { return p.Source == SourceSystem }

// Query asks whether ActorID holds Permission over ResourceID in
// Environment. An empty ResourceID consults global bindings only. An empty
// Environment defaults to the resource's own environment; with neither set,
// bindings are not filtered by environment.
type Query struct {
	ActorID     string
	Permission  string
	ResourceID  string
	Environment string
}

type Decision struct {
	Allowed     bool   `json:"allowed"`
	RootID      string `json:"root_id,omitempty"`
	Environment string `json:"environment,omitempty"`
	BindingID   string `json:"binding_id,omitempty"`
}

const defaultMaxDepth = 16

// Resolver evaluates role bindings against the resource hierarchy.
type Resolver struct {
	Repo     repo.Repo
	MaxDepth int
}

// Root walks the parent chain of id up to its aggregate root.
func (r Resolver) Root(ctx context.Context, id string) (domain.Resource, error) {
	maxDepth := r.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	cur, err := r.Repo.GetResource(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Resource{}, domain.NotFoundError{Kind: "resource", ID: id}
		}
		return domain.Resource{}, err
	}
	seen := map[string]struct{}{cur.ID: {}}
	for depth := 0; cur.ParentID != nil; depth++ {
		if depth >= maxDepth {
			return domain.Resource{}, fmt.Errorf("resource %s: hierarchy deeper than %d", id, maxDepth)
		}
		parentID := *cur.ParentID
		if _, ok := seen[parentID]; ok {
			return domain.Resource{}, fmt.Errorf("resource %s: hierarchy cycle at %s", id, parentID)
		}
		seen[parentID] = struct{}{}
		cur, err = r.Repo.GetResource(ctx, parentID)
		if err != nil {
			return domain.Resource{}, fmt.Errorf("resolve parent %s: %w", parentID, err)
		}
	}
	return cur, nil
}

// Check resolves q. A missing grant is a deny, not an error; only data
// access failures are returned as errors.
func (r Resolver) Check(ctx context.Context, q Query) (Decision, error) {
	if q.ActorID == "" || q.Permission == "" {
		return Decision{}, nil
	}
	d := Decision{Environment: q.Environment}
	if q.ResourceID != "" {
		target, err := r.Repo.GetResource(ctx, q.ResourceID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Decision{}, domain.NotFoundError{Kind: "resource", ID: q.ResourceID}
			}
			return Decision{}, err
		}
		if d.Environment == "" {
			d.Environment = target.Environment
		}
		root, err := r.Root(ctx, target.ID)
		if err != nil {
			return Decision{}, err
		}
		d.RootID = root.ID
	}
	grants, err := r.Repo.GrantsFor(ctx, q.ActorID, d.RootID)
	if err != nil {
		return Decision{}, fmt.Errorf("load grants: %w", err)
	}
	for _, g := range grants {
		if d.Environment != "" && !EnvironmentAllowed(g.Environments, d.Environment) {
			continue
		}
		if Match(g.Permission, q.Permission) {
			d.Allowed = true
			d.BindingID = g.BindingID
			return d, nil
		}
	}
	return d, nil
}

// Require turns a deny into a ForbiddenError.
func (r Resolver) Require(ctx context.Context, q Query) error {
	d, err := r.Check(ctx, q)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return ForbiddenError{Permission: q.Permission, ResourceID: q.ResourceID}
	}
	return nil
}

// Match reports whether granted covers want. "*" covers everything and
// "vm:*" covers every vm permission.
func Match(granted, want string) bool {
	if granted == "*" || granted == want {
		return true
	}
	if prefix, ok := strings.CutSuffix(granted, ":*"); ok {
		return strings.HasPrefix(want, prefix+":")
	}
	return false
}

func EnvironmentAllowed(allowed []string, env string) bool {
	for _, a := range allowed {
		if a == "*" || a == env {
			return true
		}
	}
	return false
}
