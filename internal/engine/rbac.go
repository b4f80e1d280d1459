package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"shepherd/internal/audit"
	"shepherd/internal/domain"
	"shepherd/internal/engine/auth"
	"shepherd/internal/repo"
)

type GrantOptions struct {
	UserID       string   `json:"user_id"`
	RoleID       string   `json:"role_id"`
	ScopeType    string   `json:"scope_type"`
	ScopeID      string   `json:"scope_id,omitempty"`
	Environments []string `json:"allowed_environments"`
}

// SeedRoles writes the configured roles and their permission sets. Roles
// missing from config are left in place so existing bindings stay valid.
func (e Engine) SeedRoles(ctx context.Context) error {
	names := make([]string, 0, len(e.Config.RBAC.Roles))
	for name := range e.Config.RBAC.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return e.withTx(ctx, func(tx *sql.Tx) error {
		for _, name := range names {
			role := e.Config.RBAC.Roles[name]
			if err := e.Repo.InsertRole(ctx, tx, name, role.Description); err != nil {
				return fmt.Errorf("seed role %s: %w", name, err)
			}
			if err := e.Repo.ClearRolePermissions(ctx, tx, name); err != nil {
				return err
			}
			for _, perm := range role.Permissions {
				if err := e.Repo.AddRolePermission(ctx, tx, name, perm); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// BootstrapAdmin grants the admin role globally to actorID when no binding
// exists yet. It reports whether a grant was made.
func (e Engine) BootstrapAdmin(ctx context.Context, actorID string) (bool, error) {
	if strings.TrimSpace(actorID) == "" {
		return false, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	n, err := e.Repo.CountBindings(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	_, err = e.Grant(ctx, auth.System("bootstrap"), GrantOptions{
		UserID:       actorID,
		RoleID:       "admin",
		ScopeType:    domain.ScopeGlobal,
		Environments: []string{"*"},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Grant binds a role to a user globally or on a root aggregate.
func (e Engine) Grant(ctx context.Context, p auth.Principal, opts GrantOptions) (domain.RoleBinding, error) {
	switch {
	case strings.TrimSpace(opts.UserID) == "":
		return domain.RoleBinding{}, domain.ValidationError{Field: "user_id", Reason: "required"}
	case strings.TrimSpace(opts.RoleID) == "":
		return domain.RoleBinding{}, domain.ValidationError{Field: "role_id", Reason: "required"}
	case len(opts.Environments) == 0:
		return domain.RoleBinding{}, domain.ValidationError{Field: "allowed_environments", Reason: "at least one environment required"}
	}
	if opts.ScopeType == "" {
		opts.ScopeType = domain.ScopeGlobal
		if opts.ScopeID != "" {
			opts.ScopeType = domain.ScopeResource
		}
	}
	switch opts.ScopeType {
	case domain.ScopeGlobal:
		if opts.ScopeID != "" {
			return domain.RoleBinding{}, domain.ValidationError{Field: "scope_id", Reason: "global bindings have no scope"}
		}
	case domain.ScopeResource:
		if opts.ScopeID == "" {
			return domain.RoleBinding{}, domain.ValidationError{Field: "scope_id", Reason: "required for resource bindings"}
		}
		res, err := e.Repo.GetResource(ctx, opts.ScopeID)
		if err != nil {
			return domain.RoleBinding{}, notFound(err, "resource", opts.ScopeID)
		}
		if res.ParentID != nil {
			return domain.RoleBinding{}, domain.ValidationError{Field: "scope_id", Reason: "bindings attach to root aggregates only"}
		}
	default:
		return domain.RoleBinding{}, domain.ValidationError{Field: "scope_type", Reason: "must be global or resource"}
	}
	if err := e.require(ctx, p, auth.PermRBACManage, opts.ScopeID); err != nil {
		return domain.RoleBinding{}, err
	}
	b := domain.RoleBinding{
		ID:                  uuid.NewString(),
		UserID:              opts.UserID,
		RoleID:              opts.RoleID,
		ScopeType:           opts.ScopeType,
		ScopeID:             opts.ScopeID,
		AllowedEnvironments: opts.Environments,
		GrantedBy:           p.ActorID,
		CreatedAt:           e.stamp(),
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.RoleExistsTx(ctx, tx, b.RoleID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFoundError{Kind: "role", ID: b.RoleID}
		}
		if err := e.Repo.InsertBindingTx(ctx, tx, b); err != nil {
			if repo.IsUniqueViolation(err) {
				return domain.ConflictError{Code: domain.CodeAlreadyExists, Message: fmt.Sprintf("%s already holds %s on this scope", b.UserID, b.RoleID)}
			}
			return fmt.Errorf("insert binding: %w", err)
		}
		return e.Audit.Append(ctx, tx, audit.BindingGranted, "binding", b.ID, p.ActorID, audit.Payload{
			"user_id":              b.UserID,
			"role_id":              b.RoleID,
			"scope_type":           b.ScopeType,
			"scope_id":             b.ScopeID,
			"allowed_environments": b.AllowedEnvironments,
		})
	})
	if err != nil {
		return domain.RoleBinding{}, err
	}
	return b, nil
}

// Revoke deletes a binding. The next resolution no longer sees it anywhere
// below its scope.
func (e Engine) Revoke(ctx context.Context, p auth.Principal, bindingID string) error {
	b, err := e.Repo.GetBinding(ctx, bindingID)
	if err != nil {
		return notFound(err, "binding", bindingID)
	}
	if err := e.require(ctx, p, auth.PermRBACManage, b.ScopeID); err != nil {
		return err
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteBindingTx(ctx, tx, b.ID); err != nil {
			return notFound(err, "binding", b.ID)
		}
		return e.Audit.Append(ctx, tx, audit.BindingRevoked, "binding", b.ID, p.ActorID, audit.Payload{
			"user_id": b.UserID,
			"role_id": b.RoleID,
		})
	})
}

// CheckPermission evaluates q. Checking on behalf of another user needs
// rbac:manage.
func (e Engine) CheckPermission(ctx context.Context, p auth.Principal, q auth.Query) (auth.Decision, error) {
	if q.ActorID == "" {
		q.ActorID = p.ActorID
	}
	if q.ActorID != p.ActorID {
		if err := e.require(ctx, p, auth.PermRBACManage, ""); err != nil {
			return auth.Decision{}, err
		}
	}
	if q.Permission == "" {
		return auth.Decision{}, domain.ValidationError{Field: "permission", Reason: "required"}
	}
	return e.Auth.Check(ctx, q)
}

// ListBindings lists bindings of userID, or of everyone for managers.
func (e Engine) ListBindings(ctx context.Context, p auth.Principal, userID string) ([]domain.RoleBinding, error) {
	if userID != p.ActorID {
		if err := e.require(ctx, p, auth.PermRBACManage, ""); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListBindings(ctx, userID)
}

// CreateAPIKey issues a key for actorID and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, p auth.Principal, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		actorID = p.ActorID
	}
	if actorID != p.ActorID {
		if err := e.require(ctx, p, auth.PermRBACManage, ""); err != nil {
			return "", domain.APIKey{}, err
		}
	}
	secret, err := repo.NewAPIKeySecret()
	if err != nil {
		return "", domain.APIKey{}, err
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return secret, key, nil
}
