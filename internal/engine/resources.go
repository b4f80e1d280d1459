package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"shepherd/internal/audit"
	"shepherd/internal/domain"
	"shepherd/internal/engine/auth"
	"shepherd/internal/repo"
)

type RegisterOptions struct {
	ID          string `json:"id,omitempty"`
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	ParentID    string `json:"parent_id,omitempty"`
	Environment string `json:"environment,omitempty"`
	Sensitivity string `json:"sensitivity,omitempty"`
	Cluster     string `json:"cluster,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
}

// parentKind is the kind a resource's parent must have.
var parentKind = map[string]string{
	domain.KindService: domain.KindSystem,
	domain.KindVM:      domain.KindService,
}

// RegisterResource adds a catalog entry. Systems are roots; services belong
// to a system and vms to a service, and children inherit the environment of
// their parent.
func (e Engine) RegisterResource(ctx context.Context, p auth.Principal, opts RegisterOptions) (domain.Resource, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Resource{}, domain.ValidationError{Field: "name", Reason: "required"}
	}
	if opts.Sensitivity == "" {
		opts.Sensitivity = "low"
	}
	if opts.Sensitivity != "low" && opts.Sensitivity != "high" {
		return domain.Resource{}, domain.ValidationError{Field: "sensitivity", Reason: "must be low or high"}
	}
	now := e.stamp()
	res := domain.Resource{
		ID:          opts.ID,
		Kind:        opts.Kind,
		Name:        opts.Name,
		Environment: opts.Environment,
		Sensitivity: opts.Sensitivity,
		Cluster:     opts.Cluster,
		Namespace:   opts.Namespace,
		Status:      domain.ResourceLive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	authOn := ""
	switch opts.Kind {
	case domain.KindSystem:
		if opts.ParentID != "" {
			return domain.Resource{}, domain.ValidationError{Field: "parent_id", Reason: "systems are root aggregates"}
		}
		if res.Environment == "" {
			res.Environment = "test"
		}
	case domain.KindService, domain.KindVM:
		if opts.ParentID == "" {
			return domain.Resource{}, domain.ValidationError{Field: "parent_id", Reason: "required for " + opts.Kind}
		}
		parent, err := e.Repo.GetResource(ctx, opts.ParentID)
		if err != nil {
			return domain.Resource{}, notFound(err, "resource", opts.ParentID)
		}
		if parent.Kind != parentKind[opts.Kind] || parent.Status != domain.ResourceLive {
			return domain.Resource{}, domain.ValidationError{
				Field:  "parent_id",
				Reason: fmt.Sprintf("a %s must belong to a live %s", opts.Kind, parentKind[opts.Kind]),
			}
		}
		if res.Environment != "" && res.Environment != parent.Environment {
			return domain.Resource{}, domain.ValidationError{Field: "environment", Reason: "inherited from " + parent.ID}
		}
		res.Environment = parent.Environment
		parentID := parent.ID
		res.ParentID = &parentID
		authOn = parent.ID
	default:
		return domain.Resource{}, domain.ValidationError{Field: "kind", Reason: "must be system, service or vm"}
	}
	if res.Kind == domain.KindVM {
		if res.Cluster == "" {
			res.Cluster = e.Config.Approval.DefaultCluster
		}
		if !e.Config.HasDomain(res.Cluster) {
			return domain.Resource{}, domain.ValidationError{Field: "cluster", Reason: "unknown execution domain " + res.Cluster}
		}
		if res.ID == "" && res.Namespace != "" {
			res.ID = VMID(*res.ParentID, res.Namespace, res.Name)
		}
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if err := e.require(ctx, p, auth.PermResourceCreate, authOn); err != nil {
		return domain.Resource{}, err
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertResourceTx(ctx, tx, res); err != nil {
			if repo.IsUniqueViolation(err) {
				return domain.ConflictError{Code: domain.CodeAlreadyExists, Message: "resource " + res.ID + " already exists"}
			}
			return fmt.Errorf("insert resource: %w", err)
		}
		return e.Audit.Append(ctx, tx, audit.ResourceCreated, "resource", res.ID, p.ActorID, audit.Payload{
			"kind":        res.Kind,
			"name":        res.Name,
			"environment": res.Environment,
		})
	})
	if err != nil {
		return domain.Resource{}, err
	}
	return res, nil
}

func (e Engine) GetResource(ctx context.Context, p auth.Principal, id string) (domain.Resource, error) {
	if err := e.require(ctx, p, auth.PermResourceRead, id); err != nil {
		return domain.Resource{}, err
	}
	res, err := e.Repo.GetResource(ctx, id)
	if err != nil {
		return domain.Resource{}, notFound(err, "resource", id)
	}
	return res, nil
}

// ListResources returns the resources matching f that p may read.
func (e Engine) ListResources(ctx context.Context, p auth.Principal, f repo.ResourceFilter) ([]domain.Resource, error) {
	items, err := e.Repo.ListResources(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Resource, 0, len(items))
	for _, item := range items {
		ok, err := e.allowed(ctx, p, auth.PermResourceRead, item.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, item)
		}
	}
	return out, nil
}
