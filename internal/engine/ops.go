package engine

import (
	"context"

	"shepherd/internal/domain"
	"shepherd/internal/engine/auth"
)

// QueueDepth counts waiting jobs per execution domain.
func (e Engine) QueueDepth(ctx context.Context, p auth.Principal) (map[string]int, error) {
	if err := e.require(ctx, p, auth.PermQueueRead, ""); err != nil {
		return nil, err
	}
	return e.Queue.Depth(ctx)
}

// EventJobs lists the delivery attempts recorded for an event the caller
// may read.
func (e Engine) EventJobs(ctx context.Context, p auth.Principal, eventID string) ([]domain.Job, error) {
	if _, err := e.GetEvent(ctx, p, eventID); err != nil {
		return nil, err
	}
	return e.Queue.ListByEvent(ctx, eventID)
}

func (e Engine) AuditTrail(ctx context.Context, p auth.Principal, entityKind, entityID string, limit int) ([]domain.AuditEntry, error) {
	if err := e.require(ctx, p, auth.PermAuditRead, ""); err != nil {
		return nil, err
	}
	return e.Repo.ListAudit(ctx, entityKind, entityID, limit)
}

// ListAPIKeys lists keys of actorID. Other actors' keys need rbac:manage.
func (e Engine) ListAPIKeys(ctx context.Context, p auth.Principal, actorID string) ([]domain.APIKey, error) {
	if actorID == "" {
		actorID = p.ActorID
	}
	if actorID != p.ActorID {
		if err := e.require(ctx, p, auth.PermRBACManage, ""); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// RevokeAPIKey deletes one of the caller's keys, or any key for managers.
func (e Engine) RevokeAPIKey(ctx context.Context, p auth.Principal, id string) error {
	own, err := e.Repo.ListAPIKeys(ctx, p.ActorID)
	if err != nil {
		return err
	}
	mine := false
	for _, k := range own {
		if k.ID == id {
			mine = true
			break
		}
	}
	if !mine {
		if err := e.require(ctx, p, auth.PermRBACManage, ""); err != nil {
			return err
		}
	}
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return notFound(err, "api key", id)
	}
	return nil
}
