package engine

import (
	"context"
	"time"

	"shepherd/internal/domain"
	"shepherd/internal/engine/auth"
	"shepherd/internal/repo"
)

// eventResource is the resource event:read is checked against.
func eventResource(evt domain.Event) string {
	payload, err := domain.ParsePayload(evt.Payload)
	if err != nil {
		return ""
	}
	switch evt.Type {
	case domain.OpVMCreate, domain.OpBatchVMCreate:
		return payload.Scope.ServiceID
	}
	return payload.Scope.ResourceID
}

func (e Engine) canReadEvent(ctx context.Context, p auth.Principal, evt domain.Event) (bool, error) {
	if evt.CreatedBy == p.ActorID {
		return true, nil
	}
	return e.allowed(ctx, p, auth.PermEventRead, eventResource(evt))
}

func (e Engine) GetEvent(ctx context.Context, p auth.Principal, id string) (domain.Event, error) {
	evt, err := e.Repo.GetEvent(ctx, id)
	if err != nil {
		return domain.Event{}, notFound(err, "event", id)
	}
	ok, err := e.canReadEvent(ctx, p, evt)
	if err != nil {
		return domain.Event{}, err
	}
	if !ok {
		return domain.Event{}, auth.ForbiddenError{Permission: auth.PermEventRead, ResourceID: eventResource(evt)}
	}
	return evt, nil
}

// ListEvents returns the page of events matching f that p may read.
// Events p cannot read are dropped rather than failing the listing.
func (e Engine) ListEvents(ctx context.Context, p auth.Principal, f repo.EventFilter) ([]domain.Event, error) {
	if f.Type != "" && !domain.Operation(f.Type).Valid() {
		return nil, domain.ValidationError{Field: "type", Reason: "unknown operation " + f.Type}
	}
	events, err := e.Repo.ListEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(events))
	for _, evt := range events {
		ok, err := e.canReadEvent(ctx, p, evt)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, evt)
		}
	}
	return out, nil
}

// ArchiveSweep stamps archived_at on terminal events untouched for
// olderThan, or for the configured retention window when olderThan is zero.
// Archived events are never stamped again, so re-running is a no-op.
func (e Engine) ArchiveSweep(ctx context.Context, p auth.Principal, olderThan time.Duration) (int64, error) {
	if err := e.require(ctx, p, auth.PermArchive, ""); err != nil {
		return 0, err
	}
	if olderThan <= 0 {
		olderThan = e.Config.RetentionWindow()
	}
	now := e.now().UTC()
	cutoff := now.Add(-olderThan).Format(time.RFC3339)
	n, err := e.Repo.ArchiveTerminalEvents(ctx, cutoff, now.Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger().Info("archived terminal events", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
