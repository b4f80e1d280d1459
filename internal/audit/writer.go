package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit entries inside the caller's transaction so the entry
// commits or rolls back with the change it describes.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Actions.
const (
	RequestSubmitted = "request.submitted"
	BatchSubmitted   = "batch.submitted"
	TicketApproved   = "ticket.approved"
	TicketRejected   = "ticket.rejected"
	TicketCancelled  = "ticket.cancelled"
	JobSucceeded     = "job.succeeded"
	JobFailed        = "job.failed"
	JobDiscarded     = "job.discarded"
	BindingGranted   = "rbac.granted"
	BindingRevoked   = "rbac.revoked"
	ResourceCreated  = "resource.created"
)

func (w Writer) Append(ctx context.Context, tx *sql.Tx, action, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_logs(ts,action,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, action, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
