package repo

import (
	"context"
	"strings"

	"shepherd/internal/domain"
)

// ListAudit returns audit entries newest first.
func (r Repo) ListAudit(ctx context.Context, entityKind, entityID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,action,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM audit_logs WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		if err := rows.Scan(&a.ID, &a.TS, &a.Action, &a.EntityKind, &a.EntityID, &a.ActorID, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
