package repo

import (
	"context"
	"database/sql"
	"strings"

	"shepherd/internal/domain"
)

const resourceColumns = `id,kind,name,parent_id,environment,sensitivity,COALESCE(cluster,''),COALESCE(namespace,''),status,created_at,updated_at`

func scanResource(row rowScanner) (domain.Resource, error) {
	var res domain.Resource
	var parent sql.NullString
	err := row.Scan(&res.ID, &res.Kind, &res.Name, &parent, &res.Environment, &res.Sensitivity, &res.Cluster, &res.Namespace, &res.Status, &res.CreatedAt, &res.UpdatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.ParentID = optionalString(parent)
	return res, nil
}

func (r Repo) InsertResource(ctx context.Context, res domain.Resource) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertResourceTx(ctx, tx, res); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) InsertResourceTx(ctx context.Context, tx *sql.Tx, res domain.Resource) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO resources(id,kind,name,parent_id,environment,sensitivity,cluster,namespace,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		res.ID, res.Kind, res.Name, nullableStringPtr(res.ParentID), res.Environment, res.Sensitivity, nullable(res.Cluster), nullable(res.Namespace), res.Status, res.CreatedAt, res.UpdatedAt)
	return err
}

// UpsertResourceTx records a resource produced by a worker. A redelivered
// create revives the same row instead of duplicating it.
func (r Repo) UpsertResourceTx(ctx context.Context, tx *sql.Tx, res domain.Resource) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO resources(id,kind,name,parent_id,environment,sensitivity,cluster,namespace,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, cluster=excluded.cluster, updated_at=excluded.updated_at`,
		res.ID, res.Kind, res.Name, nullableStringPtr(res.ParentID), res.Environment, res.Sensitivity, nullable(res.Cluster), nullable(res.Namespace), res.Status, res.CreatedAt, res.UpdatedAt)
	return err
}

func (r Repo) GetResource(ctx context.Context, id string) (domain.Resource, error) {
	return scanResource(r.DB.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id=?`, id))
}

func (r Repo) GetResourceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Resource, error) {
	return scanResource(tx.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id=?`, id))
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// deleteBlockersQuery counts live direct children plus VM creations still in
// flight under the resource. Either would leave a live child behind.
const deleteBlockersQuery = `SELECT
  (SELECT COUNT(*) FROM resources WHERE parent_id=? AND status='live') +
  (SELECT COUNT(*) FROM domain_events WHERE event_type='VM_CREATE' AND status IN ('PENDING','PROCESSING')
     AND json_extract(payload_json, '$.scope.service_id')=?)`

func countDeleteBlockers(ctx context.Context, q rowQueryer, id string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, deleteBlockersQuery, id, id).Scan(&n)
	return n, err
}

func (r Repo) CountDeleteBlockersTx(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	return countDeleteBlockers(ctx, tx, id)
}

func (r Repo) CountDeleteBlockers(ctx context.Context, id string) (int, error) {
	return countDeleteBlockers(ctx, r.DB, id)
}

func (r Repo) MarkResourceDeletedTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE resources SET status='deleted', updated_at=? WHERE id=?`, now, id)
	return err
}

type ResourceFilter struct {
	Kind     string
	ParentID string
	Status   string
}

func (r Repo) ListResources(ctx context.Context, f ResourceFilter) ([]domain.Resource, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE `+strings.Join(clauses, " AND ")+` ORDER BY kind, name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Resource
	for rows.Next() {
		item, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}
