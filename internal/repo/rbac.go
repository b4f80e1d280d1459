package repo

import (
	"context"
	"database/sql"

	"shepherd/internal/domain"
)

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description`, id, nullable(desc))
	return err
}

func (r Repo) ClearRolePermissions(ctx context.Context, tx *sql.Tx, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) RoleExistsTx(ctx context.Context, tx *sql.Tx, roleID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM roles WHERE id=?`, roleID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

const bindingColumns = `id,user_id,role_id,scope_type,COALESCE(scope_id,''),allowed_environments_json,granted_by,created_at`

func scanBinding(row rowScanner) (domain.RoleBinding, error) {
	var b domain.RoleBinding
	var envs string
	err := row.Scan(&b.ID, &b.UserID, &b.RoleID, &b.ScopeType, &b.ScopeID, &envs, &b.GrantedBy, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.AllowedEnvironments = unmarshalStrings(envs)
	return b, nil
}

func (r Repo) InsertBindingTx(ctx context.Context, tx *sql.Tx, b domain.RoleBinding) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO role_bindings(id,user_id,role_id,scope_type,scope_id,allowed_environments_json,granted_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.UserID, b.RoleID, b.ScopeType, nullable(b.ScopeID), marshalStrings(b.AllowedEnvironments), b.GrantedBy, b.CreatedAt)
	return err
}

func (r Repo) GetBinding(ctx context.Context, id string) (domain.RoleBinding, error) {
	return scanBinding(r.DB.QueryRowContext(ctx, `SELECT `+bindingColumns+` FROM role_bindings WHERE id=?`, id))
}

func (r Repo) DeleteBindingTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM role_bindings WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountBindings(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM role_bindings`).Scan(&n)
	return n, err
}

// ListBindings returns bindings, optionally for one user.
func (r Repo) ListBindings(ctx context.Context, userID string) ([]domain.RoleBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM role_bindings`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// Grant is one permission reachable through one binding.
type Grant struct {
	BindingID    string
	Permission   string
	Environments []string
}

// GrantsFor loads the permissions a user holds globally or on rootID. Only
// the root is consulted; grants are never copied onto descendants.
func (r Repo) GrantsFor(ctx context.Context, userID, rootID string) ([]Grant, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT rb.id, rp.permission_id, rb.allowed_environments_json
FROM role_bindings rb
JOIN role_permissions rp ON rp.role_id=rb.role_id
WHERE rb.user_id=?
  AND (rb.scope_type='global' OR (rb.scope_type='resource' AND rb.scope_id=?))`, userID, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Grant
	for rows.Next() {
		var g Grant
		var envs string
		if err := rows.Scan(&g.BindingID, &g.Permission, &envs); err != nil {
			return nil, err
		}
		g.Environments = unmarshalStrings(envs)
		res = append(res, g)
	}
	return res, rows.Err()
}
