package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) RoleExists(ctx context.Context, roleID string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM roles WHERE id=?`, roleID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, objectID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO object_roles(object_id, actor_id, role_id) VALUES (?,?,?)`, objectID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, objectID, actorID, roleID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM object_roles WHERE object_id=? AND actor_id=? AND role_id=?`, objectID, actorID, roleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ObjectRoles returns the roles an actor holds on an object.
func (r Repo) ObjectRoles(ctx context.Context, objectID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM object_roles WHERE object_id=? AND actor_id=? ORDER BY role_id`, objectID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
