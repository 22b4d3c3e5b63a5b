package access

import (
	"context"
	"database/sql"
	"fmt"
)

// ForbiddenError indicates a missing permission on an object.
type ForbiddenError struct {
	Permission string
	ObjectID   string
}

func (e ForbiddenError) Error() string {
	if e.ObjectID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required on %s", e.Permission, e.ObjectID)
}

// Service answers permission questions from object role grants in SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) ActorHasPermission(ctx context.Context, objectID, actorID, perm string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM object_roles orl
JOIN role_permissions rp ON rp.role_id=orl.role_id
WHERE orl.object_id=? AND orl.actor_id=? AND rp.permission_id=? LIMIT 1`,
		objectID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) ActorPermissions(ctx context.Context, objectID, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM object_roles orl
JOIN role_permissions rp ON rp.role_id=orl.role_id
WHERE orl.object_id=? AND orl.actor_id=?
ORDER BY rp.permission_id`, objectID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
