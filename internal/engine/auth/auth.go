package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

// ActorHasPermission checks an actor's stored role grants.
func (s Service) ActorHasPermission(ctx context.Context, actorID, perm string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RolesHavePermission checks whether any of the given roles grants perm.
// Used for JWT principals whose roles are carried in the token rather than
// looked up by actor.
func (s Service) RolesHavePermission(ctx context.Context, roles []string, perm string) (bool, error) {
	if len(roles) == 0 {
		return false, nil
	}
	placeholders := make([]string, len(roles))
	args := make([]any, 0, len(roles)+1)
	for i, r := range roles {
		placeholders[i] = "?"
		args = append(args, r)
	}
	args = append(args, perm)
	row := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM role_permissions
WHERE role_id IN (`+strings.Join(placeholders, ",")+`) AND permission_id=? LIMIT 1`, args...)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ActorRoles returns the roles stored for an actor.
func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=?`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
