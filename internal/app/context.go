package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"civicfix/internal/config"
	"civicfix/internal/repo"
)

// Permission identifiers checked by the HTTP layer and the CLI.
const (
	PermIssueCreate        = "issue.create"
	PermIssueRead          = "issue.read"
	PermIssueListAll       = "issue.list.all"
	PermIssueListOwn       = "issue.list.own"
	PermIssueComment       = "issue.comment"
	PermIssueReject        = "issue.reject"
	PermVolunteerManage    = "volunteer.manage"
	PermVolunteerRead      = "volunteer.read"
	PermAssignmentCreate   = "assignment.create"
	PermAssignmentRead     = "assignment.read"
	PermAssignmentComplete = "assignment.complete"
	PermAssignmentVerify   = "assignment.verify"
	PermStatsRead          = "stats.read"
	PermEventsRead         = "events.read"
)

const (
	RoleAdmin     = "admin"
	RoleCitizen   = "citizen"
	RoleVolunteer = "volunteer"
)

var rolePermissions = map[string][]string{
	RoleAdmin: {
		PermIssueCreate, PermIssueRead, PermIssueListAll, PermIssueListOwn,
		PermIssueComment, PermIssueReject,
		PermVolunteerManage, PermVolunteerRead,
		PermAssignmentCreate, PermAssignmentRead, PermAssignmentComplete, PermAssignmentVerify,
		PermStatsRead, PermEventsRead,
	},
	RoleCitizen: {
		PermIssueCreate, PermIssueRead, PermIssueListOwn, PermIssueComment,
	},
	RoleVolunteer: {
		PermIssueRead, PermVolunteerRead, PermAssignmentRead, PermAssignmentComplete,
	},
}

// Bootstrap seeds the RBAC footprint: the three built-in roles with their
// permission grants, plus the configured admin actor. All inserts are
// idempotent so it runs on every start.
func Bootstrap(ctx context.Context, db *sql.DB, cfg *config.Config) error {
	r := repo.Repo{DB: db}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	perms := map[string]bool{}
	for role, grants := range rolePermissions {
		if err := r.InsertRole(ctx, tx, role, ""); err != nil {
			return fmt.Errorf("seed role %s: %w", role, err)
		}
		for _, perm := range grants {
			perms[perm] = true
		}
	}
	for perm := range perms {
		if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
			return fmt.Errorf("seed permission %s: %w", perm, err)
		}
	}
	for role, grants := range rolePermissions {
		for _, perm := range grants {
			if err := r.AddRolePermission(ctx, tx, role, perm); err != nil {
				return fmt.Errorf("grant %s to %s: %w", perm, role, err)
			}
		}
	}

	adminID := "admin"
	if cfg != nil && cfg.Admin.ActorID != "" {
		adminID = cfg.Admin.ActorID
	}
	if err := r.EnsureActor(ctx, tx, adminID, now); err != nil {
		return fmt.Errorf("ensure admin actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, adminID, RoleAdmin); err != nil {
		return fmt.Errorf("assign admin role: %w", err)
	}
	return tx.Commit()
}
