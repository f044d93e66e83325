package repo

import (
	"context"
	"database/sql"
	"strings"

	"civicfix/internal/domain"
)

const assignmentColumns = `id,issue_id,category,field,main_volunteer_id,sub_volunteers_count,COALESCE(work_description,''),estimated_completion_date,volunteer_completed,COALESCE(completion_notes,''),superseded,created_at,updated_at`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	err := scan(&a.ID, &a.IssueID, &a.Category, &a.Field, &a.MainVolunteerID, &a.SubVolunteersCount,
		&a.WorkDescription, &a.EstimatedCompletionDate, &a.VolunteerCompleted, &a.CompletionNotes,
		&a.Superseded, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// InsertAssignment inserts a new active assignment. The partial unique index
// on (issue_id) WHERE superseded=0 rejects a second active assignment for the
// same issue; IsUniqueViolation identifies that failure.
func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(id,issue_id,category,field,main_volunteer_id,sub_volunteers_count,work_description,estimated_completion_date,volunteer_completed,completion_notes,superseded,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.IssueID, a.Category, a.Field, a.MainVolunteerID, a.SubVolunteersCount,
		nullable(a.WorkDescription), a.EstimatedCompletionDate, a.VolunteerCompleted,
		nullable(a.CompletionNotes), a.Superseded, a.CreatedAt, a.UpdatedAt)
	return err
}

// IsUniqueViolation reports whether err is a SQLite unique-constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

// FindActiveByIssue returns the single non-superseded assignment for an
// issue, or ErrNotFound.
func (r Repo) FindActiveByIssue(ctx context.Context, issueID string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE issue_id=? AND superseded=0`, issueID)
	return scanAssignment(row.Scan)
}

func (r Repo) ListAssignmentsByIssue(ctx context.Context, issueID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE issue_id=? ORDER BY created_at DESC, id DESC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetVolunteerCompleted(ctx context.Context, tx *sql.Tx, id, notes, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE assignments SET volunteer_completed=1, completion_notes=?, updated_at=? WHERE id=?`,
		nullable(notes), updatedAt, id)
	return err
}

// SupersedeAssignments retires every active assignment of an issue. Called
// when the issue reaches a terminal status.
func (r Repo) SupersedeAssignments(ctx context.Context, tx *sql.Tx, issueID, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE assignments SET superseded=1, updated_at=? WHERE issue_id=? AND superseded=0`,
		updatedAt, issueID)
	return err
}

// CountActiveByVolunteer counts non-superseded assignments where the
// volunteer is the main volunteer. Used to block volunteer deletion while
// work is outstanding.
func (r Repo) CountActiveByVolunteer(ctx context.Context, tx *sql.Tx, volunteerID string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT count(*) FROM assignments WHERE main_volunteer_id=? AND superseded=0`, volunteerID)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (r Repo) CountActiveAssignments(ctx context.Context) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM assignments WHERE superseded=0`)
	var n int
	err := row.Scan(&n)
	return n, err
}
