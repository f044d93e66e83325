package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"civicfix/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const issueColumns = `id,title,description,category,COALESCE(location,''),ward_number,urgency,reporter_id,status,resolution,resolved_by,resolved_at,created_at,updated_at`

func scanIssue(scan func(dest ...any) error) (domain.Issue, error) {
	var i domain.Issue
	var resolution, resolvedBy, resolvedAt sql.NullString
	err := scan(&i.ID, &i.Title, &i.Description, &i.Category, &i.Location, &i.WardNumber,
		&i.Urgency, &i.ReporterID, &i.Status, &resolution, &resolvedBy, &resolvedAt, &i.CreatedAt, &i.UpdatedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	if resolution.Valid {
		i.Resolution = &resolution.String
	}
	if resolvedBy.Valid {
		i.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		i.ResolvedAt = &resolvedAt.String
	}
	return i, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(id,title,description,category,location,ward_number,urgency,reporter_id,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.Title, i.Description, i.Category, nullable(i.Location), i.WardNumber, string(i.Urgency),
		i.ReporterID, string(i.Status), i.CreatedAt, i.UpdatedAt)
	return err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	return scanIssue(row.Scan)
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	return scanIssue(row.Scan)
}

// IssueFilters narrows ListIssues. Search is a case-insensitive substring
// match over title, description, location and ward number.
type IssueFilters struct {
	ReporterID      string
	Status          string
	Category        string
	Search          string
	CreatedAfter    string
	CreatedBefore   string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.ReporterID != "" {
		clauses = append(clauses, "reporter_id=?")
		args = append(args, f.ReporterID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Search != "" {
		term := "%" + strings.ToLower(f.Search) + "%"
		clauses = append(clauses, "(LOWER(title) LIKE ? OR LOWER(description) LIKE ? OR LOWER(COALESCE(location,'')) LIKE ? OR LOWER(ward_number) LIKE ?)")
		args = append(args, term, term, term, term)
	}
	if f.CreatedAfter != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.CreatedAfter)
	}
	if f.CreatedBefore != "" {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.CreatedBefore)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

// UpdateIssueStatus performs a guarded status change: the row is updated only
// when its current status is one of allowedFrom. Returns false when the guard
// did not match, which callers treat as a lost race or illegal transition.
func (r Repo) UpdateIssueStatus(ctx context.Context, tx *sql.Tx, id string, to domain.IssueStatus, allowedFrom []domain.IssueStatus, updatedAt string) (bool, error) {
	placeholders := make([]string, len(allowedFrom))
	args := []any{string(to), updatedAt, id}
	for n, s := range allowedFrom {
		placeholders[n] = "?"
		args = append(args, string(s))
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE issues SET status=?, updated_at=? WHERE id=? AND status IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetIssueResolution(ctx context.Context, tx *sql.Tx, id, resolution, resolvedBy, resolvedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE issues SET resolution=?, resolved_by=?, resolved_at=? WHERE id=?`,
		resolution, resolvedBy, resolvedAt, id)
	return err
}

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO issue_comments(issue_id,author,text,created_at) VALUES (?,?,?,?)`,
		c.IssueID, c.Author, c.Text, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListComments(ctx context.Context, issueID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,issue_id,author,text,created_at FROM issue_comments WHERE issue_id=? ORDER BY id ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.IssueID, &c.Author, &c.Text, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountIssuesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM issues GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
