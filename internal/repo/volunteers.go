package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"civicfix/internal/domain"
)

const volunteerColumns = `id,name,skills_json,specialized_fields_json,COALESCE(availability,''),COALESCE(contact,''),created_at,updated_at`

func scanVolunteer(scan func(dest ...any) error) (domain.Volunteer, error) {
	var v domain.Volunteer
	var skillsJSON, fieldsJSON string
	err := scan(&v.ID, &v.Name, &skillsJSON, &fieldsJSON, &v.Availability, &v.Contact, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(skillsJSON), &v.Skills); err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &v.SpecializedFields); err != nil {
		return v, err
	}
	if v.SpecializedFields == nil {
		v.SpecializedFields = []string{}
	}
	return v, nil
}

func marshalStrings(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	return string(b), err
}

func (r Repo) InsertVolunteer(ctx context.Context, tx *sql.Tx, v domain.Volunteer) error {
	skills, err := marshalStrings(v.Skills)
	if err != nil {
		return err
	}
	fields, err := marshalStrings(v.SpecializedFields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO volunteers(id,name,skills_json,specialized_fields_json,availability,contact,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.Name, skills, fields, nullable(v.Availability), nullable(v.Contact), v.CreatedAt, v.UpdatedAt)
	return err
}

func (r Repo) UpdateVolunteer(ctx context.Context, tx *sql.Tx, v domain.Volunteer) error {
	skills, err := marshalStrings(v.Skills)
	if err != nil {
		return err
	}
	fields, err := marshalStrings(v.SpecializedFields)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE volunteers SET name=?, skills_json=?, specialized_fields_json=?, availability=?, contact=?, updated_at=? WHERE id=?`,
		v.Name, skills, fields, nullable(v.Availability), nullable(v.Contact), v.UpdatedAt, v.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteVolunteer(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM volunteers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetVolunteer(ctx context.Context, id string) (domain.Volunteer, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+volunteerColumns+` FROM volunteers WHERE id=?`, id)
	return scanVolunteer(row.Scan)
}

// ListVolunteers returns all volunteers ordered by creation time.
func (r Repo) ListVolunteers(ctx context.Context) ([]domain.Volunteer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+volunteerColumns+` FROM volunteers ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Volunteer
	for rows.Next() {
		v, err := scanVolunteer(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// ListVolunteersBySkill returns volunteers whose skills include category and,
// when field is given, who either specialize in that field or have an empty
// specialized-fields set. An empty set means the volunteer is a generalist
// within their skill categories and matches every field.
func (r Repo) ListVolunteersBySkill(ctx context.Context, category, field string) ([]domain.Volunteer, error) {
	all, err := r.ListVolunteers(ctx)
	if err != nil {
		return nil, err
	}
	var res []domain.Volunteer
	for _, v := range all {
		if !contains(v.Skills, category) {
			continue
		}
		if field != "" && len(v.SpecializedFields) > 0 && !contains(v.SpecializedFields, field) {
			continue
		}
		res = append(res, v)
	}
	return res, nil
}

func contains(set []string, want string) bool {
	for _, s := range set {
		if s == want {
			return true
		}
	}
	return false
}
