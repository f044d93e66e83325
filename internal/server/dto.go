package server

import (
	"encoding/json"

	"civicfix/internal/domain"
)

// Request payloads

type ReportIssueRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Location    *string `json:"location,omitempty"`
	WardNumber  string  `json:"ward_number"`
	Urgency     *string `json:"urgency,omitempty" enum:"low,medium,high,critical"`
}

type RejectIssueRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type AddCommentRequest struct {
	Text string `json:"text"`
}

type VolunteerRequest struct {
	Name              string   `json:"name"`
	Skills            []string `json:"skills"`
	SpecializedFields []string `json:"specialized_fields,omitempty"`
	Availability      *string  `json:"availability,omitempty"`
	Contact           *string  `json:"contact,omitempty"`
}

type CreateAssignmentRequest struct {
	IssueID                 string  `json:"issue_id"`
	Category                string  `json:"category"`
	Field                   string  `json:"field"`
	MainVolunteerID         string  `json:"main_volunteer_id"`
	SubVolunteersCount      *int    `json:"sub_volunteers_count,omitempty"`
	WorkDescription         *string `json:"work_description,omitempty"`
	EstimatedCompletionDate string  `json:"estimated_completion_date" format:"date-time"`
}

type VolunteerCompleteRequest struct {
	CompletionNotes *string `json:"completion_notes,omitempty"`
}

// Response payloads

type IssueResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Location    string  `json:"location,omitempty"`
	WardNumber  string  `json:"ward_number"`
	Urgency     string  `json:"urgency" enum:"low,medium,high,critical"`
	ReporterID  string  `json:"reporter_id"`
	Status      string  `json:"status" enum:"pending,in_progress,resolved,rejected"`
	Resolution  *string `json:"resolution,omitempty"`
	ResolvedBy  *string `json:"resolved_by,omitempty"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type CommentResponse struct {
	ID        int64  `json:"id"`
	IssueID   string `json:"issue_id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type VolunteerResponse struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Skills            []string `json:"skills"`
	SpecializedFields []string `json:"specialized_fields"`
	Availability      string   `json:"availability,omitempty"`
	Contact           string   `json:"contact,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

type AssignmentResponse struct {
	ID                      string `json:"id"`
	IssueID                 string `json:"issue_id"`
	Category                string `json:"category"`
	Field                   string `json:"field"`
	MainVolunteerID         string `json:"main_volunteer_id"`
	SubVolunteersCount      int    `json:"sub_volunteers_count"`
	WorkDescription         string `json:"work_description,omitempty"`
	EstimatedCompletionDate string `json:"estimated_completion_date" format:"date-time"`
	VolunteerCompleted      bool   `json:"volunteer_completed"`
	CompletionNotes         string `json:"completion_notes,omitempty"`
	Superseded              bool   `json:"superseded"`
	CreatedAt               string `json:"created_at" format:"date-time"`
	UpdatedAt               string `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type paginatedIssues struct {
	Items      []IssueResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func issueResponse(i domain.Issue) IssueResponse {
	return IssueResponse{
		ID:          i.ID,
		Title:       i.Title,
		Description: i.Description,
		Category:    i.Category,
		Location:    i.Location,
		WardNumber:  i.WardNumber,
		Urgency:     string(i.Urgency),
		ReporterID:  i.ReporterID,
		Status:      string(i.Status),
		Resolution:  i.Resolution,
		ResolvedBy:  i.ResolvedBy,
		ResolvedAt:  i.ResolvedAt,
		CreatedAt:   i.CreatedAt,
		UpdatedAt:   i.UpdatedAt,
	}
}

func commentResponse(c domain.Comment) CommentResponse {
	return CommentResponse{
		ID:        c.ID,
		IssueID:   c.IssueID,
		Author:    c.Author,
		Text:      c.Text,
		CreatedAt: c.CreatedAt,
	}
}

func volunteerResponse(v domain.Volunteer) VolunteerResponse {
	return VolunteerResponse{
		ID:                v.ID,
		Name:              v.Name,
		Skills:            nonNilSlice(v.Skills),
		SpecializedFields: nonNilSlice(v.SpecializedFields),
		Availability:      v.Availability,
		Contact:           v.Contact,
		CreatedAt:         v.CreatedAt,
		UpdatedAt:         v.UpdatedAt,
	}
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:                      a.ID,
		IssueID:                 a.IssueID,
		Category:                a.Category,
		Field:                   a.Field,
		MainVolunteerID:         a.MainVolunteerID,
		SubVolunteersCount:      a.SubVolunteersCount,
		WorkDescription:         a.WorkDescription,
		EstimatedCompletionDate: a.EstimatedCompletionDate,
		VolunteerCompleted:      a.VolunteerCompleted,
		CompletionNotes:         a.CompletionNotes,
		Superseded:              a.Superseded,
		CreatedAt:               a.CreatedAt,
		UpdatedAt:               a.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func mapIssues(items []domain.Issue) []IssueResponse {
	res := make([]IssueResponse, 0, len(items))
	for _, i := range items {
		res = append(res, issueResponse(i))
	}
	return res
}

func mapVolunteers(items []domain.Volunteer) []VolunteerResponse {
	res := make([]VolunteerResponse, 0, len(items))
	for _, v := range items {
		res = append(res, volunteerResponse(v))
	}
	return res
}

func mapAssignments(items []domain.Assignment) []AssignmentResponse {
	res := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assignmentResponse(a))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func intOrZero(ptr *int) int {
	if ptr == nil {
		return 0
	}
	return *ptr
}
