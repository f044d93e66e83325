package civicfixsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal CivicFix HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Issue represents the API issue model.
type Issue struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Location    string  `json:"location,omitempty"`
	WardNumber  string  `json:"ward_number"`
	Urgency     string  `json:"urgency"`
	ReporterID  string  `json:"reporter_id"`
	Status      string  `json:"status"`
	Resolution  *string `json:"resolution,omitempty"`
	ResolvedBy  *string `json:"resolved_by,omitempty"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// Volunteer represents a registered volunteer.
type Volunteer struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Skills            []string `json:"skills"`
	SpecializedFields []string `json:"specialized_fields"`
	Availability      string   `json:"availability,omitempty"`
	Contact           string   `json:"contact,omitempty"`
}

// Assignment represents a volunteer team working one issue.
type Assignment struct {
	ID                      string `json:"id"`
	IssueID                 string `json:"issue_id"`
	Category                string `json:"category"`
	Field                   string `json:"field"`
	MainVolunteerID         string `json:"main_volunteer_id"`
	SubVolunteersCount      int    `json:"sub_volunteers_count"`
	WorkDescription         string `json:"work_description,omitempty"`
	EstimatedCompletionDate string `json:"estimated_completion_date"`
	VolunteerCompleted      bool   `json:"volunteer_completed"`
	CompletionNotes         string `json:"completion_notes,omitempty"`
	Superseded              bool   `json:"superseded"`
}

// Comment represents one entry in an issue's thread.
type Comment struct {
	ID        int64  `json:"id"`
	IssueID   string `json:"issue_id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedIssues wraps list responses with cursors.
type PaginatedIssues struct {
	Items      []Issue `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ReportIssue files a new issue.
func (c *Client) ReportIssue(ctx context.Context, title, description, category, ward, urgency string) (Issue, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"category":    category,
		"ward_number": ward,
	}
	if urgency != "" {
		body["urgency"] = urgency
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues", body, &resp)
	return resp, err
}

// GetIssue fetches an issue by id.
func (c *Client) GetIssue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodGet, "issues/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Issues returns a paginated issue listing.
func (c *Client) Issues(ctx context.Context, status string, limit int, cursor string) (PaginatedIssues, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "issues"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedIssues
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RejectIssue moves an issue to the rejected status.
func (c *Client) RejectIssue(ctx context.Context, id, reason string) (Issue, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues/"+url.PathEscape(id)+"/reject", body, &resp)
	return resp, err
}

// AddComment appends a comment to an issue.
func (c *Client) AddComment(ctx context.Context, issueID, text string) (Comment, error) {
	var resp Comment
	err := c.do(ctx, http.MethodPost, "issues/"+url.PathEscape(issueID)+"/comments", map[string]any{"text": text}, &resp)
	return resp, err
}

// CreateVolunteer registers a volunteer profile.
func (c *Client) CreateVolunteer(ctx context.Context, name string, skills, fields []string) (Volunteer, error) {
	body := map[string]any{
		"name":               name,
		"skills":             skills,
		"specialized_fields": fields,
	}
	var resp Volunteer
	err := c.do(ctx, http.MethodPost, "volunteers", body, &resp)
	return resp, err
}

// VolunteersBySkill lists volunteers matching a category and optional field.
func (c *Client) VolunteersBySkill(ctx context.Context, category, field string) ([]Volunteer, error) {
	q := url.Values{}
	if category != "" {
		q.Set("category", category)
	}
	if field != "" {
		q.Set("field", field)
	}
	endpoint := "volunteers"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Volunteer
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateAssignment assigns a volunteer team to an issue.
func (c *Client) CreateAssignment(ctx context.Context, issueID, category, field, volunteerID, eta string) (Assignment, error) {
	body := map[string]any{
		"issue_id":                  issueID,
		"category":                  category,
		"field":                     field,
		"main_volunteer_id":         volunteerID,
		"estimated_completion_date": eta,
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "assignments", body, &resp)
	return resp, err
}

// Assignments lists the assignments recorded for an issue, newest first.
// With activeOnly the result holds at most the one non-superseded assignment.
func (c *Client) Assignments(ctx context.Context, issueID string, activeOnly bool) ([]Assignment, error) {
	q := url.Values{}
	q.Set("issue_id", issueID)
	if activeOnly {
		q.Set("active", "true")
	}
	var resp []Assignment
	err := c.do(ctx, http.MethodGet, "assignments?"+q.Encode(), nil, &resp)
	return resp, err
}

// VolunteerComplete marks the assigned work as finished.
func (c *Client) VolunteerComplete(ctx context.Context, assignmentID, notes string) (Assignment, error) {
	body := map[string]any{}
	if notes != "" {
		body["completion_notes"] = notes
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "assignments/"+url.PathEscape(assignmentID)+"/volunteer-complete", body, &resp)
	return resp, err
}

// VerifyComplete verifies finished work and returns the resolved issue.
func (c *Client) VerifyComplete(ctx context.Context, assignmentID string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, "assignments/"+url.PathEscape(assignmentID)+"/verify-complete", map[string]any{}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Taxonomy returns the repair categories with their fields.
func (c *Client) Taxonomy(ctx context.Context) (map[string][]string, error) {
	var resp map[string][]string
	err := c.do(ctx, http.MethodGet, "taxonomy", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
