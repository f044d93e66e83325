package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"civicfix/internal/config"
	"civicfix/internal/domain"
	"civicfix/internal/engine/auth"
	"civicfix/internal/events"
	"civicfix/internal/repo"
	"civicfix/internal/taxonomy"
)

// Engine is the lifecycle coordinator. All issue status changes and all
// assignment mutations go through it; it is the only writer of the issue
// state machine.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) table() taxonomy.Table {
	if e.Config != nil && len(e.Config.Taxonomy) > 0 {
		return e.Config.Table()
	}
	return taxonomy.Default()
}

// issueTransitions maps a target status to the statuses it may be reached
// from. This table is the single source of truth for the issue state machine;
// no other code compares status strings.
var issueTransitions = map[domain.IssueStatus][]domain.IssueStatus{
	domain.IssueInProgress: {domain.IssuePending},
	domain.IssueResolved:   {domain.IssuePending, domain.IssueInProgress},
	domain.IssueRejected:   {domain.IssuePending, domain.IssueInProgress},
}

func ensureIssueTransition(from, to domain.IssueStatus) error {
	for _, allowed := range issueTransitions[to] {
		if from == allowed {
			return nil
		}
	}
	return conflictf("invalid status transition %s -> %s", from, to)
}

// IssueReportOptions are parameters for reporting an issue.
type IssueReportOptions struct {
	Title       string
	Description string
	Category    string
	Location    string
	WardNumber  string
	Urgency     domain.Urgency
	ReporterID  string
}

// ReportIssue creates a new issue in status pending.
func (e Engine) ReportIssue(ctx context.Context, opts IssueReportOptions) (domain.Issue, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Issue{}, validationf("title is required")
	}
	if strings.TrimSpace(opts.Description) == "" {
		return domain.Issue{}, validationf("description is required")
	}
	if strings.TrimSpace(opts.Category) == "" {
		return domain.Issue{}, validationf("category is required")
	}
	if !e.table().HasCategory(opts.Category) {
		return domain.Issue{}, validationf("unknown category %s", opts.Category)
	}
	if strings.TrimSpace(opts.WardNumber) == "" {
		return domain.Issue{}, validationf("ward_number is required")
	}
	if opts.ReporterID == "" {
		return domain.Issue{}, validationf("reporter is required")
	}
	if opts.Urgency == "" {
		opts.Urgency = domain.UrgencyMedium
	}
	if !domain.ValidUrgency(opts.Urgency) {
		return domain.Issue{}, validationf("invalid urgency %s", opts.Urgency)
	}
	now := e.nowString()
	issue := domain.Issue{
		ID:          uuid.New().String(),
		Title:       opts.Title,
		Description: opts.Description,
		Category:    opts.Category,
		Location:    opts.Location,
		WardNumber:  opts.WardNumber,
		Urgency:     opts.Urgency,
		ReporterID:  opts.ReporterID,
		Status:      domain.IssuePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertIssue(ctx, tx, issue); err != nil {
		return domain.Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "issue.reported", "issue", issue.ID, opts.ReporterID, events.EventPayload{
		"title":    issue.Title,
		"category": issue.Category,
		"urgency":  string(issue.Urgency),
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return issue, nil
}

// AppendComment adds a comment to an issue's append-only thread.
func (e Engine) AppendComment(ctx context.Context, issueID, author, text string) (domain.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Comment{}, validationf("comment text is required")
	}
	if author == "" {
		return domain.Comment{}, validationf("author is required")
	}
	if _, err := e.Repo.GetIssue(ctx, issueID); err != nil {
		return domain.Comment{}, err
	}
	c := domain.Comment{
		IssueID:   issueID,
		Author:    author,
		Text:      text,
		CreatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Comment{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertComment(ctx, tx, c)
	if err != nil {
		return domain.Comment{}, err
	}
	c.ID = id
	if err := e.Events.Append(ctx, tx, "comment.added", "issue", issueID, author, events.EventPayload{}); err != nil {
		return domain.Comment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Comment{}, err
	}
	return c, nil
}

// RejectIssue moves an issue from pending or in_progress to the terminal
// rejected status. Resolution fields stay empty; any active assignment is
// superseded.
func (e Engine) RejectIssue(ctx context.Context, issueID, actorID string) (domain.Issue, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := ensureIssueTransition(issue.Status, domain.IssueRejected); err != nil {
		return domain.Issue{}, err
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateIssueStatus(ctx, tx, issueID, domain.IssueRejected, issueTransitions[domain.IssueRejected], now)
	if err != nil {
		return domain.Issue{}, err
	}
	if !ok {
		return domain.Issue{}, conflictf("report %s changed status concurrently", issueID)
	}
	if err := e.Repo.SupersedeAssignments(ctx, tx, issueID, now); err != nil {
		return domain.Issue{}, err
	}
	if err := e.Events.Append(ctx, tx, "issue.rejected", "issue", issueID, actorID, events.EventPayload{
		"from": string(issue.Status),
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	issue.Status = domain.IssueRejected
	issue.UpdatedAt = now
	return issue, nil
}

// VolunteerOptions are parameters for creating or updating a volunteer.
type VolunteerOptions struct {
	Name              string
	Skills            []string
	SpecializedFields []string
	Availability      string
	Contact           string
	ActorID           string
}

func (e Engine) validateVolunteer(opts VolunteerOptions) error {
	if strings.TrimSpace(opts.Name) == "" {
		return validationf("name is required")
	}
	if len(opts.Skills) == 0 {
		return validationf("at least one skill is required")
	}
	table := e.table()
	for _, skill := range opts.Skills {
		if !table.HasCategory(skill) {
			return validationf("unknown skill category %s", skill)
		}
	}
	union := table.FieldsForSkills(opts.Skills)
	for _, field := range opts.SpecializedFields {
		if !union[field] {
			return validationf("specialized field %s does not belong to any of the volunteer's skill categories", field)
		}
	}
	return nil
}

func (e Engine) CreateVolunteer(ctx context.Context, opts VolunteerOptions) (domain.Volunteer, error) {
	if err := e.validateVolunteer(opts); err != nil {
		return domain.Volunteer{}, err
	}
	now := e.nowString()
	v := domain.Volunteer{
		ID:                uuid.New().String(),
		Name:              opts.Name,
		Skills:            opts.Skills,
		SpecializedFields: opts.SpecializedFields,
		Availability:      opts.Availability,
		Contact:           opts.Contact,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if v.SpecializedFields == nil {
		v.SpecializedFields = []string{}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Volunteer{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertVolunteer(ctx, tx, v); err != nil {
		return domain.Volunteer{}, err
	}
	if err := e.Events.Append(ctx, tx, "volunteer.created", "volunteer", v.ID, opts.ActorID, events.EventPayload{
		"name":   v.Name,
		"skills": v.Skills,
	}); err != nil {
		return domain.Volunteer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Volunteer{}, err
	}
	return v, nil
}

func (e Engine) UpdateVolunteer(ctx context.Context, id string, opts VolunteerOptions) (domain.Volunteer, error) {
	if err := e.validateVolunteer(opts); err != nil {
		return domain.Volunteer{}, err
	}
	v, err := e.Repo.GetVolunteer(ctx, id)
	if err != nil {
		return domain.Volunteer{}, err
	}
	v.Name = opts.Name
	v.Skills = opts.Skills
	v.SpecializedFields = opts.SpecializedFields
	if v.SpecializedFields == nil {
		v.SpecializedFields = []string{}
	}
	v.Availability = opts.Availability
	v.Contact = opts.Contact
	v.UpdatedAt = e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Volunteer{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateVolunteer(ctx, tx, v); err != nil {
		return domain.Volunteer{}, err
	}
	if err := e.Events.Append(ctx, tx, "volunteer.updated", "volunteer", v.ID, opts.ActorID, events.EventPayload{
		"name": v.Name,
	}); err != nil {
		return domain.Volunteer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Volunteer{}, err
	}
	return v, nil
}

// DeleteVolunteer removes a volunteer profile. It fails with Conflict while
// the volunteer is the main volunteer of any active assignment, so deleting
// an admin record can never orphan work in flight.
func (e Engine) DeleteVolunteer(ctx context.Context, id, actorID string) error {
	if _, err := e.Repo.GetVolunteer(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	n, err := e.Repo.CountActiveByVolunteer(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return conflictf("volunteer is assigned to %d unresolved report(s)", n)
	}
	if err := e.Repo.DeleteVolunteer(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "volunteer.deleted", "volunteer", id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListVolunteersBySkill validates the category/field pair against the
// taxonomy and returns matching volunteers, including generalists.
func (e Engine) ListVolunteersBySkill(ctx context.Context, category, field string) ([]domain.Volunteer, error) {
	table := e.table()
	if category != "" && !table.HasCategory(category) {
		return nil, validationf("unknown category %s", category)
	}
	if field != "" {
		if category == "" {
			return nil, validationf("field filter requires a category")
		}
		if !table.HasField(category, field) {
			return nil, validationf("field %s does not belong to category %s", field, category)
		}
	}
	if category == "" {
		return e.Repo.ListVolunteers(ctx)
	}
	return e.Repo.ListVolunteersBySkill(ctx, category, field)
}

// AssignmentCreateOptions are parameters for assigning a volunteer team.
type AssignmentCreateOptions struct {
	IssueID                 string
	Category                string
	Field                   string
	MainVolunteerID         string
	SubVolunteersCount      int
	WorkDescription         string
	EstimatedCompletionDate string
	ActorID                 string
}

func (e Engine) checkVolunteerFit(v domain.Volunteer, category, field string) error {
	if !containsString(v.Skills, category) {
		return validationf("volunteer %s does not have the %s skill", v.Name, category)
	}
	// An empty specialized-fields set means the volunteer is a generalist
	// within their skill categories and accepts any field.
	if len(v.SpecializedFields) > 0 && !containsString(v.SpecializedFields, field) {
		return validationf("volunteer %s does not specialize in %s", v.Name, field)
	}
	return nil
}

// CreateAssignment records the assignment and, in the same transaction,
// moves a pending issue to in_progress. The partial unique index on active
// assignments plus the guarded status update make the operation safe against
// a concurrent create for the same issue: the loser gets Conflict and leaves
// no partial row behind.
func (e Engine) CreateAssignment(ctx context.Context, opts AssignmentCreateOptions) (domain.Assignment, error) {
	if opts.IssueID == "" {
		return domain.Assignment{}, validationf("issue_id is required")
	}
	if opts.MainVolunteerID == "" {
		return domain.Assignment{}, validationf("main_volunteer_id is required")
	}
	if opts.SubVolunteersCount < 0 {
		return domain.Assignment{}, validationf("sub_volunteers_count must be >= 0")
	}
	if opts.EstimatedCompletionDate == "" {
		return domain.Assignment{}, validationf("estimated_completion_date is required")
	}
	if _, err := time.Parse(time.RFC3339, opts.EstimatedCompletionDate); err != nil {
		return domain.Assignment{}, validationf("invalid estimated completion date: %v", err)
	}
	table := e.table()
	if !table.HasCategory(opts.Category) {
		return domain.Assignment{}, validationf("unknown repair category %s", opts.Category)
	}
	if !table.HasField(opts.Category, opts.Field) {
		return domain.Assignment{}, validationf("field %s does not belong to category %s", opts.Field, opts.Category)
	}
	volunteer, err := e.Repo.GetVolunteer(ctx, opts.MainVolunteerID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := e.checkVolunteerFit(volunteer, opts.Category, opts.Field); err != nil {
		return domain.Assignment{}, err
	}

	now := e.nowString()
	a := domain.Assignment{
		ID:                      uuid.New().String(),
		IssueID:                 opts.IssueID,
		Category:                opts.Category,
		Field:                   opts.Field,
		MainVolunteerID:         opts.MainVolunteerID,
		SubVolunteersCount:      opts.SubVolunteersCount,
		WorkDescription:         opts.WorkDescription,
		EstimatedCompletionDate: opts.EstimatedCompletionDate,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	issue, err := e.Repo.GetIssueTx(ctx, tx, opts.IssueID)
	if err != nil {
		return domain.Assignment{}, err
	}
	switch issue.Status {
	case domain.IssueResolved, domain.IssueRejected:
		return domain.Assignment{}, conflictf("cannot assign volunteers to a %s report", issue.Status)
	}
	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Assignment{}, conflictf("an active assignment already exists for report %s", opts.IssueID)
		}
		return domain.Assignment{}, err
	}
	if issue.Status == domain.IssuePending {
		ok, err := e.Repo.UpdateIssueStatus(ctx, tx, issue.ID, domain.IssueInProgress, issueTransitions[domain.IssueInProgress], now)
		if err != nil {
			return domain.Assignment{}, err
		}
		if !ok {
			return domain.Assignment{}, conflictf("report %s changed status concurrently", issue.ID)
		}
	}
	if err := e.Events.Append(ctx, tx, "assignment.created", "assignment", a.ID, opts.ActorID, events.EventPayload{
		"issue_id":  a.IssueID,
		"category":  a.Category,
		"field":     a.Field,
		"volunteer": a.MainVolunteerID,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

// MarkVolunteerComplete flips the volunteer-completed flag and stores the
// completion notes. Calling it on an already-completed assignment fails with
// Conflict; it is deliberately not an idempotent no-op so duplicate calls are
// visible to the caller.
func (e Engine) MarkVolunteerComplete(ctx context.Context, assignmentID, notes, actorID string) (domain.Assignment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAssignmentTx(ctx, tx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if a.Superseded {
		return domain.Assignment{}, conflictf("assignment %s is no longer active", assignmentID)
	}
	if a.VolunteerCompleted {
		return domain.Assignment{}, conflictf("assignment %s is already marked complete", assignmentID)
	}
	now := e.nowString()
	if err := e.Repo.SetVolunteerCompleted(ctx, tx, assignmentID, notes, now); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.volunteer_completed", "assignment", assignmentID, actorID, events.EventPayload{
		"issue_id": a.IssueID,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	a.VolunteerCompleted = true
	a.CompletionNotes = notes
	a.UpdatedAt = now
	return a, nil
}

const defaultResolution = "Report resolved by volunteer team."

// VerifyAndComplete is the supervisor half of the two-party handoff: only
// after the volunteer marked the work complete may an admin verify it, which
// resolves the parent issue exactly once. A second call fails with Conflict
// because the assignment is already superseded.
func (e Engine) VerifyAndComplete(ctx context.Context, assignmentID, actorID string) (domain.Issue, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAssignmentTx(ctx, tx, assignmentID)
	if err != nil {
		return domain.Issue{}, err
	}
	if a.Superseded {
		return domain.Issue{}, conflictf("assignment %s is already verified or retired", assignmentID)
	}
	if !a.VolunteerCompleted {
		return domain.Issue{}, conflictf("volunteer has not marked the work complete yet")
	}
	issue, err := e.Repo.GetIssueTx(ctx, tx, a.IssueID)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := ensureIssueTransition(issue.Status, domain.IssueResolved); err != nil {
		return domain.Issue{}, err
	}
	now := e.nowString()
	ok, err := e.Repo.UpdateIssueStatus(ctx, tx, issue.ID, domain.IssueResolved, issueTransitions[domain.IssueResolved], now)
	if err != nil {
		return domain.Issue{}, err
	}
	if !ok {
		return domain.Issue{}, conflictf("report %s changed status concurrently", issue.ID)
	}
	resolution := a.CompletionNotes
	if strings.TrimSpace(resolution) == "" {
		resolution = defaultResolution
	}
	if err := e.Repo.SetIssueResolution(ctx, tx, issue.ID, resolution, actorID, now); err != nil {
		return domain.Issue{}, err
	}
	if err := e.Repo.SupersedeAssignments(ctx, tx, issue.ID, now); err != nil {
		return domain.Issue{}, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.verified", "assignment", assignmentID, actorID, events.EventPayload{
		"issue_id": issue.ID,
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := e.Events.Append(ctx, tx, "issue.resolved", "issue", issue.ID, actorID, events.EventPayload{
		"resolution": resolution,
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	issue.Status = domain.IssueResolved
	issue.Resolution = &resolution
	issue.ResolvedBy = &actorID
	issue.ResolvedAt = &now
	issue.UpdatedAt = now
	return issue, nil
}

// Stats summarizes issue counts by status plus the number of active
// assignments, backing the admin dashboard counters.
func (e Engine) Stats(ctx context.Context) (map[string]any, error) {
	counts, err := e.Repo.CountIssuesByStatus(ctx)
	if err != nil {
		return nil, err
	}
	active, err := e.Repo.CountActiveAssignments(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"issue_counts":       counts,
		"active_assignments": active,
	}, nil
}

// IsNotFound reports whether err is the storage not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

func containsString(set []string, want string) bool {
	for _, s := range set {
		if s == want {
			return true
		}
	}
	return false
}
