package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"civicfix/internal/app"
	"civicfix/internal/config"
	"civicfix/internal/db"
	"civicfix/internal/domain"
	"civicfix/internal/engine"
	"civicfix/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	ctx := context.Background()
	if err := app.Bootstrap(ctx, conn, cfg); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func reportIssue(t *testing.T, env testEnv, category string) domain.Issue {
	t.Helper()
	issue, err := env.Engine.ReportIssue(env.Ctx, engine.IssueReportOptions{
		Title:       "Leaking pipe on Main St",
		Description: "Water pooling on the sidewalk",
		Category:    category,
		WardNumber:  "12",
		ReporterID:  "citizen-1",
	})
	if err != nil {
		t.Fatalf("report issue: %v", err)
	}
	return issue
}

func createVolunteer(t *testing.T, env testEnv, skills, fields []string) domain.Volunteer {
	t.Helper()
	v, err := env.Engine.CreateVolunteer(env.Ctx, engine.VolunteerOptions{
		Name:              "Ravi",
		Skills:            skills,
		SpecializedFields: fields,
		ActorID:           "admin",
	})
	if err != nil {
		t.Fatalf("create volunteer: %v", err)
	}
	return v
}

func isConflict(err error) bool {
	var ce engine.ConflictError
	return errors.As(err, &ce)
}

func isValidation(err error) bool {
	var ve engine.ValidationError
	return errors.As(err, &ve)
}

func TestIssueLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	issue := reportIssue(t, env, "Plumbing")
	if issue.Status != domain.IssuePending {
		t.Fatalf("expected pending, got %s", issue.Status)
	}
	vol := createVolunteer(t, env, []string{"Plumbing"}, []string{"Pipe Repair"})

	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		IssueID:                 issue.ID,
		Category:                "Plumbing",
		Field:                   "Pipe Repair",
		MainVolunteerID:         vol.ID,
		SubVolunteersCount:      2,
		EstimatedCompletionDate: "2026-02-01T00:00:00Z",
		ActorID:                 "admin",
	})
	if err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	got, err := env.Engine.Repo.GetIssue(env.Ctx, issue.ID)
	if err != nil || got.Status != domain.IssueInProgress {
		t.Fatalf("expected in_progress after assignment, got %s (%v)", got.Status, err)
	}

	if _, err := env.Engine.MarkVolunteerComplete(env.Ctx, a.ID, "replaced the elbow joint", vol.ID); err != nil {
		t.Fatalf("volunteer complete: %v", err)
	}
	resolved, err := env.Engine.VerifyAndComplete(env.Ctx, a.ID, "admin")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if resolved.Status != domain.IssueResolved {
		t.Fatalf("expected resolved, got %s", resolved.Status)
	}
	if resolved.Resolution == nil || *resolved.Resolution != "replaced the elbow joint" {
		t.Fatalf("expected completion notes as resolution, got %v", resolved.Resolution)
	}
	if resolved.ResolvedBy == nil || *resolved.ResolvedBy != "admin" {
		t.Fatalf("expected resolved_by admin")
	}

	final, err := env.Engine.Repo.GetAssignment(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if !final.Superseded {
		t.Fatalf("expected assignment superseded after verify")
	}

	// second verify must fail
	if _, err := env.Engine.VerifyAndComplete(env.Ctx, a.ID, "admin"); !isConflict(err) {
		t.Fatalf("expected conflict on second verify, got %v", err)
	}
}

func TestDefaultResolutionWithoutNotes(t *testing.T) {
	env := newTestEnv(t)
	issue := reportIssue(t, env, "Electrical")
	vol := createVolunteer(t, env, []string{"Electrical"}, nil)
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		IssueID:                 issue.ID,
		Category:                "Electrical",
		Field:                   "Wiring Repair",
		MainVolunteerID:         vol.ID,
		EstimatedCompletionDate: "2026-02-01T00:00:00Z",
		ActorID:                 "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MarkVolunteerComplete(env.Ctx, a.ID, "", vol.ID); err != nil {
		t.Fatal(err)
	}
	resolved, err := env.Engine.VerifyAndComplete(env.Ctx, a.ID, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Resolution == nil || *resolved.Resolution != "Report resolved by volunteer team." {
		t.Fatalf("expected default resolution, got %v", resolved.Resolution)
	}
}

func TestRejectIssue(t *testing.T) {
	env := newTestEnv(t)
	issue := reportIssue(t, env, "Road Repair")
	rejected, err := env.Engine.RejectIssue(env.Ctx, issue.ID, "admin")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.IssueRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if rejected.Resolution != nil {
		t.Fatalf("rejected issue must not carry a resolution")
	}
	// terminal: rejecting again fails
	if _, err := env.Engine.RejectIssue(env.Ctx, issue.ID, "admin"); !isConflict(err) {
		t.Fatalf("expected conflict on double reject, got %v", err)
	}
	// and no assignment may be created
	vol := createVolunteer(t, env, []string{"Road Repair"}, nil)
	_, err = env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		IssueID:                 issue.ID,
		Category:                "Road Repair",
		Field:                   "Pothole Fixing",
		MainVolunteerID:         vol.ID,
		EstimatedCompletionDate: "2026-02-01T00:00:00Z",
		ActorID:                 "admin",
	})
	if !isConflict(err) {
		t.Fatalf("expected conflict assigning to rejected issue, got %v", err)
	}
}

func TestRejectSupersedesActiveAssignment(t *testing.T) {
	env := newTestEnv(t)
	issue := reportIssue(t, env, "Carpentry")
	vol := createVolunteer(t, env, []string{"Carpentry"}, nil)
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		IssueID:                 issue.ID,
		Category:                "Carpentry",
		Field:                   "Door Installation",
		MainVolunteerID:         vol.ID,
		EstimatedCompletionDate: "2026-02-01T00:00:00Z",
		ActorID:                 "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RejectIssue(env.Ctx, issue.ID, "admin"); err != nil {
		t.Fatalf("reject in_progress issue: %v", err)
	}
	got, err := env.Engine.Repo.GetAssignment(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Superseded {
		t.Fatalf("expected assignment superseded after reject")
	}
}

func TestAssignmentValidation(t *testing.T) {
	env := newTestEnv(t)
	issue := reportIssue(t, env, "Plumbing")
	specialist := createVolunteer(t, env, []string{"Plumbing"}, []string{"Pipe Repair"})

	// field outside the category
	_, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		IssueID:                 issue.ID,
		Category:                "Plumbing",
		Field:                   "Pothole Fixing",
		MainVolunteerID:         specialist.ID,
		EstimatedCompletionDate: "2026-02-01T00:00:00Z",
		ActorID:                 "admin",
	})
	if !isValidation(err) {
		t.Fatalf("expected validation error for foreign field, got %v", err)
	}

	// volunteer without the category skill
	electrician := createVolunteer(t, env, []string{"Electrical"}, nil)
	_, err = env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		IssueID:                 issue.ID,
		Category:                "Plumbing",
		Field:                   "Pipe Repair",
		MainVolunteerID:         electrician.ID,
		EstimatedCompletionDate: "2026-02-01T00:00:00Z",
		ActorID:                 "admin",
	})
	if !isValidation(err) {
		t.Fatalf("expected validation error for missing skill, got %v", err)
	}

	// specialist outside their declared fields
	_, err = env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		IssueID:                 issue.ID,
		Category:                "Plumbing",
		Field:                   "Drainage Issues",
		MainVolunteerID:         specialist.ID,
		EstimatedCompletionDate: "2026-02-01T00:00:00Z",
		ActorID:                 "admin",
	})
	if !isValidation(err) {
		t.Fatalf("expected validation error for field outside specialization, got %v", err)
	}
}

func TestGeneralistMatchesAnyField(t *testing.T) {
	env := newTestEnv(t)
	issue := reportIssue(t, env, "Plumbing")
	generalist := createVolunteer(t, env, []string{"Plumbing"}, nil)
	_, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		IssueID:                 issue.ID,
		Category:                "Plumbing",
		Field:                   "Drainage Issues",
		MainVolunteerID:         generalist.ID,
		EstimatedCompletionDate: "2026-02-01T00:00:00Z",
		ActorID:                 "admin",
	})
	if err != nil {
		t.Fatalf("generalist should accept any field of their category: %v", err)
	}
}

func TestListVolunteersBySkillIncludesGeneralists(t *testing.T) {
	env := newTestEnv(t)
	specialist := createVolunteer(t, env, []string{"Plumbing"}, []string{"Pipe Repair"})
	generalist := createVolunteer(t, env, []string{"Plumbing"}, nil)
	_ = createVolunteer(t, env, []string{"Electrical"}, nil)

	matches, err := env.Engine.ListVolunteersBySkill(env.Ctx, "Plumbing", "Drainage Issues")
	if err != nil {
		t.Fatalf("list by skill: %v", err)
	}
	ids := map[string]bool{}
	for _, v := range matches {
		ids[v.ID] = true
	}
	if !ids[generalist.ID] {
		t.Fatalf("generalist should match Drainage Issues")
	}
	if ids[specialist.ID] {
		t.Fatalf("pipe-repair specialist must not match Drainage Issues")
	}

	// unknown field rejected up front
	if _, err := env.Engine.ListVolunteersBySkill(env.Ctx, "Plumbing", "Pothole Fixing"); !isValidation(err) {
		t.Fatalf("expected validation error for foreign field, got %v", err)
	}
}

func TestVerifyRequiresVolunteerComplete(t *testing.T) {
	env := newTestEnv(t)
	issue := reportIssue(t, env, "Garbage Clean")
	vol := createVolunteer(t, env, []string{"Garbage Clean"}, nil)
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		IssueID:                 issue.ID,
		Category:                "Garbage Clean",
		Field:                   "Trash Collection",
		MainVolunteerID:         vol.ID,
		EstimatedCompletionDate: "2026-02-01T00:00:00Z",
		ActorID:                 "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.VerifyAndComplete(env.Ctx, a.ID, "admin"); !isConflict(err) {
		t.Fatalf("expected conflict verifying before volunteer completion, got %v", err)
	}
	if _, err := env.Engine.MarkVolunteerComplete(env.Ctx, a.ID, "done", vol.ID); err != nil {
		t.Fatal(err)
	}
	// duplicate completion is a conflict, not a silent no-op
	if _, err := env.Engine.MarkVolunteerComplete(env.Ctx, a.ID, "done again", vol.ID); !isConflict(err) {
		t.Fatalf("expected conflict on duplicate completion, got %v", err)
	}
}

func TestSingleActiveAssignmentPerIssue(t *testing.T) {
	env := newTestEnv(t)
	issue := reportIssue(t, env, "Construction")
	v1 := createVolunteer(t, env, []string{"Construction"}, nil)
	v2 := createVolunteer(t, env, []string{"Construction"}, nil)

	opts := func(volID string) engine.AssignmentCreateOptions {
		return engine.AssignmentCreateOptions{
			IssueID:                 issue.ID,
			Category:                "Construction",
			Field:                   "Wall Repair",
			MainVolunteerID:         volID,
			EstimatedCompletionDate: "2026-02-01T00:00:00Z",
			ActorID:                 "admin",
		}
	}
	if _, err := env.Engine.CreateAssignment(env.Ctx, opts(v1.ID)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateAssignment(env.Ctx, opts(v2.ID)); !isConflict(err) {
		t.Fatalf("expected conflict for second active assignment, got %v", err)
	}
}

func TestConcurrentAssignmentsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	issue := reportIssue(t, env, "Construction")
	v1 := createVolunteer(t, env, []string{"Construction"}, nil)
	v2 := createVolunteer(t, env, []string{"Construction"}, nil)

	results := make([]error, 2)
	var wg sync.WaitGroup
	for i, volID := range []string{v1.ID, v2.ID} {
		wg.Add(1)
		go func(i int, volID string) {
			defer wg.Done()
			_, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
				IssueID:                 issue.ID,
				Category:                "Construction",
				Field:                   "Foundation Work",
				MainVolunteerID:         volID,
				EstimatedCompletionDate: "2026-02-01T00:00:00Z",
				ActorID:                 "admin",
			})
			results[i] = err
		}(i, volID)
	}
	wg.Wait()

	successes, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case isConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d conflicts", successes, conflicts)
	}
	got, err := env.Engine.Repo.GetIssue(env.Ctx, issue.ID)
	if err != nil || got.Status != domain.IssueInProgress {
		t.Fatalf("expected in_progress, got %s (%v)", got.Status, err)
	}
	active, err := env.Engine.Repo.CountActiveAssignments(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active != 1 {
		t.Fatalf("expected one active assignment, got %d", active)
	}
}

func TestVolunteerDeleteGuard(t *testing.T) {
	env := newTestEnv(t)
	issue := reportIssue(t, env, "Electrical")
	vol := createVolunteer(t, env, []string{"Electrical"}, nil)
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		IssueID:                 issue.ID,
		Category:                "Electrical",
		Field:                   "Generator Maintenance",
		MainVolunteerID:         vol.ID,
		EstimatedCompletionDate: "2026-02-01T00:00:00Z",
		ActorID:                 "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteVolunteer(env.Ctx, vol.ID, "admin"); !isConflict(err) {
		t.Fatalf("expected conflict deleting assigned volunteer, got %v", err)
	}
	if _, err := env.Engine.MarkVolunteerComplete(env.Ctx, a.ID, "", vol.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.VerifyAndComplete(env.Ctx, a.ID, "admin"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteVolunteer(env.Ctx, vol.ID, "admin"); err != nil {
		t.Fatalf("expected delete after verify, got %v", err)
	}
}

func TestVolunteerSkillValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateVolunteer(env.Ctx, engine.VolunteerOptions{
		Name:    "Mira",
		Skills:  []string{"Gardening"},
		ActorID: "admin",
	})
	if !isValidation(err) {
		t.Fatalf("expected validation error for unknown skill, got %v", err)
	}
	_, err = env.Engine.CreateVolunteer(env.Ctx, engine.VolunteerOptions{
		Name:              "Mira",
		Skills:            []string{"Plumbing"},
		SpecializedFields: []string{"Pothole Fixing"},
		ActorID:           "admin",
	})
	if !isValidation(err) {
		t.Fatalf("expected validation error for field outside skills, got %v", err)
	}
}

func TestCommentsAndEvents(t *testing.T) {
	env := newTestEnv(t)
	issue := reportIssue(t, env, "Plumbing")
	if _, err := env.Engine.AppendComment(env.Ctx, issue.ID, "citizen-1", "still leaking"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	comments, err := env.Engine.Repo.ListComments(env.Ctx, issue.ID)
	if err != nil || len(comments) != 1 {
		t.Fatalf("expected one comment, got %d (%v)", len(comments), err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE entity_id=?`, issue.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count < 2 {
		t.Fatalf("expected report and comment events, got %d", count)
	}
}
