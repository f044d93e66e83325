package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"civicfix/internal/app"
	"civicfix/internal/config"
	"civicfix/internal/db"
	"civicfix/internal/engine"
	"civicfix/internal/migrate"
)

const testSecret = "server-test-secret"

func newTestServer(t *testing.T) *httptest.Server {
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
	if err := app.Bootstrap(context.Background(), conn, cfg); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	eng := engine.New(conn, cfg)
	// Each engine call sees a later timestamp so list ordering and date
	// filters are deterministic.
	var tick int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	handler, err := New(Config{
		Engine: eng,
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func tokenFor(t *testing.T, actorID string, roles ...string) string {
	t.Helper()
	tok, err := SignToken(testSecret, actorID, roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, method, url, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp.StatusCode, decoded
}

func TestHealthAndTaxonomyArePublic(t *testing.T) {
	srv := newTestServer(t)
	status, body := doJSON(t, http.MethodGet, srv.URL+"/v0/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", status)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body: %v", body)
	}
	status, body = doJSON(t, http.MethodGet, srv.URL+"/v0/taxonomy", "", nil)
	if status != http.StatusOK {
		t.Fatalf("taxonomy: expected 200, got %d", status)
	}
	if _, ok := body["Plumbing"]; !ok {
		t.Fatalf("taxonomy missing Plumbing: %v", body)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := newTestServer(t)
	status, body := doJSON(t, http.MethodGet, srv.URL+"/v0/issues", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%v)", status, body)
	}
}

func TestEndToEndAssignmentFlow(t *testing.T) {
	srv := newTestServer(t)
	admin := tokenFor(t, "admin", app.RoleAdmin)

	status, issue := doJSON(t, http.MethodPost, srv.URL+"/v0/issues", admin, map[string]any{
		"title":       "Burst pipe near the market",
		"description": "Water flooding the street corner",
		"category":    "Plumbing",
		"ward_number": "7",
	})
	if status != http.StatusCreated {
		t.Fatalf("report issue: expected 201, got %d (%v)", status, issue)
	}
	issueID := issue["id"].(string)
	if issue["status"] != "pending" {
		t.Fatalf("expected pending, got %v", issue["status"])
	}

	status, vol := doJSON(t, http.MethodPost, srv.URL+"/v0/volunteers", admin, map[string]any{
		"name":   "Asha",
		"skills": []string{"Plumbing"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create volunteer: expected 201, got %d (%v)", status, vol)
	}
	volID := vol["id"].(string)

	status, asg := doJSON(t, http.MethodPost, srv.URL+"/v0/assignments", admin, map[string]any{
		"issue_id":                  issueID,
		"category":                  "Plumbing",
		"field":                     "Pipe Repair",
		"main_volunteer_id":         volID,
		"estimated_completion_date": "2026-02-01T00:00:00Z",
	})
	if status != http.StatusCreated {
		t.Fatalf("create assignment: expected 201, got %d (%v)", status, asg)
	}
	asgID := asg["id"].(string)

	status, got := doJSON(t, http.MethodGet, srv.URL+"/v0/issues/"+issueID, admin, nil)
	if status != http.StatusOK || got["status"] != "in_progress" {
		t.Fatalf("expected in_progress issue, got %d %v", status, got)
	}

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/assignments/"+asgID+"/volunteer-complete", admin, map[string]any{
		"completion_notes": "sealed and repainted",
	})
	if status != http.StatusOK {
		t.Fatalf("volunteer-complete: expected 200, got %d", status)
	}

	status, resolved := doJSON(t, http.MethodPost, srv.URL+"/v0/assignments/"+asgID+"/verify-complete", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("verify-complete: expected 200, got %d (%v)", status, resolved)
	}
	if resolved["status"] != "resolved" {
		t.Fatalf("expected resolved issue, got %v", resolved["status"])
	}
	if resolved["resolution"] != "sealed and repainted" {
		t.Fatalf("expected notes as resolution, got %v", resolved["resolution"])
	}

	// a second verify is a conflict
	status, errBody := doJSON(t, http.MethodPost, srv.URL+"/v0/assignments/"+asgID+"/verify-complete", admin, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 on double verify, got %d (%v)", status, errBody)
	}
	envelope, _ := errBody["error"].(map[string]any)
	if envelope == nil || envelope["code"] != "conflict" {
		t.Fatalf("expected conflict envelope, got %v", errBody)
	}

	status, stats := doJSON(t, http.MethodGet, srv.URL+"/v0/stats", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", status)
	}
	counts, _ := stats["issue_counts"].(map[string]any)
	if counts == nil || counts["resolved"] != float64(1) {
		t.Fatalf("expected one resolved issue in stats, got %v", stats)
	}
}

func TestCitizenPermissions(t *testing.T) {
	srv := newTestServer(t)
	alice := tokenFor(t, "citizen-alice", app.RoleCitizen)
	bob := tokenFor(t, "citizen-bob", app.RoleCitizen)

	status, issue := doJSON(t, http.MethodPost, srv.URL+"/v0/issues", alice, map[string]any{
		"title":       "Broken street light",
		"description": "Dark at night on 4th avenue",
		"category":    "Electrical",
		"ward_number": "4",
	})
	if status != http.StatusCreated {
		t.Fatalf("citizen report: expected 201, got %d (%v)", status, issue)
	}
	if issue["reporter_id"] != "citizen-alice" {
		t.Fatalf("reporter must come from the principal, got %v", issue["reporter_id"])
	}

	// citizens may not manage volunteers
	status, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/volunteers", alice, map[string]any{
		"name":   "Nope",
		"skills": []string{"Electrical"},
	})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for citizen volunteer create, got %d", status)
	}

	// listing falls back to list.own: bob sees nothing, alice sees hers
	status, page := doJSON(t, http.MethodGet, srv.URL+"/v0/issues", bob, nil)
	if status != http.StatusOK {
		t.Fatalf("bob list: expected 200, got %d", status)
	}
	if items, _ := page["items"].([]any); len(items) != 0 {
		t.Fatalf("bob should see no issues, got %d", len(items))
	}
	status, page = doJSON(t, http.MethodGet, srv.URL+"/v0/issues", alice, nil)
	if status != http.StatusOK {
		t.Fatalf("alice list: expected 200, got %d", status)
	}
	if items, _ := page["items"].([]any); len(items) != 1 {
		t.Fatalf("alice should see her issue, got %d", len(items))
	}
}

func TestStatusIsWorkflowManaged(t *testing.T) {
	srv := newTestServer(t)
	admin := tokenFor(t, "admin", app.RoleAdmin)

	_, issue := doJSON(t, http.MethodPost, srv.URL+"/v0/issues", admin, map[string]any{
		"title":       "Pothole on the bridge",
		"description": "Deep pothole slowing traffic",
		"category":    "Road Repair",
		"ward_number": "3",
	})
	issueID := issue["id"].(string)

	status, body := doJSON(t, http.MethodPatch, srv.URL+"/v0/issues/"+issueID, admin, map[string]any{
		"status": "resolved",
	})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for direct resolve, got %d (%v)", status, body)
	}

	status, rejected := doJSON(t, http.MethodPatch, srv.URL+"/v0/issues/"+issueID, admin, map[string]any{
		"status": "rejected",
	})
	if status != http.StatusOK || rejected["status"] != "rejected" {
		t.Fatalf("expected rejected via PATCH, got %d %v", status, rejected)
	}
}

func TestRejectReasonBecomesComment(t *testing.T) {
	srv := newTestServer(t)
	admin := tokenFor(t, "admin", app.RoleAdmin)

	_, issue := doJSON(t, http.MethodPost, srv.URL+"/v0/issues", admin, map[string]any{
		"title":       "Graffiti complaint",
		"description": "Not a civic infrastructure problem",
		"category":    "Construction",
		"ward_number": "9",
	})
	issueID := issue["id"].(string)

	status, _ := doJSON(t, http.MethodPost, srv.URL+"/v0/issues/"+issueID+"/reject", admin, map[string]any{
		"reason": "out of scope for volunteer crews",
	})
	if status != http.StatusOK {
		t.Fatalf("reject: expected 200, got %d", status)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/issues/"+issueID+"/comments", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+admin)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("comments: expected 200, got %d", resp.StatusCode)
	}
	var comments []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&comments); err != nil {
		t.Fatalf("decode comments: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("expected one comment, got %d", len(comments))
	}
	if comments[0]["text"] != "out of scope for volunteer crews" {
		t.Fatalf("unexpected comment text: %v", comments[0]["text"])
	}
}

func TestValidationErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	admin := tokenFor(t, "admin", app.RoleAdmin)
	status, body := doJSON(t, http.MethodPost, srv.URL+"/v0/issues", admin, map[string]any{
		"title":       "No category",
		"description": "missing the category entirely",
		"category":    "Astronomy",
		"ward_number": "1",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%v)", status, body)
	}
	envelope, _ := body["error"].(map[string]any)
	if envelope == nil || envelope["code"] != "bad_request" {
		t.Fatalf("expected bad_request envelope, got %v", body)
	}
}

func TestLegacyActorHeader(t *testing.T) {
	srv := newTestServer(t)
	// the bootstrap admin actor carries the admin role directly
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/stats", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Actor-Id", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 via legacy header, got %d", resp.StatusCode)
	}
}

func TestWhoAmI(t *testing.T) {
	srv := newTestServer(t)
	tok := tokenFor(t, "citizen-alice", app.RoleCitizen)
	status, body := doJSON(t, http.MethodGet, srv.URL+"/v0/me", tok, nil)
	if status != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", status)
	}
	if body["actor_id"] != "citizen-alice" || body["source"] != "jwt" {
		t.Fatalf("unexpected whoami: %v", body)
	}
	roles, _ := body["roles"].([]any)
	if len(roles) != 1 || roles[0] != "citizen" {
		t.Fatalf("unexpected roles: %v", body["roles"])
	}
}

func TestIssueListPaginationCoversAllRows(t *testing.T) {
	srv := newTestServer(t)
	admin := tokenFor(t, "admin", app.RoleAdmin)
	want := map[string]bool{}
	for i := 0; i < 5; i++ {
		status, issue := doJSON(t, http.MethodPost, srv.URL+"/v0/issues", admin, map[string]any{
			"title":       fmt.Sprintf("Report number %d", i),
			"description": "Seeded for paging",
			"category":    "Plumbing",
			"ward_number": "5",
		})
		if status != http.StatusCreated {
			t.Fatalf("seed issue %d: got %d", i, status)
		}
		want[issue["id"].(string)] = true
	}

	seen := map[string]int{}
	cursor := ""
	for page := 0; page < 10; page++ {
		url := srv.URL + "/v0/issues?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		status, body := doJSON(t, http.MethodGet, url, admin, nil)
		if status != http.StatusOK {
			t.Fatalf("page %d: expected 200, got %d", page, status)
		}
		items, _ := body["items"].([]any)
		for _, it := range items {
			id := it.(map[string]any)["id"].(string)
			seen[id]++
		}
		cursor, _ = body["next_cursor"].(string)
		if cursor == "" {
			break
		}
	}
	if len(seen) != len(want) {
		t.Fatalf("paging returned %d of %d issues", len(seen), len(want))
	}
	for id := range want {
		if seen[id] != 1 {
			t.Fatalf("issue %s returned %d times across pages", id, seen[id])
		}
	}
}

func TestIssueListDateRangeFilter(t *testing.T) {
	srv := newTestServer(t)
	admin := tokenFor(t, "admin", app.RoleAdmin)
	var createdAts []string
	for i := 0; i < 3; i++ {
		status, issue := doJSON(t, http.MethodPost, srv.URL+"/v0/issues", admin, map[string]any{
			"title":       fmt.Sprintf("Dated report %d", i),
			"description": "Seeded for date filtering",
			"category":    "Electrical",
			"ward_number": "6",
		})
		if status != http.StatusCreated {
			t.Fatalf("seed issue %d: got %d", i, status)
		}
		createdAts = append(createdAts, issue["created_at"].(string))
	}

	mid := createdAts[1]
	status, body := doJSON(t, http.MethodGet, srv.URL+"/v0/issues?created_after="+mid, admin, nil)
	if status != http.StatusOK {
		t.Fatalf("created_after: expected 200, got %d", status)
	}
	if items, _ := body["items"].([]any); len(items) != 2 {
		t.Fatalf("created_after %s: expected 2 issues, got %d", mid, len(items))
	}

	status, body = doJSON(t, http.MethodGet, srv.URL+"/v0/issues?created_before="+mid, admin, nil)
	if status != http.StatusOK {
		t.Fatalf("created_before: expected 200, got %d", status)
	}
	if items, _ := body["items"].([]any); len(items) != 2 {
		t.Fatalf("created_before %s: expected 2 issues, got %d", mid, len(items))
	}
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	admin := tokenFor(t, "admin", app.RoleAdmin)
	for i := 0; i < 3; i++ {
		status, _ := doJSON(t, http.MethodPost, srv.URL+"/v0/issues", admin, map[string]any{
			"title":       fmt.Sprintf("Report %d with enough words", i),
			"description": "Filler description for pagination",
			"category":    "Garbage Clean",
			"ward_number": "2",
		})
		if status != http.StatusCreated {
			t.Fatalf("seed issue %d: got %d", i, status)
		}
	}
	status, page := doJSON(t, http.MethodGet, srv.URL+"/v0/events?limit=2", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", status)
	}
	items, _ := page["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 events, got %d", len(items))
	}
	cursor, _ := page["next_cursor"].(string)
	if cursor == "" {
		t.Fatalf("expected a next cursor")
	}
	status, page = doJSON(t, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+cursor, admin, nil)
	if status != http.StatusOK {
		t.Fatalf("events page 2: expected 200, got %d", status)
	}
	if items, _ := page["items"].([]any); len(items) != 1 {
		t.Fatalf("expected 1 remaining event, got %d", len(items))
	}
}
