package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"civicfix/internal/app"
	"civicfix/internal/domain"
	"civicfix/internal/engine"
	"civicfix/internal/engine/auth"
	"civicfix/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"an active assignment already exists for report r-1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the CivicFix API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("CivicFix API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTaxonomy(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerVolunteers(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if se, ok := err.(huma.StatusError); ok {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requirePermission resolves the principal's permission either from the JWT
// roles claim or, for API-key and legacy-header principals, from the actor's
// stored role grants.
func requirePermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if len(principal.Roles) > 0 {
		ok, err := e.Auth.RolesHavePermission(ctx, principal.Roles, perm)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		return auth.ForbiddenError{Permission: perm}
	}
	ok, err := e.Auth.ActorHasPermission(ctx, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

func hasAnyPermission(ctx context.Context, e engine.Engine, perms ...string) (string, error) {
	var last error
	for _, perm := range perms {
		if err := requirePermission(ctx, e, perm); err == nil {
			return perm, nil
		} else {
			last = err
		}
	}
	return "", last
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):   true,
		path.Join(basePath, "taxonomy"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>CivicFix API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTaxonomy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-taxonomy",
		Method:      http.MethodGet,
		Path:        "/taxonomy",
		Summary:     "Repair categories and their specialized fields",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string][]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string][]string `json:"body"`
		}{Body: e.Config.Taxonomy}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-issue",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Report an issue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ReportIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, app.PermIssueCreate); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		urgency := domain.UrgencyMedium
		if input.Body.Urgency != nil {
			urgency = domain.Urgency(*input.Body.Urgency)
		}
		issue, err := e.ReportIssue(ctx, engine.IssueReportOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Category:    input.Body.Category,
			Location:    stringOrEmpty(input.Body.Location),
			WardNumber:  input.Body.WardNumber,
			Urgency:     urgency,
			ReporterID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status" enum:"pending,in_progress,resolved,rejected"`
		Category      string `query:"category"`
		Search        string `query:"search"`
		CreatedAfter  string `query:"created_after" format:"date-time"`
		CreatedBefore string `query:"created_before" format:"date-time"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body paginatedIssues `json:"body"`
	}, error) {
		// Admins see everything; citizens fall back to their own reports.
		granted, err := hasAnyPermission(ctx, e, app.PermIssueListAll, app.PermIssueListOwn)
		if err != nil {
			return nil, handleError(err)
		}
		filters := repo.IssueFilters{
			Status:        input.Status,
			Category:      input.Category,
			Search:        input.Search,
			CreatedAfter:  input.CreatedAfter,
			CreatedBefore: input.CreatedBefore,
		}
		if granted == app.PermIssueListOwn {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			filters.ReporterID = actorID
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filters.Limit = limit + 1
		filters.CursorCreatedAt = cursorCreated
		filters.CursorID = cursorID
		issues, err := e.Repo.ListIssues(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedIssues{Items: []IssueResponse{}}
		if len(issues) > limit {
			// The repo's cursor clause is strict, so the cursor must be the
			// last returned row, not the peeked one.
			issues = issues[:limit]
			last := issues[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapIssues(issues)
		return &struct {
			Body paginatedIssues `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, app.PermIssueRead); err != nil {
			return nil, handleError(err)
		}
		issue, err := e.Repo.GetIssue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-issue",
		Method:      http.MethodPatch,
		Path:        "/issues/{id}",
		Summary:     "Update issue status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Status *string `json:"status,omitempty" enum:"pending,in_progress,resolved,rejected"`
		} `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Status == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		// Rejection is the only status an actor may set directly; the
		// resolved and in_progress states are driven by the assignment
		// workflow.
		if domain.IssueStatus(*input.Body.Status) != domain.IssueRejected {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "status is managed by the assignment workflow", nil)
		}
		if err := requirePermission(ctx, e, app.PermIssueReject); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.RejectIssue(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/reject",
		Summary:     "Reject an issue",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body *RejectIssueRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, app.PermIssueReject); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.RejectIssue(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		var reason string
		if input.Body != nil {
			reason = stringOrEmpty(input.Body.Reason)
		}
		if reason != "" {
			if _, err := e.AppendComment(ctx, input.ID, actorID, reason); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/issues/{id}/comments",
		Summary:       "Comment on an issue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AddCommentRequest `json:"body"`
	}) (*struct {
		Body CommentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, app.PermIssueComment); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AppendComment(ctx, input.ID, actorID, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommentResponse `json:"body"`
		}{Body: commentResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/issues/{id}/comments",
		Summary:     "List issue comments",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []CommentResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, app.PermIssueRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetIssue(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		comments, err := e.Repo.ListComments(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]CommentResponse, 0, len(comments))
		for _, c := range comments {
			res = append(res, commentResponse(c))
		}
		return &struct {
			Body []CommentResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issue-assignments",
		Method:      http.MethodGet,
		Path:        "/issues/{id}/assignments",
		Summary:     "List assignments for an issue",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []AssignmentResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, app.PermAssignmentRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetIssue(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAssignmentsByIssue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssignmentResponse `json:"body"`
		}{Body: mapAssignments(items)}, nil
	})
}

func registerVolunteers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-volunteer",
		Method:        http.MethodPost,
		Path:          "/volunteers",
		Summary:       "Register a volunteer",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body VolunteerRequest `json:"body"`
	}) (*struct {
		Body VolunteerResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, app.PermVolunteerManage); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CreateVolunteer(ctx, engine.VolunteerOptions{
			Name:              input.Body.Name,
			Skills:            input.Body.Skills,
			SpecializedFields: input.Body.SpecializedFields,
			Availability:      stringOrEmpty(input.Body.Availability),
			Contact:           stringOrEmpty(input.Body.Contact),
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VolunteerResponse `json:"body"`
		}{Body: volunteerResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-volunteers",
		Method:      http.MethodGet,
		Path:        "/volunteers",
		Summary:     "List volunteers, optionally filtered by skill",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
		Field    string `query:"field"`
	}) (*struct {
		Body []VolunteerResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, app.PermVolunteerRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListVolunteersBySkill(ctx, input.Category, input.Field)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []VolunteerResponse `json:"body"`
		}{Body: mapVolunteers(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-volunteer",
		Method:      http.MethodGet,
		Path:        "/volunteers/{id}",
		Summary:     "Get volunteer",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body VolunteerResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, app.PermVolunteerRead); err != nil {
			return nil, handleError(err)
		}
		v, err := e.Repo.GetVolunteer(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VolunteerResponse `json:"body"`
		}{Body: volunteerResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-volunteer",
		Method:      http.MethodPut,
		Path:        "/volunteers/{id}",
		Summary:     "Update volunteer",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body VolunteerRequest `json:"body"`
	}) (*struct {
		Body VolunteerResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, app.PermVolunteerManage); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.UpdateVolunteer(ctx, input.ID, engine.VolunteerOptions{
			Name:              input.Body.Name,
			Skills:            input.Body.Skills,
			SpecializedFields: input.Body.SpecializedFields,
			Availability:      stringOrEmpty(input.Body.Availability),
			Contact:           stringOrEmpty(input.Body.Contact),
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VolunteerResponse `json:"body"`
		}{Body: volunteerResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-volunteer",
		Method:      http.MethodDelete,
		Path:        "/volunteers/{id}",
		Summary:     "Delete volunteer",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, app.PermVolunteerManage); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteVolunteer(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assignment",
		Method:        http.MethodPost,
		Path:          "/assignments",
		Summary:       "Assign a volunteer team to an issue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAssignmentRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, app.PermAssignmentCreate); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAssignment(ctx, engine.AssignmentCreateOptions{
			IssueID:                 input.Body.IssueID,
			Category:                input.Body.Category,
			Field:                   input.Body.Field,
			MainVolunteerID:         input.Body.MainVolunteerID,
			SubVolunteersCount:      intOrZero(input.Body.SubVolunteersCount),
			WorkDescription:         stringOrEmpty(input.Body.WorkDescription),
			EstimatedCompletionDate: input.Body.EstimatedCompletionDate,
			ActorID:                 actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List assignments for an issue",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `query:"issue_id" required:"true"`
		Active  bool   `query:"active"`
	}) (*struct {
		Body []AssignmentResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, app.PermAssignmentRead); err != nil {
			return nil, handleError(err)
		}
		if input.IssueID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issue_id is required", nil)
		}
		if _, err := e.Repo.GetIssue(ctx, input.IssueID); err != nil {
			return nil, handleError(err)
		}
		if input.Active {
			a, err := e.Repo.FindActiveByIssue(ctx, input.IssueID)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return &struct {
						Body []AssignmentResponse `json:"body"`
					}{Body: []AssignmentResponse{}}, nil
				}
				return nil, handleError(err)
			}
			return &struct {
				Body []AssignmentResponse `json:"body"`
			}{Body: []AssignmentResponse{assignmentResponse(a)}}, nil
		}
		items, err := e.Repo.ListAssignmentsByIssue(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]AssignmentResponse, 0, len(items))
		for _, a := range items {
			res = append(res, assignmentResponse(a))
		}
		return &struct {
			Body []AssignmentResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}",
		Summary:     "Get assignment",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, app.PermAssignmentRead); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAssignment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "volunteer-complete",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/volunteer-complete",
		Summary:     "Volunteer marks the assigned work as finished",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body *VolunteerCompleteRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, app.PermAssignmentComplete); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var notes string
		if input.Body != nil {
			notes = stringOrEmpty(input.Body.CompletionNotes)
		}
		a, err := e.MarkVolunteerComplete(ctx, input.ID, notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-complete",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/verify-complete",
		Summary:     "Admin verifies finished work and resolves the issue",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, app.PermAssignmentVerify); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.VerifyAndComplete(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Issue and assignment counters",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, app.PermStatsRead); err != nil {
			return nil, handleError(err)
		}
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: stats}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"issue,volunteer,assignment"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, app.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		if len(roles) == 0 {
			if stored, err := e.Auth.ActorRoles(ctx, principal.ActorID); err == nil {
				roles = stored
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(roles),
			Source:  principal.Source,
		}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
