package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"shepherd/internal/domain"
	"shepherd/internal/engine"
	"shepherd/internal/engine/auth"
	"shepherd/internal/metrics"
	"shepherd/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Version  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"delete_restricted"`
	Message string         `json:"message" example:"DELETE_RESTRICTED: 2 live or pending child resources"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"child_count\":2}"`
}

// apiError models the error envelope every route returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type out[T any] struct {
	Body T
}

func reply[T any](v T) *out[T] { return &out[T]{Body: v} }

// New returns an HTTP handler exposing the governance API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema violations are client errors like any other malformed body.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Shepherd API", version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Handle("/metrics", metrics.Handler())
	registerHealth(group)
	registerRequests(group, cfg.Engine)
	registerBatches(group, cfg.Engine)
	registerTickets(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerResources(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerOps(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

// handleError maps engine errors onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		se         huma.StatusError
		forbidden  auth.ForbiddenError
		validation domain.ValidationError
		confirm    domain.ConfirmationRequiredError
		restricted domain.RestrictedError
		conflict   domain.ConflictError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &forbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"permission":  forbidden.Permission,
			"resource_id": forbidden.ResourceID,
		})
	case errors.As(err, &validation):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{
			"field":  validation.Field,
			"reason": validation.Reason,
		})
	case errors.As(err, &confirm):
		return newAPIError(http.StatusPreconditionRequired, "confirmation_required", err.Error(), map[string]any{
			"expected": confirm.Expected,
			"strict":   confirm.Strict,
		})
	case errors.As(err, &restricted):
		return newAPIError(http.StatusConflict, "delete_restricted", err.Error(), map[string]any{
			"child_count": restricted.ChildCount,
		})
	case errors.As(err, &conflict):
		return newAPIError(http.StatusConflict, strings.ToLower(conflict.Code), err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	var errSchema *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: errSchema},
				},
			}
		}
	}
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Shepherd API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

type idPath struct {
	ID string `path:"id"`
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a state-changing request",
		DefaultStatus: http.StatusAccepted,
		Errors:        append(commonErrors, http.StatusPreconditionRequired),
	}, func(ctx context.Context, input *struct {
		Body SubmitRequestBody
	}) (*out[engine.SubmitResult], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Submit(ctx, p, input.Body.toEngine())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerBatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Submit N VM creations under one ticket",
		DefaultStatus: http.StatusAccepted,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body BatchRequestBody
	}) (*out[engine.BatchResult], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SubmitBatch(ctx, p, engine.SubmitRequest{
			Operation: domain.OpVMCreate,
			Scope:     input.Body.Scope,
			Spec:      input.Body.Spec,
			Reason:    input.Body.Reason,
		}, input.Body.Count)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{id}",
		Summary:     "Batch progress derived from its items",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*out[domain.BatchStatus], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.GetBatchStatus(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batch-items",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/items",
		Summary:     "Tickets of a batch",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*out[[]domain.Ticket], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListChildTickets(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})
}

func registerTickets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{id}",
		Summary:     "Get approval ticket",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*out[domain.Ticket], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTicket(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/approve",
		Summary:     "Approve, optionally replacing the spec",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ApproveRequestBody
	}) (*out[domain.Ticket], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts, err := input.Body.toEngine()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		t, err := e.Approve(ctx, p, input.ID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	decisions := []struct {
		id, verb, summary string
		fn                func(context.Context, auth.Principal, string, string) (domain.Ticket, error)
	}{
		{"reject-ticket", "reject", "Reject a pending ticket", e.Reject},
		{"cancel-ticket", "cancel", "Withdraw your own ticket", e.Cancel},
	}
	for _, d := range decisions {
		fn := d.fn
		huma.Register(api, huma.Operation{
			OperationID: d.id,
			Method:      http.MethodPost,
			Path:        "/tickets/{id}/" + d.verb,
			Summary:     d.summary,
			Errors:      commonErrors,
		}, func(ctx context.Context, input *struct {
			ID   string `path:"id"`
			Body *DecisionRequestBody
		}) (*out[domain.Ticket], error) {
			p, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			reason := ""
			if input.Body != nil {
				reason = input.Body.Reason
			}
			t, err := fn(ctx, p, input.ID, reason)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(t), nil
		})
	}
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List domain events, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status" enum:"PENDING,PROCESSING,COMPLETED,FAILED,CANCELLED"`
		Type            string `query:"type"`
		AggregateID     string `query:"aggregate_id"`
		CreatedBy       string `query:"created_by"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*out[paginatedEvents], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListEvents(ctx, p, repo.EventFilter{
			Status:          input.Status,
			Type:            input.Type,
			AggregateID:     input.AggregateID,
			CreatedBy:       input.CreatedBy,
			IncludeArchived: input.IncludeArchived,
			Limit:           limit + 1,
			Cursor:          input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = last.CreatedAt + "|" + last.ID
			resp.Items = items[:limit]
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{id}",
		Summary:     "Get domain event",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*out[domain.Event], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evt, err := e.GetEvent(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(evt), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-event-jobs",
		Method:      http.MethodGet,
		Path:        "/events/{id}/jobs",
		Summary:     "Delivery attempts of an event",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*out[[]domain.Job], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		jobs, err := e.EventJobs(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(jobs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-events",
		Method:      http.MethodPost,
		Path:        "/events/archive",
		Summary:     "Archive terminal events past retention",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body *ArchiveRequestBody
	}) (*out[ArchiveResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var olderThan time.Duration
		if input.Body != nil {
			olderThan = time.Duration(input.Body.OlderThanDays) * 24 * time.Hour
		}
		n, err := e.ArchiveSweep(ctx, p, olderThan)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ArchiveResponse{Archived: n}), nil
	})
}

func registerResources(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-resource",
		Method:        http.MethodPost,
		Path:          "/resources",
		Summary:       "Register a system, service or vm",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterResourceBody
	}) (*out[domain.Resource], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		res, err := e.RegisterResource(ctx, p, engine.RegisterOptions{
			ID:          b.ID,
			Kind:        b.Kind,
			Name:        b.Name,
			ParentID:    b.ParentID,
			Environment: b.Environment,
			Sensitivity: b.Sensitivity,
			Cluster:     b.Cluster,
			Namespace:   b.Namespace,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-resources",
		Method:      http.MethodGet,
		Path:        "/resources",
		Summary:     "List readable resources",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Kind     string `query:"kind" enum:"system,service,vm"`
		ParentID string `query:"parent_id"`
		Status   string `query:"status" enum:"live,deleted"`
	}) (*out[[]domain.Resource], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListResources(ctx, p, repo.ResourceFilter{Kind: input.Kind, ParentID: input.ParentID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-resource",
		Method:      http.MethodGet,
		Path:        "/resources/{id}",
		Summary:     "Get resource",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*out[domain.Resource], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.GetResource(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-resource",
		Method:        http.MethodPost,
		Path:          "/resources/{id}/delete",
		Summary:       "Request deletion of a resource",
		DefaultStatus: http.StatusAccepted,
		Errors:        append(commonErrors, http.StatusPreconditionRequired),
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body *DeleteRequestBody
	}) (*out[engine.SubmitResult], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req := engine.DeleteRequest{ResourceID: input.ID}
		if input.Body != nil {
			req.Confirm = input.Body.Confirm
			req.ConfirmName = input.Body.ConfirmName
			req.Reason = input.Body.Reason
		}
		res, err := e.RequestDelete(ctx, p, req)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/role-bindings",
		Summary:       "Bind a role globally or on a root aggregate",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body GrantRequestBody
	}) (*out[domain.RoleBinding], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Grant(ctx, p, engine.GrantOptions{
			UserID:       input.Body.UserID,
			RoleID:       input.Body.RoleID,
			ScopeType:    input.Body.ScopeType,
			ScopeID:      input.Body.ScopeID,
			Environments: input.Body.AllowedEnvironments,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-role-bindings",
		Method:      http.MethodGet,
		Path:        "/role-bindings",
		Summary:     "List role bindings",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*out[[]domain.RoleBinding], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListBindings(ctx, p, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodDelete,
		Path:          "/role-bindings/{id}",
		Summary:       "Revoke a role binding",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Revoke(ctx, p, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-permission",
		Method:      http.MethodPost,
		Path:        "/permissions/check",
		Summary:     "Evaluate a permission without acting",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CheckPermissionBody
	}) (*out[auth.Decision], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CheckPermission(ctx, p, auth.Query{
			ActorID:     input.Body.ActorID,
			Permission:  input.Body.Permission,
			ResourceID:  input.Body.ResourceID,
			Environment: input.Body.Environment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and bindings",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*out[WhoAmIResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bindings, err := e.ListBindings(ctx, p, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(WhoAmIResponse{
			ActorID:  p.ActorID,
			TenantID: p.TenantID,
			Source:   p.Source,
			Bindings: nonNilSlice(bindings),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key; the secret is shown once",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body *CreateAPIKeyBody
	}) (*out[APIKeyResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var b CreateAPIKeyBody
		if input.Body != nil {
			b = *input.Body
		}
		secret, key, err := e.CreateAPIKey(ctx, p, b.ActorID, b.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = secret
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*out[[]APIKeyResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, p, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			resp = append(resp, apiKeyResponse(k))
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, p, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerOps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-depth",
		Method:      http.MethodGet,
		Path:        "/queues",
		Summary:     "Waiting jobs per execution domain",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]int], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		depth, err := e.QueueDepth(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(depth), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit trail, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*out[[]domain.AuditEntry], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.AuditTrail(ctx, p, input.EntityKind, input.EntityID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})
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
