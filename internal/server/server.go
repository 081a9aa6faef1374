package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"reliefline/internal/domain"
	"reliefline/internal/engine"
	"reliefline/internal/engine/auth"
	"reliefline/internal/engine/lifecycle"
	"reliefline/internal/geo"
	"reliefline/internal/repo"
	"reliefline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"task 6f1c cannot move from assigned to assigned"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"assigned\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Reliefline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Reliefline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerReports(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerBroadcasts(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerChanges(group, cfg.Engine)
	registerStreams(group, cfg.Engine, log)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if p, ok := principalFromContext(r.Context()); ok {
				fields = append(fields, zap.String("actor_id", p.ActorID))
			}
			log.Debug("http request", fields...)
		})
	}
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
	var denied auth.DeniedError
	if errors.As(err, &denied) {
		return newAPIError(http.StatusForbidden, "denied", err.Error(), map[string]any{"action": denied.Action, "role": denied.Role, "reason": denied.Reason})
	}
	var ge *geo.Error
	if errors.As(err, &ge) {
		switch ge.Kind {
		case geo.MissingLocation:
			return newAPIError(http.StatusBadRequest, "missing_location", err.Error(), nil)
		case geo.NoMatch:
			return newAPIError(http.StatusUnprocessableEntity, "no_match", err.Error(), nil)
		case geo.ProviderRejected:
			status := http.StatusBadGateway
			if ge.Reason == geo.ReasonQuota {
				status = http.StatusTooManyRequests
			}
			return newAPIError(status, "provider_rejected", err.Error(), map[string]any{"reason": ge.Reason})
		default:
			return newAPIError(http.StatusServiceUnavailable, "geocoder_unreachable", err.Error(), nil)
		}
	}
	var te *lifecycle.TransitionError
	if errors.As(err, &te) {
		code := "invalid_transition"
		if errors.Is(err, lifecycle.ErrAlreadyFulfilled) {
			code = "already_fulfilled"
		}
		return newAPIError(http.StatusConflict, code, err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, store.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var invalid engine.InvalidInputError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), validationDetails(invalid.Err))
	}
	var unavailable *store.UnavailableError
	if errors.As(err, &unavailable) {
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store unavailable", map[string]any{"op": unavailable.Op})
	}
	if errors.Is(err, repo.ErrInvalidDocument) {
		return newAPIError(http.StatusInternalServerError, "invalid_document", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func validationDetails(err error) map[string]any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, map[string]string{"field": fe.Field(), "rule": fe.Tag()})
	}
	return map[string]any{"fields": fields}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Reliefline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{ActorID: p.ActorID, Role: p.Role, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, roleOrDefault(input.Body.Role), authCfg.TokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func coordinates(lat, lng *float64) (*domain.Coordinates, huma.StatusError) {
	if lat == nil && lng == nil {
		return nil, nil
	}
	if lat == nil || lng == nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "latitude and longitude must be given together", nil)
	}
	return &domain.Coordinates{Latitude: *lat, Longitude: *lng}, nil
}

type idPath struct {
	ID string `path:"id"`
}

type listQuery struct {
	Mine   bool   `query:"mine" doc:"Only documents created by the caller"`
	Status string `query:"status"`
	Search string `query:"q" doc:"Case-insensitive substring over the free-text fields"`
}

func (q listQuery) options(ctx context.Context) (engine.ListOptions, huma.StatusError) {
	opts := engine.ListOptions{Status: q.Status, Search: q.Search}
	if q.Mine {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return opts, err
		}
		opts.UserID = actor.ID
	}
	return opts, nil
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Submit an incident report",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateReportRequest `json:"body"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		coords, cerr := coordinates(input.Body.Latitude, input.Body.Longitude)
		if cerr != nil {
			return nil, cerr
		}
		r, err := e.SubmitReport(ctx, actor, engine.ReportInput{
			ReportType: input.Body.ReportType,
			Details:    input.Body.Details,
			Location:   input.Body.Location,
			Coords:     coords,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		listQuery
		Type string `query:"type" enum:"missing,injury,damage,other"`
	}) (*struct {
		Body ReportList `json:"body"`
	}, error) {
		opts, qerr := input.options(ctx)
		if qerr != nil {
			return nil, qerr
		}
		opts.Type = input.Type
		items, err := e.ListReports(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportList `json:"body"`
		}{Body: ReportList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		r, err := e.GetReport(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/resolve",
		Summary:     "Mark a report resolved",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.ResolveReport(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: r}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a resource request",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateResourceRequestRequest `json:"body"`
	}) (*struct {
		Body domain.ResourceRequest `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		coords, cerr := coordinates(input.Body.Latitude, input.Body.Longitude)
		if cerr != nil {
			return nil, cerr
		}
		r, err := e.SubmitResourceRequest(ctx, actor, engine.RequestInput{
			RequestType: input.Body.RequestType,
			Description: input.Body.Description,
			Location:    input.Body.Location,
			Coords:      coords,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ResourceRequest `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List resource requests",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		listQuery
		Type string `query:"type" enum:"food,water,shelter,medical,clothing,other"`
	}) (*struct {
		Body ResourceRequestList `json:"body"`
	}, error) {
		opts, qerr := input.options(ctx)
		if qerr != nil {
			return nil, qerr
		}
		opts.Type = input.Type
		items, err := e.ListResourceRequests(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResourceRequestList `json:"body"`
		}{Body: ResourceRequestList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get resource request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.ResourceRequest `json:"body"`
	}, error) {
		r, err := e.GetResourceRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ResourceRequest `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fulfill-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/fulfill",
		Summary:     "Fulfill a pending resource request",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.ResourceRequest `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.FulfillResourceRequest(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ResourceRequest `json:"body"`
		}{Body: r}, nil
	})
}

func registerBroadcasts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-broadcast",
		Method:        http.MethodPost,
		Path:          "/broadcasts",
		Summary:       "Send a broadcast",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateBroadcastRequest `json:"body"`
	}) (*struct {
		Body domain.Broadcast `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.SendBroadcast(ctx, actor, engine.BroadcastInput{Title: input.Body.Title, Message: input.Body.Message})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Broadcast `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-broadcasts",
		Method:      http.MethodGet,
		Path:        "/broadcasts",
		Summary:     "Latest broadcasts, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"3" minimum:"0" doc:"0 returns every broadcast"`
	}) (*struct {
		Body BroadcastList `json:"body"`
	}, error) {
		items, err := e.LatestBroadcasts(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BroadcastList `json:"body"`
		}{Body: BroadcastList{Items: items}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create a volunteer task",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateVolunteerTaskRequest `json:"body"`
	}) (*struct {
		Body domain.VolunteerTask `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		coords, cerr := coordinates(input.Body.Latitude, input.Body.Longitude)
		if cerr != nil {
			return nil, cerr
		}
		t, err := e.CreateVolunteerTask(ctx, actor, engine.TaskInput{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Location:    input.Body.Location,
			Coords:      coords,
			Skills:      input.Body.RequiredSkills,
			Priority:    input.Body.Priority,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VolunteerTask `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List volunteer tasks",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		listQuery
		Priority string `query:"priority" enum:"low,medium,high,urgent"`
	}) (*struct {
		Body VolunteerTaskList `json:"body"`
	}, error) {
		opts, qerr := input.options(ctx)
		if qerr != nil {
			return nil, qerr
		}
		opts.Priority = input.Priority
		items, err := e.ListVolunteerTasks(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VolunteerTaskList `json:"body"`
		}{Body: VolunteerTaskList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get volunteer task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.VolunteerTask `json:"body"`
	}, error) {
		t, err := e.GetVolunteerTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VolunteerTask `json:"body"`
		}{Body: t}, nil
	})

	transitions := []struct {
		id, path, summary string
		apply             func(context.Context, auth.Actor, string) (domain.VolunteerTask, error)
	}{
		{"accept-task", "/tasks/{id}/accept", "Accept a pending task", e.AcceptVolunteerTask},
		{"complete-task", "/tasks/{id}/complete", "Complete a task", e.CompleteVolunteerTask},
	}
	for _, tr := range transitions {
		apply := tr.apply
		huma.Register(api, huma.Operation{
			OperationID: tr.id,
			Method:      http.MethodPost,
			Path:        tr.path,
			Summary:     tr.summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, input *idPath) (*struct {
			Body domain.VolunteerTask `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := apply(ctx, actor, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.VolunteerTask `json:"body"`
			}{Body: t}, nil
		})
	}
}

func registerChanges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-changes",
		Method:      http.MethodGet,
		Path:        "/changes",
		Summary:     "Change log after a cursor, oldest first",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Collection string `query:"collection" enum:"reports,resourceRequests,volunteerTasks,broadcasts"`
		DocID      string `query:"doc_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor" doc:"Sequence number to start after"`
	}) (*struct {
		Body paginatedChanges `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		items, err := e.Changes(ctx, store.ChangeFilter{After: after, Collection: input.Collection, DocID: input.DocID, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedChanges{Items: []ChangeResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		for _, c := range items {
			resp.Items = append(resp.Items, changeResponse(c))
		}
		return &struct {
			Body paginatedChanges `json:"body"`
		}{Body: resp}, nil
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
