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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wolfpack/internal/app"
	"wolfpack/internal/config"
	"wolfpack/internal/domain"
	"wolfpack/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Runner   app.Runner
	Base     *config.Config
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_config"`
	Message string         `json:"message" example:"configuration: session.players: need at least 3 players, got 2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"session.players\"}"`
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

// Server serves the API and owns the sessions started through it.
type Server struct {
	cfg     Config
	repo    repo.Repo
	logger  *zap.Logger
	handler http.Handler
	ctx     context.Context
	group   *errgroup.Group

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New builds the API handler. Sessions started through the API and the
// webhook dispatcher run until ctx is done; Wait blocks until they stop.
func New(ctx context.Context, cfg Config) (*Server, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Base == nil {
		cfg.Base = config.Default()
	}
	if err := cfg.Base.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger.Named("auth")
	}
	if cfg.Runner.Logger == nil {
		cfg.Runner.Logger = logger
	}
	group, gctx := errgroup.WithContext(ctx)
	s := &Server{
		cfg:     cfg,
		repo:    cfg.Runner.Repo,
		logger:  logger,
		ctx:     gctx,
		group:   group,
		running: make(map[string]context.CancelFunc),
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, s.repo))
	hcfg := huma.DefaultConfig("Wolfpack API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	grp := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(grp)
	s.registerSessions(grp)
	s.registerEvents(grp)
	registerMe(grp)
	registerDevAuth(grp, cfg.Auth)
	registerOpenAPI(router, api, basePath)
	s.handler = router

	if hooks := enabledWebhooks(cfg.Base.Webhooks); len(hooks) > 0 {
		d := newWebhookDispatcher(s.repo, hooks, logger.Named("webhooks"))
		group.Go(func() error { return d.run(gctx) })
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Wait blocks until every background session and the webhook dispatcher
// have stopped.
func (s *Server) Wait() error {
	return s.group.Wait()
}

// start runs a prepared session in the background.
func (s *Server) start(sess *app.Session) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.running[sess.ID] = cancel
	s.mu.Unlock()
	s.group.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.running, sess.ID)
			s.mu.Unlock()
			cancel()
		}()
		if _, err := sess.Run(ctx); err != nil {
			s.logger.Warn("session stopped", zap.String("session", sess.ID), zap.Error(err))
		}
		return nil
	})
}

func (s *Server) cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[id]
	if ok {
		cancel()
	}
	return ok
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ce domain.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), map[string]any{"field": ce.Field})
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
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
    <title>Wolfpack API Docs</title>
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

func (s *Server) registerSessions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a session",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := requireModerator(ctx); err != nil {
			return nil, err
		}
		cfg := input.Body.apply(s.cfg.Base)
		sess, err := s.cfg.Runner.Prepare(ctx, cfg, nil)
		if err != nil {
			return nil, handleError(err)
		}
		stored, err := s.repo.GetSession(ctx, sess.ID)
		if err != nil {
			return nil, handleError(err)
		}
		s.start(sess)
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(stored)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions, newest first",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"running,finished,failed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedSessions `json:"body"`
	}, error) {
		items, err := s.repo.ListSessions(ctx, normalizeLimit(input.Limit), input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedSessions{Items: []SessionResponse{}}
		for _, it := range items {
			resp.Items = append(resp.Items, sessionResponse(it))
		}
		return &struct {
			Body paginatedSessions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session with its final roster",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionDetailResponse `json:"body"`
	}, error) {
		sess, err := s.repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		ps, err := s.repo.ListParticipants(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionDetailResponse `json:"body"`
		}{Body: sessionDetailResponse(sess, ps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-config",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/config",
		Summary:     "Get the setup a session was started with",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionConfigResponse `json:"body"`
	}, error) {
		cfg, err := s.repo.GetSessionConfig(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/cancel",
		Summary:     "Stop a running session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := requireModerator(ctx); err != nil {
			return nil, err
		}
		sess, err := s.repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !s.cancel(input.ID) {
			return nil, newAPIError(http.StatusConflict, "not_running", "session is not running", map[string]any{"status": sess.Status})
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(sess)}, nil
	})
}

func (s *Server) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/events",
		Summary:     "List session events",
		Description: "Newest first with cursor paging by default. order=asc lists events after a known id, for tailing.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID             string `path:"id"`
		Type           string `query:"type"`
		Participant    string `query:"participant"`
		IncludePrivate bool   `query:"include_private"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
		Order          string `query:"order" enum:"desc,asc" default:"desc"`
		After          int64  `query:"after"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if input.IncludePrivate {
			if err := requireModerator(ctx); err != nil {
				return nil, err
			}
		}
		if _, err := s.repo.GetSession(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		filter := repo.EventFilter{
			SessionID:      input.ID,
			Type:           input.Type,
			Participant:    input.Participant,
			IncludePrivate: input.IncludePrivate,
		}
		limit := normalizeLimit(input.Limit)
		resp := paginatedEvents{Items: []EventResponse{}}

		if input.Order == "asc" {
			items, err := s.repo.EventsAfter(ctx, limit, input.After, filter)
			if err != nil {
				return nil, handleError(err)
			}
			for _, evt := range items {
				resp.Items = append(resp.Items, eventResponse(evt))
			}
			return &struct {
				Body paginatedEvents `json:"body"`
			}{Body: resp}, nil
		}

		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := s.repo.LatestEventsFrom(ctx, limit+1, cursorID, filter)
		if err != nil {
			return nil, handleError(err)
		}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: principal.ActorID, Role: principal.Role, Source: principal.Source}}, nil
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
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Role, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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
