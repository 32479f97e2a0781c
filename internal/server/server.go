package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tableside/internal/engine"
	"tableside/internal/engine/auth"
	"tableside/internal/logging"
	"tableside/internal/metrics"
	"tableside/internal/notify"
	"tableside/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	Scheduler      *scheduler.Scheduler
	Hub            *notify.Hub
	Metrics        *metrics.Metrics
	BasePath       string
	RequestTimeout time.Duration
	Auth           AuthConfig
	Log            logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"session_expired"`
	Message string         `json:"message" example:"session expired"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type remoteAddrKey struct{}

// apiError is the error envelope of every failed request.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the guest and staff API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.Middleware)
	}
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), remoteAddrKey{}, r.RemoteAddr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(requestTimeout(cfg.RequestTimeout))
	router.Use(newStaffAuthMiddleware(path.Join(basePath, "staff"), cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("Tableside API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	if cfg.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	registerDocs(router, basePath)
	registerHealth(group)
	registerGuest(group, cfg.Engine)
	registerStaff(group, cfg)
	registerDevAuth(group, cfg.Auth)
	registerWebSockets(router, basePath, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestTimeout bounds every request except websocket upgrades.
func requestTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d <= 0 || websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(ctx context.Context) string {
	addr, _ := ctx.Value(remoteAddrKey{}).(string)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
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

var kindStatus = map[engine.Kind]int{
	engine.KindInvalidQRCode:     http.StatusNotFound,
	engine.KindUnauthorized:      http.StatusUnauthorized,
	engine.KindSessionExpired:    http.StatusGone,
	engine.KindInvalidTransition: http.StatusConflict,
	engine.KindInvalidArgument:   http.StatusBadRequest,
	engine.KindConflict:          http.StatusConflict,
	engine.KindUnavailable:       http.StatusServiceUnavailable,
	engine.KindNotFound:          http.StatusNotFound,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, scheduler.ErrUnknownSweep) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	kind := engine.KindOf(err)
	if status, ok := kindStatus[kind]; ok {
		msg := err.Error()
		var ee *engine.Error
		if errors.As(err, &ee) && ee.Message != "" {
			msg = ee.Message
		}
		return newAPIError(status, string(kind), msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
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

// applyAuthSecurity documents guest token auth on /session routes and staff auth on
// /staff routes.
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
	oas.Components.SecuritySchemes["sessionToken"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: SessionTokenHeader,
	}
	staff := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	guest := []map[string][]string{{"sessionToken": {}}}
	staffPrefix := path.Join(basePath, "staff")
	guestPrefix := path.Join(basePath, "session")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			switch {
			case strings.HasPrefix(route, staffPrefix):
				op.Security = staff
			case route == guestPrefix || strings.HasPrefix(route, guestPrefix+"/"):
				op.Security = guest
			default:
				op.Security = []map[string][]string{}
			}
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
    <title>Tableside API Docs</title>
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
      Guests authenticate with X-Session-Token. Staff use Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

type healthOutput struct {
	Body map[string]string `json:"body"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		return &healthOutput{Body: map[string]string{"status": "ok"}}, nil
	})
}

type devLoginOutput struct {
	Body DevLoginResponse `json:"body"`
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	if !cfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a staff JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*devLoginOutput, error) {
		staffID := strings.TrimSpace(input.Body.StaffID)
		if staffID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "staff_id is required", nil)
		}
		for _, role := range input.Body.Roles {
			if !cfg.Policy.KnownRole(role) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown role %q", role), nil)
			}
		}
		token, err := SignStaffToken(cfg.JWTSecret, staffID, input.Body.Roles, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &devLoginOutput{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerWebSockets(r chi.Router, basePath string, cfg Config) {
	if cfg.Hub == nil {
		return
	}
	e := cfg.Engine
	policy := cfg.Auth.Policy
	serve := func(w http.ResponseWriter, req *http.Request, scope notify.Scope, key string) {
		if err := cfg.Hub.ServeWS(w, req, scope, key); err != nil {
			cfg.Log.WithError(err).WithField("scope", scope).Debug("websocket upgrade failed")
		}
	}
	r.Get(path.Join(basePath, "session/ws"), func(w http.ResponseWriter, req *http.Request) {
		// Browsers cannot set headers on websocket requests.
		tok := req.Header.Get(SessionTokenHeader)
		if tok == "" {
			tok = req.URL.Query().Get("token")
		}
		ok, err := e.Validate(req.Context(), tok)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid or expired session", nil))
			return
		}
		serve(w, req, notify.ScopeSession, tok)
	})
	r.Get(path.Join(basePath, "staff/branches/{branch_id}/ws"), func(w http.ResponseWriter, req *http.Request) {
		if _, err := requirePermission(req.Context(), policy, auth.PermSessionsRead); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		serve(w, req, notify.ScopeBranch, chi.URLParam(req, "branch_id"))
	})
	r.Get(path.Join(basePath, "staff/orders/{order_id}/ws"), func(w http.ResponseWriter, req *http.Request) {
		p, _ := principalFromContext(req.Context())
		if !policy.Allowed(p.Roles, auth.PermOrdersUpdate) && !policy.Allowed(p.Roles, auth.PermSessionsRead) {
			respondStatusError(w, handleError(auth.ForbiddenError{Permission: auth.PermOrdersUpdate}))
			return
		}
		serve(w, req, notify.ScopeOrder, chi.URLParam(req, "order_id"))
	})
}
