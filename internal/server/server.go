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
	"github.com/heptiolabs/healthcheck"
	"github.com/sirupsen/logrus"

	"mediajob/internal/access"
	"mediajob/internal/domain"
	"mediajob/internal/engine"
	"mediajob/internal/logging"
	"mediajob/internal/mediastore"
	"mediajob/internal/repo"
	"mediajob/internal/signedurl"
	"mediajob/internal/submission"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Health is extended with database and storage checks; a fresh
	// handler is created when nil.
	Health healthcheck.Handler
	Log    logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"submission_failed"`
	Message string         `json:"message" example:"submission failed: status=402: quota exceeded"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"errorMessage\":\"quota exceeded\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the mediajob API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.DB == nil {
		return nil, errors.New("server: engine not initialised")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = logging.Log
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
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
		return cfg.Engine.Metrics.Instrument(next)
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("mediajob API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLimits(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerAccess(group, cfg.Engine)
	registerAssets(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	router.Post(path.Join(basePath, "documents/{id}/submissions/upload"), uploadHandler(cfg.Engine, log))
	router.Get("/assets/{asset_id}/{name}", assetHandler(cfg.Engine, log))
	router.Post("/goto", gotoHandler(cfg.Engine, log))
	if cfg.Engine.Metrics != nil {
		router.Handle("/metrics", cfg.Engine.Metrics.Handler())
	}
	health := cfg.Health
	if health == nil {
		health = healthcheck.NewHandler()
	}
	addHealthChecks(health, cfg.Engine)
	router.Get("/live", health.LiveEndpoint)
	router.Get("/ready", health.ReadyEndpoint)

	return router, nil
}

func addHealthChecks(h healthcheck.Handler, e engine.Engine) {
	h.AddReadinessCheck("database", healthcheck.DatabasePingCheck(e.DB, time.Second))
	if e.Store != nil && e.Store.Blobs != nil {
		blobs := e.Store.Blobs
		h.AddLivenessCheck("storage", healthcheck.Timeout(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return blobs.Check(ctx)
		}, 5*time.Second))
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{"code": ve.Code}
		if ve.Field != "" {
			details["field"] = ve.Field
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var fe access.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var sub *submission.SubmissionError
	if errors.As(err, &sub) {
		details := map[string]any{}
		if sub.StatusCode != 0 {
			details["status"] = sub.StatusCode
		}
		if sub.ErrorMessage != "" {
			details["errorMessage"] = sub.ErrorMessage
		}
		if body := sub.BodyExcerpt(submission.MaxDetailBody); body != "" {
			details["body"] = body
		}
		if sub.Timeout {
			return newAPIError(http.StatusGatewayTimeout, "submission_timeout", err.Error(), details)
		}
		return newAPIError(http.StatusBadGateway, "submission_failed", err.Error(), details)
	}
	var ase *domain.AssetSaveError
	if errors.As(err, &ase) {
		return newAPIError(http.StatusInternalServerError, "asset_save_failed", err.Error(), map[string]any{"name": ase.Name})
	}
	switch {
	case errors.Is(err, signedurl.ErrInvalidToken), errors.Is(err, signedurl.ErrNoSecret):
		return newAPIError(http.StatusForbidden, "invalid_token", "invalid or expired asset token", nil)
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, mediastore.ErrBlobNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadySubmitted), errors.Is(err, repo.ErrAlreadyAttached):
		return newAPIError(http.StatusConflict, "already_submitted", err.Error(), nil)
	case errors.Is(err, engine.ErrSubmissionInFlight):
		return newAPIError(http.StatusConflict, "submission_in_flight", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownAction), errors.Is(err, engine.ErrUnknownRole):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
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

const docsPage = `<!doctype html>
<html>
<head><meta charset="utf-8"/><title>mediajob API</title></head>
<body>
<redoc spec-url="%s"></redoc>
<script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
</body>
</html>`

func registerDocs(r chi.Router, basePath string) {
	page := fmt.Sprintf(docsPage, path.Join("/", basePath, "openapi.json"))
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

// registerOpenAPI serves the generated document once it has been decorated
// with the bearer scheme and the shared error response.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateSpec(oas, path.Join("/", basePath, "health"))
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func decorateSpec(oas *huma.OpenAPI, publicPath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	bearer := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = bearer

	errSchema := &huma.Schema{Type: huma.TypeObject}
	if oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	errResponse := &huma.Response{
		Description: "Error envelope",
		Content:     map[string]*huma.MediaType{"application/json": {Schema: errSchema}},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Patch, item.Delete} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errResponse
			if route == publicPath {
				op.Security = []map[string][]string{}
			} else {
				op.Security = bearer
			}
		}
	}
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

func registerLimits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "limits",
		Method:      http.MethodGet,
		Path:        "/limits",
		Summary:     "Accepted extensions, languages and text bounds",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Limits `json:"body"`
	}, error) {
		return &struct {
			Body engine.Limits `json:"body"`
		}{Body: e.Limits()}, nil
	})
}
