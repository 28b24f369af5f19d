// Package httpapi implements the scriptbox HTTP API.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/scriptbox/internal/observability"
	"github.com/jkaninda/scriptbox/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID.
	MaxRequestSize int64             // 0 = 1 MB.

	MetricsRegistry *prometheus.Registry // nil = no /metrics endpoint.
	MetricsPath     string               // Default: "/metrics".
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config     Config
	scripts    ScriptService
	executions ExecutionService
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	okapi      *okapi.Okapi

	mu     sync.Mutex
	server *http.Server
}

// NewGateway creates an HTTP API gateway and registers its routes.
func NewGateway(cfg Config, scripts ScriptService, executions ExecutionService, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		config:     cfg,
		scripts:    scripts,
		executions: executions,
		limiter:    rl,
		logger:     logger,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
	g.routes()
	return g
}

func (g *Gateway) routes() {
	v1 := g.okapi.Group("/v1",
		observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		g.authenticate,
		g.rateLimit,
	)

	// Scripts.
	v1.Post("/scripts", g.handleScriptCreate,
		okapi.DocSummary("Register a script"),
		okapi.DocTags("Scripts"),
		okapi.DocRequestBody(ScriptRequest{}),
		okapi.DocResponse(http.StatusCreated, ScriptResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	v1.Get("/scripts", g.handleScriptList,
		okapi.DocSummary("List scripts, newest first (?page, ?size)"),
		okapi.DocTags("Scripts"),
		okapi.DocResponse(ScriptListResponse{}),
	)
	v1.Post("/scripts/validate", g.handleScriptValidate,
		okapi.DocSummary("Dry-run the security validator"),
		okapi.DocTags("Scripts"),
		okapi.DocRequestBody(ValidateRequest{}),
		okapi.DocResponse(ValidateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	v1.Get("/scripts/{id}", g.handleScriptGet,
		okapi.DocSummary("Get a script"),
		okapi.DocTags("Scripts"),
		okapi.DocPathParam("id", "string", "Script ID (UUID)"),
		okapi.DocResponse(ScriptResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Put("/scripts/{id}", g.handleScriptUpdate,
		okapi.DocSummary("Replace a script"),
		okapi.DocTags("Scripts"),
		okapi.DocPathParam("id", "string", "Script ID (UUID)"),
		okapi.DocRequestBody(ScriptRequest{}),
		okapi.DocResponse(ScriptResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Delete("/scripts/{id}", g.handleScriptDelete,
		okapi.DocSummary("Delete a script"),
		okapi.DocTags("Scripts"),
		okapi.DocPathParam("id", "string", "Script ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Executions.
	v1.Post("/scripts/{id}/executions", g.handleScriptExecute,
		okapi.DocSummary("Start an execution; the body is the input value"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Script ID (UUID)"),
		okapi.DocResponse(http.StatusAccepted, ExecutionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	v1.Get("/scripts/{id}/executions", g.handleExecutionList,
		okapi.DocSummary("List a script's executions, newest first (?limit)"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Script ID (UUID)"),
		okapi.DocResponse([]ExecutionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Post("/executions", g.handleExecute,
		okapi.DocSummary("Start an execution"),
		okapi.DocTags("Executions"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(http.StatusAccepted, ExecutionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	v1.Get("/executions/{id}", g.handleExecutionGet,
		okapi.DocSummary("Get an execution"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(ExecutionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Probes and metrics (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{Title: "scriptbox", Version: "v1"})
	}
}

// Start serves until Stop is called. ctx becomes the base context of every request.
func (g *Gateway) Start(ctx context.Context) error {
	addr := g.config.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	g.mu.Lock()
	g.server = server
	g.mu.Unlock()

	g.logger.Info("http api gateway starting", slog.String("addr", addr))
	err := g.okapi.StartServer(server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()
	if server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(server)
}

// --- Middleware ---

const userIDKey = "userID"

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		// Every key is compared so timing does not reveal which one matched.
		userID := ""
		for key, uid := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = uid
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set(userIDKey, userID)
		return next(c)
	}
}

func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if err := g.limiter.Allow(c.GetString(userIDKey)); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		return next(c)
	}
}

// --- Probes ---

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(observability.HealthStatus{Status: observability.StatusOK})
}

// handleReadiness runs the registered dependency checks and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: observability.StatusOK})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	if !status.OK() {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.OK(status)
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
