// Package handlers implements the gateway's HTTP surface: the
// OpenAI-compatible /v1 endpoints and the /admin operations plane.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/internal/executor"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/security"
	"github.com/modelrelay/modelrelay/internal/tooling"
)

// Handlers carries the wired gateway components.
type Handlers struct {
	cfg        *config.Config
	exec       *executor.Executor
	agents     *registry.AgentRegistry
	upstreams  *registry.UpstreamRegistry
	tools      *registry.ToolRegistry
	security   *security.Manager
	dispatcher *tooling.Dispatcher
	sink       *diag.Recorder
	stats      *metrics.Collector
}

// New creates the handler set.
func New(
	cfg *config.Config,
	exec *executor.Executor,
	agents *registry.AgentRegistry,
	upstreams *registry.UpstreamRegistry,
	tools *registry.ToolRegistry,
	sec *security.Manager,
	dispatcher *tooling.Dispatcher,
	sink *diag.Recorder,
	stats *metrics.Collector,
) *Handlers {
	return &Handlers{
		cfg:        cfg,
		exec:       exec,
		agents:     agents,
		upstreams:  upstreams,
		tools:      tools,
		security:   sec,
		dispatcher: dispatcher,
		sink:       sink,
		stats:      stats,
	}
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.cfg.Version,
	})
}

// Version handles GET /version.
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"name":    "modelrelay",
		"version": h.cfg.Version,
	})
}

// ── Response helpers ──

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// respondError maps a typed failure onto the wire error shape. Every error
// body carries the request id so a client report can be matched against the
// diagnostics buffer.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind, hint := mapError(err)
	var rl *security.RateLimitedError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}

	h.respondJSON(w, status, errorBody(kind, err.Error(), hint, diag.RequestID(r.Context())))
}

func errorBody(kind, message, hint, requestID string) map[string]any {
	body := map[string]any{
		"kind":       kind,
		"message":    message,
		"request_id": requestID,
	}
	if hint != "" {
		body["hint"] = hint
	}
	return map[string]any{"error": body}
}

// mapError classifies a failure into HTTP status, error kind, and an
// optional remediation hint.
func mapError(err error) (status int, kind, hint string) {
	var (
		notFound   *registry.AgentNotFoundError
		denied     *security.PermissionDeniedError
		rateLimit  *security.RateLimitedError
		authErr    *security.AuthenticationError
		upstream   *executor.UpstreamError
		toolMiss   *tooling.NotFoundError
		schemaErr  *tooling.SchemaError
		toolTime   *tooling.TimeoutError
		toolFailed *tooling.ProviderFailure
	)

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, "agent_not_found", "list available agents with GET /v1/models"
	case errors.As(err, &denied):
		return http.StatusForbidden, "permission_denied",
			fmt.Sprintf("access to %q requires an allow pattern or an override", denied.Required)
	case errors.As(err, &rateLimit):
		return http.StatusTooManyRequests, "rate_limited", ""
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, "invalid_api_key", ""
	case errors.As(err, &upstream):
		return http.StatusBadGateway, "upstream_error", ""
	case errors.As(err, &toolMiss):
		return http.StatusBadGateway, "tool_not_found", ""
	case errors.As(err, &schemaErr):
		return http.StatusBadGateway, "tool_schema_violation", ""
	case errors.As(err, &toolTime):
		return http.StatusBadGateway, "tool_timeout", ""
	case errors.As(err, &toolFailed):
		return http.StatusBadGateway, "tool_provider_failure", ""
	default:
		return http.StatusInternalServerError, "internal_error", ""
	}
}
