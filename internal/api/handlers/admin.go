package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/modelrelay/modelrelay/internal/api/middleware"
	"github.com/modelrelay/modelrelay/internal/diag"
)

const defaultOverrideTTL = time.Hour

// ── Registries ──

// AdminListAgents handles GET /admin/agents.
func (h *Handlers) AdminListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.agents.List()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"count":  len(agents),
		"agents": agents,
	})
}

// AdminRefreshAgents handles POST /admin/agents/refresh. A failed reload
// keeps the previous snapshot serving and reports the problems.
func (h *Handlers) AdminRefreshAgents(w http.ResponseWriter, r *http.Request) {
	if err := h.agents.Reload(r.Context()); err != nil {
		h.respondJSON(w, http.StatusUnprocessableEntity, errorBody(
			"invalid_config", err.Error(),
			"previous agent snapshot is still serving", diag.RequestID(r.Context())))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"count":    len(h.agents.List()),
	})
}

// AdminListUpstreams handles GET /admin/upstreams.
func (h *Handlers) AdminListUpstreams(w http.ResponseWriter, r *http.Request) {
	type upstreamView struct {
		Name        string    `json:"name"`
		BaseURL     string    `json:"base_url"`
		Priority    int       `json:"priority"`
		Healthy     bool      `json:"healthy"`
		LastChecked time.Time `json:"last_checked"`
		LastError   string    `json:"last_error,omitempty"`
	}

	records := h.upstreams.List()
	views := make([]upstreamView, 0, len(records))
	for _, rec := range records {
		views = append(views, upstreamView{
			Name:        rec.Definition.Name,
			BaseURL:     rec.Definition.BaseURL,
			Priority:    rec.Definition.Priority,
			Healthy:     rec.Healthy,
			LastChecked: rec.LastChecked,
			LastError:   rec.LastError,
		})
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"count":     len(views),
		"upstreams": views,
	})
}

// AdminRefreshUpstreams handles POST /admin/upstreams/refresh. The reload
// re-probes every upstream before answering.
func (h *Handlers) AdminRefreshUpstreams(w http.ResponseWriter, r *http.Request) {
	if err := h.upstreams.Reload(r.Context()); err != nil {
		h.respondJSON(w, http.StatusUnprocessableEntity, errorBody(
			"invalid_config", err.Error(),
			"previous upstream snapshot is still serving", diag.RequestID(r.Context())))
		return
	}
	h.upstreams.ProbeAll(r.Context())
	h.AdminListUpstreams(w, r)
}

// AdminListTools handles GET /admin/tools.
func (h *Handlers) AdminListTools(w http.ResponseWriter, r *http.Request) {
	tools := h.tools.List()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"count": len(tools),
		"tools": tools,
	})
}

// AdminRefreshTools handles POST /admin/tools/refresh.
func (h *Handlers) AdminRefreshTools(w http.ResponseWriter, r *http.Request) {
	if err := h.tools.Reload(); err != nil {
		h.respondJSON(w, http.StatusUnprocessableEntity, errorBody(
			"invalid_config", err.Error(),
			"previous tool snapshot is still serving", diag.RequestID(r.Context())))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"count":    len(h.tools.List()),
	})
}

// AdminToolInvocations handles GET /admin/tools/invocations.
func (h *Handlers) AdminToolInvocations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	records := h.dispatcher.RecentInvocations(limit)
	h.respondJSON(w, http.StatusOK, map[string]any{
		"count":       len(records),
		"invocations": records,
	})
}

// ── Security ──

// AdminRefreshSecurity handles POST /admin/security/refresh. Overrides and
// rate windows survive the reload.
func (h *Handlers) AdminRefreshSecurity(w http.ResponseWriter, r *http.Request) {
	if err := h.security.Reload(); err != nil {
		h.respondJSON(w, http.StatusUnprocessableEntity, errorBody(
			"invalid_config", err.Error(),
			"previous security policy is still serving", diag.RequestID(r.Context())))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"reloaded":  true,
		"open_mode": h.security.OpenMode(),
	})
}

// AdminListKeys handles GET /admin/security/keys. Summaries only, never
// secret material.
func (h *Handlers) AdminListKeys(w http.ResponseWriter, r *http.Request) {
	keys := h.security.Keys()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"count":     len(keys),
		"open_mode": h.security.OpenMode(),
		"keys":      keys,
	})
}

type previewRequest struct {
	Agent string `json:"agent"`
	KeyID string `json:"key_id"`
}

// AdminPreviewAccess handles POST /admin/security/preview. It answers
// "would this key reach this agent" without consuming a rate slot or
// recording a denial.
func (h *Handlers) AdminPreviewAccess(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorBody(
			"invalid_request", "invalid preview request: "+err.Error(), "", diag.RequestID(r.Context())))
		return
	}
	if req.Agent == "" {
		h.respondJSON(w, http.StatusBadRequest, errorBody(
			"invalid_request", "agent is required", "", diag.RequestID(r.Context())))
		return
	}

	auth := middleware.AuthFromContext(r.Context())

	dec, err := h.security.PreviewFor(auth, req.KeyID, req.Agent)
	if err != nil {
		h.respondJSON(w, http.StatusNotFound, errorBody(
			"key_not_found", err.Error(), "", diag.RequestID(r.Context())))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"agent":    req.Agent,
		"key_id":   req.KeyID,
		"decision": dec,
	})
}

type overrideRequest struct {
	Pattern    string  `json:"pattern"`
	Agent      string  `json:"agent"`
	TTLSeconds float64 `json:"ttl_seconds"`
	Reason     string  `json:"reason"`
}

// AdminCreateOverride handles POST /admin/security/overrides. The body names
// either a pattern or a single agent id, plus a TTL and a reason.
func (h *Handlers) AdminCreateOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorBody(
			"invalid_request", "invalid override request: "+err.Error(), "", diag.RequestID(r.Context())))
		return
	}

	target := req.Pattern
	if target == "" {
		target = req.Agent
	}
	if target == "" {
		h.respondJSON(w, http.StatusBadRequest, errorBody(
			"invalid_request", "pattern or agent is required", "", diag.RequestID(r.Context())))
		return
	}
	if req.Reason == "" {
		h.respondJSON(w, http.StatusBadRequest, errorBody(
			"invalid_request", "reason is required, overrides are audited", "", diag.RequestID(r.Context())))
		return
	}

	ttl := defaultOverrideTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds * float64(time.Second))
	}

	ov := h.security.CreateOverride(target, ttl, req.Reason)
	h.respondJSON(w, http.StatusCreated, ov)
}

// AdminListOverrides handles GET /admin/security/overrides.
func (h *Handlers) AdminListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides := h.security.ListOverrides()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"count":     len(overrides),
		"overrides": overrides,
	})
}

// ── Observability ──

// AdminDiagnostics handles GET /admin/diagnostics, newest first.
func (h *Handlers) AdminDiagnostics(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	entries := h.sink.Recent(limit)
	h.respondJSON(w, http.StatusOK, map[string]any{
		"count":       len(entries),
		"diagnostics": entries,
	})
}

// AdminMetrics handles GET /admin/metrics: the in-memory counters as JSON.
// The Prometheus exposition lives at /metrics.
func (h *Handlers) AdminMetrics(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.stats.Current())
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
