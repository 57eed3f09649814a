package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/modelrelay/modelrelay/internal/api/handlers"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/internal/executor"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/security"
	"github.com/modelrelay/modelrelay/internal/streaming"
	"github.com/modelrelay/modelrelay/internal/tooling"
)

const routerAgents = `
defaults:
  namespace: labs
  upstream: primary
agents:
  - name: planner
    model: test-model
    tools: [echo]
  - name: plain
    model: test-model
`

const routerSecurity = `
default:
  rate_limit:
    per_minute: 100
api_keys:
  - id: limited
    key: limited-key
    allow_agents: ["labs/planner"]
  - id: throttled
    key: throttled-key
    allow_agents: ["*"]
    rate_limit:
      per_minute: 1
  - id: root
    key: admin-key
    allow_agents: ["*"]
    admin: true
`

// newTestRouter wires the full gateway stack against a stub upstream that
// answers every completion with fixed content.
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)

		resp := openai.ChatCompletionResponse{
			ID:    "cmpl-router",
			Model: "test-model",
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "routed reply"},
				FinishReason: openai.FinishReasonStop,
			}},
		}

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, chunk := range streaming.Rechunk(&resp, 8) {
				payload, _ := json.Marshal(chunk)
				fmt.Fprintf(w, "data: %s\n\n", payload)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	write := func(name, content string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	upstreamsPath := write("upstreams.yaml", fmt.Sprintf("upstreams:\n  - name: primary\n    base_url: %s\n", upstream.URL))
	toolsPath := write("tools.yaml", "tools:\n  - name: echo\n    provider: local\n    module: \"builtin:echo\"\n")
	agentsPath := write("agents.yaml", routerAgents)
	securityPath := write("security.yaml", routerSecurity)

	sink := diag.NewRecorder(100)
	stats := metrics.New()
	ctx := context.Background()

	sec, err := security.NewManager(securityPath, "", sink, stats)
	if err != nil {
		t.Fatalf("security manager: %v", err)
	}
	upstreams := registry.NewUpstreamRegistry(upstreamsPath, sink)
	if err := upstreams.Reload(ctx); err != nil {
		t.Fatalf("upstream reload: %v", err)
	}
	toolReg := registry.NewToolRegistry(toolsPath)
	if err := toolReg.Reload(); err != nil {
		t.Fatalf("tool reload: %v", err)
	}
	agents := registry.NewAgentRegistry(agentsPath, "", upstreams, toolReg, sec, sink, stats)
	if err := agents.Reload(ctx); err != nil {
		t.Fatalf("agent reload: %v", err)
	}

	dispatcher := tooling.NewDispatcher(toolReg, sec, sink, stats)
	tooling.RegisterBuiltins(dispatcher)
	exec := executor.New(agents, upstreams, toolReg, dispatcher, sec, sink, stats)

	cfg := &config.Config{Port: 0, Version: "test"}
	h := handlers.New(cfg, exec, agents, upstreams, toolReg, sec, dispatcher, sink, stats)
	return NewRouter(h, sec, stats)
}

func doJSON(t *testing.T, router http.Handler, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func chatBody(model string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:    model,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	}
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind      string `json:"kind"`
			Hint      string `json:"hint"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	if body.Error.RequestID == "" {
		t.Error("error body missing request_id")
	}
	return body.Error.Kind
}

func TestHealthIsPublic(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMetricsIsPublic(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMissingKeyIs401(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions", "", chatBody("labs/planner"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 missing WWW-Authenticate header")
	}
	if kind := errorKind(t, rec); kind != "invalid_api_key" {
		t.Errorf("kind = %q, want invalid_api_key", kind)
	}
}

func TestChatCompletionSucceeds(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions", "limited-key", chatBody("labs/planner"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "routed reply" {
		t.Errorf("content = %q, want routed reply", resp.Choices[0].Message.Content)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("response missing X-Request-Id")
	}
}

func TestDeniedAgentIs403(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions", "limited-key", chatBody("labs/plain"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if kind := errorKind(t, rec); kind != "permission_denied" {
		t.Errorf("kind = %q, want permission_denied", kind)
	}
}

func TestUnknownModelIs404(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions", "admin-key", chatBody("labs/ghost"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if kind := errorKind(t, rec); kind != "agent_not_found" {
		t.Errorf("kind = %q, want agent_not_found", kind)
	}
}

func TestMalformedBodyIs400(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer admin-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRateLimit429SetsRetryAfter(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions", "throttled-key", chatBody("labs/plain"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/chat/completions", "throttled-key", chatBody("labs/plain"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After header")
	}
	if kind := errorKind(t, rec); kind != "rate_limited" {
		t.Errorf("kind = %q, want rate_limited", kind)
	}
}

func TestModelsListingFiltersByACL(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/v1/models", "limited-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatal(err)
	}
	if len(listing.Data) != 1 || listing.Data[0].ID != "labs/planner" {
		t.Errorf("visible models = %+v, want only labs/planner", listing.Data)
	}
}

func TestAdminRequiresAdminKey(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/admin/agents", "limited-key", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/admin/agents", "admin-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", rec.Code)
	}
}

func TestOverrideUnlocksDeniedAgent(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions", "limited-key", chatBody("labs/plain"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("pre-override status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/admin/security/overrides", "admin-key", map[string]any{
		"pattern":     "labs/plain",
		"ttl_seconds": 60,
		"reason":      "incident drill",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create override status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/chat/completions", "limited-key", chatBody("labs/plain"))
	if rec.Code != http.StatusOK {
		t.Fatalf("post-override status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/admin/security/overrides", "admin-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list overrides status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "incident drill") {
		t.Errorf("override listing missing reason: %s", rec.Body.String())
	}
}

func TestOverrideWithoutReasonIsRejected(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/admin/security/overrides", "admin-key", map[string]any{
		"pattern":     "labs/*",
		"ttl_seconds": 60,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAccessPreviewDoesNotConsumeRate(t *testing.T) {
	router := newTestRouter(t)

	for i := 0; i < 5; i++ {
		rec := doJSON(t, router, http.MethodPost, "/admin/security/preview", "admin-key", map[string]string{
			"agent":  "labs/plain",
			"key_id": "throttled",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("preview status = %d, body = %s", rec.Code, rec.Body.String())
		}
	}

	// The throttled key still has its single slot.
	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions", "throttled-key", chatBody("labs/plain"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after previews", rec.Code)
	}
}

func TestStreamingEndsWithTerminator(t *testing.T) {
	router := newTestRouter(t)

	body := chatBody("labs/plain")
	body.Stream = true
	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions", "admin-key", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}
	if !strings.Contains(rec.Body.String(), "data: [DONE]") {
		t.Error("stream missing [DONE] terminator")
	}
}

func TestDiagnosticsRecordsDenials(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/v1/chat/completions", "limited-key", chatBody("labs/plain"))

	rec := doJSON(t, router, http.MethodGet, "/admin/diagnostics", "admin-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "agent access denied") {
		t.Errorf("diagnostics missing denial entry: %s", rec.Body.String())
	}
}
