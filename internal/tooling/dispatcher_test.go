package tooling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/security"
)

// openGate allows every target.
type openGate struct{}

func (openGate) AssertToolAllowed(string) error { return nil }

// closedGate blocks every target with the typed permission failure.
type closedGate struct{}

func (closedGate) AssertToolAllowed(target string) error {
	return &security.PermissionDeniedError{
		Message:  fmt.Sprintf("tool target %q is not allowed", target),
		Required: target,
	}
}

func loadToolRegistry(t *testing.T, doc string) *registry.ToolRegistry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	reg := registry.NewToolRegistry(path)
	if err := reg.Reload(); err != nil {
		t.Fatalf("tool registry reload: %v", err)
	}
	return reg
}

func newDispatcher(t *testing.T, doc string, gate Gate) *Dispatcher {
	t.Helper()
	return NewDispatcher(loadToolRegistry(t, doc), gate, diag.NewRecorder(50), metrics.New())
}

func TestInvokeLocal(t *testing.T) {
	doc := `
tools:
  - name: echo
    provider: local
    module: "builtin:echo"
    schema:
      type: object
      required: [message]
      properties:
        message:
          type: string
`
	d := newDispatcher(t, doc, openGate{})
	RegisterBuiltins(d)

	out, err := d.Invoke(context.Background(), "echo", map[string]any{"message": "hello"}, Invocation{Agent: "labs/planner"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "hello" {
		t.Errorf("output = %q, want hello", out)
	}

	recs := d.RecentInvocations(1)
	if len(recs) != 1 || recs[0].Outcome != metrics.OutcomeSuccess {
		t.Errorf("invocation record = %+v, want one success", recs)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	d := newDispatcher(t, "tools: []", openGate{})

	_, err := d.Invoke(context.Background(), "ghost", nil, Invocation{})
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error type = %T, want *NotFoundError", err)
	}
}

func TestSchemaViolationBeforeProviderCall(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	doc := fmt.Sprintf(`
tools:
  - name: lookup
    provider: http
    url: %s
    schema:
      type: object
      required: [city]
      properties:
        city:
          type: string
`, srv.URL)
	d := newDispatcher(t, doc, openGate{})

	_, err := d.Invoke(context.Background(), "lookup", map[string]any{"country": "NL"}, Invocation{})
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("error type = %T, want *SchemaError", err)
	}
	if hits.Load() != 0 {
		t.Errorf("provider observed %d calls, want 0", hits.Load())
	}

	// Wrong type is also a schema violation.
	_, err = d.Invoke(context.Background(), "lookup", map[string]any{"city": 42}, Invocation{})
	if !errors.As(err, &schemaErr) {
		t.Fatalf("wrong-type error = %T, want *SchemaError", err)
	}
	if hits.Load() != 0 {
		t.Errorf("provider observed %d calls after type violation, want 0", hits.Load())
	}
}

func TestPermissionDeniedBlocksDispatch(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	doc := fmt.Sprintf(`
tools:
  - name: lookup
    provider: http
    url: %s
`, srv.URL)
	d := newDispatcher(t, doc, closedGate{})

	_, err := d.Invoke(context.Background(), "lookup", map[string]any{}, Invocation{})
	var denied *security.PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error type = %T, want *PermissionDeniedError", err)
	}
	if hits.Load() != 0 {
		t.Errorf("provider observed %d calls, want 0", hits.Load())
	}

	recs := d.RecentInvocations(1)
	if len(recs) != 1 || recs[0].Outcome != metrics.OutcomeBlocked {
		t.Errorf("invocation record = %+v, want one blocked", recs)
	}
}

func TestHTTPGetSendsQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "city=%s", r.URL.Query().Get("city"))
	}))
	defer srv.Close()

	doc := fmt.Sprintf(`
tools:
  - name: lookup
    provider: http
    url: %s
`, srv.URL)
	d := newDispatcher(t, doc, openGate{})

	out, err := d.Invoke(context.Background(), "lookup", map[string]any{"city": "Utrecht"}, Invocation{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "city=Utrecht" {
		t.Errorf("output = %q, want city=Utrecht", out)
	}
}

func TestHTTPNon2xxIsProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	doc := fmt.Sprintf(`
tools:
  - name: flaky
    provider: http
    url: %s
`, srv.URL)
	d := newDispatcher(t, doc, openGate{})

	_, err := d.Invoke(context.Background(), "flaky", map[string]any{}, Invocation{})
	var failure *ProviderFailure
	if !errors.As(err, &failure) {
		t.Fatalf("error type = %T, want *ProviderFailure", err)
	}
	if failure.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want 502", failure.Status)
	}
}

func TestHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	doc := fmt.Sprintf(`
tools:
  - name: http_echo
    provider: http
    url: %s
    timeout_seconds: 0.2
`, srv.URL)
	d := newDispatcher(t, doc, openGate{})

	start := time.Now()
	_, err := d.Invoke(context.Background(), "http_echo", map[string]any{}, Invocation{})
	elapsed := time.Since(start)

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("error type = %T (%v), want *TimeoutError", err, err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("dispatch took %s, want roughly the 200ms timeout", elapsed)
	}
}

func TestRPCStreamConcatenatesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("Accept = %q, want text/event-stream", accept)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: first\n\n")
		fmt.Fprint(w, "data: second\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	doc := fmt.Sprintf(`
tools:
  - name: remote_search
    provider: rpc-stream
    endpoint: %s
    rpc_method: search
    streaming: true
`, srv.URL)
	d := newDispatcher(t, doc, openGate{})

	out, err := d.Invoke(context.Background(), "remote_search", map[string]any{"q": "go"}, Invocation{RequestID: "r1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "first\nsecond" {
		t.Errorf("output = %q, want events joined without terminator", out)
	}
}

func TestLocalCallableNotRegistered(t *testing.T) {
	doc := `
tools:
  - name: orphan
    provider: local
    module: "builtin:missing"
`
	d := newDispatcher(t, doc, openGate{})

	_, err := d.Invoke(context.Background(), "orphan", map[string]any{}, Invocation{})
	var failure *ProviderFailure
	if !errors.As(err, &failure) {
		t.Fatalf("error type = %T, want *ProviderFailure", err)
	}
}
