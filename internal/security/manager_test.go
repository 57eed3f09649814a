package security

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/internal/metrics"
)

const testPolicy = `
default:
  rate_limit:
    per_minute: 60
  allow_agents:
    - "shared/*"
  denied_modules:
    - "runners.experimental_*"
  allowed_modules:
    - "runners.*"
namespaces:
  - namespace: staging
    allow_agents:
      - "staging/*"
api_keys:
  - id: k1
    key: secret-one
    allow_agents:
      - "labs/*"
  - id: k2
    key: secret-two
    deny_agents:
      - "labs/planner"
    allow_agents:
      - "labs/*"
    admin: true
`

func newTestManager(t *testing.T) (*Manager, *diag.Recorder) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "security.yaml")
	if err := os.WriteFile(path, []byte(testPolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	sink := diag.NewRecorder(50)
	m, err := NewManager(path, "", sink, metrics.New())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, sink
}

func authFor(t *testing.T, m *Manager, key string) *AuthContext {
	t.Helper()
	auth, err := m.Authenticate(context.Background(), key)
	if err != nil {
		t.Fatalf("Authenticate(%q): %v", key, err)
	}
	return auth
}

func TestAuthenticate(t *testing.T) {
	m, _ := newTestManager(t)

	auth := authFor(t, m, "secret-one")
	if auth.KeyID != "k1" {
		t.Errorf("KeyID = %q, want k1", auth.KeyID)
	}
	if auth.Admin {
		t.Error("k1 should not be admin")
	}
	if auth.PerMinute != 60 {
		t.Errorf("PerMinute = %d, want 60 from default", auth.PerMinute)
	}

	if _, err := m.Authenticate(context.Background(), "wrong"); err == nil {
		t.Fatal("Authenticate with unknown key succeeded")
	} else {
		var authErr *AuthenticationError
		if !errors.As(err, &authErr) {
			t.Errorf("error type = %T, want *AuthenticationError", err)
		}
	}

	if _, err := m.Authenticate(context.Background(), ""); err == nil {
		t.Error("Authenticate with empty key succeeded")
	}
}

func TestOpenMode(t *testing.T) {
	sink := diag.NewRecorder(10)
	m, err := NewManager("", "", sink, metrics.New())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if !m.OpenMode() {
		t.Fatal("expected open mode with no config path")
	}

	auth, err := m.Authenticate(context.Background(), "")
	if err != nil {
		t.Fatalf("open-mode Authenticate: %v", err)
	}
	if !auth.Admin {
		t.Error("open-mode context should be admin")
	}
	if dec := m.Evaluate(auth, "anything/at-all"); !dec.Allowed {
		t.Errorf("open-mode Evaluate denied: %+v", dec)
	}
}

func TestOpenModeFallbackKey(t *testing.T) {
	m, err := NewManager("", "hunter2", diag.NewRecorder(10), metrics.New())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Authenticate(context.Background(), "hunter2"); err != nil {
		t.Errorf("fallback key rejected: %v", err)
	}
	if _, err := m.Authenticate(context.Background(), "nope"); err == nil {
		t.Error("wrong fallback key accepted")
	}
}

func TestEvaluatePrecedence(t *testing.T) {
	m, _ := newTestManager(t)
	k1 := authFor(t, m, "secret-one")
	k2 := authFor(t, m, "secret-two")

	cases := []struct {
		name    string
		auth    *AuthContext
		agent   string
		allowed bool
		source  string
	}{
		{"key allow", k1, "labs/planner", true, SourceAPIKey},
		{"key deny beats key allow", k2, "labs/planner", false, SourceAPIKey},
		{"key allow other agent", k2, "labs/reporter", true, SourceAPIKey},
		{"namespace default", k1, "staging/experiment", true, SourceNamespaceDefault},
		{"global default", k1, "shared/helper", true, SourceDefault},
		{"no match denies", k1, "prod/planner", false, SourceDeny},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := m.Evaluate(tc.auth, tc.agent)
			if dec.Allowed != tc.allowed || dec.Source != tc.source {
				t.Errorf("Evaluate(%s) = {allowed:%v source:%q}, want {allowed:%v source:%q}",
					tc.agent, dec.Allowed, dec.Source, tc.allowed, tc.source)
			}
		})
	}
}

func TestEvaluateIsTotal(t *testing.T) {
	m, _ := newTestManager(t)
	k1 := authFor(t, m, "secret-one")

	for _, agent := range []string{"", "noslash", "a/b/c", "labs/planner"} {
		dec := m.Evaluate(k1, agent)
		if dec.Source == "" {
			t.Errorf("Evaluate(%q) returned empty source", agent)
		}
	}
}

func TestOverrideBeatsKeyDeny(t *testing.T) {
	m, _ := newTestManager(t)
	k2 := authFor(t, m, "secret-two")

	if dec := m.Evaluate(k2, "labs/planner"); dec.Allowed {
		t.Fatal("expected deny before override")
	}

	m.CreateOverride("labs/*", time.Minute, "incident debugging")

	dec := m.Evaluate(k2, "labs/planner")
	if !dec.Allowed || dec.Source != SourceOverride {
		t.Errorf("Evaluate under override = %+v, want allowed via override", dec)
	}
	if len(m.ListOverrides()) != 1 {
		t.Errorf("ListOverrides = %d entries, want 1", len(m.ListOverrides()))
	}
}

func TestOverrideExpiry(t *testing.T) {
	m, sink := newTestManager(t)
	k2 := authFor(t, m, "secret-two")

	before := m.Evaluate(k2, "labs/planner")
	m.CreateOverride("labs/planner", 30*time.Millisecond, "short-lived")

	if dec := m.Evaluate(k2, "labs/planner"); !dec.Allowed || dec.Source != SourceOverride {
		t.Fatalf("override not active: %+v", dec)
	}

	time.Sleep(50 * time.Millisecond)

	// After TTL the decision must equal the pre-override decision.
	after := m.Evaluate(k2, "labs/planner")
	if after != before {
		t.Errorf("post-expiry decision = %+v, want %+v", after, before)
	}
	if len(m.ListOverrides()) != 0 {
		t.Error("expired override still listed")
	}

	expired := 0
	for _, d := range sink.Recent(0) {
		if d.Message == "override.expired" {
			expired++
		}
	}
	if expired != 1 {
		t.Errorf("override.expired diagnostics = %d, want exactly 1", expired)
	}
}

func TestEnsureAllowedReturnsTypedError(t *testing.T) {
	m, sink := newTestManager(t)
	k1 := authFor(t, m, "secret-one")

	_, err := m.EnsureAllowed(context.Background(), k1, "prod/planner")
	if err == nil {
		t.Fatal("EnsureAllowed succeeded for denied agent")
	}
	var denied *PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error type = %T, want *PermissionDeniedError", err)
	}
	if denied.Source != SourceDeny {
		t.Errorf("Source = %q, want deny", denied.Source)
	}
	if sink.Len() == 0 {
		t.Error("denial recorded no diagnostic")
	}
}

func TestAssertModuleAllowed(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.AssertModuleAllowed("runners.echo"); err != nil {
		t.Errorf("runners.echo should be allowed: %v", err)
	}
	if err := m.AssertModuleAllowed("runners.experimental_x"); err == nil {
		t.Error("denied_modules pattern not enforced")
	}
	if err := m.AssertModuleAllowed("vendor.mystery"); err == nil {
		t.Error("module outside allowlist accepted")
	}

	var denied *PermissionDeniedError
	err := m.AssertModuleAllowed("vendor.mystery")
	if !errors.As(err, &denied) {
		t.Fatalf("error type = %T, want *PermissionDeniedError", err)
	}
	if denied.Required != "vendor.mystery" {
		t.Errorf("Required = %q, want vendor.mystery", denied.Required)
	}
}

func TestExpiredKeyRejected(t *testing.T) {
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	doc := `
api_keys:
  - id: old
    key: stale-secret
    expires_at: ` + past + `
  - id: live
    key: live-secret
`
	path := filepath.Join(t.TempDir(), "security.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(path, "", diag.NewRecorder(10), metrics.New())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Authenticate(context.Background(), "stale-secret"); err == nil {
		t.Error("expired key accepted")
	}
	if _, err := m.Authenticate(context.Background(), "live-secret"); err != nil {
		t.Errorf("live key rejected: %v", err)
	}
}

func TestPreviewFor(t *testing.T) {
	m, _ := newTestManager(t)
	k2 := authFor(t, m, "secret-two")

	dec, err := m.PreviewFor(k2, "k1", "labs/planner")
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed || dec.Source != SourceAPIKey {
		t.Errorf("preview for k1 = %+v, want api_key allow", dec)
	}

	if _, err := m.PreviewFor(k2, "ghost", "labs/planner"); err == nil {
		t.Error("preview for unknown key id succeeded")
	}
}
