// Package security implements the gateway's policy engine: API key
// authentication, ACL evaluation with override and namespace precedence,
// per-key sliding-window rate limiting, and the module/tool allowlists
// consulted by the registries and the tool dispatcher.
//
// Evaluation precedence, first match wins:
//
//  1. active override whose pattern matches the agent id
//  2. the key's explicit allow/deny patterns
//  3. the namespace default for the agent's namespace
//  4. the global default pattern set
//  5. deny
package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/pattern"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// Decision sources, in precedence order.
const (
	SourceOverride         = "override"
	SourceAPIKey           = "api_key"
	SourceNamespaceDefault = "namespace_default"
	SourceDefault          = "default"
	SourceDeny             = "deny"
)

const expiryWarningWindow = 7 * 24 * time.Hour

// Decision is the outcome of one ACL evaluation.
type Decision struct {
	Allowed        bool   `json:"allowed"`
	Source         string `json:"source"`
	MatchedPattern string `json:"matched_pattern,omitempty"`
}

// RateDecision is the outcome of one rate-limit check.
type RateDecision struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Limit      int           `json:"limit"`
}

// AuthContext is the resolved caller identity attached to a request after
// authentication.
type AuthContext struct {
	KeyID       string
	Admin       bool
	AllowAgents []string
	DenyAgents  []string
	PerMinute   int
}

// KeySummary is the admin listing shape for one configured key. Secret
// material never appears in it.
type KeySummary struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	AllowAgents []string   `json:"allow_agents,omitempty"`
	DenyAgents  []string   `json:"deny_agents,omitempty"`
	PerMinute   int        `json:"per_minute"`
	Admin       bool       `json:"admin"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Expired     bool       `json:"expired"`
}

type snapshot struct {
	doc        models.SecurityDocument
	byHash     map[string]models.APIKeyRecord
	namespaces map[string]models.NamespaceDefault
	open       bool
}

// Manager is the security policy engine. The policy document is an atomic
// snapshot like the registries; overrides and rate windows are the only
// mutable state and carry their own locks.
type Manager struct {
	path        string
	fallbackKey string
	sink        *diag.Recorder
	stats       *metrics.Collector

	snap      atomic.Pointer[snapshot]
	limiter   *rateLimiter
	overrides *overrideTable
}

// NewManager creates a Manager and loads the policy document. An empty
// path, or a document with no api_keys, puts the gateway in open mode: any
// caller (or the fallback key, when one is configured) gets a permissive
// admin context. Open mode exists for local bootstrap only.
func NewManager(path, fallbackKey string, sink *diag.Recorder, stats *metrics.Collector) (*Manager, error) {
	m := &Manager{
		path:        path,
		fallbackKey: fallbackKey,
		sink:        sink,
		stats:       stats,
		limiter:     newRateLimiter(),
		overrides:   newOverrideTable(sink),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the policy document and swaps the snapshot. Overrides and
// rate windows survive a reload untouched.
func (m *Manager) Reload() error {
	snap, err := m.load()
	if err != nil {
		return err
	}
	m.snap.Store(snap)

	if snap.open {
		log.Warn().Msg("security config defines no api keys, running in open mode")
	} else {
		log.Info().Int("api_keys", len(snap.byHash)).Str("path", m.path).Msg("security policy loaded")
	}
	return nil
}

func (m *Manager) load() (*snapshot, error) {
	doc := models.SecurityDocument{}
	if m.path != "" {
		raw, err := os.ReadFile(m.path)
		if err != nil {
			return nil, fmt.Errorf("read security config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse security config %s: %w", m.path, err)
		}
	}

	byHash := make(map[string]models.APIKeyRecord, len(doc.APIKeys))
	for _, rec := range doc.APIKeys {
		if rec.ID == "" {
			return nil, fmt.Errorf("security config %s: api key missing id", m.path)
		}
		var digest string
		switch {
		case rec.Key != "" && rec.HashedKey != "":
			return nil, fmt.Errorf("security config %s: key %q sets both key and hashed_key", m.path, rec.ID)
		case rec.Key != "":
			digest = hashKey(rec.Key)
			rec.Key = ""
			rec.HashedKey = digest
		case rec.HashedKey != "":
			digest = rec.HashedKey
		default:
			return nil, fmt.Errorf("security config %s: key %q has no secret material", m.path, rec.ID)
		}
		if _, dup := byHash[digest]; dup {
			return nil, fmt.Errorf("security config %s: key %q duplicates another key's secret", m.path, rec.ID)
		}
		byHash[digest] = rec
	}

	namespaces := make(map[string]models.NamespaceDefault, len(doc.Namespaces))
	for _, ns := range doc.Namespaces {
		namespaces[ns.Namespace] = ns
	}

	return &snapshot{
		doc:        doc,
		byHash:     byHash,
		namespaces: namespaces,
		open:       len(byHash) == 0,
	}, nil
}

// ── Authentication ──

// Authenticate resolves a presented credential to an AuthContext. In open
// mode the fallback key is enforced when configured, and the resulting
// context is permissive.
func (m *Manager) Authenticate(ctx context.Context, provided string) (*AuthContext, error) {
	snap := m.snap.Load()

	if snap.open {
		if m.fallbackKey != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(m.fallbackKey)) != 1 {
			m.authFailure(ctx, "invalid fallback key")
			return nil, &AuthenticationError{Reason: "invalid API key"}
		}
		return &AuthContext{
			KeyID:       "open-mode",
			Admin:       true,
			AllowAgents: []string{"*"},
			PerMinute:   snap.doc.Default.RateLimit.PerMinute,
		}, nil
	}

	if provided == "" {
		m.authFailure(ctx, "missing api key")
		return nil, &AuthenticationError{Reason: "missing API key, set Authorization: Bearer <key> or X-API-Key"}
	}

	rec, ok := snap.byHash[hashKey(provided)]
	if !ok {
		m.authFailure(ctx, "unknown api key")
		return nil, &AuthenticationError{Reason: "invalid API key"}
	}

	now := time.Now().UTC()
	if rec.ExpiresAt != nil {
		if now.After(*rec.ExpiresAt) {
			m.authFailure(ctx, "expired api key")
			m.sink.Record(ctx, diag.StageSecurity, diag.SeverityWarning, "api_key.expired",
				map[string]any{"key_id": rec.ID})
			return nil, &AuthenticationError{Reason: fmt.Sprintf("API key %q expired at %s", rec.ID, rec.ExpiresAt.Format(time.RFC3339))}
		}
		if rec.ExpiresAt.Sub(now) <= expiryWarningWindow {
			log.Warn().
				Str("key_id", rec.ID).
				Time("expires_at", *rec.ExpiresAt).
				Msg("api_key.expiring")
		}
	}

	perMinute := snap.doc.Default.RateLimit.PerMinute
	if rec.RateLimit != nil {
		perMinute = rec.RateLimit.PerMinute
	}
	return &AuthContext{
		KeyID:       rec.ID,
		Admin:       rec.Admin,
		AllowAgents: rec.AllowAgents,
		DenyAgents:  rec.DenyAgents,
		PerMinute:   perMinute,
	}, nil
}

func (m *Manager) authFailure(ctx context.Context, reason string) {
	if m.stats != nil {
		m.stats.RecordPolicyFailure("authentication")
	}
	log.Warn().Str("reason", reason).Str("request_id", diag.RequestID(ctx)).Msg("authentication failed")
}

// ── ACL evaluation ──

// Evaluate walks the precedence chain for one agent id. It is total: every
// input yields a decision with a non-empty source. Each decision emits one
// log event; enforcement (diagnostics, typed errors) is the caller's job so
// previews stay side-effect free.
func (m *Manager) Evaluate(auth *AuthContext, agentID string) Decision {
	snap := m.snap.Load()
	dec := m.evaluate(snap, auth, agentID)

	log.Debug().
		Str("agent", agentID).
		Str("key_id", auth.KeyID).
		Bool("allowed", dec.Allowed).
		Str("source", dec.Source).
		Str("matched_pattern", dec.MatchedPattern).
		Msg("security.decision")
	return dec
}

func (m *Manager) evaluate(snap *snapshot, auth *AuthContext, agentID string) Decision {
	if ov, ok := m.overrides.match(agentID, time.Now().UTC()); ok {
		return Decision{Allowed: true, Source: SourceOverride, MatchedPattern: ov.Pattern}
	}

	if p, ok := pattern.MatchAny(auth.DenyAgents, agentID); ok {
		return Decision{Allowed: false, Source: SourceAPIKey, MatchedPattern: p}
	}
	if p, ok := pattern.MatchAny(auth.AllowAgents, agentID); ok {
		return Decision{Allowed: true, Source: SourceAPIKey, MatchedPattern: p}
	}

	if ns, ok := snap.namespaces[pattern.Namespace(agentID)]; ok {
		if p, ok := pattern.MatchAny(ns.DenyAgents, agentID); ok {
			return Decision{Allowed: false, Source: SourceNamespaceDefault, MatchedPattern: p}
		}
		if p, ok := pattern.MatchAny(ns.AllowAgents, agentID); ok {
			return Decision{Allowed: true, Source: SourceNamespaceDefault, MatchedPattern: p}
		}
	}

	if p, ok := pattern.MatchAny(snap.doc.Default.DenyAgents, agentID); ok {
		return Decision{Allowed: false, Source: SourceDefault, MatchedPattern: p}
	}
	if p, ok := pattern.MatchAny(snap.doc.Default.AllowAgents, agentID); ok {
		return Decision{Allowed: true, Source: SourceDefault, MatchedPattern: p}
	}

	return Decision{Allowed: false, Source: SourceDeny}
}

// EnsureAllowed evaluates and, on deny, records the diagnostic and returns
// the typed permission failure the HTTP layer maps to 403.
func (m *Manager) EnsureAllowed(ctx context.Context, auth *AuthContext, agentID string) (Decision, error) {
	dec := m.Evaluate(auth, agentID)
	if dec.Allowed {
		return dec, nil
	}

	if m.stats != nil {
		m.stats.RecordPolicyFailure("acl_denied")
	}
	m.sink.Record(ctx, diag.StageSecurity, diag.SeverityWarning, "agent access denied", map[string]any{
		"agent":           agentID,
		"key_id":          auth.KeyID,
		"source":          dec.Source,
		"matched_pattern": dec.MatchedPattern,
	})
	return dec, &PermissionDeniedError{
		Message:  fmt.Sprintf("access to agent %q denied (source=%s)", agentID, dec.Source),
		Required: agentID,
		Source:   dec.Source,
	}
}

// PreviewFor evaluates on behalf of a configured key id, without touching
// rate limits or diagnostics. An empty keyID previews the caller's own
// context.
func (m *Manager) PreviewFor(auth *AuthContext, keyID, agentID string) (Decision, error) {
	if keyID == "" || keyID == auth.KeyID {
		return m.Evaluate(auth, agentID), nil
	}

	snap := m.snap.Load()
	for _, rec := range snap.byHash {
		if rec.ID != keyID {
			continue
		}
		target := &AuthContext{
			KeyID:       rec.ID,
			Admin:       rec.Admin,
			AllowAgents: rec.AllowAgents,
			DenyAgents:  rec.DenyAgents,
		}
		return m.Evaluate(target, agentID), nil
	}
	return Decision{}, fmt.Errorf("unknown api key id %q", keyID)
}

// ── Rate limiting ──

// CheckRate runs the caller's sliding window. An allowed check consumes one
// slot.
func (m *Manager) CheckRate(auth *AuthContext) RateDecision {
	ok, retry := m.limiter.check(auth.KeyID, auth.PerMinute, time.Now().UTC())
	return RateDecision{Allowed: ok, RetryAfter: retry, Limit: auth.PerMinute}
}

// EnsureWithinRate wraps CheckRate with diagnostics and the typed 429 error.
func (m *Manager) EnsureWithinRate(ctx context.Context, auth *AuthContext) error {
	dec := m.CheckRate(auth)
	if dec.Allowed {
		return nil
	}

	if m.stats != nil {
		m.stats.RecordPolicyFailure("rate_limited")
	}
	m.sink.Record(ctx, diag.StageSecurity, diag.SeverityWarning, "rate limit exceeded", map[string]any{
		"key_id":      auth.KeyID,
		"limit":       dec.Limit,
		"retry_after": dec.RetryAfter.String(),
	})
	return &RateLimitedError{RetryAfter: dec.RetryAfter, Limit: dec.Limit}
}

// ── Module / tool allowlists ──

// AssertModuleAllowed checks a module path against the global module
// allow/deny lists. Deny wins; an empty allowlist permits everything.
func (m *Manager) AssertModuleAllowed(module string) error {
	def := m.snap.Load().doc.Default

	if p, ok := pattern.MatchAny(def.DeniedModules, module); ok {
		return &PermissionDeniedError{
			Message:  fmt.Sprintf("module %q denied by pattern %q", module, p),
			Required: module,
			Source:   SourceDefault,
		}
	}
	if len(def.AllowedModules) == 0 {
		return nil
	}
	if _, ok := pattern.MatchAny(def.AllowedModules, module); ok {
		return nil
	}
	return &PermissionDeniedError{
		Message:  fmt.Sprintf("module %q is not in the allowed_modules list, add %q to permit it", module, module),
		Required: module,
		Source:   SourceDefault,
	}
}

// AssertToolAllowed checks a tool's invocation target (module reference or
// URL) against the allowed_tools list. An empty list permits everything.
func (m *Manager) AssertToolAllowed(target string) error {
	allowed := m.snap.Load().doc.Default.AllowedTools
	if len(allowed) == 0 {
		return nil
	}
	if _, ok := pattern.MatchAny(allowed, target); ok {
		return nil
	}
	return &PermissionDeniedError{
		Message:  fmt.Sprintf("tool target %q is not in the allowed_tools list, add %q to permit it", target, target),
		Required: target,
		Source:   SourceDefault,
	}
}

// ── Overrides ──

// CreateOverride installs a time-boxed allow exception.
func (m *Manager) CreateOverride(patternStr string, ttl time.Duration, reason string) models.Override {
	if m.stats != nil {
		m.stats.RecordOverrideCreated()
	}
	return m.overrides.create(patternStr, ttl, reason)
}

// ListOverrides returns the active overrides, oldest first.
func (m *Manager) ListOverrides() []models.Override {
	return m.overrides.list(time.Now().UTC())
}

// StartSweeper expires overrides in the background until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.overrides.sweep(time.Now().UTC())
			}
		}
	}()
}

// ── Admin ──

// OpenMode reports whether the gateway is running without configured keys.
func (m *Manager) OpenMode() bool {
	return m.snap.Load().open
}

// Keys returns the admin summary of every configured key.
func (m *Manager) Keys() []KeySummary {
	snap := m.snap.Load()
	now := time.Now().UTC()

	out := make([]KeySummary, 0, len(snap.byHash))
	for _, rec := range snap.byHash {
		perMinute := snap.doc.Default.RateLimit.PerMinute
		if rec.RateLimit != nil {
			perMinute = rec.RateLimit.PerMinute
		}
		out = append(out, KeySummary{
			ID:          rec.ID,
			Description: rec.Description,
			AllowAgents: rec.AllowAgents,
			DenyAgents:  rec.DenyAgents,
			PerMinute:   perMinute,
			Admin:       rec.Admin,
			ExpiresAt:   rec.ExpiresAt,
			Expired:     rec.ExpiresAt != nil && now.After(*rec.ExpiresAt),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
