// Package models defines the shared data types of the ModelRelay gateway:
// the four configuration documents (agents, upstreams, tools, security) and
// the in-memory records derived from them.
//
// Configuration documents are YAML. Each type carries yaml tags for loading
// and json tags for the admin API listings.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ── Agents ──

// ToolFailurePolicy values control what the executor does when a tool
// dispatch fails mid-loop. PermissionDenied always aborts regardless.
const (
	ToolFailureContinue = "continue"
	ToolFailureAbort    = "abort"
)

// AgentDefinition binds a routable model identifier to an upstream, a model
// string, a tool set, and execution limits. Definitions are immutable once
// loaded; a registry reload replaces the whole snapshot.
type AgentDefinition struct {
	Name                string         `yaml:"name" json:"name"`
	Namespace           string         `yaml:"namespace" json:"namespace"`
	Description         string         `yaml:"description,omitempty" json:"description,omitempty"`
	Upstream            string         `yaml:"upstream" json:"upstream"`
	Model               string         `yaml:"model" json:"model"`
	Instructions        string         `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Module              string         `yaml:"module,omitempty" json:"module,omitempty"`
	Tools               []string       `yaml:"tools,omitempty" json:"tools,omitempty"`
	ToolChoice          string         `yaml:"tool_choice,omitempty" json:"tool_choice,omitempty"`
	MaxToolHops         int            `yaml:"max_tool_hops,omitempty" json:"max_tool_hops,omitempty"`
	MaxCompletionTokens int            `yaml:"max_completion_tokens,omitempty" json:"max_completion_tokens,omitempty"`
	ToolFailurePolicy   string         `yaml:"tool_failure_policy,omitempty" json:"tool_failure_policy,omitempty"`
	Metadata            map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Source records where the definition came from: "config" for the main
	// document, or the fragment filename for drop-in definitions.
	Source string `yaml:"-" json:"source,omitempty"`
}

// ID returns the composite routing identifier, "namespace/name".
func (a AgentDefinition) ID() string {
	return a.Namespace + "/" + a.Name
}

// Validate checks the fields the registry cannot default.
func (a AgentDefinition) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("agent missing name")
	}
	if strings.Contains(a.Name, "/") {
		return fmt.Errorf("agent %q: name must not contain '/'", a.Name)
	}
	if a.Upstream == "" {
		return fmt.Errorf("agent %q: missing upstream", a.ID())
	}
	if a.Model == "" {
		return fmt.Errorf("agent %q: missing model", a.ID())
	}
	if p := a.ToolFailurePolicy; p != "" && p != ToolFailureContinue && p != ToolFailureAbort {
		return fmt.Errorf("agent %q: invalid tool_failure_policy %q", a.ID(), p)
	}
	return nil
}

// AgentDefaults fills fields omitted by individual agent entries.
type AgentDefaults struct {
	Namespace string `yaml:"namespace"`
	Upstream  string `yaml:"upstream"`
	Model     string `yaml:"model"`
}

// AgentsDocument is the top-level shape of agents.yaml.
type AgentsDocument struct {
	Defaults AgentDefaults     `yaml:"defaults"`
	Agents   []AgentDefinition `yaml:"agents"`
}

// ── Upstreams ──

// UpstreamDefinition describes one backend chat-completion provider. The
// registry derives and caches a client from it.
type UpstreamDefinition struct {
	Name                 string            `yaml:"name" json:"name"`
	BaseURL              string            `yaml:"base_url" json:"base_url"`
	APIKey               string            `yaml:"api_key,omitempty" json:"-"`
	APIKeyEnv            string            `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	Priority             int               `yaml:"priority,omitempty" json:"priority,omitempty"`
	HealthPath           string            `yaml:"health_path,omitempty" json:"health_path,omitempty"`
	HealthTimeoutSeconds float64           `yaml:"health_timeout_seconds,omitempty" json:"health_timeout_seconds,omitempty"`
	Headers              map[string]string `yaml:"headers,omitempty" json:"-"`
}

// HealthTimeout returns the probe timeout, defaulting to 2 seconds.
func (u UpstreamDefinition) HealthTimeout() time.Duration {
	if u.HealthTimeoutSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(u.HealthTimeoutSeconds * float64(time.Second))
}

// Validate checks required fields.
func (u UpstreamDefinition) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("upstream missing name")
	}
	if u.BaseURL == "" {
		return fmt.Errorf("upstream %q: missing base_url", u.Name)
	}
	return nil
}

// UpstreamsDocument is the top-level shape of upstreams.yaml.
type UpstreamsDocument struct {
	Upstreams []UpstreamDefinition `yaml:"upstreams"`
}

// ── Tools ──

// Tool provider kinds.
const (
	ToolProviderLocal     = "local"
	ToolProviderHTTP      = "http"
	ToolProviderRPCStream = "rpc-stream"
)

// ToolDefinition describes one tool the executor may expose to a model.
// The invocation target depends on the provider kind: a registered callable
// reference for local tools, a URL+method for http tools, a remote endpoint
// and method name for rpc-stream tools.
type ToolDefinition struct {
	Name           string            `yaml:"name" json:"name"`
	Description    string            `yaml:"description,omitempty" json:"description,omitempty"`
	Provider       string            `yaml:"provider" json:"provider"`
	Module         string            `yaml:"module,omitempty" json:"module,omitempty"`
	URL            string            `yaml:"url,omitempty" json:"url,omitempty"`
	Method         string            `yaml:"method,omitempty" json:"method,omitempty"`
	Endpoint       string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	RPCMethod      string            `yaml:"rpc_method,omitempty" json:"rpc_method,omitempty"`
	Streaming      bool              `yaml:"streaming,omitempty" json:"streaming,omitempty"`
	TimeoutSeconds float64           `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"-"`
	Schema         map[string]any    `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// Timeout returns the dispatch timeout, defaulting to 10 seconds.
func (t ToolDefinition) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(t.TimeoutSeconds * float64(time.Second))
}

// Target returns the string the security allowlist is matched against:
// the module reference for local tools, the URL/endpoint otherwise.
func (t ToolDefinition) Target() string {
	switch t.Provider {
	case ToolProviderLocal:
		return t.Module
	case ToolProviderHTTP:
		return t.URL
	default:
		return t.Endpoint
	}
}

// Validate checks provider-specific required fields.
func (t ToolDefinition) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool missing name")
	}
	switch t.Provider {
	case ToolProviderLocal:
		if t.Module == "" {
			return fmt.Errorf("tool %q: local provider requires module", t.Name)
		}
	case ToolProviderHTTP:
		if t.URL == "" {
			return fmt.Errorf("tool %q: http provider requires url", t.Name)
		}
	case ToolProviderRPCStream:
		if t.Endpoint == "" {
			return fmt.Errorf("tool %q: rpc-stream provider requires endpoint", t.Name)
		}
	default:
		return fmt.Errorf("tool %q: unknown provider %q", t.Name, t.Provider)
	}
	return nil
}

// ToolsDocument is the top-level shape of tools.yaml.
type ToolsDocument struct {
	Tools []ToolDefinition `yaml:"tools"`
}

// ── Security ──

// RateLimit is a per-minute request ceiling. Zero means unlimited.
type RateLimit struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
}

// APIKeyRecord is one caller credential. Secret material is either Key
// (plaintext, hashed at load) or HashedKey (sha256 hex digest); never both.
type APIKeyRecord struct {
	ID          string     `yaml:"id" json:"id"`
	Key         string     `yaml:"key,omitempty" json:"-"`
	HashedKey   string     `yaml:"hashed_key,omitempty" json:"-"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	AllowAgents []string   `yaml:"allow_agents,omitempty" json:"allow_agents,omitempty"`
	DenyAgents  []string   `yaml:"deny_agents,omitempty" json:"deny_agents,omitempty"`
	RateLimit   *RateLimit `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	ExpiresAt   *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
	Admin       bool       `yaml:"admin,omitempty" json:"admin,omitempty"`
}

// NamespaceDefault is the fallback policy for every agent in a namespace
// when no key-specific rule matched.
type NamespaceDefault struct {
	Namespace   string     `yaml:"namespace" json:"namespace"`
	AllowAgents []string   `yaml:"allow_agents,omitempty" json:"allow_agents,omitempty"`
	DenyAgents  []string   `yaml:"deny_agents,omitempty" json:"deny_agents,omitempty"`
	RateLimit   *RateLimit `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// DefaultPolicy is the global fallback consulted after key and namespace
// rules, plus the module/tool allowlists shared by all callers.
type DefaultPolicy struct {
	AllowAgents    []string  `yaml:"allow_agents,omitempty" json:"allow_agents,omitempty"`
	DenyAgents     []string  `yaml:"deny_agents,omitempty" json:"deny_agents,omitempty"`
	RateLimit      RateLimit `yaml:"rate_limit" json:"rate_limit"`
	AllowedModules []string  `yaml:"allowed_modules,omitempty" json:"allowed_modules,omitempty"`
	DeniedModules  []string  `yaml:"denied_modules,omitempty" json:"denied_modules,omitempty"`
	AllowedTools   []string  `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
}

// SecurityDocument is the top-level shape of security.yaml. An empty key
// list puts the gateway in open mode (see security.Manager).
type SecurityDocument struct {
	Default    DefaultPolicy      `yaml:"default"`
	Namespaces []NamespaceDefault `yaml:"namespaces,omitempty"`
	APIKeys    []APIKeyRecord     `yaml:"api_keys,omitempty"`
}

// Override is a time-boxed, in-memory exception to the standing access
// policy. Never persisted; lost on restart.
type Override struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the override has passed its expiry instant.
func (o Override) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
