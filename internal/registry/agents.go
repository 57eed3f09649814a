package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// AgentNotFoundError is returned when an identifier resolves to nothing in
// the current snapshot. The HTTP layer maps it to 404.
type AgentNotFoundError struct {
	Identifier string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent %q not found", e.Identifier)
}

// ModuleGate is the slice of the security manager the agent registry needs:
// whether a drop-in definition's backing module may be loaded at all.
type ModuleGate interface {
	AssertModuleAllowed(module string) error
}

// Drop-in skip reason codes.
const (
	skipParseError   = "parse_error"
	skipInvalid      = "invalid_definition"
	skipUnknownUp    = "unknown_upstream"
	skipUnknownTool  = "unknown_tool"
	skipModuleDenied = "module_denied"
	skipShadowed     = "shadowed_by_config"
)

type agentSnapshot struct {
	agents map[string]models.AgentDefinition // keyed by composite id
}

// AgentRegistry loads agents.yaml, merges optional drop-in fragments, and
// validates every definition against the upstream and tool snapshots.
// Explicit configuration wins over drop-ins; a drop-in that cannot be fully
// resolved is skipped with a reason-coded diagnostic, never silently.
type AgentRegistry struct {
	path      string
	dropinDir string
	upstreams *UpstreamRegistry
	tools     *ToolRegistry
	modules   ModuleGate
	sink      *diag.Recorder
	stats     *metrics.Collector

	mu   sync.Mutex
	snap atomic.Pointer[agentSnapshot]
}

// NewAgentRegistry creates an empty registry. Call Reload before serving.
func NewAgentRegistry(path, dropinDir string, upstreams *UpstreamRegistry, tools *ToolRegistry, modules ModuleGate, sink *diag.Recorder, stats *metrics.Collector) *AgentRegistry {
	r := &AgentRegistry{
		path:      path,
		dropinDir: dropinDir,
		upstreams: upstreams,
		tools:     tools,
		modules:   modules,
		sink:      sink,
		stats:     stats,
	}
	r.snap.Store(&agentSnapshot{agents: map[string]models.AgentDefinition{}})
	return r
}

// Reload parses agents.yaml, merges drop-ins, validates referential
// integrity, and swaps the snapshot. Validation errors in the explicit
// document fail the whole reload; drop-in problems only skip the fragment.
func (r *AgentRegistry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read agents config: %w", err)
	}

	var doc models.AgentsDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return &ValidationError{Document: r.path, Problems: []string{err.Error()}}
	}

	var problems []string
	agents := make(map[string]models.AgentDefinition, len(doc.Agents))
	for _, def := range doc.Agents {
		applyDefaults(&def, doc.Defaults)
		def.Source = "config"
		if err := r.resolve(def); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if _, dup := agents[def.ID()]; dup {
			problems = append(problems, fmt.Sprintf("duplicate agent %q", def.ID()))
			continue
		}
		agents[def.ID()] = def
	}
	if len(problems) > 0 {
		return &ValidationError{Document: r.path, Problems: problems}
	}

	if r.dropinDir != "" {
		r.mergeDropins(ctx, agents, doc.Defaults)
	}

	r.snap.Store(&agentSnapshot{agents: agents})
	log.Info().Int("agents", len(agents)).Str("path", r.path).Msg("agent registry loaded")
	return nil
}

// Get resolves an identifier to an agent definition. A composite
// "namespace/name" id is looked up directly; a bare name resolves only
// when exactly one namespace defines it.
func (r *AgentRegistry) Get(identifier string) (models.AgentDefinition, error) {
	snap := r.snap.Load()
	if def, ok := snap.agents[identifier]; ok {
		return def, nil
	}

	var found []models.AgentDefinition
	for _, def := range snap.agents {
		if def.Name == identifier {
			found = append(found, def)
		}
	}
	if len(found) == 1 {
		return found[0], nil
	}
	return models.AgentDefinition{}, &AgentNotFoundError{Identifier: identifier}
}

// List returns the current definitions sorted by composite id.
func (r *AgentRegistry) List() []models.AgentDefinition {
	snap := r.snap.Load()
	out := make([]models.AgentDefinition, 0, len(snap.agents))
	for _, def := range snap.agents {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// resolve checks a definition against the upstream and tool snapshots.
func (r *AgentRegistry) resolve(def models.AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if !r.upstreams.Has(def.Upstream) {
		return fmt.Errorf("agent %q: unknown upstream %q", def.ID(), def.Upstream)
	}
	for _, tool := range def.Tools {
		if !r.tools.Has(tool) {
			return fmt.Errorf("agent %q: unknown tool %q", def.ID(), tool)
		}
	}
	return nil
}

// mergeDropins folds per-agent YAML fragments into the snapshot. Explicit
// configuration always wins on id conflicts.
func (r *AgentRegistry) mergeDropins(ctx context.Context, agents map[string]models.AgentDefinition, defaults models.AgentDefaults) {
	entries, err := os.ReadDir(r.dropinDir)
	if err != nil {
		r.skip(ctx, "", skipParseError, fmt.Sprintf("read drop-in dir: %v", err))
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (filepath.Ext(name) != ".yaml" && filepath.Ext(name) != ".yml") {
			continue
		}
		path := filepath.Join(r.dropinDir, name)

		raw, err := os.ReadFile(path)
		if err != nil {
			r.skip(ctx, name, skipParseError, err.Error())
			continue
		}
		var def models.AgentDefinition
		if err := yaml.Unmarshal(raw, &def); err != nil {
			r.skip(ctx, name, skipParseError, err.Error())
			continue
		}
		applyDefaults(&def, defaults)
		def.Source = name

		if def.Module != "" && r.modules != nil {
			if err := r.modules.AssertModuleAllowed(def.Module); err != nil {
				r.skip(ctx, name, skipModuleDenied, err.Error())
				continue
			}
		}
		if err := r.resolve(def); err != nil {
			reason := skipInvalid
			if !r.upstreams.Has(def.Upstream) {
				reason = skipUnknownUp
			} else if def.Validate() == nil {
				reason = skipUnknownTool
			}
			r.skip(ctx, name, reason, err.Error())
			continue
		}
		if _, taken := agents[def.ID()]; taken {
			r.skip(ctx, name, skipShadowed, fmt.Sprintf("agent %q already defined in %s", def.ID(), r.path))
			continue
		}
		agents[def.ID()] = def
	}
}

func (r *AgentRegistry) skip(ctx context.Context, fragment, reason, detail string) {
	severity := diag.SeverityWarning
	if reason == skipShadowed {
		severity = diag.SeverityInfo
	}
	r.sink.Record(ctx, diag.StageDiscovery, severity, "drop-in agent skipped", map[string]any{
		"fragment": fragment,
		"reason":   reason,
		"detail":   detail,
	})
	if r.stats != nil {
		r.stats.RecordDiscoverySkip(reason)
	}
}

func applyDefaults(def *models.AgentDefinition, defaults models.AgentDefaults) {
	if def.Namespace == "" {
		def.Namespace = defaults.Namespace
	}
	if def.Namespace == "" {
		def.Namespace = "default"
	}
	if def.Upstream == "" {
		def.Upstream = defaults.Upstream
	}
	if def.Model == "" {
		def.Model = defaults.Model
	}
	if def.ToolFailurePolicy == "" {
		def.ToolFailurePolicy = models.ToolFailureContinue
	}
}
