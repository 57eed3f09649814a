package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// CompiledTool pairs a tool definition with its compiled argument schema.
// Schema is nil when the definition declares none; such tools accept any
// argument object.
type CompiledTool struct {
	Definition models.ToolDefinition
	Schema     *jsonschema.Schema
}

type toolSnapshot struct {
	tools map[string]CompiledTool
}

// ToolRegistry loads tools.yaml and compiles each declared argument schema
// once, at load, so the dispatcher validates against a ready schema.
type ToolRegistry struct {
	path string

	mu   sync.Mutex
	snap atomic.Pointer[toolSnapshot]
}

// NewToolRegistry creates an empty registry. Call Reload before serving.
func NewToolRegistry(path string) *ToolRegistry {
	r := &ToolRegistry{path: path}
	r.snap.Store(&toolSnapshot{tools: map[string]CompiledTool{}})
	return r
}

// Reload parses the document, compiles schemas, and swaps the snapshot.
func (r *ToolRegistry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read tools config: %w", err)
	}

	var doc models.ToolsDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return &ValidationError{Document: r.path, Problems: []string{err.Error()}}
	}

	var problems []string
	tools := make(map[string]CompiledTool, len(doc.Tools))
	for _, def := range doc.Tools {
		if err := def.Validate(); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if _, dup := tools[def.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate tool %q", def.Name))
			continue
		}
		schema, err := compileSchema(def)
		if err != nil {
			problems = append(problems, fmt.Sprintf("tool %q: %v", def.Name, err))
			continue
		}
		tools[def.Name] = CompiledTool{Definition: def, Schema: schema}
	}
	if len(problems) > 0 {
		return &ValidationError{Document: r.path, Problems: problems}
	}

	r.snap.Store(&toolSnapshot{tools: tools})
	log.Info().Int("tools", len(tools)).Str("path", r.path).Msg("tool registry loaded")
	return nil
}

// Get looks up one tool by name in the current snapshot.
func (r *ToolRegistry) Get(name string) (CompiledTool, bool) {
	t, ok := r.snap.Load().tools[name]
	return t, ok
}

// Has reports whether the current snapshot contains the named tool.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.snap.Load().tools[name]
	return ok
}

// List returns the current tool definitions sorted by name.
func (r *ToolRegistry) List() []models.ToolDefinition {
	snap := r.snap.Load()
	out := make([]models.ToolDefinition, 0, len(snap.tools))
	for _, t := range snap.tools {
		out = append(out, t.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func compileSchema(def models.ToolDefinition) (*jsonschema.Schema, error) {
	if len(def.Schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(def.Schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	schema, err := jsonschema.CompileString(def.Name+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
