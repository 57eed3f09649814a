// Package registry holds the three hot-reloadable routing registries:
// upstreams, tools, and agents. Each keeps an immutable snapshot behind an
// atomic pointer; Reload parses and validates a fresh document and only
// then swaps the pointer, so readers never block and never observe a
// half-updated snapshot. A failed reload leaves the previous snapshot
// serving traffic.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"gopkg.in/yaml.v3"

	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// ValidationError reports why a document failed to load. The previous
// snapshot stays active when one is returned.
type ValidationError struct {
	Document string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Document, strings.Join(e.Problems, "; "))
}

// UpstreamRecord pairs an upstream definition with its derived client and
// last known health.
type UpstreamRecord struct {
	Definition  models.UpstreamDefinition `json:"definition"`
	Healthy     bool                      `json:"healthy"`
	LastChecked time.Time                 `json:"last_checked"`
	LastError   string                    `json:"last_error,omitempty"`

	client *openai.Client
}

// Client returns the cached chat-completion client for this upstream.
func (r *UpstreamRecord) Client() *openai.Client {
	return r.client
}

type upstreamSnapshot struct {
	records map[string]*UpstreamRecord
}

// UpstreamRegistry loads upstreams.yaml and derives one cached client per
// upstream. Health is probed at load and periodically.
type UpstreamRegistry struct {
	path  string
	sink  *diag.Recorder
	probe *http.Client

	mu   sync.Mutex // serializes Reload and health sweeps
	snap atomic.Pointer[upstreamSnapshot]
}

// NewUpstreamRegistry creates an empty registry. Call Reload before serving.
func NewUpstreamRegistry(path string, sink *diag.Recorder) *UpstreamRegistry {
	r := &UpstreamRegistry{
		path:  path,
		sink:  sink,
		probe: &http.Client{},
	}
	r.snap.Store(&upstreamSnapshot{records: map[string]*UpstreamRecord{}})
	return r
}

// Reload parses the document, builds clients, probes health, and swaps the
// snapshot.
func (r *UpstreamRegistry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read upstreams config: %w", err)
	}

	var doc models.UpstreamsDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return &ValidationError{Document: r.path, Problems: []string{err.Error()}}
	}

	var problems []string
	records := make(map[string]*UpstreamRecord, len(doc.Upstreams))
	for _, def := range doc.Upstreams {
		if err := def.Validate(); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if _, dup := records[def.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate upstream %q", def.Name))
			continue
		}
		records[def.Name] = &UpstreamRecord{
			Definition: def,
			client:     buildClient(def),
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Document: r.path, Problems: problems}
	}

	for _, rec := range records {
		r.probeRecord(ctx, rec)
	}

	r.snap.Store(&upstreamSnapshot{records: records})
	log.Info().Int("upstreams", len(records)).Str("path", r.path).Msg("upstream registry loaded")
	return nil
}

// Record looks up one upstream by name in the current snapshot.
func (r *UpstreamRegistry) Record(name string) (*UpstreamRecord, bool) {
	rec, ok := r.snap.Load().records[name]
	return rec, ok
}

// Has reports whether the current snapshot contains the named upstream.
func (r *UpstreamRegistry) Has(name string) bool {
	_, ok := r.snap.Load().records[name]
	return ok
}

// List returns the current upstream records sorted by priority, then name.
func (r *UpstreamRegistry) List() []UpstreamRecord {
	snap := r.snap.Load()
	out := make([]UpstreamRecord, 0, len(snap.records))
	for _, rec := range snap.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Definition, out[j].Definition
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Name < b.Name
	})
	return out
}

// ProbeAll re-checks health for every upstream and swaps in an updated
// snapshot. Definitions and clients are carried over untouched.
func (r *UpstreamRegistry) ProbeAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	records := make(map[string]*UpstreamRecord, len(old.records))
	for name, rec := range old.records {
		next := *rec
		r.probeRecord(ctx, &next)
		records[name] = &next
	}
	r.snap.Store(&upstreamSnapshot{records: records})
}

// StartHealthLoop re-probes all upstreams every interval until ctx is done.
func (r *UpstreamRegistry) StartHealthLoop(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ProbeAll(ctx)
			}
		}
	}()
}

func (r *UpstreamRegistry) probeRecord(ctx context.Context, rec *UpstreamRecord) {
	def := rec.Definition
	rec.LastChecked = time.Now().UTC()

	if def.HealthPath == "" {
		rec.Healthy = true
		rec.LastError = ""
		return
	}

	url := strings.TrimRight(def.BaseURL, "/") + def.HealthPath
	probeCtx, cancel := context.WithTimeout(ctx, def.HealthTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		rec.Healthy = false
		rec.LastError = err.Error()
		return
	}
	resp, err := r.probe.Do(req)
	if err != nil {
		rec.Healthy = false
		rec.LastError = err.Error()
		r.sink.Record(ctx, diag.StageUpstream, diag.SeverityWarning, "upstream health probe failed",
			map[string]any{"upstream": def.Name, "error": err.Error()})
		return
	}
	resp.Body.Close()

	rec.Healthy = resp.StatusCode < http.StatusInternalServerError
	if rec.Healthy {
		rec.LastError = ""
		return
	}
	rec.LastError = fmt.Sprintf("health probe returned %d", resp.StatusCode)
	r.sink.Record(ctx, diag.StageUpstream, diag.SeverityWarning, "upstream unhealthy",
		map[string]any{"upstream": def.Name, "status": resp.StatusCode})
}

func buildClient(def models.UpstreamDefinition) *openai.Client {
	secret := def.APIKey
	if secret == "" && def.APIKeyEnv != "" {
		secret = os.Getenv(def.APIKeyEnv)
	}

	cfg := openai.DefaultConfig(secret)
	cfg.BaseURL = strings.TrimRight(def.BaseURL, "/")
	if len(def.Headers) > 0 {
		cfg.HTTPClient = &http.Client{
			Transport: &headerTransport{base: http.DefaultTransport, headers: def.Headers},
		}
	}
	return openai.NewClientWithConfig(cfg)
}

// headerTransport injects static per-upstream headers on every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}
