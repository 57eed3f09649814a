// Package tooling implements the provider-polymorphic tool dispatcher.
// A tool is resolved in the registry, its arguments validated against the
// compiled schema, its target checked against the security allowlist, and
// only then dispatched to one of three providers: an in-process callable,
// a plain HTTP endpoint, or a streaming remote-procedure endpoint whose
// events are concatenated into one blocking result.
//
// Every invocation is recorded (metrics plus a bounded in-memory ring)
// whatever the outcome, so observability never depends on the happy path.
package tooling

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/security"
	"github.com/modelrelay/modelrelay/pkg/models"
)

const maxErrorBody = 512

// Invocation carries caller identity and correlation through a dispatch.
type Invocation struct {
	Agent     string
	Caller    string
	RequestID string
}

// LocalFunc is an in-process tool implementation, registered under a
// module reference like "builtin:echo".
type LocalFunc func(ctx context.Context, args map[string]any, inv Invocation) (string, error)

// Gate is the slice of the security manager the dispatcher needs.
type Gate interface {
	AssertToolAllowed(target string) error
}

// InvocationRecord is the observability trail of one dispatch.
type InvocationRecord struct {
	Tool      string    `json:"tool"`
	Provider  string    `json:"provider"`
	Outcome   string    `json:"outcome"`
	Agent     string    `json:"agent,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

// Dispatcher executes governed tool invocations. Safe for concurrent use.
type Dispatcher struct {
	registry *registry.ToolRegistry
	gate     Gate
	sink     *diag.Recorder
	stats    *metrics.Collector
	client   *http.Client

	mu     sync.RWMutex
	locals map[string]LocalFunc

	recMu   sync.Mutex
	records []InvocationRecord
	recNext int
	recSize int
}

// NewDispatcher creates a Dispatcher with no local callables registered.
func NewDispatcher(reg *registry.ToolRegistry, gate Gate, sink *diag.Recorder, stats *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		gate:     gate,
		sink:     sink,
		stats:    stats,
		client:   &http.Client{},
		locals:   make(map[string]LocalFunc),
		records:  make([]InvocationRecord, 100),
	}
}

// RegisterLocal binds an in-process callable to a module reference.
func (d *Dispatcher) RegisterLocal(module string, fn LocalFunc) {
	d.mu.Lock()
	d.locals[module] = fn
	d.mu.Unlock()
}

// Invoke runs one tool call end to end. Tool calls never retry here; the
// executor decides what a failure means for the conversation.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any, inv Invocation) (string, error) {
	start := time.Now()

	tool, ok := d.registry.Get(name)
	if !ok {
		err := &NotFoundError{Tool: name}
		d.record(ctx, name, "unknown", inv, start, err)
		return "", err
	}
	provider := tool.Definition.Provider

	if err := validateArgs(name, tool.Schema, args); err != nil {
		d.record(ctx, name, provider, inv, start, err)
		return "", err
	}

	if err := d.gate.AssertToolAllowed(tool.Definition.Target()); err != nil {
		d.record(ctx, name, provider, inv, start, err)
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, tool.Definition.Timeout())
	defer cancel()

	var out string
	var err error
	switch provider {
	case models.ToolProviderLocal:
		out, err = d.invokeLocal(callCtx, tool.Definition, args, inv)
	case models.ToolProviderHTTP:
		out, err = d.invokeHTTP(callCtx, tool.Definition, args)
	case models.ToolProviderRPCStream:
		out, err = d.invokeRPC(callCtx, tool.Definition, args, inv)
	default:
		err = &ProviderFailure{Tool: name, Detail: fmt.Sprintf("unknown provider %q", provider)}
	}

	d.record(ctx, name, provider, inv, start, err)
	if err != nil {
		return "", err
	}
	return out, nil
}

// RecentInvocations returns up to limit records, newest first.
func (d *Dispatcher) RecentInvocations(limit int) []InvocationRecord {
	d.recMu.Lock()
	defer d.recMu.Unlock()

	if limit <= 0 || limit > d.recSize {
		limit = d.recSize
	}
	out := make([]InvocationRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (d.recNext - i + len(d.records)) % len(d.records)
		out = append(out, d.records[idx])
	}
	return out
}

// record writes the invocation trail: metrics, the in-memory ring, a log
// line, and a diagnostic on failure.
func (d *Dispatcher) record(ctx context.Context, name, provider string, inv Invocation, start time.Time, err error) {
	elapsed := time.Since(start)

	outcome := metrics.OutcomeSuccess
	var denied *security.PermissionDeniedError
	switch {
	case err == nil:
	case errors.As(err, &denied):
		outcome = metrics.OutcomeBlocked
	default:
		outcome = metrics.OutcomeFailure
	}

	rec := InvocationRecord{
		Tool:      name,
		Provider:  provider,
		Outcome:   outcome,
		Agent:     inv.Agent,
		RequestID: inv.RequestID,
		LatencyMS: elapsed.Milliseconds(),
		At:        start.UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	d.recMu.Lock()
	d.records[d.recNext] = rec
	d.recNext = (d.recNext + 1) % len(d.records)
	if d.recSize < len(d.records) {
		d.recSize++
	}
	d.recMu.Unlock()

	if d.stats != nil {
		d.stats.RecordToolInvocation(name, provider, outcome, elapsed)
	}

	event := log.Info()
	if err != nil {
		event = log.Warn()
		d.sink.Record(ctx, diag.StageTool, diag.SeverityWarning, "tool invocation failed", map[string]any{
			"tool":     name,
			"provider": provider,
			"agent":    inv.Agent,
			"outcome":  outcome,
			"error":    err.Error(),
		})
	}
	event.
		Str("tool", name).
		Str("provider", provider).
		Str("outcome", outcome).
		Str("agent", inv.Agent).
		Dur("latency", elapsed).
		Msg("tool.invoke")
}

// ── Providers ──

func (d *Dispatcher) invokeLocal(ctx context.Context, def models.ToolDefinition, args map[string]any, inv Invocation) (string, error) {
	d.mu.RLock()
	fn := d.locals[def.Module]
	d.mu.RUnlock()
	if fn == nil {
		return "", &ProviderFailure{Tool: def.Name, Detail: fmt.Sprintf("local callable %q not registered", def.Module)}
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := fn(ctx, args, inv)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		return "", &TimeoutError{Tool: def.Name, Timeout: def.Timeout()}
	case res := <-done:
		if res.err != nil {
			return "", &ProviderFailure{Tool: def.Name, Detail: res.err.Error()}
		}
		return res.out, nil
	}
}

func (d *Dispatcher) invokeHTTP(ctx context.Context, def models.ToolDefinition, args map[string]any) (string, error) {
	method := strings.ToUpper(def.Method)
	if method == "" {
		method = http.MethodGet
	}

	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, def.URL, nil)
		if err == nil {
			q := req.URL.Query()
			for k, v := range args {
				q.Set(k, fmt.Sprint(v))
			}
			req.URL.RawQuery = q.Encode()
		}
	} else {
		var body []byte
		body, err = json.Marshal(args)
		if err == nil {
			req, err = http.NewRequestWithContext(ctx, method, def.URL, bytes.NewReader(body))
			if req != nil {
				req.Header.Set("Content-Type", "application/json")
			}
		}
	}
	if err != nil {
		return "", &ProviderFailure{Tool: def.Name, Detail: err.Error()}
	}
	for k, v := range def.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", d.classifyTransport(ctx, def, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", d.classifyTransport(ctx, def, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ProviderFailure{Tool: def.Name, Status: resp.StatusCode, Detail: truncate(string(body), maxErrorBody)}
	}
	return string(body), nil
}

// invokeRPC posts {method, arguments, context} to the remote endpoint.
// Streaming tools answer with server-sent events that are concatenated
// into one textual result; the dispatcher stays a single blocking call
// from the executor's point of view.
func (d *Dispatcher) invokeRPC(ctx context.Context, def models.ToolDefinition, args map[string]any, inv Invocation) (string, error) {
	method := def.RPCMethod
	if method == "" {
		method = def.Name
	}
	payload, err := json.Marshal(map[string]any{
		"method":    method,
		"arguments": args,
		"context": map[string]string{
			"agent":      inv.Agent,
			"caller":     inv.Caller,
			"request_id": inv.RequestID,
		},
	})
	if err != nil {
		return "", &ProviderFailure{Tool: def.Name, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, def.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &ProviderFailure{Tool: def.Name, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if def.Streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range def.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", d.classifyTransport(ctx, def, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &ProviderFailure{Tool: def.Name, Status: resp.StatusCode, Detail: truncate(string(body), maxErrorBody)}
	}

	if !def.Streaming {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", d.classifyTransport(ctx, def, err)
		}
		return string(body), nil
	}

	var chunks []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		chunks = append(chunks, data)
	}
	if err := scanner.Err(); err != nil {
		return "", d.classifyTransport(ctx, def, err)
	}
	return strings.Join(chunks, "\n"), nil
}

func (d *Dispatcher) classifyTransport(ctx context.Context, def models.ToolDefinition, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Tool: def.Name, Timeout: def.Timeout()}
	}
	return &ProviderFailure{Tool: def.Name, Detail: err.Error()}
}

// validateArgs checks arguments against the compiled schema and folds the
// failing instance locations into a SchemaError.
func validateArgs(name string, schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	// The schema compiler works on JSON types; round-trip so numbers and
	// nested maps take their JSON shapes.
	raw, err := json.Marshal(args)
	if err != nil {
		return &SchemaError{Tool: name}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return &SchemaError{Tool: name}
	}
	if err := schema.Validate(decoded); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &SchemaError{Tool: name, Fields: collectFields(ve)}
		}
		return &SchemaError{Tool: name}
	}
	return nil
}

func collectFields(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := strings.TrimPrefix(ve.InstanceLocation, "/")
		if loc == "" {
			loc = ve.Message
		}
		return []string{loc}
	}
	var fields []string
	for _, cause := range ve.Causes {
		fields = append(fields, collectFields(cause)...)
	}
	return fields
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
