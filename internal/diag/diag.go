// Package diag provides the diagnostics sink: a bounded ring buffer of
// recent failures and notable events, plus the request-correlation context
// helpers every layer uses to tag what it records.
//
// Diagnostics are operator-facing and distinct from caller-facing errors;
// the ring is read back through the admin API.
package diag

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Stages a diagnostic can originate from.
const (
	StageDiscovery = "discovery"
	StageSecurity  = "security"
	StageTool      = "tool"
	StageUpstream  = "upstream"
)

// Severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Diagnostic is one recorded event. Oldest entries drop silently when the
// ring is full.
type Diagnostic struct {
	Timestamp time.Time      `json:"timestamp"`
	Stage     string         `json:"stage"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Recorder is an append-only ring buffer of Diagnostics, safe for
// concurrent use.
type Recorder struct {
	mu   sync.Mutex
	buf  []Diagnostic
	next int
	size int
}

// NewRecorder creates a Recorder holding at most capacity entries.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 200
	}
	return &Recorder{buf: make([]Diagnostic, capacity)}
}

// Record appends a diagnostic, pulling the correlation id from ctx, and
// mirrors it to the structured log.
func (r *Recorder) Record(ctx context.Context, stage, severity, message string, details map[string]any) {
	d := Diagnostic{
		Timestamp: time.Now().UTC(),
		Stage:     stage,
		Severity:  severity,
		Message:   message,
		RequestID: RequestID(ctx),
		Details:   details,
	}

	r.mu.Lock()
	r.buf[r.next] = d
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.mu.Unlock()

	event := log.Info()
	switch severity {
	case SeverityWarning:
		event = log.Warn()
	case SeverityError:
		event = log.Error()
	}
	event.
		Str("stage", stage).
		Str("request_id", d.RequestID).
		Fields(details).
		Msg(message)
}

// Recent returns up to limit diagnostics, newest first. limit <= 0 returns
// everything retained.
func (r *Recorder) Recent(limit int) []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]Diagnostic, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Len returns the number of retained diagnostics.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// ── Correlation ──

type ctxKey struct{}

// WithRequestID stores the correlation id on the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestID returns the correlation id stored on the context, or "".
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}
