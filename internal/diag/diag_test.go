package diag

import (
	"context"
	"fmt"
	"testing"
)

func TestRecorderEvictsOldest(t *testing.T) {
	r := NewRecorder(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.Record(ctx, StageTool, SeverityError, fmt.Sprintf("event-%d", i), nil)
	}

	got := r.Recent(0)
	if len(got) != 3 {
		t.Fatalf("Recent returned %d entries, want 3", len(got))
	}
	// Newest first, oldest two evicted.
	want := []string{"event-4", "event-3", "event-2"}
	for i, d := range got {
		if d.Message != want[i] {
			t.Errorf("Recent[%d].Message = %q, want %q", i, d.Message, want[i])
		}
	}
}

func TestRecorderCarriesRequestID(t *testing.T) {
	r := NewRecorder(10)
	ctx := WithRequestID(context.Background(), "req-123")

	r.Record(ctx, StageSecurity, SeverityWarning, "denied", map[string]any{"agent": "prod/planner"})

	got := r.Recent(1)
	if len(got) != 1 {
		t.Fatalf("Recent returned %d entries, want 1", len(got))
	}
	if got[0].RequestID != "req-123" {
		t.Errorf("RequestID = %q, want req-123", got[0].RequestID)
	}
	if got[0].Details["agent"] != "prod/planner" {
		t.Errorf("Details[agent] = %v, want prod/planner", got[0].Details["agent"])
	}
}

func TestRecentLimit(t *testing.T) {
	r := NewRecorder(10)
	for i := 0; i < 6; i++ {
		r.Record(context.Background(), StageUpstream, SeverityInfo, fmt.Sprintf("e%d", i), nil)
	}
	if got := r.Recent(2); len(got) != 2 || got[0].Message != "e5" {
		t.Errorf("Recent(2) = %v, want [e5 e4]", got)
	}
	if r.Len() != 6 {
		t.Errorf("Len = %d, want 6", r.Len())
	}
}
