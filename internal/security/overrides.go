package security

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/internal/pattern"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// overrideTable holds the in-memory, time-boxed policy exceptions. Expiry
// is enforced lazily on every lookup and by the background sweeper; both
// paths remove entries under the table lock, so the override.expired event
// fires exactly once per override.
type overrideTable struct {
	mu      sync.Mutex
	entries map[string]models.Override
	sink    *diag.Recorder
}

func newOverrideTable(sink *diag.Recorder) *overrideTable {
	return &overrideTable{entries: make(map[string]models.Override), sink: sink}
}

func (t *overrideTable) create(patternStr string, ttl time.Duration, reason string) models.Override {
	now := time.Now().UTC()
	ov := models.Override{
		ID:        uuid.NewString(),
		Pattern:   patternStr,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	t.mu.Lock()
	t.entries[ov.ID] = ov
	t.mu.Unlock()

	log.Info().
		Str("override_id", ov.ID).
		Str("pattern", ov.Pattern).
		Str("reason", ov.Reason).
		Time("expires_at", ov.ExpiresAt).
		Msg("override.created")
	return ov
}

// match returns the first active override whose pattern matches name.
// Expired entries encountered on the way are removed.
func (t *overrideTable) match(name string, now time.Time) (models.Override, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked(now)
	for _, ov := range t.entries {
		if pattern.Match(ov.Pattern, name) {
			return ov, true
		}
	}
	return models.Override{}, false
}

func (t *overrideTable) list(now time.Time) []models.Override {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked(now)
	out := make([]models.Override, 0, len(t.entries))
	for _, ov := range t.entries {
		out = append(out, ov)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *overrideTable) sweep(now time.Time) {
	t.mu.Lock()
	t.expireLocked(now)
	t.mu.Unlock()
}

// expireLocked removes every expired entry and logs each exactly once.
// Callers must hold t.mu.
func (t *overrideTable) expireLocked(now time.Time) {
	for id, ov := range t.entries {
		if !ov.Expired(now) {
			continue
		}
		delete(t.entries, id)
		log.Info().
			Str("override_id", ov.ID).
			Str("pattern", ov.Pattern).
			Msg("override.expired")
		t.sink.Record(context.Background(), diag.StageSecurity, diag.SeverityInfo, "override.expired", map[string]any{
			"override_id": ov.ID,
			"pattern":     ov.Pattern,
			"reason":      ov.Reason,
		})
	}
}
