package incidents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signals-backend/internal/events"
	"signals-backend/internal/rules"
	"signals-backend/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func trigger(severity string) rules.Result {
	return rules.Result{
		Triggered:   true,
		RuleType:    rules.RuleErrorSpike,
		Fingerprint: "DB_TIMEOUT|/api/users|prod",
		Severity:    severity,
		Title:       "Error spike: DB_TIMEOUT on /api/users",
	}
}

func envelope(id string) events.Envelope {
	return events.Envelope{
		EventID:     id,
		OrgID:       "org",
		ProjectID:   "proj",
		Environment: "prod",
		EventType:   events.TypeError,
		Severity:    "error",
		OccurredAt:  time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		Attributes:  map[string]any{"error_code": "DB_TIMEOUT", "route": "/api/users"},
	}
}

func TestProcessTriggerDeduplicatesOpenIncident(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
	m := NewManager(store, WithClock(clock.Now))
	ctx := context.Background()

	first, isNew, err := m.ProcessTrigger(ctx, envelope("e1"), trigger(storage.SeverityWarn))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, storage.IncidentOpen, first.Status)
	assert.Equal(t, first.OpenedAt, first.LastSeenAt)

	clock.Advance(2 * time.Minute)
	second, isNew, err := m.ProcessTrigger(ctx, envelope("e2"), trigger(storage.SeverityWarn))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.LastSeenAt.Add(2*time.Minute), second.LastSeenAt)
	assert.Equal(t, first.OpenedAt, second.OpenedAt)

	linked, err := store.ListIncidentEvents(ctx, first.ID, 50)
	require.NoError(t, err)
	assert.Len(t, linked, 2)
}

func TestProcessTriggerSeverityIsMonotonic(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()

	inc, _, err := m.ProcessTrigger(ctx, envelope("e1"), trigger(storage.SeverityWarn))
	require.NoError(t, err)
	assert.Equal(t, storage.SeverityWarn, inc.Severity)

	inc, _, err = m.ProcessTrigger(ctx, envelope("e2"), trigger(storage.SeverityError))
	require.NoError(t, err)
	assert.Equal(t, storage.SeverityError, inc.Severity)

	inc, _, err = m.ProcessTrigger(ctx, envelope("e3"), trigger(storage.SeverityWarn))
	require.NoError(t, err)
	assert.Equal(t, storage.SeverityError, inc.Severity)

	stored, err := store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SeverityError, stored.Severity)
}

func TestProcessTriggerConcurrentCreatesOneIncident(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	ids := map[string]struct{}{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inc, isNew, err := m.ProcessTrigger(ctx, envelope("e"), trigger(storage.SeverityError))
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[inc.ID] = struct{}{}
			if isNew {
				created++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func TestResolvedIncidentAllowsNewOne(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()

	first, _, err := m.ProcessTrigger(ctx, envelope("e1"), trigger(storage.SeverityWarn))
	require.NoError(t, err)
	require.NoError(t, m.Resolve(ctx, first.ID))

	resolved, err := m.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.IncidentResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	second, isNew, err := m.ProcessTrigger(ctx, envelope("e2"), trigger(storage.SeverityWarn))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestMarkInvestigatingRequiresOpen(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()

	inc, _, err := m.ProcessTrigger(ctx, envelope("e1"), trigger(storage.SeverityWarn))
	require.NoError(t, err)
	require.NoError(t, m.MarkInvestigating(ctx, inc.ID))

	err = m.MarkInvestigating(ctx, inc.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestOutranks(t *testing.T) {
	assert.True(t, Outranks(storage.SeverityCritical, storage.SeverityError))
	assert.False(t, Outranks(storage.SeverityWarn, storage.SeverityWarn))
	assert.False(t, Outranks(storage.SeverityWarn, storage.SeverityError))
}
