package worker

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signals-backend/internal/inference"
	"signals-backend/internal/storage"
)

func sampleIncident() storage.Incident {
	opened := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	return storage.Incident{
		ID:          "inc-1",
		ProjectID:   "proj",
		Environment: "prod",
		Fingerprint: "PAYMENT_FAILED|/api/checkout|prod",
		Status:      storage.IncidentOpen,
		Severity:    storage.SeverityCritical,
		Title:       "Error spike: PAYMENT_FAILED on /api/checkout",
		OpenedAt:    opened,
		LastSeenAt:  opened.Add(4 * time.Minute),
	}
}

func makeSampleEvents(n int) []storage.IncidentEvent {
	base := time.Date(2025, 1, 15, 10, 5, 0, 0, time.UTC)
	out := make([]storage.IncidentEvent, 0, n)
	for i := 0; i < n; i++ {
		code := "PAYMENT_FAILED"
		if i%3 == 0 {
			code = "CARD_DECLINED"
		}
		out = append(out, storage.IncidentEvent{
			IncidentID: "inc-1",
			EventID:    fmt.Sprintf("evt-%d", i),
			OccurredAt: base.Add(-time.Duration(i) * time.Second),
			EventType:  "error",
			Severity:   "error",
			Attributes: map[string]any{"error_code": code, "route": "/api/checkout", "status_code": float64(502)},
		})
	}
	return out
}

func TestBuildMessagesStructure(t *testing.T) {
	msgs := BuildMessages(sampleIncident(), makeSampleEvents(12))
	require.Len(t, msgs, 2)
	assert.Equal(t, inference.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, `"likely_causes"`)
	assert.Equal(t, inference.RoleUser, msgs[1].Role)

	user := msgs[1].Content
	assert.Contains(t, user, "- ID: inc-1")
	assert.Contains(t, user, "- Severity: critical")
	assert.Contains(t, user, "- Total Events: 12")
	assert.Contains(t, user, "- Time Range: 2025-01-15T10:04:49Z to 2025-01-15T10:05:00Z")
	assert.Contains(t, user, "- /api/checkout: 12 occurrences")

	// higher counts come first
	first := strings.Index(user, "- PAYMENT_FAILED: 8 occurrences")
	second := strings.Index(user, "- CARD_DECLINED: 4 occurrences")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second)

	assert.Equal(t, 10, strings.Count(user, `"type": "error"`))
	assert.Contains(t, user, `"status_code": 502`)
}

func TestBuildMessagesWithoutEvents(t *testing.T) {
	msgs := BuildMessages(sampleIncident(), nil)
	user := msgs[1].Content
	assert.Contains(t, user, "- Total Events: 0")
	assert.Contains(t, user, "- Time Range: N/A")
	assert.Contains(t, user, "- No error codes found")
	assert.Contains(t, user, "- No routes found")
	assert.Contains(t, user, "[]")
}

func TestBuildMessagesCapsContext(t *testing.T) {
	msgs := BuildMessages(sampleIncident(), makeSampleEvents(80))
	assert.Contains(t, msgs[1].Content, fmt.Sprintf("- Total Events: %d", MaxContextEvents))
}

func TestBuildMessagesIsDeterministic(t *testing.T) {
	a := BuildMessages(sampleIncident(), makeSampleEvents(20))
	b := BuildMessages(sampleIncident(), makeSampleEvents(20))
	assert.Equal(t, a, b)
}
