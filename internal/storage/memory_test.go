package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBucketsIgnoreOrgAndRespectRange(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	key := BucketKey{OrgID: "org_a", ProjectID: "p", Environment: "prod", MetricName: "error_count", Fingerprint: "E|/x|prod"}
	minute := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	require.NoError(t, m.IncrementBucket(ctx, key, minute, 60))
	other := key
	other.OrgID = "org_b"
	require.NoError(t, m.IncrementBucket(ctx, other, minute, 60))
	require.NoError(t, m.IncrementBucket(ctx, key, minute.Add(time.Minute), 60))

	total, err := m.SumBuckets(ctx, key, minute, minute.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	total, err = m.SumBuckets(ctx, key, minute, minute.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestMemoryCreateIncidentKeepsSingleOpenSlot(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()
	first, created, err := m.CreateIncident(ctx, Incident{ID: "a", ProjectID: "p", Environment: "prod", Fingerprint: "fp", Severity: SeverityWarn, OpenedAt: now, LastSeenAt: now})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := m.CreateIncident(ctx, Incident{ID: "b", ProjectID: "p", Environment: "prod", Fingerprint: "fp", Severity: SeverityError, OpenedAt: now, LastSeenAt: now})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	require.NoError(t, m.ResolveIncident(ctx, "a", now))
	_, created, err = m.CreateIncident(ctx, Incident{ID: "c", ProjectID: "p", Environment: "prod", Fingerprint: "fp", Severity: SeverityError, OpenedAt: now, LastSeenAt: now})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestMemoryTouchNeverDowngrades(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()
	m.SetIncident(Incident{ID: "a", Status: IncidentOpen, Severity: SeverityCritical, OpenedAt: now, LastSeenAt: now})

	inc, err := m.TouchIncident(ctx, "a", now.Add(time.Minute), SeverityWarn)
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, inc.Severity)
	assert.Equal(t, now.Add(time.Minute), inc.LastSeenAt)
}

func TestMemoryAcquireSkipsExhaustedAndFutureJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()
	m.SetJob(Job{ID: "exhausted", Status: JobQueued, AttemptCount: 3, MaxAttempts: 3, RunAfter: now.Add(-time.Minute)})
	m.SetJob(Job{ID: "future", Status: JobQueued, MaxAttempts: 3, RunAfter: now.Add(time.Minute)})
	live := now.Add(time.Minute)
	m.SetJob(Job{ID: "leased", Status: JobRunning, AttemptCount: 1, MaxAttempts: 3, RunAfter: now.Add(-time.Minute), LeasedUntil: &live})

	_, err := m.AcquireJob(ctx, now, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityRank(SeverityWarn), SeverityRank(SeverityError))
	assert.Less(t, SeverityRank(SeverityError), SeverityRank(SeverityCritical))
	assert.Equal(t, 0, SeverityRank("info"))
}
