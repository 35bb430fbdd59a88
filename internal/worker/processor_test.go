package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signals-backend/internal/inference"
	"signals-backend/internal/jobs"
	"signals-backend/internal/storage"
)

type stubProvider struct {
	reply string
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (s *stubProvider) Chat(ctx context.Context, messages []inference.Message) (string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

func (s *stubProvider) Model() string { return "stub-model" }

type fixture struct {
	store  *storage.MemoryStore
	leases *jobs.LeaseManager
	job    storage.Job
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	inc, created, err := store.CreateIncident(ctx, sampleIncident())
	require.NoError(t, err)
	require.True(t, created)
	for _, evt := range makeSampleEvents(5) {
		require.NoError(t, store.AddIncidentEvent(ctx, evt))
	}
	job, err := jobs.NewEnqueuer(store, nil, nil).Enqueue(ctx, inc.ID)
	require.NoError(t, err)
	return fixture{store: store, leases: jobs.NewLeaseManager(store, nil), job: job}
}

func TestProcessNextStoresSummaryAndCompletes(t *testing.T) {
	f := newFixture(t)
	provider := &stubProvider{reply: `{"title":"Checkout failing","confidence":0.9}`}
	p := NewProcessor(f.leases, f.store, provider, time.Second, nil)

	ok, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := f.store.GetJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobSucceeded, job.Status)
	assert.Nil(t, job.LeasedUntil)

	out, err := f.store.LatestOutput(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, storage.OutputTypeSummary, out.OutputType)
	assert.Equal(t, "stub-model", out.Model)
	var summary Summary
	require.NoError(t, json.Unmarshal(out.Content, &summary))
	assert.Equal(t, "Checkout failing", summary.Title)
	assert.Equal(t, "Unknown impact", summary.Impact)
}

func TestProcessNextParseFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	provider := &stubProvider{reply: "sorry, no idea"}
	p := NewProcessor(f.leases, f.store, provider, time.Second, nil)

	before := time.Now().UTC()
	ok, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := f.store.GetJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobQueued, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "no JSON found")
	assert.False(t, job.RunAfter.Before(before.Add(5*time.Second)))

	_, err = f.store.LatestOutput(context.Background(), "inc-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessNextTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	provider := &stubProvider{reply: `{"title":"late"}`, delay: time.Second}
	p := NewProcessor(f.leases, f.store, provider, 20*time.Millisecond, nil)

	ok, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	job, _ := f.store.GetJob(context.Background(), f.job.ID)
	assert.Equal(t, storage.JobQueued, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "deadline exceeded")
}

func TestProcessNextTerminalAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	expired := now.Add(-time.Second)
	f.store.SetJob(storage.Job{ID: f.job.ID, IncidentID: "inc-1", JobType: storage.JobTypeIncidentSummary,
		Status: storage.JobRunning, AttemptCount: 2, MaxAttempts: 3, RunAfter: now.Add(-time.Minute), LeasedUntil: &expired, CreatedAt: now})
	provider := &stubProvider{err: errors.New("connection refused")}
	p := NewProcessor(f.leases, f.store, provider, time.Second, nil)

	ok, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	job, _ := f.store.GetJob(context.Background(), f.job.ID)
	assert.Equal(t, storage.JobFailed, job.Status)
	assert.Equal(t, 3, job.AttemptCount)
	assert.Contains(t, *job.LastError, "connection refused")
}

func TestProcessNextIdleWhenNothingQueued(t *testing.T) {
	store := storage.NewMemoryStore()
	provider := &stubProvider{}
	p := NewProcessor(jobs.NewLeaseManager(store, nil), store, provider, time.Second, nil)
	ok, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, provider.calls.Load())
}

func TestDrainProcessesUntilEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	second, _, err := f.store.CreateIncident(ctx, storage.Incident{ID: "inc-2", ProjectID: "proj", Environment: "prod", Fingerprint: "other", Severity: storage.SeverityWarn})
	require.NoError(t, err)
	_, err = jobs.NewEnqueuer(f.store, nil, nil).Enqueue(ctx, second.ID)
	require.NoError(t, err)

	provider := &stubProvider{reply: `{"title":"ok"}`}
	p := NewProcessor(f.leases, f.store, provider, time.Second, nil)
	processed, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, int32(2), provider.calls.Load())

	stats, err := f.leases.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[storage.JobSucceeded])
}

type countingLeaser struct {
	*jobs.LeaseManager
	renewals atomic.Int32
}

func (c *countingLeaser) Renew(ctx context.Context, id string) error {
	c.renewals.Add(1)
	return c.LeaseManager.Renew(ctx, id)
}

func TestLeaseRenewedDuringSlowInference(t *testing.T) {
	f := newFixture(t)
	leaser := &countingLeaser{LeaseManager: f.leases}
	provider := &stubProvider{reply: `{"title":"slow"}`, delay: 80 * time.Millisecond}
	p := NewProcessor(leaser, f.store, provider, time.Second, nil)
	p.EnableLeaseHeartbeat(10 * time.Millisecond)

	ok, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, leaser.renewals.Load(), int32(2))

	job, _ := f.store.GetJob(context.Background(), f.job.ID)
	assert.Equal(t, storage.JobSucceeded, job.Status)
}

func TestDefaultProcessorNeverRenews(t *testing.T) {
	f := newFixture(t)
	leaser := &countingLeaser{LeaseManager: f.leases}
	provider := &stubProvider{reply: `{"title":"slow"}`, delay: 50 * time.Millisecond}
	p := NewProcessor(leaser, f.store, provider, time.Second, nil)

	ok, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, leaser.renewals.Load())
}
