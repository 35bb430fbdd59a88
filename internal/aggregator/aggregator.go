package aggregator

import (
	"context"
	"fmt"
	"time"

	"signals-backend/internal/events"
	"signals-backend/internal/storage"
)

type Store interface {
	IncrementBucket(ctx context.Context, key storage.BucketKey, bucketStart time.Time, bucketSeconds int) error
	SumBuckets(ctx context.Context, key storage.BucketKey, start, end time.Time) (int64, error)
}

var (
	_ Store = (*storage.Repository)(nil)
	_ Store = (*storage.MemoryStore)(nil)
)

type Aggregator struct {
	store Store
}

func New(store Store) *Aggregator {
	return &Aggregator{store: store}
}

func KeyFor(e events.Envelope, metric string) storage.BucketKey {
	return storage.BucketKey{
		OrgID:       e.OrgID,
		ProjectID:   e.ProjectID,
		Environment: e.Environment,
		MetricName:  metric,
		Fingerprint: events.Fingerprint(e),
	}
}

// RecordEvent increments the minute bucket for tracked event types.
// Untracked types are ignored.
func (a *Aggregator) RecordEvent(ctx context.Context, e events.Envelope) error {
	metric, ok := events.MetricName(e)
	if !ok {
		return nil
	}
	key := KeyFor(e, metric)
	if err := a.store.IncrementBucket(ctx, key, events.AlignToMinute(e.OccurredAt), events.BucketSeconds); err != nil {
		return fmt.Errorf("increment bucket %s/%s: %w", metric, key.Fingerprint, err)
	}
	return nil
}

// Sum totals bucket values with bucket_start in [start, end).
func (a *Aggregator) Sum(ctx context.Context, key storage.BucketKey, start, end time.Time) (int64, error) {
	return a.store.SumBuckets(ctx, key, start, end)
}

func (a *Aggregator) CountLastNMinutes(ctx context.Context, key storage.BucketKey, minutes int, ref time.Time) (int64, error) {
	return a.Sum(ctx, key, ref.Add(-time.Duration(minutes)*time.Minute), ref)
}

// BaselineAverage is the mean per windowMinutes over the baselineMinutes that
// end windowMinutes before ref.
func (a *Aggregator) BaselineAverage(ctx context.Context, key storage.BucketKey, baselineMinutes, windowMinutes int, ref time.Time) (float64, error) {
	if windowMinutes <= 0 {
		return 0, nil
	}
	end := ref.Add(-time.Duration(windowMinutes) * time.Minute)
	start := end.Add(-time.Duration(baselineMinutes) * time.Minute)
	total, err := a.Sum(ctx, key, start, end)
	if err != nil {
		return 0, err
	}
	windows := float64(baselineMinutes) / float64(windowMinutes)
	if windows <= 0 {
		return 0, nil
	}
	return float64(total) / windows, nil
}
