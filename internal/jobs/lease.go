package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signals-backend/internal/metrics"
	"signals-backend/internal/storage"
)

const (
	LeaseDuration      = 2 * time.Minute
	DefaultMaxAttempts = 3

	backoffBase = 5 * time.Second
	backoffCap  = 120 * time.Second
)

var ErrNoJob = storage.ErrNoJob

type Store interface {
	InsertJob(ctx context.Context, job storage.Job) (storage.Job, error)
	AcquireJob(ctx context.Context, now, leaseUntil time.Time) (storage.Job, error)
	CompleteJob(ctx context.Context, id string, now time.Time) error
	FailJob(ctx context.Context, id string, failure storage.JobFailure, now time.Time) error
	RenewJob(ctx context.Context, id string, leaseUntil, now time.Time) error
	JobStats(ctx context.Context) (map[string]int, error)
}

var (
	_ Store = (*storage.Repository)(nil)
	_ Store = (*storage.MemoryStore)(nil)
)

type LeaseManager struct {
	store Store
	now   func() time.Time
}

func NewLeaseManager(store Store, now func() time.Time) *LeaseManager {
	if now == nil {
		now = time.Now
	}
	return &LeaseManager{store: store, now: now}
}

// Backoff returns the delay before retrying after the given attempt number.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	return delay
}

// Acquire leases one eligible job. It returns ErrNoJob when nothing is runnable.
func (l *LeaseManager) Acquire(ctx context.Context) (storage.Job, error) {
	now := l.now().UTC()
	job, err := l.store.AcquireJob(ctx, now, now.Add(LeaseDuration))
	if err != nil {
		if errors.Is(err, ErrNoJob) {
			return storage.Job{}, ErrNoJob
		}
		return storage.Job{}, fmt.Errorf("acquire job: %w", err)
	}
	metrics.JobTransition("acquired")
	return job, nil
}

func (l *LeaseManager) Complete(ctx context.Context, id string) error {
	if err := l.store.CompleteJob(ctx, id, l.now().UTC()); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	metrics.JobTransition(metrics.OutcomeSuccess)
	return nil
}

// Fail records a failed attempt. Jobs that used their last attempt become
// terminal; others are requeued after Backoff(attemptCount).
func (l *LeaseManager) Fail(ctx context.Context, id string, cause error, attemptCount, maxAttempts int) error {
	now := l.now().UTC()
	failure := storage.JobFailure{Status: storage.JobFailed, LastError: errorText(cause)}
	outcome := metrics.OutcomeFailed
	if attemptCount < maxAttempts {
		runAfter := now.Add(Backoff(attemptCount))
		failure.Status = storage.JobQueued
		failure.RunAfter = &runAfter
		outcome = metrics.OutcomeRetry
	}
	if err := l.store.FailJob(ctx, id, failure, now); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	metrics.JobTransition(outcome)
	return nil
}

// Renew extends the lease of a running job by another LeaseDuration.
func (l *LeaseManager) Renew(ctx context.Context, id string) error {
	now := l.now().UTC()
	if err := l.store.RenewJob(ctx, id, now.Add(LeaseDuration), now); err != nil {
		return fmt.Errorf("renew job %s: %w", id, err)
	}
	return nil
}

func (l *LeaseManager) Stats(ctx context.Context) (map[string]int, error) {
	return l.store.JobStats(ctx)
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
