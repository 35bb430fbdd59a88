package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"signals-backend/internal/storage"
)

// Notification is the advisory message published after a job row is written.
type Notification struct {
	JobID      string    `json:"job_id"`
	IncidentID string    `json:"incident_id"`
	JobType    string    `json:"job_type"`
	CreatedAt  time.Time `json:"created_at"`
}

type Notifier interface {
	NotifyJob(ctx context.Context, key string, n Notification) error
}

type NotifierFunc func(ctx context.Context, key string, n Notification) error

func (f NotifierFunc) NotifyJob(ctx context.Context, key string, n Notification) error {
	return f(ctx, key, n)
}

type Enqueuer struct {
	store    Store
	notifier Notifier
	now      func() time.Time
	logger   *slog.Logger
}

func NewEnqueuer(store Store, notifier Notifier, logger *slog.Logger) *Enqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{store: store, notifier: notifier, now: time.Now, logger: logger}
}

// Enqueue writes a queued summary job for the incident and then fires the
// notification hook. Hook failures are logged and never returned.
func (e *Enqueuer) Enqueue(ctx context.Context, incidentID string) (storage.Job, error) {
	now := e.now().UTC()
	job, err := e.store.InsertJob(ctx, storage.Job{
		ID:           uuid.NewString(),
		IncidentID:   incidentID,
		JobType:      storage.JobTypeIncidentSummary,
		Status:       storage.JobQueued,
		AttemptCount: 0,
		MaxAttempts:  DefaultMaxAttempts,
		RunAfter:     now,
		CreatedAt:    now,
	})
	if err != nil {
		return storage.Job{}, fmt.Errorf("enqueue job for incident %s: %w", incidentID, err)
	}
	e.afterCommit(ctx, job)
	return job, nil
}

func (e *Enqueuer) afterCommit(ctx context.Context, job storage.Job) {
	if e.notifier == nil {
		return
	}
	n := Notification{JobID: job.ID, IncidentID: job.IncidentID, JobType: job.JobType, CreatedAt: job.CreatedAt}
	if err := e.notifier.NotifyJob(ctx, job.IncidentID, n); err != nil {
		e.logger.Warn("job notification failed",
			slog.String("job_id", job.ID),
			slog.String("incident_id", job.IncidentID),
			slog.String("error", err.Error()))
	}
}
