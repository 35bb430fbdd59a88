package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"signals-backend/internal/inference"
	"signals-backend/internal/jobs"
	"signals-backend/internal/metrics"
	"signals-backend/internal/storage"
)

const DefaultInferenceTimeout = 90 * time.Second

var tracer = otel.Tracer("signals-backend/worker")

type Store interface {
	GetIncident(ctx context.Context, id string) (storage.Incident, error)
	ListIncidentEvents(ctx context.Context, incidentID string, limit int) ([]storage.IncidentEvent, error)
	InsertOutput(ctx context.Context, out storage.Output) error
}

var (
	_ Store = (*storage.Repository)(nil)
	_ Store = (*storage.MemoryStore)(nil)
)

type Leaser interface {
	Acquire(ctx context.Context) (storage.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error, attemptCount, maxAttempts int) error
	Renew(ctx context.Context, id string) error
}

var _ Leaser = (*jobs.LeaseManager)(nil)

type Provider interface {
	Chat(ctx context.Context, messages []inference.Message) (string, error)
	Model() string
}

var _ Provider = (*inference.Client)(nil)

type Processor struct {
	leases     Leaser
	store      Store
	provider   Provider
	timeout    time.Duration
	renewEvery time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewProcessor(leases Leaser, store Store, provider Provider, timeout time.Duration, logger *slog.Logger) *Processor {
	if timeout <= 0 {
		timeout = DefaultInferenceTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		leases:     leases,
		store:      store,
		provider:   provider,
		timeout:    timeout,
		now:        time.Now,
		logger:     logger,
	}
}

// EnableLeaseHeartbeat renews each running job's lease every interval while it
// is processed. Off by default so a hung worker loses its job at lease expiry.
func (p *Processor) EnableLeaseHeartbeat(every time.Duration) {
	if every >= jobs.LeaseDuration {
		every = jobs.LeaseDuration / 2
	}
	p.renewEvery = every
}

// ProcessNext acquires one job and drives it to success or a recorded failure.
// It returns false when no job was available.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.leases.Acquire(ctx)
	if errors.Is(err, jobs.ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ctx, span := tracer.Start(ctx, "worker.process_job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("incident.id", job.IncidentID),
		attribute.Int("job.attempt", job.AttemptCount),
	))
	defer span.End()

	logger := p.logger.With(slog.String("job_id", job.ID), slog.String("incident_id", job.IncidentID))
	logger.Info("processing job", slog.Int("attempt", job.AttemptCount), slog.Int("max_attempts", job.MaxAttempts))

	stopRenew := p.keepLease(ctx, job.ID, logger)
	runErr := p.run(ctx, job)
	stopRenew()
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		logger.Error("job failed", slog.String("error", runErr.Error()))
		if err := p.leases.Fail(ctx, job.ID, runErr, job.AttemptCount, job.MaxAttempts); err != nil {
			logger.Error("recording job failure failed", slog.String("error", err.Error()))
		}
		return true, nil
	}
	if err := p.leases.Complete(ctx, job.ID); err != nil {
		logger.Error("completing job failed", slog.String("error", err.Error()))
		return true, nil
	}
	logger.Info("job succeeded")
	return true, nil
}

func (p *Processor) run(ctx context.Context, job storage.Job) error {
	inc, err := p.store.GetIncident(ctx, job.IncidentID)
	if err != nil {
		return fmt.Errorf("load incident %s: %w", job.IncidentID, err)
	}
	evts, err := p.store.ListIncidentEvents(ctx, job.IncidentID, MaxContextEvents)
	if err != nil {
		return fmt.Errorf("load incident events: %w", err)
	}
	messages := BuildMessages(inc, evts)

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	started := time.Now()
	reply, err := p.provider.Chat(callCtx, messages)
	if err != nil {
		metrics.ObserveInference(time.Since(started), metrics.OutcomeError)
		return fmt.Errorf("inference: %w", err)
	}
	metrics.ObserveInference(time.Since(started), metrics.OutcomeSuccess)

	summary, err := ParseSummary(reply)
	if err != nil {
		return err
	}
	content, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	out := storage.Output{
		ID:         uuid.NewString(),
		IncidentID: job.IncidentID,
		OutputType: storage.OutputTypeSummary,
		Model:      p.provider.Model(),
		Content:    content,
		CreatedAt:  p.now().UTC(),
	}
	if err := p.store.InsertOutput(ctx, out); err != nil {
		return fmt.Errorf("store output: %w", err)
	}
	return nil
}

// keepLease renews the job lease in the background until the returned func is called.
func (p *Processor) keepLease(ctx context.Context, id string, logger *slog.Logger) func() {
	if p.renewEvery <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.leases.Renew(ctx, id); err != nil && ctx.Err() == nil {
					logger.Warn("lease renewal failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Drain processes jobs until none is available or ctx is done.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	processed := 0
	for ctx.Err() == nil {
		ok, err := p.ProcessNext(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed++
	}
	return processed, nil
}
