package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"signals-backend/internal/aggregator"
	"signals-backend/internal/dedup"
	"signals-backend/internal/events"
	"signals-backend/internal/incidents"
	"signals-backend/internal/jobs"
	"signals-backend/internal/metrics"
	"signals-backend/internal/rules"
	"signals-backend/internal/storage"
)

var tracer = otel.Tracer("signals-backend/engine")

type Recorder interface {
	RecordEvent(ctx context.Context, e events.Envelope) error
}

type Evaluator interface {
	Evaluate(ctx context.Context, e events.Envelope, ref time.Time) (rules.Result, error)
}

type TriggerProcessor interface {
	ProcessTrigger(ctx context.Context, e events.Envelope, result rules.Result) (storage.Incident, bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, incidentID string) (storage.Job, error)
}

var (
	_ Recorder         = (*aggregator.Aggregator)(nil)
	_ Evaluator        = (*rules.Evaluator)(nil)
	_ TriggerProcessor = (*incidents.Manager)(nil)
	_ Enqueuer         = (*jobs.Enqueuer)(nil)
)

type Pipeline struct {
	Recorder  Recorder
	Evaluator Evaluator
	Incidents TriggerProcessor
	Jobs      Enqueuer
	Guard     dedup.Guard
	Now       func() time.Time
	Logger    *slog.Logger
}

// Outcome describes what one event did to engine state.
type Outcome struct {
	Duplicate   bool
	Result      rules.Result
	IncidentID  string
	NewIncident bool
	JobID       string
}

// Handle decodes one raw message and processes it. Every failure is logged and
// swallowed so the stream keeps moving.
func (p *Pipeline) Handle(ctx context.Context, data []byte) {
	logger := p.logger()
	env, err := events.Decode(data)
	if err != nil {
		metrics.EventProcessed(metrics.OutcomeMalformed)
		logger.Warn("dropping malformed event", slog.String("error", err.Error()))
		return
	}
	out, err := p.Process(ctx, env)
	if err != nil {
		metrics.EventProcessed(metrics.OutcomeError)
		logger.Error("event processing failed",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.EventType),
			slog.String("error", err.Error()))
		return
	}
	if out.Duplicate {
		metrics.EventProcessed(metrics.OutcomeDuplicate)
		logger.Debug("skipping redelivered event", slog.String("event_id", env.EventID))
		return
	}
	metrics.EventProcessed(metrics.OutcomeSuccess)
}

// Process runs a validated envelope through aggregation, rules, incident
// tracking and job creation.
func (p *Pipeline) Process(ctx context.Context, env events.Envelope) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "engine.process_event", trace.WithAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", env.EventType),
		attribute.String("project.id", env.ProjectID),
	))
	defer span.End()

	out, err := p.process(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (p *Pipeline) process(ctx context.Context, env events.Envelope) (Outcome, error) {
	var out Outcome
	if p.Guard != nil {
		first, err := p.Guard.FirstSeen(ctx, env.EventID)
		if err != nil {
			p.logger().Warn("redelivery check unavailable", slog.String("error", err.Error()))
		} else if !first {
			out.Duplicate = true
			return out, nil
		}
	}

	if err := p.Recorder.RecordEvent(ctx, env); err != nil {
		return out, err
	}
	result, err := p.Evaluator.Evaluate(ctx, env, p.now())
	if err != nil {
		return out, fmt.Errorf("evaluate rules: %w", err)
	}
	out.Result = result
	if !result.Triggered {
		return out, nil
	}

	inc, isNew, triggerErr := p.Incidents.ProcessTrigger(ctx, env, result)
	if triggerErr != nil && !isNew {
		return out, triggerErr
	}
	out.IncidentID = inc.ID
	out.NewIncident = isNew
	if !isNew {
		return out, nil
	}
	// a created incident gets its job even when linking the event failed;
	// later triggers only update it and would never enqueue
	job, err := p.Jobs.Enqueue(ctx, inc.ID)
	if err != nil {
		return out, errors.Join(triggerErr, err)
	}
	out.JobID = job.ID
	return out, triggerErr
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
