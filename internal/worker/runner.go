package worker

import (
	"context"
	"log/slog"
	"time"
)

const DefaultPollInterval = 5 * time.Second

type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// Runner drives Drain from a poll timer and from advisory wake signals.
// Drains never overlap; wakes that arrive during a drain collapse into one.
type Runner struct {
	drainer  Drainer
	interval time.Duration
	wake     chan struct{}
	logger   *slog.Logger
}

func NewRunner(drainer Drainer, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{drainer: drainer, interval: interval, wake: make(chan struct{}, 1), logger: logger}
}

// Wake requests a drain without blocking.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.drain(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.drain(ctx, "poll")
		case <-r.wake:
			r.drain(ctx, "wake")
		}
	}
}

func (r *Runner) drain(ctx context.Context, trigger string) {
	processed, err := r.drainer.Drain(ctx)
	if err != nil {
		r.logger.Error("drain failed", slog.String("trigger", trigger), slog.String("error", err.Error()))
		return
	}
	if processed > 0 {
		r.logger.Info("drained jobs", slog.String("trigger", trigger), slog.Int("count", processed))
	}
}
