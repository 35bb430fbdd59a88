package incidents

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultStaleAfter    = 15 * time.Minute
)

type Sweeper struct {
	manager    *Manager
	interval   time.Duration
	staleAfter time.Duration
	timeout    time.Duration
	logger     *slog.Logger
}

func NewSweeper(manager *Manager, interval, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{manager: manager, interval: interval, staleAfter: staleAfter, timeout: 30 * time.Second, logger: logger}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweepWithTimeout(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweepWithTimeout(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Sweeper) sweepWithTimeout(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resolved, err := s.Sweep(ctx, s.manager.now().UTC())
	if err != nil {
		s.logger.Error("auto-resolve sweep failed", slog.String("error", err.Error()))
		return
	}
	if resolved > 0 {
		s.logger.Info("auto-resolved stale incidents", slog.Int("count", resolved))
	}
}

// Sweep resolves every stale incident it can and returns how many were closed.
// A failure on one incident is logged and does not stop the rest.
func (s *Sweeper) Sweep(ctx context.Context, ref time.Time) (int, error) {
	stale, err := s.manager.FindStale(ctx, s.staleAfter, ref)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, inc := range stale {
		if err := s.manager.Resolve(ctx, inc.ID); err != nil {
			s.logger.Error("auto-resolve failed",
				slog.String("incident_id", inc.ID),
				slog.String("error", err.Error()))
			continue
		}
		resolved++
	}
	return resolved, nil
}
