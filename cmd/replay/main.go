package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"signals-backend/internal/bus"
	"signals-backend/internal/config"
	"signals-backend/internal/events"
	"signals-backend/internal/logging"
)

const maxReplayDelay = time.Minute

type options struct {
	OrgID       string
	ProjectID   string
	Environment string
	Speed       float64
}

type envelopePublisher interface {
	PublishEnvelope(ctx context.Context, e events.Envelope) error
}

func main() {
	speed := flag.Float64("speed", 1, "replay speed multiplier")
	org := flag.String("org", "org_demo", "org id for fixtures that omit one")
	project := flag.String("project", "proj_demo", "project id for fixtures that omit one")
	env := flag.String("env", "prod", "environment for fixtures that omit one")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.New("replay", cfg.Logging.Level, false)

	if flag.NArg() != 1 {
		logger.Error("usage: replay [flags] <file.ndjson>")
		os.Exit(2)
	}
	file, err := os.Open(flag.Arg(0))
	if err != nil {
		logger.Error("failed to open fixture", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer file.Close()

	conn, err := bus.Connect(cfg.NATS.URL, "replay", logger)
	if err != nil {
		logger.Error("failed to connect to nats", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()
	publisher, err := bus.NewEventPublisher(conn)
	if err != nil {
		logger.Error("failed to init publisher", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options{OrgID: *org, ProjectID: *project, Environment: *env, Speed: *speed}
	sent, err := replay(ctx, file, publisher, opts, time.Now, sleepCtx, logger)
	if err != nil {
		logger.Error("replay aborted", slog.Int("sent", sent), slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("replay complete", slog.Int("sent", sent))
}

// replay publishes each fixture line, keeping the original spacing between
// occurred_at timestamps scaled by the speed multiplier. Bad lines are skipped.
func replay(ctx context.Context, r io.Reader, pub envelopePublisher, opts options, now func() time.Time, sleep func(context.Context, time.Duration) error, logger *slog.Logger) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var last time.Time
	sent, lineNum := 0, 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		env, original, err := buildEnvelope([]byte(line), opts, now())
		if err != nil {
			logger.Warn("skipping fixture line", slog.Int("line", lineNum), slog.String("error", err.Error()))
			continue
		}
		if delay := replayDelay(last, original, opts.Speed); delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return sent, err
			}
		}
		if !original.IsZero() {
			last = original
		}
		env.OccurredAt = now().UTC()
		env.ReceivedAt = env.OccurredAt
		if err := pub.PublishEnvelope(ctx, env); err != nil {
			return sent, err
		}
		sent++
		logger.Debug("sent event", slog.Int("line", lineNum), slog.String("event_type", env.EventType))
	}
	if err := scanner.Err(); err != nil {
		return sent, fmt.Errorf("read fixture: %w", err)
	}
	return sent, nil
}

// buildEnvelope fills the envelope fields a fixture may omit and stamps the
// event at ref. It returns the fixture's own occurred_at for pacing; replay
// restamps once the pacing delay has elapsed.
func buildEnvelope(line []byte, opts options, ref time.Time) (events.Envelope, time.Time, error) {
	var env events.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return events.Envelope{}, time.Time{}, fmt.Errorf("decode fixture: %w", err)
	}
	original := env.OccurredAt
	ref = ref.UTC()
	env.SchemaVersion = events.SchemaVersion
	env.EventID = uuid.NewString()
	env.OccurredAt = ref
	env.ReceivedAt = ref
	if env.OrgID == "" {
		env.OrgID = opts.OrgID
	}
	if env.ProjectID == "" {
		env.ProjectID = opts.ProjectID
	}
	if env.Environment == "" {
		env.Environment = opts.Environment
	}
	if env.Severity == "" {
		env.Severity = "info"
	}
	if err := env.Validate(); err != nil {
		return events.Envelope{}, time.Time{}, err
	}
	return env, original, nil
}

func replayDelay(prev, cur time.Time, speed float64) time.Duration {
	if prev.IsZero() || cur.IsZero() {
		return 0
	}
	if speed <= 0 {
		speed = 1
	}
	delay := time.Duration(float64(cur.Sub(prev)) / speed)
	if delay <= 0 || delay >= maxReplayDelay {
		return 0
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
