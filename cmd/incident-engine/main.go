package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"signals-backend/internal/admin"
	"signals-backend/internal/aggregator"
	"signals-backend/internal/bus"
	"signals-backend/internal/config"
	"signals-backend/internal/dedup"
	"signals-backend/internal/engine"
	"signals-backend/internal/incidents"
	"signals-backend/internal/jobs"
	"signals-backend/internal/logging"
	"signals-backend/internal/metrics"
	"signals-backend/internal/rules"
	"signals-backend/internal/storage"
)

const serviceName = "incident-engine"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.New(serviceName, cfg.Logging.Level, cfg.Logging.JSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("incident engine stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("incident engine shut down")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	backend, release, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer release()

	conn, err := bus.Connect(cfg.NATS.URL, serviceName, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	consumer, err := bus.NewEventConsumer(conn, cfg.NATS.Durable, cfg.Engine.EventTimeout, logger)
	if err != nil {
		return err
	}
	if err := bus.EnsureRawStream(consumer.JetStream(), cfg.NATS.StreamMaxAge); err != nil {
		return err
	}

	var guard dedup.Guard = dedup.Noop{}
	if cfg.Redis.Enabled {
		redisGuard, err := dedup.NewRedisGuard(ctx, dedup.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return err
		}
		guard = redisGuard
	}
	defer guard.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	agg := aggregator.New(backend)
	manager := incidents.NewManager(backend, incidents.WithLogger(logger))
	pipeline := &engine.Pipeline{
		Recorder:  agg,
		Evaluator: rules.NewEvaluator(agg),
		Incidents: manager,
		Jobs:      jobs.NewEnqueuer(backend, bus.NewPublisher(conn), logger),
		Guard:     guard,
		Now:       time.Now,
		Logger:    logger,
	}
	sweeper := incidents.NewSweeper(manager, cfg.Engine.SweepInterval, cfg.Engine.StaleAfter, logger)

	handler := &admin.Handler{
		Health:    []admin.Pinger{backend, bus.Health{Conn: conn}},
		Gatherer:  reg,
		Incidents: manager,
		Outputs:   backend,
		Jobs:      jobs.NewLeaseManager(backend, time.Now),
		Logger:    logger,
	}
	srv := admin.NewServer(cfg.Admin.Port, handler.Router())

	if err := consumer.Start(pipeline.Handle); err != nil {
		return err
	}
	defer consumer.Stop()
	logger.Info("consuming envelopes", slog.String("durable", cfg.NATS.Durable), slog.String("storage", cfg.Database.Driver))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return admin.Serve(gctx, srv, logger) })
	return g.Wait()
}
