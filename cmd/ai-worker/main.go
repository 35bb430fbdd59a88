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
	"signals-backend/internal/bus"
	"signals-backend/internal/config"
	"signals-backend/internal/inference"
	"signals-backend/internal/jobs"
	"signals-backend/internal/logging"
	"signals-backend/internal/metrics"
	"signals-backend/internal/storage"
	"signals-backend/internal/worker"
)

const serviceName = "ai-worker"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.New(serviceName, cfg.Logging.Level, cfg.Logging.JSON)
	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("invalid worker config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ai worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("ai worker shut down")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	backend, release, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer release()

	client, err := inference.NewClient(inference.Config{
		BaseURL:       cfg.Inference.BaseURL,
		APIKey:        cfg.Inference.APIKey,
		Model:         cfg.Inference.Model,
		MaxTokens:     cfg.Inference.MaxTokens,
		Temperature:   cfg.Inference.Temperature,
		RatePerSecond: cfg.Inference.RatePerSecond,
	})
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("inference provider unreachable: %w", err)
	}
	logger.Info("inference provider reachable", slog.String("model", client.Model()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	leases := jobs.NewLeaseManager(backend, time.Now)
	processor := worker.NewProcessor(leases, backend, client, cfg.Worker.InferenceTimeout, logger)
	if cfg.Worker.LeaseHeartbeat > 0 {
		processor.EnableLeaseHeartbeat(cfg.Worker.LeaseHeartbeat)
	}
	runner := worker.NewRunner(processor, cfg.Worker.PollInterval, logger)

	health := []admin.Pinger{backend}
	conn, err := bus.Connect(cfg.NATS.URL, serviceName, logger)
	if err != nil {
		// notifications only shorten latency; polling still drains the queue
		logger.Warn("job notifications disabled", slog.String("error", err.Error()))
	} else {
		defer conn.Close()
		health = append(health, bus.Health{Conn: conn})
		sub, err := bus.NewSubscriber(conn).SubscribeJobs(cfg.Worker.QueueGroup, func(n jobs.Notification) {
			logger.Debug("job notification", slog.String("job_id", n.JobID), slog.String("incident_id", n.IncidentID))
			runner.Wake()
		})
		if err != nil {
			return fmt.Errorf("subscribe job notifications: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	handler := &admin.Handler{
		Health:   health,
		Gatherer: reg,
		Jobs:     leases,
		Drainer:  runner,
		Logger:   logger,
	}
	srv := admin.NewServer(cfg.Admin.Port, handler.Router())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return admin.Serve(gctx, srv, logger) })
	return g.Wait()
}
