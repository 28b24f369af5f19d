package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/scriptbox/internal/execution"
	"github.com/jkaninda/scriptbox/internal/gateway/httpapi"
	"github.com/jkaninda/scriptbox/internal/queue"
	"github.com/jkaninda/scriptbox/internal/ratelimit"
	"github.com/jkaninda/scriptbox/internal/scripts"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, the job workers and the sweeper",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so `scriptbox --addr` works too.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

// dispatcher is a started job queue.
type dispatcher interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.HTTP.ListenAddr = serveAddr
	}
	logger := newLogger(cfg)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, stopQueue, err := startQueue(ctx, sc)
	if err != nil {
		return err
	}
	defer stopQueue()

	if cfg.Sweeper.IsEnabled() {
		sweeper, err := execution.NewSweeper(sc.Store.Executions(), q, cfg.Sweeper, cfg.Sandbox.Timeout(), sc.Metrics, logger)
		if err != nil {
			return err
		}
		cancelSweeper := sweeper.Start(ctx)
		defer cancelSweeper()
	}

	scriptSvc := scripts.NewService(sc.Store.Scripts(), sc.Validator, logger)
	execSvc := execution.NewService(sc.Store.Scripts(), sc.Store.Executions(), q, sc.Metrics, logger)

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.Addr(),
		EnableDocs:     cfg.HTTP.EnableDocs,
		APIKeys:        cfg.HTTP.APIKeys,
		MaxRequestSize: cfg.HTTP.MaxRequestSizeBytes,
		HealthChecker:  sc.Obs.Health,
		Metrics:        sc.Obs.MetricsOrNil(),
	}
	if sc.Obs.Tracer != nil {
		gwCfg.Tracer = sc.Obs.Tracer.Tracer()
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		if cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	if len(gwCfg.APIKeys) == 0 {
		logger.Warn("no API keys configured; every /v1 request will be rejected (set http.api_keys or SCRIPTBOX_API_KEY)")
	}

	gw := httpapi.NewGateway(gwCfg, scriptSvc, execSvc, ratelimit.NewLimiter(ratelimit.ConfigFrom(cfg.HTTP.RateLimit)), logger)

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http gateway exited with error", slog.String("error", err.Error()))
		}
	}

	if err := gw.Stop(); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}
	return nil
}

// startQueue starts the configured job transport with the runner as its
// handler and returns it together with its stop function.
func startQueue(ctx context.Context, sc *SharedComponents) (dispatcher, func(), error) {
	cfg := sc.Config.Queue
	switch cfg.QueueDriver() {
	case queue.DriverRedis:
		rq, err := queue.NewRedis(cfg.Redis, cfg.WorkerCount(), sc.Runner.Handle, sc.Logger)
		if err != nil {
			return nil, nil, err
		}
		if sc.Config.Observability == nil || sc.Config.Observability.Health == nil || sc.Config.Observability.Health.IncludeQueue {
			sc.Obs.Health.AddCheck("redis", rq.Ping)
		}
		sc.Obs.MetricsOrNil().RegisterQueueDepth(func() float64 {
			n, err := rq.Len(context.Background())
			if err != nil {
				return 0
			}
			return float64(n)
		})
		stop := rq.Start(ctx)
		return rq, func() {
			stop()
			_ = rq.Close()
		}, nil
	case queue.DriverLocal:
		lq := queue.NewLocal(cfg, sc.Runner.Handle, sc.Logger)
		sc.Obs.MetricsOrNil().RegisterQueueDepth(func() float64 { return float64(lq.Len()) })
		return lq, lq.Start(ctx), nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver: %q", cfg.QueueDriver())
	}
}
