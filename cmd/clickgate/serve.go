package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shortontech/clickgate/internal/clickid"
	"github.com/shortontech/clickgate/internal/event/detection"
	"github.com/shortontech/clickgate/internal/gate"
	httpx "github.com/shortontech/clickgate/internal/http"
	"github.com/shortontech/clickgate/internal/learning"
	"github.com/shortontech/clickgate/internal/metrics"
	"github.com/shortontech/clickgate/internal/observer"
	"github.com/shortontech/clickgate/internal/risk"
	"github.com/shortontech/clickgate/pkg/config"
)

func newServeCmd() *cobra.Command {
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the decision API, observer and consolidation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := newLogger(cfg, os.Stderr)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, !noSchedule, logger)
		},
	}
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "do not run periodic consolidation in this process")
	return cmd
}

// pipeline is everything a running classifier owns.
type pipeline struct {
	classifier *gate.Classifier
	observer   *observer.Observer
	backends   *backends
	rules      config.RuleSource
}

func buildPipeline(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*pipeline, []func(), error) {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	rules := config.NewRuleSource(cfg.RulesPath)
	if _, err := rules.Rules(); err != nil {
		// Keep serving: every request fails closed with rules_unavailable.
		logger.Error("network rules unavailable", "path", cfg.RulesPath, "error", err)
	}

	obs := observer.New(b.patterns, observer.Config{
		QueueSize: cfg.ObserverQueueSize,
		Workers:   cfg.ObserverWorkers,
	}, m, logger)
	obs.Start()

	sinks := initializeSinks(ctx, cfg.Outputs, m, logger)

	c := gate.New(gate.Options{
		Detection: cfg.Detection,
		Validator: clickid.NewValidator(rules, b.clickIDs, m, logger),
		Engine:    risk.NewEngine(cfg.HighTrustNetwork),
		Observer:  obs,
		Sinks:     sinks,
		Metrics:   m,
		Logger:    logger,
	})

	cleanup := []func(){
		func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := obs.Close(drainCtx); err != nil {
				logger.Warn("observer did not drain", "error", err)
			}
		},
		func() { closeSinks(sinks, logger) },
		func() {
			if err := b.Close(); err != nil {
				logger.Warn("failed to close backends", "error", err)
			}
		},
	}
	return &pipeline{classifier: c, observer: obs, backends: b, rules: rules}, cleanup, nil
}

func runServe(ctx context.Context, cfg config.Config, schedule bool, logger *slog.Logger) error {
	m := metrics.InitMetrics()
	metricsServer := metrics.NewServer(metrics.LoadConfig())
	if err := metricsServer.Start(ctx); err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	p, cleanup, err := buildPipeline(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if schedule && cfg.ConsolidationInterval > 0 {
		c := learning.NewConsolidator(p.backends.patterns, p.backends.learning, learning.Config{}, m, logger)
		g.Go(func() error {
			c.Schedule(gctx, cfg.ConsolidationInterval)
			return nil
		})
	}

	tracker := detection.NewMemoryTimingTracker()
	g.Go(func() error {
		sweepSessions(gctx, tracker, time.Minute)
		return nil
	})

	srv := httpx.NewServer(httpx.Env{
		Cfg:        cfg,
		Classifier: p.classifier,
		Timing:     tracker,
		HMACAuth:   httpx.NewHMACAuth(cfg.HMACSecret, logger),
		Ready:      p.backends.Ready,
		Metrics:    m,
		Logger:     logger,
	})
	// A listen failure cancels gctx, which stops the scheduler and sweeper.
	g.Go(func() error { return srv.Start(gctx) })
	return g.Wait()
}

func sweepSessions(ctx context.Context, t *detection.MemoryTimingTracker, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}
