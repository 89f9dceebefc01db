package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shortontech/clickgate/internal/metrics"
	"github.com/shortontech/clickgate/internal/sink"
	"github.com/shortontech/clickgate/internal/store"
	"github.com/shortontech/clickgate/pkg/config"
)

// backends are the stores selected by EVIDENCE_BACKEND and LEARNING_BACKEND.
type backends struct {
	clickIDs store.ClickIDStore
	patterns store.PatternStore
	learning store.LearningStore

	pingers []func(context.Context) error
	closers []func() error
}

// Ready pings every networked backend.
func (b *backends) Ready(ctx context.Context) error {
	for _, ping := range b.pingers {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openBackends connects the configured stores. One Postgres connection is
// shared when both roles use it; the in-memory store serves every role it is
// selected for.
func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	var (
		mem *store.Memory
		pg  *store.Postgres
	)
	memory := func() *store.Memory {
		if mem == nil {
			mem = store.NewMemory()
		}
		return mem
	}
	postgres := func() (*store.Postgres, error) {
		if pg != nil {
			return pg, nil
		}
		if cfg.PGDSN == "" {
			return nil, errors.New("PG_DSN is required for the postgres backend")
		}
		p, err := store.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if err := p.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
		pg = p
		b.pingers = append(b.pingers, p.Ping)
		b.closers = append(b.closers, p.Close)
		return pg, nil
	}

	switch cfg.EvidenceBackend {
	case "", "memory":
		m := memory()
		b.clickIDs, b.patterns = m, m
	case "redis":
		r, err := store.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("evidence backend: %w", err)
		}
		b.pingers = append(b.pingers, r.Ping)
		b.closers = append(b.closers, r.Close)
		b.clickIDs, b.patterns = r, r
	case "postgres":
		p, err := postgres()
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("evidence backend: %w", err)
		}
		b.clickIDs, b.patterns = p, p
	default:
		return nil, fmt.Errorf("unknown evidence backend %q", cfg.EvidenceBackend)
	}

	switch cfg.LearningBackend {
	case "", "memory":
		b.learning = memory()
	case "postgres":
		p, err := postgres()
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("learning backend: %w", err)
		}
		b.learning = p
	default:
		b.Close()
		return nil, fmt.Errorf("unknown learning backend %q", cfg.LearningBackend)
	}

	logger.Info("backends ready", "evidence", cfg.EvidenceBackend, "learning", cfg.LearningBackend)
	return b, nil
}

// initializeSinks builds and starts the configured audit sinks. A sink that
// fails to start is logged and left out; the pipeline runs without it.
func initializeSinks(ctx context.Context, outputs []string, m *metrics.Metrics, logger *slog.Logger) []sink.Sink {
	built, err := sink.Build(outputs, m, logger)
	if err != nil {
		logger.Error("invalid OUTPUTS, auditing disabled", "error", err)
		return nil
	}
	var started []sink.Sink
	for _, s := range built {
		if err := s.Start(ctx); err != nil {
			logger.Error("failed to start sink", "sink", s.Name(), "error", err)
			continue
		}
		logger.Info("sink started", "sink", s.Name())
		started = append(started, s)
	}
	return started
}

func closeSinks(sinks []sink.Sink, logger *slog.Logger) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.Warn("failed to close sink", "sink", s.Name(), "error", err)
		}
	}
}
