// Package observer folds every classified request into an aggregated,
// hashed behavioral pattern. Recording happens off the request path and
// its failures never reach the caller.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shortontech/clickgate/internal/clickid"
	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/event/detection"
	"github.com/shortontech/clickgate/internal/metrics"
	"github.com/shortontech/clickgate/internal/store"
)

// Observation is everything recorded about one request.
type Observation struct {
	Request event.RequestContext
	ClickID clickid.Evidence
	Layers  detection.LayerReport
	At      time.Time
}

type Config struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Observer owns a bounded queue drained by a fixed worker pool. When the
// queue is full new observations are dropped and counted.
type Observer struct {
	store   store.PatternStore
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue  chan Observation
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(s store.PatternStore, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Observer{
		store:   s,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "observer"),
		queue:   make(chan Observation, cfg.QueueSize),
	}
}

// Start launches the workers. They exit once Close drains the queue.
func (o *Observer) Start() {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// Observe enqueues obs without blocking. It reports false when the
// observation was dropped.
func (o *Observer) Observe(obs Observation) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.metrics.IncrementObserver("dropped")
		return false
	}
	select {
	case o.queue <- obs:
		o.metrics.SetObserverQueueDepth(len(o.queue))
		return true
	default:
		o.metrics.IncrementObserver("dropped")
		o.logger.Warn("observer queue full, dropping observation", "request_id", obs.Request.RequestID)
		return false
	}
}

// Close stops accepting observations and waits for queued ones to be
// written, or for ctx to end.
func (o *Observer) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("observer close: %w", ctx.Err())
	}
}

func (o *Observer) worker() {
	defer o.wg.Done()
	for obs := range o.queue {
		o.metrics.SetObserverQueueDepth(len(o.queue))
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.WriteTimeout)
		if err := o.Record(ctx, obs); err != nil {
			o.logger.Warn("pattern observation failed", "error", err, "request_id", obs.Request.RequestID)
		}
		cancel()
	}
}

// Record writes obs synchronously. Panics are turned into errors so a
// malformed observation cannot take down a worker.
func (o *Observer) Record(ctx context.Context, obs Observation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
		if err != nil {
			o.metrics.IncrementObserver("failed")
			o.metrics.IncrementStoreErrors("pattern", "record")
		}
	}()

	at := obs.At
	if at.IsZero() {
		at = time.Now()
	}
	features := Extract(obs.Request, obs.ClickID, at)
	raw, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}

	_, err = o.store.RecordPattern(ctx, store.PatternSighting{
		Hash:        features.NormalizedHash(),
		Class:       Classify(obs.Layers, obs.ClickID),
		Features:    raw,
		ContextHash: ContextHash(obs.Request),
		SeenAt:      at,
	})
	if err != nil {
		return fmt.Errorf("record pattern: %w", err)
	}
	o.metrics.IncrementObserver("recorded")
	return nil
}
