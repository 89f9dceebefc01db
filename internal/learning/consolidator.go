// Package learning promotes raw behavioral patterns into durable learned
// patterns, tracks their confidence over time and flags traffic that is too
// regular to be organic.
package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/clickgate/internal/metrics"
	"github.com/shortontech/clickgate/internal/observer"
	"github.com/shortontech/clickgate/internal/store"
)

// ErrAlreadyRunning is returned when Run is called while a run is active in
// this process.
var ErrAlreadyRunning = errors.New("learning: consolidation already running")

type Config struct {
	// Window is how far back raw patterns are read.
	Window time.Duration
	// MinOccurrences below which a raw pattern is discarded as noise.
	MinOccurrences int64
	// RetainRaw is how long raw patterns survive after their last sighting.
	RetainRaw time.Duration
	// StaleAfter lets a new run take over a window stuck in processing.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.MinOccurrences <= 0 {
		c.MinOccurrences = 3
	}
	if c.RetainRaw <= 0 {
		c.RetainRaw = 48 * time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Hour
	}
	return c
}

type Consolidator struct {
	patterns store.PatternStore
	learned  store.LearningStore
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	running sync.Mutex
}

func NewConsolidator(patterns store.PatternStore, learned store.LearningStore, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{
		patterns: patterns,
		learned:  learned,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		logger:   logger.With("component", "consolidator"),
	}
}

// Run performs one consolidation over the window ending at now. On error
// the window is left non-finalized and a later run picks the work up again.
func (c *Consolidator) Run(ctx context.Context, now time.Time) (store.LearningWindow, error) {
	if !c.running.TryLock() {
		return store.LearningWindow{}, ErrAlreadyRunning
	}
	defer c.running.Unlock()

	started := time.Now()
	w := store.LearningWindow{
		ID:        uuid.NewString(),
		Start:     now.Add(-c.cfg.Window),
		End:       now,
		Status:    store.WindowProcessing,
		StartedAt: now,
	}
	if err := c.learned.OpenWindow(ctx, w, c.cfg.StaleAfter); err != nil {
		c.metrics.ObserveConsolidation("skipped", time.Since(started))
		return w, fmt.Errorf("open window: %w", err)
	}

	if err := c.consolidate(ctx, &w); err != nil {
		w.Status = store.WindowCollecting
		w.Error = err.Error()
		if uerr := c.learned.UpdateWindow(context.WithoutCancel(ctx), w); uerr != nil {
			c.logger.Error("could not record failed window", "window_id", w.ID, "error", uerr)
		}
		c.metrics.ObserveConsolidation("failed", time.Since(started))
		c.logger.Error("consolidation failed", "window_id", w.ID, "error", err)
		return w, err
	}

	finished := time.Now()
	w.Status = store.WindowFinalized
	w.FinishedAt = &finished
	if err := c.learned.UpdateWindow(ctx, w); err != nil {
		c.metrics.ObserveConsolidation("failed", time.Since(started))
		return w, fmt.Errorf("finalize window: %w", err)
	}

	pruned, err := c.patterns.PruneRawPatterns(ctx, now.Add(-c.cfg.RetainRaw))
	if err != nil {
		c.logger.Warn("raw pattern prune failed", "error", err)
	}

	c.metrics.ObserveConsolidation("finalized", time.Since(started))
	c.logger.Info("consolidation finalized",
		"window_id", w.ID,
		"processed", w.Processed,
		"consolidated", w.Consolidated,
		"discarded", w.Discarded,
		"pruned", pruned,
		"duration", time.Since(started))
	return w, nil
}

func (c *Consolidator) consolidate(ctx context.Context, w *store.LearningWindow) error {
	raw, err := c.patterns.RecentPatterns(ctx, w.Start, 1)
	if err != nil {
		return fmt.Errorf("read raw patterns: %w", err)
	}

	fresh := make(map[string]bool)
	for _, bp := range raw {
		w.Processed++
		if bp.OccurrenceCount < c.cfg.MinOccurrences {
			w.Discarded++
			continue
		}
		if err := c.absorb(ctx, w, bp); err != nil {
			return fmt.Errorf("consolidate %s: %w", bp.Hash, err)
		}
		fresh[bp.Hash] = true
		w.Consolidated++
	}

	if err := c.recompute(ctx, w.End, fresh); err != nil {
		return err
	}
	return nil
}

// absorb folds one raw pattern into its learned pattern. Only occurrences
// not already absorbed by an earlier run are added.
func (c *Consolidator) absorb(ctx context.Context, w *store.LearningWindow, bp store.BehavioralPattern) error {
	lp, err := c.learned.GetLearnedPattern(ctx, bp.Hash)
	isNew := errors.Is(err, store.ErrNotFound)
	if err != nil && !isNew {
		return fmt.Errorf("load learned pattern: %w", err)
	}

	delta := bp.OccurrenceCount
	if !isNew && lp.SourceFirstSeen.Equal(bp.FirstSeen) {
		delta = max(bp.OccurrenceCount-lp.SourceOccurrences, 0)
	}

	contexts, err := c.patterns.PatternContexts(ctx, bp.Hash)
	if err != nil {
		return fmt.Errorf("load contexts: %w", err)
	}
	for _, ch := range contexts {
		err := c.learned.RecordEvidence(ctx, store.ConsolidationEvidence{
			SignatureHash: bp.Hash,
			ContextHash:   ch,
			WindowID:      w.ID,
			Occurrences:   bp.OccurrenceCount,
			RecordedAt:    w.End,
		})
		if err != nil {
			return fmt.Errorf("record evidence: %w", err)
		}
	}
	variations, err := c.learned.CountDistinctContexts(ctx, bp.Hash)
	if err != nil {
		return fmt.Errorf("count contexts: %w", err)
	}

	if isNew {
		lp = store.LearnedPattern{
			SignatureHash:    bp.Hash,
			Class:            bp.Class,
			FirstSeen:        bp.FirstSeen,
			DecayCoefficient: 1,
		}
	}
	lp.OccurrenceCount += delta
	if bp.LastSeen.After(lp.LastSeen) {
		lp.LastSeen = bp.LastSeen
	}
	if bp.FirstSeen.Before(lp.FirstSeen) {
		lp.FirstSeen = bp.FirstSeen
	}
	lp.SourceFirstSeen = bp.FirstSeen
	lp.SourceOccurrences = bp.OccurrenceCount
	lp.ContextVariations = variations

	var f observer.Features
	if err := json.Unmarshal(bp.Features, &f); err != nil {
		return fmt.Errorf("decode features: %w", err)
	}
	pa := AnalyzePerfection(f, lp.OccurrenceCount, variations)

	profile := decodeProfile(lp.Profile)
	profile.Features = bp.Features
	if pa.IsPerfect {
		profile.Perfection = &pa
	} else {
		profile.Perfection = nil
	}
	if lp.Profile, err = json.Marshal(profile); err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	lp.Stage = string(NextStage(Stage(lp.Stage), StageInput{
		Occurrences: lp.OccurrenceCount,
		Perfection:  &pa,
		Decay:       1,
		Fresh:       true,
	}))
	lp.UpdatedAt = w.End
	if err := c.learned.UpsertLearnedPattern(ctx, lp); err != nil {
		return fmt.Errorf("upsert learned pattern: %w", err)
	}
	return nil
}

// recompute refreshes context variations, decay, stability anomalies,
// confidence and stage for every learned pattern.
func (c *Consolidator) recompute(ctx context.Context, asOf time.Time, fresh map[string]bool) error {
	all, err := c.learned.ListLearnedPatterns(ctx)
	if err != nil {
		return fmt.Errorf("list learned patterns: %w", err)
	}

	stages := make(map[Stage]int)
	for _, lp := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		variations, err := c.learned.CountDistinctContexts(ctx, lp.SignatureHash)
		if err != nil {
			return fmt.Errorf("count contexts %s: %w", lp.SignatureHash, err)
		}
		lp.ContextVariations = variations
		lp.DecayCoefficient = DecayCoefficient(lp.LastSeen, asOf)

		profile := decodeProfile(lp.Profile)
		profile.Anomalies = nil
		if Stage(lp.Stage) == StageEstablished {
			profile.Anomalies = StabilityAnomalies(lp.OccurrenceCount, variations, lp.FirstSeen, lp.LastSeen)
		}

		base := BaseConfidence(lp.OccurrenceCount, variations, lp.LastSeen.Sub(lp.FirstSeen), lp.DecayCoefficient)
		lp.Confidence = FinalConfidence(base, profile.Anomalies, profile.Perfection)
		lp.Stage = string(NextStage(Stage(lp.Stage), StageInput{
			Confidence:  lp.Confidence,
			Occurrences: lp.OccurrenceCount,
			Perfection:  profile.Perfection,
			Decay:       lp.DecayCoefficient,
			Fresh:       fresh[lp.SignatureHash],
		}))

		if lp.Profile, err = json.Marshal(profile); err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		lp.UpdatedAt = asOf
		if err := c.learned.UpsertLearnedPattern(ctx, lp); err != nil {
			return fmt.Errorf("upsert learned pattern: %w", err)
		}
		stages[Stage(lp.Stage)]++
	}

	for _, s := range []Stage{StageEmerging, StageEstablished, StageFading, StageSuspiciousPerfect} {
		c.metrics.SetLearnedPatterns(string(s), stages[s])
	}
	return nil
}
