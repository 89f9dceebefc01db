package clickid

import (
	"context"
	"log/slog"
	"time"

	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/metrics"
	"github.com/shortontech/clickgate/internal/store"
	"github.com/shortontech/clickgate/pkg/config"
)

// Validator runs Validate against the active rule set and records every
// sighting so recycled identifiers are caught on their second use.
type Validator struct {
	rules   config.RuleSource
	store   store.ClickIDStore
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewValidator builds a Validator. A nil store disables reuse detection.
func NewValidator(rules config.RuleSource, s store.ClickIDStore, m *metrics.Metrics, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		rules:   rules,
		store:   s,
		metrics: m,
		logger:  logger.With("component", "clickid"),
	}
}

// Check validates the request's click identifier. It never fails: rule
// loading problems yield rules_unavailable, and store problems only skip
// the reuse check.
func (v *Validator) Check(ctx context.Context, rc event.RequestContext) Evidence {
	rules, err := v.rules.Rules()
	if err != nil {
		v.logger.Warn("network rules unavailable, failing closed", "error", err, "request_id", rc.RequestID)
		v.metrics.IncrementClickID("", CodeRulesUnavailable)
		return Evidence{Errors: []string{CodeRulesUnavailable}}
	}

	ev := evaluate(rc.Query, rc.Referer, rules)
	if ev.HasClickID && v.store != nil {
		v.recordSighting(ctx, rc, &ev)
	}

	v.metrics.IncrementClickID(ev.Network, outcome(ev))
	return ev
}

func (v *Validator) recordSighting(ctx context.Context, rc event.RequestContext, ev *Evidence) {
	seen := rc.ServerReceived
	if seen.IsZero() {
		seen = time.Now()
	}
	obs, err := v.store.RecordClickID(ctx, store.ClickIDSighting{
		DomainID:  rc.DomainID,
		ClickID:   ev.ClickID,
		Network:   ev.Network,
		IP:        rc.IP,
		UserAgent: rc.UserAgent,
		Referer:   rc.Referer,
		IsValid:   ev.IsValid,
		Errors:    ev.Errors,
		Entropy:   ev.Entropy,
		SeenAt:    seen,
	})
	if err != nil {
		v.logger.Warn("click id observation failed, skipping reuse check",
			"error", err, "network", ev.Network, "request_id", rc.RequestID)
		v.metrics.IncrementStoreErrors("click_id", "record")
		return
	}

	ev.HitCount = obs.HitCount
	if obs.HitCount > 1 {
		ev.Reused = true
		ev.IsValid = false
		ev.Errors = append(ev.Errors, CodeReused)
	}
}

func outcome(ev Evidence) string {
	switch {
	case !ev.HasClickID:
		return "absent"
	case ev.Reused:
		return CodeReused
	case ev.IsValid:
		return "valid"
	}
	return "invalid"
}
