// Package gate runs the request-time pipeline: detection layers, click-id
// validation, contradiction analysis and risk scoring, then hands the
// request to the observer and the audit sinks.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/clickgate/internal/clickid"
	"github.com/shortontech/clickgate/internal/contradiction"
	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/event/detection"
	"github.com/shortontech/clickgate/internal/metrics"
	"github.com/shortontech/clickgate/internal/observer"
	"github.com/shortontech/clickgate/internal/risk"
	"github.com/shortontech/clickgate/internal/sink"
	"github.com/shortontech/clickgate/pkg/config"
)

// Recorder accepts observations without blocking. *observer.Observer
// implements it.
type Recorder interface {
	Observe(obs observer.Observation) bool
}

// Result is what the caller routes on.
type Result struct {
	risk.Assessment

	AssessmentID   string                `json:"assessment_id"`
	RequestID      string                `json:"request_id"`
	ClickID        clickid.Evidence      `json:"click_id"`
	Contradictions *contradiction.Result `json:"contradictions,omitempty"`
	FailedLayers   []string              `json:"failed_layers,omitempty"`
}

type Options struct {
	Detection config.Detection
	Validator *clickid.Validator
	Engine    *risk.Engine
	Observer  Recorder
	Sinks     []sink.Sink
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

type Classifier struct {
	detection config.Detection
	validator *clickid.Validator
	engine    *risk.Engine
	observer  Recorder
	sinks     []sink.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func New(opts Options) *Classifier {
	c := &Classifier{
		detection: opts.Detection,
		validator: opts.Validator,
		engine:    opts.Engine,
		observer:  opts.Observer,
		sinks:     opts.Sinks,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "gate")
	if c.now == nil {
		c.now = time.Now
	}
	if c.engine == nil {
		c.engine = &risk.Engine{}
	}
	return c
}

// Classify always returns a decision. Any internal failure, including a
// panic in a pipeline stage, yields a safe decision at maximum risk.
func (c *Classifier) Classify(ctx context.Context, rc event.RequestContext) (res Result) {
	start := time.Now()
	res.AssessmentID = uuid.NewString()
	res.RequestID = rc.RequestID

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("classification failed, returning safe", "panic", fmt.Sprint(r), "request_id", rc.RequestID)
			res = failClosed(res.AssessmentID, rc, fmt.Sprintf("internal error: %v", r))
		}
		c.metrics.IncrementDecision(string(res.Decision), string(res.Platform))
		c.metrics.ObserveClassify(time.Since(start))
	}()

	if rc.Platform == "" {
		rc.Platform = event.DetectPlatform(rc.UserAgent)
	}
	if rc.ServerReceived.IsZero() {
		rc.ServerReceived = c.now()
	}

	layers := detection.Analyze(rc, c.detection)

	var ev clickid.Evidence
	if c.validator != nil {
		ev = c.validator.Check(ctx, rc)
	} else {
		ev = clickid.Evidence{Errors: []string{clickid.CodeRulesUnavailable}}
	}

	in := risk.Input{Request: rc, ClickID: ev, Layers: layers}
	if ev.IsValid {
		cr := contradiction.Analyze(rc, true)
		in.Contradictions = cr
		res.Contradictions = &cr
	}

	res.Assessment = c.engine.Assess(in)
	res.ClickID = ev
	res.FailedLayers = layers.FailedLayers

	c.observe(rc, ev, layers)
	c.audit(rc, res)

	c.logger.Debug("request classified",
		"request_id", rc.RequestID,
		"assessment_id", res.AssessmentID,
		"decision", res.Decision,
		"final_risk", res.FinalRisk,
		"network", ev.Network,
		"platform", res.Platform)
	return res
}

func failClosed(id string, rc event.RequestContext, reason string) Result {
	platform := rc.Platform
	if platform == "" {
		platform = event.PlatformUnknown
	}
	return Result{
		AssessmentID: id,
		RequestID:    rc.RequestID,
		Assessment: risk.Assessment{
			FinalRisk: 1,
			Decision:  risk.DecisionSafe,
			Platform:  platform,
			Reasoning: []string{reason},
		},
	}
}

func (c *Classifier) observe(rc event.RequestContext, ev clickid.Evidence, layers detection.LayerReport) {
	if c.observer == nil {
		return
	}
	c.observer.Observe(observer.Observation{
		Request: rc,
		ClickID: ev,
		Layers:  layers,
		At:      rc.ServerReceived,
	})
}

func (c *Classifier) audit(rc event.RequestContext, res Result) {
	if len(c.sinks) == 0 {
		return
	}
	rec := sink.AuditRecord{
		AssessmentID: res.AssessmentID,
		RequestID:    rc.RequestID,
		DomainID:     rc.DomainID,
		CreatedAt:    rc.ServerReceived,
		ClickID:      res.ClickID,
		Assessment:   res.Assessment,
	}
	if res.Contradictions != nil {
		rec.Signals = res.Contradictions.AuditSignals()
	}
	for _, s := range c.sinks {
		if err := s.Enqueue(rec); err != nil {
			c.metrics.IncrementSinkErrors(s.Name(), "enqueue")
			c.logger.Warn("audit sink enqueue failed", "sink", s.Name(), "error", err, "assessment_id", res.AssessmentID)
			continue
		}
		c.metrics.IncrementAuditRecords(s.Name())
	}
}
