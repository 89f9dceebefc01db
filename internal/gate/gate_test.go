package gate

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shortontech/clickgate/internal/clickid"
	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/observer"
	"github.com/shortontech/clickgate/internal/risk"
	"github.com/shortontech/clickgate/internal/sink"
	"github.com/shortontech/clickgate/internal/store"
	"github.com/shortontech/clickgate/pkg/config"
)

const (
	iphoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	gclid  = "EAIaIQobChMI8sdk2Lq0gB"
	fbclid = "IwAR2xK9vLmQ8pZ3nT7wYbC4dF6gH1jR5sE0uA"
)

var fixedNow = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func headersFor(ua string) event.Headers {
	return event.Headers{
		{Key: "Host", Value: "shop.example"},
		{Key: "Connection", Value: "keep-alive"},
		{Key: "User-Agent", Value: ua},
		{Key: "Accept", Value: "text/html,application/xhtml+xml"},
		{Key: "Accept-Encoding", Value: "gzip, deflate, br"},
		{Key: "Accept-Language", Value: "pt-BR,pt;q=0.9"},
	}
}

func mobileRequest(query url.Values) event.RequestContext {
	return event.RequestContext{
		RequestID: "req-mobile",
		DomainID:  "shop.example",
		IP:        "200.150.10.20",
		UserAgent: iphoneUA,
		Headers:   headersFor(iphoneUA),
		Country:   "BR",
		Query:     query,
		Path:      "/",
		Platform:  event.PlatformMobile,
	}
}

type recorder struct {
	mu  sync.Mutex
	obs []observer.Observation
}

func (r *recorder) Observe(o observer.Observation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, o)
	return true
}

type memSink struct {
	records []sink.AuditRecord
	err     error
	panics  bool
}

func (s *memSink) Start(context.Context) error { return nil }
func (s *memSink) Close() error                { return nil }
func (s *memSink) Name() string                { return "mem" }
func (s *memSink) Enqueue(r sink.AuditRecord) error {
	if s.panics {
		panic("sink exploded")
	}
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, r)
	return nil
}

func newClassifier(rules config.RuleSource, rec Recorder, sinks ...sink.Sink) *Classifier {
	return New(Options{
		Detection: config.Detection{BlockBots: true, BlockDatacenter: true},
		Validator: clickid.NewValidator(rules, store.NewMemory(), nil, nil),
		Engine:    risk.NewEngine("google_ads"),
		Observer:  rec,
		Sinks:     sinks,
		Now:       func() time.Time { return fixedNow },
	})
}

func defaultRules() config.RuleSource { return config.StaticRules(config.DefaultRules()) }

func TestClassifyHighTrustMobile(t *testing.T) {
	rec := &recorder{}
	c := newClassifier(defaultRules(), rec)

	res := c.Classify(context.Background(), mobileRequest(url.Values{"gclid": {gclid}}))

	if res.Decision != risk.DecisionReal {
		t.Fatalf("decision = %s, want real (%v)", res.Decision, res.Reasoning)
	}
	if res.FinalRisk != 0.05 {
		t.Errorf("final risk = %v, want 0.05", res.FinalRisk)
	}
	if !res.ClickID.IsValid || res.ClickID.Network != "google_ads" {
		t.Errorf("click id = %+v", res.ClickID)
	}
	if res.Contradictions == nil {
		t.Error("contradictions should run for a valid click id")
	}
	if res.AssessmentID == "" || res.RequestID != "req-mobile" {
		t.Errorf("ids = %q / %q", res.AssessmentID, res.RequestID)
	}
	if len(rec.obs) != 1 || !rec.obs[0].At.Equal(fixedNow) {
		t.Errorf("observations = %+v", rec.obs)
	}
}

func TestClassifyWithoutClickID(t *testing.T) {
	rec := &recorder{}
	c := newClassifier(defaultRules(), rec)

	res := c.Classify(context.Background(), mobileRequest(url.Values{"utm_source": {"google"}}))

	if res.FinalRisk != 1 {
		t.Errorf("final risk = %v, want 1", res.FinalRisk)
	}
	if res.Decision != risk.DecisionSafe && res.Decision != risk.DecisionHumanNoValue {
		t.Errorf("decision = %s", res.Decision)
	}
	if res.Contradictions != nil {
		t.Error("contradiction analysis should be skipped without a click id")
	}
	if len(rec.obs) != 1 {
		t.Error("requests without a click id are still observed")
	}
}

func TestClassifyCleanDesktopIsHardened(t *testing.T) {
	c := newClassifier(defaultRules(), nil)
	rc := event.RequestContext{
		RequestID: "req-desktop",
		IP:        "203.0.113.5",
		UserAgent: chromeUA,
		Headers:   append(headersFor(chromeUA), event.Header{Key: "Sec-Ch-Ua", Value: `"Chromium";v="120"`}),
		Country:   "BR",
		Query:     url.Values{"fbclid": {fbclid}},
		Path:      "/",
		Platform:  event.PlatformDesktop,
	}

	res := c.Classify(context.Background(), rc)

	if !res.ClickID.IsValid || res.ClickID.Network != "meta_ads" {
		t.Fatalf("click id = %+v", res.ClickID)
	}
	if res.Decision == risk.DecisionReal {
		t.Errorf("decision = real, want at most safe_observe: %v", res.Reasoning)
	}
	var hardened bool
	for _, r := range res.Reasoning {
		if strings.Contains(r, "desktop hardening") {
			hardened = true
		}
	}
	if !hardened {
		t.Errorf("hardening not applied: %v", res.Reasoning)
	}
}

func TestClassifyReusedClickID(t *testing.T) {
	c := newClassifier(defaultRules(), nil)
	rc := mobileRequest(url.Values{"gclid": {gclid}})

	first := c.Classify(context.Background(), rc)
	second := c.Classify(context.Background(), rc)

	if first.Decision != risk.DecisionReal {
		t.Fatalf("first decision = %s", first.Decision)
	}
	if second.Decision != risk.DecisionSafe || !second.ClickID.HasError(clickid.CodeReused) {
		t.Errorf("second = %s %v", second.Decision, second.ClickID.Errors)
	}
	if first.AssessmentID == second.AssessmentID {
		t.Error("assessment ids must be unique")
	}
}

func TestClassifyFailsClosed(t *testing.T) {
	rc := mobileRequest(url.Values{"gclid": {gclid}})

	t.Run("rules unavailable", func(t *testing.T) {
		c := newClassifier(config.FailedRules(errors.New("bad yaml")), nil)
		res := c.Classify(context.Background(), rc)
		if res.Decision != risk.DecisionSafe || res.FinalRisk != 1 {
			t.Errorf("got %s %v", res.Decision, res.FinalRisk)
		}
		if !res.ClickID.HasError(clickid.CodeRulesUnavailable) {
			t.Errorf("errors = %v", res.ClickID.Errors)
		}
	})

	t.Run("no validator", func(t *testing.T) {
		c := New(Options{Engine: risk.NewEngine("google_ads")})
		res := c.Classify(context.Background(), rc)
		if res.Decision != risk.DecisionSafe || res.FinalRisk != 1 {
			t.Errorf("got %s %v", res.Decision, res.FinalRisk)
		}
	})

	t.Run("panicking stage", func(t *testing.T) {
		c := newClassifier(defaultRules(), nil, &memSink{panics: true})
		res := c.Classify(context.Background(), rc)
		if res.Decision != risk.DecisionSafe || res.FinalRisk != 1 {
			t.Errorf("got %s %v", res.Decision, res.FinalRisk)
		}
		if res.AssessmentID == "" || len(res.Reasoning) == 0 {
			t.Errorf("fail-closed result = %+v", res)
		}
	})
}

func TestClassifyAudit(t *testing.T) {
	good := &memSink{}
	broken := &memSink{err: errors.New("broker down")}
	c := newClassifier(defaultRules(), nil, broken, good)

	rc := mobileRequest(url.Values{"gclid": {gclid}})
	rc.Headers = nil
	res := c.Classify(context.Background(), rc)

	if res.Decision != risk.DecisionReal {
		t.Errorf("a failing sink changed the decision: %s", res.Decision)
	}
	if len(good.records) != 1 {
		t.Fatalf("records = %d, want 1", len(good.records))
	}
	got := good.records[0]
	if got.AssessmentID != res.AssessmentID || got.DomainID != "shop.example" || !got.CreatedAt.Equal(fixedNow) {
		t.Errorf("record = %+v", got)
	}
	for _, s := range got.Signals {
		if s.Weight < 0.3 {
			t.Errorf("signal %s below audit weight: %v", s.Type, s.Weight)
		}
	}
}

func TestClassifyDetectsPlatform(t *testing.T) {
	c := newClassifier(defaultRules(), nil)
	rc := mobileRequest(nil)
	rc.Platform = ""
	if res := c.Classify(context.Background(), rc); res.Platform != event.PlatformMobile {
		t.Errorf("platform = %s, want mobile", res.Platform)
	}
}
