package observer

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shortontech/clickgate/internal/clickid"
	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/event/detection"
	"github.com/shortontech/clickgate/internal/store"
)

// Monday 2026-03-02 10:15 UTC.
var monday = time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)

func sampleRequest() event.RequestContext {
	return event.RequestContext{
		RequestID: "req-1",
		IP:        "203.0.113.7",
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148",
		Headers: event.Headers{
			{Key: "Host", Value: "shop.example"},
			{Key: "User-Agent", Value: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148"},
			{Key: "Accept", Value: "text/html"},
			{Key: "Accept-Language", Value: "pt-BR"},
			{Key: "Accept-Encoding", Value: "gzip, br"},
			{Key: "Connection", Value: "keep-alive"},
		},
		Query: url.Values{"gclid": {"EAIaIQobChMI8sdk2Lq0gB"}, "utm_source": {"google"}},
		Path:  "/offers/summer",
	}
}

func TestExtract(t *testing.T) {
	ev := clickid.Evidence{HasClickID: true, IsValid: true}
	f := Extract(sampleRequest(), ev, monday)

	want := Features{
		HourOfDay:             10,
		DayOfWeek:             1,
		HasUserAgent:          true,
		HasAcceptLanguage:     true,
		HeaderCount:           6,
		IsDirectAccess:        true,
		URLDepth:              2,
		HasQueryParams:        true,
		QueryParamCount:       2,
		BypassParamPresent:    true,
		BypassParamValid:      true,
		IsMobile:              true,
		PlatformCategory:      "mobile",
		HeaderOrderEntropy:    1,
		HeaderCaseConsistency: true,
	}
	if f != want {
		t.Errorf("Extract =\n%+v\nwant\n%+v", f, want)
	}
}

func TestPlatformCategory(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{"Googlebot/2.1 (+http://www.google.com/bot.html)", "bot"},
		{"Mozilla/5.0 (Linux; Android 14) Mobile", "mobile"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64)", "desktop"},
		{"unknown", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		rc := event.RequestContext{UserAgent: tt.ua}
		if got := Extract(rc, clickid.Evidence{}, monday).PlatformCategory; got != tt.want {
			t.Errorf("category(%q) = %q, want %q", tt.ua, got, tt.want)
		}
	}
}

func TestCaseConsistent(t *testing.T) {
	tests := []struct {
		keys []string
		want bool
	}{
		{nil, true},
		{[]string{"HOST", "USER-AGENT"}, true},
		{[]string{"host", "user-agent"}, true},
		{[]string{"Host", "Sec-CH-UA"}, true},
		{[]string{"Host", "user-agent"}, false},
	}
	for _, tt := range tests {
		if got := caseConsistent(tt.keys); got != tt.want {
			t.Errorf("caseConsistent(%v) = %v, want %v", tt.keys, got, tt.want)
		}
	}
}

func TestNormalizedHash(t *testing.T) {
	ev := clickid.Evidence{HasClickID: true, IsValid: true}
	base := Extract(sampleRequest(), ev, monday)

	t.Run("is hex sha256", func(t *testing.T) {
		if h := base.NormalizedHash(); len(h) != 64 {
			t.Errorf("hash length = %d", len(h))
		}
	})

	t.Run("raw values inside a bucket do not matter", func(t *testing.T) {
		rc := sampleRequest()
		rc.IP = "198.51.100.1"
		rc.Query = url.Values{"gclid": {"somethingelse"}}
		rc.Path = "/a/b"
		other := Extract(rc, ev, monday.Add(90*time.Minute))
		if other.NormalizedHash() != base.NormalizedHash() {
			t.Errorf("hash changed for same buckets: %+v vs %+v", other.bucket(), base.bucket())
		}
	})

	t.Run("depth is capped at five", func(t *testing.T) {
		a, b := base, base
		a.URLDepth, b.URLDepth = 5, 9
		if a.NormalizedHash() != b.NormalizedHash() {
			t.Error("depths above 5 should share a bucket")
		}
	})

	t.Run("bucket changes alter the hash", func(t *testing.T) {
		for name, mutate := range map[string]func(f *Features){
			"time":     func(f *Features) { f.HourOfDay = 23 },
			"weekend":  func(f *Features) { f.DayOfWeek = int(time.Saturday) },
			"validity": func(f *Features) { f.BypassParamValid = false },
			"platform": func(f *Features) { f.PlatformCategory = "desktop" },
			"direct":   func(f *Features) { f.IsDirectAccess = false },
			"headers":  func(f *Features) { f.HeaderCount = 12 },
		} {
			f := base
			mutate(&f)
			if f.NormalizedHash() == base.NormalizedHash() {
				t.Errorf("%s: hash unchanged", name)
			}
		}
	})
}

func TestClassify(t *testing.T) {
	valid := clickid.Evidence{HasClickID: true, IsValid: true}
	missing := clickid.Evidence{Errors: []string{clickid.CodeNoClickID}}
	reused := clickid.Evidence{HasClickID: true, Reused: true, Errors: []string{clickid.CodeReused}}

	tests := []struct {
		name   string
		layers detection.LayerReport
		ev     clickid.Evidence
		want   string
	}{
		{"passed", detection.LayerReport{PassedAll: true}, valid, ClassLegitimate},
		{"passed without click id", detection.LayerReport{PassedAll: true}, missing, ClassSuspicious},
		{"passed with reused click id", detection.LayerReport{PassedAll: true}, reused, ClassSuspicious},
		{"bot", detection.LayerReport{IsBot: true}, valid, ClassBlocked},
		{"bot without click id", detection.LayerReport{IsBot: true}, missing, ClassBlocked},
		{"proxy", detection.LayerReport{IsProxy: true}, valid, ClassBlocked},
		{"geo only", detection.LayerReport{FailedLayers: []string{detection.LayerGeo}}, valid, ClassSuspicious},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.layers, tt.ev); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContextHash(t *testing.T) {
	a := sampleRequest()
	b := sampleRequest()
	b.IP = "203.0.113.200"
	if ContextHash(a) != ContextHash(b) {
		t.Error("same /24 should share a context")
	}
	b.IP = "198.51.100.7"
	if ContextHash(a) == ContextHash(b) {
		t.Error("different prefixes should differ")
	}
}

func TestRecordWritesPattern(t *testing.T) {
	mem := store.NewMemory()
	o := New(mem, Config{}, nil, nil)

	obs := Observation{
		Request: sampleRequest(),
		ClickID: clickid.Evidence{HasClickID: true, IsValid: true},
		Layers:  detection.LayerReport{PassedAll: true},
		At:      monday,
	}
	for i := 0; i < 3; i++ {
		if err := o.Record(context.Background(), obs); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	patterns, err := mem.RecentPatterns(context.Background(), monday.Add(-time.Hour), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(patterns) != 1 {
		t.Fatalf("patterns = %d, want 1", len(patterns))
	}
	p := patterns[0]
	if p.OccurrenceCount != 3 || p.Class != ClassLegitimate {
		t.Errorf("pattern = %+v", p)
	}
	var f Features
	if err := json.Unmarshal(p.Features, &f); err != nil {
		t.Fatalf("features: %v", err)
	}
	if f.PlatformCategory != "mobile" {
		t.Errorf("features = %+v", f)
	}
	ctxs, _ := mem.PatternContexts(context.Background(), p.Hash)
	if len(ctxs) != 1 || ctxs[0] != ContextHash(obs.Request) {
		t.Errorf("contexts = %v", ctxs)
	}
}

type brokenStore struct{ store.PatternStore }

func (brokenStore) RecordPattern(context.Context, store.PatternSighting) (store.BehavioralPattern, error) {
	return store.BehavioralPattern{}, errors.New("connection reset")
}

func TestRecordReturnsErrorsInsteadOfPanicking(t *testing.T) {
	o := New(brokenStore{}, Config{}, nil, nil)
	if err := o.Record(context.Background(), Observation{At: monday}); err == nil {
		t.Error("expected store error")
	}

	o = New(nil, Config{}, nil, nil)
	if err := o.Record(context.Background(), Observation{At: monday}); err == nil {
		t.Error("nil store should surface as an error, not a panic")
	}
}

type blockingStore struct {
	store.PatternStore
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (b *blockingStore) RecordPattern(ctx context.Context, s store.PatternSighting) (store.BehavioralPattern, error) {
	<-b.release
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	return store.BehavioralPattern{}, nil
}

func TestObserveDropsWhenFull(t *testing.T) {
	bs := &blockingStore{release: make(chan struct{})}
	o := New(bs, Config{QueueSize: 2, Workers: 1}, nil, nil)
	o.Start()

	obs := Observation{Request: sampleRequest(), At: monday}
	accepted := 0
	for i := 0; i < 10; i++ {
		if o.Observe(obs) {
			accepted++
		}
	}
	// one in the worker plus a full queue at most
	if accepted > 3 || accepted < 2 {
		t.Errorf("accepted = %d, want 2 or 3", accepted)
	}

	close(bs.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if bs.n != accepted {
		t.Errorf("written = %d, want %d", bs.n, accepted)
	}
	if o.Observe(obs) {
		t.Error("Observe after Close should drop")
	}
}

func TestObserveDoesNotBlockCaller(t *testing.T) {
	bs := &blockingStore{release: make(chan struct{})}
	o := New(bs, Config{QueueSize: 1, Workers: 1}, nil, nil)
	o.Start()
	defer func() {
		close(bs.release)
		_ = o.Close(context.Background())
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			o.Observe(Observation{At: monday})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe blocked on a stalled store")
	}
}
