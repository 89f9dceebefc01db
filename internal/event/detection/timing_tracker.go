package detection

import (
	"math"
	"sync"
	"time"

	"github.com/shortontech/clickgate/internal/event"
)

// SessionIdle is how long a visitor may go quiet before their aggregates reset.
const SessionIdle = 30 * time.Minute

const maxTrackedPages = 20

// TimingTracker folds request arrivals into per-visitor session aggregates.
type TimingTracker interface {
	// Observe records a request and returns the aggregates as they stood
	// before it, so the current request never scores against itself.
	Observe(key string, at time.Time, path string) event.SessionAggregates
}

type sessionState struct {
	last     time.Time
	count    int
	n        int     // intervals seen
	mean     float64 // ms
	m2       float64
	pages    []string
	pageSeen map[string]bool
}

// MemoryTimingTracker implements TimingTracker using in-memory storage
type MemoryTimingTracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	idle     time.Duration
}

// NewMemoryTimingTracker creates a new in-memory timing tracker
func NewMemoryTimingTracker() *MemoryTimingTracker {
	return &MemoryTimingTracker{
		sessions: make(map[string]*sessionState),
		idle:     SessionIdle,
	}
}

func (t *MemoryTimingTracker) Observe(key string, at time.Time, path string) event.SessionAggregates {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[key]
	if !ok || at.Sub(s.last) > t.idle {
		s = &sessionState{pageSeen: make(map[string]bool)}
		t.sessions[key] = s
	}

	prior := s.snapshot()

	if s.count > 0 {
		// Welford running mean/variance over inter-request intervals
		interval := float64(at.Sub(s.last).Microseconds()) / 1000
		if interval < 0 {
			interval = 0
		}
		s.n++
		delta := interval - s.mean
		s.mean += delta / float64(s.n)
		s.m2 += delta * (interval - s.mean)
	}
	s.count++
	s.last = at
	if path != "" && !s.pageSeen[path] && len(s.pages) < maxTrackedPages {
		s.pageSeen[path] = true
		s.pages = append(s.pages, path)
	}
	return prior
}

func (s *sessionState) snapshot() event.SessionAggregates {
	agg := event.SessionAggregates{PreviousRequests: s.count}
	if s.n > 0 {
		agg.AvgTimeBetweenRequests = s.mean
	}
	if s.n > 1 {
		agg.IntervalStdDev = math.Sqrt(s.m2 / float64(s.n-1))
	}
	if len(s.pages) > 0 {
		agg.PagesVisited = append([]string(nil), s.pages...)
	}
	return agg
}

// Sweep drops sessions idle longer than the tracker's idle window.
func (t *MemoryTimingTracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, s := range t.sessions {
		if now.Sub(s.last) > t.idle {
			delete(t.sessions, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked sessions.
func (t *MemoryTimingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
