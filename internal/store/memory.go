package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implements every store interface in process. It is the default
// backend and the one tests run against.
type Memory struct {
	mu sync.Mutex

	clicks   map[string]*ClickIDObservation
	patterns map[string]*BehavioralPattern
	contexts map[string]map[string]bool

	learned  map[string]LearnedPattern
	evidence map[string]ConsolidationEvidence
	windows  []LearningWindow
}

func NewMemory() *Memory {
	return &Memory{
		clicks:   make(map[string]*ClickIDObservation),
		patterns: make(map[string]*BehavioralPattern),
		contexts: make(map[string]map[string]bool),
		learned:  make(map[string]LearnedPattern),
		evidence: make(map[string]ConsolidationEvidence),
	}
}

func clickKey(domainID, clickID string) string { return domainID + "\x00" + clickID }

func (m *Memory) RecordClickID(ctx context.Context, s ClickIDSighting) (ClickIDObservation, error) {
	if err := ctx.Err(); err != nil {
		return ClickIDObservation{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := clickKey(s.DomainID, s.ClickID)
	obs, ok := m.clicks[k]
	if !ok {
		obs = &ClickIDObservation{
			DomainID:  s.DomainID,
			ClickID:   s.ClickID,
			Network:   s.Network,
			FirstSeen: s.SeenAt,
		}
		m.clicks[k] = obs
	}
	obs.HitCount++
	obs.LastSeen = s.SeenAt
	obs.LastValid = s.IsValid
	obs.LastErrors = append([]string(nil), s.Errors...)
	return *obs, nil
}

// ClickIDCount returns the number of distinct observation rows.
func (m *Memory) ClickIDCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clicks)
}

func (m *Memory) RecordPattern(ctx context.Context, s PatternSighting) (BehavioralPattern, error) {
	if err := ctx.Err(); err != nil {
		return BehavioralPattern{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.patterns[s.Hash]
	if !ok {
		p = &BehavioralPattern{Hash: s.Hash, FirstSeen: s.SeenAt}
		m.patterns[s.Hash] = p
	}
	p.OccurrenceCount++
	p.Class = s.Class
	p.Features = append(p.Features[:0:0], s.Features...)
	if s.SeenAt.After(p.LastSeen) {
		p.LastSeen = s.SeenAt
	}
	if s.ContextHash != "" {
		set := m.contexts[s.Hash]
		if set == nil {
			set = make(map[string]bool)
			m.contexts[s.Hash] = set
		}
		set[s.ContextHash] = true
	}
	return *p, nil
}

func (m *Memory) RecentPatterns(ctx context.Context, since time.Time, minOccurrences int64) ([]BehavioralPattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []BehavioralPattern
	for _, p := range m.patterns {
		if !p.LastSeen.Before(since) && p.OccurrenceCount >= minOccurrences {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

func (m *Memory) PatternContexts(ctx context.Context, hash string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.contexts[hash]))
	for c := range m.contexts[hash] {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) PruneRawPatterns(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for h, p := range m.patterns {
		if p.LastSeen.Before(before) {
			delete(m.patterns, h)
			delete(m.contexts, h)
			n++
		}
	}
	return n, nil
}

func (m *Memory) OpenWindow(ctx context.Context, w LearningWindow, staleAfter time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.windows {
		if existing.Status == WindowProcessing && w.StartedAt.Sub(existing.StartedAt) < staleAfter {
			return ErrWindowInProgress
		}
	}
	w.Status = WindowProcessing
	m.windows = append(m.windows, w)
	return nil
}

func (m *Memory) UpdateWindow(ctx context.Context, w LearningWindow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.windows {
		if m.windows[i].ID == w.ID {
			if m.windows[i].Status == WindowFinalized {
				return nil
			}
			m.windows[i] = w
			return nil
		}
	}
	return ErrNotFound
}

// ListWindows returns the newest windows first.
func (m *Memory) ListWindows(ctx context.Context, limit int) ([]LearningWindow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LearningWindow, 0, len(m.windows))
	for i := len(m.windows) - 1; i >= 0; i-- {
		out = append(out, m.windows[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetLearnedPattern(ctx context.Context, hash string) (LearnedPattern, error) {
	if err := ctx.Err(); err != nil {
		return LearnedPattern{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.learned[hash]
	if !ok {
		return LearnedPattern{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) UpsertLearnedPattern(ctx context.Context, p LearnedPattern) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.learned[p.SignatureHash] = p
	return nil
}

func (m *Memory) ListLearnedPatterns(ctx context.Context) ([]LearnedPattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LearnedPattern, 0, len(m.learned))
	for _, p := range m.learned {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignatureHash < out[j].SignatureHash })
	return out, nil
}

func (m *Memory) RecordEvidence(ctx context.Context, e ConsolidationEvidence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evidence[e.SignatureHash+"\x00"+e.ContextHash+"\x00"+e.WindowID] = e
	return nil
}

func (m *Memory) CountDistinctContexts(ctx context.Context, hash string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	for _, e := range m.evidence {
		if e.SignatureHash == hash {
			seen[e.ContextHash] = true
		}
	}
	return len(seen), nil
}
