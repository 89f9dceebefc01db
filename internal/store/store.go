// Package store persists click-id sightings, raw behavioral patterns and the
// learning tables. Every request-time write is a single atomic
// insert-or-increment keyed by a stable identifier.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("store: not found")
	ErrWindowInProgress = errors.New("store: learning window already processing")
)

// Window statuses.
const (
	WindowCollecting = "collecting"
	WindowProcessing = "processing"
	WindowFinalized  = "finalized"
)

// ClickIDSighting is one request carrying a click identifier.
type ClickIDSighting struct {
	DomainID  string
	ClickID   string
	Network   string
	IP        string
	UserAgent string
	Referer   string
	IsValid   bool
	Errors    []string
	Entropy   float64
	SeenAt    time.Time
}

// ClickIDObservation is the persisted row for one (click id, domain) pair.
type ClickIDObservation struct {
	DomainID   string    `json:"domain_id"`
	ClickID    string    `json:"click_id"`
	Network    string    `json:"network"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	HitCount   int64     `json:"hit_count"`
	LastValid  bool      `json:"last_valid"`
	LastErrors []string  `json:"last_errors,omitempty"`
}

// ClickIDStore records sightings. RecordClickID returns the row after the
// increment, so HitCount > 1 means the identifier was seen before.
type ClickIDStore interface {
	RecordClickID(ctx context.Context, s ClickIDSighting) (ClickIDObservation, error)
}

// PatternSighting is one observed request folded into a raw pattern.
type PatternSighting struct {
	Hash        string
	Class       string
	Features    json.RawMessage
	ContextHash string
	SeenAt      time.Time
}

// BehavioralPattern is the short-lived aggregate for one normalized hash.
type BehavioralPattern struct {
	Hash            string          `json:"pattern_hash"`
	Class           string          `json:"classification"`
	Features        json.RawMessage `json:"features"`
	OccurrenceCount int64           `json:"occurrence_count"`
	FirstSeen       time.Time       `json:"first_seen"`
	LastSeen        time.Time       `json:"last_seen"`
}

type PatternStore interface {
	RecordPattern(ctx context.Context, s PatternSighting) (BehavioralPattern, error)
	// RecentPatterns lists patterns seen at or after since with at least
	// minOccurrences hits, ordered by hash.
	RecentPatterns(ctx context.Context, since time.Time, minOccurrences int64) ([]BehavioralPattern, error)
	// PatternContexts lists the distinct context hashes seen for a pattern.
	PatternContexts(ctx context.Context, hash string) ([]string, error)
	// PruneRawPatterns removes patterns last seen before cutoff.
	PruneRawPatterns(ctx context.Context, before time.Time) (int64, error)
}

// LearnedPattern is the durable record the consolidator maintains.
type LearnedPattern struct {
	SignatureHash     string          `json:"signature_hash"`
	Class             string          `json:"pattern_type"`
	Profile           json.RawMessage `json:"behavior_profile"`
	OccurrenceCount   int64           `json:"occurrence_count"`
	ContextVariations int             `json:"context_variations"`
	Confidence        float64         `json:"confidence_score"`
	DecayCoefficient  float64         `json:"decay_coefficient"`
	Stage             string          `json:"learning_stage"`
	FirstSeen         time.Time       `json:"first_seen"`
	LastSeen          time.Time       `json:"last_seen"`

	// Raw-pattern state already absorbed, so reruns only add the delta.
	SourceFirstSeen   time.Time `json:"source_first_seen"`
	SourceOccurrences int64     `json:"source_occurrences"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ConsolidationEvidence links a learned pattern to a context seen in a window.
type ConsolidationEvidence struct {
	SignatureHash string
	ContextHash   string
	WindowID      string
	Occurrences   int64
	RecordedAt    time.Time
}

// LearningWindow is the audit row for one consolidation run.
type LearningWindow struct {
	ID           string     `json:"id"`
	Start        time.Time  `json:"window_start"`
	End          time.Time  `json:"window_end"`
	Status       string     `json:"status"`
	Processed    int        `json:"patterns_processed"`
	Consolidated int        `json:"patterns_consolidated"`
	Discarded    int        `json:"patterns_discarded"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

type LearningStore interface {
	// OpenWindow inserts w with status processing. It returns
	// ErrWindowInProgress when another window has been processing for less
	// than staleAfter.
	OpenWindow(ctx context.Context, w LearningWindow, staleAfter time.Duration) error
	UpdateWindow(ctx context.Context, w LearningWindow) error
	ListWindows(ctx context.Context, limit int) ([]LearningWindow, error)

	GetLearnedPattern(ctx context.Context, hash string) (LearnedPattern, error)
	UpsertLearnedPattern(ctx context.Context, p LearnedPattern) error
	ListLearnedPatterns(ctx context.Context) ([]LearnedPattern, error)

	// RecordEvidence is idempotent per (signature, context, window).
	RecordEvidence(ctx context.Context, e ConsolidationEvidence) error
	CountDistinctContexts(ctx context.Context, hash string) (int, error)
}
