package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS click_id_observations (
		id                BIGSERIAL PRIMARY KEY,
		domain_id         TEXT NOT NULL,
		click_id          TEXT NOT NULL,
		network           TEXT NOT NULL,
		ip                TEXT,
		user_agent        TEXT,
		referer           TEXT,
		is_valid          BOOLEAN NOT NULL,
		validation_errors TEXT[] NOT NULL DEFAULT '{}',
		entropy_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
		first_seen        TIMESTAMPTZ NOT NULL,
		last_seen         TIMESTAMPTZ NOT NULL,
		hit_count         BIGINT NOT NULL DEFAULT 1,
		UNIQUE (click_id, domain_id)
	)`,
	`CREATE TABLE IF NOT EXISTS behavioral_patterns (
		pattern_hash     TEXT PRIMARY KEY,
		classification   TEXT NOT NULL,
		features         JSONB NOT NULL,
		occurrence_count BIGINT NOT NULL DEFAULT 1,
		first_seen       TIMESTAMPTZ NOT NULL,
		last_seen        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_behavioral_patterns_last_seen ON behavioral_patterns (last_seen)`,
	`CREATE TABLE IF NOT EXISTS behavioral_pattern_contexts (
		pattern_hash TEXT NOT NULL REFERENCES behavioral_patterns (pattern_hash) ON DELETE CASCADE,
		context_hash TEXT NOT NULL,
		first_seen   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (pattern_hash, context_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS learned_patterns (
		signature_hash     TEXT PRIMARY KEY,
		pattern_type       TEXT NOT NULL,
		behavior_profile   JSONB NOT NULL DEFAULT '{}',
		occurrence_count   BIGINT NOT NULL,
		context_variations INTEGER NOT NULL DEFAULT 1,
		confidence_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
		decay_coefficient  DOUBLE PRECISION NOT NULL DEFAULT 1,
		learning_stage     TEXT NOT NULL,
		first_seen         TIMESTAMPTZ NOT NULL,
		last_seen          TIMESTAMPTZ NOT NULL,
		source_first_seen  TIMESTAMPTZ NOT NULL,
		source_occurrences BIGINT NOT NULL DEFAULT 0,
		updated_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS learning_windows (
		id                    TEXT PRIMARY KEY,
		window_start          TIMESTAMPTZ NOT NULL,
		window_end            TIMESTAMPTZ NOT NULL,
		status                TEXT NOT NULL,
		patterns_processed    INTEGER NOT NULL DEFAULT 0,
		patterns_consolidated INTEGER NOT NULL DEFAULT 0,
		patterns_discarded    INTEGER NOT NULL DEFAULT 0,
		started_at            TIMESTAMPTZ NOT NULL,
		finished_at           TIMESTAMPTZ,
		error                 TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS pattern_consolidation (
		signature_hash TEXT NOT NULL,
		context_hash   TEXT NOT NULL,
		window_id      TEXT NOT NULL REFERENCES learning_windows (id),
		occurrences    BIGINT NOT NULL,
		recorded_at    TIMESTAMPTZ NOT NULL,
		UNIQUE (signature_hash, context_hash, window_id)
	)`,
}

// Postgres implements ClickIDStore, PatternStore and LearningStore.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// DB returns the underlying *sql.DB for use by other packages.
func (p *Postgres) DB() *sql.DB { return p.db }

// EnsureSchema creates every table idempotently.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) RecordClickID(ctx context.Context, s ClickIDSighting) (ClickIDObservation, error) {
	obs := ClickIDObservation{
		DomainID:   s.DomainID,
		ClickID:    s.ClickID,
		LastValid:  s.IsValid,
		LastErrors: s.Errors,
	}
	errs := s.Errors
	if errs == nil {
		errs = []string{}
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO click_id_observations
			(domain_id, click_id, network, ip, user_agent, referer, is_valid, validation_errors, entropy_score, first_seen, last_seen, hit_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, 1)
		ON CONFLICT (click_id, domain_id) DO UPDATE SET
			last_seen = GREATEST(click_id_observations.last_seen, EXCLUDED.last_seen),
			hit_count = click_id_observations.hit_count + 1,
			is_valid = EXCLUDED.is_valid,
			validation_errors = EXCLUDED.validation_errors
		RETURNING network, first_seen, last_seen, hit_count`,
		s.DomainID, s.ClickID, s.Network, s.IP, s.UserAgent, s.Referer,
		s.IsValid, pq.Array(errs), s.Entropy, s.SeenAt.UTC(),
	).Scan(&obs.Network, &obs.FirstSeen, &obs.LastSeen, &obs.HitCount)
	if err != nil {
		return ClickIDObservation{}, fmt.Errorf("record click id: %w", err)
	}
	return obs, nil
}

func (p *Postgres) RecordPattern(ctx context.Context, s PatternSighting) (BehavioralPattern, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return BehavioralPattern{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	bp := BehavioralPattern{Hash: s.Hash, Class: s.Class, Features: s.Features}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO behavioral_patterns (pattern_hash, classification, features, occurrence_count, first_seen, last_seen)
		VALUES ($1, $2, $3, 1, $4, $4)
		ON CONFLICT (pattern_hash) DO UPDATE SET
			occurrence_count = behavioral_patterns.occurrence_count + 1,
			last_seen = GREATEST(behavioral_patterns.last_seen, EXCLUDED.last_seen),
			classification = EXCLUDED.classification,
			features = EXCLUDED.features
		RETURNING occurrence_count, first_seen, last_seen`,
		s.Hash, s.Class, []byte(s.Features), s.SeenAt.UTC(),
	).Scan(&bp.OccurrenceCount, &bp.FirstSeen, &bp.LastSeen)
	if err != nil {
		return BehavioralPattern{}, fmt.Errorf("record pattern: %w", err)
	}

	if s.ContextHash != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO behavioral_pattern_contexts (pattern_hash, context_hash, first_seen)
			VALUES ($1, $2, $3)
			ON CONFLICT (pattern_hash, context_hash) DO NOTHING`,
			s.Hash, s.ContextHash, s.SeenAt.UTC())
		if err != nil {
			return BehavioralPattern{}, fmt.Errorf("record pattern context: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return BehavioralPattern{}, fmt.Errorf("commit: %w", err)
	}
	return bp, nil
}

func (p *Postgres) RecentPatterns(ctx context.Context, since time.Time, minOccurrences int64) ([]BehavioralPattern, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT pattern_hash, classification, features, occurrence_count, first_seen, last_seen
		FROM behavioral_patterns
		WHERE last_seen >= $1 AND occurrence_count >= $2
		ORDER BY pattern_hash`, since.UTC(), minOccurrences)
	if err != nil {
		return nil, fmt.Errorf("query recent patterns: %w", err)
	}
	defer rows.Close()

	var out []BehavioralPattern
	for rows.Next() {
		var bp BehavioralPattern
		var features []byte
		if err := rows.Scan(&bp.Hash, &bp.Class, &features, &bp.OccurrenceCount, &bp.FirstSeen, &bp.LastSeen); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		bp.Features = features
		out = append(out, bp)
	}
	return out, rows.Err()
}

func (p *Postgres) PatternContexts(ctx context.Context, hash string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT context_hash FROM behavioral_pattern_contexts
		WHERE pattern_hash = $1 ORDER BY context_hash`, hash)
	if err != nil {
		return nil, fmt.Errorf("query pattern contexts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) PruneRawPatterns(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM behavioral_patterns WHERE last_seen < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune patterns: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) OpenWindow(ctx context.Context, w LearningWindow, staleAfter time.Duration) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// serialize concurrent openers across processes
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('learning_windows'))`); err != nil {
		return fmt.Errorf("window lock: %w", err)
	}

	var running string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM learning_windows
		WHERE status = $1 AND started_at > $2
		LIMIT 1`, WindowProcessing, w.StartedAt.Add(-staleAfter).UTC()).Scan(&running)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrWindowInProgress, running)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check running window: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO learning_windows (id, window_start, window_end, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		w.ID, w.Start.UTC(), w.End.UTC(), WindowProcessing, w.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert window: %w", err)
	}
	return tx.Commit()
}

// UpdateWindow never touches a finalized window.
func (p *Postgres) UpdateWindow(ctx context.Context, w LearningWindow) error {
	var finished sql.NullTime
	if w.FinishedAt != nil {
		finished = sql.NullTime{Time: w.FinishedAt.UTC(), Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE learning_windows SET
			status = $2, patterns_processed = $3, patterns_consolidated = $4,
			patterns_discarded = $5, finished_at = $6, error = $7
		WHERE id = $1 AND status <> 'finalized'`,
		w.ID, w.Status, w.Processed, w.Consolidated, w.Discarded, finished, w.Error)
	if err != nil {
		return fmt.Errorf("update window: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = p.db.QueryRowContext(ctx, `SELECT status FROM learning_windows WHERE id = $1`, w.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (p *Postgres) ListWindows(ctx context.Context, limit int) ([]LearningWindow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, window_start, window_end, status, patterns_processed,
			patterns_consolidated, patterns_discarded, started_at, finished_at, error
		FROM learning_windows ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()

	var out []LearningWindow
	for rows.Next() {
		var w LearningWindow
		var finished sql.NullTime
		if err := rows.Scan(&w.ID, &w.Start, &w.End, &w.Status, &w.Processed,
			&w.Consolidated, &w.Discarded, &w.StartedAt, &finished, &w.Error); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			w.FinishedAt = &t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const learnedColumns = `signature_hash, pattern_type, behavior_profile, occurrence_count,
	context_variations, confidence_score, decay_coefficient, learning_stage,
	first_seen, last_seen, source_first_seen, source_occurrences, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLearned(r rowScanner) (LearnedPattern, error) {
	var lp LearnedPattern
	var profile []byte
	err := r.Scan(&lp.SignatureHash, &lp.Class, &profile, &lp.OccurrenceCount,
		&lp.ContextVariations, &lp.Confidence, &lp.DecayCoefficient, &lp.Stage,
		&lp.FirstSeen, &lp.LastSeen, &lp.SourceFirstSeen, &lp.SourceOccurrences, &lp.UpdatedAt)
	lp.Profile = profile
	return lp, err
}

func (p *Postgres) GetLearnedPattern(ctx context.Context, hash string) (LearnedPattern, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+learnedColumns+` FROM learned_patterns WHERE signature_hash = $1`, hash)
	lp, err := scanLearned(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LearnedPattern{}, ErrNotFound
	}
	if err != nil {
		return LearnedPattern{}, fmt.Errorf("get learned pattern: %w", err)
	}
	return lp, nil
}

func (p *Postgres) UpsertLearnedPattern(ctx context.Context, lp LearnedPattern) error {
	profile := []byte(lp.Profile)
	if len(profile) == 0 {
		profile = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO learned_patterns (`+learnedColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (signature_hash) DO UPDATE SET
			pattern_type = EXCLUDED.pattern_type,
			behavior_profile = EXCLUDED.behavior_profile,
			occurrence_count = EXCLUDED.occurrence_count,
			context_variations = EXCLUDED.context_variations,
			confidence_score = EXCLUDED.confidence_score,
			decay_coefficient = EXCLUDED.decay_coefficient,
			learning_stage = EXCLUDED.learning_stage,
			first_seen = EXCLUDED.first_seen,
			last_seen = EXCLUDED.last_seen,
			source_first_seen = EXCLUDED.source_first_seen,
			source_occurrences = EXCLUDED.source_occurrences,
			updated_at = EXCLUDED.updated_at`,
		lp.SignatureHash, lp.Class, profile, lp.OccurrenceCount, lp.ContextVariations,
		lp.Confidence, lp.DecayCoefficient, lp.Stage, lp.FirstSeen.UTC(), lp.LastSeen.UTC(),
		lp.SourceFirstSeen.UTC(), lp.SourceOccurrences, lp.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert learned pattern: %w", err)
	}
	return nil
}

func (p *Postgres) ListLearnedPatterns(ctx context.Context) ([]LearnedPattern, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+learnedColumns+` FROM learned_patterns ORDER BY signature_hash`)
	if err != nil {
		return nil, fmt.Errorf("query learned patterns: %w", err)
	}
	defer rows.Close()

	var out []LearnedPattern
	for rows.Next() {
		lp, err := scanLearned(rows)
		if err != nil {
			return nil, fmt.Errorf("scan learned pattern: %w", err)
		}
		out = append(out, lp)
	}
	return out, rows.Err()
}

func (p *Postgres) RecordEvidence(ctx context.Context, e ConsolidationEvidence) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pattern_consolidation (signature_hash, context_hash, window_id, occurrences, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (signature_hash, context_hash, window_id) DO UPDATE SET
			occurrences = EXCLUDED.occurrences`,
		e.SignatureHash, e.ContextHash, e.WindowID, e.Occurrences, e.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("record evidence: %w", err)
	}
	return nil
}

func (p *Postgres) CountDistinctContexts(ctx context.Context, hash string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT context_hash) FROM pattern_consolidation
		WHERE signature_hash = $1`, hash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count contexts: %w", err)
	}
	return n, nil
}
