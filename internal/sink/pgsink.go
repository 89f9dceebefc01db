package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/shortontech/clickgate/internal/metrics"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateTableName guards the identifiers interpolated into DDL and COPY.
func validateTableName(name string) error {
	if name == "" || len(name) > 63 || !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

type PGConfig struct {
	DSN          string
	Table        string // assessments
	SignalsTable string
	BatchSize    int
	FlushMS      int
	UseCopy      bool
}

// PGSink batches audit records into the assessments and contradiction
// signals tables. A batch is flushed when it reaches BatchSize or every
// FlushMS, whichever comes first; a failed flush keeps the batch.
type PGSink struct {
	config  PGConfig
	db      *sql.DB
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	batch []AuditRecord

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPGSinkFromEnv() *PGSink {
	return &PGSink{config: PGConfig{
		DSN:          os.Getenv("PG_DSN"),
		Table:        getEnvOr("PG_TABLE", "risk_assessments"),
		SignalsTable: getEnvOr("PG_SIGNALS_TABLE", "contradiction_signals"),
		BatchSize:    getIntEnv("PG_BATCH_SIZE", 500),
		FlushMS:      getIntEnv("PG_FLUSH_MS", 500),
		UseCopy:      getBoolEnv("PG_COPY", true),
	}}
}

func NewPGSink(dsn string) *PGSink {
	return &PGSink{config: PGConfig{
		DSN:          dsn,
		Table:        "risk_assessments",
		SignalsTable: "contradiction_signals",
		BatchSize:    500,
		FlushMS:      500,
		UseCopy:      true,
	}}
}

func (s *PGSink) Name() string { return "postgres" }

func (s *PGSink) Start(ctx context.Context) error {
	for _, t := range []string{s.config.Table, s.config.SignalsTable} {
		if err := validateTableName(t); err != nil {
			return err
		}
	}

	db, err := sql.Open("postgres", s.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.ensureSchema(); err != nil {
		s.cancel()
		db.Close()
		return err
	}

	s.done = make(chan struct{})
	go s.flushRoutine()
	return nil
}

func (s *PGSink) ensureSchema() error {
	a, sig := s.config.Table, s.config.SignalsTable
	tables := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			assessment_id  TEXT PRIMARY KEY,
			request_id     TEXT NOT NULL,
			domain_id      TEXT NOT NULL DEFAULT '',
			decision       TEXT NOT NULL,
			final_risk     DOUBLE PRECISION NOT NULL,
			platform       TEXT NOT NULL,
			network        TEXT NOT NULL DEFAULT '',
			economic_value BOOLEAN NOT NULL,
			assessment     JSONB NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL
		)`, a),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id            BIGSERIAL PRIMARY KEY,
			assessment_id TEXT NOT NULL,
			signal_type   TEXT NOT NULL,
			expected      TEXT NOT NULL,
			actual        TEXT NOT NULL,
			weight        DOUBLE PRECISION NOT NULL,
			is_human      BOOLEAN NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		)`, sig),
	}
	for _, q := range tables {
		if _, err := s.db.ExecContext(s.ctx, q); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (created_at)`, a, a),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_assessment ON %s (assessment_id)`, sig, sig),
	}
	for _, q := range indexes {
		if _, err := s.db.ExecContext(s.ctx, q); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (s *PGSink) Enqueue(r AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batch = append(s.batch, r)
	if s.config.BatchSize > 0 && len(s.batch) >= s.config.BatchSize {
		return s.flushBatch()
	}
	return nil
}

// flushBatch writes the pending batch. Callers hold s.mu.
func (s *PGSink) flushBatch() error {
	if len(s.batch) == 0 {
		return nil
	}
	if s.db == nil {
		return fmt.Errorf("postgres sink not started")
	}

	start := time.Now()
	var err error
	if s.config.UseCopy {
		err = s.flushWithCopy()
	} else {
		err = s.flushWithInsert()
	}
	s.metrics.ObserveBatchFlushLatency(s.Name(), time.Since(start))
	if err != nil {
		s.metrics.IncrementSinkErrors(s.Name(), "flush")
		return err
	}
	s.batch = s.batch[:0]
	return nil
}

type assessmentRow struct {
	id, requestID, domainID, decision, platform, network string
	risk                                                 float64
	economic                                             bool
	doc                                                  []byte
	createdAt                                            time.Time
}

func (s *PGSink) rows() ([]assessmentRow, error) {
	out := make([]assessmentRow, 0, len(s.batch))
	for _, r := range s.batch {
		doc, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode audit record %s: %w", r.AssessmentID, err)
		}
		out = append(out, assessmentRow{
			id:        r.AssessmentID,
			requestID: r.RequestID,
			domainID:  r.DomainID,
			decision:  string(r.Assessment.Decision),
			platform:  string(r.Assessment.Platform),
			network:   r.Assessment.Network,
			risk:      r.Assessment.FinalRisk,
			economic:  r.Assessment.EconomicValue,
			doc:       doc,
			createdAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *PGSink) flushWithInsert() error {
	if len(s.batch) == 0 {
		return nil
	}
	rows, err := s.rows()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		b    strings.Builder
		args []any
	)
	fmt.Fprintf(&b, `INSERT INTO %s (assessment_id, request_id, domain_id, decision, final_risk, platform, network, economic_value, assessment, created_at) VALUES `, s.config.Table)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9, n+10)
		args = append(args, r.id, r.requestID, r.domainID, r.decision, r.risk, r.platform, r.network, r.economic, r.doc, r.createdAt)
	}
	b.WriteString(" ON CONFLICT (assessment_id) DO NOTHING")
	if _, err := tx.ExecContext(s.ctx, b.String(), args...); err != nil {
		return fmt.Errorf("failed to insert assessments: %w", err)
	}

	b.Reset()
	args = args[:0]
	for _, r := range s.batch {
		for _, sg := range r.Signals {
			if len(args) == 0 {
				fmt.Fprintf(&b, `INSERT INTO %s (assessment_id, signal_type, expected, actual, weight, is_human, created_at) VALUES `, s.config.SignalsTable)
			} else {
				b.WriteString(", ")
			}
			n := len(args)
			fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7)
			args = append(args, r.AssessmentID, sg.Type, sg.Expected, sg.Actual, sg.Weight, sg.IsHuman, r.CreatedAt)
		}
	}
	if len(args) > 0 {
		if _, err := tx.ExecContext(s.ctx, b.String(), args...); err != nil {
			return fmt.Errorf("failed to insert signals: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *PGSink) flushWithCopy() error {
	if len(s.batch) == 0 {
		return nil
	}
	rows, err := s.rows()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(s.ctx, pq.CopyIn(s.config.Table,
		"assessment_id", "request_id", "domain_id", "decision", "final_risk",
		"platform", "network", "economic_value", "assessment", "created_at"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}
	for _, r := range rows {
		if _, err := stmt.ExecContext(s.ctx, r.id, r.requestID, r.domainID, r.decision, r.risk, r.platform, r.network, r.economic, string(r.doc), r.createdAt); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy assessment: %w", err)
		}
	}
	if _, err := stmt.ExecContext(s.ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to finish copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy: %w", err)
	}

	if n := s.signalCount(); n > 0 {
		stmt, err := tx.PrepareContext(s.ctx, pq.CopyIn(s.config.SignalsTable,
			"assessment_id", "signal_type", "expected", "actual", "weight", "is_human", "created_at"))
		if err != nil {
			return fmt.Errorf("failed to prepare copy: %w", err)
		}
		for _, r := range s.batch {
			for _, sg := range r.Signals {
				if _, err := stmt.ExecContext(s.ctx, r.AssessmentID, sg.Type, sg.Expected, sg.Actual, sg.Weight, sg.IsHuman, r.CreatedAt); err != nil {
					stmt.Close()
					return fmt.Errorf("failed to copy signal: %w", err)
				}
			}
		}
		if _, err := stmt.ExecContext(s.ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to finish copy: %w", err)
		}
		if err := stmt.Close(); err != nil {
			return fmt.Errorf("failed to close copy: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *PGSink) signalCount() int {
	n := 0
	for _, r := range s.batch {
		n += len(r.Signals)
	}
	return n
}

func (s *PGSink) flushRoutine() {
	defer close(s.done)
	interval := time.Duration(s.config.FlushMS) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			err := s.flushBatch()
			pending := len(s.batch)
			s.mu.Unlock()
			if err != nil {
				s.log().Warn("audit batch flush failed", "error", err, "pending", pending)
			}
		}
	}
}

func (s *PGSink) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	if s.db == nil {
		return nil
	}

	s.mu.Lock()
	// the run context is cancelled by now
	s.ctx = context.Background()
	err := s.flushBatch()
	s.mu.Unlock()

	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *PGSink) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func getIntEnv(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
