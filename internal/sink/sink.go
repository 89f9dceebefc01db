// Package sink ships an audit copy of every assessment to one or more
// outputs. Sinks are best effort: a failing sink never changes a decision.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shortontech/clickgate/internal/clickid"
	"github.com/shortontech/clickgate/internal/contradiction"
	"github.com/shortontech/clickgate/internal/metrics"
	"github.com/shortontech/clickgate/internal/risk"
)

type Sink interface {
	Start(ctx context.Context) error
	Enqueue(r AuditRecord) error
	Close() error
	Name() string // used as the metrics label
}

// AuditRecord is the persisted copy of one assessment. Signals only holds
// contradiction signals at or above the audit weight.
type AuditRecord struct {
	AssessmentID string                 `json:"assessment_id"`
	RequestID    string                 `json:"request_id"`
	DomainID     string                 `json:"domain_id,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	ClickID      clickid.Evidence       `json:"click_id"`
	Assessment   risk.Assessment        `json:"assessment"`
	Signals      []contradiction.Signal `json:"contradiction_signals,omitempty"`
}

// Build creates the sinks named in outputs. Unknown names are an error so
// a typo does not silently disable auditing.
func Build(outputs []string, m *metrics.Metrics, logger *slog.Logger) ([]Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sinks []Sink
	for _, name := range outputs {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "", "none":
		case "log":
			sinks = append(sinks, NewLogSink())
		case "kafka":
			s := NewKafkaSinkFromEnv()
			s.metrics, s.logger = m, logger.With("component", "sink", "sink", "kafka")
			sinks = append(sinks, s)
		case "postgres", "pg":
			s := NewPGSinkFromEnv()
			s.metrics, s.logger = m, logger.With("component", "sink", "sink", "postgres")
			sinks = append(sinks, s)
		default:
			return nil, fmt.Errorf("unknown output %q", name)
		}
	}
	return sinks, nil
}
