package sink

import (
	"os"
	"testing"
	"time"

	"github.com/shortontech/clickgate/internal/clickid"
	"github.com/shortontech/clickgate/internal/contradiction"
	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/risk"
)

func withEnvVars(t *testing.T, vars map[string]string, fn func()) {
	t.Helper()
	old := make(map[string]string)
	for key, val := range vars {
		old[key] = os.Getenv(key)
		if val == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, val)
		}
	}
	defer func() {
		for key, val := range old {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}()
	fn()
}

func sampleRecord(id string) AuditRecord {
	return AuditRecord{
		AssessmentID: id,
		RequestID:    "req-" + id,
		DomainID:     "shop.example",
		CreatedAt:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		ClickID:      clickid.Evidence{HasClickID: true, Network: "google_ads", IsValid: true},
		Assessment: risk.Assessment{
			FinalRisk:     0.2248,
			Decision:      risk.DecisionReal,
			Platform:      event.PlatformMobile,
			Network:       "google_ads",
			EconomicValue: true,
		},
		Signals: []contradiction.Signal{
			{Type: "timing_anomaly", Expected: ">50ms", Actual: "12ms", Weight: 0.3},
		},
	}
}

func TestBuild(t *testing.T) {
	t.Run("known outputs", func(t *testing.T) {
		sinks, err := Build([]string{"log", " Kafka ", "postgres", ""}, nil, nil)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		var names []string
		for _, s := range sinks {
			names = append(names, s.Name())
		}
		if len(names) != 3 || names[0] != "log" || names[1] != "kafka" || names[2] != "postgres" {
			t.Errorf("names = %v", names)
		}
	})

	t.Run("unknown output is an error", func(t *testing.T) {
		if _, err := Build([]string{"log", "s3"}, nil, nil); err == nil {
			t.Error("expected error for unknown output")
		}
	})

	t.Run("none", func(t *testing.T) {
		sinks, err := Build([]string{"none"}, nil, nil)
		if err != nil || len(sinks) != 0 {
			t.Errorf("sinks = %v, err = %v", sinks, err)
		}
	})
}
