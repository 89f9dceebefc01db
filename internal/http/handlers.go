package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/event/detection"
	"github.com/shortontech/clickgate/internal/gate"
	"github.com/shortontech/clickgate/internal/metrics"
	cfg "github.com/shortontech/clickgate/pkg/config"
)

// Classifier is satisfied by *gate.Classifier.
type Classifier interface {
	Classify(ctx context.Context, rc event.RequestContext) gate.Result
}

type Env struct {
	Cfg        cfg.Config
	Classifier Classifier
	// Timing derives session aggregates per source IP when the caller sends
	// none. Nil disables it.
	Timing   detection.TimingTracker
	HMACAuth *HMACAuth
	// Ready reports backend reachability for /readyz. Nil means always ready.
	Ready   func(ctx context.Context) error
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default().With("component", "http")
	}
	return e.Logger.With("component", "http")
}

func (e Env) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if e.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := e.Ready(ctx); err != nil {
			e.logger().Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Validate classifies one request described by the edge payload and returns
// the assessment. The decision itself never fails; only malformed or
// unauthenticated calls are rejected.
func (e Env) Validate(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.Cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !e.HMACAuth.Verify(r.Header.Get(SignatureHeader), body) {
		http.Error(w, "invalid or missing signature", http.StatusUnauthorized)
		return
	}

	var p event.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "invalid json object", http.StatusBadRequest)
		return
	}

	rc := event.BuildContext(r, p, e.Cfg.TrustProxy, e.now())
	if rc.Session == nil && e.Timing != nil && rc.IP != "" {
		agg := e.Timing.Observe(rc.IP, rc.ServerReceived, rc.Path)
		if agg.PreviousRequests > 0 {
			rc.Session = &agg
		}
	}

	res := e.Classifier.Classify(r.Context(), rc)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Clickgate-Decision", string(res.Decision))
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		e.logger().Warn("failed to write response", "error", err, "request_id", rc.RequestID)
	}
}
