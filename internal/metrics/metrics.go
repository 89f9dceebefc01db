package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the Prometheus metrics for clickgate. Every convenience
// method is safe to call on a nil *Metrics.
type Metrics struct {
	// Counters
	Decisions       *prometheus.CounterVec
	ClickIDOutcomes *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	AuditRecords    *prometheus.CounterVec
	SinkErrors      *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	ObserverEvents  *prometheus.CounterVec
	Consolidations  *prometheus.CounterVec

	// Gauges
	ObserverQueueDepth prometheus.Gauge
	LearnedPatterns    *prometheus.GaugeVec

	// Histograms
	ClassifyDuration      prometheus.Histogram
	ConsolidationDuration prometheus.Histogram
	BatchFlushLatency     *prometheus.HistogramVec
	HTTPDuration          *prometheus.HistogramVec
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled     bool
	Addr        string
	TLSCert     string
	TLSKey      string
	ClientCA    string
	RequireTLS  bool
	RequireAuth bool
}

// LoadConfig loads metrics configuration from environment variables
func LoadConfig() Config {
	return Config{
		Enabled:     getBool("METRICS_ENABLED", false),
		Addr:        getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:     getOr("METRICS_TLS_CERT", ""),
		TLSKey:      getOr("METRICS_TLS_KEY", ""),
		ClientCA:    getOr("METRICS_CLIENT_CA", ""),
		RequireTLS:  getBool("METRICS_REQUIRE_TLS", false),
		RequireAuth: getBool("METRICS_REQUIRE_AUTH", false),
	}
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clickgate_decisions_total",
				Help: "Classification decisions by outcome and platform",
			},
			[]string{"decision", "platform"},
		),

		ClickIDOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clickgate_click_id_total",
				Help: "Click-id validation outcomes by network",
			},
			[]string{"network", "outcome"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clickgate_store_errors_total",
				Help: "Evidence store failures by store and operation",
			},
			[]string{"store", "op"},
		),

		AuditRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clickgate_audit_records_total",
				Help: "Audit records written by sink type",
			},
			[]string{"sink"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clickgate_sink_errors_total",
				Help: "Total errors writing to a sink",
			},
			[]string{"sink", "error_type"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clickgate_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		ObserverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clickgate_observer_events_total",
				Help: "Behavioral observations by result (recorded, dropped, failed)",
			},
			[]string{"result"},
		),

		Consolidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clickgate_consolidation_runs_total",
				Help: "Learning consolidation runs by status",
			},
			[]string{"status"},
		),

		ObserverQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clickgate_observer_queue_depth",
				Help: "Observations waiting to be written",
			},
		),

		LearnedPatterns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clickgate_learned_patterns",
				Help: "Learned patterns by stage after the last consolidation",
			},
			[]string{"stage"},
		),

		ClassifyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clickgate_classify_duration_seconds",
				Help:    "Time spent classifying one request",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),

		ConsolidationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clickgate_consolidation_duration_seconds",
				Help:    "Duration of a learning consolidation run",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),

		BatchFlushLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clickgate_batch_flush_latency_seconds",
				Help:    "Latency of flushing a batch to sinks",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clickgate_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),
	}

	reg.MustRegister(
		m.Decisions,
		m.ClickIDOutcomes,
		m.StoreErrors,
		m.AuditRecords,
		m.SinkErrors,
		m.HTTPRequests,
		m.ObserverEvents,
		m.Consolidations,
		m.ObserverQueueDepth,
		m.LearnedPatterns,
		m.ClassifyDuration,
		m.ConsolidationDuration,
		m.BatchFlushLatency,
		m.HTTPDuration,
	)

	return m
}

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
}

// NewServer creates a new metrics server
func NewServer(config Config) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.RequireTLS && config.TLSCert != "" && config.TLSKey != "" {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS when a client CA is provided
		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				slog.Warn("failed to load client CA", "component", "metrics", "error", err)
			} else {
				tlsConfig.ClientCAs = clientCAs
				tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
				slog.Info("mTLS enabled", "component", "metrics", "client_ca", config.ClientCA)
			}
		}

		srv.TLSConfig = tlsConfig
	}

	return &Server{
		server: srv,
		config: config,
	}
}

// Start starts the metrics server in a separate goroutine
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		slog.Info("metrics server disabled", "component", "metrics")
		return nil
	}

	go func() {
		var err error
		if s.config.RequireTLS && s.config.TLSCert != "" && s.config.TLSKey != "" {
			slog.Info("HTTPS server listening", "component", "metrics", "addr", s.config.Addr)
			err = s.server.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			slog.Info("HTTP server listening", "component", "metrics", "addr", s.config.Addr)
			err = s.server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "component", "metrics", "error", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	slog.Info("shutting down server", "component", "metrics")
	return s.server.Shutdown(ctx)
}

func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// InitMetrics initializes the global metrics instance on the default registry.
func InitMetrics() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return InitMetrics()
}

func (m *Metrics) IncrementDecision(decision, platform string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(decision, platform).Inc()
}

func (m *Metrics) IncrementClickID(network, outcome string) {
	if m == nil {
		return
	}
	if network == "" {
		network = "none"
	}
	m.ClickIDOutcomes.WithLabelValues(network, outcome).Inc()
}

func (m *Metrics) IncrementStoreErrors(store, op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(store, op).Inc()
}

func (m *Metrics) IncrementAuditRecords(sink string) {
	if m == nil {
		return
	}
	m.AuditRecords.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) IncrementObserver(result string) {
	if m == nil {
		return
	}
	m.ObserverEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) SetObserverQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.ObserverQueueDepth.Set(float64(depth))
}

func (m *Metrics) ObserveClassify(d time.Duration) {
	if m == nil {
		return
	}
	m.ClassifyDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveConsolidation(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Consolidations.WithLabelValues(status).Inc()
	m.ConsolidationDuration.Observe(d.Seconds())
}

func (m *Metrics) SetLearnedPatterns(stage string, n int) {
	if m == nil {
		return
	}
	m.LearnedPatterns.WithLabelValues(stage).Set(float64(n))
}

func (m *Metrics) ObserveBatchFlushLatency(sink string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BatchFlushLatency.WithLabelValues(sink).Observe(duration.Seconds())
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}
