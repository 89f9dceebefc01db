package httpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the decision API.
func NewRouter(e Env) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if e.Cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestLogger(e.Logger))
	r.Use(MetricsMiddleware(e.Metrics))
	r.Use(cors)

	r.Get("/healthz", e.Healthz)
	r.Get("/readyz", e.Readyz)
	r.Post("/validate", e.Validate)
	return r
}

type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(e Env) *Server {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              e.Cfg.ServerAddr,
			Handler:           NewRouter(e),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With("component", "http"),
	}
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("decision api listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("decision api: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
