package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/turbolytics/tap-youtube-analytics/pkg/tap"
)

// Status is what the server reports on. *tap.Tap implements it.
type Status interface {
	Summary() tap.Summary
	State() map[string]any
}

type Server struct {
	logger      *zap.Logger
	status      Status
	gatherer    prometheus.Gatherer
	targetStats func() any
}

type Option func(*Server)

// WithTargetStats exposes the output target's delivery counters on
// /api/v1/target.
func WithTargetStats(stats func() any) Option {
	return func(s *Server) {
		s.targetStats = stats
	}
}

func New(status Status, gatherer prometheus.Gatherer, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		logger:   logger.Named("server"),
		status:   status,
		gatherer: gatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sync", s.getSync)
		r.Get("/state", s.getState)
		r.Get("/target", s.getTarget)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("request",
				zap.String("from", r.RemoteAddr),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getSync(w http.ResponseWriter, r *http.Request) {
	summary := s.status.Summary()
	if summary.RunID == "" {
		http.Error(w, "no sync has started", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	st := s.status.State()
	if st == nil {
		http.Error(w, "no state loaded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	if s.targetStats == nil {
		http.Error(w, "target does not report stats", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.targetStats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting status server", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
