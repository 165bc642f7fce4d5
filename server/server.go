// Package server exposes an inference.Scorer over HTTP.
//
// Routes:
//
//	GET  /health      liveness, always {"status":"ok"}
//	GET  /metrics     the metrics report written by training
//	POST /predict     score one patient record
//	POST /reload      re-read the bundle and metrics report from disk
//	GET  /prometheus  service metrics in the Prometheus text format
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"

	"github.com/YuminosukeSato/glucoscreen/artifact"
	"github.com/YuminosukeSato/glucoscreen/inference"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/pkg/log"
)

// maxBodyBytes bounds the size of a /predict request
const maxBodyBytes = 64 << 10

// Config holds the HTTP settings of a Server
type Config struct {
	// MetricsPath is the metrics report served at /metrics. Empty disables it.
	MetricsPath string

	// CORSAllowedOrigins defaults to every origin
	CORSAllowedOrigins []string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns open CORS and conservative timeouts
func DefaultConfig() Config {
	return Config{
		CORSAllowedOrigins: []string{"*"},
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    10 * time.Second,
	}
}

// Server routes HTTP requests to a Scorer
type Server struct {
	cfg     Config
	scorer  *inference.Scorer
	report  atomic.Pointer[artifact.MetricsReport]
	metrics *serviceMetrics
	logger  log.Logger
	router  chi.Router
}

// New builds the router. The scorer may still be empty; /predict answers 503
// until a bundle is loaded.
func New(scorer *inference.Scorer, cfg Config) *Server {
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	s := &Server{
		cfg:     cfg,
		scorer:  scorer,
		metrics: newServiceMetrics(),
		logger:  log.GetLoggerWithName("server"),
	}
	if b := scorer.Bundle(); b != nil {
		s.metrics.setModel(b.Meta.BestModel, b.Meta.TrainedAt)
	}
	if cfg.MetricsPath != "" {
		if err := s.loadReport(); err != nil {
			s.logger.Warn("metrics report unavailable", err, log.PathKey, cfg.MetricsPath)
		}
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.metrics.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Post("/predict", s.handlePredict)
	r.Post("/reload", s.handleReload)
	r.Method(http.MethodGet, "/prometheus", s.metrics.handler())

	s.router = r
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "http.addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// Reload re-reads the bundle and the metrics report. The bundle in service is
// kept if loading fails.
func (s *Server) Reload() error {
	if err := s.scorer.Reload(); err != nil {
		s.metrics.reloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	s.metrics.reloadsTotal.WithLabelValues("ok").Inc()
	if b := s.scorer.Bundle(); b != nil {
		s.metrics.setModel(b.Meta.BestModel, b.Meta.TrainedAt)
	}
	if s.cfg.MetricsPath != "" {
		if err := s.loadReport(); err != nil {
			s.logger.Warn("metrics report unavailable", err, log.PathKey, s.cfg.MetricsPath)
		}
	}
	return nil
}

func (s *Server) loadReport() error {
	report, err := artifact.LoadMetricsReport(s.cfg.MetricsPath)
	if err != nil {
		return err
	}
	s.report.Store(report)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	report := s.report.Load()
	if report == nil {
		writeDetail(w, http.StatusNotFound, "metrics report not available")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	record, err := inference.DecodeRecord(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.scorer.Score(record)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.predictionsTotal.WithLabelValues(res.Result).Inc()
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.Reload(); err != nil {
		s.writeError(w, r, err)
		return
	}
	b := s.scorer.Bundle()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "reloaded",
		"best_model": b.Meta.BestModel,
		"trained_at": b.Meta.TrainedAt,
	})
}

// writeError maps domain errors to status codes. Validation failures are
// reported as 422 with the offending field.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *errors.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"detail": map[string]interface{}{
				"field":  ve.ParamName,
				"reason": ve.Reason,
			},
		})
	case errors.Is(err, errors.ErrNoBundle):
		writeDetail(w, http.StatusServiceUnavailable, "model bundle not loaded")
	default:
		s.logger.Error("request failed", err,
			"http.path", r.URL.Path,
			"http.request_id", chimiddleware.GetReqID(r.Context()),
		)
		writeDetail(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"http.method", r.Method,
			"http.path", r.URL.Path,
			"http.status", ww.Status(),
			"http.request_id", chimiddleware.GetReqID(r.Context()),
			log.DurationMsKey, time.Since(start).Milliseconds(),
		)
	})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"detail":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
