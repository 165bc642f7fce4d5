package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serviceMetrics holds the Prometheus collectors of one Server. Each Server
// owns its registry so several can coexist in one process.
type serviceMetrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	predictionsTotal *prometheus.CounterVec
	reloadsTotal     *prometheus.CounterVec
	modelInfo        *prometheus.GaugeVec
}

func newServiceMetrics() *serviceMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &serviceMetrics{
		registry: reg,

		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glucoscreen_http_requests_total",
				Help: "Total number of HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "glucoscreen_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
			[]string{"route"},
		),
		predictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glucoscreen_predictions_total",
				Help: "Total number of scored records by result",
			},
			[]string{"result"},
		),
		reloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glucoscreen_bundle_reloads_total",
				Help: "Total number of bundle reload attempts by outcome",
			},
			[]string{"outcome"},
		),
		modelInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "glucoscreen_model_info",
				Help: "Set to 1 for the bundle currently in service",
			},
			[]string{"best_model", "trained_at"},
		),
	}
}

// setModel points the model_info gauge at the bundle in service
func (m *serviceMetrics) setModel(bestModel, trainedAt string) {
	m.modelInfo.Reset()
	m.modelInfo.WithLabelValues(bestModel, trainedAt).Set(1)
}

func (m *serviceMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// instrument records count and latency per route pattern
func (m *serviceMetrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
