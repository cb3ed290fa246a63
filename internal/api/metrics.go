package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "detectord_http_request_duration_seconds",
	Help:    "Query API request duration in seconds",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "path", "status"})

// UsersTracked, ViolatorsGauge, and BanlistGauge are set by the classifier
// tick and CLI wiring via their Set calls; declared here alongside the
// HTTP metrics so /metrics carries the whole detection surface.
var (
	UsersTracked   = promauto.NewGauge(prometheus.GaugeOpts{Name: "detectord_users_tracked", Help: "Number of users with tracked state"})
	ViolatorsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "detectord_violators", Help: "Number of users currently in violator or banlisted stage"})
	BanlistGauge   = promauto.NewGauge(prometheus.GaugeOpts{Name: "detectord_banlist_size", Help: "Number of users currently banlisted"})
	RejectsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "detectord_rejects_total", Help: "Parse rejections by reason"}, []string{"reason"})

	LinesIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "detectord_lines_ingested_total", Help: "Total access-log lines successfully parsed and recorded"})

	RosterFetchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "detectord_roster_fetch_failures_total", Help: "Total panel roster fetch attempts that failed"})

	PersistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "detectord_persist_failures_total", Help: "Total banlist persist operations that failed after exhausting retries"})

	ClassifierTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "detectord_classifier_tick_duration_seconds", Help: "Classifier tick wall-clock duration in seconds", Buckets: prometheus.DefBuckets})
)

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		httpRequestDuration.WithLabelValues(
			r.Method,
			pattern,
			strconv.Itoa(wrapped.Status()),
		).Observe(time.Since(start).Seconds())
	})
}
