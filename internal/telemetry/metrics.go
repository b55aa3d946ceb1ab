package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the node exports.
type Metrics struct {
	EntriesAdmitted   *prometheus.CounterVec
	BatchesRejected   *prometheus.CounterVec
	BusPublishSeconds *prometheus.HistogramVec
	BusPublishErrors  prometheus.Counter
	QuerySeconds      *prometheus.HistogramVec
	WSSessions        *prometheus.GaugeVec
	WSFramesDropped   prometheus.Counter
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		EntriesAdmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pragma_entries_admitted_total",
			Help: "Entries admitted per publisher and schema.",
		}, []string{"publisher", "schema"}),
		BatchesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pragma_batches_rejected_total",
			Help: "Rejected batches per error kind.",
		}, []string{"kind"}),
		BusPublishSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pragma_bus_publish_seconds",
			Help:    "Bus publish latency per topic.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"topic"}),
		BusPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "pragma_bus_publish_errors_total",
			Help: "Bus publishes that exhausted retries.",
		}),
		QuerySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pragma_query_seconds",
			Help:    "Query latency per route.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"route"}),
		WSSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pragma_ws_sessions",
			Help: "Live WebSocket sessions per channel.",
		}, []string{"channel"}),
		WSFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pragma_ws_frames_dropped_total",
			Help: "Snapshots dropped by the bounded send window.",
		}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pragma_cache_hits_total",
			Help: "Cache hits per cache.",
		}, []string{"cache"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pragma_cache_misses_total",
			Help: "Cache misses per cache.",
		}, []string{"cache"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pragma_rate_limited_total",
			Help: "Requests denied by the rate limiter per route class.",
		}, []string{"class"}),
		registry: reg,
	}
}

// Serve exposes /metrics until the context is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
