// Package metrics exposes Prometheus gauges and counters for the Arena,
// Scheduler, Worker, and Eviction Manager. Registration happens eagerly in
// init() so exposing /metrics is harmless even when nothing ever updates
// these series.
//
// Grounded on etalazz-vsa's internal/ratelimiter/telemetry/churn package:
// global-only series (no unbounded label cardinality), prometheus.MustRegister
// in init(), and a small dedicated HTTP server for /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BlocksFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mlxr_arena_blocks_free",
		Help: "Device KV blocks currently on the free list",
	})
	BlocksAllocated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mlxr_arena_blocks_allocated",
		Help: "Device KV blocks currently allocated to a sequence",
	})
	HostMigrations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mlxr_arena_host_migrations_total",
		Help: "Total device-to-host block migrations",
	})

	QueueWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mlxr_scheduler_queue_waiting",
		Help: "Requests currently in the waiting queue",
	})
	QueuePrefilling = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mlxr_scheduler_queue_prefilling",
		Help: "Requests currently prefilling",
	})
	QueueDecoding = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mlxr_scheduler_queue_decoding",
		Help: "Requests currently decoding",
	})
	QueuePaused = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mlxr_scheduler_queue_paused",
		Help: "Requests currently paused by preemption",
	})
	PreemptionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mlxr_scheduler_preemptions_total",
		Help: "Total requests preempted to free KV capacity",
	})

	TokensGeneratedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mlxr_worker_tokens_generated_total",
		Help: "Total tokens sampled across all requests",
	})
	StepLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mlxr_worker_step_latency_seconds",
		Help:    "Wall-clock time to execute one Worker.Step call",
		Buckets: prometheus.DefBuckets,
	})

	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mlxr_eviction_evictions_total",
		Help: "Total KV blocks evicted under memory pressure",
	})
	EvictionRestoresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mlxr_eviction_restores_total",
		Help: "Total blocks restored from disk persistence",
	})
)

func init() {
	prometheus.MustRegister(
		BlocksFree, BlocksAllocated, HostMigrations,
		QueueWaiting, QueuePrefilling, QueueDecoding, QueuePaused, PreemptionsTotal,
		TokensGeneratedTotal, StepLatencySeconds,
		EvictionsTotal, EvictionRestoresTotal,
	)
}

// Serve starts a dedicated HTTP server exposing /metrics on addr. Intended
// for the reference CLI's --metrics-addr flag; production deployments that
// already run an HTTP mux should register promhttp.Handler() themselves
// instead of calling this.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
