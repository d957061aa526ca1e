package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the Prometheus collectors this runtime exposes
// for scraping: forward latency, pool occupancy, bulk throughput, and
// finalize state.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	forwardsTotal    *prometheus.CounterVec
	forwardDuration  *prometheus.HistogramVec
	bulkBytesTotal   *prometheus.CounterVec
	bulkTransfersErr prometheus.Counter

	poolRunnable *prometheus.GaugeVec
	poolTotal    *prometheus.GaugeVec

	timersActive prometheus.Gauge

	finalizeState prometheus.Gauge

	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec

	rateLimiterRejectedTotal *prometheus.CounterVec
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus registers this runtime's collectors under namespace,
// using buckets (milliseconds) for the forward-duration histogram, or
// defaultBuckets if nil/empty.
func InitPrometheus(namespace string, buckets []float64) *PrometheusMetrics {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		forwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "forwards_total", Help: "Total forward operations by status",
		}, []string{"status"}),

		forwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "forward_duration_ms", Help: "Forward round-trip latency", Buckets: buckets,
		}, []string{"rpc"}),

		bulkBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bulk_bytes_total", Help: "Bytes moved by bulk transfer",
		}, []string{"direction"}),

		bulkTransfersErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bulk_transfers_failed_total", Help: "Failed bulk transfers",
		}),

		poolRunnable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_runnable_units", Help: "Runnable units per pool",
		}, []string{"pool"}),

		poolTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_total_units", Help: "Runnable plus in-flight units per pool",
		}, []string{"pool"}),

		timersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "timers_active", Help: "Currently scheduled timers",
		}),

		finalizeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "finalize_state", Help: "0=active 1=finalizing 2=draining 3=cleanup 4=freed",
		}),

		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state", Help: "0=closed 1=open 2=half-open",
		}, []string{"peer", "rpc"}),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "circuit_breaker_trips_total", Help: "Times a breaker opened",
		}, []string{"peer", "rpc"}),

		rateLimiterRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limiter_rejected_total", Help: "Bulk transfers rejected by the admission limiter",
		}, []string{"peer"}),
	}

	registry.MustRegister(
		pm.forwardsTotal, pm.forwardDuration, pm.bulkBytesTotal, pm.bulkTransfersErr,
		pm.poolRunnable, pm.poolTotal, pm.timersActive, pm.finalizeState,
		pm.circuitBreakerState, pm.circuitBreakerTripsTotal, pm.rateLimiterRejectedTotal,
	)
	promMetrics = pm
	return pm
}

// Handler returns the Prometheus scrape endpoint handler for pm's registry.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

func (pm *PrometheusMetrics) ObserveForward(status string, rpcName string, d time.Duration) {
	pm.forwardsTotal.WithLabelValues(status).Inc()
	pm.forwardDuration.WithLabelValues(rpcName).Observe(float64(d.Milliseconds()))
}

func (pm *PrometheusMetrics) ObserveBulkBytes(direction string, n int) {
	pm.bulkBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (pm *PrometheusMetrics) ObserveBulkFailure() { pm.bulkTransfersErr.Inc() }

func (pm *PrometheusMetrics) SetPoolSizes(name string, runnable, total int) {
	pm.poolRunnable.WithLabelValues(name).Set(float64(runnable))
	pm.poolTotal.WithLabelValues(name).Set(float64(total))
}

func (pm *PrometheusMetrics) SetTimersActive(n int) { pm.timersActive.Set(float64(n)) }

func (pm *PrometheusMetrics) SetFinalizeState(state int) { pm.finalizeState.Set(float64(state)) }

func (pm *PrometheusMetrics) SetCircuitBreakerState(peer, rpc string, state int) {
	pm.circuitBreakerState.WithLabelValues(peer, rpc).Set(float64(state))
}

func (pm *PrometheusMetrics) ObserveCircuitBreakerTrip(peer, rpc string) {
	pm.circuitBreakerTripsTotal.WithLabelValues(peer, rpc).Inc()
}

func (pm *PrometheusMetrics) ObserveRateLimiterRejection(peer string) {
	pm.rateLimiterRejectedTotal.WithLabelValues(peer).Inc()
}

// Global returns the singleton installed by the last InitPrometheus call,
// or nil if InitPrometheus has not been called.
func Global() *PrometheusMetrics { return promMetrics }
