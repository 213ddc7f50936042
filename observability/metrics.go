package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics

	relayerMetricsOnce sync.Once
	relayerRegistry    *RelayerMetrics
)

// RPCMetrics returns the lazily-initialised registry used to record JSON-RPC
// handler activity.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payfwd",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payfwd",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "payfwd",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payfwd",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of a JSON-RPC call. A zero code marks success;
// anything else feeds the error counter labelled with the JSON-RPC error code.
func (m *rpcMetrics) Observe(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if method = strings.TrimSpace(method); method == "" {
		method = "unknown"
	}
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", code)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied reason.
// Reasons should be stable strings such as "rate_limit" so dashboards and
// alerts remain consistent.
func (m *rpcMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// GatewayMetrics captures collectors for the forwarding engine itself:
// transfer volume, fee flow, and the pause guard.
type GatewayMetrics struct {
	transfers    *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	feeVolume    *prometheus.CounterVec
	pauseEngaged prometheus.Gauge
}

// Gateway returns the singleton metrics registry for the forwarding engine.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payfwd",
				Subsystem: "gateway",
				Name:      "transfers_total",
				Help:      "Count of engine calls segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "payfwd",
				Subsystem: "gateway",
				Name:      "transfer_duration_seconds",
				Help:      "Latency distribution for engine calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payfwd",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Count of engine failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			feeVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payfwd",
				Subsystem: "gateway",
				Name:      "fee_volume_wei",
				Help:      "Cumulative fee volume in wei segmented by scope.",
			}, []string{"scope"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "payfwd",
				Subsystem: "gateway",
				Name:      "pause_engaged",
				Help:      "Indicates whether the gateway pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.transfers,
			gatewayRegistry.latency,
			gatewayRegistry.errors,
			gatewayRegistry.feeVolume,
			gatewayRegistry.pauseEngaged,
		)
	})
	return gatewayRegistry
}

// ObserveTransfer records an engine call. An empty reason marks success; a
// non-empty reason marks failure and should be a stable sentinel name rather
// than a formatted error message.
func (m *GatewayMetrics) ObserveTransfer(operation string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	if operation = strings.TrimSpace(operation); operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if reason = strings.TrimSpace(reason); reason != "" {
		outcome = "error"
		m.errors.WithLabelValues(operation, reason).Inc()
	}
	m.transfers.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordFee adds a collected fee amount to the per-scope volume counter.
func (m *GatewayMetrics) RecordFee(scope string, wei *big.Int) {
	if m == nil {
		return
	}
	if scope = strings.TrimSpace(scope); scope == "" {
		scope = "unknown"
	}
	value := bigToFloat(wei)
	if value <= 0 {
		return
	}
	m.feeVolume.WithLabelValues(scope).Add(value)
}

// SetPause toggles the pause_engaged gauge.
func (m *GatewayMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// RelayerMetrics wraps collectors tracking completion relay health.
type RelayerMetrics struct {
	completions *prometheus.CounterVec
	retries     prometheus.Counter
	cursor      prometheus.Gauge
}

// Relayer exposes the metrics registry for relayerd.
func Relayer() *RelayerMetrics {
	relayerMetricsOnce.Do(func() {
		relayerRegistry = &RelayerMetrics{
			completions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payfwd",
				Subsystem: "relayer",
				Name:      "completions_total",
				Help:      "Count of completion submissions segmented by outcome.",
			}, []string{"outcome"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payfwd",
				Subsystem: "relayer",
				Name:      "retries_total",
				Help:      "Count of completion submissions that were retried.",
			}),
			cursor: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "payfwd",
				Subsystem: "relayer",
				Name:      "event_cursor",
				Help:      "Sequence number of the last event the relayer has processed.",
			}),
		}
		prometheus.MustRegister(
			relayerRegistry.completions,
			relayerRegistry.retries,
			relayerRegistry.cursor,
		)
	})
	return relayerRegistry
}

// ObserveCompletion records the outcome of a relayed completion.
func (m *RelayerMetrics) ObserveCompletion(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.completions.WithLabelValues(outcome).Inc()
}

// RecordRetry increments the retry counter.
func (m *RelayerMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// SetCursor updates the event cursor gauge.
func (m *RelayerMetrics) SetCursor(sequence uint64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(sequence))
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
