package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pegMetricsOnce sync.Once
	pegRegistry    *PegMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// PegMetrics captures issuance engine activity and reserve health.
type PegMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	native    prometheus.Gauge
	dividends prometheus.Gauge
	buffer    *prometheus.GaugeVec
	supply    *prometheus.GaugeVec
	rate      *prometheus.GaugeVec
	ratio     prometheus.Gauge
}

// Peg returns the singleton metrics registry for the issuance engine.
func Peg() *PegMetrics {
	pegMetricsOnce.Do(func() {
		pegRegistry = &PegMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peg",
				Subsystem: "engine",
				Name:      "requests_total",
				Help:      "Count of issuance operations segmented by operation, currency and outcome.",
			}, []string{"operation", "currency", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "peg",
				Subsystem: "engine",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for issuance operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peg",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Count of rejected issuance operations segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			native: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "peg",
				Subsystem: "reserve",
				Name:      "native_balance",
				Help:      "Native balance held by the reserve, in native units.",
			}),
			dividends: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "peg",
				Subsystem: "reserve",
				Name:      "dividends",
				Help:      "Accumulated dividend pool, in native units.",
			}),
			buffer: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "peg",
				Subsystem: "reserve",
				Name:      "buffer",
				Help:      "Buffer share per pegged currency, in native units.",
			}, []string{"currency"}),
			supply: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "peg",
				Subsystem: "ledger",
				Name:      "total_supply",
				Help:      "Outstanding pegged token supply in token base units.",
			}, []string{"currency"}),
			rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "peg",
				Subsystem: "oracle",
				Name:      "rate",
				Help:      "Live conversion rate in token base units per native unit.",
			}, []string{"currency"}),
			ratio: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "peg",
				Subsystem: "reserve",
				Name:      "collateral_ratio_bps",
				Help:      "Native balance over required backing, in basis points.",
			}),
		}
		prometheus.MustRegister(
			pegRegistry.requests,
			pegRegistry.latency,
			pegRegistry.errors,
			pegRegistry.native,
			pegRegistry.dividends,
			pegRegistry.buffer,
			pegRegistry.supply,
			pegRegistry.rate,
			pegRegistry.ratio,
		)
	})
	return pegRegistry
}

// Observe records one engine operation. An empty reason marks success.
func (m *PegMetrics) Observe(operation, currency string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	op := labelOr(operation, "unknown")
	cur := labelAsset(currency)
	outcome := "success"
	if reason = strings.TrimSpace(reason); reason != "" {
		outcome = "error"
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.requests.WithLabelValues(op, cur, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordReserve publishes reserve pools scaled down by unit.
func (m *PegMetrics) RecordReserve(native, dividends, unit *big.Int, buffers map[string]*big.Int) {
	if m == nil {
		return
	}
	m.native.Set(scaledFloat(native, unit))
	m.dividends.Set(scaledFloat(dividends, unit))
	for currency, share := range buffers {
		m.buffer.WithLabelValues(labelAsset(currency)).Set(scaledFloat(share, unit))
	}
}

// RecordSupply publishes the token supply for currency.
func (m *PegMetrics) RecordSupply(currency string, supply *big.Int) {
	if m == nil {
		return
	}
	m.supply.WithLabelValues(labelAsset(currency)).Set(bigToFloat(supply))
}

// RecordRate publishes the live rate for currency.
func (m *PegMetrics) RecordRate(currency string, rate int64) {
	if m == nil {
		return
	}
	m.rate.WithLabelValues(labelAsset(currency)).Set(float64(rate))
}

// RecordCollateralRatio publishes the collateral ratio in basis points.
func (m *PegMetrics) RecordCollateralRatio(bps uint64) {
	if m == nil {
		return
	}
	m.ratio.Set(float64(bps))
}

// HTTPMetrics tracks API handler outcomes.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// HTTP returns the singleton registry for the pegd HTTP surface.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peg",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "peg",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peg",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records a handled request. status is the HTTP status ultimately written.
func (m *HTTPMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOr(route, "unknown")
	if status == 0 {
		status = 200
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *HTTPMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(route, "unknown"), labelOr(reason, "unspecified")).Inc()
}

func labelOr(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func labelAsset(asset string) string {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}

func scaledFloat(value, unit *big.Int) float64 {
	if value == nil {
		return 0
	}
	if unit == nil || unit.Sign() <= 0 {
		return bigToFloat(value)
	}
	f, _ := new(big.Rat).SetFrac(value, unit).Float64()
	return f
}
