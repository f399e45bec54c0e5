package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics counts what the issuance journal accepted, as opposed to
// PegMetrics which counts attempts.
type EventMetrics struct {
	orders       *prometheus.CounterVec
	nativeVolume *prometheus.CounterVec
	tokenVolume  *prometheus.CounterVec
	rateChanges  *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			orders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peg",
				Subsystem: "events",
				Name:      "orders_total",
				Help:      "Committed orders by kind and currency.",
			}, []string{"kind", "currency"}),
			nativeVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peg",
				Subsystem: "events",
				Name:      "native_base_units_total",
				Help:      "Native base units received by buys or paid out by sells.",
			}, []string{"kind", "currency"}),
			tokenVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peg",
				Subsystem: "events",
				Name:      "token_base_units_total",
				Help:      "Pegged token base units minted by buys or burned by sells.",
			}, []string{"kind", "currency"}),
			rateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peg",
				Subsystem: "events",
				Name:      "rate_changes_total",
				Help:      "Committed rate updates by currency and direction.",
			}, []string{"currency", "direction"}),
		}
		prometheus.MustRegister(
			eventRegistry.orders,
			eventRegistry.nativeVolume,
			eventRegistry.tokenVolume,
			eventRegistry.rateChanges,
		)
	})
	return eventRegistry
}

// RecordOrder counts one committed order with its native and token legs.
func (m *EventMetrics) RecordOrder(kind, currency string, native, tokens *big.Int) {
	if m == nil {
		return
	}
	k := labelOr(strings.ToLower(kind), "unknown")
	c := labelAsset(currency)
	m.orders.WithLabelValues(k, c).Inc()
	if v := bigToFloat(native); v > 0 {
		m.nativeVolume.WithLabelValues(k, c).Add(v)
	}
	if v := bigToFloat(tokens); v > 0 {
		m.tokenVolume.WithLabelValues(k, c).Add(v)
	}
}

func (m *EventMetrics) RecordRateChange(currency string, oldRate, newRate int64) {
	if m == nil {
		return
	}
	direction := "flat"
	switch {
	case newRate > oldRate:
		direction = "up"
	case newRate < oldRate:
		direction = "down"
	}
	m.rateChanges.WithLabelValues(labelAsset(currency), direction).Inc()
}
