package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type notifyMetrics struct {
	deliveries  *prometheus.CounterVec
	subscribers prometheus.Gauge
}

var (
	notifyMetricsOnce sync.Once
	notifyRegistry    *notifyMetrics
)

// Notifications returns the registry tracking wallet notifications and bus deliveries.
func Notifications() *notifyMetrics {
	notifyMetricsOnce.Do(func() {
		notifyRegistry = &notifyMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coop",
				Subsystem: "notify",
				Name:      "deliveries_total",
				Help:      "Notification deliveries segmented by channel and outcome.",
			}, []string{"channel", "outcome"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "coop",
				Subsystem: "notify",
				Name:      "wallet_subscribers",
				Help:      "Open wallet notification streams.",
			}),
		}
		prometheus.MustRegister(notifyRegistry.deliveries, notifyRegistry.subscribers)
	})
	return notifyRegistry
}

// RecordDelivery counts a delivery attempt outcome.
func (m *notifyMetrics) RecordDelivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(normaliseLabel(channel), normaliseLabel(outcome)).Inc()
}

// AddSubscribers adjusts the open stream gauge.
func (m *notifyMetrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}
