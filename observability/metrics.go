package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	throttle *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	ledgerdMetricsOnce sync.Once
	ledgerdRegistry    *LedgerdMetrics
)

// HTTP returns the lazily-initialised registry recording API activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coop",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "coop",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coop",
				Subsystem: "http",
				Name:      "throttled_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency, httpRegistry.throttle)
	})
	return httpRegistry
}

// Observe records a served request.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = normaliseLabel(route)
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle counts a rate-limited request.
func (m *httpMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttle.WithLabelValues(normaliseLabel(route)).Inc()
}

// LedgerdMetrics exposes the transaction-lifecycle collectors.
type LedgerdMetrics struct {
	jobs          *prometheus.CounterVec
	confirmations *prometheus.HistogramVec
	ingested      *prometheus.CounterVec
	supervisor    *prometheus.CounterVec
	scanner       *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

// Ledgerd returns the metrics registry for ledgerd.
func Ledgerd() *LedgerdMetrics {
	ledgerdMetricsOnce.Do(func() {
		ledgerdRegistry = &LedgerdMetrics{
			jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coop",
				Subsystem: "ledgerd",
				Name:      "jobs_total",
				Help:      "Queue jobs handled segmented by queue and disposition.",
			}, []string{"queue", "disposition"}),
			confirmations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "coop",
				Subsystem: "ledgerd",
				Name:      "confirmation_seconds",
				Help:      "Time spent waiting for operations to become final.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			}, []string{"outcome"}),
			ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coop",
				Subsystem: "ledgerd",
				Name:      "records_ingested_total",
				Help:      "Ledger records written segmented by type and whether the row already existed.",
			}, []string{"type", "op"}),
			supervisor: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coop",
				Subsystem: "ledgerd",
				Name:      "supervisor_actions_total",
				Help:      "Chained actions triggered by mined records segmented by type and result.",
			}, []string{"type", "result"}),
			scanner: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coop",
				Subsystem: "ledgerd",
				Name:      "scanner_records_total",
				Help:      "Records re-driven by the consistency scanner segmented by pass and result.",
			}, []string{"pass", "result"}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "coop",
				Subsystem: "ledgerd",
				Name:      "queue_jobs",
				Help:      "Jobs per queue and status at the last stats refresh.",
			}, []string{"queue", "status"}),
		}
		prometheus.MustRegister(
			ledgerdRegistry.jobs,
			ledgerdRegistry.confirmations,
			ledgerdRegistry.ingested,
			ledgerdRegistry.supervisor,
			ledgerdRegistry.scanner,
			ledgerdRegistry.queueDepth,
		)
	})
	return ledgerdRegistry
}

// RecordJob counts a handled job.
func (m *LedgerdMetrics) RecordJob(queue, disposition string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(normaliseLabel(queue), disposition).Inc()
}

// ObserveConfirmation records how long a confirmation wait took.
func (m *LedgerdMetrics) ObserveConfirmation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordIngested counts a written ledger record.
func (m *LedgerdMetrics) RecordIngested(recordType string, existed bool) {
	if m == nil {
		return
	}
	op := "insert"
	if existed {
		op = "update"
	}
	m.ingested.WithLabelValues(normaliseLabel(recordType), op).Inc()
}

// RecordSupervisor counts a chained action.
func (m *LedgerdMetrics) RecordSupervisor(recordType, result string) {
	if m == nil {
		return
	}
	m.supervisor.WithLabelValues(normaliseLabel(recordType), result).Inc()
}

// RecordScan counts a record handled by the scanner.
func (m *LedgerdMetrics) RecordScan(pass, result string) {
	if m == nil {
		return
	}
	m.scanner.WithLabelValues(pass, result).Inc()
}

// SetQueueDepth sets the number of jobs in a queue with the given status.
func (m *LedgerdMetrics) SetQueueDepth(queue, status string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normaliseLabel(queue), status).Set(float64(n))
}

func normaliseLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
