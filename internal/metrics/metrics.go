package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application collectors. A nil *Metrics records nothing.
type Metrics struct {
	// Request metrics
	RequestDurationHistogram *prometheus.HistogramVec
	APIRequestCounter        *prometheus.CounterVec
	APIErrorCounter          *prometheus.CounterVec

	// Inventory metrics
	TransactionsCreatedCounter *prometheus.CounterVec
	TransactionsDeletedCounter *prometheus.CounterVec
	InsufficientStockCounter   *prometheus.CounterVec
	ReversalSkippedCounter     prometheus.Counter

	// Aggregate metrics
	AggregateRecomputeHistogram *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers every collector under the namespace prefix
func New(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestDurationHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		APIRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "path"},
		),
		APIErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Total number of API errors",
			},
			[]string{"method", "path", "status"},
		),
		TransactionsCreatedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inventory_transactions_created_total",
				Help:      "Total number of inventory transactions committed",
			},
			[]string{"type"},
		),
		TransactionsDeletedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inventory_transactions_reversed_total",
				Help:      "Total number of inventory transactions reversed and deleted",
			},
			[]string{"type"},
		),
		InsufficientStockCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "insufficient_stock_total",
				Help:      "Total number of stock operations rejected for insufficient stock",
			},
			[]string{"type"},
		),
		ReversalSkippedCounter: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reversal_skipped_products_total",
			Help:      "Line items skipped during reversal because the product no longer exists",
		}),
		AggregateRecomputeHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "aggregate_recompute_duration_seconds",
				Help:      "Duration of category aggregate recomputation in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		gatherer: gatherer,
	}
}

// NewDefault registers the collectors with the default prometheus registry
func NewDefault(namespace string) *Metrics {
	return New(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveRequest records one served HTTP request
func (m *Metrics) ObserveRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)

	m.APIRequestCounter.With(prometheus.Labels{"method": method, "path": path}).Inc()
	m.RequestDurationHistogram.With(prometheus.Labels{
		"method": method,
		"path":   path,
		"status": code,
	}).Observe(duration.Seconds())

	if status >= 400 {
		m.APIErrorCounter.With(prometheus.Labels{
			"method": method,
			"path":   path,
			"status": code,
		}).Inc()
	}
}

func (m *Metrics) RecordTransactionCreated(txnType string) {
	if m == nil {
		return
	}
	m.TransactionsCreatedCounter.WithLabelValues(txnType).Inc()
}

func (m *Metrics) RecordTransactionDeleted(txnType string) {
	if m == nil {
		return
	}
	m.TransactionsDeletedCounter.WithLabelValues(txnType).Inc()
}

func (m *Metrics) RecordInsufficientStock(txnType string) {
	if m == nil {
		return
	}
	m.InsufficientStockCounter.WithLabelValues(txnType).Inc()
}

func (m *Metrics) RecordReversalSkipped() {
	if m == nil {
		return
	}
	m.ReversalSkippedCounter.Inc()
}

// TrackRecompute returns a function that records recomputation duration
func (m *Metrics) TrackRecompute(operation string) func(time.Time) {
	return func(start time.Time) {
		if m == nil {
			return
		}
		m.AggregateRecomputeHistogram.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
