// Package metrics exposes Prometheus metrics for the ledger and the HTTP
// API
package metrics

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gitlab.com/arcanecrypto/earnings/ledger"
	"gitlab.com/arcanecrypto/earnings/models/entries"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
)

const namespace = "earnings"

// Metrics holds the collectors of a single registry
type Metrics struct {
	Registry *prometheus.Registry

	entriesAppended *prometheus.CounterVec
	entryAmounts    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	failures        *prometheus.CounterVec

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ ledger.Observer = &Metrics{}

// New creates the collectors, and registers them in a new registry
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		entriesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Total number of ledger entries appended.",
		}, []string{"kind"}),
		entryAmounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entry_amount_total",
			Help:      "Sum of the absolute amounts of appended ledger entries, in minor units.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "withdrawals",
			Name:      "transitions_total",
			Help:      "Total number of withdrawal status transitions.",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "failed_operations_total",
			Help:      "Total number of ledger operations that failed, by reason.",
		}, []string{"operation", "reason"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "path"}),
	}

	m.Registry.MustRegister(
		m.entriesAppended,
		m.entryAmounts,
		m.transitions,
		m.failures,
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// EntryAppended implements ledger.Observer
func (m *Metrics) EntryAppended(kind entries.Kind, amount int64) {
	if amount < 0 {
		amount = -amount
	}
	m.entriesAppended.WithLabelValues(string(kind)).Inc()
	m.entryAmounts.WithLabelValues(string(kind)).Add(float64(amount))
}

// WithdrawalTransitioned implements ledger.Observer
func (m *Metrics) WithdrawalTransitioned(from *withdrawals.Status, to withdrawals.Status) {
	fromLabel := "NONE"
	if from != nil {
		fromLabel = string(*from)
	}
	m.transitions.WithLabelValues(fromLabel, string(to)).Inc()
}

// OperationFailed implements ledger.Observer
func (m *Metrics) OperationFailed(operation string, err error) {
	m.failures.WithLabelValues(operation, Reason(err)).Inc()
}

// Reason maps an error to a low cardinality label
func Reason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrDuplicateEvent):
		return "duplicate_event"
	case errors.Is(err, ledger.ErrInvalidEntry):
		return "invalid_entry"
	case errors.Is(err, ledger.ErrCreatorNotFound):
		return "creator_not_found"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrRequestAlreadyPending):
		return "request_already_pending"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ledger.ErrWithdrawalNotFound):
		return "withdrawal_not_found"
	case errors.Is(err, ledger.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ledger.ErrPersistenceFailure):
		return "persistence_failure"
	default:
		return "unknown"
	}
}

// Handler returns an HTTP handler exposing the registered metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request counts and durations
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		c.Next()

		path := CanonicalPath(c.Request.URL.Path)
		method := strings.ToUpper(c.Request.Method)
		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

var idSegment = regexp.MustCompile(`^([0-9]+|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)

// CanonicalPath replaces numeric and UUID path segments with :id, to keep
// the path label bounded
func CanonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		if idSegment.MatchString(part) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
