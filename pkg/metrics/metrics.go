package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Business metrics
	RewardsAccrued      *prometheus.CounterVec
	RewardsReversed     *prometheus.CounterVec
	DuplicateDeliveries prometheus.Counter
	PayoutTransitions   *prometheus.CounterVec
	CommissionsReleased prometheus.Counter
	ReleaseBatchSize    prometheus.Histogram

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		RewardsAccrued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewards_accrued_total",
				Help: "Rewards granted on successful payments",
			},
			[]string{"kind"}, // user_bonus, partner_commission
		),
		RewardsReversed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewards_reversed_total",
				Help: "Rewards reversed on refunds",
			},
			[]string{"kind"},
		),
		DuplicateDeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webhook_duplicate_deliveries_total",
			Help: "Payment webhook deliveries that were already processed",
		}),
		PayoutTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payout_transitions_total",
				Help: "Payout request state transitions",
			},
			[]string{"status"}, // requested, approved, rejected, paid
		),
		CommissionsReleased: promauto.NewCounter(prometheus.CounterOpts{
			Name: "commissions_released_total",
			Help: "Held commissions moved to available balance by the sweep",
		}),
		ReleaseBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "commission_release_batch_size",
			Help:    "Commissions processed per release sweep run",
			Buckets: []float64{0, 1, 10, 50, 100, 250, 500},
		}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		}),
	}
}

// Middleware creates an Echo middleware for Prometheus metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			path := c.Path() // route pattern, not the actual path

			err := next(c)

			status := strconv.Itoa(c.Response().Status)
			m.HTTPRequestsTotal.WithLabelValues(req.Method, path, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(req.Method, path, status).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// The Record helpers are nil-safe so services can run without metrics in
// tests.

// RecordRewardAccrued increments the accrual counter for a reward kind.
func (m *Metrics) RecordRewardAccrued(kind string) {
	if m == nil {
		return
	}
	m.RewardsAccrued.WithLabelValues(kind).Inc()
}

// RecordRewardReversed increments the reversal counter for a reward kind.
func (m *Metrics) RecordRewardReversed(kind string) {
	if m == nil {
		return
	}
	m.RewardsReversed.WithLabelValues(kind).Inc()
}

// RecordDuplicateDelivery counts an already-processed webhook delivery.
func (m *Metrics) RecordDuplicateDelivery() {
	if m == nil {
		return
	}
	m.DuplicateDeliveries.Inc()
}

// RecordPayoutTransition counts one payout state transition.
func (m *Metrics) RecordPayoutTransition(status string) {
	if m == nil {
		return
	}
	m.PayoutTransitions.WithLabelValues(status).Inc()
}

// RecordCacheHit increments the cache hit counter.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// RecordReleaseRun records the outcome of one hold-release sweep.
func (m *Metrics) RecordReleaseRun(released int) {
	if m == nil {
		return
	}
	m.CommissionsReleased.Add(float64(released))
	m.ReleaseBatchSize.Observe(float64(released))
}
