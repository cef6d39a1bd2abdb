// Package metrics holds the Prometheus collectors for the points ledger.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without observability in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mypts"

type Metrics struct {
	supply              *prometheus.GaugeVec
	minted              prometheus.Counter
	transactions        *prometheus.CounterVec
	conflicts           *prometheus.CounterVec
	consistency         *prometheus.CounterVec
	rewards             *prometheus.CounterVec
	webhooks            *prometheus.CounterVec
	sweepRows           *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDurationSeconds *prometheus.HistogramVec
}

// New registers every collector with reg. Pass prometheus.NewRegistry()
// in tests to keep runs isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		supply: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supply",
			Name:      "points",
			Help:      "Current supply figures by pool.",
		}, []string{"pool"}),
		minted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supply",
			Name:      "shortfall_minted_points_total",
			Help:      "Points issued automatically to cover credits holding could not.",
		}),
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Transaction lifecycle events by type and outcome.",
		}, []string{"type", "outcome"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "cas_conflicts_total",
			Help:      "Compare-and-swap attempts lost to a concurrent writer.",
		}, []string{"entity"}),
		consistency: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "consistency_violations_total",
			Help:      "Supply invariant violations. Any increase needs an operator.",
		}, []string{"op"}),
		rewards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "evaluations_total",
			Help:      "Activity reward decisions by activity and outcome.",
		}, []string{"activity", "outcome"}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "webhook_events_total",
			Help:      "Payment provider events by type and outcome.",
		}, []string{"event_type", "outcome"}),
		sweepRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "rows_total",
			Help:      "Rows handled by the reconciliation sweep.",
		}, []string{"result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		httpDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

func (m *Metrics) ObserveSupply(total, circulating, holding, reserve int64) {
	if m == nil {
		return
	}
	m.supply.WithLabelValues("total").Set(float64(total))
	m.supply.WithLabelValues("circulating").Set(float64(circulating))
	m.supply.WithLabelValues("holding").Set(float64(holding))
	m.supply.WithLabelValues("reserve").Set(float64(reserve))
}

func (m *Metrics) Minted(points int64) {
	if m == nil || points <= 0 {
		return
	}
	m.minted.Add(float64(points))
}

func (m *Metrics) TransactionOutcome(txType, outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(txType, outcome).Inc()
}

func (m *Metrics) Conflict(entity string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(entity).Inc()
}

func (m *Metrics) ConsistencyViolation(op string) {
	if m == nil {
		return
	}
	m.consistency.WithLabelValues(op).Inc()
}

func (m *Metrics) Reward(activity, outcome string) {
	if m == nil {
		return
	}
	m.rewards.WithLabelValues(activity, outcome).Inc()
}

func (m *Metrics) Webhook(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) Sweep(applied, expired, failed int) {
	if m == nil {
		return
	}
	m.sweepRows.WithLabelValues("applied").Add(float64(applied))
	m.sweepRows.WithLabelValues("expired").Add(float64(expired))
	m.sweepRows.WithLabelValues("error").Add(float64(failed))
}

func (m *Metrics) HTTPRequest(route, method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpDurationSeconds.WithLabelValues(route, method).Observe(seconds)
}
