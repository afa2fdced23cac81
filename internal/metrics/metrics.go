package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"purchase-ledger/internal/domain"
)

// Metrics groups the Prometheus instruments of the service. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	LedgerOps       *prometheus.CounterVec
	LedgerDuration  *prometheus.HistogramVec
	GatewayCalls    *prometheus.CounterVec
	GatewayDuration *prometheus.HistogramVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	OutboxRelayed   *prometheus.CounterVec
	Reconciled      *prometheus.CounterVec
}

func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LedgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by outcome.",
		}, []string{"op", "outcome"}),
		LedgerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Payment gateway calls by outcome.",
		}, []string{"op", "outcome"}),
		GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Payment gateway call latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		OutboxRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_relayed_total",
			Help:      "Outbox events handed to the event stream.",
		}, []string{"topic", "outcome"}),
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_orders_total",
			Help:      "Orders checked against the gateway by the reconciliation worker, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.LedgerOps, m.LedgerDuration,
		m.GatewayCalls, m.GatewayDuration,
		m.HTTPRequests, m.HTTPDuration,
		m.OutboxRelayed, m.Reconciled,
	)
	return m
}

func (m *Metrics) ObserveLedger(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.LedgerOps.WithLabelValues(op, domain.Kind(err)).Inc()
	m.LedgerDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveGateway(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.GatewayCalls.WithLabelValues(op, domain.Kind(err)).Inc()
	m.GatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveHTTP(method, route, status string, start time.Time) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
}

func (m *Metrics) OutboxResult(topic string, err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.OutboxRelayed.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) ReconcileResult(result string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(result).Inc()
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
