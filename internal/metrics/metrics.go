package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "walletledger"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	discrepancies     prometheus.Gauge
	reconcileRuns     *prometheus.CounterVec
	sweptWithdrawals  prometheus.Counter
	stalePending      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Wallet operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wallet operation latency, including transaction retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		discrepancies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_discrepancies",
			Help:      "Wallets whose stored balance differs from the ledger at the last reconciliation.",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by result.",
		}, []string{"result"}),
		sweptWithdrawals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_withdrawals_total",
			Help:      "Pending withdrawals failed by the settlement sweeper.",
		}),
		stalePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_pending_withdrawals",
			Help:      "Withdrawals still PENDING past the settlement timeout at the last sweep.",
		}),
	}
	m.registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.discrepancies,
		m.reconcileRuns,
		m.sweptWithdrawals,
		m.stalePending,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) SetDiscrepancies(n int) {
	m.discrepancies.Set(float64(n))
}

func (m *Metrics) ObserveReconcile(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) AddSwept(n int) {
	m.sweptWithdrawals.Add(float64(n))
}

func (m *Metrics) SetStalePending(n int) {
	m.stalePending.Set(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
