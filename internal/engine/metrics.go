package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/xela07ax/spaceai-gateway/internal/budget"
)

type Metrics struct {
	reg prometheus.Registerer

	// Latency: сколько заняла обработка задачи целиком, по исходу
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во задач
	TotalRequests *prometheus.CounterVec

	// Backends: вызовы и задержка по каждому бэкенду
	BackendCalls   *prometheus.CounterVec
	BackendLatency *prometheus.HistogramVec

	// Saturation: состояние Circuit Breaker (0 закрыт, 1 half-open, 2 выбило)
	CircuitBreakerState *prometheus.GaugeVec

	CacheLookups *prometheus.CounterVec

	// Audit: потерянные записи и заполненность буфера (backpressure)
	TraceWriteFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern: если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Histogram of task pipeline latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),

		TotalRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of submitted tasks.",
		}, []string{"status", "outcome"}),

		BackendCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_backend_calls_total",
			Help: "Backend executor calls by result.",
		}, []string{"backend_id", "result"}), // типы: ok, error, timeout, breaker_open

		BackendLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_backend_latency_seconds",
			Help:    "Backend executor call latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"backend_id"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Current state of the backend circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"backend_id"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_lookups_total",
			Help: "Response cache lookups by result.",
		}, []string{"result"}),

		TraceWriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_trace_write_failures_total",
			Help: "Decision trace writes that failed, by path.",
		}, []string{"path"}),
	}
}

func (m *Metrics) BackendCall(backendID, result string, latency time.Duration) {
	m.BackendCalls.WithLabelValues(backendID, result).Inc()
	m.BackendLatency.WithLabelValues(backendID).Observe(latency.Seconds())
}

func (m *Metrics) BreakerState(backendID string, state gobreaker.State) {
	m.CircuitBreakerState.WithLabelValues(backendID).Set(float64(state))
}

func (m *Metrics) TraceWriteFailed(path string) {
	m.TraceWriteFailures.WithLabelValues(path).Inc()
}

// WatchAuditQueue отдает глубину асинхронной очереди трасс.
func (m *Metrics) WatchAuditQueue(depth func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_audit_buffer_utilization",
		Help: "Current number of traces waiting in the async writer.",
	}, func() float64 { return float64(depth()) })
}

// WatchBudget отдает окна бюджета, читая ledger в момент скрейпа.
func (m *Metrics) WatchBudget(snapshot func() []budget.Window) {
	m.reg.MustRegister(&budgetCollector{snapshot: snapshot})
}

var (
	budgetSpentDesc = prometheus.NewDesc("gateway_budget_spent",
		"Committed spend in the current window.", []string{"backend_id"}, nil)
	budgetHeldDesc = prometheus.NewDesc("gateway_budget_held",
		"Outstanding reservations in the current window.", []string{"backend_id"}, nil)
	budgetCapDesc = prometheus.NewDesc("gateway_budget_cap",
		"Window cap, 0 when uncapped.", []string{"backend_id"}, nil)
	budgetShutoffDesc = prometheus.NewDesc("gateway_budget_shutoff",
		"1 while the window is shut off.", []string{"backend_id"}, nil)
)

type budgetCollector struct {
	snapshot func() []budget.Window
}

func (c *budgetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- budgetSpentDesc
	ch <- budgetHeldDesc
	ch <- budgetCapDesc
	ch <- budgetShutoffDesc
}

func (c *budgetCollector) Collect(ch chan<- prometheus.Metric) {
	for _, w := range c.snapshot() {
		shutoff := 0.0
		if w.Shutoff {
			shutoff = 1
		}
		ch <- prometheus.MustNewConstMetric(budgetSpentDesc, prometheus.GaugeValue, w.Spent, w.BackendID)
		ch <- prometheus.MustNewConstMetric(budgetHeldDesc, prometheus.GaugeValue, w.Held, w.BackendID)
		ch <- prometheus.MustNewConstMetric(budgetCapDesc, prometheus.GaugeValue, w.Cap, w.BackendID)
		ch <- prometheus.MustNewConstMetric(budgetShutoffDesc, prometheus.GaugeValue, shutoff, w.BackendID)
	}
}
