// Package metrics exposes gateway counters on a private Prometheus registry
// and keeps a short window of recent requests for the JSON summary.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	registry *prometheus.Registry
	window   *Window

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Paid-call pipeline.
	PaymentStatesTotal       *prometheus.CounterVec
	IdempotencyOutcomesTotal *prometheus.CounterVec
	PolicyDenialsTotal       *prometheus.CounterVec
	TaskOutcomesTotal        *prometheus.CounterVec
	TaskDuration             *prometheus.HistogramVec
	PaidCallsTotal           prometheus.Counter
	SpendUSDTotal            prometheus.Counter

	// Receipt sink.
	ReceiptsFlushedTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		window:   NewWindow(DefaultWindowSize),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402gate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "x402gate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		PaymentStatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402gate_payment_states_total",
			Help: "Resolved payment states.",
		}, []string{"state"}),

		IdempotencyOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402gate_idempotency_outcomes_total",
			Help: "Idempotency decisions by outcome (fresh, replay, conflict).",
		}, []string{"outcome"}),

		PolicyDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402gate_policy_denials_total",
			Help: "Requests denied by wallet policy or session cap.",
		}, []string{"reason"}),

		TaskOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402gate_task_outcomes_total",
			Help: "Task executions by outcome.",
		}, []string{"outcome"}),

		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "x402gate_task_duration_seconds",
			Help:    "Task execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		PaidCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "x402gate_paid_calls_total",
			Help: "Total number of paid calls that consumed spend.",
		}),

		SpendUSDTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "x402gate_spend_usd_total",
			Help: "Total USD charged to spend ledgers.",
		}),

		ReceiptsFlushedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402gate_receipts_flushed_total",
			Help: "Receipts handed to the metering store, by result (stored, dropped).",
		}, []string{"result"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "x402gate_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PaymentStatesTotal,
		m.IdempotencyOutcomesTotal,
		m.PolicyDenialsTotal,
		m.TaskOutcomesTotal,
		m.TaskDuration,
		m.PaidCallsTotal,
		m.SpendUSDTotal,
		m.ReceiptsFlushedTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers pool gauges for a storage backend. Each
// backend may be registered once.
func (m *Metrics) RegisterDBPoolCollector(backend string, statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(backend, statFunc))
}

// ObserveHTTP records a completed HTTP request. paid marks requests that
// carried a settled payment.
func (m *Metrics) ObserveHTTP(method, pathPattern string, statusCode int, d time.Duration, paid bool) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(d.Seconds())
	m.window.Add(Sample{Latency: d, StatusCode: statusCode, Paid: paid})
}

// IncPaymentState increments the counter for a resolved payment state.
func (m *Metrics) IncPaymentState(state string) {
	m.PaymentStatesTotal.WithLabelValues(state).Inc()
}

// IncIdempotency increments the idempotency outcome counter.
func (m *Metrics) IncIdempotency(outcome string) {
	m.IdempotencyOutcomesTotal.WithLabelValues(outcome).Inc()
}

// IncPolicyDenial increments the denial counter for the given reason.
func (m *Metrics) IncPolicyDenial(reason string) {
	m.PolicyDenialsTotal.WithLabelValues(reason).Inc()
}

// ObserveTask records a task outcome and its duration.
func (m *Metrics) ObserveTask(outcome string, seconds float64) {
	m.TaskOutcomesTotal.WithLabelValues(outcome).Inc()
	m.TaskDuration.WithLabelValues(outcome).Observe(seconds)
}

// IncPaidCall counts a paid call and the amount charged for it.
func (m *Metrics) IncPaidCall(amountUSD float64) {
	m.PaidCallsTotal.Inc()
	if amountUSD > 0 {
		m.SpendUSDTotal.Add(amountUSD)
	}
}

// ObserveReceiptFlush counts a metering batch as stored or dropped.
func (m *Metrics) ObserveReceiptFlush(count int, err error) {
	result := "stored"
	if err != nil {
		result = "dropped"
	}
	m.ReceiptsFlushedTotal.WithLabelValues(result).Add(float64(count))
}
