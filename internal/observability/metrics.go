package observability

import (
	"time"

	"ordersaga/internal/breaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ordersaga"

// Metrics holds the process collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	rpcRequests    *prometheus.CounterVec
	rpcLatency     *prometheus.HistogramVec
	rpcInFlight    *prometheus.GaugeVec
	rateLimitWaits prometheus.Counter
	rateLimitWait  prometheus.Counter

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	orderTransitions     *prometheus.CounterVec
	compensationAttempts *prometheus.CounterVec
	deadLetters          *prometheus.CounterVec
	recoveredOrders      *prometheus.CounterVec
}

// CallSpan tracks one in-flight RPC.
type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "requests_total",
			Help: "RPCs handled, by method and result.",
		}, []string{"method", "result"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "duration_seconds",
			Help:    "RPC latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		rpcInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "in_flight",
			Help: "RPCs currently being served.",
		}, []string{"method"}),
		rateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "rate_limit_waits_total",
			Help: "Requests that waited for an ingress token.",
		}),
		rateLimitWait: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "rate_limit_wait_seconds_total",
			Help: "Time spent waiting for ingress tokens.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "state",
			Help: "Breaker mode per dependency (0 closed, 1 open, 2 half-open).",
		}, []string{"dependency"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "transitions_total",
			Help: "Breaker mode changes.",
		}, []string{"dependency", "from", "to"}),
		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "transitions_total",
			Help: "Persisted order status transitions.",
		}, []string{"from", "to"}),
		compensationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "compensation_attempts_total",
			Help: "Compensating calls, by result.",
		}, []string{"result"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "dead_letters_total",
			Help: "Dead letter writes, by result.",
		}, []string{"result"}),
		recoveredOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "recovered_total",
			Help: "Orders resumed by the recovery pass, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rpcRequests, m.rpcLatency, m.rpcInFlight, m.rateLimitWaits, m.rateLimitWait,
		m.breakerState, m.breakerTransitions,
		m.orderTransitions, m.compensationAttempts, m.deadLetters, m.recoveredOrders,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.rpcInFlight.WithLabelValues(method).Inc()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	m := s.metrics
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.rpcInFlight.WithLabelValues(s.method).Dec()
	m.rpcRequests.WithLabelValues(s.method, result).Inc()
	m.rpcLatency.WithLabelValues(s.method).Observe(time.Since(s.start).Seconds())
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.rateLimitWaits.Inc()
	m.rateLimitWait.Add(d.Seconds())
}

// BreakerStateChanged matches breaker.Config.OnStateChange.
func (m *Metrics) BreakerStateChanged(dependency string, from, to breaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(dependency).Set(float64(to))
	m.breakerTransitions.WithLabelValues(dependency, from.String(), to.String()).Inc()
}

func (m *Metrics) OrderTransitioned(from, to string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) CompensationAttempt(succeeded bool) {
	if m == nil {
		return
	}
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	m.compensationAttempts.WithLabelValues(result).Inc()
}

// DeadLetter counts a dead letter write; result is "recorded" or "fallback".
func (m *Metrics) DeadLetter(result string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(result).Inc()
}

func (m *Metrics) OrderRecovered(succeeded bool) {
	if m == nil {
		return
	}
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	m.recoveredOrders.WithLabelValues(result).Inc()
}
