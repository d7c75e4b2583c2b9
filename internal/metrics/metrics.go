package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics wraps Prometheus metrics for the bridge. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	gatewayState  *prometheus.GaugeVec
	gatewayStarts *prometheus.CounterVec
	gatewayExits  prometheus.Counter

	orderSubmitted *prometheus.CounterVec
	orderRejected  *prometheus.CounterVec
	orderLatency   prometheus.Histogram

	activePollers  prometheus.Gauge
	subscribers    prometheus.Gauge
	quotePollError *prometheus.CounterVec
	quoteDropped   prometheus.Counter

	resolverLookups *prometheus.CounterVec

	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec

	keepaliveRuns *prometheus.CounterVec
}

// New creates a metrics registry and registers bridge metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		gatewayState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_session_state",
			Help: "1 for the current gateway session state.",
		}, []string{"state"}),
		gatewayStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_starts_total",
			Help: "Gateway start attempts by outcome.",
		}, []string{"result"}),
		gatewayExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_unexpected_exits_total",
			Help: "Gateway child processes that exited without being stopped.",
		}),
		orderSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_submitted_total",
			Help: "Orders accepted by the upstream.",
		}, []string{"sec_type", "side"}),
		orderRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_rejected_total",
			Help: "Orders rejected locally or upstream, by error code.",
		}, []string{"reason"}),
		orderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_latency_seconds",
			Help:    "End to end order placement latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		activePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quote_active_pollers",
			Help: "Running per-symbol quote polling loops.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quote_subscribers",
			Help: "Registered quote subscriptions across all symbols.",
		}),
		quotePollError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quote_poll_errors_total",
			Help: "Failed quote snapshot polls.",
		}, []string{"symbol"}),
		quoteDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quote_ticks_dropped_total",
			Help: "Ticks dropped because a subscriber buffer was full.",
		}),
		resolverLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_lookups_total",
			Help: "Contract resolver lookups by cache result.",
		}, []string{"result"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Requests to the gateway REST API by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Gateway REST API latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		keepaliveRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keepalive_runs_total",
			Help: "Session keepalive runs by outcome.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.gatewayState, m.gatewayStarts, m.gatewayExits,
		m.orderSubmitted, m.orderRejected, m.orderLatency,
		m.activePollers, m.subscribers, m.quotePollError, m.quoteDropped,
		m.resolverLookups,
		m.upstreamRequests, m.upstreamLatency,
		m.keepaliveRuns,
	)
	return m
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather returns the current values of every registered collector.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}

// SetGatewayState 设置当前网关状态
func (m *Metrics) SetGatewayState(state string) {
	if m == nil {
		return
	}
	m.gatewayState.Reset()
	m.gatewayState.WithLabelValues(state).Set(1)
}

func (m *Metrics) IncGatewayStart(result string) {
	if m == nil {
		return
	}
	m.gatewayStarts.WithLabelValues(result).Inc()
}

func (m *Metrics) IncGatewayExit() {
	if m == nil {
		return
	}
	m.gatewayExits.Inc()
}

// IncOrderSubmitted 记录成功提交的订单
func (m *Metrics) IncOrderSubmitted(secType, side string) {
	if m == nil {
		return
	}
	m.orderSubmitted.WithLabelValues(secType, side).Inc()
}

// IncOrderRejected 记录被拒绝的订单
func (m *Metrics) IncOrderRejected(reason string) {
	if m == nil {
		return
	}
	m.orderRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveOrderLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.orderLatency.Observe(d.Seconds())
}

func (m *Metrics) SetActivePollers(n int) {
	if m == nil {
		return
	}
	m.activePollers.Set(float64(n))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) IncQuotePollError(symbol string) {
	if m == nil {
		return
	}
	m.quotePollError.WithLabelValues(symbol).Inc()
}

func (m *Metrics) IncQuoteDropped() {
	if m == nil {
		return
	}
	m.quoteDropped.Inc()
}

// IncResolverLookup result is "hit" or "miss".
func (m *Metrics) IncResolverLookup(result string) {
	if m == nil {
		return
	}
	m.resolverLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveUpstream(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(endpoint, outcome).Inc()
	m.upstreamLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) IncKeepalive(result string) {
	if m == nil {
		return
	}
	m.keepaliveRuns.WithLabelValues(result).Inc()
}
