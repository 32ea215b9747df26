package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verdict labels used on PacketsTotal
const (
	VerdictAccepted    = "accepted"
	VerdictVetoed      = "vetoed"
	VerdictFailed      = "failed"
	VerdictPassthrough = "passthrough"
)

// Direction labels used on PacketsTotal
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics holds the Prometheus collectors of the remoting layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	PacketsTotal    *prometheus.CounterVec
	ChainDuration   *prometheus.HistogramVec
	Interceptors    *prometheus.GaugeVec
	RoutedTotal     *prometheus.CounterVec
	DeliveriesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all remoting metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_remoting_packets_total",
			Help: "Packets seen by a pipeline, by interception verdict.",
		}, []string{"endpoint", "direction", "type", "verdict"}),

		ChainDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mmate_remoting_chain_duration_seconds",
			Help:    "Time spent running a packet through an interceptor chain.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		Interceptors: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mmate_remoting_interceptors",
			Help: "Interceptors currently registered per endpoint.",
		}, []string{"endpoint"}),

		RoutedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_remoting_routed_total",
			Help: "Messages handed to the router, by outcome.",
		}, []string{"address", "outcome"}),

		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_remoting_deliveries_total",
			Help: "Messages pushed from a queue to its consumer.",
		}, []string{"queue"}),
	}
}

// ObservePacket counts one packet seen by a pipeline
func (m *Metrics) ObservePacket(endpoint, direction, packetType, verdict string) {
	if m == nil {
		return
	}
	m.PacketsTotal.WithLabelValues(endpoint, direction, packetType, verdict).Inc()
}

// ObserveChain records how long a chain traversal took
func (m *Metrics) ObserveChain(endpoint string, seconds float64) {
	if m == nil {
		return
	}
	m.ChainDuration.WithLabelValues(endpoint).Observe(seconds)
}

// SetInterceptors records the number of interceptors registered on an endpoint
func (m *Metrics) SetInterceptors(endpoint string, n int) {
	if m == nil {
		return
	}
	m.Interceptors.WithLabelValues(endpoint).Set(float64(n))
}

// ObserveRoute counts a routing decision
func (m *Metrics) ObserveRoute(address string, routed bool) {
	if m == nil {
		return
	}
	outcome := "routed"
	if !routed {
		outcome = "unrouted"
	}
	m.RoutedTotal.WithLabelValues(address, outcome).Inc()
}

// ObserveDelivery counts a message pushed to a consumer
func (m *Metrics) ObserveDelivery(queue string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(queue).Inc()
}
