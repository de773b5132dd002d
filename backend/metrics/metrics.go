package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adwski/classroom-signaling/backend/model"
)

const namespace = "signaling_relay"

// Routes a relayed message can take.
const (
	RouteUnicast   = "unicast"
	RouteBroadcast = "broadcast"
	RouteFallback  = "fallback"
	RouteDropped   = "dropped"
)

// Metrics holds relay counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messages    *prometheus.CounterVec
	evictions   prometheus.Counter
	malformed   prometheus.Counter
	rateLimited prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Signaling messages handled by the router.",
		}, []string{"type", "route"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Connections dropped after a failed send.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Inbound frames dropped by the per-connection rate limit.",
		}),
	}
	m.registry.MustRegister(m.messages, m.evictions, m.malformed, m.rateLimited)
	return m
}

// TrackState exposes live connection and room counts, sampled on scrape.
func (m *Metrics) TrackState(connections, rooms func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live signaling connections.",
		}, func() float64 { return float64(connections()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Non-empty rooms.",
		}, func() float64 { return float64(rooms()) }),
	)
}

func (m *Metrics) Routed(typ, route string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(typeLabel(typ), route).Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// typeLabel keeps label cardinality bounded, application defined types
// are reported together.
func typeLabel(typ string) string {
	switch typ {
	case model.TypeOffer, model.TypeAnswer, model.TypeICECandidate, model.TypeCandidate,
		model.TypeJoinRoom, model.TypeJoin, model.TypeLeaveRoom, model.TypeLeave,
		model.TypeUserJoined, model.TypeUserLeft, model.TypeRoomInfo,
		model.TypeConnectionEstablished, model.TypePing, model.TypePong, model.TypeGetRoomInfo:
		return typ
	}
	return "other"
}
