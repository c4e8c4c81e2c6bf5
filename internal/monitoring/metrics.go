package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Link labels.
const (
	LinkSerial   = "serial"
	LinkWireless = "wireless"
	LinkBus      = "bus"
)

// Metrics holds the bridge counters. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	events            *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	sendFailures      *prometheus.CounterVec
	commandsSent      *prometheus.CounterVec
	rejectedPeers     prometheus.Counter
	targetsDiscovered prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics creates the bridge counters and registers them with reg. A nil
// reg gets a fresh private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_events_total",
			Help: "Events consumed by the session engine.",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_connect_attempts_total",
			Help: "Connection attempts per link, successful or not.",
		}, []string{"link"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_send_failures_total",
			Help: "Outbound messages dropped per link.",
		}, []string{"link"}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_commands_sent_total",
			Help: "Commands executed by opcode.",
		}, []string{"opcode"}),
		rejectedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_rejected_peers_total",
			Help: "Wireless clients refused by the allow list.",
		}),
		targetsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_targets_discovered_total",
			Help: "Recognition results consumed for a photo step.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(m.events, m.reconnects, m.sendFailures, m.commandsSent, m.rejectedPeers, m.targetsDiscovered)
	return m
}

func (m *Metrics) Event(kind string) {
	if m != nil {
		m.events.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ConnectAttempt(link string) {
	if m != nil {
		m.reconnects.WithLabelValues(link).Inc()
	}
}

func (m *Metrics) SendFailure(link string) {
	if m != nil {
		m.sendFailures.WithLabelValues(link).Inc()
	}
}

func (m *Metrics) CommandSent(opcode string) {
	if m != nil {
		m.commandsSent.WithLabelValues(opcode).Inc()
	}
}

func (m *Metrics) RejectedPeer() {
	if m != nil {
		m.rejectedPeers.Inc()
	}
}

func (m *Metrics) TargetDiscovered() {
	if m != nil {
		m.targetsDiscovered.Inc()
	}
}

// Gatherer returns the registry the counters were registered with.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
