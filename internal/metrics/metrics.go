// Package metrics exposes Prometheus counters for the call core.
//
// All recording methods are safe on a nil *Metrics, so components can be
// built without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invite outcomes.
const (
	InviteSurfaced               = "surfaced"
	InviteSuppressedSelf         = "suppressed_self"
	InviteSuppressedNotAddressed = "suppressed_not_addressed"
	InviteSuppressedViewing      = "suppressed_viewing"
	InviteSuppressedBusy         = "suppressed_busy"
	InviteMalformed              = "malformed"
)

// Envelope decode results.
const (
	DecodeDecrypted = "decrypted"
	DecodeFallback  = "fallback"
	DecodePlain     = "plain"
)

type Metrics struct {
	Registry *prometheus.Registry

	invites        *prometheus.CounterVec
	decodes        *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	ledgerFailures *prometheus.CounterVec
	bridgeFailures *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	subscriptions  prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		invites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_invites_total",
				Help: "Inbound invites by outcome",
			},
			[]string{"outcome"},
		),
		decodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_envelope_decodes_total",
				Help: "Invite envelope decode results",
			},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_session_transitions_total",
				Help: "Call session transitions by target state",
			},
			[]string{"state"},
		),
		ledgerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_ledger_failures_total",
				Help: "Pending call ledger operations that failed",
			},
			[]string{"op"},
		),
		bridgeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_native_bridge_failures_total",
				Help: "Best-effort native bridge calls that failed",
			},
			[]string{"bridge", "op"},
		),
		sendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callcore_broadcast_send_failures_total",
				Help: "Broadcast sends that failed, by event",
			},
			[]string{"event"},
		),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_channel_subscriptions",
			Help: "Open conversation channel subscriptions",
		}),
	}
	reg.MustRegister(
		m.invites, m.decodes, m.transitions, m.ledgerFailures,
		m.bridgeFailures, m.sendFailures, m.subscriptions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Invite(outcome string) {
	if m != nil {
		m.invites.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Decode(result string) {
	if m != nil {
		m.decodes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Transition(state string) {
	if m != nil {
		m.transitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) LedgerFailure(op string) {
	if m != nil {
		m.ledgerFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) BridgeFailure(bridge, op string) {
	if m != nil {
		m.bridgeFailures.WithLabelValues(bridge, op).Inc()
	}
}

func (m *Metrics) SendFailure(event string) {
	if m != nil {
		m.sendFailures.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) SetSubscriptions(n int) {
	if m != nil {
		m.subscriptions.Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
