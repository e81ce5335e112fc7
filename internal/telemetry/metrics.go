package telemetry

import (
	"errors"
	"time"

	"github.com/lightforgemedia/go-cmdbridge/pkg/client"
	"github.com/lightforgemedia/go-cmdbridge/pkg/connection"
	"github.com/lightforgemedia/go-cmdbridge/pkg/envelope"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cmdbridge"

// Metrics records bridge activity as Prometheus metrics. It implements
// client.Observer.
type Metrics struct {
	commands         *prometheus.CounterVec
	latency          *prometheus.HistogramVec
	pending          prometheus.Gauge
	connected        prometheus.Gauge
	transitions      *prometheus.CounterVec
	protocolErrors   *prometheus.CounterVec
	unmatchedReplies prometheus.Counter
}

var _ client.Observer = (*Metrics)(nil)

// NewMetrics creates the bridge metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "commands_total",
			Help:      "Commands completed, by outcome",
		}, []string{"command", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "command_duration_seconds",
			Help:      "Time from registration to outcome",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_commands",
			Help:      "Commands awaiting a response",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "connected",
			Help:      "1 while the bridge connection is established",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions, by target state",
		}, []string{"state"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "protocol_errors_total",
			Help:      "Inbound messages dropped because they could not be decoded",
		}, []string{"reason"}),
		unmatchedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "unmatched_responses_total",
			Help:      "Responses whose correlation id matched no pending command",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.commands,
		m.latency,
		m.pending,
		m.connected,
		m.transitions,
		m.protocolErrors,
		m.unmatchedReplies,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) CommandCompleted(command string, outcome client.Outcome, latency time.Duration) {
	m.commands.WithLabelValues(command, string(outcome)).Inc()
	// Not-connected calls never reach the registry.
	if outcome != client.OutcomeNotConnected {
		m.latency.WithLabelValues(string(outcome)).Observe(latency.Seconds())
	}
}

func (m *Metrics) PendingChanged(n int) {
	m.pending.Set(float64(n))
}

func (m *Metrics) StateChanged(_, to connection.State) {
	m.transitions.WithLabelValues(to.String()).Inc()
	if to == connection.Connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) ProtocolError(err error) {
	reason := "malformed"
	if errors.Is(err, envelope.ErrMissingCorrelationID) {
		reason = "missing_correlation_id"
	}
	m.protocolErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) UnmatchedResponse(string) {
	m.unmatchedReplies.Inc()
}
