// Package metrics counts protocol activity for Prometheus.
//
// A nil *Metrics is valid and records nothing, so actors can take one as an
// optional field of their Options.
package metrics

import (
	"pixel-control/application/opc"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultNamespace = "opc"

type Metrics struct {
	framesReceived *prometheus.CounterVec
	bytesReceived  prometheus.Counter
	accepts        prometheus.Counter
	disconnects    prometheus.Counter

	sends    *prometheus.CounterVec
	connects *prometheus.CounterVec
}

// New registers the counters on reg.
// Registering twice on the same registerer panics, as with promauto.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "frames_total",
			Help:      "Frames reassembled by sources, by command and outcome.",
		}, []string{"command", "outcome"}),

		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "received_bytes_total",
			Help:      "Bytes read from peers.",
		}),

		accepts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "accepts_total",
			Help:      "Peers accepted.",
		}),

		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "disconnects_total",
			Help:      "Peers closed or reset.",
		}),

		sends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "sends_total",
			Help:      "Frames sent by sinks, by result.",
		}, []string{"result"}),

		connects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "connects_total",
			Help:      "Connection attempts made by sinks, by result.",
		}, []string{"result"}),
	}
}

const (
	OutcomeDispatched = "dispatched"
	OutcomeDiscarded  = "discarded"

	ResultOK     = "ok"
	ResultFailed = "failed"
)

func result(ok bool) string {
	if ok {
		return ResultOK
	}
	return ResultFailed
}

// ObserveFrame counts a completed frame. Only set-pixels frames are dispatched.
func (m *Metrics) ObserveFrame(cmd opc.Command, dispatched bool) {
	if m == nil {
		return
	}
	outcome := OutcomeDiscarded
	if dispatched {
		outcome = OutcomeDispatched
	}
	m.framesReceived.WithLabelValues(cmd.String(), outcome).Inc()
}

func (m *Metrics) ObserveBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) ObserveAccept() {
	if m == nil {
		return
	}
	m.accepts.Inc()
}

func (m *Metrics) ObserveDisconnect() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

func (m *Metrics) ObserveSend(ok bool) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ObserveConnect(ok bool) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(result(ok)).Inc()
}
