package emuhost

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the host counters. One Metrics may be shared by many hosts.
type Metrics struct {
	Hypercalls *prometheus.CounterVec
	Outcomes   *prometheus.CounterVec
	Penalty    prometheus.Counter
}

// NewMetrics creates the host counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Hypercalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kafl",
			Subsystem: "host",
			Name:      "hypercalls_total",
			Help:      "Hypercalls received from the guest, by opcode.",
		}, []string{"op"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kafl",
			Subsystem: "host",
			Name:      "iterations_total",
			Help:      "Finished guest iterations, by outcome.",
		}, []string{"outcome"}),
		Penalty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kafl",
			Subsystem: "host",
			Name:      "release_penalty_total",
			Help:      "Sum of RELEASE penalties, the input bytes the guest asked for beyond the payload.",
		}),
	}
	for _, c := range []prometheus.Collector{m.Hypercalls, m.Outcomes, m.Penalty} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register host metrics")
		}
	}
	return m, nil
}
