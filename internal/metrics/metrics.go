// Package metrics exposes the engine's debug counters (bad-frame drops,
// retransmits, member count) as Prometheus instruments, grounded on
// runZeroInc-sockstats/pkg/exporter/exporter.go's counter/gauge
// registration pattern.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the instruments one Engine reports through. Callers
// register it with a prometheus.Registerer of their choosing (cmd/dgrd
// uses its own prometheus.NewRegistry()).
type Metrics struct {
	BadFrames      prometheus.Counter
	UnknownGroup   prometheus.Counter
	Retransmits    prometheus.Counter
	MembersTimedOut prometheus.Counter
	MemberCount    prometheus.Gauge
	OutgoingSeq    prometheus.Gauge
	TransportHealthy prometheus.Gauge
}

// New creates a fresh set of instruments labeled with the device group's
// name, and registers them with reg.
func New(reg prometheus.Registerer, group string) *Metrics {
	labels := prometheus.Labels{"group": group}
	m := &Metrics{
		BadFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "devgroups",
			Name:        "bad_frames_total",
			Help:        "Packets dropped by the wire codec for this group.",
			ConstLabels: labels,
		}),
		UnknownGroup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "devgroups",
			Name:        "unknown_group_total",
			Help:        "Packets dropped due to group-name mismatch.",
			ConstLabels: labels,
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "devgroups",
			Name:        "unicast_retransmits_total",
			Help:        "Unicast retransmits sent while waiting for member acks.",
			ConstLabels: labels,
		}),
		MembersTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "devgroups",
			Name:        "members_timed_out_total",
			Help:        "Members removed by gc for exceeding the liveness timeout or retry cap.",
			ConstLabels: labels,
		}),
		MemberCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "devgroups",
			Name:        "members",
			Help:        "Current number of known members in this group.",
			ConstLabels: labels,
		}),
		OutgoingSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "devgroups",
			Name:        "outgoing_sequence",
			Help:        "Current outgoing sequence number for this group.",
			ConstLabels: labels,
		}),
		TransportHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "devgroups",
			Name:        "transport_healthy",
			Help:        "1 if the bound network interface last validated up, 0 otherwise.",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.BadFrames, m.UnknownGroup, m.Retransmits, m.MembersTimedOut, m.MemberCount, m.OutgoingSeq, m.TransportHealthy)
	}
	return m
}
