package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's prometheus counters/gauges, grounded on the
// exporter shape of runZeroInc-sockstats' pkg/exporter: a handful of
// always-registered collectors updated inline by the hot path, never a
// side-channel polling goroutine. Each Service owns its own registry so
// that multiple Services (as in tests) never collide on collector names.
type Metrics struct {
	Registry *prometheus.Registry

	connectionsTotal prometheus.Counter
	registeredGauge  prometheus.Gauge
	pairedGauge      prometheus.Gauge
	duplicateTotal   prometheus.Counter
	evictedTotal     prometheus.Counter
	forwardedBytes   prometheus.Counter
	forwardedFrames  prometheus.Counter
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskrelay_relay_connections_total",
			Help: "Total accepted relay connections.",
		}),
		registeredGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deskrelay_relay_registered_clients",
			Help: "Clients currently in the REGISTERED state.",
		}),
		pairedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deskrelay_relay_paired_clients",
			Help: "Clients currently in the PAIRED state.",
		}),
		duplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskrelay_relay_duplicate_register_total",
			Help: "REGISTER requests rejected as DUPLICATE.",
		}),
		evictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskrelay_relay_evicted_total",
			Help: "Stale connections evicted by uniqueness or inactivity rules.",
		}),
		forwardedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskrelay_relay_forwarded_bytes_total",
			Help: "Bytes forwarded between paired partners.",
		}),
		forwardedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskrelay_relay_forwarded_frames_total",
			Help: "DATA frames forwarded between paired partners.",
		}),
	}
	reg.MustRegister(
		m.connectionsTotal, m.registeredGauge, m.pairedGauge,
		m.duplicateTotal, m.evictedTotal, m.forwardedBytes, m.forwardedFrames,
	)
	return m
}
