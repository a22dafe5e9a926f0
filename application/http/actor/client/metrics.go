package client

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Connect results.
const (
	connectOK    = "ok"
	connectError = "connect_error"
	connectTLS   = "tls_error"
)

// Request outcomes.
const (
	outcomeResponse = "response"
	outcomeError    = "error"
)

// metrics describes the pool. Registered with [Options.Registerer], if any.
type metrics struct {
	live     prometheus.Gauge
	idle     prometheus.Gauge
	waiters  prometheus.Gauge
	connects *prometheus.CounterVec
	requests *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, target string) (*metrics, error) {
	labels := prometheus.Labels{"target": target}

	m := &metrics{
		live: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "hostclient",
				Subsystem:   "pool",
				Name:        "live_connections",
				Help:        "Connections being established or established",
				ConstLabels: labels,
			},
		),
		idle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "hostclient",
				Subsystem:   "pool",
				Name:        "idle_connections",
				Help:        "Established connections without outstanding requests",
				ConstLabels: labels,
			},
		),
		waiters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "hostclient",
				Subsystem:   "pool",
				Name:        "waiters",
				Help:        "Requests waiting for a connection",
				ConstLabels: labels,
			},
		),
		connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "hostclient",
				Subsystem:   "pool",
				Name:        "connects_total",
				Help:        "Connection attempts by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "hostclient",
				Subsystem:   "pool",
				Name:        "requests_total",
				Help:        "Finished requests by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
	}

	if reg == nil {
		return m, nil
	}

	// All or nothing: a clash leaves the registry as it was.
	collectors := []prometheus.Collector{m.live, m.idle, m.waiters, m.connects, m.requests}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			for _, done := range collectors[:i] {
				reg.Unregister(done)
			}
			return nil, errors.Wrapf(err, "registering metrics for %s", target)
		}
	}
	return m, nil
}

// PoolStats is a snapshot of the pool.
type PoolStats struct {
	Live    uint // connecting or established.
	Idle    uint
	Waiters uint
	Closed  bool
}

func (m *metrics) observe(s PoolStats) {
	m.live.Set(float64(s.Live))
	m.idle.Set(float64(s.Idle))
	m.waiters.Set(float64(s.Waiters))
}
