package pingchat

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pingchat"

// metrics holds the Prometheus collectors shared by a pool and its connections.
type metrics struct {
	accepted    prometheus.Counter
	rejected    prometheus.Counter
	connected   prometheus.Gauge
	frames      *prometheus.CounterVec
	disconnects *prometheus.CounterVec
	pings       prometheus.Counter
	oversized   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		accepted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "accepted_total",
			Help:      "Connections accepted into a slot.",
		})),
		rejected: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_total",
			Help:      "Connections closed because every slot was in use.",
		})),
		connected: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected",
			Help:      "Connections currently occupying a slot.",
		})),
		frames: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Complete frames received, by command.",
		}, []string{"command"})),
		disconnects: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnects_total",
			Help:      "Connections dropped, by reason.",
		}, []string{"reason"})),
		pings: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "keepalive_pings_total",
			Help:      "Keepalive PING frames sent.",
		})),
		oversized: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "oversized_frames_total",
			Help:      "Frames drained because they exceeded the reassembly buffer.",
		})),
	}
}

// register adds c to reg, reusing an identical collector that is already there.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// disconnectReason maps an error to the label used by the disconnects counter.
func disconnectReason(err error) string {
	switch {
	case err == nil:
		return "local"
	case IsTransport(err) && isTimeout(err):
		return "timeout"
	case IsTransport(err):
		return "io"
	case isProtocol(err):
		return "protocol"
	case isRateLimited(err):
		return "rate_limited"
	default:
		return "other"
	}
}
