package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 管道运行指标（Prometheus）
type Metrics struct {
	MessagesDecoded     prometheus.Counter
	MessagesDropped     *prometheus.CounterVec // label: reason
	IncidentTransitions *prometheus.CounterVec // label: transition
	DispatchAttempts    prometheus.Counter
	DispatchOutcomes    *prometheus.CounterVec // label: status
	BackpressureDrops   prometheus.Counter
	HubConnections      prometheus.Gauge
	DevicesOffline      prometheus.Counter
}

// New 创建并注册管道指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firewatch_messages_decoded_total",
			Help: "Uplink messages decoded successfully",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_messages_dropped_total",
			Help: "Uplink messages dropped by decode reason",
		}, []string{"reason"}),
		IncidentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_incident_transitions_total",
			Help: "Alarm incident state transitions",
		}, []string{"transition"}),
		DispatchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firewatch_dispatch_attempts_total",
			Help: "Push delivery attempts, including retries",
		}),
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_dispatch_outcomes_total",
			Help: "Terminal delivery outcomes by status",
		}, []string{"status"}),
		BackpressureDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firewatch_hub_backpressure_drops_total",
			Help: "Broadcast messages dropped because a client queue was full",
		}),
		HubConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "firewatch_hub_connections",
			Help: "Live realtime connections",
		}),
		DevicesOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firewatch_devices_marked_offline_total",
			Help: "Devices marked offline by the staleness sweep",
		}),
	}

	reg.MustRegister(
		m.MessagesDecoded,
		m.MessagesDropped,
		m.IncidentTransitions,
		m.DispatchAttempts,
		m.DispatchOutcomes,
		m.BackpressureDrops,
		m.HubConnections,
		m.DevicesOffline,
	)

	return m
}

// NewNop 创建不对外注册的指标（测试用）
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
