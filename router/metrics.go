package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics defines the control-plane metrics of a Fabric.
type Metrics struct {
	CommandsTotal       *prometheus.CounterVec
	CompletionsTotal    *prometheus.CounterVec
	RetriesTotal        prometheus.Counter
	BusyRequeuesTotal   prometheus.Counter
	InflightCommands    prometheus.Gauge
	NotificationsTotal  *prometheus.CounterVec
	HotplugEventsTotal  *prometheus.CounterVec
	DroppedFramesTotal  *prometheus.CounterVec
	ProtocolErrorsTotal *prometheus.CounterVec
	Routers             prometheus.Gauge
}

// NewMetrics initializes a Fabric's metrics and registers them with reg.
// If reg is nil, the metrics are not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbcfg_commands_total",
				Help: "Total number of configuration commands submitted.",
			},
			[]string{"kind", "mode"},
		),
		CompletionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbcfg_completions_total",
				Help: "Total number of configuration commands finished, by result.",
			},
			[]string{"kind", "result"},
		),
		RetriesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tbcfg_retries_total",
				Help: "Total number of command attempts that timed out and were retried.",
			},
		),
		BusyRequeuesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tbcfg_busy_requeues_total",
				Help: "Total number of dispatches refused by a full transmit ring.",
			},
		),
		InflightCommands: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tbcfg_inflight_commands",
				Help: "Number of commands dispatched and awaiting completion.",
			},
		),
		NotificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbcfg_notifications_total",
				Help: "Total number of notification packets received, by event.",
			},
			[]string{"event"},
		),
		HotplugEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbcfg_hotplug_events_total",
				Help: "Total number of hotplug packets received.",
			},
			[]string{"type"},
		),
		DroppedFramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbcfg_dropped_frames_total",
				Help: "Total number of received frames dropped by the interrupt handlers.",
			},
			[]string{"pdf", "reason"},
		),
		ProtocolErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbcfg_protocol_errors_total",
				Help: "Total number of responses that violated the protocol but were accepted.",
			},
			[]string{"kind"},
		),
		Routers: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tbcfg_routers",
				Help: "Number of routers attached to the fabric.",
			},
		),
	}
}
