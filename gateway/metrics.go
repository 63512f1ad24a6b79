package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flowrun"

// Metrics are the Prometheus collectors of a Runner. A nil *Metrics
// records nothing.
type Metrics struct {
	submitted    *prometheus.CounterVec
	applied      *prometheus.CounterVec
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	workersBusy  prometheus.Gauge
}

// NewMetrics creates the gateway collectors and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "commands_submitted_total",
				Help:      "Commands submitted to the inbox",
			},
			[]string{"type", "result"}, // result: accepted, duplicate, rejected
		),
		applied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "commands_applied_total",
				Help:      "Commands applied by workers",
			},
			[]string{"type", "outcome"},
		),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "run_ticks_total",
				Help:      "Scanner ticks by resulting run status",
			},
			[]string{"status"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "tick_duration_seconds",
				Help:      "Duration of scanner ticks in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		workersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "workers_busy",
				Help:      "Inbox workers currently applying commands",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Collectors()...)
	}
	return m
}

// Collectors returns every collector of m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.submitted, m.applied, m.ticks, m.tickDuration, m.workersBusy}
}

func (m *Metrics) recordSubmit(cmdType, result string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(cmdType, result).Inc()
}

func (m *Metrics) recordApplied(cmdType, outcome string) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(cmdType, outcome).Inc()
}

func (m *Metrics) recordTick(status string, seconds float64) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(status).Inc()
	m.tickDuration.Observe(seconds)
}

func (m *Metrics) busy(delta float64) {
	if m == nil {
		return
	}
	m.workersBusy.Add(delta)
}
