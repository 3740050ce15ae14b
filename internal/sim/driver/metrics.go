package driver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "conduitnet"

// Metrics are registered on a private registry, one per driver.
type Metrics struct {
	registry *prometheus.Registry

	Ticks        prometheus.Counter
	Extractions  *prometheus.CounterVec
	Moved        *prometheus.CounterVec
	TickDuration prometheus.Histogram
	Ports        prometheus.Gauge
	CurrentTick  prometheus.Gauge
}

func NewMetrics(networkID string) *Metrics {
	labels := prometheus.Labels{"network": networkID}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "ticks_total",
			Help:        "Ticks stepped by the driver.",
			ConstLabels: labels,
		}),
		Extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "extractions_total",
			Help:        "Extraction attempts by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		Moved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "moved_amount_total",
			Help:        "Fluid amount committed into targets, by fluid.",
			ConstLabels: labels,
		}, []string{"fluid"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "tick_duration_seconds",
			Help:        "Wall time spent in one driver step.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		Ports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "ports",
			Help:        "Ports registered in the network.",
			ConstLabels: labels,
		}),
		CurrentTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "tick",
			Help:        "Next tick to be stepped.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(
		m.Ticks,
		m.Extractions,
		m.Moved,
		m.TickDuration,
		m.Ports,
		m.CurrentTick,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
