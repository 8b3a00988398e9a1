package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aero_call_signal"

// eventCollector exposes every counter in Metrics as one labelled series, so
// new event names need no registration.
type eventCollector struct {
	m    *Metrics
	desc *prometheus.Desc
}

func newEventCollector(m *Metrics) *eventCollector {
	return &eventCollector{
		m: m,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_total"),
			"Internal event counters.",
			[]string{"event"},
			nil,
		),
	}
}

func (c *eventCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *eventCollector) Collect(ch chan<- prometheus.Metric) {
	for name, v := range c.m.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(v), name)
	}
}

// Gauge is a point-in-time value sampled at scrape time.
type Gauge struct {
	Name  string
	Help  string
	Value func() float64
}

// NewRegistry builds a Prometheus registry holding the event counters and the
// given gauges.
func NewRegistry(m *Metrics, gauges ...Gauge) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newEventCollector(m))
	for _, g := range gauges {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      g.Name,
			Help:      g.Help,
		}, g.Value))
	}
	return reg
}

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(NewRegistry(m, gauges...), promhttp.HandlerOpts{})
}
