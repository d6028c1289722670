package authkeep

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector bridges an [Engine]'s counters into a Prometheus
// registry:
//
//	prometheus.MustRegister(authkeep.NewMetricsCollector(engine, "authkeep"))
type MetricsCollector struct {
	engine    *Engine
	namespace string
	descs     map[MetricID]*prometheus.Desc
}

// NewMetricsCollector returns a collector exposing every engine counter as
// <namespace>_<metric>_total.
func NewMetricsCollector(engine *Engine, namespace string) *MetricsCollector {
	descs := make(map[MetricID]*prometheus.Desc, len(metricNames))
	for id, name := range metricNames {
		descs[id] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name+"_total"),
			"authkeep engine counter "+name,
			nil, nil,
		)
	}
	return &MetricsCollector{engine: engine, namespace: namespace, descs: descs}
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.engine == nil {
		return
	}
	snap := c.engine.MetricsSnapshot()
	for id, value := range snap.Counters {
		desc, ok := c.descs[id]
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value))
	}
}
