package cmap

import "github.com/prometheus/client_golang/prometheus"

// metrics are the counters/gauges exported by a Map, registered
// lazily so tests and short-lived pools do not pollute the default
// registry with instances they never unregister.
type metrics struct {
	finds     prometheus.Counter
	inserts   prometheus.Counter
	erases    prometheus.Counter
	rehashes  prometheus.Counter
	segGrowth prometheus.Counter
	size      prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, name string, sizeFn func() float64) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"map": name}
	m := &metrics{
		finds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmap_find_total", Help: "Total find calls.", ConstLabels: labels,
		}),
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmap_insert_total", Help: "Total insert calls.", ConstLabels: labels,
		}),
		erases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmap_erase_total", Help: "Total erase calls.", ConstLabels: labels,
		}),
		rehashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmap_bucket_rehash_total", Help: "Total on-demand per-bucket rehashes.", ConstLabels: labels,
		}),
		segGrowth: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmap_segment_growth_total", Help: "Total segment-enable events.", ConstLabels: labels,
		}),
	}
	m.size = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cmap_size", Help: "Current element count.", ConstLabels: labels,
	}, sizeFn)
	reg.MustRegister(m.finds, m.inserts, m.erases, m.rehashes, m.segGrowth, m.size)
	return m
}
