package radix

import "github.com/prometheus/client_golang/prometheus"

// metrics are the counters/gauges exported by a Tree, registered
// lazily the same way cmap's are: tests and short-lived pools never
// touch the default registry.
type metrics struct {
	finds   prometheus.Counter
	inserts prometheus.Counter
	erases  prometheus.Counter
	gcRuns  prometheus.Counter
	gcFreed prometheus.Counter
	size    prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, name string, sizeFn func() float64) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"tree": name}
	m := &metrics{
		finds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radix_find_total", Help: "Total find calls.", ConstLabels: labels,
		}),
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radix_insert_total", Help: "Total insert/insert_or_assign calls.", ConstLabels: labels,
		}),
		erases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radix_erase_total", Help: "Total erase calls.", ConstLabels: labels,
		}),
		gcRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radix_gc_runs_total", Help: "Total GarbageCollect calls.", ConstLabels: labels,
		}),
		gcFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radix_gc_freed_total", Help: "Total entries freed by GarbageCollect.", ConstLabels: labels,
		}),
	}
	m.size = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "radix_size", Help: "Current key count.", ConstLabels: labels,
	}, sizeFn)
	reg.MustRegister(m.finds, m.inserts, m.erases, m.gcRuns, m.gcFreed, m.size)
	return m
}

// WithMetrics registers Prometheus instrumentation for t under reg,
// labeled name. Safe to call at most once per Tree.
func (t *Tree) WithMetrics(reg prometheus.Registerer, name string) {
	t.metrics = newMetrics(reg, name, func() float64 { return float64(t.Size()) })
}
