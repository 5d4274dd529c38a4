package skiplist

import "github.com/prometheus/client_golang/prometheus"

// metrics mirrors radix's metrics shape, registered lazily so tests
// and short-lived lists never touch the default registry.
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
	labels := prometheus.Labels{"skiplist": name}
	m := &metrics{
		finds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skiplist_find_total", Help: "Total find calls.", ConstLabels: labels,
		}),
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skiplist_insert_total", Help: "Total insert/insert_or_assign calls.", ConstLabels: labels,
		}),
		erases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skiplist_erase_total", Help: "Total erase calls.", ConstLabels: labels,
		}),
		gcRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skiplist_gc_runs_total", Help: "Total GarbageCollect calls.", ConstLabels: labels,
		}),
		gcFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skiplist_gc_freed_total", Help: "Total entries freed by GarbageCollect.", ConstLabels: labels,
		}),
	}
	m.size = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "skiplist_size", Help: "Current key count.", ConstLabels: labels,
	}, sizeFn)
	reg.MustRegister(m.finds, m.inserts, m.erases, m.gcRuns, m.gcFreed, m.size)
	return m
}

// WithMetrics registers Prometheus instrumentation for l under reg,
// labeled name. Safe to call at most once per List.
func (l *List) WithMetrics(reg prometheus.Registerer, name string) {
	l.metrics = newMetrics(reg, name, func() float64 { return float64(l.Size()) })
}
