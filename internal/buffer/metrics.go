package buffer

import "github.com/prometheus/client_golang/prometheus"

// metrics are registered once per pool and updated alongside the plain
// counters used by Stats() (which needs point-in-time values cheaply,
// without talking to the Prometheus registry). These are counters the
// pool updates, never something correctness depends on.
type metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
}

func newMetrics(pageSize int) *metrics {
	labels := prometheus.Labels{"page_size": itoa(pageSize)}
	return &metrics{
		hits:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: "persistit", Subsystem: "buffer", Name: "hits_total", ConstLabels: labels}),
		misses:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: "persistit", Subsystem: "buffer", Name: "misses_total", ConstLabels: labels}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "persistit", Subsystem: "buffer", Name: "evictions_total", ConstLabels: labels}),
	}
}

// Collectors exposes the pool's counters for registration with a
// prometheus.Registerer by the engine.
func (p *Pool) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.metrics.hits, p.metrics.misses, p.metrics.evictions}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
