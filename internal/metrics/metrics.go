// Package metrics maintains a Prometheus-backed view of proxy activity and exposes a point-in-time
// Snapshot for the status report and any external dashboard. Percentile latencies are obtained from
// a Prometheus Summary's quantile objectives rather than a hand-rolled reservoir, since that's
// exactly what Summary is for.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/markdingo/dnsfallback/internal/bypass"
)

// Collector owns the Prometheus vectors backing the proxy's metrics. It is safe for concurrent use
// via the underlying Prometheus types' own thread safety.
type Collector struct {
	queriesTotal   *prometheus.CounterVec // labels: resolver, outcome
	latency        *prometheus.SummaryVec // labels: resolver
	bypassCount    prometheus.Counter
	dedupedCount   prometheus.Counter
	allDownCount   prometheus.Counter

	bypassCache *bypass.Cache
	startedAt   time.Time
}

// NewCollector builds a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer, bypassCache *bypass.Cache) *Collector {
	c := &Collector{
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnsfallback_queries_total",
			Help: "Total queries processed, by resolver tag and outcome.",
		}, []string{"resolver", "outcome"}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "dnsfallback_query_latency_seconds",
			Help: "Upstream query latency in seconds, by resolver tag.",
			Objectives: map[float64]float64{
				0.50: 0.05,
				0.95: 0.01,
				0.99: 0.001,
			},
		}, []string{"resolver"}),
		bypassCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnsfallback_bypass_total",
			Help: "Queries that skipped the primary resolver via the learned-bypass cache.",
		}),
		dedupedCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnsfallback_deduped_total",
			Help: "Queries that joined an in-flight duplicate instead of querying upstream.",
		}),
		allDownCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnsfallback_all_down_total",
			Help: "Number of times every configured resolver was simultaneously unreachable.",
		}),
		bypassCache: bypassCache,
		startedAt:   time.Now(),
	}

	reg.MustRegister(c.queriesTotal, c.latency, c.bypassCount, c.dedupedCount, c.allDownCount)
	return c
}

// ObserveAttempt records one resolver attempt's outcome and latency.
func (c *Collector) ObserveAttempt(resolverTag string, success bool, latency time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.queriesTotal.WithLabelValues(resolverTag, outcome).Inc()
	c.latency.WithLabelValues(resolverTag).Observe(latency.Seconds())
}

// ObserveBypass records a query that skipped the primary via the learned-bypass cache.
func (c *Collector) ObserveBypass() { c.bypassCount.Inc() }

// ObserveDeduped records a query that joined an in-flight duplicate.
func (c *Collector) ObserveDeduped() { c.dedupedCount.Inc() }

// ObserveAllDown records an ALL_DOWN transition.
func (c *Collector) ObserveAllDown() { c.allDownCount.Inc() }

// Snapshot is a point-in-time view of collected metrics, suitable for the status report or an
// external dashboard to render.
type Snapshot struct {
	Uptime             time.Duration
	QueriesByResolver   map[string]ResolverStats
	TopFailingDomains  []string
}

// ResolverStats holds the per-resolver-tag aggregate counts and latency percentiles.
type ResolverStats struct {
	Successes int
	Failures  int
	P50, P95, P99 time.Duration
}

// Snapshot reads back the current Prometheus metric state into a Snapshot. This introspects the
// registered vectors' own Write() representation rather than keeping a shadow copy of the counts.
func (c *Collector) Snapshot(topFailingN int) Snapshot {
	snap := Snapshot{
		Uptime:            time.Since(c.startedAt),
		QueriesByResolver: make(map[string]ResolverStats),
	}

	counterMetrics := make(chan prometheus.Metric, 64)
	c.queriesTotal.Collect(counterMetrics)
	close(counterMetrics)
	for m := range counterMetrics {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		resolver, outcome := labelValues(dm.Label, "resolver", "outcome")
		stats := snap.QueriesByResolver[resolver]
		if outcome == "success" {
			stats.Successes += int(dm.Counter.GetValue())
		} else {
			stats.Failures += int(dm.Counter.GetValue())
		}
		snap.QueriesByResolver[resolver] = stats
	}

	latencyMetrics := make(chan prometheus.Metric, 64)
	c.latency.Collect(latencyMetrics)
	close(latencyMetrics)
	for m := range latencyMetrics {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		resolver, _ := labelValues(dm.Label, "resolver", "")
		stats := snap.QueriesByResolver[resolver]
		for _, q := range dm.Summary.GetQuantile() {
			d := time.Duration(q.GetValue() * float64(time.Second))
			switch q.GetQuantile() {
			case 0.50:
				stats.P50 = d
			case 0.95:
				stats.P95 = d
			case 0.99:
				stats.P99 = d
			}
		}
		snap.QueriesByResolver[resolver] = stats
	}

	if c.bypassCache != nil {
		snap.TopFailingDomains = c.bypassCache.TopFailing(topFailingN)
	}

	return snap
}

func labelValues(labels []*dto.LabelPair, want1, want2 string) (v1, v2 string) {
	for _, l := range labels {
		switch l.GetName() {
		case want1:
			v1 = l.GetValue()
		case want2:
			if want2 != "" {
				v2 = l.GetValue()
			}
		}
	}
	return
}
