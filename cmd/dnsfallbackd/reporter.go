package main

import (
	"fmt"
	"strings"

	"github.com/markdingo/dnsfallback/internal/listener"
	"github.com/markdingo/dnsfallback/internal/metrics"
	"github.com/markdingo/dnsfallback/internal/pipeline"
	"github.com/markdingo/dnsfallback/internal/sink"
)

// multiSink fans one pipeline.Event out to several sinks - here, the configured log sink and the
// metrics collector, which both want to see every event but for different reasons.
type multiSink struct {
	sinks []pipeline.EventSink
}

func (m multiSink) Emit(e pipeline.Event) {
	for _, s := range m.sinks {
		s.Emit(e)
	}
}

// metricsSink adapts a metrics.Collector to pipeline.EventSink so it can sit in the same fanout as
// the log sink without the pipeline package needing to know metrics exists.
type metricsSink struct {
	collector *metrics.Collector
}

func (m metricsSink) Emit(e pipeline.Event) {
	switch e.Kind {
	case "attempt":
		m.collector.ObserveAttempt(e.ResolverTag, e.Success, e.Latency)
	case "bypass":
		m.collector.ObserveBypass()
	case "dedupe_join":
		m.collector.ObserveDeduped()
	}
}

// statsReporter adapts the metrics collector, the log sink's drop counter, and the listener's peak
// concurrency into the teacher's reporter.Reporter interface for the periodic status report.
type statsReporter struct {
	metrics  *metrics.Collector
	sink     *sink.Sink
	listener *listener.Listener
}

func (r *statsReporter) Name() string { return "stats" }

// Report renders one line per resolver tag plus summary counters. resetCounters is accepted to
// satisfy reporter.Reporter but otherwise unused: Prometheus counters are intentionally monotonic,
// so "reset" here only resets the listener's peak-concurrency high-water mark.
func (r *statsReporter) Report(resetCounters bool) string {
	snap := r.metrics.Snapshot(5)
	var b strings.Builder

	fmt.Fprintf(&b, "uptime=%s dropped_events=%d peak_concurrency=%d\n",
		snap.Uptime.Truncate(1e9), r.sink.Dropped(), r.listener.PeakConcurrency(resetCounters))

	for tag, stats := range snap.QueriesByResolver {
		fmt.Fprintf(&b, "%s: success=%d failure=%d p50=%s p95=%s p99=%s\n",
			tag, stats.Successes, stats.Failures, stats.P50, stats.P95, stats.P99)
	}

	if len(snap.TopFailingDomains) > 0 {
		fmt.Fprintf(&b, "top_failing=%s", strings.Join(snap.TopFailingDomains, ","))
	}

	return strings.TrimRight(b.String(), "\n")
}
