package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-task-bridge/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	// DurationBuckets defaults to prom.DefBuckets.
	DurationBuckets []float64
	// PollBuckets defaults to 1, 2, 4 ... 512 poll iterations.
	PollBuckets []float64
}

// MetricsExporter adapts core.Metrics (and core.RunObserver) to Prometheus
// collectors. A nil *MetricsExporter drops every sample.
type MetricsExporter struct {
	runDuration *prom.HistogramVec
	runPolls    *prom.HistogramVec
	runOutcomes *prom.CounterVec
	lastRunTime *prom.GaugeVec

	taskPanicTotal    *prom.CounterVec
	taskRejectedTotal *prom.CounterVec
	queueDepth        *prom.GaugeVec
}

var (
	_ core.Metrics     = (*MetricsExporter)(nil)
	_ core.RunObserver = (*MetricsExporter)(nil)
)

// NewMetricsExporter creates the collectors under namespace (default
// "taskbridge") and registers them on reg (default prom.DefaultRegisterer).
// Collectors already registered on reg are shared, so two exporters on one
// registry feed the same series.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	namespace = normalizeLabel(namespace, "taskbridge")
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	durationBuckets := opts.DurationBuckets
	if len(durationBuckets) == 0 {
		durationBuckets = prom.DefBuckets
	}
	pollBuckets := opts.PollBuckets
	if len(pollBuckets) == 0 {
		pollBuckets = prom.ExponentialBuckets(1, 2, 10)
	}

	histogram := func(name, help string, buckets []float64, labels ...string) *prom.HistogramVec {
		return prom.NewHistogramVec(prom.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}
	counter := func(name, help string, labels ...string) *prom.CounterVec {
		return prom.NewCounterVec(prom.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	m := &MetricsExporter{
		runDuration:       histogram("run_duration_seconds", "Time callers waited for a cancellable run, by outcome.", durationBuckets, "runner", "outcome"),
		runPolls:          histogram("run_polls", "Poll intervals that elapsed before a run reached its outcome.", pollBuckets, "runner", "outcome"),
		runOutcomes:       counter("run_outcomes_total", "Total number of finished runs by outcome.", "runner", "outcome"),
		lastRunTime:       gauge("last_run_timestamp_seconds", "Unix time the last run of a runner finished.", "runner"),
		taskPanicTotal:    counter("task_panic_total", "Total number of task panics.", "runner"),
		taskRejectedTotal: counter("task_rejected_total", "Total number of rejected tasks.", "runner", "reason"),
		queueDepth:        gauge("queue_depth", "Current queue depth.", "runner"),
	}

	var err error
	for _, h := range []**prom.HistogramVec{&m.runDuration, &m.runPolls} {
		if *h, err = registerCollector(reg, *h); err != nil {
			return nil, err
		}
	}
	for _, c := range []**prom.CounterVec{&m.runOutcomes, &m.taskPanicTotal, &m.taskRejectedTotal} {
		if *c, err = registerCollector(reg, *c); err != nil {
			return nil, err
		}
	}
	for _, g := range []**prom.GaugeVec{&m.lastRunTime, &m.queueDepth} {
		if *g, err = registerCollector(reg, *g); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordOutcome counts a finished run and observes how long the caller waited.
func (m *MetricsExporter) RecordOutcome(runnerName string, outcome core.OutcomeKind, duration time.Duration) {
	if m == nil {
		return
	}
	runner := normalizeLabel(runnerName, "unknown")
	m.runDuration.WithLabelValues(runner, outcome.String()).Observe(duration.Seconds())
	m.runOutcomes.WithLabelValues(runner, outcome.String()).Inc()
}

// ObserveRun records the poll count and finish time of a run.
func (m *MetricsExporter) ObserveRun(record core.RunRecord) {
	if m == nil {
		return
	}
	runner := normalizeLabel(record.RunnerName, "unknown")
	m.runPolls.WithLabelValues(runner, record.Outcome.String()).Observe(float64(record.Polls))
	if !record.FinishedAt.IsZero() {
		m.lastRunTime.WithLabelValues(runner).Set(float64(record.FinishedAt.UnixNano()) / 1e9)
	}
}

func (m *MetricsExporter) RecordTaskPanic(runnerName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(runnerName, "unknown")).Inc()
}

func (m *MetricsExporter) RecordQueueDepth(runnerName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(runnerName, "unknown")).Set(float64(depth))
}

func (m *MetricsExporter) RecordTaskRejected(runnerName string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(runnerName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// registerCollector registers collector on reg, returning the collector that
// is already registered under the same descriptor if there is one.
func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var are prom.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return collector, err
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return collector, fmt.Errorf("collector type mismatch for %T", collector)
	}
	return existing, nil
}
