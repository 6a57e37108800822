// Package metrics holds the EVM core's Prometheus instrumentation:
// per-stage timings, watermark gauges, and fault counters broken down
// by fault code.
//
// Grounded directly on the teacher's internal/escrow/metrics.go: a
// struct of *prometheus.HistogramVec/CounterVec/GaugeVec fields built
// once via promauto (so registration happens at construction, the
// teacher's own idiom) plus small Observe* methods.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the pipeline reports to.
type Metrics struct {
	StageDuration *prometheus.HistogramVec
	StageTotal    *prometheus.CounterVec
	FaultTotal    *prometheus.CounterVec

	SequenceUncommitted prometheus.Gauge
	SequenceCommitted   prometheus.Gauge
	SequenceRetired     prometheus.Gauge

	PostQueueDepth prometheus.Gauge
	PostWorkers    prometheus.Gauge

	EvalsInFlight prometheus.Gauge
}

// NewMetrics constructs and registers every collector against the
// default Prometheus registry, matching the teacher's NewMetrics.
func NewMetrics() *Metrics {
	return &Metrics{
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evmd_stage_duration_seconds",
				Help:    "Duration of a single pipeline stage",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"site"},
		),
		StageTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evmd_stage_total",
				Help: "Total number of pipeline stage invocations",
			},
			[]string{"site", "outcome"}, // outcome: accept, fault
		),
		FaultTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evmd_fault_total",
				Help: "Total number of faults raised, by code",
			},
			[]string{"code"},
		),
		SequenceUncommitted: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "evmd_sequence_uncommitted",
			Help: "Highest sequence number allocated",
		}),
		SequenceCommitted: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "evmd_sequence_committed",
			Help: "Highest sequence number durably written",
		}),
		SequenceRetired: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "evmd_sequence_retired",
			Help: "Highest sequence number whose effects were published",
		}),
		PostQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "evmd_post_queue_depth",
			Help: "Number of vm.post jobs currently queued",
		}),
		PostWorkers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "evmd_post_workers",
			Help: "Number of vm.post worker goroutines configured",
		}),
		EvalsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "evmd_evals_in_flight",
			Help: "Number of evaluations currently in progress",
		}),
	}
}

// ObserveStage records one stage invocation's duration and outcome.
func (m *Metrics) ObserveStage(site string, start time.Time, faulted bool) {
	m.StageDuration.WithLabelValues(site).Observe(time.Since(start).Seconds())
	outcome := "accept"
	if faulted {
		outcome = "fault"
	}
	m.StageTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveFault increments the fault counter for code's name.
func (m *Metrics) ObserveFault(code string) {
	m.FaultTotal.WithLabelValues(code).Inc()
}

// ObserveWatermarks snapshots the sequence dock's three watermarks.
func (m *Metrics) ObserveWatermarks(uncommitted, committed, retired int64) {
	m.SequenceUncommitted.Set(float64(uncommitted))
	m.SequenceCommitted.Set(float64(committed))
	m.SequenceRetired.Set(float64(retired))
}
