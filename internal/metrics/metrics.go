// Package metrics provides pipeline-specific metrics collection.
// It wraps Prometheus collectors for ingestion, fan-out, delegation, and
// settlement telemetry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides settlement pipeline metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Ingestion metrics
	eventsIngested  *prometheus.CounterVec
	eventsDuplicate *prometheus.CounterVec
	sequenceGaps    *prometheus.CounterVec
	ingestLatency   *prometheus.HistogramVec

	// Fan-out metrics
	subscribers     prometheus.Gauge
	eventsFannedOut *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec

	// Lifecycle metrics
	instanceStatus *prometheus.GaugeVec
	transitions    *prometheus.CounterVec

	// Settlement metrics
	batchesSubmitted *prometheus.CounterVec
	batchesConfirmed *prometheus.CounterVec
	batchesFailed    *prometheus.CounterVec
	submitAttempts   *prometheus.CounterVec
	settleLatency    *prometheus.HistogramVec
}

// NewCollector creates a new pipeline metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "rollup"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Events durably written to the ledger",
		},
		[]string{"rollup"},
	)
	c.eventsDuplicate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duplicates_total",
			Help:      "Replayed events deduplicated against the ledger",
		},
		[]string{"rollup"},
	)
	c.sequenceGaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "sequence_gaps_total",
			Help:      "Detected sequence gaps per ingestion epoch",
		},
		[]string{"rollup"},
	)
	c.ingestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "write_duration_seconds",
			Help:      "Latency of the durable ledger write",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"rollup"},
	)

	c.subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subscribers",
			Help:      "Active fan-out subscriptions",
		},
	)
	c.eventsFannedOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "delivered_total",
			Help:      "Events enqueued to subscriber queues",
		},
		[]string{"rollup"},
	)
	c.eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "dropped_total",
			Help:      "Events dropped from full subscriber queues",
		},
		[]string{"rollup"},
	)

	c.instanceStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "instance_status",
			Help:      "Current instance status (1=provisioning, 2=active, 3=settling, 4=terminated, 5=failed)",
		},
		[]string{"instance", "project"},
	)
	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by edge",
		},
		[]string{"from", "to"},
	)

	c.batchesSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "batches_submitted_total",
			Help:      "Settlement batches submitted to the base chain",
		},
		[]string{"rollup"},
	)
	c.batchesConfirmed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "batches_confirmed_total",
			Help:      "Settlement batches confirmed by the base chain",
		},
		[]string{"rollup"},
	)
	c.batchesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "batches_failed_total",
			Help:      "Settlement batches definitively rejected or retry-exhausted",
		},
		[]string{"rollup"},
	)
	c.submitAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "submit_attempts_total",
			Help:      "Base-chain submission attempts including retries",
		},
		[]string{"rollup"},
	)
	c.settleLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "confirm_duration_seconds",
			Help:      "Time from batch creation to confirmation",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"rollup"},
	)

	c.registry.MustRegister(
		c.eventsIngested, c.eventsDuplicate, c.sequenceGaps, c.ingestLatency,
		c.subscribers, c.eventsFannedOut, c.eventsDropped,
		c.instanceStatus, c.transitions,
		c.batchesSubmitted, c.batchesConfirmed, c.batchesFailed,
		c.submitAttempts, c.settleLatency,
	)
	return c
}

// Registry returns the underlying Prometheus registry for HTTP exposure.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordIngest records one durable ledger write.
func (c *Collector) RecordIngest(rollupID string, d time.Duration) {
	c.eventsIngested.WithLabelValues(rollupID).Inc()
	c.ingestLatency.WithLabelValues(rollupID).Observe(d.Seconds())
}

// RecordDuplicate records a deduplicated replay.
func (c *Collector) RecordDuplicate(rollupID string) {
	c.eventsDuplicate.WithLabelValues(rollupID).Inc()
}

// RecordSequenceGap records a detected epoch gap.
func (c *Collector) RecordSequenceGap(rollupID string) {
	c.sequenceGaps.WithLabelValues(rollupID).Inc()
}

// RecordSubscribers sets the active subscription gauge.
func (c *Collector) RecordSubscribers(n int) {
	c.subscribers.Set(float64(n))
}

// RecordFanout records an enqueue to a subscriber queue.
func (c *Collector) RecordFanout(rollupID string) {
	c.eventsFannedOut.WithLabelValues(rollupID).Inc()
}

// RecordDrop records a drop from a full subscriber queue.
func (c *Collector) RecordDrop(rollupID string) {
	c.eventsDropped.WithLabelValues(rollupID).Inc()
}

// RecordInstanceStatus sets the lifecycle status gauge for an instance.
func (c *Collector) RecordInstanceStatus(instanceID, projectID string, status int) {
	c.instanceStatus.WithLabelValues(instanceID, projectID).Set(float64(status))
}

// RecordTransition records one lifecycle edge.
func (c *Collector) RecordTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
}

// RecordSubmitAttempt records one base-chain submission attempt.
func (c *Collector) RecordSubmitAttempt(rollupID string) {
	c.submitAttempts.WithLabelValues(rollupID).Inc()
}

// RecordBatchSubmitted records a batch handed to the base chain.
func (c *Collector) RecordBatchSubmitted(rollupID string) {
	c.batchesSubmitted.WithLabelValues(rollupID).Inc()
}

// RecordBatchConfirmed records a confirmed batch and its end-to-end latency.
func (c *Collector) RecordBatchConfirmed(rollupID string, sinceCreate time.Duration) {
	c.batchesConfirmed.WithLabelValues(rollupID).Inc()
	c.settleLatency.WithLabelValues(rollupID).Observe(sinceCreate.Seconds())
}

// RecordBatchFailed records a failed batch.
func (c *Collector) RecordBatchFailed(rollupID string) {
	c.batchesFailed.WithLabelValues(rollupID).Inc()
}
