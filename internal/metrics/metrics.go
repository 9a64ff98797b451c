// Package metrics provides Prometheus metrics for ingestion and chat.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "exambuddy"

// Metrics groups every collector exambuddy exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	JobsEnqueued   *prometheus.CounterVec
	JobsProcessed  *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	ChunksUpserted *prometheus.CounterVec
	DeadLettered   *prometheus.CounterVec

	ChatRequests   *prometheus.CounterVec
	ChatDuration   prometheus.Histogram
	ChunksReturned prometheus.Histogram

	CollectionResets *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of ingestion jobs accepted, by lane",
		}, []string{"kind"}),
		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "jobs_processed_total",
			Help:      "Total number of ingestion job attempts, by lane and result",
		}, []string{"kind", "result"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "job_duration_seconds",
			Help:      "Duration of ingestion job attempts in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		ChunksUpserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "chunks_upserted_total",
			Help:      "Total number of chunks written to the vector store, by lane",
		}, []string{"kind"}),
		DeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "jobs_dead_lettered_total",
			Help:      "Total number of jobs moved to the dead-letter stream, by lane",
		}, []string{"kind"}),
		ChatRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total number of chat turns, by result",
		}, []string{"result"}),
		ChatDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "duration_seconds",
			Help:      "Duration of chat turns in seconds, including retrieval and generation",
			Buckets:   prometheus.DefBuckets,
		}),
		ChunksReturned: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "retrieved_chunks",
			Help:      "Number of chunks retrieved per chat turn",
			Buckets:   []float64{0, 1, 2, 3, 5, 10},
		}),
		CollectionResets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vectorstore",
			Name:      "collection_resets_total",
			Help:      "Total number of collection reset requests, by outcome",
		}, []string{"outcome"}),
	}
}

// RecordEnqueued counts an accepted job.
func (m *Metrics) RecordEnqueued(kind string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(kind).Inc()
}

// RecordJob records one processing attempt.
func (m *Metrics) RecordJob(kind, result string, chunks int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(kind, result).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if chunks > 0 {
		m.ChunksUpserted.WithLabelValues(kind).Add(float64(chunks))
	}
}

// RecordDeadLetter counts a job that exhausted its attempts.
func (m *Metrics) RecordDeadLetter(kind string) {
	if m == nil {
		return
	}
	m.DeadLettered.WithLabelValues(kind).Inc()
}

// RecordChat records one chat turn.
func (m *Metrics) RecordChat(result string, chunks int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(result).Inc()
	m.ChatDuration.Observe(elapsed.Seconds())
	m.ChunksReturned.Observe(float64(chunks))
}

// RecordReset records a collection reset; outcome is deleted, absent or error.
func (m *Metrics) RecordReset(outcome string) {
	if m == nil {
		return
	}
	m.CollectionResets.WithLabelValues(outcome).Inc()
}
