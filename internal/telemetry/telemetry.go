// Package telemetry exposes Prometheus metrics for the service: ingestion
// outcomes and stages, retrieval and synthesis traffic, HTTP request
// latency, and queue depth.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/venia-ai/docsearch/internal/ingest"
)

// Metrics holds every collector the service registers. Register once per
// process; collectors are safe for concurrent use.
type Metrics struct {
	DocumentsIngested *prometheus.CounterVec
	IngestStages      *prometheus.CounterVec
	SearchRequests    *prometheus.CounterVec
	AnswerRequests    *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// NewMetrics registers the service's collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DocumentsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsearch",
			Name:      "documents_ingested_total",
			Help:      "Documents that finished the ingestion pipeline, by outcome.",
		}, []string{"outcome"}),
		IngestStages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsearch",
			Name:      "ingest_stage_events_total",
			Help:      "Progress events emitted by the ingestion pipeline, by stage.",
		}, []string{"stage"}),
		SearchRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsearch",
			Name:      "search_requests_total",
			Help:      "Search requests served, by cache outcome.",
		}, []string{"cache"}),
		AnswerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsearch",
			Name:      "answer_requests_total",
			Help:      "Answer requests served, by grounding outcome.",
		}, []string{"grounded"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsearch",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by bucket.",
		}, []string{"bucket"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docsearch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route, method, and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
}

// RegisterQueueDepth exposes the ingestion queue's live depth as a gauge
func (m *Metrics) RegisterQueueDepth(reg prometheus.Registerer, depth func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "docsearch",
		Name:      "ingest_queue_depth",
		Help:      "Jobs waiting in the ingestion queue.",
	}, func() float64 { return float64(depth()) })
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	m.RequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// ObserveSearch records one search, flagged by cache outcome
func (m *Metrics) ObserveSearch(cacheHit bool) {
	m.SearchRequests.WithLabelValues(strconv.FormatBool(cacheHit)).Inc()
}

// ObserveAnswer records one synthesized answer, flagged by grounding
func (m *Metrics) ObserveAnswer(grounded bool) {
	m.AnswerRequests.WithLabelValues(strconv.FormatBool(grounded)).Inc()
}

// ObserveRateLimited records one rejected request
func (m *Metrics) ObserveRateLimited(bucket string) {
	m.RateLimited.WithLabelValues(bucket).Inc()
}

// IngestObserver adapts the metrics to the ingestion pipeline's progress
// events.
type IngestObserver struct {
	metrics *Metrics
}

// NewIngestObserver creates the pipeline progress observer
func NewIngestObserver(metrics *Metrics) *IngestObserver {
	return &IngestObserver{metrics: metrics}
}

// Notify counts one pipeline stage event; a complete stage also counts a
// finished document.
func (o *IngestObserver) Notify(ev ingest.ProgressEvent) {
	o.metrics.IngestStages.WithLabelValues(ev.Stage).Inc()
	if ev.Stage == ingest.StageComplete {
		o.metrics.DocumentsIngested.WithLabelValues("completed").Inc()
	}
}

var _ ingest.Observer = (*IngestObserver)(nil)
