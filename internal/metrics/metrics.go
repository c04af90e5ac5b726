package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdftools",
			Name:      "operations_total",
			Help:      "Total document operations by op and result",
		},
		[]string{"op", "result"},
	)

	operationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pdftools",
			Name:      "operation_duration_seconds",
			Help:      "Duration of document operations by op",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"op"},
	)

	pagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdftools",
			Name:      "pages_processed_total",
			Help:      "Total pages rendered or copied by op",
		},
		[]string{"op"},
	)

	compressRatio = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pdftools",
			Name:      "compress_output_ratio",
			Help:      "Candidate size divided by original size for compress runs",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1, 1.25, 1.5, 2, 4},
		},
	)

	jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdftools",
			Name:      "jobs_total",
			Help:      "Async jobs finished by final status",
		},
		[]string{"status"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pdftools",
			Name:      "queue_depth",
			Help:      "Queue depth gauges for stream, pending and dlq",
		},
		[]string{"type"},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(operations, operationLatency, pagesProcessed, compressRatio, jobs, queueDepth)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveOperation(op, result string, dur time.Duration) {
	operations.WithLabelValues(op, result).Inc()
	operationLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func AddPages(op string, n int) { pagesProcessed.WithLabelValues(op).Add(float64(n)) }

func ObserveCompressRatio(r float64) { compressRatio.Observe(r) }

func IncJob(status string) { jobs.WithLabelValues(status).Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }
