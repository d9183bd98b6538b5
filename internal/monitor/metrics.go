package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var jobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dossier_jobs_started_total",
	Help: "counter of jobs claimed by the dispatcher",
}, []string{"type"})

var jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dossier_jobs_finished_total",
	Help: "counter of jobs reaching a terminal status",
}, []string{"type", "status"})

var ingestFiles = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dossier_ingest_files_total",
	Help: "counter of files ingested into the corpus",
}, []string{"source"})

var ingestChunks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dossier_ingest_chunks_total",
	Help: "counter of chunks committed to the corpus",
})

var makerRounds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "dossier_maker_rounds",
	Help:    "sampling rounds needed to reach consensus",
	Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
})

var searchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "dossier_search_latency_seconds",
	Help:    "hybrid search latency",
	Buckets: prometheus.DefBuckets,
})

// JobStarted marks one job claimed for execution.
func JobStarted(jobType string) { jobsStarted.WithLabelValues(jobType).Inc() }

// JobFinished marks one job reaching a terminal status.
func JobFinished(jobType, status string) { jobsFinished.WithLabelValues(jobType, status).Inc() }

// IngestFile marks one file ingested from a source.
func IngestFile(source string) { ingestFiles.WithLabelValues(source).Inc() }

// IngestChunks adds committed chunks.
func IngestChunks(n int) { ingestChunks.Add(float64(n)) }

// MakerRounds observes the rounds one consensus vote took.
func MakerRounds(rounds int) { makerRounds.Observe(float64(rounds)) }

// SearchLatency observes one hybrid search.
func SearchLatency(d time.Duration) { searchLatency.Observe(d.Seconds()) }

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler { return promhttp.Handler() }
