package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediacloud/story-indexer-sub000/pkg/log"
)

var (
	// Story metrics
	StoriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_stories_total",
			Help: "Total number of stories processed by worker and final status",
		},
		[]string{"worker", "status"},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_batches_total",
			Help: "Total number of batches processed by worker and status",
		},
		[]string{"worker", "status"},
	)

	PublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_messages_published_total",
			Help: "Total number of messages published by worker and destination",
		},
		[]string{"worker", "dest"},
	)

	// Fetcher metrics
	FetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "indexer_fetch_duration_seconds",
			Help:    "HTTP fetch wall time in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scoreboard metrics
	ScoreboardRecentSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexer_scoreboard_recent_slots",
			Help: "Number of origin slots active or recently used",
		},
	)

	ScoreboardActiveFetches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexer_scoreboard_active_fetches",
			Help: "Number of HTTP fetches currently in flight",
		},
	)

	ScoreboardActiveSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexer_scoreboard_active_slots",
			Help: "Number of origin slots with at least one fetch in flight",
		},
	)

	// Archive metrics
	ArchivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_archives_total",
			Help: "Total number of archive files finalized by status",
		},
		[]string{"status"},
	)

	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_archive_uploads_total",
			Help: "Total number of archive uploads by store and status",
		},
		[]string{"store", "status"},
	)

	UploadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexer_archive_upload_duration_seconds",
			Help:    "Archive upload duration in seconds by store",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store"},
	)

	// Queuer metrics
	QueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_queued_stories_total",
			Help: "Total number of stories queued by queuer and status",
		},
		[]string{"queuer", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(StoriesTotal)
	prometheus.MustRegister(BatchesTotal)
	prometheus.MustRegister(PublishedTotal)
	prometheus.MustRegister(FetchDuration)
	prometheus.MustRegister(ScoreboardRecentSlots)
	prometheus.MustRegister(ScoreboardActiveFetches)
	prometheus.MustRegister(ScoreboardActiveSlots)
	prometheus.MustRegister(ArchivesTotal)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(UploadDuration)
	prometheus.MustRegister(QueuedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the metrics and health HTTP endpoint on addr in a background
// goroutine. An empty addr disables the endpoint.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger := log.WithComponent("metrics")
			logger.Error().Err(err).Str("addr", addr).Msg("metrics endpoint failed")
		}
	}()
}
