// Package metrics provides Prometheus metrics for the image cache.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache coordinator metrics
	lookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firebase_image_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"result"},
	)

	refreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firebase_image_refreshes_total",
			Help: "Total number of freshness checks by outcome",
		},
		[]string{"result"},
	)

	bytesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firebase_image_remote_bytes_fetched_total",
			Help: "Total bytes fetched from remote storage",
		},
	)

	// Remote client metrics
	remoteOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "firebase_image_remote_op_duration_seconds",
			Help:    "Remote storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "success"},
	)

	// Metadata store metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "firebase_image_db_query_duration_seconds",
			Help:    "Metadata store query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)
)

// RecordLookup records a cache lookup by result ("hit" or "miss").
func RecordLookup(result string) {
	lookupsTotal.WithLabelValues(result).Inc()
}

// RecordRefresh records a freshness check outcome
// ("fresh", "refreshed" or "failed").
func RecordRefresh(result string) {
	refreshesTotal.WithLabelValues(result).Inc()
}

// RecordBytesFetched records bytes downloaded from remote storage.
func RecordBytesFetched(n int) {
	bytesFetched.Add(float64(n))
}

// RecordRemoteOperation records a remote storage operation.
func RecordRemoteOperation(op string, d time.Duration, success bool) {
	remoteOpDuration.WithLabelValues(op, strconv.FormatBool(success)).Observe(d.Seconds())
}

// RecordDBQuery records a metadata store query duration.
func RecordDBQuery(query string, d time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(d.Seconds())
}
