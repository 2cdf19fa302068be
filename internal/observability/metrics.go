// Package observability holds the service-wide metrics and logger setup.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activityPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cragfeed",
		Subsystem: "persistence",
		Name:      "last_activity_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity persisted to Postgres.",
	})

	feedPageDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cragfeed",
		Subsystem: "feed",
		Name:      "page_duration_seconds",
		Help:      "Time spent assembling a feed page including reaction hydration.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	feedPageSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cragfeed",
		Subsystem: "feed",
		Name:      "page_items",
		Help:      "Number of items returned per feed page.",
		Buckets:   []float64{0, 1, 5, 10, 20, 50, 100},
	})

	feedErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cragfeed",
		Subsystem: "feed",
		Name:      "page_errors_total",
		Help:      "Number of feed page requests that failed with a data access error.",
	})

	feedCacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cragfeed",
		Subsystem: "feed",
		Name:      "cache_lookups_total",
		Help:      "Feed page cache lookups labeled by result.",
	}, []string{"result"})

	mutationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cragfeed",
		Subsystem: "mutations",
		Name:      "total",
		Help:      "Reaction and rating mutations labeled by kind and outcome.",
	}, []string{"kind", "outcome"})
)

func init() {
	prometheus.MustRegister(activityPersistGauge, feedPageDuration, feedPageSize, feedErrorCounter, feedCacheCounter, mutationCounter)
}

// RecordActivityPersisted updates the persistence watermark gauge.
func RecordActivityPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityPersistGauge.Set(float64(ts.Unix()))
}

// ObserveFeedPage records the size and latency of a served feed page.
func ObserveFeedPage(items int, elapsed time.Duration) {
	feedPageSize.Observe(float64(items))
	feedPageDuration.Observe(elapsed.Seconds())
}

// RecordFeedError counts a failed feed page.
func RecordFeedError() {
	feedErrorCounter.Inc()
}

// RecordFeedCache counts a page cache hit or miss.
func RecordFeedCache(hit bool) {
	if hit {
		feedCacheCounter.WithLabelValues("hit").Inc()
		return
	}
	feedCacheCounter.WithLabelValues("miss").Inc()
}

// RecordMutation counts a reaction or rating write.
func RecordMutation(kind, outcome string) {
	mutationCounter.WithLabelValues(kind, outcome).Inc()
}

// MutationCount exposes the counter for tests.
func MutationCount(kind, outcome string) prometheus.Counter {
	return mutationCounter.WithLabelValues(kind, outcome)
}
