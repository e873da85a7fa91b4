// Package metrics defines the Prometheus collectors of the polling pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	FeedFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "microsub_feed_fetch_total",
		Help: "Feed fetch attempts by result",
	}, []string{"result"})
	ItemsAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "microsub_items_added_total",
		Help: "Items inserted into channel timelines",
	})
	FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "microsub_feed_fetch_duration_seconds",
		Help:    "Duration of fetch and ingest for one feed",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
	}, []string{"result"})
	DueFeeds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "microsub_due_feeds",
		Help: "Feeds found due at the last scheduler tick",
	})
)

// Fetch results.
const (
	ResultUpdated     = "updated"
	ResultNotModified = "not_modified"
	ResultError       = "error"
)

// MustRegister registers every collector.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(FeedFetches, ItemsAdded, FetchDuration, DueFeeds)
}

// ObserveFeed records one processed feed.
func ObserveFeed(result string, itemsAdded int, d time.Duration) {
	FeedFetches.WithLabelValues(result).Inc()
	FetchDuration.WithLabelValues(result).Observe(d.Seconds())
	if itemsAdded > 0 {
		ItemsAdded.Add(float64(itemsAdded))
	}
}
