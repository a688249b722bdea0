// Package telemetry exposes the counters of a collection run and can push
// them to a Prometheus Pushgateway, since the process exits after one cycle.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	namespace = "envmonitor"
	// Job is the Pushgateway job name.
	Job = "envmonitor_collector"
)

var (
	// CycleTargets is the number of targets of the current cycle.
	CycleTargets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_targets",
			Help:      "Number of security servers resolved for the collection cycle",
		},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Security server queries by terminal state",
		},
		[]string{"state"},
	)

	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time taken to query one security server",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"state"},
	)

	documentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Snapshot documents by publish outcome",
		},
		[]string{"outcome"},
	)

	lastPublish = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_publish_timestamp_seconds",
			Help:      "Unix time of the last successful snapshot publish",
		},
	)
)

// ObserveFetch records one finished target.
func ObserveFetch(state string, took time.Duration) {
	fetchesTotal.WithLabelValues(state).Inc()
	fetchDuration.WithLabelValues(state).Observe(took.Seconds())
}

// ObservePublish records the outcome of a publish.
func ObservePublish(written, failed int, at time.Time) {
	documentsTotal.WithLabelValues("written").Add(float64(written))
	documentsTotal.WithLabelValues("failed").Add(float64(failed))
	lastPublish.Set(float64(at.Unix()))
}

// Push sends every registered metric to the Pushgateway at url, grouped by
// instance.
func Push(ctx context.Context, url, instance string) error {
	err := push.New(url, Job).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("xroad_instance", instance).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
