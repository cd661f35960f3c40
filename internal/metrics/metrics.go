// Package metrics registers the Prometheus instruments exported at
// /metrics and offers typed helpers so callers never touch label strings.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	entriesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logwarden",
		Name:      "entries_ingested_total",
		Help:      "Log entries accepted into the queue, by priority band.",
	}, []string{"band"})

	entriesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logwarden",
		Name:      "entries_dropped_total",
		Help:      "Log entries rejected at admission, by reason.",
	}, []string{"reason"})

	entriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logwarden",
		Name:      "entries_processed_total",
		Help:      "Entries driven to a terminal status, by outcome.",
	}, []string{"outcome"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "logwarden",
		Name:      "queue_depth",
		Help:      "Entries currently resident in the priority queue.",
	})

	queueBackpressure = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "logwarden",
		Name:      "queue_backpressure",
		Help:      "1 while the backpressure latch is engaged.",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "logwarden",
		Name:      "batch_duration_seconds",
		Help:      "Wall time per processed batch.",
		Buckets:   prometheus.DefBuckets,
	})

	eventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logwarden",
		Name:      "events_broadcast_total",
		Help:      "Event updates fanned out to subscribers, by event type.",
	}, []string{"type"})

	eventsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logwarden",
		Name:      "events_throttled_total",
		Help:      "Event updates suppressed by throttle rules.",
	})

	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "logwarden",
		Name:      "websocket_connections",
		Help:      "Currently attached websocket subscribers.",
	})

	rateLimitViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logwarden",
		Name:      "rate_limit_violations_total",
		Help:      "Rate limiter rejections, by client standing.",
	}, []string{"standing"})

	recoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logwarden",
		Name:      "recovery_actions_total",
		Help:      "Recovery decisions taken, by category and action.",
	}, []string{"category", "action"})

	tailedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logwarden",
		Name:      "tailed_bytes_total",
		Help:      "Bytes read from monitored files, by source.",
	}, []string{"source"})
)

// Handler serves the registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordIngested(band string)       { entriesIngested.WithLabelValues(band).Inc() }
func RecordDropped(reason string)      { entriesDropped.WithLabelValues(reason).Inc() }
func RecordProcessed(outcome string)   { entriesProcessed.WithLabelValues(outcome).Inc() }
func SetQueueDepth(n int)              { queueDepth.Set(float64(n)) }
func ObserveBatch(seconds float64)     { batchDuration.Observe(seconds) }
func RecordBroadcast(eventType string) { eventsBroadcast.WithLabelValues(eventType).Inc() }
func RecordThrottled()                 { eventsThrottled.Inc() }
func SetWSConnections(n int)           { wsConnections.Set(float64(n)) }
func RecordViolation(standing string)  { rateLimitViolations.WithLabelValues(standing).Inc() }
func RecordTailedBytes(source string, n int) {
	tailedBytes.WithLabelValues(source).Add(float64(n))
}

// RecordRecovery counts one recovery decision.
func RecordRecovery(category, action string) {
	recoveryActions.WithLabelValues(category, action).Inc()
}

// SetBackpressure mirrors the queue latch.
func SetBackpressure(engaged bool) {
	if engaged {
		queueBackpressure.Set(1)
	} else {
		queueBackpressure.Set(0)
	}
}
