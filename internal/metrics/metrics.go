// Package metrics exposes the relay's Prometheus collectors. Names and
// coverage are ported from the original's metrics module, which used
// the `metrics` crate's lazily-registered gauges/counters/histograms;
// here they become package-level collectors registered once at init,
// in the style of cuemby-warren's pkg/metrics.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_connections",
		Help: "Number of active WebSocket connections",
	})

	InboundEventsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbound_events_processed",
		Help: "Total number of inbound events processed",
	})

	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_subscriptions",
		Help: "Number of active REQ subscriptions across all connections",
	})

	GroupsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groups_created",
		Help: "Total number of groups created",
	})

	EventLatencyMS = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "event_latency_ms",
		Help: "Event processing latency in milliseconds by event kind",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"kind"})

	GroupsByPrivacy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groups_by_privacy",
		Help: "Number of groups by privacy settings (private/public and closed/open)",
	}, []string{"private", "closed"})

	ActiveGroupsByPrivacy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "active_groups_by_privacy",
		Help: "Number of active groups (2+ members; event count not considered) by privacy settings",
	}, []string{"private", "closed"})

	ActiveGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_groups",
		Help: "Number of groups with at least 2 members (event count not considered)",
	})
)

var registerOnce sync.Once

// Register installs every collector into the default registry. Safe to
// call more than once; only the first call has effect.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ActiveConnections,
			InboundEventsProcessed,
			ActiveSubscriptions,
			GroupsCreated,
			EventLatencyMS,
			GroupsByPrivacy,
			ActiveGroupsByPrivacy,
			ActiveGroups,
		)
	})
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// trackedKinds mirrors the original's recognized-custom-kind allowlist;
// anything else collapses into "other" to keep the kind label's
// cardinality bounded.
var trackedKinds = map[int]bool{
	9000: true, 9001: true, 9002: true, 9005: true, 9006: true,
	9007: true, 9008: true, 9009: true, 9021: true, 9022: true,
	39000: true, 39001: true, 39002: true, 39003: true,
}

// KindLabel returns the label EventLatencyMS should be recorded under
// for a given event kind, collapsing unrecognized custom kinds into
// "other" rather than letting every stray kind mint its own label.
func KindLabel(kind int) string {
	if kind < 10000 || kind >= 40000 {
		return strconv.Itoa(kind)
	}
	if trackedKinds[kind] {
		return strconv.Itoa(kind)
	}
	return "other"
}

// ObserveGroupPrivacy sets the groups_by_privacy gauge to count for the
// given (private, closed) combination.
func ObserveGroupPrivacy(private, closed bool, count float64) {
	GroupsByPrivacy.WithLabelValues(strconv.FormatBool(private), strconv.FormatBool(closed)).Set(count)
}

// ObserveActiveGroupPrivacy sets the active_groups_by_privacy gauge.
func ObserveActiveGroupPrivacy(private, closed bool, count float64) {
	ActiveGroupsByPrivacy.WithLabelValues(strconv.FormatBool(private), strconv.FormatBool(closed)).Set(count)
}
