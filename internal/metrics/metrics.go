// Package metrics provides Prometheus metrics for the portal.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "careportal"

var (
	// GateDecisions counts request gate outcomes.
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Request gate decisions by action and redirect reason",
		},
		[]string{"action", "reason"},
	)

	// GuardDecisions counts client route guard outcomes.
	GuardDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Client route guard decisions by action and redirect reason",
		},
		[]string{"action", "reason"},
	)

	// SessionCacheReads counts session cache lookups.
	SessionCacheReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cache_reads_total",
			Help:      "Session cache reads by result (hit, miss, stale, error)",
		},
		[]string{"result"},
	)

	// ResolverFallbacks counts resolutions that fell back to sign-up metadata or defaults.
	ResolverFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_fallbacks_total",
			Help:      "Role resolver fallbacks by reason",
		},
		[]string{"reason"},
	)

	// IdentityRequestDuration measures identity provider calls.
	IdentityRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "identity_request_duration_seconds",
			Help:      "Duration of identity provider requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	// AuthEvents counts auth state change notifications.
	AuthEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Auth state change events emitted",
		},
		[]string{"type"},
	)
)

// ObserveIdentityRequest records one identity provider call.
func ObserveIdentityRequest(operation, status string, started time.Time) {
	IdentityRequestDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}
