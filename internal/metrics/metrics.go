//nolint:gochecknoglobals // prometheus collectors are process-wide
package metrics

import (
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Probe results.
const (
	ProbeFound    = "found"
	ProbeRejected = "rejected"
	ProbeNoAnswer = "no_answer"
)

// Discovery outcomes.
const (
	OutcomeFound        = "found"
	OutcomeNotFound     = "not_found"
	OutcomeDenied       = "permission_denied"
	OutcomeNoNetwork    = "network_unavailable"
	OutcomeCancelled    = "cancelled"
	OutcomeShortCircuit = "short_circuit"
)

// Reconnect stages.
const (
	StageDirect     = "direct"
	StageBackoff    = "backoff"
	StageRediscover = "rediscover"
)

var (
	DiscoveryRunsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bridge_discovery_runs_total",
			Help: "Discovery operations by outcome (Counter).",
		},
		[]string{"outcome"},
	)
	DiscoveryDuration = promauto.NewHistogram(prom.HistogramOpts{
		Name:    "bridge_discovery_duration_seconds",
		Help:    "Wall time of one discovery operation in seconds (Histogram).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 6, 8, 10, 15, 20},
	})
	DevicesFoundTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bridge_devices_found_total",
			Help: "Validated devices by discovery method (Counter).",
		},
		[]string{"method"},
	)
	ProbesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bridge_probes_total",
			Help: "Status probes by result (Counter). result=found|rejected|no_answer.",
		},
		[]string{"result"},
	)
	HealthChecksTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bridge_health_checks_total",
			Help: "Health probes of the connected bridge by outcome (Counter). outcome=ok|soft|clear.",
		},
		[]string{"outcome"},
	)
	ReconnectAttemptsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bridge_reconnect_attempts_total",
			Help: "Reconnection attempts by stage and outcome (Counter).",
		},
		[]string{"stage", "outcome"},
	)
	ConnectionState = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "bridge_connection_state",
			Help: "1 for the supervisor's current connection state, 0 otherwise (Gauge).",
		},
		[]string{"state"},
	)
	CloudLookupsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bridge_cloud_lookups_total",
			Help: "Cloud registry lookups by source (Counter). source=cache|network|error.",
		},
		[]string{"source"},
	)
)

// SetConnectionState flips the state gauge so exactly one label is 1.
func SetConnectionState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
