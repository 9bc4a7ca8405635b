package telemetry

import "github.com/prometheus/client_golang/prometheus"

var LeasesCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetforge",
		Subsystem: "leases",
		Name:      "created_total",
		Help:      "Total number of leases created by label.",
	},
	[]string{"label"},
)

var LeasesTerminatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetforge",
		Subsystem: "leases",
		Name:      "terminated_total",
		Help:      "Total number of leases terminated by reason.",
	},
	[]string{"reason"},
)

var ScaleLaunchAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetforge",
		Subsystem: "scale",
		Name:      "launch_attempts_total",
		Help:      "Total number of provisioning launch attempts by label.",
	},
	[]string{"label"},
)

var ScaleLaunchFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetforge",
		Subsystem: "scale",
		Name:      "launch_failed_total",
		Help:      "Total number of failed provisioning launch attempts by label and stage.",
	},
	[]string{"label", "stage"},
)

var ScaleSkipTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetforge",
		Subsystem: "scale",
		Name:      "skip_total",
		Help:      "Total number of scaler ticks skipped for a label by reason.",
	},
	[]string{"label", "reason"},
)

var ScaleRejectReasonTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetforge",
		Subsystem: "scale",
		Name:      "host_reject_reason_total",
		Help:      "Total number of host rejections during eligibility scans by reason.",
	},
	[]string{"label", "reason"},
)

var ReconcileTickDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetforge",
		Subsystem: "reconcile",
		Name:      "tick_duration_seconds",
		Help:      "Reconciler tick duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{},
)

var ProvisionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetforge",
		Subsystem: "provision",
		Name:      "duration_seconds",
		Help:      "Provisioning duration in seconds by outcome.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"outcome"},
)

var HostsStaleTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetforge",
		Subsystem: "hosts",
		Name:      "stale_total",
		Help:      "Total number of stale-host observations made by the GC sweep.",
	},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetforge",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// All returns all fleetforge-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		LeasesCreatedTotal,
		LeasesTerminatedTotal,
		ScaleLaunchAttemptsTotal,
		ScaleLaunchFailedTotal,
		ScaleSkipTotal,
		ScaleRejectReasonTotal,
		ReconcileTickDuration,
		ProvisionDuration,
		HostsStaleTotal,
		HTTPRequestDuration,
	}
}
