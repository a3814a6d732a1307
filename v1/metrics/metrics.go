package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireWriteCounter tracks successful exclusive acquisitions.
	AcquireWriteCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rwlock_acquire_write_total",
		Help: "Total number of successful write-lock acquisitions",
	})
	// AcquireReadCounter tracks successful shared acquisitions.
	AcquireReadCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rwlock_acquire_read_total",
		Help: "Total number of successful read-lock acquisitions",
	})
	// ReleaseCounter tracks successful releases of either role.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rwlock_release_total",
		Help: "Total number of successful releases",
	})
	// RetryCounter tracks acquisition attempts that found the lock busy.
	RetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rwlock_retry_total",
		Help: "Total number of busy acquisition attempts that were retried",
	})
	// OverrideCounter tracks successful writer overrides.
	OverrideCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rwlock_override_total",
		Help: "Total number of successful writer overrides",
	})
	// NotHeldCounter tracks releases attempted by non-holders.
	NotHeldCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rwlock_not_held_total",
		Help: "Total number of releases rejected because the caller held nothing",
	})
	// WaitersGauge reports the number of in-process callers blocked in an
	// acquisition loop.
	WaitersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rwlock_waiters",
		Help: "Current number of blocked acquisition loops in this process",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the rwlock metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireWriteCounter, AcquireReadCounter, ReleaseCounter,
		RetryCounter, OverrideCounter, NotHeldCounter, WaitersGauge,
	)
}
