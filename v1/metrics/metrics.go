package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockGrantCounter tracks granted lock acquisitions (single and batch).
	LockGrantCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_grants_total",
		Help: "Total number of granted lock acquisitions",
	})
	// LockDenyCounter tracks denied lock acquisitions.
	LockDenyCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_denials_total",
		Help: "Total number of denied lock acquisitions",
	})
	// LockReleaseCounter tracks removed lock table entries.
	LockReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_releases_total",
		Help: "Total number of released locks",
	})
	// RollbackCounter tracks batches rolled back after a partial acquisition.
	RollbackCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_rollbacks_total",
		Help: "Total number of rolled back lock batches",
	})
	// CallCounter tracks remote calls by outcome.
	CallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_rpc_calls_total",
		Help: "Total number of remote calls by outcome",
	}, []string{"outcome"})
	// PendingGauge reports outstanding remote calls.
	PendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_rpc_pending",
		Help: "Current number of pending remote calls",
	})
	// SessionGauge reports open sessions.
	SessionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_sessions",
		Help: "Current number of open sessions",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers warden metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockGrantCounter, LockDenyCounter, LockReleaseCounter,
		RollbackCounter, CallCounter, PendingGauge, SessionGauge)
}
