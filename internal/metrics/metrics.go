// Package metrics defines the prometheus collectors shared across daemons.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CASAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_cas_attempts_total",
		Help: "CAS attempts against the KV backend, by outcome.",
	}, []string{"outcome"}) // ok | conflict | error

	HintBufferDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kv_hint_buffer_depth",
		Help: "Number of pending hinted writes per backend replica.",
	}, []string{"backend"})

	ReadRepairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_read_repairs_total",
		Help: "Read-repair writes issued after a GET fan-out detected a stale replica.",
	}, []string{"backend"})

	AssignResult = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_assign_result_total",
		Help: "assign_one outcomes.",
	}, []string{"result"}) // assigned | no_drone | lock_failed | cas_conflict

	FleetSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_fleet_size",
		Help: "Drone count by weight class and status.",
	}, []string{"class", "status"})

	FeasibilityMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_feasibility_misses_total",
		Help: "Feasibility-check misses recorded against a drone.",
	}, []string{"drone_id"})

	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_scheduler_tick_seconds",
		Help:    "Wall time spent in one scheduler tick.",
		Buckets: prometheus.DefBuckets,
	})
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(CASAttempts, HintBufferDepth, ReadRepairs, AssignResult, FleetSize, FeasibilityMisses, TickDuration)
}
