package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotransfer_executions_total",
		Help: "Execution attempts by chain, kind and final state",
	}, []string{"chain_id", "kind", "state"})

	ExecutionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotransfer_execution_errors_total",
		Help: "Failed execution attempts by error code",
	}, []string{"chain_id", "error_type"})

	ExecutionTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autotransfer_execution_seconds",
		Help:    "Time from claim to confirmation",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"chain_id"})

	TopUps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotransfer_top_ups_total",
		Help: "Treasury top-ups sent",
	}, []string{"chain_id"})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autotransfer_sweep_seconds",
		Help:    "Duration of a sweep",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"sweep"})

	SweepItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autotransfer_sweep_items",
		Help: "Items picked up by the last sweep",
	}, []string{"sweep"})

	SkippedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotransfer_skipped_ticks_total",
		Help: "Ticks skipped because the previous sweep was still running",
	}, []string{"sweep"})

	BreakerSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotransfer_breaker_skips_total",
		Help: "Items left due because their chain's circuit breaker was open",
	}, []string{"chain_id"})

	TriggersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotransfer_triggers_fired_total",
		Help: "Price triggers whose condition held",
	}, []string{"chain_id", "comparison"})

	ObservedPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autotransfer_observed_price",
		Help: "Last price seen per symbol",
	}, []string{"symbol"})
)
