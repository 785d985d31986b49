// Package telemetry exposes the control plane's Prometheus metrics
// (dca_* counters and gauges) on the metrics listener started alongside
// the webhook/operator HTTP surface. It follows the teacher's own metrics
// texture: package-level prometheus.NewCounterVec/NewGauge vars registered
// once in init(), plus small helper functions the rest of the engine calls
// instead of touching prometheus directly.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	webhookIntents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_webhook_intents_total",
			Help: "Webhook intents received, split by outcome.",
		},
		[]string{"outcome"}, // enqueued|sync_exit|rejected_short|rejected_validation|rejected_auth|rejected_lock_contended
	)

	queuePromotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_queue_promotions_total",
			Help: "Queued signals promoted off the priority queue.",
		},
		[]string{"kind"}, // entry|pyramid
	)

	riskOffsets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dca_risk_offsets_total",
			Help: "Risk engine partial-close offsets executed.",
		},
	)

	circuitBreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_circuit_breaker_trips_total",
			Help: "Circuit breaker transitions to open, by venue.",
		},
		[]string{"venue"},
	)

	watchdogRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_watchdog_restarts_total",
			Help: "Watchdog-triggered task restarts, by task.",
		},
		[]string{"task"},
	)

	orphanedOrders = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dca_orphaned_orders_total",
			Help: "Orphaned exchange orders detected by the order fill monitor.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dca_queue_depth",
			Help: "Signals currently sitting in the promotion queue.",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dca_open_positions",
			Help: "Position groups currently open across every user.",
		},
	)

	leaderStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dca_is_leader",
			Help: "1 if this replica currently holds the background task leader lock, else 0.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		webhookIntents,
		queuePromotions,
		riskOffsets,
		circuitBreakerTrips,
		watchdogRestarts,
		orphanedOrders,
		queueDepth,
		openPositions,
		leaderStatus,
	)
}

// Handler serves the Prometheus text exposition format, meant to be mounted
// at /metrics on its own listener, separate from the webhook/operator mux.
func Handler() http.Handler { return promhttp.Handler() }

func IncWebhookIntent(outcome string)       { webhookIntents.WithLabelValues(outcome).Inc() }
func IncQueuePromotion(kind string)         { queuePromotions.WithLabelValues(kind).Inc() }
func IncRiskOffset()                        { riskOffsets.Inc() }
func IncCircuitBreakerTrip(venue string)    { circuitBreakerTrips.WithLabelValues(venue).Inc() }
func IncWatchdogRestart(task string)        { watchdogRestarts.WithLabelValues(task).Inc() }
func IncOrphanedOrders(n int)               { orphanedOrders.Add(float64(n)) }
func SetQueueDepth(n int)                   { queueDepth.Set(float64(n)) }
func SetOpenPositions(n int)                { openPositions.Set(float64(n)) }
func SetLeader(isLeader bool) {
	if isLeader {
		leaderStatus.Set(1)
	} else {
		leaderStatus.Set(0)
	}
}
