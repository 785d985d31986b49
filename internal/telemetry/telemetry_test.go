package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	IncWebhookIntent("enqueued")
	IncQueuePromotion("entry")
	IncRiskOffset()
	IncCircuitBreakerTrip("binance")
	IncWatchdogRestart("queue_manager")
	IncOrphanedOrders(2)
	SetQueueDepth(3)
	SetOpenPositions(5)
	SetLeader(true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	for _, name := range []string{
		"dca_webhook_intents_total",
		"dca_queue_promotions_total",
		"dca_risk_offsets_total",
		"dca_circuit_breaker_trips_total",
		"dca_watchdog_restarts_total",
		"dca_orphaned_orders_total",
		"dca_queue_depth",
		"dca_open_positions",
		"dca_is_leader",
	} {
		assert.True(t, strings.Contains(text, name), "expected %s in metrics output", name)
	}
}
