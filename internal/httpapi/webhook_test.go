package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dca-engine/controlplane/internal/config"
	"github.com/dca-engine/controlplane/internal/coordination"
	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/leader"
	"github.com/dca-engine/controlplane/internal/mockexchange"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/dca-engine/controlplane/internal/orderservice"
	"github.com/dca-engine/controlplane/internal/ordersync"
	"github.com/dca-engine/controlplane/internal/position"
	"github.com/dca-engine/controlplane/internal/repo"
	"github.com/dca-engine/controlplane/internal/risk"
	"github.com/dca-engine/controlplane/internal/signalrouter"
	"github.com/dca-engine/controlplane/internal/watchdog"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *repo.DB, *mockexchange.Exchange) {
	t.Helper()
	db, err := repo.Open(":memory:")
	require.NoError(t, err)

	mock := mockexchange.New()
	mock.SetPrecision("BTCUSDT", model.PrecisionRule{
		TickSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.0001),
		MinQty: decimal.NewFromFloat(0.0001), MinNotional: decimal.NewFromInt(10),
	})
	mock.SetPrice("BTCUSDT", decimal.NewFromInt(50000))

	locks := coordination.NewLockManager(10 * time.Millisecond)
	orders := orderservice.New(db)
	gateway := exchange.NewGateway(exchange.DefaultCircuitBreakerConfig(), 5*time.Minute, mockexchange.NewFactory(mock))
	pm := position.New(db, locks, orders, gateway)
	router := signalrouter.New(db)
	riskMgr := risk.New(db, pm, gateway, config.RiskEngineConfig{ClosingStuckTimeout: 2 * time.Minute})
	resolver := func(ctx context.Context, userID, venue string) (exchange.Interface, error) {
		return gateway.Get("mock", model.VenueCredential{})
	}
	mon := ordersync.New(db, pm, orders, resolver)
	wd := watchdog.New(config.WatchdogConfig{
		CheckInterval: time.Second, HeartbeatTimeout: time.Minute, MaxRestarts: 3, RestartCooldown: time.Second, ErrorThreshold: 3,
	})
	elector := leader.New(locks, config.LeaderConfig{LockTTL: time.Second, RenewEvery: 10 * time.Millisecond}, "test-worker")

	s := New(db, gateway, pm, router, locks, riskMgr, mon, wd, elector)
	return s, db, mock
}

func seedUser(t *testing.T, db *repo.DB) *model.User {
	t.Helper()
	grid := model.DCAGridConfig{
		Levels: []model.DCALevel{
			{GapPercent: decimal.Zero, WeightPercent: decimal.NewFromInt(100), TPPercent: decimal.NewFromFloat(2)},
		},
		TotalCapitalUSD: decimal.NewFromInt(1000),
		TPMode:          model.TPModePerLeg,
		MaxPyramids:     3,
	}
	gridJSON, err := json.Marshal(grid)
	require.NoError(t, err)

	creds := map[string]model.VenueCredential{"mock": {EncryptedAPIKey: "abcd1234"}}
	credsJSON, err := json.Marshal(creds)
	require.NoError(t, err)

	user := &model.User{
		ID:             uuid.NewString(),
		WebhookSecret:  "s3cr3t",
		VenueCreds:     string(credsJSON),
		GridConfigJSON: string(gridJSON),
	}
	require.NoError(t, db.Users.Create(user))
	return user
}

func buyPayload(userID, secret string) map[string]interface{} {
	return map[string]interface{}{
		"user_id":   userID,
		"secret":    secret,
		"source":    "tradingview",
		"timestamp": "2026-07-31T00:00:00Z",
		"tv": map[string]interface{}{
			"exchange":    "mock",
			"symbol":      "BTC/USDT",
			"timeframe":   "60",
			"action":      "buy",
			"entry_price": "50000",
			"order_size":  "1000",
		},
		"execution_intent": map[string]interface{}{
			"type": "signal",
			"side": "buy",
		},
		"strategy_info": map[string]interface{}{
			"trade_id": "t1",
		},
	}
}

func postJSON(t *testing.T, s *Server, path string, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	return w
}

func TestHandleWebhook_EnqueuesNewBuySignal(t *testing.T) {
	s, db, _ := newTestServer(t)
	user := seedUser(t, db)

	w := postJSON(t, s, "/webhook/"+user.ID, buyPayload(user.ID, "s3cr3t"))
	require.Equal(t, 202, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, true, resp["queued"])

	queued, err := db.QueuedSignals.AllQueued()
	require.NoError(t, err)
	require.Len(t, queued, 1)
}

func TestHandleWebhook_RejectsBadSecret(t *testing.T) {
	s, db, _ := newTestServer(t)
	user := seedUser(t, db)

	w := postJSON(t, s, "/webhook/"+user.ID, buyPayload(user.ID, "wrong"))
	require.Equal(t, 403, w.Code)
}

func TestHandleWebhook_RejectsShortSignal(t *testing.T) {
	s, db, _ := newTestServer(t)
	user := seedUser(t, db)

	payload := buyPayload(user.ID, "s3cr3t")
	payload["tv"].(map[string]interface{})["action"] = "sell"
	payload["execution_intent"].(map[string]interface{})["type"] = "signal"
	payload["execution_intent"].(map[string]interface{})["side"] = "sell"

	w := postJSON(t, s, "/webhook/"+user.ID, payload)
	require.Equal(t, 400, w.Code)
}

func TestHandleWebhook_RejectsPlaceholderPayload(t *testing.T) {
	s, db, _ := newTestServer(t)
	user := seedUser(t, db)

	payload := buyPayload(user.ID, "s3cr3t")
	payload["tv"].(map[string]interface{})["symbol"] = "{{ticker}}"

	w := postJSON(t, s, "/webhook/"+user.ID, payload)
	require.Equal(t, 422, w.Code)
}

func TestHandleWebhook_UserIDMismatchIsValidationError(t *testing.T) {
	s, db, _ := newTestServer(t)
	user := seedUser(t, db)

	w := postJSON(t, s, "/webhook/"+uuid.NewString(), buyPayload(user.ID, "s3cr3t"))
	require.Equal(t, 422, w.Code)
}

func TestHandleWebhook_ExitWithNoOpenPositionReturns200(t *testing.T) {
	s, db, _ := newTestServer(t)
	user := seedUser(t, db)

	payload := buyPayload(user.ID, "s3cr3t")
	payload["tv"].(map[string]interface{})["action"] = "sell"
	payload["execution_intent"].(map[string]interface{})["type"] = "exit"
	payload["execution_intent"].(map[string]interface{})["side"] = "buy"
	payload["risk"] = map[string]interface{}{"max_slippage_percent": "1.0"}

	w := postJSON(t, s, "/webhook/"+user.ID, payload)
	require.Equal(t, 200, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, false, resp["closed"])
}

func TestHandleHealth_ReportsOK(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/health/comprehensive", nil)
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
}

func TestHandleForceStopAndStart_TogglesUserRiskConfig(t *testing.T) {
	s, db, _ := newTestServer(t)
	user := seedUser(t, db)

	w := postJSON(t, s, "/risk/force-stop", map[string]interface{}{"user_id": user.ID})
	require.Equal(t, 200, w.Code)

	reloaded, err := db.Users.Get(user.ID)
	require.NoError(t, err)
	require.True(t, reloaded.RiskConfig.ForceStop)

	w = postJSON(t, s, "/risk/force-start", map[string]interface{}{"user_id": user.ID})
	require.Equal(t, 200, w.Code)

	reloaded, err = db.Users.Get(user.ID)
	require.NoError(t, err)
	require.False(t, reloaded.RiskConfig.ForceStop)
}

func TestHandleDashboardAnalytics_ReturnsOK(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/dashboard/analytics", nil)
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
}
