// Package httpapi is the control plane's external HTTP surface (§6.1, §6.2):
// the TradingView-style webhook that feeds the Signal Router, and a small
// set of operator endpoints for health, manual risk control and dashboard
// reads. Routing follows the teacher's connector/registry idiom — a thin
// Server struct holding references to every component, wired once at
// bootstrap and never reconstructed per-request.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/dca-engine/controlplane/internal/coordination"
	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/leader"
	"github.com/dca-engine/controlplane/internal/ordersync"
	"github.com/dca-engine/controlplane/internal/position"
	"github.com/dca-engine/controlplane/internal/repo"
	"github.com/dca-engine/controlplane/internal/risk"
	"github.com/dca-engine/controlplane/internal/signalrouter"
	"github.com/dca-engine/controlplane/internal/watchdog"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

var defaultExitSlippage = decimal.NewFromFloat(1.0)

// Server holds every component the HTTP surface dispatches into.
type Server struct {
	db        *repo.DB
	gateway   *exchange.Gateway
	positions *position.Manager
	router    *signalrouter.Router
	locks     *coordination.LockManager
	riskMgr   *risk.Manager
	orderSync *ordersync.Monitor
	watchdog  *watchdog.Watchdog
	elector   *leader.Elector

	webhookLockTTL     time.Duration
	webhookLockTimeout time.Duration
}

func New(
	db *repo.DB,
	gateway *exchange.Gateway,
	positions *position.Manager,
	router *signalrouter.Router,
	locks *coordination.LockManager,
	riskMgr *risk.Manager,
	orderSync *ordersync.Monitor,
	wd *watchdog.Watchdog,
	elector *leader.Elector,
) *Server {
	return &Server{
		db:                 db,
		gateway:            gateway,
		positions:          positions,
		router:             router,
		locks:              locks,
		riskMgr:            riskMgr,
		orderSync:          orderSync,
		watchdog:           wd,
		elector:            elector,
		webhookLockTTL:     10 * time.Second,
		webhookLockTimeout: 5 * time.Second,
	}
}

// Routes builds the gorilla/mux router for the whole surface.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/webhook/{user_id}", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/health/comprehensive", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/risk/force-stop", s.handleForceStop).Methods(http.MethodPost)
	r.HandleFunc("/risk/force-start", s.handleForceStart).Methods(http.MethodPost)
	r.HandleFunc("/risk/sync-exchange", s.handleSyncExchange).Methods(http.MethodPost)
	r.HandleFunc("/positions/{id}/close", s.handleClosePosition).Methods(http.MethodPost)
	r.HandleFunc("/dashboard/analytics", s.handleDashboardAnalytics).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isPlaceholder(s string) bool {
	return strings.Contains(s, "{{") && strings.Contains(s, "}}")
}
