package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/dca-engine/controlplane/internal/model"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// handleHealth implements §6.2's GET /health/comprehensive: a rollup of the
// database, the per-venue circuit breakers, the background task watchdog and
// this replica's leadership state. Degraded breakers or tasks are reported in
// the body with a 200; only a failed database ping turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if sqlDB, err := s.db.Gorm().DB(); err != nil || sqlDB.Ping() != nil {
		dbOK = false
	}

	breakers := s.gateway.Breakers().GetAllMetrics()
	breakersHealthy := s.gateway.Breakers().IsHealthy()

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"db_ok":            dbOK,
		"coordination_ok":  true,
		"is_leader":        s.elector.IsLeader(),
		"breakers_healthy": breakersHealthy,
		"breakers":         breakers,
		"tasks":            s.watchdog.Summary(),
	})
}

type userIDBody struct {
	UserID string `json:"user_id"`
}

// handleForceStop implements POST /risk/force-stop: sets RiskConfig.ForceStop
// so the Risk Engine's PreTradeCheck blocks new promotions for this user.
func (s *Server) handleForceStop(w http.ResponseWriter, r *http.Request) {
	s.setForceStop(w, r, true)
}

func (s *Server) handleForceStart(w http.ResponseWriter, r *http.Request) {
	s.setForceStop(w, r, false)
}

func (s *Server) setForceStop(w http.ResponseWriter, r *http.Request, stop bool) {
	var body userIDBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusUnprocessableEntity, "user_id required")
		return
	}
	user, err := s.db.Users.Get(body.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	user.RiskConfig.ForceStop = stop
	if err := s.db.Users.Update(user); err != nil {
		log.Error().Err(err).Msg("force-stop: update failed")
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": user.ID, "force_stop": stop})
}

// handleSyncExchange implements POST /risk/sync-exchange: an on-demand run
// of the Order Fill Monitor's reconciliation pass, outside its normal tick
// interval.
func (s *Server) handleSyncExchange(w http.ResponseWriter, r *http.Request) {
	s.orderSync.Tick(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"synced": true})
}

// handleClosePosition implements POST /positions/{id}/close: a manual exit
// of one position group, bypassing the Signal Router entirely.
func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]

	group, err := s.db.PositionGroups.Get(groupID)
	if err != nil || group == nil {
		writeError(w, http.StatusNotFound, "position group not found")
		return
	}
	if group.Status == model.GroupClosed || group.Status == model.GroupFailed {
		writeJSON(w, http.StatusOK, map[string]interface{}{"closed": false, "reason": "already terminal"})
		return
	}

	user, err := s.db.Users.Get(group.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, "owning user not found")
		return
	}

	conn, err := s.resolveConnector(user, group.Venue)
	if err != nil {
		log.Error().Err(err).Msg("manual close: connector resolve failed")
		writeError(w, http.StatusInternalServerError, "venue connector unavailable")
		return
	}

	slippage := group.MaxSlippagePercent
	if slippage.IsZero() {
		slippage = defaultExitSlippage
	}

	if err := s.positions.ExitSignal(r.Context(), conn, group, slippage, "manual operator close"); err != nil {
		log.Error().Err(err).Str("group_id", group.ID).Msg("manual close failed")
		writeError(w, http.StatusInternalServerError, "close failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"closed": true, "group_id": group.ID})
}

// handleDashboardAnalytics implements GET /dashboard/analytics: invested
// capital and realized/unrealized PnL aggregated across every user's open
// position groups (§6.2).
func (s *Server) handleDashboardAnalytics(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.Users.All()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load users failed")
		return
	}

	totalInvested := decimal.Zero
	unrealizedPnL := decimal.Zero
	realizedPnL := decimal.Zero
	openGroups := 0

	for _, u := range users {
		groups, err := s.db.PositionGroups.GetAllActiveByUser(u.ID)
		if err != nil {
			continue
		}
		for _, g := range groups {
			totalInvested = totalInvested.Add(g.TotalInvestedUSD)
			unrealizedPnL = unrealizedPnL.Add(g.UnrealizedPnLUSD)
			realizedPnL = realizedPnL.Add(g.RealizedPnLUSD)
			openGroups++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_invested_usd": totalInvested,
		"unrealized_pnl_usd": unrealizedPnL,
		"realized_pnl_usd":   realizedPnL,
		"open_groups":        openGroups,
		"user_count":         len(users),
	})
}
