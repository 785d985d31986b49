package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dca-engine/controlplane/internal/apperr"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/dca-engine/controlplane/internal/queue"
	"github.com/dca-engine/controlplane/internal/signalrouter"
	"github.com/dca-engine/controlplane/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	errNoGridConfig  = errors.New("user has no dca grid config configured")
	errBadGridConfig = errors.New("user's stored grid config is malformed")
)

// webhookPayload mirrors §6.1's four required top-level objects. Price and
// size fields are decoded as strings first so a templated producer that
// failed to substitute a placeholder (e.g. "{{ticker}}") is caught by
// validation instead of surfacing as an opaque JSON decode error.
type webhookPayload struct {
	UserID    string `json:"user_id"`
	Secret    string `json:"secret"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`

	TV struct {
		Exchange   string `json:"exchange"`
		Symbol     string `json:"symbol"`
		Timeframe  string `json:"timeframe"`
		Action     string `json:"action"`
		EntryPrice string `json:"entry_price"`
		OrderSize  string `json:"order_size"`
	} `json:"tv"`

	ExecutionIntent struct {
		Type            string `json:"type"`
		Side            string `json:"side"`
		PositionSizeType string `json:"position_size_type"`
	} `json:"execution_intent"`

	StrategyInfo struct {
		TradeID string `json:"trade_id"`
	} `json:"strategy_info"`

	Risk struct {
		MaxSlippagePercent string `json:"max_slippage_percent"`
	} `json:"risk"`
}

func (p *webhookPayload) placeholderFields() []string {
	candidates := []string{
		p.UserID, p.Secret, p.Source, p.Timestamp,
		p.TV.Exchange, p.TV.Symbol, p.TV.Action, p.TV.EntryPrice, p.TV.OrderSize,
		p.ExecutionIntent.Type, p.ExecutionIntent.Side, p.ExecutionIntent.PositionSizeType,
		p.StrategyInfo.TradeID, p.Risk.MaxSlippagePercent,
	}
	var bad []string
	for _, c := range candidates {
		if isPlaceholder(c) {
			bad = append(bad, c)
		}
	}
	return bad
}

func normalizeVenue(v string) string { return strings.ToLower(strings.TrimSpace(v)) }

func normalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "/", "")
}

// handleWebhook implements §6.1: validate, authenticate, normalize, and hand
// off to the Signal Router. Followers (non-leader replicas) still accept and
// route webhooks — only promotion, timers and reconciliation are leader-gated
// (§5 "Leader-gated singletons").
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	pathUserID := mux.Vars(r)["user_id"]

	var payload webhookPayload
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&payload); err != nil {
		telemetry.IncWebhookIntent("rejected_validation")
		writeError(w, http.StatusUnprocessableEntity, "malformed payload")
		return
	}

	if bad := payload.placeholderFields(); len(bad) > 0 {
		telemetry.IncWebhookIntent("rejected_validation")
		writeError(w, http.StatusUnprocessableEntity, "unresolved template placeholder in payload")
		return
	}

	if payload.UserID == "" || payload.UserID != pathUserID {
		telemetry.IncWebhookIntent("rejected_validation")
		writeError(w, http.StatusUnprocessableEntity, "user_id mismatch")
		return
	}

	user, err := s.db.Users.Get(pathUserID)
	if err != nil || user == nil {
		telemetry.IncWebhookIntent("rejected_auth")
		writeError(w, http.StatusForbidden, "unknown user or bad secret")
		return
	}
	if subtle.ConstantTimeCompare([]byte(payload.Secret), []byte(user.WebhookSecret)) != 1 {
		telemetry.IncWebhookIntent("rejected_auth")
		writeError(w, http.StatusForbidden, "bad secret")
		return
	}

	action := model.Side(strings.ToLower(payload.TV.Action))
	executionSide := model.Side(strings.ToLower(payload.ExecutionIntent.Side))
	if action != model.SideBuy && action != model.SideSell {
		writeError(w, http.StatusUnprocessableEntity, "tv.action must be buy or sell")
		return
	}
	if executionSide != model.SideBuy && executionSide != model.SideSell {
		writeError(w, http.StatusUnprocessableEntity, "execution_intent.side must be buy or sell")
		return
	}
	executionType := payload.ExecutionIntent.Type
	if executionType != "signal" && executionType != "exit" {
		writeError(w, http.StatusUnprocessableEntity, "execution_intent.type must be signal or exit")
		return
	}

	timeframe, err := strconv.Atoi(strings.TrimSpace(payload.TV.Timeframe))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "tv.timeframe is not an integer")
		return
	}

	entryPrice, err := decimal.NewFromString(payload.TV.EntryPrice)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "tv.entry_price is not a number")
		return
	}
	orderSize, err := decimal.NewFromString(payload.TV.OrderSize)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "tv.order_size is not a number")
		return
	}

	maxSlippage := defaultExitSlippage
	if payload.Risk.MaxSlippagePercent != "" {
		v, err := decimal.NewFromString(payload.Risk.MaxSlippagePercent)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "risk.max_slippage_percent is not a number")
			return
		}
		maxSlippage = v
	} else if executionType == "exit" {
		writeError(w, http.StatusUnprocessableEntity, "risk.max_slippage_percent is required for exits")
		return
	}

	sizeType := payload.ExecutionIntent.PositionSizeType
	if sizeType == "" {
		sizeType = "quote"
	}
	orderSizeQuote := orderSize
	if sizeType == "base" {
		orderSizeQuote = orderSize.Mul(entryPrice)
	}

	venue := normalizeVenue(payload.TV.Exchange)
	symbol := normalizeSymbol(payload.TV.Symbol)

	intent := signalrouter.Intent{
		UserID:             user.ID,
		Venue:              venue,
		Symbol:             symbol,
		Timeframe:          timeframe,
		Action:             action,
		ExecutionType:      executionType,
		ExecutionSide:      executionSide,
		EntryPrice:         entryPrice,
		OrderSizeQuote:     orderSizeQuote,
		MaxSlippagePercent: maxSlippage,
	}

	if action == model.SideBuy {
		grid, err := userGridConfig(user)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		raw, err := json.Marshal(queue.PromotionPayload{GridConfig: *grid, MaxSlippagePercent: maxSlippage})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encode promotion payload")
			return
		}
		intent.Raw = raw
	}

	lockKey := "webhook:" + user.ID + ":" + symbol + ":" + itoa(timeframe) + ":" + string(executionSide)
	ctx, cancel := context.WithTimeout(r.Context(), s.webhookLockTimeout+time.Second)
	defer cancel()

	var outcome *signalrouter.Outcome
	lockErr := s.locks.WithLock(ctx, lockKey, s.webhookLockTTL, s.webhookLockTimeout, func() error {
		o, err := s.router.Route(ctx, intent)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})

	if lockErr != nil {
		if errors.Is(lockErr, apperr.ErrShortRejected) {
			telemetry.IncWebhookIntent("rejected_short")
			writeError(w, http.StatusBadRequest, lockErr.Error())
			return
		}
		if errors.Is(lockErr, apperr.ErrLockTimeout) {
			telemetry.IncWebhookIntent("rejected_lock_contended")
			writeError(w, http.StatusConflict, "webhook dedup lock contended")
			return
		}
		log.Error().Err(lockErr).Str("user_id", user.ID).Msg("webhook: route failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if outcome.ExitRequested {
		telemetry.IncWebhookIntent("sync_exit")
		s.handleSyncExit(ctx, w, user, venue, symbol, timeframe, executionSide, maxSlippage)
		return
	}

	telemetry.IncWebhookIntent("enqueued")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued":     true,
		"is_pyramid": outcome.IsPyramid,
		"signal_id":  outcome.QueuedSignal.ID,
	})
}

// handleSyncExit executes an exit signal synchronously and replies 200 once
// the market close (or no-op, if nothing is open) has completed — exits are
// latency sensitive and are not routed through the promotion queue (§4.6).
func (s *Server) handleSyncExit(ctx context.Context, w http.ResponseWriter, user *model.User, venue, symbol string, timeframe int, side model.Side, maxSlippage decimal.Decimal) {
	tf := timeframe
	group, err := s.db.PositionGroups.GetActivePositionGroupForExit(nil, user.ID, symbol, venue, &tf, side, false)
	if err != nil {
		log.Error().Err(err).Msg("webhook: exit lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if group == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"closed": false, "reason": "no active position"})
		return
	}

	conn, err := s.resolveConnector(user, venue)
	if err != nil {
		log.Error().Err(err).Msg("webhook: exit connector resolve failed")
		writeError(w, http.StatusInternalServerError, "venue connector unavailable")
		return
	}

	if err := s.positions.ExitSignal(ctx, conn, group, maxSlippage, "webhook exit signal"); err != nil {
		log.Error().Err(err).Str("group_id", group.ID).Msg("webhook: exit failed")
		writeError(w, http.StatusInternalServerError, "exit failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"closed": true, "group_id": group.ID})
}

func userGridConfig(user *model.User) (*model.DCAGridConfig, error) {
	if user.GridConfigJSON == "" {
		return nil, errNoGridConfig
	}
	var grid model.DCAGridConfig
	if err := json.Unmarshal([]byte(user.GridConfigJSON), &grid); err != nil {
		return nil, errBadGridConfig
	}
	if len(grid.Levels) == 0 {
		return nil, errNoGridConfig
	}
	return &grid, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
