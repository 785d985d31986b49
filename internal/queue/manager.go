package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dca-engine/controlplane/internal/apperr"
	"github.com/dca-engine/controlplane/internal/config"
	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/dca-engine/controlplane/internal/pool"
	"github.com/dca-engine/controlplane/internal/position"
	"github.com/dca-engine/controlplane/internal/repo"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// RiskGate is the pre-trade check the Risk Engine provides (§4.10 / §4.11).
// The Queue Manager depends on this narrow interface, not the concrete risk
// package, to keep the import graph acyclic.
type RiskGate interface {
	PreTradeCheck(ctx context.Context, user *model.User, symbol, venue string, timeframe int, isPyramid bool) error
}

// PromotionPayload is the subset of a queued signal's raw webhook payload the
// Queue Manager needs to replay a promotion: the DCA grid config frozen at
// enqueue time, plus the slippage bound for the resulting ladder. The HTTP
// webhook handler marshals one of these into signalrouter.Intent.Raw so it
// rides along with the QueuedSignal row untouched until promotion.
type PromotionPayload struct {
	GridConfig         model.DCAGridConfig `json:"grid_config"`
	MaxSlippagePercent decimal.Decimal     `json:"max_slippage_percent"`
}

type promotionPayload = PromotionPayload

// Manager runs the §4.8 promotion loop on the leader.
type Manager struct {
	db       *repo.DB
	pool     *pool.Manager
	position *position.Manager
	gateway  *exchange.Gateway
	riskGate RiskGate
	cfg      config.QueueConfig

	onHeartbeat func()
	onPromote   func(kind string)
}

func New(db *repo.DB, p *pool.Manager, pm *position.Manager, gateway *exchange.Gateway, riskGate RiskGate, cfg config.QueueConfig) *Manager {
	return &Manager{db: db, pool: p, position: pm, gateway: gateway, riskGate: riskGate, cfg: cfg}
}

// OnHeartbeat registers a callback invoked once per Tick, feeding the
// Watchdog's liveness tracking for this task (§4.11).
func (m *Manager) OnHeartbeat(fn func()) { m.onHeartbeat = fn }

// OnPromote registers a callback fired whenever a queued signal is
// successfully promoted, with kind one of "entry"/"pyramid", used to feed a
// promotions-total metric.
func (m *Manager) OnPromote(fn func(kind string)) { m.onPromote = fn }

// Tick implements one full pass of §4.8: refresh, rank, and promote the
// top-ranked queued signal of each user that currently has a free pool slot
// (at most one promotion per user per Tick).
func (m *Manager) Tick(ctx context.Context) {
	signals, err := m.db.QueuedSignals.AllQueued()
	if err != nil {
		log.Error().Err(err).Msg("queue tick: load queued signals failed")
		return
	}

	candidates := make([]model.QueuedSignal, 0, len(signals))
	for _, s := range signals {
		if m.pool.HasCapacity(s.UserID) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		if m.onHeartbeat != nil {
			m.onHeartbeat()
		}
		return
	}

	users := make(map[string]*model.User)
	for i := range candidates {
		sig := &candidates[i]
		user, err := m.loadUser(users, sig.UserID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", sig.UserID).Msg("queue tick: user load failed, skipping signal")
			continue
		}
		m.refreshLossPercent(ctx, user, sig)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].PriorityScore.GreaterThan(candidates[j].PriorityScore)
	})

	promotedPerUser := make(map[string]bool)
	for i := range candidates {
		sig := &candidates[i]
		if promotedPerUser[sig.UserID] {
			continue
		}
		if !m.pool.HasCapacity(sig.UserID) {
			continue
		}
		user, err := m.loadUser(users, sig.UserID)
		if err != nil {
			continue
		}
		if err := m.promote(ctx, user, sig); err != nil {
			log.Warn().Err(err).Str("signal_id", sig.ID).Msg("promotion failed")
			continue
		}
		promotedPerUser[sig.UserID] = true
		if m.onPromote != nil {
			kind := "entry"
			if sig.IsPyramid {
				kind = "pyramid"
			}
			m.onPromote(kind)
		}
	}

	if m.onHeartbeat != nil {
		m.onHeartbeat()
	}
}

func (m *Manager) loadUser(cache map[string]*model.User, userID string) (*model.User, error) {
	if u, ok := cache[userID]; ok {
		return u, nil
	}
	u, err := m.db.Users.Get(userID)
	if err != nil {
		return nil, err
	}
	cache[userID] = u
	return u, nil
}

// refreshLossPercent implements §4.8 step 2: for a pyramid-continuation
// signal, pull current_loss_percent from the position it would extend; for a
// fresh signal, compute it against the live market price relative to the
// signal's entry price. Failures are non-fatal — the signal keeps its
// previously stored value and still gets ranked.
func (m *Manager) refreshLossPercent(ctx context.Context, user *model.User, sig *model.QueuedSignal) {
	conn, err := m.resolveConnector(user, sig.Venue)
	if err != nil {
		return
	}
	currentPrice, err := conn.GetCurrentPrice(ctx, sig.Symbol)
	if err != nil {
		return
	}

	if sig.IsPyramid {
		group, err := m.db.PositionGroups.GetActivePositionGroupForSignal(nil, sig.UserID, sig.Symbol, sig.Venue, sig.Timeframe, sig.Side, false)
		if err != nil || group == nil {
			return
		}
		if err := m.position.RefreshAggregateStats(group, currentPrice); err != nil {
			return
		}
		sig.CurrentLossPct = group.UnrealizedPnLPct
		sig.PriorityScore = CalculatePriorityScore(sig, m.cfg, time.Since(sig.QueuedAt).Seconds())
		_ = m.db.QueuedSignals.Update(sig)
		return
	}

	if sig.EntryPrice.IsZero() {
		return
	}
	delta := currentPrice.Sub(sig.EntryPrice).Div(sig.EntryPrice).Mul(hundred)
	if sig.Side == model.SideSell {
		delta = delta.Neg()
	}
	sig.CurrentLossPct = delta
	sig.PriorityScore = CalculatePriorityScore(sig, m.cfg, time.Since(sig.QueuedAt).Seconds())
	_ = m.db.QueuedSignals.Update(sig)
}

var hundred = decimal.NewFromInt(100)

// promote attempts the §4.8 step 4 pipeline for one signal: pre-trade risk
// gate, request_slot, then create-or-pyramid. Any failure releases the slot
// (if taken) and marks the signal failed with a reason.
func (m *Manager) promote(ctx context.Context, user *model.User, sig *model.QueuedSignal) error {
	if err := m.riskGate.PreTradeCheck(ctx, user, sig.Symbol, sig.Venue, sig.Timeframe, sig.IsPyramid); err != nil {
		return m.failSignal(sig, "risk_gate: "+err.Error())
	}

	if !m.pool.RequestSlot(sig.UserID) {
		return m.failSignal(sig, "pool_full")
	}
	slotTaken := true
	defer func() {
		if slotTaken {
			m.pool.ReleaseSlot(sig.UserID)
		}
	}()

	conn, err := m.resolveConnector(user, sig.Venue)
	if err != nil {
		return m.failSignal(sig, "connector: "+err.Error())
	}
	rules, err := conn.GetPrecisionRules(ctx)
	if err != nil {
		return m.failSignal(sig, "precision_rules: "+err.Error())
	}
	rule, ok := rules[sig.Symbol]
	if !ok {
		return m.failSignal(sig, fmt.Sprintf("no precision rule for %s", sig.Symbol))
	}

	var payload promotionPayload
	if err := json.Unmarshal([]byte(sig.RawPayloadJSON), &payload); err != nil {
		return m.failSignal(sig, "payload decode: "+err.Error())
	}

	if sig.IsPyramid {
		group, err := m.db.PositionGroups.GetActivePositionGroupForSignal(nil, sig.UserID, sig.Symbol, sig.Venue, sig.Timeframe, sig.Side, false)
		if err != nil || group == nil {
			return m.failSignal(sig, "no active group for pyramid continuation")
		}
		if err := m.position.PyramidContinuation(ctx, conn, group, &payload.GridConfig, rule); err != nil {
			return m.failSignal(sig, "pyramid_continuation: "+err.Error())
		}
	} else {
		psig := position.Signal{
			UserID:      sig.UserID,
			Venue:       sig.Venue,
			Symbol:      sig.Symbol,
			Timeframe:   sig.Timeframe,
			Side:        sig.Side,
			EntryPrice:  sig.EntryPrice,
			GridConfig:  &payload.GridConfig,
			MaxSlippage: payload.MaxSlippagePercent,
		}
		if _, err := m.position.CreateFromSignal(ctx, conn, psig, rule); err != nil {
			return m.failSignal(sig, "create_from_signal: "+err.Error())
		}
	}

	slotTaken = false // ownership transfers to the live position; do not release on success
	sig.Status = model.SignalPromoted
	sig.UpdatedAt = time.Now()
	return m.db.QueuedSignals.Update(sig)
}

func (m *Manager) failSignal(sig *model.QueuedSignal, reason string) error {
	sig.Status = model.SignalFailed
	sig.FailureReason = reason
	sig.UpdatedAt = time.Now()
	if err := m.db.QueuedSignals.Update(sig); err != nil {
		return err
	}
	return apperr.Precondition(reason)
}

func (m *Manager) resolveConnector(user *model.User, venue string) (exchange.Interface, error) {
	creds, err := decodeVenueCreds(user.VenueCreds)
	if err != nil {
		return nil, err
	}
	cred, ok := creds[venue]
	if !ok {
		return nil, fmt.Errorf("user %s has no credentials for venue %s", user.ID, venue)
	}
	return m.gateway.Get(venue, cred)
}

func decodeVenueCreds(raw string) (map[string]model.VenueCredential, error) {
	creds := make(map[string]model.VenueCredential)
	if raw == "" {
		return creds, nil
	}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("decode venue_creds: %w", err)
	}
	return creds, nil
}
