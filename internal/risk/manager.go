// Package risk implements the Risk Engine (§4.10): the background cycle that
// recovers stuck closing positions, advances each group's post-pyramids risk
// timer, pairs a worst-eligible loser against its best winners, and executes
// the resulting partial-close offset. It also serves the pre-trade risk gate
// the Queue Manager consults before promoting any signal (§4.8, §4.11).
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dca-engine/controlplane/internal/apperr"
	"github.com/dca-engine/controlplane/internal/config"
	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/dca-engine/controlplane/internal/position"
	"github.com/dca-engine/controlplane/internal/repo"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Manager runs the §4.10 cycle on the leader, one user at a time.
type Manager struct {
	db          *repo.DB
	position    *position.Manager
	gateway     *exchange.Gateway
	cfg         config.RiskEngineConfig
	onHeartbeat func()
	onOffset    func(loser *model.PositionGroup, winners []model.PositionGroup, realizedFromWinners decimal.Decimal)
}

func New(db *repo.DB, pm *position.Manager, gateway *exchange.Gateway, cfg config.RiskEngineConfig) *Manager {
	return &Manager{db: db, position: pm, gateway: gateway, cfg: cfg}
}

// OnHeartbeat registers a callback invoked once per Tick, feeding the
// Watchdog's liveness tracking for this task (§4.11).
func (m *Manager) OnHeartbeat(fn func()) { m.onHeartbeat = fn }

// OnOffset registers a callback fired whenever executeOffset completes a
// loser/winners partial-close cycle, used to feed an operator notification
// channel.
func (m *Manager) OnOffset(fn func(loser *model.PositionGroup, winners []model.PositionGroup, realizedFromWinners decimal.Decimal)) {
	m.onOffset = fn
}

// Tick implements one full §4.10 pass across every user with open work.
func (m *Manager) Tick(ctx context.Context) {
	userIDs, err := m.db.PositionGroups.AllUserIDsWithOpenWork()
	if err != nil {
		log.Error().Err(err).Msg("risk engine: load users failed")
		return
	}

	for _, userID := range userIDs {
		m.tickUser(ctx, userID)
	}

	if m.onHeartbeat != nil {
		m.onHeartbeat()
	}
}

func (m *Manager) tickUser(ctx context.Context, userID string) {
	user, err := m.db.Users.Get(userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("risk engine: user load failed")
		return
	}
	now := time.Now()

	m.recoverStuckClosing(user, now)
	active := m.updateTimers(user, now)

	maxWinners := user.RiskConfig.MaxWinnersToCombine
	if maxWinners == 0 {
		maxWinners = m.cfg.DefaultMaxWinnersToCombine
	}
	loser, winners, requiredUSD := SelectLoserAndWinners(active, maxWinners)
	if loser == nil {
		return
	}
	m.executeOffset(ctx, user, loser, winners, requiredUSD)
}

// recoverStuckClosing implements §4.10 step 1.
func (m *Manager) recoverStuckClosing(user *model.User, now time.Time) {
	closing, err := m.db.PositionGroups.GetClosingByUser(user.ID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("risk engine: load closing groups failed")
		return
	}
	for i := range closing {
		g := &closing[i]
		if RecoverStuckClosingPosition(g, m.cfg.ClosingStuckTimeout, now) {
			if err := m.db.PositionGroups.Update(g); err != nil {
				log.Error().Err(err).Str("group_id", g.ID).Msg("risk engine: persist stuck-closing recovery failed")
			} else {
				log.Warn().Str("group_id", g.ID).Str("new_status", string(g.Status)).Msg("recovered stuck closing position")
			}
		}
	}
}

// updateTimers implements §4.10 step 2 and returns the refreshed active set.
func (m *Manager) updateTimers(user *model.User, now time.Time) []model.PositionGroup {
	active, err := m.db.PositionGroups.GetActiveForRiskEngine(user.ID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("risk engine: load active groups failed")
		return nil
	}

	lossThreshold := user.RiskConfig.LossThresholdPercent
	if lossThreshold.IsZero() {
		lossThreshold = m.cfg.DefaultLossThresholdPct
	}
	requiredPyramids := user.RiskConfig.RequiredPyramidsForTimer
	if requiredPyramids == 0 {
		requiredPyramids = m.cfg.DefaultRequiredPyramids
	}
	waitMinutes := user.RiskConfig.PostPyramidsWaitMinutes
	if waitMinutes == 0 {
		waitMinutes = m.cfg.DefaultPostPyramidsWaitMinutes
	}

	for i := range active {
		g := &active[i]
		if UpdateRiskTimer(g, lossThreshold, requiredPyramids, waitMinutes, now) {
			if err := m.db.PositionGroups.Update(g); err != nil {
				log.Error().Err(err).Str("group_id", g.ID).Msg("risk engine: persist timer update failed")
			}
		}
	}
	return active
}

// executeOffset implements §4.10 step 4: partial-close the selected winners
// and fully close the loser with the proceeds they freed up.
func (m *Manager) executeOffset(ctx context.Context, user *model.User, loser *model.PositionGroup, winners []model.PositionGroup, requiredUSD decimal.Decimal) {
	venues := make(map[string]exchange.Interface)
	resolve := func(venue string) (exchange.Interface, error) {
		if conn, ok := venues[venue]; ok {
			return conn, nil
		}
		conn, err := m.resolveConnector(user, venue)
		if err != nil {
			return nil, err
		}
		venues[venue] = conn
		return conn, nil
	}

	prices := make(map[string]decimal.Decimal)
	precision := make(map[string]model.PrecisionRule)
	symbols := map[string]string{loser.Symbol: loser.Venue}
	for _, w := range winners {
		symbols[w.Symbol] = w.Venue
	}
	for symbol, venue := range symbols {
		conn, err := resolve(venue)
		if err != nil {
			log.Warn().Err(err).Str("venue", venue).Msg("risk engine: connector resolve failed, skipping offset")
			return
		}
		price, err := conn.GetCurrentPrice(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("risk engine: price fetch failed, skipping offset")
			return
		}
		prices[symbol] = price
		rules, err := conn.GetPrecisionRules(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", venue).Msg("risk engine: precision rules fetch failed, skipping offset")
			return
		}
		if rule, ok := rules[symbol]; ok {
			precision[symbol] = rule
		}
	}

	plan := CalculatePartialCloseQuantities(winners, prices, precision, requiredUSD)
	if len(plan) == 0 {
		log.Warn().Str("group_id", loser.ID).Msg("risk engine: no winner could fund offset, skipping this cycle")
		loser.RiskSkipOnce = true
		_ = m.db.PositionGroups.Update(loser)
		return
	}

	var realizedFromWinners decimal.Decimal
	for _, item := range plan {
		winner := item.Group
		conn, err := resolve(winner.Venue)
		if err != nil {
			continue
		}
		realized, err := m.position.PartialClose(ctx, conn, &winner, item.Quantity, winner.MaxSlippagePercent, "offset_winner")
		if err != nil {
			log.Error().Err(err).Str("group_id", winner.ID).Msg("risk engine: winner partial close failed")
			continue
		}
		realizedFromWinners = realizedFromWinners.Add(realized)
	}

	conn, err := resolve(loser.Venue)
	if err != nil {
		return
	}
	if err := m.position.ExitSignal(ctx, conn, loser, loser.MaxSlippagePercent, "offset_loss"); err != nil {
		log.Error().Err(err).Str("group_id", loser.ID).Msg("risk engine: loser exit failed after winners already partially closed")
		return
	}
	log.Info().Str("group_id", loser.ID).Str("realized_from_winners", realizedFromWinners.String()).Msg("risk offset executed")
	if m.onOffset != nil {
		m.onOffset(loser, winners, realizedFromWinners)
	}
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

// PreTradeCheck implements §4.10's pre-trade risk gate and satisfies
// queue.RiskGate. It runs before any signal is promoted off the queue.
func (m *Manager) PreTradeCheck(ctx context.Context, user *model.User, symbol, venue string, timeframe int, isPyramid bool) error {
	rc := user.RiskConfig
	if rc.ForceStop {
		return apperr.Precondition("trading is force-stopped for this user")
	}

	if !isPyramid && rc.MaxOpenPositionsPerSymbol > 0 {
		count, err := m.db.PositionGroups.CountOpenBySymbolTimeframeVenue(user.ID, symbol, venue, timeframe)
		if err != nil {
			return err
		}
		if count >= int64(rc.MaxOpenPositionsPerSymbol) {
			return apperr.Precondition("max_open_positions_per_symbol reached")
		}
	}

	active, err := m.db.PositionGroups.GetAllActiveByUser(user.ID)
	if err != nil {
		return err
	}
	if !isPyramid && rc.MaxOpenPositionsGlobal > 0 && len(active) >= rc.MaxOpenPositionsGlobal {
		return apperr.Precondition("max_open_positions_global reached")
	}

	if rc.MaxTotalExposureUSD.GreaterThan(decimal.Zero) {
		var exposure decimal.Decimal
		for _, g := range active {
			exposure = exposure.Add(g.TotalInvestedUSD)
		}
		if exposure.GreaterThanOrEqual(rc.MaxTotalExposureUSD) {
			return apperr.Precondition("max_total_exposure_usd reached")
		}
	}

	if rc.MaxRealizedLossUSD.GreaterThan(decimal.Zero) {
		dailyPnL, err := m.db.PositionGroups.GetDailyRealizedPnL(user.ID, time.Now())
		if err != nil {
			return err
		}
		if decimal.NewFromFloat(dailyPnL).LessThanOrEqual(rc.MaxRealizedLossUSD.Neg()) {
			return apperr.Precondition("max_realized_loss_usd reached for today")
		}
	}

	return nil
}
