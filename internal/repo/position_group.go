package repo

import (
	"time"

	"github.com/dca-engine/controlplane/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PositionGroupRepo struct{ db *gorm.DB }

func (r *PositionGroupRepo) Create(g *model.PositionGroup) error {
	return r.db.Create(g).Error
}

func (r *PositionGroupRepo) Update(g *model.PositionGroup) error {
	return r.db.Save(g).Error
}

func (r *PositionGroupRepo) Get(id string) (*model.PositionGroup, error) {
	var g model.PositionGroup
	if err := r.db.First(&g, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// GetWithOrders eager-loads Pyramids and their DCAOrders.
func (r *PositionGroupRepo) GetWithOrders(id string) (*model.PositionGroup, error) {
	var g model.PositionGroup
	err := r.db.Preload("Pyramids").Preload("Pyramids.DCAOrders").First(&g, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetActivePositionGroupForSignal is the pyramid-continuation / dedup match:
// an active group on the same (user, symbol, exchange, timeframe, side).
// When forUpdate is set the row is locked FOR UPDATE within the caller's
// transaction (§5 item 4).
func (r *PositionGroupRepo) GetActivePositionGroupForSignal(tx *gorm.DB, userID, symbol, venue string, timeframe int, side model.Side, forUpdate bool) (*model.PositionGroup, error) {
	if tx == nil {
		tx = r.db
	}
	q := tx.Where(
		"user_id = ? AND symbol = ? AND venue = ? AND timeframe = ? AND side = ? AND status IN ?",
		userID, symbol, venue, timeframe, side,
		[]model.PositionGroupStatus{model.GroupLive, model.GroupPartiallyFilled, model.GroupActive},
	)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var g model.PositionGroup
	err := q.First(&g).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetActivePositionGroupForExit matches for an exit signal; timeframe is
// optional (nil means "any timeframe") because exits may arrive without one.
func (r *PositionGroupRepo) GetActivePositionGroupForExit(tx *gorm.DB, userID, symbol, venue string, timeframe *int, side model.Side, forUpdate bool) (*model.PositionGroup, error) {
	if tx == nil {
		tx = r.db
	}
	q := tx.Where(
		"user_id = ? AND symbol = ? AND venue = ? AND side = ? AND status IN ?",
		userID, symbol, venue, side,
		[]model.PositionGroupStatus{model.GroupLive, model.GroupPartiallyFilled, model.GroupActive, model.GroupClosing},
	)
	if timeframe != nil {
		q = q.Where("timeframe = ?", *timeframe)
	}
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var g model.PositionGroup
	err := q.First(&g).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetAllActiveByUser returns live/partially_filled/active groups only
// (excludes closing/closed/failed/waiting).
func (r *PositionGroupRepo) GetAllActiveByUser(userID string) ([]model.PositionGroup, error) {
	var groups []model.PositionGroup
	err := r.db.Where(
		"user_id = ? AND status IN ?", userID,
		[]model.PositionGroupStatus{model.GroupLive, model.GroupPartiallyFilled, model.GroupActive},
	).Find(&groups).Error
	return groups, err
}

// GetActiveForRiskEngine returns groups in `active` status for a user,
// the working set for Risk Engine steps 2-3 (§4.10).
func (r *PositionGroupRepo) GetActiveForRiskEngine(userID string) ([]model.PositionGroup, error) {
	var groups []model.PositionGroup
	err := r.db.Where("user_id = ? AND status = ?", userID, model.GroupActive).Find(&groups).Error
	return groups, err
}

// GetClosingByUser returns groups currently in `closing`, the working set
// for Risk Engine Step 1 (stuck-position recovery).
func (r *PositionGroupRepo) GetClosingByUser(userID string) ([]model.PositionGroup, error) {
	var groups []model.PositionGroup
	err := r.db.Where("user_id = ? AND status = ?", userID, model.GroupClosing).Find(&groups).Error
	return groups, err
}

func (r *PositionGroupRepo) AllUserIDsWithOpenWork() ([]string, error) {
	var ids []string
	err := r.db.Model(&model.PositionGroup{}).
		Where("status IN ?", []model.PositionGroupStatus{model.GroupLive, model.GroupPartiallyFilled, model.GroupActive, model.GroupClosing}).
		Distinct().Pluck("user_id", &ids).Error
	return ids, err
}

// IncrementPyramidCount atomically bumps pyramid_count and total_dca_legs in
// one SQL-level update, preserving invariant (a) without a read-modify-write
// race (§4.5 "Pyramid continuation"). replacement_count is intentionally
// untouched here — it only moves on QueuedSignal, per §9's resolution of the
// source's replacement-count ambiguity.
func (r *PositionGroupRepo) IncrementPyramidCount(tx *gorm.DB, groupID string, additionalDCALegs int) (int, error) {
	if tx == nil {
		tx = r.db
	}
	if err := tx.Model(&model.PositionGroup{}).
		Where("id = ?", groupID).
		Updates(map[string]interface{}{
			"pyramid_count":  gorm.Expr("pyramid_count + 1"),
			"total_dca_legs": gorm.Expr("total_dca_legs + ?", additionalDCALegs),
		}).Error; err != nil {
		return 0, err
	}
	var g model.PositionGroup
	if err := tx.Select("pyramid_count").First(&g, "id = ?", groupID).Error; err != nil {
		return 0, err
	}
	return g.PyramidCount, nil
}

// GetDailyRealizedPnL sums realized_pnl_usd for groups closed within the
// UTC calendar day containing `at` — backs the pre-trade risk gate's
// "today's realized PnL" check (§4.10).
func (r *PositionGroupRepo) GetDailyRealizedPnL(userID string, at time.Time) (float64, error) {
	dayStart := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	var total float64
	row := r.db.Model(&model.PositionGroup{}).
		Select("COALESCE(SUM(realized_pnl_usd), 0)").
		Where("user_id = ? AND closed_at >= ? AND closed_at < ?", userID, dayStart, dayEnd).
		Row()
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *PositionGroupRepo) CountOpenBySymbolTimeframeVenue(userID, symbol, venue string, timeframe int) (int64, error) {
	var count int64
	err := r.db.Model(&model.PositionGroup{}).
		Where("user_id = ? AND symbol = ? AND venue = ? AND timeframe = ? AND status IN ?",
			userID, symbol, venue, timeframe,
			[]model.PositionGroupStatus{model.GroupLive, model.GroupPartiallyFilled, model.GroupActive}).
		Count(&count).Error
	return count, err
}
