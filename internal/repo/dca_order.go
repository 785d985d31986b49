package repo

import (
	"github.com/dca-engine/controlplane/internal/model"
	"gorm.io/gorm"
)

type DCAOrderRepo struct{ db *gorm.DB }

func (r *DCAOrderRepo) Create(tx *gorm.DB, o *model.DCAOrder) error {
	if tx == nil {
		tx = r.db
	}
	return tx.Create(o).Error
}

func (r *DCAOrderRepo) Update(tx *gorm.DB, o *model.DCAOrder) error {
	if tx == nil {
		tx = r.db
	}
	return tx.Save(o).Error
}

func (r *DCAOrderRepo) Get(id string) (*model.DCAOrder, error) {
	var o model.DCAOrder
	if err := r.db.First(&o, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *DCAOrderRepo) GetByGroup(groupID string) ([]model.DCAOrder, error) {
	var orders []model.DCAOrder
	err := r.db.Where("group_id = ?", groupID).Order("leg_index ASC").Find(&orders).Error
	return orders, err
}

func (r *DCAOrderRepo) GetByPyramid(pyramidID string) ([]model.DCAOrder, error) {
	var orders []model.DCAOrder
	err := r.db.Where("pyramid_id = ?", pyramidID).Order("leg_index ASC").Find(&orders).Error
	return orders, err
}

// GetAllOpenOrdersForAllUsers is the §4.9 Step 1 batched query: the union of
//   - entry legs with status in open/partially_filled/trigger_pending, and
//   - FILLED entries whose TP state is unresolved — either waiting for a
//     placed TP to hit (tp_order_id set, tp_hit=false) or still needing TP
//     placement (tp_order_id unset, tp_hit=false, tp_mode in per_leg/hybrid,
//     owning group active or partially_filled) —
//
// across every user in one pass, grouped by user id. leg_index == TPFillLegIndex
// synthetic records are always excluded.
func (r *DCAOrderRepo) GetAllOpenOrdersForAllUsers() (map[string][]model.DCAOrder, error) {
	var orders []model.DCAOrder
	err := r.db.
		Joins("JOIN position_groups ON position_groups.id = dca_orders.group_id").
		Where("dca_orders.leg_index != ?", model.TPFillLegIndex).
		Where(
			r.db.Where("dca_orders.status IN ?", []model.OrderStatus{model.OrderOpen, model.OrderPartiallyFill, model.OrderTriggerPending}).
				Or(r.db.Where("dca_orders.status = ? AND dca_orders.tp_order_id != '' AND dca_orders.tp_hit = ?", model.OrderFilled, false)).
				Or(r.db.Where(
					"dca_orders.status = ? AND dca_orders.tp_order_id = '' AND dca_orders.tp_hit = ? AND position_groups.tp_mode IN ? AND position_groups.status IN ?",
					model.OrderFilled, false,
					[]model.TPMode{model.TPModePerLeg, model.TPModeHybrid},
					[]model.PositionGroupStatus{model.GroupActive, model.GroupPartiallyFilled},
				)),
		).
		Select("dca_orders.*, position_groups.user_id AS user_id_join").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}

	// user_id is not a column on DCAOrder; re-fetch owning groups to group
	// results by user without adding a denormalized column to the model.
	byGroup := make(map[string][]model.DCAOrder)
	for _, o := range orders {
		byGroup[o.GroupID] = append(byGroup[o.GroupID], o)
	}
	if len(byGroup) == 0 {
		return map[string][]model.DCAOrder{}, nil
	}

	groupIDs := make([]string, 0, len(byGroup))
	for gid := range byGroup {
		groupIDs = append(groupIDs, gid)
	}
	var groups []model.PositionGroup
	if err := r.db.Select("id, user_id").Where("id IN ?", groupIDs).Find(&groups).Error; err != nil {
		return nil, err
	}

	byUser := make(map[string][]model.DCAOrder)
	for _, g := range groups {
		byUser[g.UserID] = append(byUser[g.UserID], byGroup[g.ID]...)
	}
	return byUser, nil
}

func (r *DCAOrderRepo) GetOpenByGroup(groupID string) ([]model.DCAOrder, error) {
	var orders []model.DCAOrder
	err := r.db.Where(
		"group_id = ? AND status IN ? AND leg_index != ?", groupID,
		[]model.OrderStatus{model.OrderOpen, model.OrderPartiallyFill, model.OrderTriggerPending},
		model.TPFillLegIndex,
	).Find(&orders).Error
	return orders, err
}
