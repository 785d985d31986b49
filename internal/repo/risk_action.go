package repo

import (
	"github.com/dca-engine/controlplane/internal/model"
	"gorm.io/gorm"
)

type RiskActionRepo struct{ db *gorm.DB }

func (r *RiskActionRepo) Create(a *model.RiskAction) error {
	return r.db.Create(a).Error
}

func (r *RiskActionRepo) GetByGroup(groupID string) ([]model.RiskAction, error) {
	var actions []model.RiskAction
	err := r.db.Where("group_id = ?", groupID).Order("timestamp DESC").Find(&actions).Error
	return actions, err
}
