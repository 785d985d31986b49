package repo

import (
	"github.com/dca-engine/controlplane/internal/model"
	"gorm.io/gorm"
)

type PyramidRepo struct{ db *gorm.DB }

func (r *PyramidRepo) Create(tx *gorm.DB, p *model.Pyramid) error {
	if tx == nil {
		tx = r.db
	}
	return tx.Create(p).Error
}

func (r *PyramidRepo) GetByGroup(groupID string) ([]model.Pyramid, error) {
	var pyramids []model.Pyramid
	err := r.db.Where("group_id = ?", groupID).Order("pyramid_index ASC").Find(&pyramids).Error
	return pyramids, err
}

func (r *PyramidRepo) Update(p *model.Pyramid) error {
	return r.db.Save(p).Error
}
