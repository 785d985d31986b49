package repo

import (
	"github.com/dca-engine/controlplane/internal/model"
	"gorm.io/gorm"
)

type UserRepo struct{ db *gorm.DB }

func (r *UserRepo) Get(id string) (*model.User, error) {
	var u model.User
	if err := r.db.First(&u, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) Create(u *model.User) error {
	return r.db.Create(u).Error
}

func (r *UserRepo) Update(u *model.User) error {
	return r.db.Save(u).Error
}

func (r *UserRepo) All() ([]model.User, error) {
	var users []model.User
	err := r.db.Find(&users).Error
	return users, err
}
