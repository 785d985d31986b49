package repo

import (
	"github.com/dca-engine/controlplane/internal/model"
	"gorm.io/gorm"
)

type QueuedSignalRepo struct{ db *gorm.DB }

func (r *QueuedSignalRepo) Create(s *model.QueuedSignal) error {
	return r.db.Create(s).Error
}

func (r *QueuedSignalRepo) Update(s *model.QueuedSignal) error {
	return r.db.Save(s).Error
}

func (r *QueuedSignalRepo) Get(id string) (*model.QueuedSignal, error) {
	var s model.QueuedSignal
	if err := r.db.First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// FindForDedup looks up the (user, symbol, timeframe, side, venue) dedup key
// used by the Signal Router's replace-on-dedup path (§4.6).
func (r *QueuedSignalRepo) FindForDedup(userID, symbol string, timeframe int, side model.Side, venue string) (*model.QueuedSignal, error) {
	var s model.QueuedSignal
	err := r.db.Where(
		"user_id = ? AND symbol = ? AND timeframe = ? AND side = ? AND venue = ? AND status = ?",
		userID, symbol, timeframe, side, venue, model.SignalQueued,
	).First(&s).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// QueuedForUsers returns all `queued` signals for the given users, or every
// queued signal when userIDs is empty.
func (r *QueuedSignalRepo) QueuedForUsers(userIDs []string) ([]model.QueuedSignal, error) {
	var signals []model.QueuedSignal
	q := r.db.Where("status = ?", model.SignalQueued)
	if len(userIDs) > 0 {
		q = q.Where("user_id IN ?", userIDs)
	}
	err := q.Find(&signals).Error
	return signals, err
}

func (r *QueuedSignalRepo) AllQueued() ([]model.QueuedSignal, error) {
	var signals []model.QueuedSignal
	err := r.db.Where("status = ?", model.SignalQueued).Find(&signals).Error
	return signals, err
}
