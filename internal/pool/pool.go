// Package pool implements the Execution Pool Manager (§4.7): a bounded
// counting semaphore, keyed per user, that globally bounds the number of
// live position groups per user.
package pool

import (
	"sync"

	"github.com/dca-engine/controlplane/internal/repo"
)

type Manager struct {
	mu       sync.Mutex
	inUse    map[string]int
	capacity int
	db       *repo.DB
}

func New(db *repo.DB, capacityPerUser int) *Manager {
	return &Manager{inUse: make(map[string]int), capacity: capacityPerUser, db: db}
}

// RequestSlot increments the user's live-count if under the cap.
func (p *Manager) RequestSlot(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse[userID] >= p.capacity {
		return false
	}
	p.inUse[userID]++
	return true
}

func (p *Manager) ReleaseSlot(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse[userID] > 0 {
		p.inUse[userID]--
	}
}

// HasCapacity reports whether userID has at least one free slot, without
// consuming it (§4.8 step 1's per-user capacity filter).
func (p *Manager) HasCapacity(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[userID] < p.capacity
}

func (p *Manager) InUse(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[userID]
}

// Reconcile heals drift by recomputing each user's in-use count from the
// database's live position count, rather than trusting accumulated in-memory
// increments/decrements across process restarts or missed releases.
func (p *Manager) Reconcile() error {
	userIDs, err := p.db.PositionGroups.AllUserIDsWithOpenWork()
	if err != nil {
		return err
	}

	fresh := make(map[string]int, len(userIDs))
	for _, userID := range userIDs {
		groups, err := p.db.PositionGroups.GetAllActiveByUser(userID)
		if err != nil {
			return err
		}
		fresh[userID] = len(groups)
	}

	p.mu.Lock()
	p.inUse = fresh
	p.mu.Unlock()
	return nil
}
