// Package coordination implements the Cache/Coordination Layer (§4.2):
// a key-value store with TTL and a tokenized mutex keyed by resource. Both
// are process-local: locks live in an in-process map and exclude only callers
// within the same process, and no shared backend is used (the configured
// Redis address is not read by this package).
package coordination

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/dca-engine/controlplane/internal/apperr"
)

type lockEntry struct {
	token    string
	expireAt time.Time
}

// LockManager is the tokenized distributed mutex of §4.2. Acquire/Release/
// Extend all operate on a shared in-process map today; a Redis-backed
// implementation would satisfy the same interface and is a drop-in swap
// (the Lua "only extend if we still own the lock" pattern from the original
// reference is reproduced here as a locked compare-and-extend).
type LockManager struct {
	mu    sync.Mutex
	locks map[string]lockEntry

	retryInterval time.Duration
}

func NewLockManager(retryInterval time.Duration) *LockManager {
	return &LockManager{locks: make(map[string]lockEntry), retryInterval: retryInterval}
}

func NewToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (m *LockManager) tryAcquire(resource, token string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if entry, ok := m.locks[resource]; ok && entry.expireAt.After(now) {
		return false
	}
	m.locks[resource] = lockEntry{token: token, expireAt: now.Add(ttl)}
	return true
}

// Acquire polls until the resource is free or timeout elapses, returning the
// holder token on success. Callers must hold onto the token to Release/Extend.
func (m *LockManager) Acquire(ctx context.Context, resource string, ttl, timeout time.Duration) (string, error) {
	token := NewToken()
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()

	for {
		if m.tryAcquire(resource, token, ttl) {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", apperr.New(apperr.ErrLockTimeout, resource, nil)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release is tokenized: only the holder may release (test-and-delete).
func (m *LockManager) Release(resource, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[resource]
	if !ok || entry.token != token {
		return apperr.New(apperr.ErrLockNotHeld, resource, nil)
	}
	delete(m.locks, resource)
	return nil
}

// Extend renews the TTL only if the caller still owns the lock.
func (m *LockManager) Extend(resource, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[resource]
	if !ok || entry.token != token {
		return apperr.New(apperr.ErrLockNotHeld, resource, nil)
	}
	entry.expireAt = time.Now().Add(ttl)
	m.locks[resource] = entry
	return nil
}

// Cleanup explicitly tears down a resource's lock entry when it is
// permanently retired (e.g. a closed PositionGroup's per-group lock).
func (m *LockManager) Cleanup(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, resource)
}

// WithLock acquires resource, runs fn, and releases unconditionally.
func (m *LockManager) WithLock(ctx context.Context, resource string, ttl, timeout time.Duration, fn func() error) error {
	token, err := m.Acquire(ctx, resource, ttl, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = m.Release(resource, token) }()
	return fn()
}
