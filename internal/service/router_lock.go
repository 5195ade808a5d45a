package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/captivegate/captivegate/internal/logger"
	"github.com/captivegate/captivegate/internal/model"
	"github.com/captivegate/captivegate/internal/repository"
)

// RouterLockManager lets one device per access point earn at a time
type RouterLockManager struct {
	store LockStore
	grace time.Duration
	log   *logger.Logger
	now   func() time.Time
}

// NewRouterLockManager creates a new RouterLockManager
func NewRouterLockManager(store LockStore, grace time.Duration, log *logger.Logger) *RouterLockManager {
	return &RouterLockManager{
		store: store,
		grace: grace,
		log:   log.WithComponent("router_lock"),
		now:   time.Now,
	}
}

// Acquire takes or refreshes the lock for fingerprint. It returns false and the
// current lock when another active device holds it. An empty routerID always succeeds.
func (m *RouterLockManager) Acquire(ctx context.Context, routerID, fingerprint string) (bool, *model.RouterLock, error) {
	if routerID == "" {
		return true, nil, nil
	}
	lock, ok, err := m.store.Acquire(ctx, routerID, fingerprint, m.now().UTC(), m.grace)
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire router lock: %w", err)
	}
	if !ok {
		m.log.Info().
			Str("router_id", routerID).
			Str("holder", shortFP(lock.ActiveFingerprint)).
			Str("contender", shortFP(fingerprint)).
			Msg("router lock busy")
	}
	return ok, lock, nil
}

// Release clears the lock if fingerprint holds it. Releasing a lock held by someone else is a no-op.
func (m *RouterLockManager) Release(ctx context.Context, routerID, fingerprint string) error {
	if routerID == "" {
		return nil
	}
	released, err := m.store.Release(ctx, routerID, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to release router lock: %w", err)
	}
	if released {
		m.log.Debug().Str("router_id", routerID).Msg("router lock released")
	}
	return nil
}

// Holder returns the current lock on routerID, or nil when none is held
func (m *RouterLockManager) Holder(ctx context.Context, routerID string) (*model.RouterLock, error) {
	lock, err := m.store.Get(ctx, routerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lock.IsStale(m.now(), m.grace) {
		return nil, nil
	}
	return lock, nil
}

// Blocking reports whether a different, still active device holds the lock.
// Lookup failures are logged and treated as not blocking.
func (m *RouterLockManager) Blocking(ctx context.Context, routerID, fingerprint string) bool {
	if routerID == "" {
		return false
	}
	lock, err := m.Holder(ctx, routerID)
	if err != nil {
		m.log.Warn().Err(err).Str("router_id", routerID).Msg("router lock lookup failed")
		return false
	}
	return lock != nil && lock.Blocking && lock.ActiveFingerprint != fingerprint
}

// Sweep drops locks whose holder went quiet for longer than the grace period
func (m *RouterLockManager) Sweep(ctx context.Context) (int, error) {
	return m.store.DeleteStale(ctx, m.now().UTC(), m.grace)
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
