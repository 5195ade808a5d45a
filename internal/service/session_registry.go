package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/captivegate/captivegate/internal/device"
	"github.com/captivegate/captivegate/internal/logger"
	"github.com/captivegate/captivegate/internal/model"
	"github.com/captivegate/captivegate/internal/repository"
)

// AccessChecker answers whether a device still has quota. Implemented by QuotaLedger.
type AccessChecker interface {
	HasAccess(ctx context.Context, identifier, fingerprint string) (bool, error)
	Seed(identifier string)
}

// SessionRegistry maps device fingerprints to the identifier that registered them
type SessionRegistry struct {
	store           SessionStore
	identity        *device.Identity
	locks           *RouterLockManager
	access          AccessChecker
	revalidateAfter time.Duration
	log             *logger.Logger
	now             func() time.Time
}

// NewSessionRegistry creates a new SessionRegistry. locks and access may be nil.
func NewSessionRegistry(store SessionStore, identity *device.Identity, locks *RouterLockManager, access AccessChecker, revalidateAfter time.Duration, log *logger.Logger) *SessionRegistry {
	return &SessionRegistry{
		store:           store,
		identity:        identity,
		locks:           locks,
		access:          access,
		revalidateAfter: revalidateAfter,
		log:             log.WithComponent("session_registry"),
		now:             time.Now,
	}
}

// Fingerprint derives the device fingerprint for the connection
func (r *SessionRegistry) Fingerprint(ctx context.Context, meta device.ConnMeta) string {
	return r.identity.Fingerprint(ctx, meta)
}

// DeviceFingerprint returns the fingerprint of the live session identifier holds
// at the connection's address, or the connection's own fingerprint when there is none.
// The ad player and the browser of one device send different headers.
func (r *SessionRegistry) DeviceFingerprint(ctx context.Context, meta device.ConnMeta, identifier string) string {
	fingerprint := r.Fingerprint(ctx, meta)
	if identifier == "" {
		return fingerprint
	}
	now := r.now()

	if s, err := r.store.Get(ctx, fingerprint); err == nil && s.Identifier == identifier && !s.IsExpired(now) {
		return fingerprint
	}

	candidates, err := r.store.FindByAddress(ctx, meta.Address())
	if err != nil {
		r.log.Warn().Err(err).Str("identifier", identifier).Msg("failed to look up sessions by address")
		return fingerprint
	}
	var best *model.DeviceSession
	for _, s := range candidates {
		if s.Identifier != identifier || s.IsExpired(now) {
			continue
		}
		if best == nil || s.LastSeenAt.After(best.LastSeenAt) {
			best = s
		}
	}
	if best == nil {
		return fingerprint
	}
	return best.Fingerprint
}

// Register creates or overwrites the session for the connecting device. A device
// that already holds a live session for identifier keeps its fingerprint.
func (r *SessionRegistry) Register(ctx context.Context, meta device.ConnMeta, identifier, routerID string, ttl time.Duration) (*model.DeviceSession, error) {
	fingerprint := r.DeviceFingerprint(ctx, meta, identifier)
	if r.locks != nil && r.locks.Blocking(ctx, routerID, fingerprint) {
		return nil, ErrDeviceBlocked
	}

	token, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	session := &model.DeviceSession{
		Identifier:   identifier,
		Fingerprint:  fingerprint,
		SessionToken: token,
		Address:      meta.Address(),
		RouterID:     routerID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastSeenAt:   now,
	}

	// Re-registering the same identifier keeps an open grace window
	if prev, err := r.store.Get(ctx, fingerprint); err == nil && prev.Identifier == identifier && prev.InGrace(now) {
		session.GraceUntil = prev.GraceUntil
	}

	if err := r.store.Put(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	if r.access != nil {
		r.access.Seed(identifier)
	}

	r.log.Info().
		Str("identifier", identifier).
		Str("fingerprint", shortFP(fingerprint)).
		Str("address", session.Address).
		Str("router_id", routerID).
		Msg("device registered")

	return session, nil
}

// Resolve finds the live session for a connection. It tries the exact
// fingerprint first when meta is given, then the most recent session seen
// from the same address. Expired sessions are dropped and reported as not found.
func (r *SessionRegistry) Resolve(ctx context.Context, address string, meta *device.ConnMeta) (*model.DeviceSession, error) {
	now := r.now()

	var session *model.DeviceSession
	if meta != nil {
		s, err := r.store.Get(ctx, r.Fingerprint(ctx, *meta))
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if s != nil && !r.dropIfExpired(ctx, s, now) {
			session = s
		}
	}

	if session == nil {
		candidates, err := r.store.FindByAddress(ctx, device.NormalizeAddress(address))
		if err != nil {
			return nil, fmt.Errorf("failed to look up sessions by address: %w", err)
		}
		for _, s := range candidates {
			if r.dropIfExpired(ctx, s, now) {
				continue
			}
			if session == nil || s.LastSeenAt.After(session.LastSeenAt) {
				session = s
			}
		}
	}

	if session == nil {
		return nil, ErrSessionNotFound
	}

	if r.locks != nil && r.locks.Blocking(ctx, session.RouterID, session.Fingerprint) {
		return nil, ErrDeviceBlocked
	}

	if r.access != nil && r.revalidateAfter > 0 && session.IdleFor(now) > r.revalidateAfter {
		ok, err := r.access.HasAccess(ctx, session.Identifier, session.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("failed to revalidate session: %w", err)
		}
		if !ok && !session.InGrace(now) {
			r.log.Info().Str("identifier", session.Identifier).Msg("idle session failed revalidation")
			_ = r.store.Delete(ctx, session.Fingerprint)
			return nil, ErrSessionNotFound
		}
	}

	return session, nil
}

// Touch marks the session as seen now
func (r *SessionRegistry) Touch(ctx context.Context, fingerprint string) error {
	s, err := r.store.Get(ctx, fingerprint)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	s.LastSeenAt = r.now().UTC()
	return r.store.Put(ctx, s)
}

// SetGrace opens a grace window on the session during which an exhausted quota is ignored
func (r *SessionRegistry) SetGrace(ctx context.Context, fingerprint string, until time.Time) error {
	s, err := r.store.Get(ctx, fingerprint)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	until = until.UTC()
	s.GraceUntil = &until
	return r.store.Put(ctx, s)
}

// Revoke removes the session for fingerprint
func (r *SessionRegistry) Revoke(ctx context.Context, fingerprint string) error {
	return r.store.Delete(ctx, fingerprint)
}

// Sweep removes expired sessions
func (r *SessionRegistry) Sweep(ctx context.Context) (int, error) {
	return r.store.DeleteExpired(ctx, r.now().UTC())
}

func (r *SessionRegistry) dropIfExpired(ctx context.Context, s *model.DeviceSession, now time.Time) bool {
	if !s.IsExpired(now) {
		return false
	}
	if err := r.store.Delete(ctx, s.Fingerprint); err != nil {
		r.log.Warn().Err(err).Msg("failed to drop expired session")
	}
	return true
}
