package service

import (
	"context"
	"time"

	"github.com/captivegate/captivegate/internal/model"
)

// SessionStore persists device sessions keyed by fingerprint.
// Get returns repository.ErrNotFound for unknown fingerprints.
type SessionStore interface {
	Put(ctx context.Context, s *model.DeviceSession) error
	Get(ctx context.Context, fingerprint string) (*model.DeviceSession, error)
	FindByAddress(ctx context.Context, address string) ([]*model.DeviceSession, error)
	Delete(ctx context.Context, fingerprint string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// GrantStore is the append-only bundle grant log
type GrantStore interface {
	Append(ctx context.Context, g *model.BundleGrant) error
	// List returns grants for any of identifiers, oldest first. An empty fingerprint matches every device.
	List(ctx context.Context, identifiers []string, fingerprint string) ([]*model.BundleGrant, error)
	// AddUsage atomically raises UsedMB by deltaMB, clamped at BundleMB
	AddUsage(ctx context.Context, grantID string, deltaMB float64) (*model.BundleGrant, error)
	DeleteByIdentifier(ctx context.Context, identifier string) (int64, error)
}

// TicketStore holds eligibility tickets, one per identifier
type TicketStore interface {
	Put(ctx context.Context, t *model.EligibilityTicket) error
	// Take atomically removes and returns the unexpired ticket, or repository.ErrNotFound
	Take(ctx context.Context, identifier string, now time.Time) (*model.EligibilityTicket, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// LockStore holds one router lock per access point
type LockStore interface {
	Get(ctx context.Context, routerID string) (*model.RouterLock, error)
	// Acquire locks routerID for fingerprint when idle, stale or already held by fingerprint.
	// It returns the lock as it stands after the call and whether fingerprint holds it.
	Acquire(ctx context.Context, routerID, fingerprint string, now time.Time, grace time.Duration) (*model.RouterLock, bool, error)
	Release(ctx context.Context, routerID, fingerprint string) (bool, error)
	DeleteStale(ctx context.Context, now time.Time, grace time.Duration) (int, error)
}

// AdEventStore records ad player events
type AdEventStore interface {
	Append(ctx context.Context, e *model.AdEvent) error
	HasQualifying(ctx context.Context, identifier string) (bool, error)
	// LatestQualifying returns the newest qualifying completion since the given time, or repository.ErrNotFound
	LatestQualifying(ctx context.Context, identifier string, since time.Time) (*model.AdEvent, error)
	// Claim marks an event as converted into a grant; false if it was already claimed
	Claim(ctx context.Context, eventID string) (bool, error)
}

// LinkStore maps identifiers of the same person onto one account
type LinkStore interface {
	// Linked returns every identifier sharing an account with identifier, identifier included
	Linked(ctx context.Context, identifier string) ([]string, error)
	Link(ctx context.Context, accountID string, identifiers []string) error
}

// AuditStore persists audit entries
type AuditStore interface {
	Create(ctx context.Context, log *model.AuditLog) error
	// ListByResource returns up to limit entries for resourceID, newest first
	ListByResource(ctx context.Context, resourceID string, limit int) ([]model.AuditLog, error)
}
