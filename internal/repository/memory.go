package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/captivegate/captivegate/internal/model"
)

// In-memory stores for single-node deployments and tests. Every store copies
// records in and out so callers never share mutable state with it.

// MemorySessionStore keeps device sessions in a map
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]model.DeviceSession
}

// NewMemorySessionStore creates a new MemorySessionStore
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]model.DeviceSession)}
}

// Put creates or replaces the session for its fingerprint
func (s *MemorySessionStore) Put(ctx context.Context, session *model.DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Fingerprint] = *session
	return nil
}

// Get returns the session for fingerprint
func (s *MemorySessionStore) Get(ctx context.Context, fingerprint string) (*model.DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return &session, nil
}

// FindByAddress returns every session registered from address
func (s *MemorySessionStore) FindByAddress(ctx context.Context, address string) ([]*model.DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.DeviceSession
	for _, session := range s.sessions {
		if session.Address == address {
			session := session
			out = append(out, &session)
		}
	}
	return out, nil
}

// Delete removes the session for fingerprint
func (s *MemorySessionStore) Delete(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, fingerprint)
	return nil
}

// DeleteExpired removes sessions expired at now
func (s *MemorySessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for fp, session := range s.sessions {
		if session.IsExpired(now) {
			delete(s.sessions, fp)
			n++
		}
	}
	return n, nil
}

// MemoryGrantStore keeps the grant log in insertion order
type MemoryGrantStore struct {
	mu     sync.Mutex
	grants []*model.BundleGrant
}

// NewMemoryGrantStore creates a new MemoryGrantStore
func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{}
}

// Append adds a grant to the log
func (s *MemoryGrantStore) Append(ctx context.Context, g *model.BundleGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.grants {
		if existing.ID == g.ID {
			return ErrDuplicate
		}
	}
	grant := *g
	s.grants = append(s.grants, &grant)
	return nil
}

// List returns matching grants, oldest first
func (s *MemoryGrantStore) List(ctx context.Context, identifiers []string, fingerprint string) ([]*model.BundleGrant, error) {
	want := make(map[string]bool, len(identifiers))
	for _, id := range identifiers {
		want[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.BundleGrant
	for _, g := range s.grants {
		if !want[g.Identifier] {
			continue
		}
		if fingerprint != "" && g.Fingerprint != fingerprint {
			continue
		}
		grant := *g
		out = append(out, &grant)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].GrantedAt.Before(out[j].GrantedAt)
	})
	return out, nil
}

// AddUsage raises UsedMB by deltaMB, clamped at BundleMB
func (s *MemoryGrantStore) AddUsage(ctx context.Context, grantID string, deltaMB float64) (*model.BundleGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if g.ID != grantID {
			continue
		}
		g.UsedMB += deltaMB
		if g.UsedMB > g.BundleMB {
			g.UsedMB = g.BundleMB
		}
		grant := *g
		return &grant, nil
	}
	return nil, ErrNotFound
}

// DeleteByIdentifier removes every grant of identifier
func (s *MemoryGrantStore) DeleteByIdentifier(ctx context.Context, identifier string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.grants[:0]
	var n int64
	for _, g := range s.grants {
		if g.Identifier == identifier {
			n++
			continue
		}
		kept = append(kept, g)
	}
	s.grants = kept
	return n, nil
}

// MemoryTicketStore keeps one eligibility ticket per identifier
type MemoryTicketStore struct {
	mu      sync.Mutex
	tickets map[string]model.EligibilityTicket
}

// NewMemoryTicketStore creates a new MemoryTicketStore
func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{tickets: make(map[string]model.EligibilityTicket)}
}

// Put stores the ticket, replacing any earlier one
func (s *MemoryTicketStore) Put(ctx context.Context, t *model.EligibilityTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.Identifier] = *t
	return nil
}

// Take removes and returns the ticket if it has not expired
func (s *MemoryTicketStore) Take(ctx context.Context, identifier string, now time.Time) (*model.EligibilityTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.tickets, identifier)
	if t.IsExpired(now) {
		return nil, ErrNotFound
	}
	return &t, nil
}

// DeleteExpired removes tickets expired at now
func (s *MemoryTicketStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tickets {
		if t.IsExpired(now) {
			delete(s.tickets, id)
			n++
		}
	}
	return n, nil
}

// MemoryLockStore keeps router locks in a map
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]model.RouterLock
}

// NewMemoryLockStore creates a new MemoryLockStore
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]model.RouterLock)}
}

// Get returns the lock on routerID
func (s *MemoryLockStore) Get(ctx context.Context, routerID string) (*model.RouterLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[routerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

// Acquire locks routerID for fingerprint unless another device holds a fresh lock
func (s *MemoryLockStore) Acquire(ctx context.Context, routerID, fingerprint string, now time.Time, grace time.Duration) (*model.RouterLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[routerID]; ok && l.ActiveFingerprint != fingerprint && !l.IsStale(now, grace) {
		return &l, false, nil
	}
	l := model.RouterLock{
		RouterID:          routerID,
		ActiveFingerprint: fingerprint,
		LastActivityAt:    now,
		Blocking:          true,
	}
	s.locks[routerID] = l
	return &l, true, nil
}

// Release clears the lock if fingerprint holds it
func (s *MemoryLockStore) Release(ctx context.Context, routerID, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[routerID]
	if !ok || l.ActiveFingerprint != fingerprint {
		return false, nil
	}
	delete(s.locks, routerID)
	return true, nil
}

// DeleteStale removes locks idle for at least grace
func (s *MemoryLockStore) DeleteStale(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, l := range s.locks {
		if l.IsStale(now, grace) {
			delete(s.locks, id)
			n++
		}
	}
	return n, nil
}

// MemoryAdEventStore keeps ad events in insertion order
type MemoryAdEventStore struct {
	mu     sync.Mutex
	events []*model.AdEvent
}

// NewMemoryAdEventStore creates a new MemoryAdEventStore
func NewMemoryAdEventStore() *MemoryAdEventStore {
	return &MemoryAdEventStore{}
}

// Append records an event
func (s *MemoryAdEventStore) Append(ctx context.Context, e *model.AdEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := *e
	s.events = append(s.events, &ev)
	return nil
}

// HasQualifying reports whether identifier has any qualifying completion
func (s *MemoryAdEventStore) HasQualifying(ctx context.Context, identifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Identifier == identifier && e.Qualifying {
			return true, nil
		}
	}
	return false, nil
}

// LatestQualifying returns the newest qualifying completion created at or after since
func (s *MemoryAdEventStore) LatestQualifying(ctx context.Context, identifier string, since time.Time) (*model.AdEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.AdEvent
	for _, e := range s.events {
		if e.Identifier != identifier || !e.Qualifying || e.CreatedAt.Before(since) {
			continue
		}
		if latest == nil || !e.CreatedAt.Before(latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	ev := *latest
	return &ev, nil
}

// Claim marks the event as converted into a grant
func (s *MemoryAdEventStore) Claim(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID != eventID {
			continue
		}
		if e.Claimed {
			return false, nil
		}
		e.Claimed = true
		return true, nil
	}
	return false, ErrNotFound
}

// MemoryLinkStore maps identifiers to account ids
type MemoryLinkStore struct {
	mu       sync.RWMutex
	accounts map[string]string
}

// NewMemoryLinkStore creates a new MemoryLinkStore
func NewMemoryLinkStore() *MemoryLinkStore {
	return &MemoryLinkStore{accounts: make(map[string]string)}
}

// Linked returns every identifier sharing identifier's account, sorted
func (s *MemoryLinkStore) Linked(ctx context.Context, identifier string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[identifier]
	if !ok {
		return []string{identifier}, nil
	}
	var out []string
	for id, acc := range s.accounts {
		if acc == account {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Link moves identifiers onto accountID
func (s *MemoryLinkStore) Link(ctx context.Context, accountID string, identifiers []string) error {
	if accountID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range identifiers {
		s.accounts[id] = accountID
	}
	return nil
}

// MemoryAuditStore keeps audit entries in memory
type MemoryAuditStore struct {
	mu      sync.Mutex
	entries []model.AuditLog
}

// NewMemoryAuditStore creates a new MemoryAuditStore
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Create appends an audit entry
func (s *MemoryAuditStore) Create(ctx context.Context, log *model.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *log)
	return nil
}

// ListByResource returns up to limit entries for resourceID, newest first
func (s *MemoryAuditStore) ListByResource(ctx context.Context, resourceID string, limit int) ([]model.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditLog
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].ResourceID != resourceID {
			continue
		}
		out = append(out, s.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// List returns a copy of every entry
func (s *MemoryAuditStore) List() []model.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditLog(nil), s.entries...)
}
