package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/captivegate/captivegate/internal/model"
)

func TestMemoryGrantStoreClampsUsage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryGrantStore()
	now := time.Now()
	if err := s.Append(ctx, &model.BundleGrant{ID: "g1", Identifier: "a", Fingerprint: "fp", BundleMB: 10, GrantedAt: now}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, &model.BundleGrant{ID: "g1", Identifier: "a"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	g, err := s.AddUsage(ctx, "g1", 25)
	if err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	if g.UsedMB != 10 {
		t.Fatalf("expected usage clamped at 10, got %v", g.UsedMB)
	}
	if _, err := s.AddUsage(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryGrantStoreListOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryGrantStore()
	base := time.Now()
	s.Append(ctx, &model.BundleGrant{ID: "late", Identifier: "a", Fingerprint: "fp1", BundleMB: 1, GrantedAt: base.Add(time.Minute)})
	s.Append(ctx, &model.BundleGrant{ID: "early", Identifier: "a", Fingerprint: "fp1", BundleMB: 1, GrantedAt: base})
	s.Append(ctx, &model.BundleGrant{ID: "other-device", Identifier: "a", Fingerprint: "fp2", BundleMB: 1, GrantedAt: base})
	s.Append(ctx, &model.BundleGrant{ID: "other-id", Identifier: "b", Fingerprint: "fp1", BundleMB: 1, GrantedAt: base})

	got, _ := s.List(ctx, []string{"a"}, "fp1")
	if len(got) != 2 || got[0].ID != "early" || got[1].ID != "late" {
		t.Fatalf("unexpected device list: %+v", got)
	}
	got, _ = s.List(ctx, []string{"a", "b"}, "")
	if len(got) != 4 {
		t.Fatalf("expected 4 grants, got %d", len(got))
	}

	// Returned records are copies
	got[0].UsedMB = 99
	again, _ := s.List(ctx, []string{"a"}, "fp1")
	if again[0].UsedMB != 0 {
		t.Fatalf("store leaked internal state")
	}

	n, _ := s.DeleteByIdentifier(ctx, "a")
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
}

func TestMemoryTicketStoreTakeOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTicketStore()
	now := time.Now()
	s.Put(ctx, &model.EligibilityTicket{Identifier: "a", IssuedAt: now, ExpiresAt: now.Add(time.Minute)})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Take(ctx, "a", now); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one take to win, got %d", wins)
	}
}

func TestMemoryTicketStoreExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTicketStore()
	now := time.Now()
	s.Put(ctx, &model.EligibilityTicket{Identifier: "a", IssuedAt: now, ExpiresAt: now.Add(time.Minute)})
	if _, err := s.Take(ctx, "a", now.Add(2*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired ticket to be not found, got %v", err)
	}
}

func TestMemoryLockStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLockStore()
	now := time.Now()
	grace := 30 * time.Second

	if _, ok, _ := s.Acquire(ctx, "r1", "A", now, grace); !ok {
		t.Fatalf("A should acquire idle router")
	}
	lock, ok, _ := s.Acquire(ctx, "r1", "B", now.Add(10*time.Second), grace)
	if ok || lock.ActiveFingerprint != "A" {
		t.Fatalf("B should be refused while A is active, got %+v", lock)
	}
	if released, _ := s.Release(ctx, "r1", "B"); released {
		t.Fatalf("B must not release A's lock")
	}
	if _, ok, _ := s.Acquire(ctx, "r1", "B", now.Add(31*time.Second), grace); !ok {
		t.Fatalf("B should take a stale lock")
	}
	if n, _ := s.DeleteStale(ctx, now.Add(2*time.Minute), grace); n != 1 {
		t.Fatalf("expected stale lock swept, got %d", n)
	}
}

func TestMemoryAdEventStoreClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAdEventStore()
	now := time.Now()
	s.Append(ctx, &model.AdEvent{ID: "e1", Identifier: "a", Qualifying: true, CreatedAt: now.Add(-time.Minute)})
	s.Append(ctx, &model.AdEvent{ID: "e2", Identifier: "a", Qualifying: true, CreatedAt: now})
	s.Append(ctx, &model.AdEvent{ID: "e3", Identifier: "a", Qualifying: false, CreatedAt: now.Add(time.Second)})

	ev, err := s.LatestQualifying(ctx, "a", now.Add(-5*time.Minute))
	if err != nil || ev.ID != "e2" {
		t.Fatalf("expected e2, got %+v %v", ev, err)
	}
	if ok, _ := s.Claim(ctx, "e2"); !ok {
		t.Fatalf("first claim should succeed")
	}
	if ok, _ := s.Claim(ctx, "e2"); ok {
		t.Fatalf("second claim should fail")
	}
	if _, err := s.LatestQualifying(ctx, "a", now.Add(time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found outside window, got %v", err)
	}
	if ok, _ := s.HasQualifying(ctx, "b"); ok {
		t.Fatalf("b never watched an ad")
	}
}

func TestMemoryLinkStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLinkStore()
	if ids, _ := s.Linked(ctx, "a"); len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("unlinked identifier should map to itself, got %v", ids)
	}
	s.Link(ctx, "acct", []string{"b", "a"})
	ids, _ := s.Linked(ctx, "b")
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected linked set %v", ids)
	}
	if err := s.Link(ctx, "", []string{"c"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	now := time.Now()
	s.Put(ctx, &model.DeviceSession{Identifier: "a", Fingerprint: "fp1", Address: "10.0.0.2", ExpiresAt: now.Add(time.Hour)})
	s.Put(ctx, &model.DeviceSession{Identifier: "b", Fingerprint: "fp2", Address: "10.0.0.2", ExpiresAt: now.Add(-time.Second)})

	found, _ := s.FindByAddress(ctx, "10.0.0.2")
	if len(found) != 2 {
		t.Fatalf("expected 2 sessions at address, got %d", len(found))
	}
	if n, _ := s.DeleteExpired(ctx, now); n != 1 {
		t.Fatalf("expected one expired session removed, got %d", n)
	}
	if _, err := s.Get(ctx, "fp2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session should be gone")
	}
}

func TestMemoryAuditStoreListByResource(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAuditStore()
	for i, id := range []string{"a", "b", "a", "a"} {
		if err := s.Create(ctx, &model.AuditLog{ID: fmt.Sprintf("e%d", i), ResourceID: id}); err != nil {
			t.Fatalf("Create error: %v", err)
		}
	}

	got, err := s.ListByResource(ctx, "a", 2)
	if err != nil {
		t.Fatalf("ListByResource error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e3" || got[1].ID != "e2" {
		t.Fatalf("expected newest two entries for a, got %+v", got)
	}
	if all, _ := s.ListByResource(ctx, "a", 0); len(all) != 3 {
		t.Fatalf("expected 3 entries without a limit, got %d", len(all))
	}
}
