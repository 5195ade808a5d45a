package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/captivegate/captivegate/internal/database"
	"github.com/captivegate/captivegate/internal/model"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *database.Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, database.WrapRedis(client, "test:")
}

func TestRedisSessionStore(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewRedisSessionStore(rdb)

	now := time.Now()
	session := &model.DeviceSession{
		Identifier:  "user@example.com",
		Fingerprint: "fp1",
		Address:     "10.0.0.7",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		LastSeenAt:  now,
	}
	if err := s.Put(ctx, session); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !mr.Exists("test:session:fp1") {
		t.Fatalf("expected prefixed session key")
	}

	got, err := s.Get(ctx, "fp1")
	if err != nil || got.Identifier != "user@example.com" {
		t.Fatalf("Get: %+v %v", got, err)
	}
	found, err := s.FindByAddress(ctx, "10.0.0.7")
	if err != nil || len(found) != 1 {
		t.Fatalf("FindByAddress: %v %v", found, err)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := s.Get(ctx, "fp1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected session to expire with its key, got %v", err)
	}
}

func TestRedisSessionStoreDeleteDropsIndex(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	s := NewRedisSessionStore(rdb)
	now := time.Now()
	s.Put(ctx, &model.DeviceSession{Identifier: "a", Fingerprint: "fp1", Address: "10.0.0.7", ExpiresAt: now.Add(time.Hour)})

	if err := s.Delete(ctx, "fp1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	found, _ := s.FindByAddress(ctx, "10.0.0.7")
	if len(found) != 0 {
		t.Fatalf("expected empty address index, got %d", len(found))
	}
	if err := s.Delete(ctx, "fp1"); err != nil {
		t.Fatalf("deleting a missing session should be a no-op: %v", err)
	}
}

func TestRedisSessionStoreAddressIndexKeepsLongestTTL(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewRedisSessionStore(rdb)
	now := time.Now()

	long := &model.DeviceSession{Identifier: "a", Fingerprint: "fp-long", Address: "10.0.0.9", ExpiresAt: now.Add(time.Hour)}
	short := &model.DeviceSession{Identifier: "b", Fingerprint: "fp-short", Address: "10.0.0.9", ExpiresAt: now.Add(time.Minute)}
	if err := s.Put(ctx, long); err != nil {
		t.Fatalf("Put long: %v", err)
	}
	if err := s.Put(ctx, short); err != nil {
		t.Fatalf("Put short: %v", err)
	}
	if ttl := mr.TTL("test:session_addr:10.0.0.9"); ttl < 59*time.Minute {
		t.Fatalf("address index TTL shrank to %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	found, err := s.FindByAddress(ctx, "10.0.0.9")
	if err != nil {
		t.Fatalf("FindByAddress: %v", err)
	}
	if len(found) != 1 || found[0].Fingerprint != "fp-long" {
		t.Fatalf("expected only the long-lived session, got %+v", found)
	}
}

func TestRedisTicketStoreTakeOnce(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	s := NewRedisTicketStore(rdb)
	now := time.Now()
	s.Put(ctx, &model.EligibilityTicket{Identifier: "a", EventID: "e1", IssuedAt: now, ExpiresAt: now.Add(2 * time.Minute)})

	ticket, err := s.Take(ctx, "a", now)
	if err != nil || ticket.EventID != "e1" {
		t.Fatalf("Take: %+v %v", ticket, err)
	}
	if _, err := s.Take(ctx, "a", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second take should fail, got %v", err)
	}
}

func TestRedisTicketStoreExpires(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewRedisTicketStore(rdb)
	now := time.Now()
	s.Put(ctx, &model.EligibilityTicket{Identifier: "a", IssuedAt: now, ExpiresAt: now.Add(2 * time.Minute)})

	mr.FastForward(3 * time.Minute)
	if _, err := s.Take(ctx, "a", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired ticket, got %v", err)
	}
}

func TestRedisLockStore(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	s := NewRedisLockStore(rdb)
	now := time.Now()
	grace := 30 * time.Second

	lock, ok, err := s.Acquire(ctx, "r1", "A", now, grace)
	if err != nil || !ok || lock.ActiveFingerprint != "A" {
		t.Fatalf("A acquire: %+v %v %v", lock, ok, err)
	}
	lock, ok, err = s.Acquire(ctx, "r1", "B", now.Add(5*time.Second), grace)
	if err != nil || ok || lock.ActiveFingerprint != "A" {
		t.Fatalf("B should be refused: %+v %v %v", lock, ok, err)
	}
	if !lock.LastActivityAt.Equal(time.UnixMilli(now.UnixMilli()).UTC()) {
		t.Fatalf("unexpected holder activity %s", lock.LastActivityAt)
	}

	if released, _ := s.Release(ctx, "r1", "B"); released {
		t.Fatalf("B must not release A's lock")
	}
	if released, _ := s.Release(ctx, "r1", "A"); !released {
		t.Fatalf("A should release its lock")
	}
	if _, err := s.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected released lock to be gone, got %v", err)
	}
	if _, ok, _ := s.Acquire(ctx, "r1", "B", now.Add(6*time.Second), grace); !ok {
		t.Fatalf("B should acquire after release")
	}
}

func TestRedisLockStoreStaleHolder(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	s := NewRedisLockStore(rdb)
	now := time.Now()
	grace := 30 * time.Second

	s.Acquire(ctx, "r1", "A", now, grace)
	if _, ok, _ := s.Acquire(ctx, "r1", "B", now.Add(31*time.Second), grace); !ok {
		t.Fatalf("B should take over a stale lock")
	}
}

func TestIncrWindow(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)

	for i := 1; i <= 3; i++ {
		n, ttl, err := rdb.IncrWindow(ctx, rdb.Key("ratelimit", "1.2.3.4"), time.Minute)
		if err != nil {
			t.Fatalf("IncrWindow: %v", err)
		}
		if n != int64(i) || ttl <= 0 {
			t.Fatalf("unexpected count %d ttl %s", n, ttl)
		}
	}
	mr.FastForward(2 * time.Minute)
	n, _, _ := rdb.IncrWindow(ctx, rdb.Key("ratelimit", "1.2.3.4"), time.Minute)
	if n != 1 {
		t.Fatalf("expected a fresh window, got %d", n)
	}
}
