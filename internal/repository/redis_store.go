package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/captivegate/captivegate/internal/database"
	"github.com/captivegate/captivegate/internal/model"
	"github.com/redis/go-redis/v9"
)

// Redis stores for the short-lived gateway state. Every key carries a TTL
// matching the record's own expiry, so Redis reaps what the janitor would.

// RedisSessionStore keeps sessions as JSON under session:<fingerprint>
// with a per-address set of fingerprints for the fallback lookup.
type RedisSessionStore struct {
	rdb *database.Redis
}

// NewRedisSessionStore creates a new RedisSessionStore
func NewRedisSessionStore(rdb *database.Redis) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb}
}

func (s *RedisSessionStore) sessionKey(fingerprint string) string {
	return s.rdb.Key("session", fingerprint)
}

func (s *RedisSessionStore) addrKey(address string) string {
	return s.rdb.Key("session_addr", address)
}

// Put stores the session until its expiry
func (s *RedisSessionStore) Put(ctx context.Context, session *model.DeviceSession) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return s.Delete(ctx, session.Fingerprint)
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.sessionKey(session.Fingerprint), data, ttl)
	if session.Address != "" {
		addrKey := s.addrKey(session.Address)
		pipe.SAdd(ctx, addrKey, session.Fingerprint)
		// The index outlives every session it holds; GT alone skips keys without a TTL
		pipe.ExpireNX(ctx, addrKey, ttl)
		pipe.ExpireGT(ctx, addrKey, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Get returns the session for fingerprint
func (s *RedisSessionStore) Get(ctx context.Context, fingerprint string) (*model.DeviceSession, error) {
	data, err := s.rdb.Get(ctx, s.sessionKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var session model.DeviceSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// FindByAddress returns the live sessions indexed under address, pruning stale index entries
func (s *RedisSessionStore) FindByAddress(ctx context.Context, address string) ([]*model.DeviceSession, error) {
	addrKey := s.addrKey(address)
	fingerprints, err := s.rdb.SMembers(ctx, addrKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read address index: %w", err)
	}

	var out []*model.DeviceSession
	for _, fp := range fingerprints {
		session, err := s.Get(ctx, fp)
		if errors.Is(err, ErrNotFound) {
			s.rdb.SRem(ctx, addrKey, fp)
			continue
		}
		if err != nil {
			return nil, err
		}
		if session.Address != address {
			s.rdb.SRem(ctx, addrKey, fp)
			continue
		}
		out = append(out, session)
	}
	return out, nil
}

// Delete removes the session and its address index entry
func (s *RedisSessionStore) Delete(ctx context.Context, fingerprint string) error {
	session, err := s.Get(ctx, fingerprint)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.sessionKey(fingerprint))
	if session.Address != "" {
		pipe.SRem(ctx, s.addrKey(session.Address), fingerprint)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op; session keys expire on their own
func (s *RedisSessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// RedisTicketStore keeps tickets under ticket:<identifier>
type RedisTicketStore struct {
	rdb *database.Redis
}

// NewRedisTicketStore creates a new RedisTicketStore
func NewRedisTicketStore(rdb *database.Redis) *RedisTicketStore {
	return &RedisTicketStore{rdb: rdb}
}

func (s *RedisTicketStore) key(identifier string) string {
	return s.rdb.Key("ticket", identifier)
}

// Put stores the ticket until it expires, replacing any earlier one
func (s *RedisTicketStore) Put(ctx context.Context, t *model.EligibilityTicket) error {
	ttl := time.Until(t.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(t.Identifier), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store ticket: %w", err)
	}
	return nil
}

// Take removes the ticket with GETDEL, so only one caller ever receives it
func (s *RedisTicketStore) Take(ctx context.Context, identifier string, now time.Time) (*model.EligibilityTicket, error) {
	data, err := s.rdb.GetDel(ctx, s.key(identifier)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take ticket: %w", err)
	}
	var t model.EligibilityTicket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode ticket: %w", err)
	}
	if t.IsExpired(now) {
		return nil, ErrNotFound
	}
	return &t, nil
}

// DeleteExpired is a no-op; ticket keys expire on their own
func (s *RedisTicketStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// acquireLockScript takes the lock unless a different holder was active within the grace period.
// KEYS[1] lock hash; ARGV fingerprint, now millis, grace millis.
var acquireLockScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'fp')
local last = redis.call('HGET', KEYS[1], 'last') or '0'
local now = tonumber(ARGV[2])
if holder and holder ~= ARGV[1] and (now - tonumber(last)) < tonumber(ARGV[3]) then
  return {0, holder, last}
end
redis.call('HSET', KEYS[1], 'fp', ARGV[1], 'last', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {1, ARGV[1], ARGV[2]}
`)

// releaseLockScript deletes the lock only when ARGV[1] holds it
var releaseLockScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'fp') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLockStore keeps router locks as hashes under router_lock:<routerId>.
// The key lives for one grace period past the last activity.
type RedisLockStore struct {
	rdb *database.Redis
}

// NewRedisLockStore creates a new RedisLockStore
func NewRedisLockStore(rdb *database.Redis) *RedisLockStore {
	return &RedisLockStore{rdb: rdb}
}

func (s *RedisLockStore) key(routerID string) string {
	return s.rdb.Key("router_lock", routerID)
}

// Get returns the lock on routerID
func (s *RedisLockStore) Get(ctx context.Context, routerID string) (*model.RouterLock, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(routerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get router lock: %w", err)
	}
	fp, ok := fields["fp"]
	if !ok {
		return nil, ErrNotFound
	}
	return newLock(routerID, fp, fields["last"]), nil
}

// Acquire runs the compare-and-set script
func (s *RedisLockStore) Acquire(ctx context.Context, routerID, fingerprint string, now time.Time, grace time.Duration) (*model.RouterLock, bool, error) {
	res, err := acquireLockScript.Run(ctx, s.rdb, []string{s.key(routerID)},
		fingerprint, now.UnixMilli(), grace.Milliseconds()).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire router lock: %w", err)
	}
	if len(res) != 3 {
		return nil, false, fmt.Errorf("unexpected router lock reply: %v", res)
	}
	acquired, _ := res[0].(int64)
	holder, _ := res[1].(string)
	last, _ := res[2].(string)
	return newLock(routerID, holder, last), acquired == 1, nil
}

// Release deletes the lock if fingerprint holds it
func (s *RedisLockStore) Release(ctx context.Context, routerID, fingerprint string) (bool, error) {
	n, err := releaseLockScript.Run(ctx, s.rdb, []string{s.key(routerID)}, fingerprint).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release router lock: %w", err)
	}
	return n == 1, nil
}

// DeleteStale is a no-op; lock keys expire one grace period after the last activity
func (s *RedisLockStore) DeleteStale(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	return 0, nil
}

func newLock(routerID, fingerprint, lastMillis string) *model.RouterLock {
	ms, _ := strconv.ParseInt(lastMillis, 10, 64)
	return &model.RouterLock{
		RouterID:          routerID,
		ActiveFingerprint: fingerprint,
		LastActivityAt:    time.UnixMilli(ms).UTC(),
		Blocking:          true,
	}
}
