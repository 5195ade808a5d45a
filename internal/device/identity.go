package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/captivegate/captivegate/internal/logger"
)

// maxCacheEntries bounds the hardware address cache before expired entries are pruned
const maxCacheEntries = 4096

type hwEntry struct {
	mac       string
	expiresAt time.Time
}

// Identity derives device fingerprints. Fingerprinting never fails: resolver errors only
// remove the hardware component, producing a less stable fingerprint.
type Identity struct {
	resolver Resolver
	ttl      time.Duration
	log      *logger.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]hwEntry
}

// NewIdentity creates an Identity. A nil resolver disables hardware lookups.
func NewIdentity(resolver Resolver, cacheTTL time.Duration, log *logger.Logger) *Identity {
	if resolver == nil {
		resolver = NoopResolver{}
	}
	return &Identity{
		resolver: resolver,
		ttl:      cacheTTL,
		log:      log.WithComponent("device_identity"),
		now:      time.Now,
		cache:    make(map[string]hwEntry),
	}
}

// Fingerprint returns the fingerprint for meta
func (d *Identity) Fingerprint(ctx context.Context, meta ConnMeta) string {
	addr := meta.Address()
	components := []string{
		addr,
		strings.TrimSpace(meta.UserAgent),
		strings.TrimSpace(meta.Accept),
		strings.TrimSpace(meta.AcceptLanguage),
		strings.TrimSpace(meta.AcceptEncoding),
		d.hardwareAddr(ctx, addr),
	}
	hash := sha256.Sum256([]byte(strings.Join(components, "|")))
	return hex.EncodeToString(hash[:])
}

func (d *Identity) hardwareAddr(ctx context.Context, addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}

	now := d.now()
	d.mu.Lock()
	if e, ok := d.cache[addr]; ok && now.Before(e.expiresAt) {
		d.mu.Unlock()
		return e.mac
	}
	d.mu.Unlock()

	mac := ""
	hw, err := d.resolver.HardwareAddr(ctx, ip)
	if err != nil {
		d.log.Debug().Err(err).Str("address", addr).Msg("hardware address lookup failed")
	} else if hw != nil {
		mac = strings.ToLower(hw.String())
	}

	d.mu.Lock()
	if len(d.cache) >= maxCacheEntries {
		for k, e := range d.cache {
			if !now.Before(e.expiresAt) {
				delete(d.cache, k)
			}
		}
	}
	d.cache[addr] = hwEntry{mac: mac, expiresAt: now.Add(d.ttl)}
	d.mu.Unlock()

	return mac
}
