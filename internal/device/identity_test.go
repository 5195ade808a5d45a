package device

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/captivegate/captivegate/internal/logger"
)

type countingResolver struct {
	calls int
	mac   net.HardwareAddr
	err   error
}

func (r *countingResolver) HardwareAddr(ctx context.Context, ip net.IP) (net.HardwareAddr, error) {
	r.calls++
	return r.mac, r.err
}

func testMeta() ConnMeta {
	return ConnMeta{
		RemoteAddr:     "192.168.1.20:51234",
		UserAgent:      "Mozilla/5.0 (Linux; Android 14)",
		Accept:         "text/html",
		AcceptLanguage: "en-US",
		AcceptEncoding: "gzip",
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	id := NewIdentity(nil, time.Minute, logger.Nop())
	ctx := context.Background()

	a := id.Fingerprint(ctx, testMeta())
	m := testMeta()
	m.RemoteAddr = "192.168.1.20:60000"
	b := id.Fingerprint(ctx, m)
	if a != b {
		t.Fatalf("expected source port to be ignored")
	}

	m.UserAgent = "curl/8.0"
	if id.Fingerprint(ctx, m) == a {
		t.Fatalf("expected user agent to change the fingerprint")
	}
}

func TestFingerprintUsesCachedHardwareAddr(t *testing.T) {
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	r := &countingResolver{mac: mac}
	id := NewIdentity(r, time.Minute, logger.Nop())
	ctx := context.Background()

	withMAC := id.Fingerprint(ctx, testMeta())
	id.Fingerprint(ctx, testMeta())
	if r.calls != 1 {
		t.Fatalf("expected one resolver call within cache window, got %d", r.calls)
	}

	plain := NewIdentity(nil, time.Minute, logger.Nop()).Fingerprint(ctx, testMeta())
	if plain == withMAC {
		t.Fatalf("expected hardware address to contribute to the fingerprint")
	}
	if got := id.hardwareAddr(ctx, "192.168.1.20"); got != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("unexpected cached mac %q", got)
	}
}

func TestFingerprintResolverFailureDegrades(t *testing.T) {
	ctx := context.Background()
	failing := NewIdentity(&countingResolver{err: errors.New("boom")}, time.Minute, logger.Nop())
	plain := NewIdentity(nil, time.Minute, logger.Nop())

	if failing.Fingerprint(ctx, testMeta()) != plain.Fingerprint(ctx, testMeta()) {
		t.Fatalf("expected lookup failure to behave like an unknown hardware address")
	}
}

func TestCacheExpiry(t *testing.T) {
	r := &countingResolver{}
	id := NewIdentity(r, time.Minute, logger.Nop())
	now := time.Now()
	id.now = func() time.Time { return now }

	id.Fingerprint(context.Background(), testMeta())
	now = now.Add(2 * time.Minute)
	id.Fingerprint(context.Background(), testMeta())
	if r.calls != 2 {
		t.Fatalf("expected expired cache entry to be refreshed, calls=%d", r.calls)
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"10.0.0.5:443":         "10.0.0.5",
		"[::ffff:10.0.0.5]:80": "10.0.0.5",
		"[fe80::1%wlan0]:8080": "fe80::1",
		"10.0.0.5":             "10.0.0.5",
		"Portal.Local":         "portal.local",
		"[2001:DB8::1]:1234":   "2001:db8::1",
	}
	for in, want := range cases {
		if got := NormalizeAddress(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestMetaFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "http://portal/", nil)
	r.RemoteAddr = "10.0.0.9:1234"
	r.Header.Set("X-Forwarded-For", "192.168.1.50, 10.0.0.1")
	r.Header.Set("User-Agent", "ua")

	if got := MetaFromRequest(r, false).Address(); got != "10.0.0.9" {
		t.Fatalf("untrusted: got %q", got)
	}
	if got := MetaFromRequest(r, true).Address(); got != "192.168.1.50" {
		t.Fatalf("trusted: got %q", got)
	}
}

func TestARPTableResolver(t *testing.T) {
	table := "IP address       HW type     Flags       HW address            Mask     Device\n" +
		"192.168.1.20     0x1         0x2         aa:bb:cc:00:11:22     *        wlan0\n" +
		"192.168.1.21     0x1         0x0         00:00:00:00:00:00     *        wlan0\n"
	p := filepath.Join(t.TempDir(), "arp")
	if err := os.WriteFile(p, []byte(table), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewARPTableResolver(p)
	ctx := context.Background()

	mac, err := r.HardwareAddr(ctx, net.ParseIP("192.168.1.20"))
	if err != nil || mac.String() != "aa:bb:cc:00:11:22" {
		t.Fatalf("unexpected lookup result %v, %v", mac, err)
	}
	mac, err = r.HardwareAddr(ctx, net.ParseIP("192.168.1.21"))
	if err != nil || mac != nil {
		t.Fatalf("incomplete entry should be unknown, got %v, %v", mac, err)
	}
	mac, err = r.HardwareAddr(ctx, net.ParseIP("192.168.1.99"))
	if err != nil || mac != nil {
		t.Fatalf("missing entry should be unknown, got %v, %v", mac, err)
	}

	if _, err := NewARPTableResolver(filepath.Join(t.TempDir(), "missing")).HardwareAddr(ctx, net.ParseIP("1.2.3.4")); err == nil {
		t.Fatalf("expected missing table to error")
	}
}
