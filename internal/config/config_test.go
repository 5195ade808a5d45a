package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	p := writeConfig(t, "security:\n  signing_secret: s3cret\n")

	c, err := LoadFile(p)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Server.ProxyPort != 3128 {
		t.Fatalf("expected default proxy port 3128, got %d", c.Server.ProxyPort)
	}
	if c.Ad.MinWatchSeconds != 45 {
		t.Fatalf("expected default min watch 45, got %d", c.Ad.MinWatchSeconds)
	}
	if c.RouterLock.Grace != 30*time.Second {
		t.Fatalf("expected router lock grace 30s, got %s", c.RouterLock.Grace)
	}
	if c.Ad.TicketTTL != 2*time.Minute {
		t.Fatalf("expected ticket ttl 2m, got %s", c.Ad.TicketTTL)
	}
	if c.Session.RevalidateAfter != 30*time.Minute {
		t.Fatalf("expected revalidate window 30m, got %s", c.Session.RevalidateAfter)
	}
	if c.Store.Backend != "memory" || c.Ledger.Backend != "memory" {
		t.Fatalf("expected memory backends, got %s/%s", c.Store.Backend, c.Ledger.Backend)
	}
}

func TestLoadFileEnvOverrides(t *testing.T) {
	p := writeConfig(t, "security:\n  signing_secret: from-file\n")
	t.Setenv("CAPTIVEGATE_SECURITY_SIGNING_SECRET", "from-env")
	t.Setenv("CAPTIVEGATE_PROXY_EXTRA_HOSTS", "fonts.example.com, cdn.example.net")
	t.Setenv("CAPTIVEGATE_AD_MIN_WATCH_SECONDS", "30")

	c, err := LoadFile(p)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Security.SigningSecret != "from-env" {
		t.Fatalf("expected env secret, got %q", c.Security.SigningSecret)
	}
	if c.Ad.MinWatchSeconds != 30 {
		t.Fatalf("expected min watch 30, got %d", c.Ad.MinWatchSeconds)
	}
	if len(c.Proxy.ExtraHosts) != 2 || c.Proxy.ExtraHosts[0] != "fonts.example.com" || c.Proxy.ExtraHosts[1] != "cdn.example.net" {
		t.Fatalf("unexpected extra hosts: %#v", c.Proxy.ExtraHosts)
	}
}

func TestLoadFileRequiresSecret(t *testing.T) {
	p := writeConfig(t, "log:\n  level: debug\n")
	if _, err := LoadFile(p); err == nil {
		t.Fatalf("expected missing signing secret to fail")
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	p := writeConfig(t, "security:\n  signing_secret: x\nstore:\n  backend: etcd\n")
	if _, err := LoadFile(p); err == nil {
		t.Fatalf("expected unknown store backend to fail")
	}
}

func TestValidateRejectsBadDurationsAndCaps(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero janitor interval", "janitor:\n  interval: 0s\n"},
		{"negative janitor interval", "janitor:\n  interval: -5s\n"},
		{"zero session ttl", "session:\n  ttl: 0s\n"},
		{"negative grant cap", "ad:\n  max_grant_mb: -1\n"},
		{"auto grant above cap", "ad:\n  auto_grant_mb: 100\n  max_grant_mb: 50\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeConfig(t, "security:\n  signing_secret: x\n"+tt.body)
			if _, err := LoadFile(p); err == nil {
				t.Fatalf("expected %s to fail validation", tt.name)
			}
		})
	}
}

func TestLoadFileDefaultGrantCap(t *testing.T) {
	c, err := LoadFile(writeConfig(t, "security:\n  signing_secret: x\n"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Ad.MaxGrantMB != 500 {
		t.Fatalf("expected default grant cap 500, got %v", c.Ad.MaxGrantMB)
	}
	if c.Janitor.Interval != 30*time.Second {
		t.Fatalf("expected janitor interval 30s, got %s", c.Janitor.Interval)
	}
}

func TestPortalURL(t *testing.T) {
	s := ServerConfig{PublicHost: "portal.lan", PortalPort: 80}
	if got := s.PortalURL(); got != "http://portal.lan" {
		t.Fatalf("got %q", got)
	}
	s.PortalPort = 8080
	if got := s.PortalURL(); got != "http://portal.lan:8080" {
		t.Fatalf("got %q", got)
	}
}
