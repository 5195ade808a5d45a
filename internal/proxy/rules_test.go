package proxy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		host    string
		want    bool
	}{
		{"r*---sn-*.example.com", "r1---sn-5hneenl6.example.com", true},
		{"r*---sn-*.example.com", "x.r1---sn-5hneenl6.example.com", false},
		{"r*---sn-*.example.com", "rr---sn-.example.com", true},
		{".example.com", "example.com", true},
		{".example.com", "sub.example.com", true},
		{".example.com", "a.b.example.com", true},
		{".example.com", "evil-example.com", false},
		{".example.com", "example.com.evil.net", false},
		{"x.com", "x.com", true},
		{"x.com", "box.com", false},
		{"x.com", "api.x.com", false},
		{"EXAMPLE.org.", "example.org", true},
	}
	for _, tt := range tests {
		p, err := ParsePattern(tt.pattern)
		if err != nil {
			t.Fatalf("ParsePattern(%q) error: %v", tt.pattern, err)
		}
		if got := p.Match(NormalizeHost(tt.host)); got != tt.want {
			t.Errorf("%q.Match(%q) = %v, want %v", tt.pattern, tt.host, got, tt.want)
		}
	}
}

func TestParsePatternRejectsBadRules(t *testing.T) {
	for _, raw := range []string{"", ".", ".*.example.com", " "} {
		if _, err := ParsePattern(raw); err == nil {
			t.Errorf("ParsePattern(%q) succeeded, want error", raw)
		}
	}
}

func TestNormalizeHost(t *testing.T) {
	tests := map[string]string{
		"Example.COM:443": "example.com",
		"example.com.":    "example.com",
		"[::1]:8080":      "::1",
		" portal.local ":  "portal.local",
		"10.0.0.1":        "10.0.0.1",
		"www.example.com": "www.example.com",
	}
	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRuleTableCategories(t *testing.T) {
	rt, err := NewRuleTable(RuleOptions{
		PortalHosts: []string{"portal.local"},
		ExtraHosts:  []string{".payments.example"},
	})
	if err != nil {
		t.Fatalf("NewRuleTable error: %v", err)
	}

	tests := []struct {
		host string
		want Category
	}{
		{"portal.local:8080", CategoryPortal},
		{"192.168.1.1", CategoryLAN},
		{"127.0.0.1:443", CategoryLAN},
		{"localhost", CategoryLAN},
		{"r3---sn-4g5e6nz7.googlevideo.com:443", CategoryAd},
		{"i.ytimg.com", CategoryAd},
		{"checkout.payments.example", CategoryGarden},
		{"fonts.gstatic.com", CategoryCosmetic},
		{"www.example.com", CategoryNone},
		{"8.8.8.8", CategoryNone},
		{"", CategoryNone},
	}
	for _, tt := range tests {
		if got := rt.Allowlisted(tt.host); got != tt.want {
			t.Errorf("Allowlisted(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}

	if !CategoryAd.Unmetered() || !CategoryPortal.Unmetered() || !CategoryLAN.Unmetered() {
		t.Error("portal, LAN and ad traffic should be unmetered")
	}
	if CategoryGarden.Unmetered() || CategoryCosmetic.Unmetered() {
		t.Error("garden and cosmetic traffic should be metered")
	}
}

func TestRuleTableStrictDropsCosmetic(t *testing.T) {
	rt, err := NewRuleTable(RuleOptions{Strict: true})
	if err != nil {
		t.Fatalf("NewRuleTable error: %v", err)
	}
	if got := rt.Allowlisted("fonts.gstatic.com"); got != CategoryNone {
		t.Fatalf("strict Allowlisted(fonts.gstatic.com) = %q, want none", got)
	}
	if got := rt.Allowlisted("i.ytimg.com"); got != CategoryAd {
		t.Fatalf("strict Allowlisted(i.ytimg.com) = %q, want ad", got)
	}
}

func TestRuleTableGated(t *testing.T) {
	rt, err := NewRuleTable(RuleOptions{})
	if err != nil {
		t.Fatalf("NewRuleTable error: %v", err)
	}
	for _, host := range []string{"facebook.com", "m.facebook.com:443", "x.com", "static.cdninstagram.com"} {
		if !rt.Gated(host) {
			t.Errorf("Gated(%q) = false, want true", host)
		}
	}
	for _, host := range []string{"example.com", "notfacebook.com", "api.x.com.evil"} {
		if rt.Gated(host) {
			t.Errorf("Gated(%q) = true, want false", host)
		}
	}
}

func TestLoadRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `
replace_defaults: true
ad_hosts:
  - ".ads.example"
walled_garden:
  - "bank.example"
gated_apps:
  - ".chat.example"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}

	rf, err := LoadRulesFile(path)
	if err != nil {
		t.Fatalf("LoadRulesFile error: %v", err)
	}
	rt, err := NewRuleTable(RuleOptions{File: rf})
	if err != nil {
		t.Fatalf("NewRuleTable error: %v", err)
	}

	if got := rt.Allowlisted("cdn.ads.example"); got != CategoryAd {
		t.Errorf("Allowlisted(cdn.ads.example) = %q, want ad", got)
	}
	if got := rt.Allowlisted("bank.example"); got != CategoryGarden {
		t.Errorf("Allowlisted(bank.example) = %q, want garden", got)
	}
	// Defaults were replaced
	if got := rt.Allowlisted("i.ytimg.com"); got != CategoryNone {
		t.Errorf("Allowlisted(i.ytimg.com) = %q, want none", got)
	}
	if rt.Gated("facebook.com") {
		t.Error("facebook.com should not be gated once defaults are replaced")
	}
	if !rt.Gated("m.chat.example") {
		t.Error("m.chat.example should be gated")
	}
}

func TestLoadRulesFileErrors(t *testing.T) {
	if _, err := LoadRulesFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("ad_hosts: [unterminated"), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	if _, err := LoadRulesFile(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}
