package proxy

import (
	"fmt"
	"net"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category classifies a host that bypasses authorization, or a gated app
type Category string

const (
	CategoryNone     Category = ""
	CategoryPortal   Category = "portal"
	CategoryLAN      Category = "lan"
	CategoryAd       Category = "ad"
	CategoryGarden   Category = "garden"
	CategoryCosmetic Category = "cosmetic"
)

// Unmetered reports whether traffic in the category never counts against a bundle
func (c Category) Unmetered() bool {
	return c == CategoryPortal || c == CategoryLAN || c == CategoryAd
}

// Pattern is one host rule. A leading dot matches the domain and every
// subdomain, a '*' matches within a single label, anything else is exact.
type Pattern struct {
	raw    string
	suffix string
	labels []string
}

// ParsePattern compiles a host rule
func ParsePattern(raw string) (Pattern, error) {
	p := strings.ToLower(strings.TrimSpace(raw))
	p = strings.TrimSuffix(p, ".")
	if p == "" || p == "." {
		return Pattern{}, fmt.Errorf("empty host pattern")
	}
	switch {
	case strings.HasPrefix(p, "."):
		base := strings.TrimPrefix(p, ".")
		if strings.Contains(base, "*") {
			return Pattern{}, fmt.Errorf("suffix pattern %q cannot contain a wildcard", raw)
		}
		return Pattern{raw: p, suffix: base}, nil
	case strings.Contains(p, "*"):
		labels := strings.Split(p, ".")
		for _, l := range labels {
			if _, err := path.Match(l, ""); err != nil {
				return Pattern{}, fmt.Errorf("bad wildcard pattern %q: %w", raw, err)
			}
		}
		return Pattern{raw: p, labels: labels}, nil
	default:
		return Pattern{raw: p}, nil
	}
}

// Match reports whether host, already normalized, satisfies the rule
func (p Pattern) Match(host string) bool {
	switch {
	case p.suffix != "":
		return host == p.suffix || strings.HasSuffix(host, "."+p.suffix)
	case p.labels != nil:
		labels := strings.Split(host, ".")
		if len(labels) != len(p.labels) {
			return false
		}
		for i, l := range p.labels {
			if ok, _ := path.Match(l, labels[i]); !ok {
				return false
			}
		}
		return true
	default:
		return host == p.raw
	}
}

// String returns the rule as written
func (p Pattern) String() string {
	return p.raw
}

// Built-in host tables. Operators extend them through config or a rules file.
var (
	DefaultAdHosts = []string{
		"r*---sn-*.googlevideo.com",
		"redirector.googlevideo.com",
		".ytimg.com",
		".doubleclick.net",
		".googlesyndication.com",
		".imasdk.googleapis.com",
		".2mdn.net",
	}
	DefaultCosmeticHosts = []string{
		".fonts.googleapis.com",
		".fonts.gstatic.com",
		".cdnjs.cloudflare.com",
	}
	DefaultGatedHosts = []string{
		".facebook.com",
		".fbcdn.net",
		".instagram.com",
		".cdninstagram.com",
		".tiktok.com",
		".tiktokcdn.com",
		".snapchat.com",
		".whatsapp.com",
		".whatsapp.net",
		".twitter.com",
		"x.com",
	}
)

// RulesFile is the on-disk rule table
type RulesFile struct {
	AdHosts       []string `yaml:"ad_hosts"`
	WalledGarden  []string `yaml:"walled_garden"`
	CosmeticHosts []string `yaml:"cosmetic_hosts"`
	GatedApps     []string `yaml:"gated_apps"`
	// ReplaceDefaults drops the built-in tables instead of extending them
	ReplaceDefaults bool `yaml:"replace_defaults"`
}

// LoadRulesFile reads a YAML rule table
func LoadRulesFile(filename string) (*RulesFile, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return &rf, nil
}

// RuleTable decides which hosts bypass authorization and which apps are gated
type RuleTable struct {
	portal   []Pattern
	ad       []Pattern
	garden   []Pattern
	cosmetic []Pattern
	gated    []Pattern
	strict   bool
}

// RuleOptions configures NewRuleTable
type RuleOptions struct {
	PortalHosts []string
	ExtraHosts  []string
	// Strict disables the cosmetic allowances
	Strict bool
	File   *RulesFile
}

// NewRuleTable compiles the built-in tables plus the configured additions
func NewRuleTable(opts RuleOptions) (*RuleTable, error) {
	ad, cosmetic, gated := DefaultAdHosts, DefaultCosmeticHosts, DefaultGatedHosts
	garden := append([]string(nil), opts.ExtraHosts...)
	if f := opts.File; f != nil {
		if f.ReplaceDefaults {
			ad, cosmetic, gated = nil, nil, nil
		}
		ad = append(append([]string(nil), ad...), f.AdHosts...)
		cosmetic = append(append([]string(nil), cosmetic...), f.CosmeticHosts...)
		gated = append(append([]string(nil), gated...), f.GatedApps...)
		garden = append(garden, f.WalledGarden...)
	}

	t := &RuleTable{strict: opts.Strict}
	var err error
	if t.portal, err = compile(opts.PortalHosts); err != nil {
		return nil, err
	}
	if t.ad, err = compile(ad); err != nil {
		return nil, err
	}
	if t.garden, err = compile(garden); err != nil {
		return nil, err
	}
	if t.cosmetic, err = compile(cosmetic); err != nil {
		return nil, err
	}
	if t.gated, err = compile(gated); err != nil {
		return nil, err
	}
	return t, nil
}

func compile(raw []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		p, err := ParsePattern(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Allowlisted returns the walled-garden category of host, or CategoryNone
func (t *RuleTable) Allowlisted(host string) Category {
	host = NormalizeHost(host)
	if host == "" {
		return CategoryNone
	}
	switch {
	case matchAny(t.portal, host):
		return CategoryPortal
	case isLAN(host):
		return CategoryLAN
	case matchAny(t.ad, host):
		return CategoryAd
	case matchAny(t.garden, host):
		return CategoryGarden
	case !t.strict && matchAny(t.cosmetic, host):
		return CategoryCosmetic
	}
	return CategoryNone
}

// Gated reports whether host belongs to an app that stays locked until a first ad completion
func (t *RuleTable) Gated(host string) bool {
	return matchAny(t.gated, NormalizeHost(host))
}

func matchAny(patterns []Pattern, host string) bool {
	for _, p := range patterns {
		if p.Match(host) {
			return true
		}
	}
	return false
}

// NormalizeHost lowercases host and strips any port, brackets and trailing dot
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

func isLAN(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
