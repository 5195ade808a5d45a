package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Security   SecurityConfig   `mapstructure:"security"`
	Session    SessionConfig    `mapstructure:"session"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Ad         AdConfig         `mapstructure:"ad"`
	RouterLock RouterLockConfig `mapstructure:"router_lock"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Store      StoreConfig      `mapstructure:"store"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Janitor    JanitorConfig    `mapstructure:"janitor"`
}

// ServerConfig holds listener configuration for the portal API and the proxy
type ServerConfig struct {
	Host       string `mapstructure:"host"`
	PortalPort int    `mapstructure:"portal_port"`
	ProxyPort  int    `mapstructure:"proxy_port"`
	// PublicHost is the hostname devices use to reach the portal (e.g. "portal.hotspot.lan").
	// It is always part of the walled garden and is advertised in the PAC script.
	PublicHost string `mapstructure:"public_host"`
	// TrustProxyHeaders makes the portal API honour X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers"`
	// CORSOrigins lists front-end origins allowed to call the portal API
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// PortalURL returns the base URL of the portal as seen by devices
func (c ServerConfig) PortalURL() string {
	if c.PortalPort == 80 || c.PortalPort == 0 {
		return "http://" + c.PublicHost
	}
	return fmt.Sprintf("http://%s:%d", c.PublicHost, c.PortalPort)
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// KeyPrefix namespaces every key the gateway writes
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	// SigningSecret keys the portal_token HMAC. Shared by every gateway node.
	SigningSecret  string             `mapstructure:"signing_secret"`
	PortalTokenTTL time.Duration      `mapstructure:"portal_token_ttl"`
	Admin          AdminConfig        `mapstructure:"admin"`
	RateLimiting   RateLimitingConfig `mapstructure:"rate_limiting"`
}

// AdminConfig holds operator authentication configuration
type AdminConfig struct {
	// PasswordHash is an argon2id hash produced by `gatectl hash-password`
	PasswordHash string `mapstructure:"password_hash"`
	// TOTPSecret enables a second factor on admin login when set
	TOTPSecret string        `mapstructure:"totp_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	Issuer     string        `mapstructure:"issuer"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DefaultLimit  int           `mapstructure:"default_limit"`
	DefaultWindow time.Duration `mapstructure:"default_window"`
}

// SessionConfig holds device session configuration
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
	// RevalidateAfter is the inactivity window after which a session must re-prove access
	RevalidateAfter time.Duration `mapstructure:"revalidate_after"`
}

// QuotaConfig holds quota accounting configuration
type QuotaConfig struct {
	// UnifyLinked sums quota across every identifier linked to the same account
	UnifyLinked bool `mapstructure:"unify_linked"`
}

// AdConfig holds ad-earning configuration
type AdConfig struct {
	// MinWatchSeconds is the watch time an ad needs to count as complete
	MinWatchSeconds int           `mapstructure:"min_watch_seconds"`
	TicketTTL       time.Duration `mapstructure:"ticket_ttl"`
	// RecoveryWindow bounds the event scan used when a ticket was lost
	RecoveryWindow time.Duration `mapstructure:"recovery_window"`
	// AutoGrantMB grants a bundle directly on qualifying completion when > 0
	AutoGrantMB float64 `mapstructure:"auto_grant_mb"`
	// MaxGrantMB caps the bundle one ad can be exchanged for; 0 disables the cap
	MaxGrantMB float64 `mapstructure:"max_grant_mb"`
	// GracePeriod lets a device with exhausted quota browse briefly after finishing an ad
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// RouterLockConfig holds access point lock configuration
type RouterLockConfig struct {
	Grace time.Duration `mapstructure:"grace"`
}

// ProxyConfig holds walled-garden proxy configuration
type ProxyConfig struct {
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// ExtraHosts are additional walled-garden hosts (comma list in env)
	ExtraHosts []string `mapstructure:"extra_hosts"`
	// StrictWalledGarden disables cosmetic allowances such as font CDNs
	StrictWalledGarden bool `mapstructure:"strict_walled_garden"`
	// RulesFile is an optional YAML rule table merged over the built-in rules
	RulesFile string `mapstructure:"rules_file"`
	// ConnRate and ConnBurst limit new proxy connections per client address
	ConnRate  float64 `mapstructure:"conn_rate"`
	ConnBurst int     `mapstructure:"conn_burst"`
	// HardwareLookup selects the device resolver: "none" or "arp"
	HardwareLookup string        `mapstructure:"hardware_lookup"`
	HardwareTTL    time.Duration `mapstructure:"hardware_ttl"`
}

// StoreConfig selects the backend for ephemeral state (sessions, tickets, router locks)
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// LedgerConfig selects the backend for durable records (grants, ad events, links, audit)
type LedgerConfig struct {
	Backend string `mapstructure:"backend"`
}

// JanitorConfig holds background sweep configuration
type JanitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/captivegate")

	return load(v)
}

// LoadFile reads configuration from an explicit file path plus environment variables
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("CAPTIVEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Proxy.ExtraHosts = splitHosts(cfg.Proxy.ExtraHosts)
	cfg.Server.CORSOrigins = splitHosts(cfg.Server.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the gateway cannot run safely with
func (c *Config) Validate() error {
	if c.Security.SigningSecret == "" {
		return errors.New("security.signing_secret is required")
	}
	if c.Ad.MinWatchSeconds <= 0 {
		return errors.New("ad.min_watch_seconds must be positive")
	}
	if c.Ad.TicketTTL <= 0 {
		return errors.New("ad.ticket_ttl must be positive")
	}
	if c.Ad.MaxGrantMB < 0 {
		return errors.New("ad.max_grant_mb must not be negative")
	}
	if c.Ad.MaxGrantMB > 0 && c.Ad.AutoGrantMB > c.Ad.MaxGrantMB {
		return errors.New("ad.auto_grant_mb must not exceed ad.max_grant_mb")
	}
	if c.RouterLock.Grace <= 0 {
		return errors.New("router_lock.grace must be positive")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.Janitor.Interval <= 0 {
		return errors.New("janitor.interval must be positive")
	}
	if c.Server.PublicHost == "" {
		return errors.New("server.public_host is required")
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Ledger.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}
	return nil
}

// splitHosts flattens entries that still carry commas (a single env value) and drops blanks
func splitHosts(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, h := range strings.Split(entry, ",") {
			h = strings.TrimSpace(h)
			if h != "" {
				out = append(out, h)
			}
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.portal_port", 8080)
	v.SetDefault("server.proxy_port", 3128)
	v.SetDefault("server.public_host", "portal.hotspot.lan")
	v.SetDefault("server.trust_proxy_headers", false)
	v.SetDefault("server.cors_origins", []string{})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "captivegate")
	v.SetDefault("database.user", "captivegate")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "captivegate:")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Security defaults
	v.SetDefault("security.signing_secret", "")
	v.SetDefault("security.portal_token_ttl", "24h")
	v.SetDefault("security.admin.password_hash", "")
	v.SetDefault("security.admin.totp_secret", "")
	v.SetDefault("security.admin.token_ttl", "1h")
	v.SetDefault("security.admin.issuer", "captivegate")
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.default_limit", 60)
	v.SetDefault("security.rate_limiting.default_window", "1m")

	// Session defaults
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.revalidate_after", "30m")

	// Quota defaults
	v.SetDefault("quota.unify_linked", false)

	// Ad defaults
	v.SetDefault("ad.min_watch_seconds", 45)
	v.SetDefault("ad.ticket_ttl", "2m")
	v.SetDefault("ad.recovery_window", "5m")
	v.SetDefault("ad.auto_grant_mb", 0)
	v.SetDefault("ad.max_grant_mb", 500)
	v.SetDefault("ad.grace_period", "2m")

	// Router lock defaults
	v.SetDefault("router_lock.grace", "30s")

	// Proxy defaults
	v.SetDefault("proxy.dial_timeout", "10s")
	v.SetDefault("proxy.extra_hosts", []string{})
	v.SetDefault("proxy.strict_walled_garden", false)
	v.SetDefault("proxy.rules_file", "")
	v.SetDefault("proxy.conn_rate", 50)
	v.SetDefault("proxy.conn_burst", 100)
	v.SetDefault("proxy.hardware_lookup", "none")
	v.SetDefault("proxy.hardware_ttl", "5m")

	// Backend defaults
	v.SetDefault("store.backend", "memory")
	v.SetDefault("ledger.backend", "memory")

	// Janitor defaults
	v.SetDefault("janitor.interval", "30s")
}
