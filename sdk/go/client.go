// Package captivegate is a Go client for the captivegate portal API, for
// router agents and front ends that report usage or poll access.
package captivegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds the configuration for the client.
type Config struct {
	// BaseURL is the root URL of the portal, e.g. "http://portal.hotspot.lan:8080".
	BaseURL string

	// CacheTTL controls how long AccessCheck results are cached in memory.
	// Set to a negative value to disable caching.
	// Default: 5 seconds
	CacheTTL time.Duration

	// HTTPClient is an optional custom HTTP client.
	// If nil, a default client with 10s timeout is used.
	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
}

// Client calls the portal API.
type Client struct {
	cfg   Config
	cache *accessCache
}

// NewClient creates a new client with the given configuration.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:   cfg,
		cache: newAccessCache(),
	}
}

// GrantBundle requests a bundle. adminToken is required for manual grants and
// ignored otherwise.
func (c *Client) GrantBundle(ctx context.Context, req GrantRequest, adminToken string) (*GrantResponse, error) {
	var resp GrantResponse
	if err := c.do(ctx, http.MethodPost, "/bundle/grant", req, adminToken, &resp); err != nil {
		return nil, err
	}
	c.cache.delete(req.Identifier)
	return &resp, nil
}

// RecordAdEvent reports an ad player event.
func (c *Client) RecordAdEvent(ctx context.Context, req AdEventRequest) (*AdEventResponse, error) {
	var resp AdEventResponse
	if err := c.do(ctx, http.MethodPost, "/ad/event", req, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SessionPing refreshes the calling device's session.
func (c *Client) SessionPing(ctx context.Context, identifier, routerID string) (*SessionResponse, error) {
	var resp SessionResponse
	body := map[string]string{"identifier": identifier, "routerId": routerID}
	if err := c.do(ctx, http.MethodPost, "/session/ping", body, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportUsage applies megabytes used by the calling device.
func (c *Client) ReportUsage(ctx context.Context, identifier string, usedMB float64) (*AccessResponse, error) {
	var resp AccessResponse
	body := map[string]interface{}{"identifier": identifier, "usedMB": usedMB}
	if err := c.do(ctx, http.MethodPost, "/usage/report", body, "", &resp); err != nil {
		return nil, err
	}
	resp.HasAccess = resp.Quota != nil && !resp.Quota.Exhausted
	c.cache.delete(identifier)
	return &resp, nil
}

// AccessCheck polls the quota of identifier. Results are cached according to CacheTTL.
func (c *Client) AccessCheck(ctx context.Context, identifier string) (*AccessResponse, error) {
	if c.cfg.CacheTTL > 0 {
		if resp, ok := c.cache.get(identifier); ok {
			return resp, nil
		}
	}

	var resp AccessResponse
	if err := c.do(ctx, http.MethodGet, "/access/check?identifier="+url.QueryEscape(identifier), nil, "", &resp); err != nil {
		return nil, err
	}

	if c.cfg.CacheTTL > 0 {
		c.cache.set(identifier, &resp, c.cfg.CacheTTL)
	}
	return &resp, nil
}

// DeviceStatus resolves the calling device. portalToken is sent as the
// token header when the device has no session at this address.
func (c *Client) DeviceStatus(ctx context.Context, portalToken string) (*DeviceStatus, error) {
	var resp DeviceStatus
	if err := c.doWithHeader(ctx, http.MethodGet, "/device/status", nil, map[string]string{"X-Portal-Token": portalToken}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AdminLogin exchanges the operator password and optional TOTP code for a bearer token.
func (c *Client) AdminLogin(ctx context.Context, password, otp string) (*AdminToken, error) {
	var resp AdminToken
	body := map[string]string{"password": password, "otp": otp}
	if err := c.do(ctx, http.MethodPost, "/admin/login", body, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResetQuota deletes every grant of identifier. It returns the number of grants removed.
func (c *Client) ResetQuota(ctx context.Context, adminToken, identifier string) (int64, error) {
	var resp struct {
		Removed int64 `json:"removed"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/quota/reset", map[string]string{"identifier": identifier}, adminToken, &resp); err != nil {
		return 0, err
	}
	c.cache.delete(identifier)
	return resp.Removed, nil
}

// LinkAccount groups identifiers under accountID for unified quota.
func (c *Client) LinkAccount(ctx context.Context, adminToken, accountID string, identifiers []string) error {
	body := map[string]interface{}{"accountId": accountID, "identifiers": identifiers}
	if err := c.do(ctx, http.MethodPost, "/admin/accounts/link", body, adminToken, nil); err != nil {
		return err
	}
	c.cache.clear()
	return nil
}

// AuditTrail returns up to limit audit entries for identifier, newest first.
// A limit of zero uses the server default.
func (c *Client) AuditTrail(ctx context.Context, adminToken, identifier string, limit int) ([]AuditEntry, error) {
	q := url.Values{"identifier": {identifier}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Entries []AuditEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/audit?"+q.Encode(), nil, adminToken, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, bearer string, out interface{}) error {
	var header map[string]string
	if bearer != "" {
		header = map[string]string{"Authorization": "Bearer " + bearer}
	}
	return c.doWithHeader(ctx, method, path, payload, header, out)
}

// doWithHeader sends a request to the portal API and decodes a successful response into out.
func (c *Client) doWithHeader(ctx context.Context, method, path string, payload interface{}, header map[string]string, out interface{}) error {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("captivegate: failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("captivegate: failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range header {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("captivegate: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("captivegate: failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, body)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("captivegate: failed to parse response: %w", err)
		}
	}
	return nil
}

// accessCache provides in-memory caching for access checks.
type accessCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	resp      *AccessResponse
	expiresAt time.Time
}

func newAccessCache() *accessCache {
	return &accessCache{
		entries: make(map[string]*cacheEntry),
	}
}

func (ac *accessCache) get(identifier string) (*AccessResponse, bool) {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	entry, ok := ac.entries[identifier]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.resp, true
}

func (ac *accessCache) set(identifier string, resp *AccessResponse, ttl time.Duration) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	now := time.Now()
	if len(ac.entries) > 1024 {
		for k, v := range ac.entries {
			if now.After(v.expiresAt) {
				delete(ac.entries, k)
			}
		}
	}
	ac.entries[identifier] = &cacheEntry{
		resp:      resp,
		expiresAt: now.Add(ttl),
	}
}

func (ac *accessCache) delete(identifier string) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	delete(ac.entries, identifier)
}

func (ac *accessCache) clear() {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.entries = make(map[string]*cacheEntry)
}
