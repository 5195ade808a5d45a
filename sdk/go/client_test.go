package captivegate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newStub(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestGrantBundleSendsBearerForManual(t *testing.T) {
	c := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/bundle/grant" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer op-token" {
			t.Fatalf("expected bearer header, got %q", got)
		}
		var req GrantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":       true,
			"purchase": map[string]interface{}{"id": "g1", "identifier": req.Identifier, "bundleMB": req.BundleMB, "source": req.Source},
			"token":    "tok",
			"quota":    map[string]interface{}{"remainingMB": req.BundleMB, "totalBundleMB": req.BundleMB},
		})
	})

	resp, err := c.GrantBundle(context.Background(), GrantRequest{Identifier: "+15550001", BundleMB: 50, Source: SourceManual}, "op-token")
	if err != nil {
		t.Fatalf("GrantBundle: %v", err)
	}
	if resp.Purchase == nil || resp.Purchase.BundleMB != 50 || resp.Token != "tok" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Quota.RemainingMB != 50 {
		t.Fatalf("expected 50 MB remaining, got %v", resp.Quota.RemainingMB)
	}
}

func TestAPIErrorMapsSentinels(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrNotSignedIn},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusTooManyRequests, ErrRateLimited},
	}
	for _, tt := range tests {
		c := newStub(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, tt.status, map[string]interface{}{"ok": false, "message": "nope"})
		})
		_, err := c.SessionPing(context.Background(), "+15550001", "")
		if !errors.Is(err, tt.want) {
			t.Fatalf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
		apiErr, ok := IsAPIError(err)
		if !ok || apiErr.Message != "nope" {
			t.Fatalf("status %d: expected APIError with message, got %v", tt.status, err)
		}
	}
}

func TestAPIErrorKeepsPlainBody(t *testing.T) {
	c := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	_, err := c.AccessCheck(context.Background(), "+15550001")
	apiErr, ok := IsAPIError(err)
	if !ok || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 APIError, got %v", err)
	}
	if errors.Is(err, ErrForbidden) {
		t.Fatal("502 should not map to a sentinel")
	}
}

func TestAccessCheckIsCachedUntilUsageReported(t *testing.T) {
	var checks atomic.Int32
	c := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/access/check":
			checks.Add(1)
			if r.URL.Query().Get("identifier") != "+15550001" {
				t.Fatalf("unexpected identifier %q", r.URL.Query().Get("identifier"))
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "hasAccess": true, "quota": map[string]interface{}{"remainingMB": 10}})
		case "/usage/report":
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "applied": true, "quota": map[string]interface{}{"remainingMB": 0, "exhausted": true}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp, err := c.AccessCheck(ctx, "+15550001")
		if err != nil {
			t.Fatalf("AccessCheck: %v", err)
		}
		if !resp.HasAccess {
			t.Fatal("expected access")
		}
	}
	if n := checks.Load(); n != 1 {
		t.Fatalf("expected 1 upstream check, got %d", n)
	}

	usage, err := c.ReportUsage(ctx, "+15550001", 10)
	if err != nil {
		t.Fatalf("ReportUsage: %v", err)
	}
	if !usage.Applied || usage.HasAccess {
		t.Fatalf("unexpected usage response %+v", usage)
	}

	if _, err := c.AccessCheck(ctx, "+15550001"); err != nil {
		t.Fatalf("AccessCheck: %v", err)
	}
	if n := checks.Load(); n != 2 {
		t.Fatalf("expected cache invalidated after usage, got %d checks", n)
	}
}

func TestAccessCheckCacheDisabled(t *testing.T) {
	var checks atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks.Add(1)
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "hasAccess": true})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, CacheTTL: -1})
	for i := 0; i < 2; i++ {
		if _, err := c.AccessCheck(context.Background(), "+15550001"); err != nil {
			t.Fatalf("AccessCheck: %v", err)
		}
	}
	if n := checks.Load(); n != 2 {
		t.Fatalf("expected 2 upstream checks, got %d", n)
	}
}

func TestDeviceStatusSendsPortalToken(t *testing.T) {
	c := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Portal-Token") != "portal-tok" {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"ok": false, "message": "Not signed in"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "identifier": "+15550001"})
	})

	st, err := c.DeviceStatus(context.Background(), "portal-tok")
	if err != nil {
		t.Fatalf("DeviceStatus: %v", err)
	}
	if st.Identifier != "+15550001" {
		t.Fatalf("unexpected identifier %q", st.Identifier)
	}
	if _, err := c.DeviceStatus(context.Background(), ""); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn, got %v", err)
	}
}

func TestAdminFlow(t *testing.T) {
	c := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/admin/login":
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "token": "adm", "expiresAt": time.Now().Add(time.Hour)})
		case "/admin/quota/reset":
			if r.Header.Get("Authorization") != "Bearer adm" {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"ok": false, "message": "Unauthorized"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "removed": 2})
		case "/admin/audit":
			if r.URL.Query().Get("identifier") != "+15550001" || r.URL.Query().Get("limit") != "5" {
				t.Fatalf("unexpected audit query %q", r.URL.RawQuery)
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "entries": []map[string]interface{}{
				{"id": "aud_1", "action": "quota.reset", "resourceId": "+15550001"},
			}})
		case "/admin/accounts/link":
			var body struct {
				AccountID   string   `json:"accountId"`
				Identifiers []string `json:"identifiers"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if body.AccountID != "acct" || len(body.Identifiers) != 2 {
				t.Fatalf("unexpected link body %+v", body)
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
		}
	})
	ctx := context.Background()

	tok, err := c.AdminLogin(ctx, "correct horse battery", "")
	if err != nil {
		t.Fatalf("AdminLogin: %v", err)
	}
	removed, err := c.ResetQuota(ctx, tok.Token, "+15550001")
	if err != nil {
		t.Fatalf("ResetQuota: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, err := c.ResetQuota(ctx, "", "+15550001"); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected unauthorized without token, got %v", err)
	}
	if err := c.LinkAccount(ctx, tok.Token, "acct", []string{"+15550001", "+15550002"}); err != nil {
		t.Fatalf("LinkAccount: %v", err)
	}
	entries, err := c.AuditTrail(ctx, tok.Token, "+15550001", 5)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "quota.reset" {
		t.Fatalf("unexpected audit entries %+v", entries)
	}
}
