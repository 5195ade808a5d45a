package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/captivegate/captivegate/internal/auth"
	"github.com/captivegate/captivegate/internal/config"
	"github.com/captivegate/captivegate/internal/database"
	"github.com/captivegate/captivegate/internal/logger"
	"github.com/redis/go-redis/v9"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Security.RateLimiting = config.RateLimitingConfig{Enabled: true, DefaultLimit: 2, DefaultWindow: time.Minute}
	cfg.Security.Admin = config.AdminConfig{TokenTTL: time.Hour, Issuer: "captivegate"}
	return cfg
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequestID(t *testing.T) {
	mw := New(nil, logger.Nop(), testConfig())

	var seen string
	h := mw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		if GetLogger(r.Context(), nil) == nil {
			t.Error("request logger missing from context")
		}
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("request id = %q, header = %q", seen, rec.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc-123" {
		t.Fatalf("request id = %q, want caller's id", seen)
	}
}

func TestRecover(t *testing.T) {
	mw := New(nil, logger.Nop(), testConfig())
	h := mw.Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":false`) {
		t.Fatalf("body = %s, want error envelope", rec.Body.String())
	}
}

func hit(h http.Handler, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/bundle/grant", nil)
	req.RemoteAddr = addr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitInMemory(t *testing.T) {
	mw := New(nil, logger.Nop(), testConfig())
	h := mw.RateLimit(RateLimitConfig{Name: "grant"})(okHandler)

	for i := 0; i < 2; i++ {
		if rec := hit(h, "10.0.0.5:1000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}
	rec := hit(h, "10.0.0.5:1001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	if rec := hit(h, "10.0.0.6:1000"); rec.Code != http.StatusOK {
		t.Fatalf("other client status = %d, want 200", rec.Code)
	}
}

func TestRateLimitRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mw := New(database.WrapRedis(client, "test:"), logger.Nop(), testConfig())
	h := mw.RateLimit(RateLimitConfig{Name: "login", Limit: 1, Window: time.Minute})(okHandler)

	if rec := hit(h, "10.0.0.7:1"); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", rec.Code)
	}
	if rec := hit(h, "10.0.0.7:2"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if !mr.Exists("test:ratelimit:login:10.0.0.7") {
		t.Fatal("expected counter key in redis")
	}

	mr.FastForward(2 * time.Minute)
	if rec := hit(h, "10.0.0.7:3"); rec.Code != http.StatusOK {
		t.Fatalf("status after window = %d, want 200", rec.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RateLimiting.Enabled = false
	mw := New(nil, logger.Nop(), cfg)
	h := mw.RateLimit(RateLimitConfig{Name: "grant", Limit: 1})(okHandler)

	for i := 0; i < 5; i++ {
		if rec := hit(h, "10.0.0.8:1"); rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 with limiting disabled", rec.Code)
		}
	}
}

func TestAdminAuth(t *testing.T) {
	cfg := testConfig()
	mw := New(nil, logger.Nop(), cfg)
	tokens := auth.NewAdminTokenService("secret", cfg.Security.Admin)

	var operator string
	h := mw.AdminAuth(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator = GetOperator(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/quota/reset", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/quota/reset", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d, want 401", rec.Code)
	}

	token, _, err := tokens.Issue("operator")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/admin/quota/reset", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || operator != "operator" {
		t.Fatalf("status = %d, operator = %q", rec.Code, operator)
	}
}

func TestOptionalAdmin(t *testing.T) {
	cfg := testConfig()
	mw := New(nil, logger.Nop(), cfg)
	tokens := auth.NewAdminTokenService("secret", cfg.Security.Admin)

	var operator string
	h := mw.OptionalAdmin(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator = GetOperator(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/bundle/grant", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || operator != "" {
		t.Fatalf("status = %d, operator = %q; want pass-through without operator", rec.Code, operator)
	}
}

func TestCORS(t *testing.T) {
	mw := New(nil, logger.Nop(), testConfig())
	h := mw.CORS([]string{"http://portal.local"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/ad/event", nil)
	req.Header.Set("Origin", "http://portal.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://portal.local" {
		t.Fatal("allowed origin not echoed")
	}

	req = httptest.NewRequest(http.MethodGet, "/access/check", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unlisted origin must not be allowed")
	}
}
