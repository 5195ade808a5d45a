package router

import (
	"net/http"
	"time"

	"github.com/captivegate/captivegate/internal/auth"
	"github.com/captivegate/captivegate/internal/handler"
	"github.com/captivegate/captivegate/internal/middleware"
	"github.com/captivegate/captivegate/internal/proxy"
)

// New creates and configures the portal HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, adminTokens *auth.AdminTokenService, corsOrigins []string) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	// Proxy auto-configuration
	mux.HandleFunc("GET /proxy.pac", h.ProxyPAC)
	mux.HandleFunc("GET /wpad.dat", h.ProxyPAC)

	// Pages the proxy redirects to
	mux.HandleFunc("GET /{$}", h.PortalPage(proxy.VerdictLogin))
	mux.HandleFunc("GET "+proxy.PathLogin, h.PortalPage(proxy.VerdictLogin))
	mux.HandleFunc("GET "+proxy.PathExhausted, h.PortalPage(proxy.VerdictExhausted))
	mux.HandleFunc("GET "+proxy.PathAppLocked, h.PortalPage(proxy.VerdictAppLocked))
	mux.HandleFunc("GET "+proxy.PathBusy, h.PortalPage(proxy.VerdictBusy))
	mux.HandleFunc("GET "+proxy.PathUnreachable, h.Unreachable)

	grantRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Name:   "grant",
		Limit:  10,
		Window: time.Minute,
	})
	adRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Name:   "ad",
		Limit:  120,
		Window: time.Minute,
	})
	defaultRateLimit := mw.RateLimit(middleware.RateLimitConfig{Name: "api"})

	// Subscriber API. A manual grant needs an operator token, so the grant route
	// reads one when present.
	mux.Handle("POST /bundle/grant", grantRateLimit(mw.OptionalAdmin(adminTokens)(http.HandlerFunc(h.GrantBundle))))
	mux.Handle("POST /ad/event", adRateLimit(http.HandlerFunc(h.AdEvent)))
	mux.Handle("POST /session/ping", defaultRateLimit(http.HandlerFunc(h.SessionPing)))
	mux.Handle("POST /usage/report", defaultRateLimit(http.HandlerFunc(h.UsageReport)))
	mux.HandleFunc("GET /access/check", h.AccessCheck)
	mux.HandleFunc("GET /device/status", h.DeviceStatus)

	// Operator API
	loginRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Name:   "admin_login",
		Limit:  5,
		Window: 15 * time.Minute,
	})
	adminMw := mw.AdminAuth(adminTokens)
	mux.Handle("POST /admin/login", loginRateLimit(http.HandlerFunc(h.AdminLogin)))
	mux.Handle("POST /admin/quota/reset", adminMw(http.HandlerFunc(h.AdminResetQuota)))
	mux.Handle("POST /admin/accounts/link", adminMw(http.HandlerFunc(h.AdminLinkAccount)))
	mux.Handle("GET /admin/audit", adminMw(http.HandlerFunc(h.AdminAuditTrail)))

	// Apply middleware stack
	var handler http.Handler = mux

	handler = mw.CORS(corsOrigins)(handler)

	handler = mw.SecurityHeaders(handler)

	// Request logging
	handler = mw.Logger(handler)

	handler = mw.Timing(handler)

	handler = mw.RequestID(handler)

	// Panic recovery (outermost)
	handler = mw.Recover(handler)

	return handler
}
