package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/captivegate/captivegate/internal/auth"
	"github.com/captivegate/captivegate/internal/middleware"
	"github.com/captivegate/captivegate/internal/model"
	"github.com/captivegate/captivegate/internal/proxy"
	"github.com/captivegate/captivegate/internal/service"
)

// --- Bundle Handlers ---

// GrantBundleRequest is the body of POST /bundle/grant
type GrantBundleRequest struct {
	Identifier string  `json:"identifier"`
	BundleMB   float64 `json:"bundleMB"`
	RouterID   string  `json:"routerId"`
	Source     string  `json:"source"`
}

// GrantBundle handles POST /bundle/grant
func (h *Handler) GrantBundle(w http.ResponseWriter, r *http.Request) {
	var req GrantBundleRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	identifier, ok := identifierParam(w, req.Identifier)
	if !ok {
		return
	}

	result, err := h.bundles.Grant(r.Context(), service.GrantRequest{
		Identifier: identifier,
		BundleMB:   req.BundleMB,
		RouterID:   strings.TrimSpace(req.RouterID),
		Source:     model.GrantSource(req.Source),
		Meta:       h.meta(r),
		Operator:   middleware.GetOperator(r.Context()),
		IPAddress:  h.getClientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, r, err, "grant bundle")
		return
	}

	h.setPortalCookie(w, result.Token, result.TokenExpiresAt)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"purchase":  result.Grant,
		"token":     result.Token,
		"expiresAt": result.TokenExpiresAt,
		"session":   result.Session,
		"quota":     result.Quota,
	})
}

// setPortalCookie stores the portal token for the portal host
func (h *Handler) setPortalCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.PortalTokenCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// --- Session Handlers ---

// SessionPingRequest is the body of POST /session/ping
type SessionPingRequest struct {
	Identifier string `json:"identifier"`
	RouterID   string `json:"routerId"`
}

// SessionPing handles POST /session/ping. It refreshes the device's session,
// re-registering it when the identifier still has quota on this device.
func (h *Handler) SessionPing(w http.ResponseWriter, r *http.Request) {
	var req SessionPingRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	identifier, ok := identifierParam(w, req.Identifier)
	if !ok {
		return
	}
	routerID := strings.TrimSpace(req.RouterID)
	ctx := r.Context()
	meta := h.meta(r)

	session, err := h.sessions.Resolve(ctx, meta.RemoteAddr, &meta)
	switch {
	case err == nil && session.Identifier == identifier:
		if err := h.sessions.Touch(ctx, session.Fingerprint); err != nil && !errors.Is(err, service.ErrSessionNotFound) {
			h.writeServiceError(w, r, err, "refresh session")
			return
		}
	case err == nil, errors.Is(err, service.ErrSessionNotFound):
		session = nil
	default:
		h.writeServiceError(w, r, err, "resolve session")
		return
	}

	fingerprint := h.sessions.Fingerprint(ctx, meta)
	if session != nil {
		fingerprint = session.Fingerprint
		if routerID == "" {
			routerID = session.RouterID
		}
	}
	if h.locks.Blocking(ctx, routerID, fingerprint) {
		h.writeServiceError(w, r, service.ErrDeviceBlocked, "refresh session")
		return
	}

	if session == nil {
		has, err := h.ledger.HasAccess(ctx, identifier, fingerprint)
		if err != nil {
			h.writeServiceError(w, r, err, "check access")
			return
		}
		if has {
			session, err = h.sessions.Register(ctx, meta, identifier, routerID, h.cfg.Session.TTL)
			if err != nil {
				h.writeServiceError(w, r, err, "register session")
				return
			}
			h.logFor(r).WithIdentifier(identifier).Info().Str("router_id", routerID).Msg("session restored from ping")
		}
	}

	quota, err := h.ledger.Remaining(ctx, identifier, fingerprint, h.ledger.Unified())
	if err != nil {
		h.writeServiceError(w, r, err, "load quota")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"session": session,
		"quota":   quota,
	})
}

// --- Usage Handlers ---

// UsageReportRequest is the body of POST /usage/report
type UsageReportRequest struct {
	Identifier string  `json:"identifier"`
	UsedMB     float64 `json:"usedMB"`
}

// UsageReport handles POST /usage/report
func (h *Handler) UsageReport(w http.ResponseWriter, r *http.Request) {
	var req UsageReportRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	identifier, ok := identifierParam(w, req.Identifier)
	if !ok {
		return
	}
	ctx := r.Context()
	meta := h.meta(r)

	fingerprint, routerID := h.sessions.Fingerprint(ctx, meta), ""
	session, err := h.sessions.Resolve(ctx, meta.RemoteAddr, &meta)
	switch {
	case err == nil && session.Identifier == identifier:
		fingerprint, routerID = session.Fingerprint, session.RouterID
	case err != nil && !errors.Is(err, service.ErrSessionNotFound) && !errors.Is(err, service.ErrDeviceBlocked):
		h.writeServiceError(w, r, err, "resolve session")
		return
	}

	applied, err := h.ledger.ReportUsage(ctx, identifier, fingerprint, req.UsedMB, routerID)
	if err != nil {
		h.writeServiceError(w, r, err, "report usage")
		return
	}
	if !applied && req.UsedMB > 0 {
		h.logFor(r).WithIdentifier(identifier).Info().Float64("used_mb", req.UsedMB).Msg("usage reported with no open grant")
	}

	quota, err := h.ledger.Remaining(ctx, identifier, fingerprint, h.ledger.Unified())
	if err != nil {
		h.writeServiceError(w, r, err, "load quota")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"applied": applied,
		"quota":   quota,
	})
}

// AccessCheck handles GET /access/check?identifier=
func (h *Handler) AccessCheck(w http.ResponseWriter, r *http.Request) {
	identifier, ok := identifierParam(w, r.URL.Query().Get("identifier"))
	if !ok {
		return
	}
	ctx := r.Context()
	meta := h.meta(r)

	// Without a session for this identifier the check covers all of its grants
	fingerprint := ""
	if session, err := h.sessions.Resolve(ctx, meta.RemoteAddr, &meta); err == nil && session.Identifier == identifier {
		fingerprint = session.Fingerprint
	}

	quota, err := h.ledger.Remaining(ctx, identifier, fingerprint, h.ledger.Unified())
	if err != nil {
		h.writeServiceError(w, r, err, "load quota")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"hasAccess": !quota.Exhausted,
		"quota":     quota,
	})
}

// --- Ad Handlers ---

// AdEventRequest is the body of POST /ad/event
type AdEventRequest struct {
	AdID         string  `json:"adId"`
	Identifier   string  `json:"identifier"`
	EventType    string  `json:"eventType"`
	WatchSeconds float64 `json:"watchSeconds"`
	RouterID     string  `json:"routerId"`
}

// AdEvent handles POST /ad/event
func (h *Handler) AdEvent(w http.ResponseWriter, r *http.Request) {
	var req AdEventRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	identifier, ok := identifierParam(w, req.Identifier)
	if !ok {
		return
	}

	result, err := h.ads.Record(r.Context(), service.AdEventRequest{
		AdID:         strings.TrimSpace(req.AdID),
		Identifier:   identifier,
		EventType:    model.AdEventType(strings.ToLower(strings.TrimSpace(req.EventType))),
		WatchSeconds: req.WatchSeconds,
		RouterID:     strings.TrimSpace(req.RouterID),
		Meta:         h.meta(r),
		IPAddress:    h.getClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, r, err, "record ad event")
		return
	}

	resp := map[string]interface{}{
		"ok":      true,
		"event":   result.Event,
		"rewards": result.Rewards,
	}
	if result.BundleUpgrade != nil {
		resp["bundleUpgrade"] = result.BundleUpgrade
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Device Handlers ---

// DeviceStatus handles GET /device/status
func (h *Handler) DeviceStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meta := h.meta(r)

	var (
		identifier  string
		fingerprint = h.sessions.Fingerprint(ctx, meta)
		quotaFP     string
	)
	session, err := h.sessions.Resolve(ctx, meta.RemoteAddr, &meta)
	switch {
	case err == nil:
		identifier, fingerprint, quotaFP = session.Identifier, session.Fingerprint, session.Fingerprint
	case errors.Is(err, service.ErrSessionNotFound):
		session = nil
		tok, terr := h.portalToken(r)
		if terr != nil {
			writeError(w, http.StatusUnauthorized, "This device is not signed in.")
			return
		}
		identifier = tok.Identifier
	default:
		h.writeServiceError(w, r, err, "resolve device")
		return
	}

	quota, err := h.ledger.Remaining(ctx, identifier, quotaFP, h.ledger.Unified())
	if err != nil {
		h.writeServiceError(w, r, err, "load quota")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"identifier":  identifier,
		"fingerprint": fingerprint,
		"session":     session,
		"quota":       quota,
	})
}

// portalToken verifies the token from the cookie or the token header
func (h *Handler) portalToken(r *http.Request) (*auth.PortalToken, error) {
	raw := ""
	if c, err := r.Cookie(auth.PortalTokenCookie); err == nil {
		raw = c.Value
	}
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get(proxy.TokenHeader))
	}
	if raw == "" {
		return nil, auth.ErrTokenInvalid
	}
	return h.tokens.Verify(raw)
}
