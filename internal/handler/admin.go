package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/captivegate/captivegate/internal/auth"
	"github.com/captivegate/captivegate/internal/middleware"
	"github.com/captivegate/captivegate/internal/model"
	"github.com/captivegate/captivegate/internal/service"
)

// AdminLoginRequest is the body of POST /admin/login
type AdminLoginRequest struct {
	Password string `json:"password"`
	OTP      string `json:"otp"`
}

// AdminLogin handles POST /admin/login
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req AdminLoginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, expiresAt, err := h.admin.Login(r.Context(), req.Password, strings.TrimSpace(req.OTP), h.getClientIP(r), r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "Invalid operator credentials")
		case errors.Is(err, service.ErrAdminDisabled):
			writeError(w, http.StatusForbidden, "Operator login is not configured")
		default:
			h.writeServiceError(w, r, err, "log in")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"token":     token,
		"expiresAt": expiresAt,
	})
}

// AdminResetQuotaRequest is the body of POST /admin/quota/reset
type AdminResetQuotaRequest struct {
	Identifier string `json:"identifier"`
}

// AdminResetQuota handles POST /admin/quota/reset
func (h *Handler) AdminResetQuota(w http.ResponseWriter, r *http.Request) {
	var req AdminResetQuotaRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	identifier, ok := identifierParam(w, req.Identifier)
	if !ok {
		return
	}

	removed, err := h.admin.ResetQuota(r.Context(), middleware.GetOperator(r.Context()), identifier, h.getClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err, "reset quota")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"identifier": identifier,
		"removed":    removed,
	})
}

// AdminLinkAccountRequest is the body of POST /admin/accounts/link
type AdminLinkAccountRequest struct {
	AccountID   string   `json:"accountId"`
	Identifiers []string `json:"identifiers"`
}

// AdminLinkAccount handles POST /admin/accounts/link
func (h *Handler) AdminLinkAccount(w http.ResponseWriter, r *http.Request) {
	var req AdminLinkAccountRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" || len(req.Identifiers) == 0 {
		writeError(w, http.StatusBadRequest, "accountId and identifiers are required")
		return
	}

	identifiers := make([]string, 0, len(req.Identifiers))
	for _, raw := range req.Identifiers {
		id, err := auth.NormalizeIdentifier(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid identifier "+strings.TrimSpace(raw))
			return
		}
		identifiers = append(identifiers, id)
	}

	if err := h.admin.LinkAccount(r.Context(), middleware.GetOperator(r.Context()), accountID, identifiers, h.getClientIP(r), r.UserAgent()); err != nil {
		h.writeServiceError(w, r, err, "link account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"accountId":   accountID,
		"identifiers": identifiers,
	})
}

// AdminAuditTrail handles GET /admin/audit?identifier=...&limit=...
func (h *Handler) AdminAuditTrail(w http.ResponseWriter, r *http.Request) {
	identifier, ok := identifierParam(w, r.URL.Query().Get("identifier"))
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.admin.AuditTrail(r.Context(), identifier, limit)
	if err != nil {
		h.writeServiceError(w, r, err, "read audit trail")
		return
	}
	if entries == nil {
		entries = []model.AuditLog{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"identifier": identifier,
		"entries":    entries,
	})
}
