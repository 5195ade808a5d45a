package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/captivegate/captivegate/internal/auth"
	"github.com/captivegate/captivegate/internal/config"
	"github.com/captivegate/captivegate/internal/database"
	"github.com/captivegate/captivegate/internal/device"
	"github.com/captivegate/captivegate/internal/logger"
	"github.com/captivegate/captivegate/internal/middleware"
	"github.com/captivegate/captivegate/internal/proxy"
	"github.com/captivegate/captivegate/internal/service"
)

// maxBodyBytes caps portal API request bodies
const maxBodyBytes = 64 << 10

// Services groups the core components the portal API drives
type Services struct {
	Sessions *service.SessionRegistry
	Ledger   *service.QuotaLedger
	Locks    *service.RouterLockManager
	Ads      *service.AdService
	Bundles  *service.BundleService
	Admin    *service.AdminService
	Tokens   *auth.PortalTokenCodec
	Pages    *proxy.Pages
}

// Handler holds all portal HTTP handlers
type Handler struct {
	db       *database.Postgres
	rdb      *database.Redis
	log      *logger.Logger
	cfg      *config.Config
	sessions *service.SessionRegistry
	ledger   *service.QuotaLedger
	locks    *service.RouterLockManager
	ads      *service.AdService
	bundles  *service.BundleService
	admin    *service.AdminService
	tokens   *auth.PortalTokenCodec
	pages    *proxy.Pages
}

// New creates a new Handler instance. db and rdb are nil when the matching
// backend runs in memory.
func New(db *database.Postgres, rdb *database.Redis, log *logger.Logger, cfg *config.Config, svc Services) *Handler {
	return &Handler{
		db:       db,
		rdb:      rdb,
		log:      log.WithComponent("handler"),
		cfg:      cfg,
		sessions: svc.Sessions,
		ledger:   svc.Ledger,
		locks:    svc.Locks,
		ads:      svc.Ads,
		bundles:  svc.Bundles,
		admin:    svc.Admin,
		tokens:   svc.Tokens,
		pages:    svc.Pages,
	}
}

// JSON helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"ok":      false,
		"message": message,
	})
}

var errEmptyBody = errors.New("request body is empty")

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("malformed JSON: %w", err)
	}
	return nil
}

// logFor returns the request-scoped logger
func (h *Handler) logFor(r *http.Request) *logger.Logger {
	return middleware.GetLogger(r.Context(), h.log)
}

// meta returns the connection metadata used for fingerprinting
func (h *Handler) meta(r *http.Request) device.ConnMeta {
	return device.MetaFromRequest(r, h.cfg.Server.TrustProxyHeaders)
}

// getClientIP returns the normalized client address
func (h *Handler) getClientIP(r *http.Request) string {
	return h.meta(r).Address()
}

// identifierParam normalizes a subscriber identifier or writes a 400
func identifierParam(w http.ResponseWriter, raw string) (string, bool) {
	id, err := auth.NormalizeIdentifier(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// writeServiceError maps a core error onto the API envelope
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, service.ErrInvalidGrant),
		errors.Is(err, service.ErrInvalidUsage),
		errors.Is(err, service.ErrInvalidAdEvent),
		errors.Is(err, auth.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrDeviceBlocked):
		writeError(w, http.StatusForbidden, "Another device on this access point is watching an ad. Try again shortly.")
	case errors.Is(err, service.ErrEligibilityMissing):
		writeError(w, http.StatusForbidden, "Watch an ad to completion before claiming this bundle.")
	case errors.Is(err, service.ErrAdminRequired):
		writeError(w, http.StatusForbidden, "Manual bundles can only be granted by an operator.")
	case errors.Is(err, service.ErrQuotaExhausted):
		writeError(w, http.StatusForbidden, "Your data bundle is used up.")
	case errors.Is(err, service.ErrSessionNotFound):
		writeError(w, http.StatusUnauthorized, "This device is not signed in.")
	default:
		h.logFor(r).Error().Err(err).Msg("failed to " + action)
		writeError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}
