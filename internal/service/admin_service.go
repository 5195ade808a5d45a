package service

import (
	"context"
	"fmt"
	"time"

	"github.com/captivegate/captivegate/internal/auth"
	"github.com/captivegate/captivegate/internal/config"
	"github.com/captivegate/captivegate/internal/logger"
	"github.com/captivegate/captivegate/internal/model"
)

// AdminActor is the audit actor for operator actions
const AdminActor = "operator"

// AdminService handles operator login and audited overrides
type AdminService struct {
	cfg    config.AdminConfig
	tokens *auth.AdminTokenService
	ledger *QuotaLedger
	audit  *Auditor
	log    *logger.Logger
}

// NewAdminService creates a new AdminService
func NewAdminService(cfg config.AdminConfig, tokens *auth.AdminTokenService, ledger *QuotaLedger, audit *Auditor, log *logger.Logger) *AdminService {
	return &AdminService{
		cfg:    cfg,
		tokens: tokens,
		ledger: ledger,
		audit:  audit,
		log:    log.WithComponent("admin_service"),
	}
}

// Login checks the operator password and TOTP code and returns a bearer token
func (s *AdminService) Login(ctx context.Context, password, otp, ipAddress, userAgent string) (string, time.Time, error) {
	if s.cfg.PasswordHash == "" {
		return "", time.Time{}, ErrAdminDisabled
	}

	match, err := auth.VerifyPassword(password, s.cfg.PasswordHash)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to verify password: %w", err)
	}
	if !match || !auth.VerifyTOTP(s.cfg.TOTPSecret, otp) {
		reason := "invalid_password"
		if match {
			reason = "invalid_otp"
		}
		s.audit.Record(ctx, AdminActor, model.AuditActionAdminLoginFailed, "admin", AdminActor, ipAddress, userAgent, map[string]interface{}{
			"reason": reason,
		})
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, expiresAt, err := s.tokens.Issue(AdminActor)
	if err != nil {
		return "", time.Time{}, err
	}
	s.audit.Record(ctx, AdminActor, model.AuditActionAdminLogin, "admin", AdminActor, ipAddress, userAgent, nil)
	return token, expiresAt, nil
}

// ResetQuota deletes every grant of identifier
func (s *AdminService) ResetQuota(ctx context.Context, actor, identifier, ipAddress, userAgent string) (int64, error) {
	n, err := s.ledger.Reset(ctx, identifier)
	if err != nil {
		return 0, err
	}
	s.audit.Record(ctx, actor, model.AuditActionQuotaReset, "identifier", identifier, ipAddress, userAgent, map[string]interface{}{
		"grants_removed": n,
	})
	return n, nil
}

// LinkAccount groups identifiers under accountID for unified quota
func (s *AdminService) LinkAccount(ctx context.Context, actor, accountID string, identifiers []string, ipAddress, userAgent string) error {
	if accountID == "" || len(identifiers) == 0 {
		return fmt.Errorf("%w: accountId and identifiers are required", ErrInvalidGrant)
	}
	if err := s.ledger.Link(ctx, accountID, identifiers); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, model.AuditActionAccountLinked, "account", accountID, ipAddress, userAgent, map[string]interface{}{
		"identifiers": identifiers,
	})
	return nil
}

// AuditTrail returns the recent audit entries for identifier
func (s *AdminService) AuditTrail(ctx context.Context, identifier string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.audit.Trail(ctx, identifier, limit)
}
