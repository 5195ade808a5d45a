package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/captivegate/captivegate/internal/auth"
	"github.com/captivegate/captivegate/internal/device"
	"github.com/captivegate/captivegate/internal/logger"
	"github.com/captivegate/captivegate/internal/model"
)

// GrantRequest asks for a new bundle for the connecting device
type GrantRequest struct {
	Identifier string
	BundleMB   float64
	RouterID   string
	Source     model.GrantSource
	Meta       device.ConnMeta
	// Operator is the admin subject when the request carried a valid operator token
	Operator  string
	IPAddress string
	UserAgent string
}

// GrantResult is the outcome of a successful grant
type GrantResult struct {
	Grant          *model.BundleGrant
	Session        *model.DeviceSession
	Token          string
	TokenExpiresAt time.Time
	Quota          *model.Quota
}

// BundleService runs the grant flow: eligibility, session registration, ledger append, portal token
type BundleService struct {
	gate       *EligibilityGate
	sessions   *SessionRegistry
	ledger     *QuotaLedger
	locks      *RouterLockManager
	tokens     *auth.PortalTokenCodec
	audit      *Auditor
	sessionTTL time.Duration
	// maxEarnedMB caps ad-earned bundles; 0 disables the cap
	maxEarnedMB float64
	log         *logger.Logger
}

// NewBundleService creates a new BundleService
func NewBundleService(
	gate *EligibilityGate,
	sessions *SessionRegistry,
	ledger *QuotaLedger,
	locks *RouterLockManager,
	tokens *auth.PortalTokenCodec,
	audit *Auditor,
	sessionTTL time.Duration,
	maxEarnedMB float64,
	log *logger.Logger,
) *BundleService {
	return &BundleService{
		gate:        gate,
		sessions:    sessions,
		ledger:      ledger,
		locks:       locks,
		tokens:      tokens,
		audit:       audit,
		sessionTTL:  sessionTTL,
		maxEarnedMB: maxEarnedMB,
		log:         log.WithComponent("bundle_service"),
	}
}

// Grant checks the request is entitled to a bundle, registers the device and appends the grant
func (s *BundleService) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	if req.Identifier == "" {
		return nil, fmt.Errorf("%w: identifier is required", ErrInvalidGrant)
	}
	if math.IsNaN(req.BundleMB) || req.BundleMB <= 0 {
		return nil, fmt.Errorf("%w: bundle must be a positive number of megabytes", ErrInvalidGrant)
	}
	if !req.Source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidGrant, req.Source)
	}
	if req.Source.Earned() && s.maxEarnedMB > 0 && req.BundleMB > s.maxEarnedMB {
		return nil, fmt.Errorf("%w: one ad earns at most %g MB", ErrInvalidGrant, s.maxEarnedMB)
	}

	// Check the router lock before spending the ticket
	fingerprint := s.sessions.DeviceFingerprint(ctx, req.Meta, req.Identifier)
	if s.locks.Blocking(ctx, req.RouterID, fingerprint) {
		return nil, ErrDeviceBlocked
	}

	spent, eventID := false, ""
	if req.Source.Earned() {
		id, err := s.gate.RedeemOrRecover(ctx, req.Identifier)
		if err != nil {
			return nil, err
		}
		spent, eventID = true, id
	} else if req.Operator == "" {
		return nil, ErrAdminRequired
	}

	session, grant, err := s.registerAndGrant(ctx, req)
	if err != nil {
		if spent {
			if rerr := s.gate.Reinstate(ctx, req.Identifier, eventID); rerr != nil {
				s.log.Error().Err(rerr).Str("identifier", req.Identifier).Msg("failed to reinstate eligibility")
			}
		}
		return nil, err
	}

	actor := req.Identifier
	if req.Operator != "" {
		actor = req.Operator
	}
	s.audit.Record(ctx, actor, model.AuditActionBundleGranted, "identifier", req.Identifier, req.IPAddress, req.UserAgent, map[string]interface{}{
		"grant_id":  grant.ID,
		"bundle_mb": grant.BundleMB,
		"source":    string(grant.Source),
		"router_id": req.RouterID,
	})

	quota, err := s.ledger.Remaining(ctx, req.Identifier, session.Fingerprint, s.ledger.Unified())
	if err != nil {
		return nil, err
	}

	token, expiresAt := s.tokens.Issue(req.Identifier)
	return &GrantResult{
		Grant:          grant,
		Session:        session,
		Token:          token,
		TokenExpiresAt: expiresAt,
		Quota:          quota,
	}, nil
}

func (s *BundleService) registerAndGrant(ctx context.Context, req GrantRequest) (*model.DeviceSession, *model.BundleGrant, error) {
	session, err := s.sessions.Register(ctx, req.Meta, req.Identifier, req.RouterID, s.sessionTTL)
	if err != nil {
		return nil, nil, err
	}
	grant, err := s.ledger.GrantBundle(ctx, req.Identifier, req.BundleMB, session.Fingerprint, req.RouterID, req.Source)
	if err != nil {
		return nil, nil, err
	}
	return session, grant, nil
}
