package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/captivegate/captivegate/internal/config"
	"github.com/captivegate/captivegate/internal/device"
	"github.com/captivegate/captivegate/internal/logger"
	"github.com/captivegate/captivegate/internal/model"
)

// Reward types returned for ad events
const (
	RewardEligibility = "eligibility"
	RewardGrace       = "grace"
	RewardBundle      = "bundle"
)

// AdEventRequest is an ad player event reported by the portal front end
type AdEventRequest struct {
	AdID         string
	Identifier   string
	EventType    model.AdEventType
	WatchSeconds float64
	RouterID     string
	Meta         device.ConnMeta
	IPAddress    string
	UserAgent    string
}

// Reward describes something the event earned
type Reward struct {
	Type      string     `json:"type"`
	BundleMB  float64    `json:"bundleMB,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// AdEventResult is the outcome of recording an ad event
type AdEventResult struct {
	Event         *model.AdEvent     `json:"event"`
	Rewards       []Reward           `json:"rewards"`
	BundleUpgrade *model.BundleGrant `json:"bundleUpgrade,omitempty"`
}

// AdService turns ad player events into router locks, eligibility and rewards
type AdService struct {
	events   AdEventStore
	gate     *EligibilityGate
	locks    *RouterLockManager
	sessions *SessionRegistry
	ledger   *QuotaLedger
	audit    *Auditor
	cfg      config.AdConfig
	log      *logger.Logger
	now      func() time.Time
}

// NewAdService creates a new AdService
func NewAdService(
	events AdEventStore,
	gate *EligibilityGate,
	locks *RouterLockManager,
	sessions *SessionRegistry,
	ledger *QuotaLedger,
	audit *Auditor,
	cfg config.AdConfig,
	log *logger.Logger,
) *AdService {
	return &AdService{
		events:   events,
		gate:     gate,
		locks:    locks,
		sessions: sessions,
		ledger:   ledger,
		audit:    audit,
		cfg:      cfg,
		log:      log.WithComponent("ad_service"),
		now:      time.Now,
	}
}

// Record stores the event and applies its side effects. A start or progress
// event from a device other than the active one on the access point fails with ErrDeviceBlocked.
func (s *AdService) Record(ctx context.Context, req AdEventRequest) (*AdEventResult, error) {
	if req.Identifier == "" || !req.EventType.Valid() {
		return nil, ErrInvalidAdEvent
	}
	if math.IsNaN(req.WatchSeconds) || math.IsInf(req.WatchSeconds, 0) || req.WatchSeconds < 0 {
		return nil, fmt.Errorf("%w: watchSeconds must be a non-negative number", ErrInvalidAdEvent)
	}

	fingerprint := s.sessions.DeviceFingerprint(ctx, req.Meta, req.Identifier)
	now := s.now().UTC()

	ev := &model.AdEvent{
		ID:           generateID("adv"),
		AdID:         req.AdID,
		Identifier:   req.Identifier,
		Fingerprint:  fingerprint,
		RouterID:     req.RouterID,
		EventType:    req.EventType,
		WatchSeconds: req.WatchSeconds,
		CreatedAt:    now,
	}
	result := &AdEventResult{Event: ev, Rewards: []Reward{}}

	switch req.EventType {
	case model.AdEventStart, model.AdEventProgress:
		acquired, _, err := s.locks.Acquire(ctx, req.RouterID, fingerprint)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return nil, ErrDeviceBlocked
		}
	case model.AdEventComplete:
		ev.Qualifying = req.WatchSeconds >= float64(s.cfg.MinWatchSeconds)
		s.release(ctx, req.RouterID, fingerprint)
	case model.AdEventError, model.AdEventSkip:
		s.release(ctx, req.RouterID, fingerprint)
	}

	if err := s.events.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to record ad event: %w", err)
	}

	if !ev.Qualifying {
		return result, nil
	}

	ticket, err := s.gate.Issue(ctx, req.Identifier, ev.ID)
	if err != nil {
		return nil, err
	}
	expires := ticket.ExpiresAt
	result.Rewards = append(result.Rewards, Reward{Type: RewardEligibility, ExpiresAt: &expires})

	if s.cfg.GracePeriod > 0 {
		until := now.Add(s.cfg.GracePeriod)
		err := s.sessions.SetGrace(ctx, fingerprint, until)
		switch {
		case err == nil:
			result.Rewards = append(result.Rewards, Reward{Type: RewardGrace, ExpiresAt: &until})
		case !errors.Is(err, ErrSessionNotFound):
			s.log.Warn().Err(err).Str("identifier", req.Identifier).Msg("failed to open grace window")
		}
	}

	if s.cfg.AutoGrantMB > 0 {
		grant, err := s.autoGrant(ctx, req, fingerprint)
		if err != nil {
			return nil, err
		}
		if grant != nil {
			result.BundleUpgrade = grant
			result.Rewards = append(result.Rewards, Reward{Type: RewardBundle, BundleMB: grant.BundleMB})
		}
	}

	s.log.Info().
		Str("identifier", req.Identifier).
		Str("ad_id", req.AdID).
		Float64("watch_seconds", req.WatchSeconds).
		Int("rewards", len(result.Rewards)).
		Msg("qualifying ad completion")

	return result, nil
}

// HasCompletedAd reports whether the identifier ever finished a qualifying ad
func (s *AdService) HasCompletedAd(ctx context.Context, identifier string) (bool, error) {
	return s.events.HasQualifying(ctx, identifier)
}

// autoGrant redeems the fresh ticket straight into a bundle
func (s *AdService) autoGrant(ctx context.Context, req AdEventRequest, fingerprint string) (*model.BundleGrant, error) {
	ok, err := s.gate.Redeem(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	grant, err := s.ledger.GrantBundle(ctx, req.Identifier, s.cfg.AutoGrantMB, fingerprint, req.RouterID, model.GrantSourceAdSequence)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, req.Identifier, model.AuditActionBundleGranted, "identifier", req.Identifier, req.IPAddress, req.UserAgent, map[string]interface{}{
		"grant_id":  grant.ID,
		"bundle_mb": grant.BundleMB,
		"source":    string(grant.Source),
		"auto":      true,
	})
	return grant, nil
}

func (s *AdService) release(ctx context.Context, routerID, fingerprint string) {
	if err := s.locks.Release(ctx, routerID, fingerprint); err != nil {
		s.log.Warn().Err(err).Str("router_id", routerID).Msg("failed to release router lock")
	}
}
