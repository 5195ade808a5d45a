package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/captivegate/captivegate/internal/auth"
	"github.com/captivegate/captivegate/internal/device"
	"github.com/captivegate/captivegate/internal/logger"
	"github.com/captivegate/captivegate/internal/model"
	"github.com/captivegate/captivegate/internal/service"
)

// Verdict is the outcome of authorizing one proxied connection
type Verdict string

const (
	VerdictAllow     Verdict = "allow"
	VerdictLogin     Verdict = "login"
	VerdictExhausted Verdict = "exhausted"
	VerdictAppLocked Verdict = "app_locked"
	VerdictBusy      Verdict = "ap_busy"
)

// TokenHeader carries a portal token on requests where the cookie is not available
const TokenHeader = "X-Portal-Token"

// SessionResolver is implemented by service.SessionRegistry
type SessionResolver interface {
	Resolve(ctx context.Context, address string, meta *device.ConnMeta) (*model.DeviceSession, error)
	Touch(ctx context.Context, fingerprint string) error
}

// Ledger is implemented by service.QuotaLedger
type Ledger interface {
	Remaining(ctx context.Context, identifier, fingerprint string, unify bool) (*model.Quota, error)
	ReportUsage(ctx context.Context, identifier, fingerprint string, deltaMB float64, routerID string) (bool, error)
	Unified() bool
}

// AdHistory is implemented by service.AdService
type AdHistory interface {
	HasCompletedAd(ctx context.Context, identifier string) (bool, error)
}

// Decision records why a connection was allowed or refused and who to bill
type Decision struct {
	Verdict     Verdict
	Category    Category
	Metered     bool
	Identifier  string
	Fingerprint string
	RouterID    string
	Quota       *model.Quota
}

// Decider applies the walled-garden policy to a target host
type Decider struct {
	rules          *RuleTable
	sessions       SessionResolver
	ledger         Ledger
	ads            AdHistory
	tokens         *auth.PortalTokenCodec
	trustForwarded bool
	log            *logger.Logger
	now            func() time.Time
}

// NewDecider creates a new Decider
func NewDecider(rules *RuleTable, sessions SessionResolver, ledger Ledger, ads AdHistory, tokens *auth.PortalTokenCodec, trustForwarded bool, log *logger.Logger) *Decider {
	return &Decider{
		rules:          rules,
		sessions:       sessions,
		ledger:         ledger,
		ads:            ads,
		tokens:         tokens,
		trustForwarded: trustForwarded,
		log:            log.WithComponent("proxy_decider"),
		now:            time.Now,
	}
}

// Decide authorizes a connection from r to host. The checks run in a fixed
// order: allowlist, identity, quota, app gating. Internal failures deny.
func (d *Decider) Decide(ctx context.Context, host string, r *http.Request) Decision {
	if cat := d.rules.Allowlisted(host); cat != CategoryNone {
		dec := Decision{Verdict: VerdictAllow, Category: cat}
		if !cat.Unmetered() {
			if id, err := d.identify(ctx, r); err == nil {
				dec.Identifier, dec.Fingerprint, dec.RouterID = id.identifier, id.fingerprint, id.routerID
				dec.Metered = true
			}
		}
		return dec
	}

	id, err := d.identify(ctx, r)
	switch {
	case errors.Is(err, service.ErrDeviceBlocked):
		return Decision{Verdict: VerdictBusy}
	case err != nil:
		if !errors.Is(err, service.ErrSessionNotFound) {
			d.log.Error().Err(err).Str("host", host).Msg("identity lookup failed")
		}
		return Decision{Verdict: VerdictLogin}
	}

	dec := Decision{
		Identifier:  id.identifier,
		Fingerprint: id.fingerprint,
		RouterID:    id.routerID,
	}

	quota, err := d.ledger.Remaining(ctx, id.identifier, id.fingerprint, d.ledger.Unified())
	if err != nil {
		d.log.Error().Err(err).Str("identifier", id.identifier).Msg("quota lookup failed")
		dec.Verdict = VerdictLogin
		return dec
	}
	dec.Quota = quota
	if quota.Exhausted && !id.inGrace {
		dec.Verdict = VerdictExhausted
		return dec
	}

	if d.rules.Gated(host) && d.ads != nil {
		done, err := d.ads.HasCompletedAd(ctx, id.identifier)
		if err != nil {
			d.log.Error().Err(err).Str("identifier", id.identifier).Msg("ad history lookup failed")
		}
		if !done {
			dec.Verdict = VerdictAppLocked
			return dec
		}
	}

	if id.fingerprint != "" && id.session {
		if err := d.sessions.Touch(ctx, id.fingerprint); err != nil && !errors.Is(err, service.ErrSessionNotFound) {
			d.log.Warn().Err(err).Msg("failed to touch session")
		}
	}

	dec.Verdict = VerdictAllow
	dec.Metered = true
	return dec
}

type identity struct {
	identifier  string
	fingerprint string
	routerID    string
	inGrace     bool
	session     bool
}

// identify resolves the caller from its session, falling back to a portal token
func (d *Decider) identify(ctx context.Context, r *http.Request) (*identity, error) {
	meta := device.MetaFromRequest(r, d.trustForwarded)
	s, err := d.sessions.Resolve(ctx, meta.RemoteAddr, &meta)
	if err == nil {
		return &identity{
			identifier:  s.Identifier,
			fingerprint: s.Fingerprint,
			routerID:    s.RouterID,
			inGrace:     s.InGrace(d.now()),
			session:     true,
		}, nil
	}
	if !errors.Is(err, service.ErrSessionNotFound) {
		return nil, err
	}

	raw := portalToken(r)
	if raw == "" || d.tokens == nil {
		return nil, service.ErrSessionNotFound
	}
	tok, err := d.tokens.Verify(raw)
	if err != nil {
		return nil, service.ErrSessionNotFound
	}
	return &identity{identifier: tok.Identifier}, nil
}

// portalToken reads the token from the cookie, the token header or Proxy-Authorization
func portalToken(r *http.Request) string {
	if c, err := r.Cookie(auth.PortalTokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if v := strings.TrimSpace(r.Header.Get(TokenHeader)); v != "" {
		return v
	}
	if v := r.Header.Get("Proxy-Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
	}
	return ""
}
