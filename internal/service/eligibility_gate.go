package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/captivegate/captivegate/internal/logger"
	"github.com/captivegate/captivegate/internal/model"
	"github.com/captivegate/captivegate/internal/repository"
)

// EligibilityGate issues and redeems the single-use tickets that an ad
// completion earns. A ticket can turn into at most one bundle grant.
type EligibilityGate struct {
	tickets        TicketStore
	events         AdEventStore
	ttl            time.Duration
	recoveryWindow time.Duration
	log            *logger.Logger
	now            func() time.Time
}

// NewEligibilityGate creates a new EligibilityGate. events may be nil to disable recovery.
func NewEligibilityGate(tickets TicketStore, events AdEventStore, ttl, recoveryWindow time.Duration, log *logger.Logger) *EligibilityGate {
	return &EligibilityGate{
		tickets:        tickets,
		events:         events,
		ttl:            ttl,
		recoveryWindow: recoveryWindow,
		log:            log.WithComponent("eligibility_gate"),
		now:            time.Now,
	}
}

// Issue stores a fresh ticket for identifier, replacing any earlier one
func (g *EligibilityGate) Issue(ctx context.Context, identifier, eventID string) (*model.EligibilityTicket, error) {
	now := g.now().UTC()
	ticket := &model.EligibilityTicket{
		Identifier: identifier,
		EventID:    eventID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(g.ttl),
	}
	if err := g.tickets.Put(ctx, ticket); err != nil {
		return nil, fmt.Errorf("failed to store ticket: %w", err)
	}
	g.log.Debug().Str("identifier", identifier).Time("expires_at", ticket.ExpiresAt).Msg("eligibility issued")
	return ticket, nil
}

// Redeem consumes the ticket. It returns false if none is present or it expired.
// Two concurrent redeems of one ticket never both succeed.
func (g *EligibilityGate) Redeem(ctx context.Context, identifier string) (bool, error) {
	ticket, err := g.redeem(ctx, identifier)
	return ticket != nil, err
}

func (g *EligibilityGate) redeem(ctx context.Context, identifier string) (*model.EligibilityTicket, error) {
	ticket, err := g.tickets.Take(ctx, identifier, g.now().UTC())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem ticket: %w", err)
	}
	if ticket.EventID != "" && g.events != nil {
		if _, err := g.events.Claim(ctx, ticket.EventID); err != nil {
			g.log.Warn().Err(err).Str("event_id", ticket.EventID).Msg("failed to mark ad event claimed")
		}
	}
	return ticket, nil
}

// RedeemOrRecover redeems the ticket, or falls back to the newest qualifying
// completion inside the recovery window that was never turned into a grant.
// This covers a ticket that expired or was lost between completion and grant.
// It returns the id of the ad event that was spent, which is empty for tickets
// issued without one.
func (g *EligibilityGate) RedeemOrRecover(ctx context.Context, identifier string) (string, error) {
	ticket, err := g.redeem(ctx, identifier)
	if err != nil {
		return "", err
	}
	if ticket != nil {
		return ticket.EventID, nil
	}
	if g.events == nil || g.recoveryWindow <= 0 {
		return "", ErrEligibilityMissing
	}

	since := g.now().UTC().Add(-g.recoveryWindow)
	ev, err := g.events.LatestQualifying(ctx, identifier, since)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrEligibilityMissing
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up ad events: %w", err)
	}
	if ev.Claimed {
		return "", ErrEligibilityMissing
	}
	claimed, err := g.events.Claim(ctx, ev.ID)
	if err != nil {
		return "", fmt.Errorf("failed to claim ad event: %w", err)
	}
	if !claimed {
		return "", ErrEligibilityMissing
	}

	g.log.Info().Str("identifier", identifier).Str("event_id", ev.ID).Msg("eligibility recovered from ad event")
	return ev.ID, nil
}

// Reinstate gives back eligibility spent by a grant that then failed. The ad
// event stays claimed, so the fresh ticket is the only way to use it.
func (g *EligibilityGate) Reinstate(ctx context.Context, identifier, eventID string) error {
	if _, err := g.Issue(ctx, identifier, eventID); err != nil {
		return err
	}
	g.log.Info().Str("identifier", identifier).Str("event_id", eventID).Msg("eligibility reinstated after failed grant")
	return nil
}

// Sweep removes expired tickets
func (g *EligibilityGate) Sweep(ctx context.Context) (int, error) {
	return g.tickets.DeleteExpired(ctx, g.now().UTC())
}
