package service

import (
	"context"
	"time"

	"github.com/captivegate/captivegate/internal/logger"
)

// Janitor periodically reaps expired sessions, tickets and stale router locks
type Janitor struct {
	sessions *SessionRegistry
	gate     *EligibilityGate
	locks    *RouterLockManager
	interval time.Duration
	log      *logger.Logger
}

// NewJanitor creates a new Janitor
func NewJanitor(sessions *SessionRegistry, gate *EligibilityGate, locks *RouterLockManager, interval time.Duration, log *logger.Logger) *Janitor {
	return &Janitor{
		sessions: sessions,
		gate:     gate,
		locks:    locks,
		interval: interval,
		log:      log.WithComponent("janitor"),
	}
}

// Run sweeps every interval until ctx is cancelled. A non-positive interval disables it.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		j.log.Warn().Dur("interval", j.interval).Msg("janitor disabled: interval must be positive")
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass over every store
func (j *Janitor) SweepOnce(ctx context.Context) {
	sessions, err := j.sessions.Sweep(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("failed to sweep sessions")
	}
	tickets, err := j.gate.Sweep(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("failed to sweep tickets")
	}
	locks, err := j.locks.Sweep(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("failed to sweep router locks")
	}

	if sessions+tickets+locks > 0 {
		j.log.Debug().
			Int("sessions", sessions).
			Int("tickets", tickets).
			Int("locks", locks).
			Msg("janitor sweep")
	}
}
