package model

import (
	"time"
)

// EligibilityTicket is a single-use permission to turn an ad completion into a bundle grant
type EligibilityTicket struct {
	Identifier string    `json:"identifier"`
	EventID    string    `json:"eventId,omitempty"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// IsExpired checks if the ticket has expired at now
func (t *EligibilityTicket) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RouterLock marks the one device on an access point that is currently earning
type RouterLock struct {
	RouterID          string    `json:"routerId"`
	ActiveFingerprint string    `json:"activeFingerprint"`
	LastActivityAt    time.Time `json:"lastActivityAt"`
	Blocking          bool      `json:"blocking"`
}

// IsStale reports whether the holder has been inactive for at least grace
func (l *RouterLock) IsStale(now time.Time, grace time.Duration) bool {
	return now.Sub(l.LastActivityAt) >= grace
}
