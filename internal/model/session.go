package model

import (
	"time"
)

// DeviceSession is an active (identifier, fingerprint) pair allowed through the gateway
type DeviceSession struct {
	Identifier   string    `json:"identifier"`
	Fingerprint  string    `json:"fingerprint"`
	SessionToken string    `json:"sessionToken"`
	Address      string    `json:"address"`
	RouterID     string    `json:"routerId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	// GraceUntil lets the device through an exhausted quota until it passes
	GraceUntil *time.Time `json:"graceUntil,omitempty"`
}

// IsExpired checks if the session has expired at now
func (s *DeviceSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// InGrace reports whether the post-ad grace window is still open at now
func (s *DeviceSession) InGrace(now time.Time) bool {
	return s.GraceUntil != nil && now.Before(*s.GraceUntil)
}

// IdleFor returns how long the session has gone without an authorized request
func (s *DeviceSession) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastSeenAt)
}
