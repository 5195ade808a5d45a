package service

import "errors"

// Gateway service errors
var (
	ErrSessionNotFound    = errors.New("no active session for device")
	ErrDeviceBlocked      = errors.New("access point is locked by another device")
	ErrQuotaExhausted     = errors.New("data bundle exhausted")
	ErrEligibilityMissing = errors.New("eligibility ticket missing or expired")
	ErrInvalidGrant       = errors.New("invalid bundle grant")
	ErrInvalidUsage       = errors.New("invalid usage report")
	ErrInvalidAdEvent     = errors.New("invalid ad event")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAdminDisabled      = errors.New("admin login is not configured")
	ErrAdminRequired      = errors.New("manual grants require an operator token")
)
