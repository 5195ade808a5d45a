package model

import (
	"time"
)

// GrantSource records how a bundle was obtained
type GrantSource string

const (
	GrantSourceManual      GrantSource = "manual"
	GrantSourceVideoUnlock GrantSource = "video_unlock"
	GrantSourceAdSequence  GrantSource = "ad-sequence"
)

// Valid reports whether s is a known grant source
func (s GrantSource) Valid() bool {
	switch s {
	case GrantSourceManual, GrantSourceVideoUnlock, GrantSourceAdSequence:
		return true
	}
	return false
}

// Earned reports whether the source is the ad-earned path, which needs an eligibility ticket
func (s GrantSource) Earned() bool {
	return s == GrantSourceVideoUnlock || s == GrantSourceAdSequence
}

// BundleGrant is one append-only allowance of megabytes. Only UsedMB changes after creation.
type BundleGrant struct {
	ID          string      `json:"id"`
	Identifier  string      `json:"identifier"`
	Fingerprint string      `json:"fingerprint"`
	BundleMB    float64     `json:"bundleMB"`
	UsedMB      float64     `json:"usedMB"`
	GrantedAt   time.Time   `json:"grantedAt"`
	Source      GrantSource `json:"source"`
	RouterID    string      `json:"routerId,omitempty"`
}

// RemainingMB returns the capacity left in the grant
func (g *BundleGrant) RemainingMB() float64 {
	if g.UsedMB >= g.BundleMB {
		return 0
	}
	return g.BundleMB - g.UsedMB
}

// IsOpen reports whether the grant still has capacity
func (g *BundleGrant) IsOpen() bool {
	return g.UsedMB < g.BundleMB
}

// Quota summarises the grants matching a device or account
type Quota struct {
	RemainingMB   float64 `json:"remainingMB"`
	TotalBundleMB float64 `json:"totalBundleMB"`
	TotalUsedMB   float64 `json:"totalUsedMB"`
	Exhausted     bool    `json:"exhausted"`
}

// UsageStats tracks per-identifier usage reporting, including usage that had nothing to consume
type UsageStats struct {
	Identifier   string     `json:"identifier"`
	ReportedMB   float64    `json:"reportedMB"`
	DroppedMB    float64    `json:"droppedMB"`
	LastReportAt *time.Time `json:"lastReportAt,omitempty"`
}
