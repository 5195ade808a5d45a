package captivegate

import "time"

// Grant sources accepted by GrantBundle.
const (
	SourceAdSequence  = "ad-sequence"
	SourceVideoUnlock = "video_unlock"
	SourceManual      = "manual"
)

// Quota summarises the bundles of a device or account.
type Quota struct {
	RemainingMB   float64 `json:"remainingMB"`
	TotalBundleMB float64 `json:"totalBundleMB"`
	TotalUsedMB   float64 `json:"totalUsedMB"`
	Exhausted     bool    `json:"exhausted"`
}

// Session is a device session registered on the gateway.
type Session struct {
	Identifier   string     `json:"identifier"`
	Fingerprint  string     `json:"fingerprint"`
	SessionToken string     `json:"sessionToken"`
	Address      string     `json:"address"`
	RouterID     string     `json:"routerId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	LastSeenAt   time.Time  `json:"lastSeenAt"`
	GraceUntil   *time.Time `json:"graceUntil,omitempty"`
}

// Grant is one bundle allowance.
type Grant struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier"`
	Fingerprint string    `json:"fingerprint"`
	BundleMB    float64   `json:"bundleMB"`
	UsedMB      float64   `json:"usedMB"`
	GrantedAt   time.Time `json:"grantedAt"`
	Source      string    `json:"source"`
	RouterID    string    `json:"routerId,omitempty"`
}

// AdEvent is a recorded ad player event.
type AdEvent struct {
	ID           string    `json:"id"`
	AdID         string    `json:"adId"`
	Identifier   string    `json:"identifier"`
	RouterID     string    `json:"routerId,omitempty"`
	EventType    string    `json:"eventType"`
	WatchSeconds float64   `json:"watchSeconds"`
	Qualifying   bool      `json:"qualifying"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Reward is something an ad event earned.
type Reward struct {
	Type      string     `json:"type"`
	BundleMB  float64    `json:"bundleMB,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// GrantRequest asks for a bundle.
type GrantRequest struct {
	Identifier string  `json:"identifier"`
	BundleMB   float64 `json:"bundleMB"`
	RouterID   string  `json:"routerId,omitempty"`
	Source     string  `json:"source"`
}

// GrantResponse is returned by GrantBundle.
type GrantResponse struct {
	Purchase  *Grant    `json:"purchase"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Session   *Session  `json:"session"`
	Quota     *Quota    `json:"quota"`
}

// AdEventRequest reports an ad player event.
type AdEventRequest struct {
	AdID         string  `json:"adId"`
	Identifier   string  `json:"identifier"`
	EventType    string  `json:"eventType"`
	WatchSeconds float64 `json:"watchSeconds"`
	RouterID     string  `json:"routerId,omitempty"`
}

// AdEventResponse is returned by RecordAdEvent.
type AdEventResponse struct {
	Event         *AdEvent `json:"event"`
	Rewards       []Reward `json:"rewards"`
	BundleUpgrade *Grant   `json:"bundleUpgrade,omitempty"`
}

// SessionResponse is returned by SessionPing.
type SessionResponse struct {
	Session *Session `json:"session"`
	Quota   *Quota   `json:"quota"`
}

// AccessResponse is returned by AccessCheck and ReportUsage.
type AccessResponse struct {
	HasAccess bool   `json:"hasAccess"`
	Applied   bool   `json:"applied"`
	Quota     *Quota `json:"quota"`
}

// DeviceStatus is returned by DeviceStatus.
type DeviceStatus struct {
	Identifier  string   `json:"identifier"`
	Fingerprint string   `json:"fingerprint"`
	Session     *Session `json:"session"`
	Quota       *Quota   `json:"quota"`
}

// AdminToken is returned by AdminLogin.
type AdminToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuditEntry is one audit trail record.
type AuditEntry struct {
	ID           string                 `json:"id"`
	Actor        string                 `json:"actor"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resourceType"`
	ResourceID   string                 `json:"resourceId"`
	IPAddress    string                 `json:"ipAddress,omitempty"`
	UserAgent    string                 `json:"userAgent,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}
