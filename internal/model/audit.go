package model

import "time"

// AuditLog represents an audit log entry
type AuditLog struct {
	ID           string                 `json:"id"`
	Actor        string                 `json:"actor"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resourceType"`
	ResourceID   string                 `json:"resourceId"`
	IPAddress    *string                `json:"ipAddress,omitempty"`
	UserAgent    *string                `json:"userAgent,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// Audit action constants
const (
	AuditActionAdminLogin       = "admin.login"
	AuditActionAdminLoginFailed = "admin.login_failed"
	AuditActionBundleGranted    = "bundle.granted"
	AuditActionQuotaReset       = "quota.reset"
	AuditActionAccountLinked    = "account.linked"
	AuditActionTicketRecovered  = "eligibility.recovered"
)
