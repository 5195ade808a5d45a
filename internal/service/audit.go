package service

import (
	"context"
	"fmt"
	"time"

	"github.com/captivegate/captivegate/internal/logger"
	"github.com/captivegate/captivegate/internal/model"
)

// Auditor writes audit entries to the log and, when configured, to a store
type Auditor struct {
	store AuditStore
	log   *logger.Logger
}

// NewAuditor creates a new Auditor. store may be nil.
func NewAuditor(store AuditStore, log *logger.Logger) *Auditor {
	return &Auditor{store: store, log: log.WithComponent("audit")}
}

// Record writes one audit entry. Store failures are logged, never returned.
func (a *Auditor) Record(ctx context.Context, actor, action, resourceType, resourceID, ipAddress, userAgent string, metadata map[string]interface{}) {
	if a == nil {
		return
	}
	a.log.AuditLog(actor, action, resourceType, resourceID, metadata)
	if a.store == nil {
		return
	}

	entry := &model.AuditLog{
		ID:           generateID("aud"),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}
	if ipAddress != "" {
		entry.IPAddress = &ipAddress
	}
	if userAgent != "" {
		entry.UserAgent = &userAgent
	}
	if err := a.store.Create(ctx, entry); err != nil {
		a.log.Error().Err(err).Str("action", action).Msg("failed to create audit log")
	}
}

// Trail returns up to limit entries recorded against resourceID, newest first
func (a *Auditor) Trail(ctx context.Context, resourceID string, limit int) ([]model.AuditLog, error) {
	if a == nil || a.store == nil {
		return nil, nil
	}
	entries, err := a.store.ListByResource(ctx, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return entries, nil
}
