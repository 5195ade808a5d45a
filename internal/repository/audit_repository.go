package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/captivegate/captivegate/internal/database"
	"github.com/captivegate/captivegate/internal/model"
)

const auditColumns = `id, actor, action, resource_type, resource_id, ip_address, user_agent, metadata, created_at`

// AuditRepository keeps the operator and grant audit trail in Postgres
type AuditRepository struct {
	db *database.Postgres
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *database.Postgres) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create inserts one audit entry
func (r *AuditRepository) Create(ctx context.Context, entry *model.AuditLog) error {
	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil || entry.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	query := `INSERT INTO audit_logs (` + auditColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.db.ExecContext(ctx, query,
		entry.ID,
		entry.Actor,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.IPAddress,
		entry.UserAgent,
		metadataJSON,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// ListByResource returns up to limit entries for resourceID, newest first
func (r *AuditRepository) ListByResource(ctx context.Context, resourceID string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE resource_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditLog
	for rows.Next() {
		var (
			e        model.AuditLog
			ip, ua   sql.NullString
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID, &ip, &ua, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if ip.Valid {
			e.IPAddress = &ip.String
		}
		if ua.Valid {
			e.UserAgent = &ua.String
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return entries, nil
}
