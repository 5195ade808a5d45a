package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/captivegate/captivegate/internal/database"
	"github.com/captivegate/captivegate/internal/model"
)

// AdEventRepository handles ad event persistence
type AdEventRepository struct {
	db *database.Postgres
}

// NewAdEventRepository creates a new AdEventRepository
func NewAdEventRepository(db *database.Postgres) *AdEventRepository {
	return &AdEventRepository{db: db}
}

// Append inserts a new ad event
func (r *AdEventRepository) Append(ctx context.Context, e *model.AdEvent) error {
	query := `
		INSERT INTO ad_events (id, ad_id, identifier, fingerprint, router_id, event_type,
		    watch_seconds, qualifying, claimed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.AdID,
		e.Identifier,
		e.Fingerprint,
		e.RouterID,
		string(e.EventType),
		e.WatchSeconds,
		e.Qualifying,
		e.Claimed,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create ad event: %w", err)
	}
	return nil
}

// HasQualifying reports whether identifier ever finished a qualifying ad
func (r *AdEventRepository) HasQualifying(ctx context.Context, identifier string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM ad_events WHERE identifier = $1 AND qualifying)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, identifier).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check ad completions: %w", err)
	}
	return exists, nil
}

// LatestQualifying returns the newest qualifying completion created at or after since
func (r *AdEventRepository) LatestQualifying(ctx context.Context, identifier string, since time.Time) (*model.AdEvent, error) {
	query := `
		SELECT id, ad_id, identifier, fingerprint, router_id, event_type,
		       watch_seconds, qualifying, claimed, created_at
		FROM ad_events
		WHERE identifier = $1 AND qualifying AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	var e model.AdEvent
	var eventType string
	err := r.db.QueryRowContext(ctx, query, identifier, since).Scan(
		&e.ID,
		&e.AdID,
		&e.Identifier,
		&e.Fingerprint,
		&e.RouterID,
		&eventType,
		&e.WatchSeconds,
		&e.Qualifying,
		&e.Claimed,
		&e.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ad event: %w", err)
	}
	e.EventType = model.AdEventType(eventType)
	return &e, nil
}

// Claim flips claimed exactly once
func (r *AdEventRepository) Claim(ctx context.Context, eventID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `UPDATE ad_events SET claimed = TRUE WHERE id = $1 AND NOT claimed`, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to claim ad event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
