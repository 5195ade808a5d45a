package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/captivegate/captivegate/internal/database"
	"github.com/captivegate/captivegate/internal/model"
	"github.com/lib/pq"
)

// GrantRepository handles bundle grant persistence
type GrantRepository struct {
	db *database.Postgres
}

// NewGrantRepository creates a new GrantRepository
func NewGrantRepository(db *database.Postgres) *GrantRepository {
	return &GrantRepository{db: db}
}

const grantColumns = `id, identifier, fingerprint, bundle_mb, used_mb, granted_at, source, router_id`

// Append inserts a new grant
func (r *GrantRepository) Append(ctx context.Context, g *model.BundleGrant) error {
	query := `
		INSERT INTO bundle_grants (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		g.ID,
		g.Identifier,
		g.Fingerprint,
		g.BundleMB,
		g.UsedMB,
		g.GrantedAt,
		string(g.Source),
		g.RouterID,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

// List returns grants for any of identifiers, oldest first. An empty fingerprint matches every device.
func (r *GrantRepository) List(ctx context.Context, identifiers []string, fingerprint string) ([]*model.BundleGrant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM bundle_grants
		WHERE identifier = ANY($1) AND ($2 = '' OR fingerprint = $2)
		ORDER BY granted_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(identifiers), fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []*model.BundleGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate grants: %w", err)
	}
	return grants, nil
}

// AddUsage raises used_mb in one statement, clamped at bundle_mb
func (r *GrantRepository) AddUsage(ctx context.Context, grantID string, deltaMB float64) (*model.BundleGrant, error) {
	query := `
		UPDATE bundle_grants
		SET used_mb = LEAST(bundle_mb, used_mb + $2)
		WHERE id = $1
		RETURNING ` + grantColumns
	g, err := scanGrant(r.db.QueryRowContext(ctx, query, grantID, deltaMB))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return g, err
}

// DeleteByIdentifier removes every grant of identifier
func (r *GrantRepository) DeleteByIdentifier(ctx context.Context, identifier string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM bundle_grants WHERE identifier = $1`, identifier)
	if err != nil {
		return 0, fmt.Errorf("failed to delete grants: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*model.BundleGrant, error) {
	var g model.BundleGrant
	var source string
	err := row.Scan(
		&g.ID,
		&g.Identifier,
		&g.Fingerprint,
		&g.BundleMB,
		&g.UsedMB,
		&g.GrantedAt,
		&source,
		&g.RouterID,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan grant: %w", err)
	}
	g.Source = model.GrantSource(source)
	return &g, nil
}
