package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/captivegate/captivegate/internal/database"
)

// LinkRepository maps identifiers onto accounts
type LinkRepository struct {
	db *database.Postgres
}

// NewLinkRepository creates a new LinkRepository
func NewLinkRepository(db *database.Postgres) *LinkRepository {
	return &LinkRepository{db: db}
}

// Linked returns every identifier sharing identifier's account, identifier included
func (r *LinkRepository) Linked(ctx context.Context, identifier string) ([]string, error) {
	query := `
		SELECT identifier FROM account_links
		WHERE account_id = (SELECT account_id FROM account_links WHERE identifier = $1)
		ORDER BY identifier
	`
	rows, err := r.db.QueryContext(ctx, query, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked identifiers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan linked identifier: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []string{identifier}, nil
	}
	return ids, nil
}

// Link moves identifiers onto accountID in one transaction
func (r *LinkRepository) Link(ctx context.Context, accountID string, identifiers []string) error {
	if accountID == "" {
		return ErrInvalidInput
	}
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO account_links (identifier, account_id, linked_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (identifier) DO UPDATE SET account_id = EXCLUDED.account_id, linked_at = NOW()
		`
		for _, id := range identifiers {
			if _, err := tx.ExecContext(ctx, query, id, accountID); err != nil {
				return fmt.Errorf("failed to link identifier: %w", err)
			}
		}
		return nil
	})
}
