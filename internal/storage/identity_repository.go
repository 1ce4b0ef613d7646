package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// IdentityRepository reads the external id -> property id mapping table.
type IdentityRepository struct {
	BaseRepository
}

// NewIdentityRepository creates a new identity mapping repository.
func NewIdentityRepository(db *DB) *IdentityRepository {
	return &IdentityRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Lookup returns the property id stored for externalID under field, or "" when
// no mapping exists.
func (r *IdentityRepository) Lookup(ctx context.Context, orgID, field, externalID string) (string, error) {
	var propertyID string
	err := r.DB().QueryRowContext(ctx, `
		SELECT property_id FROM identity_mappings
		WHERE organization_id = ? AND field = ? AND external_id = ?
	`, orgID, field, externalID).Scan(&propertyID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up identity mapping: %w", err)
	}
	return propertyID, nil
}

// Put stores a mapping. The property catalogue owns these rows; Put is used
// when seeding.
func (r *IdentityRepository) Put(ctx context.Context, orgID, field, externalID, propertyID string) error {
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO identity_mappings (organization_id, field, external_id, property_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (organization_id, field, external_id) DO UPDATE SET property_id = excluded.property_id
	`, orgID, field, externalID, propertyID)
	if err != nil {
		return fmt.Errorf("storing identity mapping: %w", err)
	}
	return nil
}
