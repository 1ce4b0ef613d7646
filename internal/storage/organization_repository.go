package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// OrganizationRepository provides access to organizations and their channel
// credentials.
type OrganizationRepository struct {
	BaseRepository
}

// NewOrganizationRepository creates a new organization repository.
func NewOrganizationRepository(db *DB) *OrganizationRepository {
	return &OrganizationRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const organizationColumns = `id, name, channel_base_url, channel_api_key, channel_api_secret,
	auto_sync, created_at, updated_at`

// Create inserts an organization. A caller-provided ID is kept.
func (r *OrganizationRepository) Create(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = GenerateID()
	}
	org.CreatedAt = r.Now()
	org.UpdatedAt = org.CreatedAt

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO organizations (`+organizationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		org.ID, org.Name, org.ChannelBaseURL, org.ChannelAPIKey, org.ChannelAPISecret,
		org.AutoSync, org.CreatedAt, org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting organization: %w", err)
	}
	return nil
}

// GetByID retrieves an organization.
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	row := r.DB().QueryRowContext(ctx,
		"SELECT "+organizationColumns+" FROM organizations WHERE id = ?", id)

	org, err := scanOrganization(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying organization: %w", err)
	}
	return org, nil
}

// ListAutoSync returns organizations opted into scheduled sync.
func (r *OrganizationRepository) ListAutoSync(ctx context.Context) ([]models.Organization, error) {
	rows, err := r.DB().QueryContext(ctx,
		"SELECT "+organizationColumns+" FROM organizations WHERE auto_sync = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying organizations: %w", err)
	}
	defer rows.Close()

	var orgs []models.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning organization: %w", err)
		}
		orgs = append(orgs, *org)
	}
	return orgs, rows.Err()
}

// ChannelSettings is the writable subset of an organization. A nil APISecret
// keeps the stored secret.
type ChannelSettings struct {
	BaseURL   string
	APIKey    string
	APISecret *string
	AutoSync  bool
}

// UpdateChannelSettings stores an organization's channel connection.
func (r *OrganizationRepository) UpdateChannelSettings(ctx context.Context, id string, s ChannelSettings) error {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE organizations SET
			channel_base_url = ?, channel_api_key = ?,
			channel_api_secret = COALESCE(?, channel_api_secret),
			auto_sync = ?, updated_at = ?
		WHERE id = ?
	`, s.BaseURL, s.APIKey, nullString(s.APISecret), s.AutoSync, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating channel settings: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("organization %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanOrganization(row rowScanner) (*models.Organization, error) {
	var org models.Organization
	if err := row.Scan(
		&org.ID, &org.Name, &org.ChannelBaseURL, &org.ChannelAPIKey, &org.ChannelAPISecret,
		&org.AutoSync, &org.CreatedAt, &org.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &org, nil
}
