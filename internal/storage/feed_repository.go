package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// ErrNotFound is returned by mutations that matched no row.
var ErrNotFound = errors.New("not found")

// FeedRepository provides data access for listing iCal feeds.
type FeedRepository struct {
	BaseRepository
}

// NewFeedRepository creates a new feed repository.
func NewFeedRepository(db *DB) *FeedRepository {
	return &FeedRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const feedColumns = `id, organization_id, property_ref, platform, url, enabled, last_sync_at,
	sync_status, sync_error, created_at, updated_at`

// Create inserts a new feed.
func (r *FeedRepository) Create(ctx context.Context, feed *models.ListingFeed) error {
	feed.ID = GenerateID()
	feed.CreatedAt = r.Now()
	feed.UpdatedAt = feed.CreatedAt
	feed.SyncStatus = models.SyncStatusPending
	if feed.Platform == "" {
		feed.Platform = models.PlatformOther
	}

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO listing_feeds (
			id, organization_id, property_ref, platform, url, enabled, sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		feed.ID, feed.OrganizationID, feed.PropertyRef, feed.Platform, feed.URL,
		feed.Enabled, feed.SyncStatus, feed.CreatedAt, feed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting feed: %w", err)
	}

	return nil
}

// GetByID retrieves a feed within an organization.
func (r *FeedRepository) GetByID(ctx context.Context, orgID, id string) (*models.ListingFeed, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+feedColumns+`
		FROM listing_feeds WHERE organization_id = ? AND id = ?
	`, orgID, id)

	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying feed: %w", err)
	}

	return feed, nil
}

// List retrieves all feeds of an organization.
func (r *FeedRepository) List(ctx context.Context, orgID string) ([]models.ListingFeed, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+feedColumns+`
		FROM listing_feeds
		WHERE organization_id = ?
		ORDER BY platform, property_ref
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying feeds: %w", err)
	}
	defer rows.Close()

	return scanFeeds(rows)
}

// FeedFilter narrows ListEnabled. Empty fields match everything.
type FeedFilter struct {
	PropertyRef string
	Platforms   []string
}

// ListEnabled retrieves enabled feeds, least recently synced first.
func (r *FeedRepository) ListEnabled(ctx context.Context, orgID string, filter FeedFilter) ([]models.ListingFeed, error) {
	query := `
		SELECT ` + feedColumns + `
		FROM listing_feeds
		WHERE organization_id = ? AND enabled = 1`
	args := []any{orgID}

	if filter.PropertyRef != "" {
		query += " AND property_ref = ?"
		args = append(args, filter.PropertyRef)
	}
	if len(filter.Platforms) > 0 {
		query += " AND platform IN (" + placeholders(len(filter.Platforms)) + ")"
		for _, p := range filter.Platforms {
			args = append(args, p)
		}
	}
	query += " ORDER BY last_sync_at ASC NULLS FIRST, id"

	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying enabled feeds: %w", err)
	}
	defer rows.Close()

	return scanFeeds(rows)
}

// Update changes a feed's mutable fields.
func (r *FeedRepository) Update(ctx context.Context, feed *models.ListingFeed) error {
	feed.UpdatedAt = r.Now()

	result, err := r.DB().ExecContext(ctx, `
		UPDATE listing_feeds SET
			property_ref = ?, platform = ?, url = ?, enabled = ?, updated_at = ?
		WHERE organization_id = ? AND id = ?
	`,
		feed.PropertyRef, feed.Platform, feed.URL, feed.Enabled, feed.UpdatedAt,
		feed.OrganizationID, feed.ID,
	)
	if err != nil {
		return fmt.Errorf("updating feed: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("feed %s: %w", feed.ID, ErrNotFound)
	}

	return nil
}

// UpdateSyncStatus records the outcome of the latest sync of a feed.
func (r *FeedRepository) UpdateSyncStatus(ctx context.Context, id string, status string, syncError *string) error {
	now := r.Now()
	var lastSyncAt *time.Time
	if status == models.SyncStatusSuccess {
		lastSyncAt = &now
	}

	_, err := r.DB().ExecContext(ctx, `
		UPDATE listing_feeds SET
			sync_status = ?, sync_error = ?, last_sync_at = COALESCE(?, last_sync_at), updated_at = ?
		WHERE id = ?
	`, status, nullString(syncError), lastSyncAt, now, id)
	if err != nil {
		return fmt.Errorf("updating sync status: %w", err)
	}

	return nil
}

// Delete removes a feed.
func (r *FeedRepository) Delete(ctx context.Context, orgID, id string) error {
	result, err := r.DB().ExecContext(ctx,
		"DELETE FROM listing_feeds WHERE organization_id = ? AND id = ?", orgID, id)
	if err != nil {
		return fmt.Errorf("deleting feed: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("feed %s: %w", id, ErrNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*models.ListingFeed, error) {
	var (
		feed       models.ListingFeed
		lastSyncAt sql.NullTime
		syncError  sql.NullString
	)
	if err := row.Scan(
		&feed.ID, &feed.OrganizationID, &feed.PropertyRef, &feed.Platform, &feed.URL,
		&feed.Enabled, &lastSyncAt, &feed.SyncStatus, &syncError,
		&feed.CreatedAt, &feed.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		feed.LastSyncAt = &t
	}
	feed.SyncError = stringPtr(syncError)
	return &feed, nil
}

func scanFeeds(rows *sql.Rows) ([]models.ListingFeed, error) {
	var feeds []models.ListingFeed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feeds = append(feeds, *feed)
	}
	return feeds, rows.Err()
}
