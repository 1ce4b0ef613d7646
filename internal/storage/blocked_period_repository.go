package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// BlockedPeriodRepository provides data access for blocked periods.
//
// The dedup key (organization, property, start, end, subtype) is enforced by a
// unique index; writes go through ON CONFLICT so two runs racing on the same
// key cannot create duplicates.
type BlockedPeriodRepository struct {
	BaseRepository
}

// NewBlockedPeriodRepository creates a new blocked period repository.
func NewBlockedPeriodRepository(db *DB) *BlockedPeriodRepository {
	return &BlockedPeriodRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const blockedPeriodColumns = `id, organization_id, property_id, start_date, end_date, nights, type,
	subtype, reason, notes, source, created_at, updated_at, created_by`

// Upsert inserts p, or refreshes reason, notes and updated_at of the row that
// already holds p's dedup key. It reports whether a new row was inserted and
// leaves p.ID set to the stored row's id.
func (r *BlockedPeriodRepository) Upsert(ctx context.Context, p *models.BlockedPeriod) (bool, error) {
	newID := GenerateID()
	now := r.Now()
	p.Type = models.BlockType

	var storedID string
	err := r.DB().QueryRowContext(ctx, `
		INSERT INTO blocked_periods (`+blockedPeriodColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, property_id, start_date, end_date, subtype) DO UPDATE SET
			reason = excluded.reason,
			notes = excluded.notes,
			updated_at = excluded.updated_at
		RETURNING id
	`,
		newID, p.OrganizationID, p.PropertyID, p.StartDate, p.EndDate, p.Nights, p.Type,
		p.Subtype, p.Reason, nullString(p.Notes), p.Source, now, now, p.CreatedBy,
	).Scan(&storedID)
	if err != nil {
		return false, fmt.Errorf("upserting blocked period: %w", err)
	}

	inserted := storedID == newID
	p.ID = storedID
	p.UpdatedAt = now
	if inserted {
		p.CreatedAt = now
	}
	return inserted, nil
}

// InsertIfAbsent inserts p unless its dedup key already exists. Existing rows
// are left untouched.
func (r *BlockedPeriodRepository) InsertIfAbsent(ctx context.Context, p *models.BlockedPeriod) (bool, error) {
	return insertPeriodIfAbsent(ctx, r.DB(), p, r.Now())
}

func insertPeriodIfAbsent(ctx context.Context, q Queryable, p *models.BlockedPeriod, now time.Time) (bool, error) {
	p.ID = GenerateID()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Type = models.BlockType

	result, err := q.ExecContext(ctx, `
		INSERT INTO blocked_periods (`+blockedPeriodColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, property_id, start_date, end_date, subtype) DO NOTHING
	`,
		p.ID, p.OrganizationID, p.PropertyID, p.StartDate, p.EndDate, p.Nights, p.Type,
		p.Subtype, p.Reason, nullString(p.Notes), p.Source, p.CreatedAt, p.UpdatedAt, p.CreatedBy,
	)
	if err != nil {
		return false, fmt.Errorf("inserting blocked period: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

// GetByKey retrieves the period holding a dedup key.
func (r *BlockedPeriodRepository) GetByKey(ctx context.Context, key models.DedupKey) (*models.BlockedPeriod, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+blockedPeriodColumns+`
		FROM blocked_periods
		WHERE organization_id = ? AND property_id = ? AND start_date = ? AND end_date = ? AND subtype = ?
	`, key.OrganizationID, key.PropertyID, key.StartDate, key.EndDate, key.Subtype)

	p, err := scanBlockedPeriod(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying blocked period: %w", err)
	}
	return p, nil
}

// FindOverlapping returns the periods of a property that intersect
// [start, end) but do not hold exactly the given key.
func (r *BlockedPeriodRepository) FindOverlapping(ctx context.Context, key models.DedupKey) ([]models.BlockedPeriod, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+blockedPeriodColumns+`
		FROM blocked_periods
		WHERE organization_id = ? AND property_id = ?
		  AND start_date < ? AND end_date > ?
		  AND NOT (start_date = ? AND end_date = ? AND subtype = ?)
		ORDER BY start_date
	`,
		key.OrganizationID, key.PropertyID, key.EndDate, key.StartDate,
		key.StartDate, key.EndDate, key.Subtype,
	)
	if err != nil {
		return nil, fmt.Errorf("querying overlapping periods: %w", err)
	}
	defer rows.Close()

	return scanBlockedPeriods(rows)
}

// ListByProperty retrieves a property's periods ordered by start date.
func (r *BlockedPeriodRepository) ListByProperty(ctx context.Context, orgID, propertyID string) ([]models.BlockedPeriod, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+blockedPeriodColumns+`
		FROM blocked_periods
		WHERE organization_id = ? AND property_id = ?
		ORDER BY start_date, subtype
	`, orgID, propertyID)
	if err != nil {
		return nil, fmt.Errorf("querying blocked periods: %w", err)
	}
	defer rows.Close()

	return scanBlockedPeriods(rows)
}

// CountByOrganization returns the number of periods stored for an organization.
func (r *BlockedPeriodRepository) CountByOrganization(ctx context.Context, orgID string) (int, error) {
	var n int
	if err := r.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM blocked_periods WHERE organization_id = ?", orgID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting blocked periods: %w", err)
	}
	return n, nil
}

func scanBlockedPeriod(row rowScanner) (*models.BlockedPeriod, error) {
	var (
		p     models.BlockedPeriod
		notes sql.NullString
	)
	if err := row.Scan(
		&p.ID, &p.OrganizationID, &p.PropertyID, &p.StartDate, &p.EndDate, &p.Nights, &p.Type,
		&p.Subtype, &p.Reason, &notes, &p.Source, &p.CreatedAt, &p.UpdatedAt, &p.CreatedBy,
	); err != nil {
		return nil, err
	}
	p.Notes = stringPtr(notes)
	return &p, nil
}

func scanBlockedPeriods(rows *sql.Rows) ([]models.BlockedPeriod, error) {
	var periods []models.BlockedPeriod
	for rows.Next() {
		p, err := scanBlockedPeriod(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning blocked period: %w", err)
		}
		periods = append(periods, *p)
	}
	return periods, rows.Err()
}
