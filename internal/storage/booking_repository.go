package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// BookingRepository reads and deletes rows of the bookings table. Inserts
// belong to the booking flow; Create exists for seeding and tests.
type BookingRepository struct {
	BaseRepository
}

// NewBookingRepository creates a new booking repository.
func NewBookingRepository(db *DB) *BookingRepository {
	return &BookingRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const bookingColumns = `id, organization_id, property_id, check_in, check_out, guest_name,
	external_id, source, source_type, created_at`

// Create inserts a booking.
func (r *BookingRepository) Create(ctx context.Context, b *models.Booking) error {
	if b.ID == "" {
		b.ID = GenerateID()
	}
	b.CreatedAt = r.Now()

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.OrganizationID, b.PropertyID, b.CheckIn, b.CheckOut, b.GuestName,
		b.ExternalID, b.Source, b.SourceType, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting booking: %w", err)
	}
	return nil
}

// GetByID retrieves a booking.
func (r *BookingRepository) GetByID(ctx context.Context, orgID, id string) (*models.Booking, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE organization_id = ? AND id = ?
	`, orgID, id)

	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying booking: %w", err)
	}
	return b, nil
}

// MisclassifiedScope selects bookings for migration.
type MisclassifiedScope struct {
	OrganizationID string
	// From and To bound the stay window; rows intersecting [From, To) match.
	// Empty values leave that side open.
	From string
	To   string
	// PropertyIDs match case-insensitively.
	PropertyIDs []string
	// After continues a scan past the row it names.
	After *BookingCursor
	Limit int
}

// BookingCursor is a keyset position in check-in then id order.
type BookingCursor struct {
	CheckIn string
	ID      string
}

// ListMisclassified returns bookings whose source-type marker says they are
// blocks, oldest check-in first, at most scope.Limit rows, starting after
// scope.After when set.
func (r *BookingRepository) ListMisclassified(ctx context.Context, scope MisclassifiedScope) ([]models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE organization_id = ?
		  AND source_type IN (` + placeholders(len(models.MisclassifiedSourceTypes)) + `)`
	args := []any{scope.OrganizationID}
	for _, t := range models.MisclassifiedSourceTypes {
		args = append(args, t)
	}

	if scope.To != "" {
		query += " AND check_in < ?"
		args = append(args, scope.To)
	}
	if scope.From != "" {
		query += " AND check_out > ?"
		args = append(args, scope.From)
	}
	if len(scope.PropertyIDs) > 0 {
		query += " AND lower(property_id) IN (" + placeholders(len(scope.PropertyIDs)) + ")"
		for _, id := range scope.PropertyIDs {
			args = append(args, strings.ToLower(strings.TrimSpace(id)))
		}
	}
	if scope.After != nil {
		query += " AND (check_in > ? OR (check_in = ? AND id > ?))"
		args = append(args, scope.After.CheckIn, scope.After.CheckIn, scope.After.ID)
	}
	query += " ORDER BY check_in, id LIMIT ?"
	args = append(args, scope.Limit)

	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying misclassified bookings: %w", err)
	}
	defer rows.Close()

	return scanBookings(rows)
}

// FindMisclassifiedAt returns block-marked bookings of a property with exactly
// the given check-in and check-out.
func (r *BookingRepository) FindMisclassifiedAt(ctx context.Context, orgID, propertyID, checkIn, checkOut string) ([]models.Booking, error) {
	args := []any{orgID, propertyID, checkIn, checkOut}
	for _, t := range models.MisclassifiedSourceTypes {
		args = append(args, t)
	}

	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE organization_id = ? AND property_id = ? AND check_in = ? AND check_out = ?
		  AND source_type IN (`+placeholders(len(models.MisclassifiedSourceTypes))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying bookings at dates: %w", err)
	}
	defer rows.Close()

	return scanBookings(rows)
}

// Delete removes a booking. Deleting a missing row is not an error.
func (r *BookingRepository) Delete(ctx context.Context, orgID, id string) error {
	return deleteBooking(ctx, r.DB(), orgID, id)
}

// ConvertToPeriod inserts p unless its dedup key exists and deletes the
// booking, in one transaction. It reports whether p was inserted.
func (r *BookingRepository) ConvertToPeriod(ctx context.Context, b *models.Booking, p *models.BlockedPeriod) (bool, error) {
	var inserted bool
	err := r.DB().Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		if inserted, err = insertPeriodIfAbsent(ctx, tx, p, r.Now()); err != nil {
			return err
		}
		return deleteBooking(ctx, tx, b.OrganizationID, b.ID)
	})
	if err != nil {
		return false, fmt.Errorf("converting booking %s: %w", b.ID, err)
	}
	return inserted, nil
}

func deleteBooking(ctx context.Context, q Queryable, orgID, id string) error {
	if _, err := q.ExecContext(ctx,
		"DELETE FROM bookings WHERE organization_id = ? AND id = ?", orgID, id); err != nil {
		return fmt.Errorf("deleting booking: %w", err)
	}
	return nil
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var b models.Booking
	if err := row.Scan(
		&b.ID, &b.OrganizationID, &b.PropertyID, &b.CheckIn, &b.CheckOut, &b.GuestName,
		&b.ExternalID, &b.Source, &b.SourceType, &b.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanBookings(rows *sql.Rows) ([]models.Booking, error) {
	var bookings []models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning booking: %w", err)
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}
