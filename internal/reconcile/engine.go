// Package reconcile writes normalized periods to storage and repairs booking
// rows that were stored as reservations but describe blocks.
package reconcile

import (
	"context"
	"fmt"

	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/period"
	"github.com/rental-calendar-sync/backend/internal/storage"
	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// Engine persists periods under the dedup key.
type Engine struct {
	periods  *storage.BlockedPeriodRepository
	bookings *storage.BookingRepository
}

// NewEngine creates a reconciliation engine.
func NewEngine(periods *storage.BlockedPeriodRepository, bookings *storage.BookingRepository) *Engine {
	return &Engine{
		periods:  periods,
		bookings: bookings,
	}
}

// Input is a normalized period for a resolved property.
type Input struct {
	OrganizationID string
	PropertyID     string
	Period         period.Period
	Reason         string
	Notes          *string
	Source         string
	CreatedBy      string
}

// Outcome describes what Apply did.
type Outcome struct {
	PeriodID string
	Inserted bool
	// DeletedBookings counts booking rows removed at the same dates.
	DeletedBookings int
	// Overlaps are periods from other sources intersecting a newly inserted
	// one. They are reported, never merged.
	Overlaps []models.BlockedPeriod
	// CleanupErr is set when the period was stored but removing misclassified
	// booking rows failed.
	CleanupErr error
}

// Apply inserts the period or refreshes reason, notes and updated_at of the
// period already holding its key. Channel API blocks also remove booking rows
// marked as blocks at the exact same dates, whether the period was inserted
// or updated.
func (e *Engine) Apply(ctx context.Context, in Input) (Outcome, error) {
	p := &models.BlockedPeriod{
		OrganizationID: in.OrganizationID,
		PropertyID:     in.PropertyID,
		StartDate:      in.Period.StartDate,
		EndDate:        in.Period.EndDate,
		Nights:         in.Period.Nights,
		Subtype:        in.Period.Subtype,
		Reason:         in.Reason,
		Notes:          in.Notes,
		Source:         in.Source,
		CreatedBy:      in.CreatedBy,
	}
	if p.Nights < 1 {
		return Outcome{}, fmt.Errorf("%w: %d", period.ErrNonPositiveNights, p.Nights)
	}

	inserted, err := e.periods.Upsert(ctx, p)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{PeriodID: p.ID, Inserted: inserted}

	if in.Source == models.SourceChannelAPI && p.Subtype != models.SubtypeReservation {
		out.DeletedBookings, out.CleanupErr = e.removeMisclassified(ctx, p)
	}

	if inserted {
		out.Overlaps = e.overlapsFromOtherSources(ctx, p)
	}

	return out, nil
}

func (e *Engine) removeMisclassified(ctx context.Context, p *models.BlockedPeriod) (int, error) {
	rows, err := e.bookings.FindMisclassifiedAt(ctx, p.OrganizationID, p.PropertyID, p.StartDate, p.EndDate)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, b := range rows {
		if err := e.bookings.Delete(ctx, b.OrganizationID, b.ID); err != nil {
			return deleted, err
		}
		deleted++
		logging.Ctx(ctx).Info().
			Str("booking_id", b.ID).
			Str("property_id", b.PropertyID).
			Str("source_type", b.SourceType).
			Msg("Removed misclassified booking")
	}
	return deleted, nil
}

func (e *Engine) overlapsFromOtherSources(ctx context.Context, p *models.BlockedPeriod) []models.BlockedPeriod {
	candidates, err := e.periods.FindOverlapping(ctx, p.Key())
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("period_id", p.ID).Msg("Overlap check failed")
		return nil
	}

	var overlaps []models.BlockedPeriod
	for _, c := range candidates {
		if c.Source != p.Source {
			overlaps = append(overlaps, c)
		}
	}
	return overlaps
}

// OverlapMessage describes an overlap for an operator.
func OverlapMessage(in Input, other models.BlockedPeriod) string {
	return fmt.Sprintf("%s period %s..%s overlaps %s period %s..%s (%s) on property %s",
		in.Source, in.Period.StartDate, in.Period.EndDate,
		other.Source, other.StartDate, other.EndDate, other.Subtype, in.PropertyID)
}
