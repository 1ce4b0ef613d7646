package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rental-calendar-sync/backend/internal/identity"
	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/metrics"
	"github.com/rental-calendar-sync/backend/internal/period"
	"github.com/rental-calendar-sync/backend/internal/report"
	"github.com/rental-calendar-sync/backend/internal/storage"
	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// DefaultBatchCap bounds a migration batch when none is configured.
const DefaultBatchCap = 200

// Migrator converts booking rows marked as blocks into blocked periods.
type Migrator struct {
	bookings *storage.BookingRepository
	resolver *identity.Resolver
	issues   report.IssueStore
	batchCap int
}

// NewMigrator creates a migrator. issues may be nil.
func NewMigrator(bookings *storage.BookingRepository, resolver *identity.Resolver, issues report.IssueStore, batchCap int) *Migrator {
	if batchCap <= 0 {
		batchCap = DefaultBatchCap
	}
	return &Migrator{
		bookings: bookings,
		resolver: resolver,
		issues:   issues,
		batchCap: batchCap,
	}
}

// Scope restricts a migration batch.
type Scope struct {
	OrganizationID string
	From           string
	To             string
	PropertyIDs    []string
}

// Run migrates at most one batch. Rows that cannot be migrated are reported
// and stepped over with a keyset cursor; only conversion attempts count
// against batchCap. Failures on single rows are counted and logged; only a
// failure to list candidates or cancellation ends the batch with an error.
func (m *Migrator) Run(ctx context.Context, scope Scope) (models.MigrationStats, error) {
	var stats models.MigrationStats

	ids := m.resolver.NewRun(scope.OrganizationID)
	reporter := report.New(scope.OrganizationID, models.SourceMigration, m.issues, report.Options{})
	log := logging.Ctx(ctx)

	var after *storage.BookingCursor
	attempted := 0
scan:
	for attempted < m.batchCap {
		rows, err := m.bookings.ListMisclassified(ctx, storage.MisclassifiedScope{
			OrganizationID: scope.OrganizationID,
			From:           scope.From,
			To:             scope.To,
			PropertyIDs:    scope.PropertyIDs,
			After:          after,
			Limit:          m.batchCap,
		})
		if err != nil {
			return stats, fmt.Errorf("listing misclassified bookings: %w", err)
		}

		for i := range rows {
			if attempted == m.batchCap {
				break scan
			}
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			b := &rows[i]
			after = &storage.BookingCursor{CheckIn: b.CheckIn, ID: b.ID}
			stats.Scanned++

			p, reason := m.prepare(ctx, ids, b)
			if p == nil {
				stats.Skipped++
				reporter.Record(ctx, report.Issue{
					Kind:       models.IssueInvalidMigrationRow,
					ExternalID: b.ID,
					Candidates: []string{b.PropertyID},
					StartDate:  b.CheckIn,
					EndDate:    b.CheckOut,
					Message:    reason,
				})
				log.Debug().Str("booking_id", b.ID).Str("reason", reason).Msg("Skipped misclassified booking")
				continue
			}

			attempted++
			inserted, err := m.bookings.ConvertToPeriod(ctx, b, p)
			if err != nil {
				stats.Errors++
				log.Warn().Err(err).Str("booking_id", b.ID).Msg("Failed to migrate booking")
				continue
			}
			if inserted {
				stats.Migrated++
			}
			stats.Deleted++
		}

		if len(rows) < m.batchCap {
			break
		}
	}

	metrics.AddItems(metrics.SourceMigration, "scanned", stats.Scanned)
	metrics.AddItems(metrics.SourceMigration, "migrated", stats.Migrated)
	metrics.AddItems(metrics.SourceMigration, "deleted", stats.Deleted)
	metrics.AddItems(metrics.SourceMigration, "skipped", stats.Skipped)
	metrics.AddItems(metrics.SourceMigration, "errors", stats.Errors)

	if stats.Scanned > 0 {
		log.Info().
			Int("scanned", stats.Scanned).
			Int("migrated", stats.Migrated).
			Int("deleted", stats.Deleted).
			Int("skipped", stats.Skipped).
			Int("errors", stats.Errors).
			Msg("Misclassified bookings migrated")
	}
	return stats, nil
}

// prepare builds the period equivalent to b, or explains why it cannot.
func (m *Migrator) prepare(ctx context.Context, ids *identity.Run, b *models.Booking) (*models.BlockedPeriod, string) {
	res, err := ids.Resolve(ctx, []string{b.PropertyID})
	if err != nil {
		var unresolved *identity.UnresolvedError
		if errors.As(err, &unresolved) {
			return nil, "booking has no resolvable property id"
		}
		return nil, err.Error()
	}

	norm, err := period.Normalize(period.Raw{
		Category: b.SourceType,
		Start:    b.CheckIn,
		End:      b.CheckOut,
		Source:   models.SourceMigration,
	})
	if err != nil {
		return nil, fmt.Sprintf("invalid booking dates: %v", err)
	}

	reason := strings.TrimSpace(b.GuestName)
	if reason == "" {
		reason = DefaultReason(norm.Subtype)
	}

	return &models.BlockedPeriod{
		OrganizationID: b.OrganizationID,
		PropertyID:     res.PropertyID,
		StartDate:      norm.StartDate,
		EndDate:        norm.EndDate,
		Nights:         norm.Nights,
		Subtype:        norm.Subtype,
		Reason:         reason,
		Notes: Provenance{
			Source:    models.SourceMigration,
			BookingID: b.ID,
			UID:       b.ExternalID,
			Platform:  b.Source,
			Type:      b.SourceType,
		}.Notes(),
		Source:    models.SourceMigration,
		CreatedBy: CreatedBy,
	}, ""
}

// CreatedBy is recorded on every period written by sync.
const CreatedBy = "calendar-sync"

// DefaultReason is the reason of a period whose source gave none.
func DefaultReason(subtype string) string {
	switch subtype {
	case models.SubtypeMaintenance:
		return "Maintenance"
	case models.SubtypeReservation:
		return "Reserved"
	default:
		return "Blocked"
	}
}
