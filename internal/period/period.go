// Package period turns the date and category fields of external records into
// canonical blocked-period ranges.
//
// A range is [StartDate, EndDate) at day granularity. Time of day, zone
// designators and offsets in the input are ignored.
package period

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// DateLayout is the canonical day format.
const DateLayout = "2006-01-02"

const basicDateLayout = "20060102"

// Categories of external records.
const (
	CategoryBlocked     = "blocked"
	CategoryMaintenance = "maintenance"
	CategoryReservation = "reservation"
)

var (
	ErrMissingStart       = errors.New("missing start date")
	ErrInvalidDate        = errors.New("invalid date")
	ErrNonPositiveNights  = errors.New("period has no nights")
	ErrCategoryNotAllowed = errors.New("category not allowed")
)

// Raw is the part of an external record the normalizer reads.
type Raw struct {
	Category string
	Start    string
	// End may be empty; the period then covers a single night.
	End string
	// Source is one of the models.Source* constants.
	Source string
}

// Period is a normalized range.
type Period struct {
	StartDate string
	EndDate   string
	Nights    int
	Subtype   string
}

// Normalize validates raw and converts it to a Period.
func Normalize(raw Raw) (Period, error) {
	subtype, err := Subtype(raw.Category, raw.Source)
	if err != nil {
		return Period{}, err
	}

	if strings.TrimSpace(raw.Start) == "" {
		return Period{}, ErrMissingStart
	}
	start, err := ParseDate(raw.Start)
	if err != nil {
		return Period{}, err
	}

	end := start.AddDate(0, 0, 1)
	if strings.TrimSpace(raw.End) != "" {
		if end, err = ParseDate(raw.End); err != nil {
			return Period{}, err
		}
	}

	nights := Nights(start, end)
	if nights < 1 {
		return Period{}, fmt.Errorf("%w: %s to %s", ErrNonPositiveNights, start.Format(DateLayout), end.Format(DateLayout))
	}

	return Period{
		StartDate: start.Format(DateLayout),
		EndDate:   end.Format(DateLayout),
		Nights:    nights,
		Subtype:   subtype,
	}, nil
}

// ParseDate reads the date portion of YYYY-MM-DD or YYYYMMDD values, with or
// without a trailing time and zone. The result is midnight UTC.
func ParseDate(value string) (time.Time, error) {
	v := strings.TrimSpace(value)

	var (
		layout string
		date   string
	)
	switch {
	case len(v) >= 10 && v[4] == '-':
		layout, date = DateLayout, v[:10]
	case len(v) >= 8:
		layout, date = basicDateLayout, v[:8]
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, value)
	}

	t, err := time.Parse(layout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, value)
	}
	return t, nil
}

// Nights returns the number of started days between start and end.
func Nights(start, end time.Time) int {
	return int(math.Ceil(end.Sub(start).Hours() / 24))
}

// Subtype maps a category to a blocked-period subtype. Channel API records
// must be in the block allow-list; iCal records may also be reservations.
func Subtype(category, source string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(category))

	switch {
	case c == CategoryMaintenance:
		return models.SubtypeMaintenance, nil
	case isBlockLike(c):
		return models.SubtypeSimple, nil
	case source == models.SourceICal:
		return models.SubtypeReservation, nil
	}
	return "", fmt.Errorf("%w: %q", ErrCategoryNotAllowed, category)
}

// ChannelCategories is the type filter sent to the channel API.
var ChannelCategories = []string{CategoryBlocked, CategoryMaintenance}

// AllowedChannelCategory reports whether a channel API record of this
// category is processed.
func AllowedChannelCategory(category string) bool {
	c := strings.ToLower(strings.TrimSpace(category))
	for _, allowed := range ChannelCategories {
		if c == allowed {
			return true
		}
	}
	return false
}

var blockLike = []string{"blocked", "block", "closed", "unavailable", "not available"}

func isBlockLike(c string) bool {
	for _, b := range blockLike {
		if c == b {
			return true
		}
	}
	return false
}

// ClassifySummary derives a category from an iCal SUMMARY. Channels label
// owner blocks "Not available", "Blocked" or "Closed"; anything else is a
// guest reservation.
func ClassifySummary(summary string) string {
	s := strings.ToLower(summary)
	switch {
	case strings.Contains(s, "maintenance"):
		return CategoryMaintenance
	case strings.Contains(s, "not available"),
		strings.Contains(s, "unavailable"),
		strings.Contains(s, "blocked"),
		strings.Contains(s, "closed"):
		return CategoryBlocked
	default:
		return CategoryReservation
	}
}

// AddDays shifts a YYYY-MM-DD date.
func AddDays(date string, days int) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, days).Format(DateLayout), nil
}
