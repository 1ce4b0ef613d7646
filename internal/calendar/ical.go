// Package calendar provides iCal feed retrieval and the listing feed sync.
package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
	"golang.org/x/time/rate"

	"github.com/rental-calendar-sync/backend/internal/config"
	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/period"
	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// StatusCancelled is the STATUS value of withdrawn events.
const StatusCancelled = "CANCELLED"

// DefaultMaxOccurrences caps the expansion of one recurring event when no
// explicit cap is given.
const DefaultMaxOccurrences = 500

var (
	ErrEmptyFeed    = errors.New("empty calendar feed")
	ErrFeedTooLarge = errors.New("calendar feed too large")
)

// FeedStatusError is returned when a feed URL answers with a non-200 status.
type FeedStatusError struct {
	StatusCode int
}

func (e *FeedStatusError) Error() string {
	return fmt.Sprintf("calendar returned status %d", e.StatusCode)
}

// Fetcher downloads iCal feeds.
type Fetcher struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	cfg        config.ICalConfig
}

// NewFetcher creates a feed fetcher.
func NewFetcher(cfg config.ICalConfig) *Fetcher {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Fetcher{
		// Timeouts are applied per request through the context.
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:        cfg,
	}
}

// Fetch downloads and parses one feed.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]models.CalendarEvent, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if f.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FeedStatusError{StatusCode: resp.StatusCode}
	}

	body := io.Reader(resp.Body)
	if f.cfg.MaxBodyBytes > 0 {
		body = io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading calendar: %w", err)
	}
	if f.cfg.MaxBodyBytes > 0 && int64(len(data)) > f.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrFeedTooLarge, f.cfg.MaxBodyBytes)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFeed
	}

	return Parse(bytes.NewReader(data))
}

// Parse reads the VEVENTs of an iCalendar document. Folded lines are joined
// by the parser. Cancelled events are dropped. Date values are kept as
// written; only their date portion is significant downstream.
func Parse(r io.Reader) ([]models.CalendarEvent, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parsing calendar: %w", err)
	}

	var events []models.CalendarEvent
	for _, ve := range cal.Events() {
		ev := eventFrom(ve)
		if strings.EqualFold(ev.Status, StatusCancelled) {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func eventFrom(ve *ical.VEvent) models.CalendarEvent {
	ev := models.CalendarEvent{
		UID:         propertyValue(ve, ical.ComponentPropertyUniqueId),
		Summary:     propertyValue(ve, ical.ComponentPropertySummary),
		Description: propertyValue(ve, ical.ComponentPropertyDescription),
		Status:      strings.ToUpper(propertyValue(ve, ical.ComponentPropertyStatus)),
		Start:       propertyValue(ve, ical.ComponentPropertyDtStart),
		End:         propertyValue(ve, ical.ComponentPropertyDtEnd),
		RRule:       propertyValue(ve, ical.ComponentPropertyRrule),
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ev.ExDates = append(ev.ExDates, part)
			}
		}
	}
	return ev
}

func propertyValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	p := ve.GetProperty(name)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

// Expand replaces recurring events by their occurrences intersecting
// [from, to). Each occurrence keeps the day span of the base event and gets a
// UID suffixed with its start date. Non-recurring events pass through.
// An event whose RRULE cannot be parsed is kept as a single event.
func Expand(ctx context.Context, events []models.CalendarEvent, from, to time.Time, maxPerEvent int) []models.CalendarEvent {
	if maxPerEvent <= 0 {
		maxPerEvent = DefaultMaxOccurrences
	}

	out := make([]models.CalendarEvent, 0, len(events))
	for _, ev := range events {
		if ev.RRule == "" {
			out = append(out, ev)
			continue
		}

		occurrences, err := expandEvent(ev, from, to, maxPerEvent)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("uid", ev.UID).Str("rrule", ev.RRule).Msg("Ignoring unparseable RRULE")
			out = append(out, ev)
			continue
		}
		out = append(out, occurrences...)
	}
	return out
}

func expandEvent(ev models.CalendarEvent, from, to time.Time, maxPerEvent int) ([]models.CalendarEvent, error) {
	start, err := period.ParseDate(ev.Start)
	if err != nil {
		return nil, err
	}
	span := 1
	if ev.End != "" {
		if end, err := period.ParseDate(ev.End); err == nil && period.Nights(start, end) > 1 {
			span = period.Nights(start, end)
		}
	}

	r, err := rrule.StrToRRule(strings.TrimPrefix(ev.RRule, "RRULE:"))
	if err != nil {
		return nil, fmt.Errorf("parsing rrule: %w", err)
	}
	r.DTStart(start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		if t, err := period.ParseDate(ex); err == nil {
			set.ExDate(t)
		}
	}

	// An occurrence intersects the window when it starts before to and ends
	// after from.
	times := set.Between(from.AddDate(0, 0, -span), to, false)
	if len(times) > maxPerEvent {
		times = times[:maxPerEvent]
	}

	out := make([]models.CalendarEvent, 0, len(times))
	for _, t := range times {
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		occ := ev
		occ.UID = ev.UID + "/" + day.Format(period.DateLayout)
		occ.Start = day.Format(period.DateLayout)
		occ.End = day.AddDate(0, 0, span).Format(period.DateLayout)
		occ.RRule = ""
		occ.ExDates = nil
		out = append(out, occ)
	}
	return out, nil
}
