package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rental-calendar-sync/backend/internal/config"
	"github.com/rental-calendar-sync/backend/internal/identity"
	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/metrics"
	"github.com/rental-calendar-sync/backend/internal/period"
	"github.com/rental-calendar-sync/backend/internal/reconcile"
	"github.com/rental-calendar-sync/backend/internal/report"
	"github.com/rental-calendar-sync/backend/internal/storage"
	"github.com/rental-calendar-sync/backend/internal/storage/models"
	"github.com/rental-calendar-sync/backend/internal/validation"
)

// ErrInvalidWindow is returned when to is not after from.
var ErrInvalidWindow = errors.New("to must be after from")

// Request is the body of an iCal sync call. All fields are optional.
type Request struct {
	PropertyID string   `json:"propertyId,omitempty"`
	Platforms  []string `json:"platforms,omitempty" validate:"omitempty,dive,oneof=airbnb booking vrbo other"`
	From       string   `json:"from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	To         string   `json:"to,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Debug      bool     `json:"debug,omitempty"`
}

// FeedFetcher downloads and parses one feed.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) ([]models.CalendarEvent, error)
}

// Notifier is told about finished syncs and failing feeds.
type Notifier interface {
	ICalSyncCompleted(orgID string, result *models.ICalSyncResult)
	FeedSyncFailed(orgID string, feed models.ListingFeed, err error)
}

// SyncService synchronizes listing feeds into blocked periods.
type SyncService struct {
	feeds      *storage.FeedRepository
	fetcher    FeedFetcher
	resolver   *identity.Resolver
	engine     *reconcile.Engine
	issues     report.IssueStore
	cfg        config.ICalConfig
	maxDetails int
	notifier   Notifier
	now        func() time.Time
}

// NewSyncService creates a new iCal sync service.
func NewSyncService(
	feeds *storage.FeedRepository,
	fetcher FeedFetcher,
	resolver *identity.Resolver,
	engine *reconcile.Engine,
	issues report.IssueStore,
	cfg config.ICalConfig,
	maxDetails int,
) *SyncService {
	return &SyncService{
		feeds:      feeds,
		fetcher:    fetcher,
		resolver:   resolver,
		engine:     engine,
		issues:     issues,
		cfg:        cfg,
		maxDetails: maxDetails,
		now:        time.Now,
	}
}

// SetNotifier registers a receiver of sync events.
func (s *SyncService) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetClock overrides the time source used for the default window.
func (s *SyncService) SetClock(now func() time.Time) {
	s.now = now
}

// Window returns the sync range for req: the requested dates, or today minus
// the configured lookback up to today plus the lookahead.
func (s *SyncService) Window(req Request) (models.DateRange, error) {
	today := s.now().UTC().Truncate(24 * time.Hour)

	w := models.DateRange{From: req.From, To: req.To}
	if w.From == "" {
		w.From = today.AddDate(0, 0, -s.cfg.LookbackDays).Format(period.DateLayout)
	}
	if w.To == "" {
		lookahead := s.cfg.LookaheadDays
		if lookahead <= 0 {
			lookahead = 365
		}
		w.To = today.AddDate(0, 0, lookahead).Format(period.DateLayout)
	}
	if w.To <= w.From {
		return w, ErrInvalidWindow
	}
	return w, nil
}

// run holds the state of one Sync call.
type run struct {
	orgID    string
	req      Request
	window   models.DateRange
	from, to time.Time
	ids      *identity.Run
	reporter *report.Reporter
	stats    models.ICalSyncStats
	failed   int
}

// Sync fetches every enabled feed of the organization matching req and
// reconciles its events. A failing feed is recorded and marked in error; the
// remaining feeds are still synced. The returned error is non-nil only when
// the sync could not start.
func (s *SyncService) Sync(ctx context.Context, orgID string, req Request) (*models.ICalSyncResult, error) {
	if err := validation.ValidateStruct(req); err != nil {
		return nil, err
	}
	window, err := s.Window(req)
	if err != nil {
		return nil, err
	}
	from, _ := period.ParseDate(window.From)
	to, _ := period.ParseDate(window.To)

	feeds, err := s.feeds.ListEnabled(ctx, orgID, storage.FeedFilter{Platforms: req.Platforms})
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}

	started := s.now()
	ctx = logging.ContextWithRunID(ctx, logging.NewRunID())
	log := logging.Ctx(ctx)
	log.Info().
		Str("organization_id", orgID).
		Str("from", window.From).
		Str("to", window.To).
		Int("feeds", len(feeds)).
		Msg("iCal sync started")

	r := &run{
		orgID:  orgID,
		req:    req,
		window: window,
		from:   from,
		to:     to,
		ids:    s.resolver.NewRun(orgID),
		reporter: report.New(orgID, models.SourceICal, s.issues, report.Options{
			MaxDetails: s.maxDetails,
			Debug:      req.Debug,
		}),
	}

	for _, feed := range feeds {
		if ctx.Err() != nil {
			log.Warn().Err(ctx.Err()).Msg("iCal sync interrupted")
			break
		}
		s.syncFeed(ctx, r, feed)
	}

	stats := r.reporter.Stats()
	r.stats.FetchedEvents = stats.Fetched
	r.stats.Saved = stats.Saved
	r.stats.Updated = stats.Updated
	r.stats.Skipped = stats.Skipped
	r.stats.Errors = stats.Errors
	r.stats.FailedFeeds = r.failed

	result := &models.ICalSyncResult{
		Success:      ctx.Err() == nil,
		Range:        window,
		Stats:        r.stats,
		ErrorDetails: r.reporter.Details(),
	}

	s.finish(ctx, r, result, s.now().Sub(started))
	return result, nil
}

func (s *SyncService) finish(ctx context.Context, r *run, result *models.ICalSyncResult, elapsed time.Duration) {
	r.reporter.Publish()

	outcome := "success"
	switch {
	case !result.Success:
		outcome = "failed"
	case r.failed > 0:
		outcome = "partial"
	}
	metrics.ObserveRun(metrics.SourceICal, outcome, elapsed)

	logging.Ctx(ctx).Info().
		Str("organization_id", r.orgID).
		Bool("success", result.Success).
		Int("listings", result.Stats.Listings).
		Int("failed_feeds", r.failed).
		Int("fetched_events", result.Stats.FetchedEvents).
		Int("considered", result.Stats.Considered).
		Int("saved", result.Stats.Saved).
		Int("updated", result.Stats.Updated).
		Int("skipped", result.Stats.Skipped).
		Int("errors", result.Stats.Errors).
		Dur("elapsed", elapsed).
		Msg("iCal sync finished")

	if s.notifier != nil {
		s.notifier.ICalSyncCompleted(r.orgID, result)
	}
}

// syncFeed handles one listing. Errors stay scoped to the feed.
func (s *SyncService) syncFeed(ctx context.Context, r *run, feed models.ListingFeed) {
	log := logging.Ctx(ctx).With().Str("feed_id", feed.ID).Str("platform", feed.Platform).Logger()

	res, err := r.ids.Resolve(ctx, []string{feed.PropertyRef})
	if err != nil {
		if r.req.PropertyID != "" {
			// Cannot be the requested property.
			return
		}
		r.stats.Listings++
		var unresolved *identity.UnresolvedError
		if errors.As(err, &unresolved) {
			r.reporter.SkipWithIssue(ctx, report.Issue{
				Kind:       models.IssueUnresolvedIdentity,
				ExternalID: feed.ID,
				Candidates: unresolved.Candidates,
				Message:    fmt.Sprintf("feed property reference: %v", err),
			})
		} else {
			r.reporter.Error(ctx, feed.ID, err)
		}
		s.markFeed(ctx, feed, err)
		return
	}
	if r.req.PropertyID != "" && !strings.EqualFold(res.PropertyID, r.req.PropertyID) {
		return
	}
	r.stats.Listings++

	if err := s.feeds.UpdateSyncStatus(ctx, feed.ID, models.SyncStatusSyncing, nil); err != nil {
		log.Warn().Err(err).Msg("Failed to update feed sync status")
	}

	events, err := s.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		r.failed++
		metrics.RemoteFetchErrors.WithLabelValues(metrics.SourceICal).Inc()
		r.reporter.Error(ctx, feed.ID, fmt.Errorf("fetching feed: %w", err))
		log.Error().Err(err).Msg("iCal feed fetch failed")
		s.markFeed(ctx, feed, err)
		if s.notifier != nil {
			s.notifier.FeedSyncFailed(r.orgID, feed, err)
		}
		return
	}

	events = Expand(ctx, events, r.from, r.to, s.cfg.MaxOccurrences)
	r.reporter.Fetched(len(events))

	for i := range events {
		s.processEvent(ctx, r, feed, res.PropertyID, &events[i])
	}

	s.markFeed(ctx, feed, nil)
	log.Debug().Int("events", len(events)).Str("property_id", res.PropertyID).Msg("iCal feed synced")
}

func (s *SyncService) markFeed(ctx context.Context, feed models.ListingFeed, syncErr error) {
	status := models.SyncStatusSuccess
	var msg *string
	if syncErr != nil {
		status = models.SyncStatusError
		m := syncErr.Error()
		msg = &m
	}
	if err := s.feeds.UpdateSyncStatus(ctx, feed.ID, status, msg); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("feed_id", feed.ID).Msg("Failed to update feed sync status")
	}
}

func (s *SyncService) processEvent(ctx context.Context, r *run, feed models.ListingFeed, propertyID string, ev *models.CalendarEvent) {
	norm, err := period.Normalize(period.Raw{
		Category: period.ClassifySummary(ev.Summary),
		Start:    ev.Start,
		End:      ev.End,
		Source:   models.SourceICal,
	})
	if err != nil {
		r.reporter.SkipWithIssue(ctx, report.Issue{
			Kind:       models.IssueInvalidPeriod,
			ExternalID: ev.UID,
			Candidates: []string{feed.PropertyRef},
			StartDate:  ev.Start,
			EndDate:    ev.End,
			Message:    err.Error(),
		})
		return
	}

	if norm.EndDate <= r.window.From || norm.StartDate >= r.window.To {
		r.reporter.Skipped(ev.UID, "outside sync window")
		return
	}
	r.stats.Considered++

	reason := strings.TrimSpace(ev.Summary)
	if reason == "" {
		reason = reconcile.DefaultReason(norm.Subtype)
	}
	in := reconcile.Input{
		OrganizationID: r.orgID,
		PropertyID:     propertyID,
		Period:         norm,
		Reason:         reason,
		Notes: reconcile.Provenance{
			Source:            models.SourceICal,
			UID:               ev.UID,
			Platform:          feed.Platform,
			ExternalListingID: feed.PropertyRef,
		}.Notes(),
		Source:    models.SourceICal,
		CreatedBy: reconcile.CreatedBy,
	}

	out, err := s.engine.Apply(ctx, in)
	if err != nil {
		r.reporter.Error(ctx, ev.UID, err)
		return
	}
	if out.Inserted {
		r.reporter.Saved()
	} else {
		r.reporter.Updated()
	}
	for _, other := range out.Overlaps {
		r.reporter.Record(ctx, report.Issue{
			Kind:       models.IssueOverlappingPeriod,
			ExternalID: ev.UID,
			Candidates: []string{propertyID},
			StartDate:  norm.StartDate,
			EndDate:    norm.EndDate,
			Message:    reconcile.OverlapMessage(in, other),
		})
	}
}
