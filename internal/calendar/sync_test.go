package calendar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rental-calendar-sync/backend/internal/identity"
	"github.com/rental-calendar-sync/backend/internal/period"
	"github.com/rental-calendar-sync/backend/internal/reconcile"
	"github.com/rental-calendar-sync/backend/internal/storage"
	"github.com/rental-calendar-sync/backend/internal/storage/models"
	"github.com/rental-calendar-sync/backend/internal/validation"
)

const (
	orgID      = "org-1"
	propertyID = "0b6f3c1e-8a52-4d1f-9c3e-2f7a4b5c6d7e"
	otherProp  = "5d9e2a7b-1c3f-4e8d-a6b2-9f0c1d2e3f4a"
)

type syncEnv struct {
	svc      *SyncService
	feeds    *storage.FeedRepository
	periods  *storage.BlockedPeriodRepository
	issues   *storage.IssueRepository
	identity *storage.IdentityRepository
	engine   *reconcile.Engine
	notifier *recordingNotifier
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []*models.ICalSyncResult
	failed    []string
}

func (n *recordingNotifier) ICalSyncCompleted(orgID string, result *models.ICalSyncResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, result)
}

func (n *recordingNotifier) FeedSyncFailed(orgID string, feed models.ListingFeed, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, feed.ID)
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}

	e := &syncEnv{
		feeds:    storage.NewFeedRepository(db),
		periods:  storage.NewBlockedPeriodRepository(db),
		issues:   storage.NewIssueRepository(db),
		identity: storage.NewIdentityRepository(db),
		notifier: &recordingNotifier{},
	}
	e.engine = reconcile.NewEngine(e.periods, storage.NewBookingRepository(db))

	e.svc = NewSyncService(
		e.feeds,
		NewFetcher(testICalConfig()),
		identity.NewResolver(e.identity),
		e.engine,
		e.issues,
		testICalConfig(),
		50,
	)
	e.svc.SetNotifier(e.notifier)
	e.svc.SetClock(func() time.Time { return time.Date(2025, 12, 1, 9, 30, 0, 0, time.UTC) })
	return e
}

func (e *syncEnv) addFeed(t *testing.T, ref, platform, url string) *models.ListingFeed {
	t.Helper()
	feed := &models.ListingFeed{
		OrganizationID: orgID,
		PropertyRef:    ref,
		Platform:       platform,
		URL:            url,
		Enabled:        true,
	}
	if err := e.feeds.Create(context.Background(), feed); err != nil {
		t.Fatalf("Create feed: %v", err)
	}
	return feed
}

func serveICS(t *testing.T, doc string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		_, _ = w.Write([]byte(doc))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func holidayFeed() string {
	lines := vevent("UID:xmas", "DTSTART;VALUE=DATE:20251224", "SUMMARY:Reserved")
	lines = append(lines, vevent("UID:owner", "DTSTART;VALUE=DATE:20251227", "DTEND;VALUE=DATE:20251230", "SUMMARY:Airbnb (Not available)")...)
	lines = append(lines, vevent("UID:gone", "DTSTART;VALUE=DATE:20251220", "DTEND;VALUE=DATE:20251222", "STATUS:CANCELLED")...)
	return ics(lines...)
}

func TestWindowDefaults(t *testing.T) {
	e := newSyncEnv(t)

	w, err := e.svc.Window(Request{})
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if w.From != "2025-12-01" || w.To != "2026-12-01" {
		t.Errorf("window = %+v", w)
	}

	if _, err := e.svc.Window(Request{From: "2025-02-01", To: "2025-01-01"}); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("reversed window err = %v", err)
	}

	w, err = e.svc.Window(Request{To: "2025-12-10"})
	if err != nil || w.From != "2025-12-01" || w.To != "2025-12-10" {
		t.Errorf("window = %+v, err = %v", w, err)
	}
}

func TestSyncSecondRunOnlyUpdates(t *testing.T) {
	ctx := context.Background()
	e := newSyncEnv(t)
	srv := serveICS(t, holidayFeed())
	feed := e.addFeed(t, propertyID, models.PlatformAirbnb, srv.URL)

	first, err := e.svc.Sync(ctx, orgID, Request{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	want := models.ICalSyncStats{Listings: 1, FetchedEvents: 2, Considered: 2, Saved: 2}
	if !first.Success || first.Stats != want {
		t.Fatalf("first = %+v", first)
	}

	second, err := e.svc.Sync(ctx, orgID, Request{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if second.Stats.Saved != 0 || second.Stats.Errors != 0 || second.Stats.Updated != 2 {
		t.Fatalf("second = %+v", second.Stats)
	}

	periods, err := e.periods.ListByProperty(ctx, orgID, propertyID)
	if err != nil {
		t.Fatalf("ListByProperty: %v", err)
	}
	if len(periods) != 2 {
		t.Fatalf("got %d periods", len(periods))
	}
	byStart := map[string]models.BlockedPeriod{}
	for _, p := range periods {
		byStart[p.StartDate] = p
	}
	xmas := byStart["2025-12-24"]
	if xmas.EndDate != "2025-12-25" || xmas.Nights != 1 || xmas.Subtype != models.SubtypeReservation || xmas.Source != models.SourceICal {
		t.Errorf("xmas = %+v", xmas)
	}
	owner := byStart["2025-12-27"]
	if owner.Subtype != models.SubtypeSimple || owner.Nights != 3 || owner.Reason != "Airbnb (Not available)" {
		t.Errorf("owner = %+v", owner)
	}
	if prov, ok := reconcile.ParseProvenance(owner.Notes); !ok || prov.UID != "owner" || prov.Platform != models.PlatformAirbnb {
		t.Errorf("provenance = %+v", prov)
	}

	stored, err := e.feeds.GetByID(ctx, orgID, feed.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.SyncStatus != models.SyncStatusSuccess || stored.LastSyncAt == nil {
		t.Errorf("feed = %+v", stored)
	}
	if len(e.notifier.completed) != 2 {
		t.Errorf("notifications = %d", len(e.notifier.completed))
	}
}

func TestSyncFeedFailureIsScopedToFeed(t *testing.T) {
	ctx := context.Background()
	e := newSyncEnv(t)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer broken.Close()
	good := serveICS(t, holidayFeed())

	bad := e.addFeed(t, otherProp, models.PlatformBooking, broken.URL)
	e.addFeed(t, propertyID, models.PlatformAirbnb, good.URL)

	result, err := e.svc.Sync(ctx, orgID, Request{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !result.Success {
		t.Error("a failing feed failed the whole run")
	}
	if result.Stats.Listings != 2 || result.Stats.Saved != 2 || result.Stats.Errors != 1 || result.Stats.FailedFeeds != 1 {
		t.Errorf("stats = %+v", result.Stats)
	}
	if len(result.ErrorDetails) != 1 || result.ErrorDetails[0].ExternalID != bad.ID {
		t.Errorf("details = %+v", result.ErrorDetails)
	}

	stored, _ := e.feeds.GetByID(ctx, orgID, bad.ID)
	if stored.SyncStatus != models.SyncStatusError || stored.SyncError == nil || stored.LastSyncAt != nil {
		t.Errorf("failed feed = %+v", stored)
	}
	if len(e.notifier.failed) != 1 || e.notifier.failed[0] != bad.ID {
		t.Errorf("failed notifications = %v", e.notifier.failed)
	}
}

func TestSyncRecordsIssues(t *testing.T) {
	ctx := context.Background()
	e := newSyncEnv(t)

	lines := vevent("UID:nodate", "SUMMARY:Blocked")
	lines = append(lines, vevent("UID:ok", "DTSTART;VALUE=DATE:20251210", "DTEND;VALUE=DATE:20251212", "SUMMARY:Blocked")...)
	srv := serveICS(t, ics(lines...))

	e.addFeed(t, propertyID, models.PlatformVrbo, srv.URL)
	unmapped := e.addFeed(t, "vrbo-listing-7788", models.PlatformVrbo, srv.URL)

	result, err := e.svc.Sync(ctx, orgID, Request{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Stats.Listings != 2 || result.Stats.Saved != 1 || result.Stats.Skipped != 2 || result.Stats.Errors != 0 {
		t.Errorf("stats = %+v", result.Stats)
	}

	issues, total, err := e.issues.List(ctx, storage.IssueQuery{OrganizationID: orgID, Status: models.IssueStatusOpen})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 {
		t.Fatalf("issues = %+v", issues)
	}
	kinds := map[string]models.UnresolvedIssue{}
	for _, is := range issues {
		kinds[is.Kind] = is
	}
	if is, ok := kinds[models.IssueUnresolvedIdentity]; !ok || is.ExternalID != unmapped.ID || is.Candidates[0] != "vrbo-listing-7788" {
		t.Errorf("identity issue = %+v", is)
	}
	if is, ok := kinds[models.IssueInvalidPeriod]; !ok || is.ExternalID != "nodate" {
		t.Errorf("period issue = %+v", is)
	}

	// A mapping added by an operator makes the next run succeed.
	if err := e.identity.Put(ctx, orgID, string(identity.FieldLegacyListingID), "vrbo-listing-7788", otherProp); err != nil {
		t.Fatalf("Put: %v", err)
	}
	result, err = e.svc.Sync(ctx, orgID, Request{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Stats.Saved != 1 || result.Stats.Updated != 1 {
		t.Errorf("after mapping = %+v", result.Stats)
	}
}

func TestSyncFilters(t *testing.T) {
	ctx := context.Background()
	e := newSyncEnv(t)
	srv := serveICS(t, holidayFeed())

	e.addFeed(t, propertyID, models.PlatformAirbnb, srv.URL)
	e.addFeed(t, otherProp, models.PlatformBooking, srv.URL)
	e.addFeed(t, "unmapped-ref", models.PlatformOther, srv.URL)

	tests := []struct {
		name     string
		req      Request
		listings int
	}{
		{"property", Request{PropertyID: otherProp}, 1},
		{"property case insensitive", Request{PropertyID: "0B6F3C1E-8A52-4D1F-9C3E-2F7A4B5C6D7E"}, 1},
		{"platform", Request{Platforms: []string{models.PlatformAirbnb, models.PlatformBooking}}, 2},
		{"all", Request{}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.svc.Sync(ctx, orgID, tt.req)
			if err != nil {
				t.Fatalf("Sync: %v", err)
			}
			if result.Stats.Listings != tt.listings {
				t.Errorf("listings = %d, want %d", result.Stats.Listings, tt.listings)
			}
		})
	}
}

func TestSyncSkipsEventsOutsideWindow(t *testing.T) {
	e := newSyncEnv(t)
	srv := serveICS(t, holidayFeed())
	e.addFeed(t, propertyID, models.PlatformAirbnb, srv.URL)

	result, err := e.svc.Sync(context.Background(), orgID, Request{From: "2025-12-25", To: "2025-12-31"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Range.From != "2025-12-25" || result.Range.To != "2025-12-31" {
		t.Errorf("range = %+v", result.Range)
	}
	if result.Stats.FetchedEvents != 2 || result.Stats.Considered != 1 || result.Stats.Saved != 1 || result.Stats.Skipped != 1 {
		t.Errorf("stats = %+v", result.Stats)
	}
}

func TestSyncReportsOverlapWithChannelBlock(t *testing.T) {
	ctx := context.Background()
	e := newSyncEnv(t)

	p, err := period.Normalize(period.Raw{Category: "blocked", Start: "2025-12-26", End: "2025-12-29", Source: models.SourceChannelAPI})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if _, err := e.engine.Apply(ctx, reconcile.Input{
		OrganizationID: orgID,
		PropertyID:     propertyID,
		Period:         p,
		Reason:         "Owner stay",
		Source:         models.SourceChannelAPI,
		CreatedBy:      reconcile.CreatedBy,
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	srv := serveICS(t, holidayFeed())
	e.addFeed(t, propertyID, models.PlatformAirbnb, srv.URL)

	result, err := e.svc.Sync(ctx, orgID, Request{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Stats.Saved != 2 || result.Stats.Errors != 0 {
		t.Errorf("stats = %+v", result.Stats)
	}

	issues, _, err := e.issues.List(ctx, storage.IssueQuery{OrganizationID: orgID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(issues) != 1 || issues[0].Kind != models.IssueOverlappingPeriod || issues[0].ExternalID != "owner" {
		t.Errorf("issues = %+v", issues)
	}
}

func TestSyncRejectsBadRequest(t *testing.T) {
	e := newSyncEnv(t)

	_, err := e.svc.Sync(context.Background(), orgID, Request{Platforms: []string{"myspace"}})
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		t.Errorf("err = %v", err)
	}

	_, err = e.svc.Sync(context.Background(), orgID, Request{From: "2025-03-01", To: "2025-03-01"})
	if !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("err = %v", err)
	}
}
