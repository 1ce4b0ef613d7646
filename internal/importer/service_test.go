package importer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/rental-calendar-sync/backend/internal/channel"
	"github.com/rental-calendar-sync/backend/internal/config"
	"github.com/rental-calendar-sync/backend/internal/identity"
	"github.com/rental-calendar-sync/backend/internal/reconcile"
	"github.com/rental-calendar-sync/backend/internal/storage"
	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

const (
	orgID      = "org-1"
	propertyID = "0b6f3c1e-8a52-4d1f-9c3e-2f7a4b5c6d7e"
)

type env struct {
	svc      *Service
	periods  *storage.BlockedPeriodRepository
	bookings *storage.BookingRepository
	issues   *storage.IssueRepository
	identity *storage.IdentityRepository
	requests atomic.Int32
}

// fakeAPI pages through total records, or fails every call with status.
type fakeAPI struct {
	total   int
	records func(i int) channel.Reservation
	status  int
	onPage  func(skip int)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if f.onPage != nil {
		f.onPage(skip)
	}

	page := []channel.Reservation{}
	for i := skip; i < f.total && i < skip+limit; i++ {
		page = append(page, f.records(i))
	}
	_ = json.NewEncoder(w).Encode(page)
}

func blockRecord(i int) channel.Reservation {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	return channel.Reservation{
		ID:         fmt.Sprintf("R-%d", i),
		ListingRef: propertyID,
		Type:       "blocked",
		CheckIn:    start.Format("2006-01-02"),
		CheckOut:   start.AddDate(0, 0, 1).Format("2006-01-02"),
	}
}

func newEnv(t *testing.T, api http.Handler) *env {
	t.Helper()
	e := &env{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.requests.Add(1)
		api.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}

	orgs := storage.NewOrganizationRepository(db)
	if err := orgs.Create(context.Background(), &models.Organization{
		ID: orgID, Name: "Test", ChannelBaseURL: srv.URL, ChannelAPIKey: "k", ChannelAPISecret: "s",
	}); err != nil {
		t.Fatalf("Create org: %v", err)
	}

	e.periods = storage.NewBlockedPeriodRepository(db)
	e.bookings = storage.NewBookingRepository(db)
	e.issues = storage.NewIssueRepository(db)
	e.identity = storage.NewIdentityRepository(db)

	cfg := config.Default().Import
	resolver := identity.NewResolver(e.identity)
	e.svc = NewService(
		orgs,
		channel.NewPool(channel.Options{RequestsPerSecond: 1000, Burst: 10, BreakerFailures: 100, BreakerTimeout: time.Minute}),
		resolver,
		reconcile.NewEngine(e.periods, e.bookings),
		reconcile.NewMigrator(e.bookings, resolver, e.issues, cfg.MigrationBatchCap),
		e.issues,
		cfg,
		"",
	)
	return e
}

func januaryRequest() Request {
	return Request{From: "2025-01-01", To: "2025-01-31", Limit: 20}
}

func TestRunPaginatesUntilShortPage(t *testing.T) {
	e := newEnv(t, &fakeAPI{total: 25, records: blockRecord})

	result, err := e.svc.Run(context.Background(), orgID, januaryRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.Stats.Fetched != 25 || result.Stats.Saved != 25 {
		t.Errorf("stats = %+v", result.Stats)
	}
	if result.Next.HasMore || result.Next.Skip != 25 {
		t.Errorf("next = %+v, want hasMore=false skip=25", result.Next)
	}
	if result.Pages != 2 || result.StopReason != models.StopExhausted {
		t.Errorf("pages = %d, stop = %s", result.Pages, result.StopReason)
	}
	if n, _ := e.periods.CountByOrganization(context.Background(), orgID); n != 25 {
		t.Errorf("stored = %d, want 25", n)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	e := newEnv(t, &fakeAPI{total: 25, records: blockRecord})
	ctx := context.Background()

	if _, err := e.svc.Run(ctx, orgID, januaryRequest()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	result, err := e.svc.Run(ctx, orgID, januaryRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Stats.Saved != 0 || result.Stats.Updated != 25 || result.Stats.Errors != 0 {
		t.Errorf("second stats = %+v", result.Stats)
	}
	if n, _ := e.periods.CountByOrganization(ctx, orgID); n != 25 {
		t.Errorf("stored = %d, want 25", n)
	}
}

func TestRunStopsAtMaxPages(t *testing.T) {
	tests := []struct {
		name        string
		total       int
		wantHasMore bool
		wantSkip    int
	}{
		{"full last page", 100, true, 40},
		{"exact fit", 40, true, 40},
		{"short last page", 35, false, 35},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, &fakeAPI{total: tt.total, records: blockRecord})
			req := januaryRequest()
			req.MaxPages = 2

			result, err := e.svc.Run(context.Background(), orgID, req)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if result.Next.HasMore != tt.wantHasMore || result.Next.Skip != tt.wantSkip {
				t.Errorf("next = %+v, want hasMore=%v skip=%d", result.Next, tt.wantHasMore, tt.wantSkip)
			}
			if result.Pages != 2 {
				t.Errorf("pages = %d", result.Pages)
			}
		})
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRunStopsWhenBudgetExceeded(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := newEnv(t, &fakeAPI{
		total:   100,
		records: blockRecord,
		onPage:  func(int) { clock.Advance(10 * time.Second) },
	})
	e.svc.SetClock(clock.Now)

	req := januaryRequest()
	req.MaxPages = 10
	req.MaxRuntimeMs = 25000

	result, err := e.svc.Run(context.Background(), orgID, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.StopReason != models.StopBudget {
		t.Errorf("stop = %s", result.StopReason)
	}
	if result.Pages != 3 || result.Stats.Fetched != 60 {
		t.Errorf("pages = %d, fetched = %d", result.Pages, result.Stats.Fetched)
	}
	if !result.Next.HasMore || result.Next.Skip != 60 {
		t.Errorf("next = %+v", result.Next)
	}

	// Resuming from the cursor picks up where the run stopped.
	req.Skip = result.Next.Skip
	req.MaxRuntimeMs = 0
	result, err = e.svc.Run(context.Background(), orgID, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stats.Fetched != 40 || result.Stats.Saved != 40 || result.Next.HasMore {
		t.Errorf("resumed = %+v", result)
	}
}

func TestRunFetchesFirstPageEvenWithSpentBudget(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := newEnv(t, &fakeAPI{
		total:   5,
		records: blockRecord,
		onPage:  func(int) { clock.Advance(time.Hour) },
	})
	e.svc.SetClock(clock.Now)

	req := januaryRequest()
	req.MaxRuntimeMs = 1
	result, err := e.svc.Run(context.Background(), orgID, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stats.Fetched != 5 || result.Next.HasMore {
		t.Errorf("result = %+v", result)
	}
}

func TestRunRemoteFailureAbortsRun(t *testing.T) {
	e := newEnv(t, &fakeAPI{status: http.StatusInternalServerError})

	result, err := e.svc.Run(context.Background(), orgID, januaryRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success || result.StopReason != models.StopFailed || result.Error == "" {
		t.Errorf("result = %+v", result)
	}
	if result.Next.HasMore {
		t.Error("failed run reported hasMore")
	}
	if e.requests.Load() != 1 {
		t.Errorf("requests = %d, want 1", e.requests.Load())
	}
}

func TestRunSkipsAndReportsBadRecords(t *testing.T) {
	records := []channel.Reservation{
		{ID: "ok", ListingRef: propertyID, Type: "maintenance", CheckIn: "2025-01-02", CheckOut: "2025-01-04"},
		{ID: "unmapped", ListingRef: "not-a-known-listing", Type: "blocked", CheckIn: "2025-01-02", CheckOut: "2025-01-04"},
		{ID: "no-dates", ListingRef: propertyID, Type: "blocked"},
		{ID: "zero-nights", ListingRef: propertyID, Type: "blocked", CheckIn: "2025-01-05", CheckOut: "2025-01-05"},
		{ID: "guest", ListingRef: propertyID, Type: "reservation", CheckIn: "2025-01-05", CheckOut: "2025-01-07"},
		{ID: "mapped", ListingID: "L-77", Type: "blocked", CheckIn: "2025-01-10", CheckOut: "2025-01-11"},
		{ID: "coerced", ListingRef: "64b7f0c2a1d3e4f5a6b7c8d9", Type: "blocked", CheckIn: "2025-01-12", CheckOut: "2025-01-13"},
	}
	e := newEnv(t, &fakeAPI{total: len(records), records: func(i int) channel.Reservation { return records[i] }})
	ctx := context.Background()
	if err := e.identity.Put(ctx, orgID, string(identity.FieldLegacyListingID), "L-77", propertyID); err != nil {
		t.Fatalf("Put: %v", err)
	}

	result, err := e.svc.Run(ctx, orgID, januaryRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := models.SyncStats{Fetched: 7, Saved: 3, Skipped: 4}
	if result.Stats != want {
		t.Errorf("stats = %+v, want %+v", result.Stats, want)
	}
	if !result.Success {
		t.Error("item failures should not fail the run")
	}

	issues, total, _ := e.issues.List(ctx, storage.IssueQuery{OrganizationID: orgID, Status: "open", Limit: 10})
	if total != 3 {
		t.Fatalf("issues = %+v", issues)
	}
	kinds := map[string]int{}
	for _, issue := range issues {
		kinds[issue.Kind]++
		if issue.Kind == models.IssueUnresolvedIdentity && (len(issue.Candidates) != 1 || issue.Candidates[0] != "not-a-known-listing") {
			t.Errorf("candidates = %v", issue.Candidates)
		}
	}
	if kinds[models.IssueUnresolvedIdentity] != 1 || kinds[models.IssueInvalidPeriod] != 2 {
		t.Errorf("kinds = %v", kinds)
	}

	coerced, _ := identity.Coerce("64b7f0c2a1d3e4f5a6b7c8d9")
	rows, _ := e.periods.ListByProperty(ctx, orgID, coerced)
	if len(rows) != 1 {
		t.Errorf("coerced property rows = %d", len(rows))
	}
}

func TestRunSelectedProperties(t *testing.T) {
	other := "1c2d3e4f-5a6b-4c7d-8e9f-0a1b2c3d4e5f"
	records := []channel.Reservation{
		{ID: "a", ListingRef: propertyID, Type: "blocked", CheckIn: "2025-01-02", CheckOut: "2025-01-03"},
		{ID: "b", ListingRef: other, Type: "blocked", CheckIn: "2025-01-02", CheckOut: "2025-01-03"},
	}
	e := newEnv(t, &fakeAPI{total: len(records), records: func(i int) channel.Reservation { return records[i] }})

	req := januaryRequest()
	req.SelectedPropertyIDs = []string{propertyID}
	result, err := e.svc.Run(context.Background(), orgID, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stats.Saved != 1 || result.Stats.Skipped != 1 {
		t.Errorf("stats = %+v", result.Stats)
	}
}

func TestRunMigratesBeforeFetching(t *testing.T) {
	e := newEnv(t, &fakeAPI{total: 0, records: blockRecord})
	ctx := context.Background()

	b := models.Booking{ID: "legacy", OrganizationID: orgID, PropertyID: propertyID, CheckIn: "2025-01-03", CheckOut: "2025-01-05", SourceType: models.SourceTypeMaintenance}
	if err := e.bookings.Create(ctx, &b); err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := e.svc.Run(ctx, orgID, januaryRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Migration == nil || result.Migration.Migrated != 1 || result.Migration.Deleted != 1 {
		t.Errorf("migration = %+v", result.Migration)
	}
	if got, _ := e.bookings.GetByID(ctx, orgID, "legacy"); got != nil {
		t.Error("booking not removed")
	}
}

func TestRunSelectedPropertiesIgnoreCase(t *testing.T) {
	other := "1c2d3e4f-5a6b-4c7d-8e9f-0a1b2c3d4e5f"
	records := []channel.Reservation{
		{ID: "a", ListingRef: propertyID, Type: "blocked", CheckIn: "2025-01-02", CheckOut: "2025-01-03"},
	}
	e := newEnv(t, &fakeAPI{total: len(records), records: func(i int) channel.Reservation { return records[i] }})
	ctx := context.Background()

	for _, b := range []models.Booking{
		{ID: "selected", OrganizationID: orgID, PropertyID: propertyID, CheckIn: "2025-01-10", CheckOut: "2025-01-12", SourceType: models.SourceTypeBlocked},
		{ID: "other", OrganizationID: orgID, PropertyID: other, CheckIn: "2025-01-10", CheckOut: "2025-01-12", SourceType: models.SourceTypeBlocked},
	} {
		b := b
		if err := e.bookings.Create(ctx, &b); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	req := januaryRequest()
	req.SelectedPropertyIDs = []string{" " + strings.ToUpper(propertyID) + " "}
	result, err := e.svc.Run(ctx, orgID, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stats.Saved != 1 {
		t.Errorf("stats = %+v", result.Stats)
	}
	if result.Migration == nil || result.Migration.Scanned != 1 || result.Migration.Migrated != 1 {
		t.Errorf("migration = %+v", result.Migration)
	}
	if got, _ := e.bookings.GetByID(ctx, orgID, "other"); got == nil {
		t.Error("booking of an unselected property was migrated")
	}
}

func TestRunRejectsBadRequests(t *testing.T) {
	e := newEnv(t, &fakeAPI{records: blockRecord})
	ctx := context.Background()

	if _, err := e.svc.Run(ctx, orgID, Request{From: "2025-01-31", To: "2025-01-01"}); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("reversed window err = %v", err)
	}
	if _, err := e.svc.Run(ctx, orgID, Request{From: "01/01/2025", To: "2025-01-31"}); err == nil {
		t.Error("bad date accepted")
	}
	if _, err := e.svc.Run(ctx, "missing", januaryRequest()); !errors.Is(err, ErrOrganizationNotFound) {
		t.Errorf("missing org err = %v", err)
	}
	if e.requests.Load() != 0 {
		t.Errorf("requests = %d, want 0", e.requests.Load())
	}
}

func TestBudget(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	b := NewBudget(time.Second, clock.Now)
	if b.Exceeded() {
		t.Error("fresh budget exceeded")
	}
	clock.Advance(999 * time.Millisecond)
	if b.Exceeded() {
		t.Error("exceeded early")
	}
	clock.Advance(time.Millisecond)
	if !b.Exceeded() || b.Elapsed() != time.Second {
		t.Errorf("elapsed = %v, exceeded = %v", b.Elapsed(), b.Exceeded())
	}

	unlimited := NewBudget(0, clock.Now)
	clock.Advance(time.Hour)
	if unlimited.Exceeded() {
		t.Error("zero budget expired")
	}
}
