package report

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

type memoryStore struct {
	issues []*models.UnresolvedIssue
	err    error
}

func (m *memoryStore) Record(_ context.Context, issue *models.UnresolvedIssue) error {
	if m.err != nil {
		return m.err
	}
	m.issues = append(m.issues, issue)
	return nil
}

func TestReporterCounters(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{}
	r := New("org-1", models.SourceChannelAPI, store, Options{})

	r.Fetched(20)
	r.Fetched(5)
	r.Saved()
	r.Saved()
	r.Updated()
	r.Skipped("R-3", "category not allowed")
	r.Error(ctx, "R-4", errors.New("disk full"))
	r.SkipWithIssue(ctx, Issue{
		Kind:       models.IssueUnresolvedIdentity,
		ExternalID: "R-5",
		Candidates: []string{"abc"},
		StartDate:  "2025-01-01",
		Message:    "no property",
	})

	want := models.SyncStats{Fetched: 25, Saved: 2, Updated: 1, Skipped: 2, Errors: 1}
	if got := r.Stats(); got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}

	details := r.Details()
	if len(details) != 2 {
		t.Fatalf("details = %+v, want error and issue only", details)
	}
	if details[0].ExternalID != "R-4" || details[1].Kind != models.IssueUnresolvedIdentity {
		t.Errorf("details = %+v", details)
	}

	if len(store.issues) != 1 {
		t.Fatalf("issues stored = %d", len(store.issues))
	}
	issue := store.issues[0]
	if issue.OrganizationID != "org-1" || issue.Source != models.SourceChannelAPI {
		t.Errorf("issue = %+v", issue)
	}
	if issue.StartDate == nil || *issue.StartDate != "2025-01-01" || issue.EndDate != nil {
		t.Errorf("issue dates = %v, %v", issue.StartDate, issue.EndDate)
	}
	if issue.Fingerprint == "" {
		t.Error("missing fingerprint")
	}
	if r.IssuesRecorded() != 1 {
		t.Errorf("IssuesRecorded = %d", r.IssuesRecorded())
	}
}

func TestReporterDebugRecordsSkips(t *testing.T) {
	r := New("org-1", models.SourceICal, nil, Options{Debug: true})
	r.Skipped("uid-1", "outside window")

	details := r.Details()
	if len(details) != 1 || details[0].Kind != DetailKindSkipped {
		t.Errorf("details = %+v", details)
	}
}

func TestReporterCapsDetails(t *testing.T) {
	ctx := context.Background()
	r := New("org-1", models.SourceChannelAPI, nil, Options{MaxDetails: 3})
	for i := 0; i < 10; i++ {
		r.Error(ctx, fmt.Sprintf("R-%d", i), errors.New("failed"))
	}

	if len(r.Details()) != 3 {
		t.Errorf("details = %d, want 3", len(r.Details()))
	}
	if r.DroppedDetails() != 7 {
		t.Errorf("dropped = %d, want 7", r.DroppedDetails())
	}
	if r.Stats().Errors != 10 {
		t.Errorf("errors = %d, want 10", r.Stats().Errors)
	}
}

func TestReporterIssueStoreFailure(t *testing.T) {
	store := &memoryStore{err: errors.New("locked")}
	r := New("org-1", models.SourceChannelAPI, store, Options{})

	r.SkipWithIssue(context.Background(), Issue{Kind: models.IssueInvalidPeriod, ExternalID: "R-1", Message: "bad dates"})

	stats := r.Stats()
	if stats.Skipped != 1 || stats.Errors != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if r.IssuesRecorded() != 0 {
		t.Errorf("IssuesRecorded = %d", r.IssuesRecorded())
	}
}

func TestFingerprint(t *testing.T) {
	base := Issue{Kind: models.IssueUnresolvedIdentity, ExternalID: "R-1", StartDate: "2025-01-01", Message: "a"}

	same := base
	same.Message = "different wording"
	if Fingerprint("ical", base) != Fingerprint("ical", same) {
		t.Error("message changed the fingerprint")
	}

	other := base
	other.EndDate = "2025-01-02"
	if Fingerprint("ical", base) == Fingerprint("ical", other) {
		t.Error("dates did not change the fingerprint")
	}
	if Fingerprint("ical", base) == Fingerprint("channel_api", base) {
		t.Error("source did not change the fingerprint")
	}
}

func TestDetailsNilWhenEmpty(t *testing.T) {
	r := New("org-1", models.SourceICal, nil, Options{})
	if r.Details() != nil {
		t.Error("Details should be nil")
	}
}
