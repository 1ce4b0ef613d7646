// Package report accumulates the counters and error details of a sync run and
// persists records that need operator attention.
package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/metrics"
	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// DefaultMaxDetails caps ErrorDetails when Options.MaxDetails is zero.
const DefaultMaxDetails = 50

// DetailKindSkipped marks a detail that records a skip rather than an error.
const DetailKindSkipped = "skipped"

// IssueStore persists unresolved issues.
type IssueStore interface {
	Record(ctx context.Context, issue *models.UnresolvedIssue) error
}

// Options configure a Reporter.
type Options struct {
	MaxDetails int
	// Debug also records a detail for every skipped record.
	Debug bool
}

// Issue describes a record that could not be processed.
type Issue struct {
	Kind       string
	ExternalID string
	Candidates []string
	StartDate  string
	EndDate    string
	Message    string
}

// Reporter is owned by a single run and is not safe for concurrent use.
type Reporter struct {
	orgID   string
	source  string
	store   IssueStore
	opts    Options
	stats   models.SyncStats
	details []models.ErrorDetail
	dropped int
	issues  int
}

// New creates a reporter for one run.
func New(orgID, source string, store IssueStore, opts Options) *Reporter {
	if opts.MaxDetails <= 0 {
		opts.MaxDetails = DefaultMaxDetails
	}
	return &Reporter{
		orgID:  orgID,
		source: source,
		store:  store,
		opts:   opts,
	}
}

// Fetched counts records received from the remote source.
func (r *Reporter) Fetched(n int) { r.stats.Fetched += n }

// Saved counts a newly inserted period.
func (r *Reporter) Saved() { r.stats.Saved++ }

// Updated counts a refreshed existing period.
func (r *Reporter) Updated() { r.stats.Updated++ }

// Skipped counts a record left out on purpose.
func (r *Reporter) Skipped(externalID, reason string) {
	r.stats.Skipped++
	if r.opts.Debug {
		r.addDetail(models.ErrorDetail{ExternalID: externalID, Message: reason, Kind: DetailKindSkipped})
	}
}

// Error counts a record that failed and keeps its detail.
func (r *Reporter) Error(ctx context.Context, externalID string, err error) {
	r.stats.Errors++
	r.addDetail(models.ErrorDetail{ExternalID: externalID, Message: err.Error()})
	logging.Ctx(ctx).Warn().Err(err).
		Str("source", r.source).
		Str("external_id", externalID).
		Msg("Sync item failed")
}

// SkipWithIssue counts a skipped record and persists an issue for it. A
// failure to persist the issue is counted as an error.
func (r *Reporter) SkipWithIssue(ctx context.Context, issue Issue) {
	r.stats.Skipped++
	r.addDetail(models.ErrorDetail{ExternalID: issue.ExternalID, Message: issue.Message, Kind: issue.Kind})
	r.Record(ctx, issue)
}

// Record persists an issue without touching the record counters.
func (r *Reporter) Record(ctx context.Context, issue Issue) {
	if r.store == nil {
		return
	}

	row := &models.UnresolvedIssue{
		OrganizationID: r.orgID,
		Kind:           issue.Kind,
		Source:         r.source,
		ExternalID:     issue.ExternalID,
		Candidates:     issue.Candidates,
		StartDate:      optional(issue.StartDate),
		EndDate:        optional(issue.EndDate),
		Message:        issue.Message,
		Fingerprint:    Fingerprint(r.source, issue),
	}
	if err := r.store.Record(ctx, row); err != nil {
		r.stats.Errors++
		r.addDetail(models.ErrorDetail{ExternalID: issue.ExternalID, Message: "recording issue: " + err.Error()})
		logging.Ctx(ctx).Error().Err(err).Str("kind", issue.Kind).Msg("Failed to record sync issue")
		return
	}

	r.issues++
	metrics.IssuesRecorded.WithLabelValues(issue.Kind).Inc()
}

func (r *Reporter) addDetail(d models.ErrorDetail) {
	if len(r.details) >= r.opts.MaxDetails {
		r.dropped++
		return
	}
	r.details = append(r.details, d)
}

// Stats returns the counters so far.
func (r *Reporter) Stats() models.SyncStats { return r.stats }

// Details returns the kept error details, or nil when there are none.
func (r *Reporter) Details() []models.ErrorDetail {
	if len(r.details) == 0 {
		return nil
	}
	return r.details
}

// DroppedDetails is the number of details discarded by the cap.
func (r *Reporter) DroppedDetails() int { return r.dropped }

// IssuesRecorded is the number of issues persisted by this run.
func (r *Reporter) IssuesRecorded() int { return r.issues }

// Publish adds the run's counters to the item metrics.
func (r *Reporter) Publish() {
	metrics.AddItems(r.source, "fetched", r.stats.Fetched)
	metrics.AddItems(r.source, "saved", r.stats.Saved)
	metrics.AddItems(r.source, "updated", r.stats.Updated)
	metrics.AddItems(r.source, "skipped", r.stats.Skipped)
	metrics.AddItems(r.source, "errors", r.stats.Errors)
}

// Fingerprint identifies repeats of the same problem so they collapse into
// one stored issue.
func Fingerprint(source string, issue Issue) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		issue.Kind, source, issue.ExternalID, issue.StartDate, issue.EndDate,
	}, "\x1f")))
	return hex.EncodeToString(sum[:16])
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
