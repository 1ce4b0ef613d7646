// Package importer runs block imports from the channel API: it drives
// pagination under a runtime budget and feeds every record through
// normalization, identity resolution and reconciliation.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rental-calendar-sync/backend/internal/channel"
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

var (
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrMissingCredentials   = errors.New("channel api credentials not configured")
	ErrInvalidWindow        = errors.New("to must be after from")
)

// Request is the body of a block import call.
type Request struct {
	From                string   `json:"from" validate:"required,datetime=2006-01-02"`
	To                  string   `json:"to" validate:"required,datetime=2006-01-02"`
	DateType            string   `json:"dateType" validate:"omitempty,oneof=arrival departure creation search"`
	Limit               int      `json:"limit" validate:"gte=0"`
	MaxPages            int      `json:"maxPages" validate:"gte=0"`
	Skip                int      `json:"skip" validate:"gte=0"`
	SelectedPropertyIDs []string `json:"selectedPropertyIds,omitempty" validate:"omitempty,dive,required"`
	MaxRuntimeMs        int      `json:"maxRuntimeMs,omitempty" validate:"gte=0"`
	FetchTimeoutMs      int      `json:"fetchTimeoutMs,omitempty" validate:"gte=0"`
	Debug               bool     `json:"debug,omitempty"`
}

// Notifier is told about finished imports.
type Notifier interface {
	BlockImportCompleted(orgID string, result *models.ImportResult)
}

// Service runs block imports.
type Service struct {
	orgs     *storage.OrganizationRepository
	pool     *channel.Pool
	resolver *identity.Resolver
	engine   *reconcile.Engine
	migrator *reconcile.Migrator
	issues   report.IssueStore
	cfg      config.ImportConfig
	baseURL  string
	notifier Notifier
	now      func() time.Time
}

// NewService creates a block import service. defaultBaseURL is used for
// organizations without their own channel base URL.
func NewService(
	orgs *storage.OrganizationRepository,
	pool *channel.Pool,
	resolver *identity.Resolver,
	engine *reconcile.Engine,
	migrator *reconcile.Migrator,
	issues report.IssueStore,
	cfg config.ImportConfig,
	defaultBaseURL string,
) *Service {
	return &Service{
		orgs:     orgs,
		pool:     pool,
		resolver: resolver,
		engine:   engine,
		migrator: migrator,
		issues:   issues,
		cfg:      cfg,
		baseURL:  defaultBaseURL,
		now:      time.Now,
	}
}

// SetNotifier registers a receiver of completed runs.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetClock overrides the time source of the runtime budget.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// params are a request with defaults and caps applied.
type params struct {
	Request
	limit        int
	maxPages     int
	maxRuntime   time.Duration
	fetchTimeout time.Duration
	// selected and selectedIDs hold the trimmed, lowercased property filter.
	selected    map[string]bool
	selectedIDs []string
}

func (s *Service) params(req Request) params {
	p := params{Request: req}

	p.limit = req.Limit
	if p.limit <= 0 {
		p.limit = s.cfg.DefaultLimit
	}
	if s.cfg.MaxLimit > 0 && p.limit > s.cfg.MaxLimit {
		p.limit = s.cfg.MaxLimit
	}
	p.limit = channel.ClampLimit(p.limit)

	p.maxPages = req.MaxPages
	if p.maxPages <= 0 {
		p.maxPages = s.cfg.DefaultMaxPages
	}

	p.maxRuntime = s.cfg.MaxRuntime
	if req.MaxRuntimeMs > 0 {
		p.maxRuntime = time.Duration(req.MaxRuntimeMs) * time.Millisecond
	}
	p.fetchTimeout = s.cfg.FetchTimeout
	if req.FetchTimeoutMs > 0 {
		p.fetchTimeout = time.Duration(req.FetchTimeoutMs) * time.Millisecond
	}
	if p.DateType == "" {
		p.DateType = s.cfg.DefaultDateType
	}

	if len(req.SelectedPropertyIDs) > 0 {
		p.selected = make(map[string]bool, len(req.SelectedPropertyIDs))
		for _, id := range req.SelectedPropertyIDs {
			id = strings.ToLower(strings.TrimSpace(id))
			if !p.selected[id] {
				p.selected[id] = true
				p.selectedIDs = append(p.selectedIDs, id)
			}
		}
	}
	return p
}

// Run imports blocks for one organization. The returned error is non-nil only
// when the run could not start; a failed page fetch is reported through
// ImportResult.Success and ImportResult.Error.
func (s *Service) Run(ctx context.Context, orgID string, req Request) (*models.ImportResult, error) {
	if err := validation.ValidateStruct(req); err != nil {
		return nil, err
	}
	if req.To <= req.From {
		return nil, ErrInvalidWindow
	}

	org, err := s.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("loading organization: %w", err)
	}
	if org == nil {
		return nil, ErrOrganizationNotFound
	}
	if !org.HasChannelCredentials() {
		return nil, ErrMissingCredentials
	}
	baseURL := org.ChannelBaseURL
	if baseURL == "" {
		baseURL = s.baseURL
	}
	client := s.pool.Get(org.ID, channel.Credentials{
		BaseURL:   baseURL,
		APIKey:    org.ChannelAPIKey,
		APISecret: org.ChannelAPISecret,
	})

	p := s.params(req)
	budget := NewBudget(p.maxRuntime, s.now)

	ctx = logging.ContextWithRunID(ctx, logging.NewRunID())
	log := logging.Ctx(ctx)
	log.Info().
		Str("organization_id", orgID).
		Str("from", p.From).
		Str("to", p.To).
		Int("skip", p.Skip).
		Int("limit", p.limit).
		Int("max_pages", p.maxPages).
		Dur("max_runtime", p.maxRuntime).
		Msg("Block import started")

	result := &models.ImportResult{Success: true}

	if s.migrator != nil {
		migration, err := s.migrator.Run(ctx, reconcile.Scope{
			OrganizationID: orgID,
			From:           p.From,
			To:             p.To,
			PropertyIDs:    p.selectedIDs,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Misclassification migration failed")
		}
		result.Migration = &migration
	}

	reporter := report.New(orgID, models.SourceChannelAPI, s.issues, report.Options{
		MaxDetails: s.cfg.ErrorDetailCap,
		Debug:      req.Debug,
	})
	ids := s.resolver.NewRun(orgID)

	skip := p.Skip
	lastPageLen := 0
	for {
		if result.Pages > 0 {
			if result.Pages >= p.maxPages {
				result.StopReason = models.StopMaxPages
				break
			}
			if budget.Exceeded() {
				result.StopReason = models.StopBudget
				break
			}
		}
		if ctx.Err() != nil {
			result.StopReason = models.StopCanceled
			break
		}

		page, err := client.FetchPage(ctx, channel.PageRequest{
			From:     p.From,
			To:       p.To,
			DateType: p.DateType,
			Limit:    p.limit,
			Skip:     skip,
			Types:    period.ChannelCategories,
			Timeout:  p.fetchTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				result.StopReason = models.StopCanceled
				break
			}
			result.Success = false
			result.StopReason = models.StopFailed
			result.Error = err.Error()
			log.Error().Err(err).Int("skip", skip).Msg("Channel page fetch failed")
			break
		}

		result.Pages++
		lastPageLen = len(page)
		reporter.Fetched(len(page))
		skip += len(page)

		for i := range page {
			s.processRecord(ctx, p, ids, reporter, &page[i])
		}

		if len(page) < p.limit {
			result.StopReason = models.StopExhausted
			break
		}
	}

	stoppedEarly := result.StopReason == models.StopMaxPages || result.StopReason == models.StopBudget
	result.Next = models.Cursor{
		HasMore: stoppedEarly && lastPageLen == p.limit,
		Skip:    skip,
	}
	result.Stats = reporter.Stats()
	result.ErrorDetails = reporter.Details()
	result.ElapsedMs = budget.Elapsed().Milliseconds()

	s.finish(ctx, orgID, result, reporter, budget.Elapsed())
	return result, nil
}

func (s *Service) finish(ctx context.Context, orgID string, result *models.ImportResult, reporter *report.Reporter, elapsed time.Duration) {
	reporter.Publish()

	outcome := "success"
	switch {
	case !result.Success:
		outcome = "failed"
	case result.Next.HasMore:
		outcome = "partial"
	}
	metrics.ObserveRun(metrics.SourceChannel, outcome, elapsed)
	if result.StopReason == models.StopMaxPages || result.StopReason == models.StopBudget {
		metrics.BudgetStops.WithLabelValues(result.StopReason).Inc()
	}

	logging.Ctx(ctx).Info().
		Str("organization_id", orgID).
		Bool("success", result.Success).
		Str("stop_reason", result.StopReason).
		Int("pages", result.Pages).
		Int("fetched", result.Stats.Fetched).
		Int("saved", result.Stats.Saved).
		Int("updated", result.Stats.Updated).
		Int("skipped", result.Stats.Skipped).
		Int("errors", result.Stats.Errors).
		Bool("has_more", result.Next.HasMore).
		Int("next_skip", result.Next.Skip).
		Int64("elapsed_ms", result.ElapsedMs).
		Msg("Block import finished")

	if s.notifier != nil {
		s.notifier.BlockImportCompleted(orgID, result)
	}
}

func (s *Service) processRecord(ctx context.Context, p params, ids *identity.Run, reporter *report.Reporter, r *channel.Reservation) {
	if !period.AllowedChannelCategory(r.Type) {
		reporter.Skipped(r.ID, fmt.Sprintf("category %q not imported", r.Type))
		return
	}

	norm, err := period.Normalize(period.Raw{
		Category: r.Type,
		Start:    r.CheckIn,
		End:      r.CheckOut,
		Source:   models.SourceChannelAPI,
	})
	if err != nil {
		reporter.SkipWithIssue(ctx, report.Issue{
			Kind:       models.IssueInvalidPeriod,
			ExternalID: r.ID,
			Candidates: nonEmpty(r.ListingCandidates()),
			StartDate:  r.CheckIn,
			EndDate:    r.CheckOut,
			Message:    err.Error(),
		})
		return
	}

	res, err := ids.Resolve(ctx, r.ListingCandidates())
	if err != nil {
		var unresolved *identity.UnresolvedError
		if errors.As(err, &unresolved) {
			reporter.SkipWithIssue(ctx, report.Issue{
				Kind:       models.IssueUnresolvedIdentity,
				ExternalID: r.ID,
				Candidates: unresolved.Candidates,
				StartDate:  norm.StartDate,
				EndDate:    norm.EndDate,
				Message:    err.Error(),
			})
			return
		}
		reporter.Error(ctx, r.ID, err)
		return
	}

	if p.selected != nil && !p.selected[strings.ToLower(res.PropertyID)] {
		reporter.Skipped(r.ID, "property not selected")
		return
	}

	reason := strings.TrimSpace(r.Title)
	if reason == "" {
		reason = reconcile.DefaultReason(norm.Subtype)
	}
	in := reconcile.Input{
		OrganizationID: ids.OrganizationID(),
		PropertyID:     res.PropertyID,
		Period:         norm,
		Reason:         reason,
		Notes: reconcile.Provenance{
			Source:            models.SourceChannelAPI,
			ReservationID:     r.ID,
			Platform:          r.Platform,
			ExternalListingID: r.ExternalListingID(),
			Type:              r.Type,
			Note:              r.Notes,
		}.Notes(),
		Source:    models.SourceChannelAPI,
		CreatedBy: reconcile.CreatedBy,
	}

	out, err := s.engine.Apply(ctx, in)
	if err != nil {
		reporter.Error(ctx, r.ID, err)
		return
	}
	if out.Inserted {
		reporter.Saved()
	} else {
		reporter.Updated()
	}
	if out.CleanupErr != nil {
		reporter.Error(ctx, r.ID, fmt.Errorf("removing misclassified bookings: %w", out.CleanupErr))
	}
	for _, other := range out.Overlaps {
		reporter.Record(ctx, report.Issue{
			Kind:       models.IssueOverlappingPeriod,
			ExternalID: r.ID,
			Candidates: []string{res.PropertyID},
			StartDate:  norm.StartDate,
			EndDate:    norm.EndDate,
			Message:    reconcile.OverlapMessage(in, other),
		})
	}
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
