package calendar

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rental-calendar-sync/backend/internal/config"
	"github.com/rental-calendar-sync/backend/internal/importer"
	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// OrganizationLister lists organizations that opted into unattended sync.
type OrganizationLister interface {
	ListAutoSync(ctx context.Context) ([]models.Organization, error)
}

// BlockImporter runs one block import.
type BlockImporter interface {
	Run(ctx context.Context, orgID string, req importer.Request) (*models.ImportResult, error)
}

// FeedSyncer runs one iCal sync.
type FeedSyncer interface {
	Sync(ctx context.Context, orgID string, req Request) (*models.ICalSyncResult, error)
}

// Scheduler periodically syncs every auto-sync organization.
type Scheduler struct {
	cron     *cron.Cron
	orgs     OrganizationLister
	feeds    FeedSyncer
	imports  BlockImporter
	cfg      config.SchedulerConfig
	windowFn func() (string, string)

	entry   cron.EntryID
	running map[string]bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. window returns the from/to dates used for
// block imports.
func NewScheduler(
	orgs OrganizationLister,
	feeds FeedSyncer,
	imports BlockImporter,
	cfg config.SchedulerConfig,
	window func() (string, string),
) *Scheduler {
	if cfg.Spec == "" {
		cfg.Spec = "@every 30m"
	}
	if cfg.MaxChainedRuns <= 0 {
		cfg.MaxChainedRuns = 1
	}

	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		orgs:     orgs,
		feeds:    feeds,
		imports:  imports,
		cfg:      cfg,
		windowFn: window,
		running:  make(map[string]bool),
	}
}

// Start registers the periodic job and starts the cron runner.
func (s *Scheduler) Start() error {
	entry, err := s.cron.AddFunc(s.cfg.Spec, func() {
		s.RunAll(context.Background())
	})
	if err != nil {
		return err
	}
	s.entry = entry

	s.cron.Start()
	logging.Info().Str("spec", s.cfg.Spec).Int("max_chained_runs", s.cfg.MaxChainedRuns).Msg("Sync scheduler started")
	return nil
}

// Stop waits for running jobs and triggered syncs to finish.
func (s *Scheduler) Stop() {
	logging.Info().Msg("Stopping sync scheduler...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
	logging.Info().Msg("Sync scheduler stopped")
}

// NextRun returns the next scheduled run, or nil before Start.
func (s *Scheduler) NextRun() *time.Time {
	if s.entry == 0 {
		return nil
	}
	entry := s.cron.Entry(s.entry)
	if entry.Next.IsZero() {
		return nil
	}
	return &entry.Next
}

// RunAll syncs every auto-sync organization in turn.
func (s *Scheduler) RunAll(ctx context.Context) {
	orgs, err := s.orgs.ListAutoSync(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list auto-sync organizations")
		return
	}

	for _, org := range orgs {
		if ctx.Err() != nil {
			return
		}
		s.SyncOrganization(ctx, org)
	}
}

// TriggerOrganization claims the organization's sync slot and runs the sync
// in the background. It returns false, starting nothing, when a sync of the
// organization is already in progress.
func (s *Scheduler) TriggerOrganization(org models.Organization) bool {
	if !s.acquire(org.ID) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(org.ID)
		s.syncAcquired(context.Background(), org)
	}()
	return true
}

// SyncOrganization runs the iCal sync, then block imports resuming from the
// returned cursor until the channel is exhausted or the chain limit is hit.
// Returns false when a sync for the organization was already in progress.
func (s *Scheduler) SyncOrganization(ctx context.Context, org models.Organization) bool {
	if !s.acquire(org.ID) {
		logging.Debug().Str("organization_id", org.ID).Msg("Sync already running, skipping")
		return false
	}
	defer s.release(org.ID)
	s.syncAcquired(ctx, org)
	return true
}

func (s *Scheduler) syncAcquired(ctx context.Context, org models.Organization) {
	log := logging.With().Str("organization_id", org.ID).Logger()

	if s.feeds != nil {
		if _, err := s.feeds.Sync(ctx, org.ID, Request{}); err != nil {
			log.Error().Err(err).Msg("Scheduled iCal sync failed")
		}
	}

	if s.imports == nil || !org.HasChannelCredentials() {
		return
	}

	from, to := s.windowFn()
	skip := 0
	for i := 0; i < s.cfg.MaxChainedRuns; i++ {
		result, err := s.imports.Run(ctx, org.ID, importer.Request{From: from, To: to, Skip: skip})
		if err != nil {
			if errors.Is(err, importer.ErrMissingCredentials) {
				return
			}
			log.Error().Err(err).Msg("Scheduled block import failed")
			return
		}
		if !result.Success || !result.Next.HasMore {
			return
		}
		skip = result.Next.Skip
	}

	log.Warn().Int("next_skip", skip).Msg("Block import chain limit reached")
}

// Running reports whether a sync of the organization is in progress.
func (s *Scheduler) Running(orgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[orgID]
}

func (s *Scheduler) acquire(orgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[orgID] {
		return false
	}
	s.running[orgID] = true
	return true
}

func (s *Scheduler) release(orgID string) {
	s.mu.Lock()
	delete(s.running, orgID)
	s.mu.Unlock()
}
