// Package main is the entry point for the calendar sync server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rental-calendar-sync/backend/internal/api"
	"github.com/rental-calendar-sync/backend/internal/calendar"
	"github.com/rental-calendar-sync/backend/internal/channel"
	"github.com/rental-calendar-sync/backend/internal/config"
	"github.com/rental-calendar-sync/backend/internal/identity"
	"github.com/rental-calendar-sync/backend/internal/importer"
	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/reconcile"
	"github.com/rental-calendar-sync/backend/internal/storage"
	"github.com/rental-calendar-sync/backend/internal/websocket"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (default $CONFIG_PATH)")
	healthCheck := flag.Bool("health-check", false, "Run health check and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Health check mode for Docker HEALTHCHECK
	if *healthCheck {
		if err := runHealthCheck(cfg.Server.Addr); err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}
	logging.Info().Str("version", version).Msg("Starting calendar sync server")

	db, err := storage.NewDB(cfg.Database.Path)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open database")
	}
	defer db.Close()

	if err := storage.RunMigrations(db); err != nil {
		logging.Fatal().Err(err).Msg("Failed to run migrations")
	}
	logging.Info().Msg("Database migrations complete")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub()
	go hub.Run(ctx)
	events := websocket.NewEventBroadcaster(hub)

	// Repositories
	orgRepo := storage.NewOrganizationRepository(db)
	feedRepo := storage.NewFeedRepository(db)
	issueRepo := storage.NewIssueRepository(db)
	periodRepo := storage.NewBlockedPeriodRepository(db)
	bookingRepo := storage.NewBookingRepository(db)
	identityRepo := storage.NewIdentityRepository(db)

	resolver := identity.NewResolver(identityRepo)
	engine := reconcile.NewEngine(periodRepo, bookingRepo)
	migrator := reconcile.NewMigrator(bookingRepo, resolver, issueRepo, cfg.Import.MigrationBatchCap)

	pool := channel.NewPool(channel.Options{
		RequestsPerSecond: cfg.Channel.RequestsPerSecond,
		Burst:             cfg.Channel.Burst,
		UserAgent:         cfg.Channel.UserAgent,
		BreakerFailures:   cfg.Channel.BreakerFailures,
		BreakerTimeout:    cfg.Channel.BreakerTimeout,
	})

	importService := importer.NewService(
		orgRepo, pool, resolver, engine, migrator, issueRepo,
		cfg.Import, cfg.Channel.DefaultBaseURL,
	)
	importService.SetNotifier(events)

	syncService := calendar.NewSyncService(
		feedRepo, calendar.NewFetcher(cfg.ICal), resolver, engine, issueRepo,
		cfg.ICal, cfg.Import.ErrorDetailCap,
	)
	syncService.SetNotifier(events)

	scheduler := calendar.NewScheduler(orgRepo, syncService, importService, cfg.Scheduler, func() (string, string) {
		w, err := syncService.Window(calendar.Request{})
		if err != nil {
			logging.Error().Err(err).Msg("Failed to compute scheduled sync window")
		}
		return w.From, w.To
	})
	if cfg.Scheduler.Enabled {
		if err := scheduler.Start(); err != nil {
			logging.Fatal().Err(err).Str("spec", cfg.Scheduler.Spec).Msg("Failed to start scheduler")
		}
	}

	router := api.NewRouter(cfg.Server, api.Services{
		DB:        db,
		Orgs:      orgRepo,
		Feeds:     feedRepo,
		Issues:    issueRepo,
		Periods:   periodRepo,
		Imports:   importService,
		ICal:      syncService,
		Breakers:  pool,
		Scheduler: scheduler,
		Hub:       hub,
		Events:    events,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logging.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Server shutdown error")
	}

	// In-flight scheduled runs finish before the database closes.
	scheduler.Stop()
	cancel()

	logging.Info().Msg("Server stopped")
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost" + addr + "/api/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
