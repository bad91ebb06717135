package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirabell/studiopulse/internal/api"
	"github.com/mirabell/studiopulse/internal/api/middleware"
	"github.com/mirabell/studiopulse/internal/archive"
	"github.com/mirabell/studiopulse/internal/config"
	"github.com/mirabell/studiopulse/internal/domain"
	"github.com/mirabell/studiopulse/internal/logger"
	"github.com/mirabell/studiopulse/internal/repository"
	"github.com/mirabell/studiopulse/internal/service"
	"github.com/mirabell/studiopulse/internal/source"
	"github.com/mirabell/studiopulse/internal/source/mailbox"
	"github.com/mirabell/studiopulse/internal/source/shopify"
	"github.com/mirabell/studiopulse/internal/source/unionfit"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewFromEnv(nil)
	logger.SetDefaultLogger(log)

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	runRepo := repository.NewRunRepository(db)
	watermarkRepo := repository.NewWatermarkRepository(db)
	reportRepo := repository.NewReportRepository(db)

	// Initialize raw report archive (optional)
	ctx := context.Background()
	var snapshots archive.Archive
	if cfg.Archive.Enabled {
		s3Archive, err := archive.NewS3Archive(&archive.S3Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize report archive")
		}
		if err := s3Archive.EnsureBucket(ctx); err != nil {
			log.WithError(err).Fatal("Failed to ensure archive bucket")
		}
		snapshots = s3Archive
	}

	// Initialize source fetchers
	fetchers := buildFetchers(cfg, log)

	categoryOrder, err := cfg.Pipeline.CategoryOrder()
	if err != nil {
		log.WithError(err).Fatal("Invalid pipeline category configuration")
	}

	// Initialize services
	hub := service.NewHub()
	orchestrator := service.NewOrchestrator(
		runRepo,
		watermarkRepo,
		reportRepo,
		fetchers,
		snapshots,
		hub,
		log,
		service.PipelineConfig{
			Categories:    categoryOrder,
			BackfillStart: cfg.Pipeline.BackfillStartTime(),
			StaleAfter:    time.Duration(cfg.Pipeline.StaleAfterDays) * 24 * time.Hour,
			HistorySize:   cfg.Pipeline.HistorySize,
			ErrorMaxLen:   cfg.Pipeline.ErrorMaxLen,
		},
	)
	freshness := service.NewFreshnessReporter(runRepo, watermarkRepo, reportRepo, cfg.Pipeline.HistorySize)

	// Setup router
	router := api.SetupRouter(api.RouterDeps{
		Orchestrator: orchestrator,
		Hub:          hub,
		Runs:         runRepo,
		Freshness:    freshness,
		HistorySize:  cfg.Pipeline.HistorySize,
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
	}, cfg.Server.Mode)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("Server forced to shutdown")
	}

	log.Info("Server exited")
}

// buildFetchers wires one or more source fetchers per category. Categories
// the upstream only delivers by email go through the mailbox fetcher, with
// the Union.fit adapter as the generation trigger. Merch orders from
// Shopify merge into the orders category alongside studio orders.
func buildFetchers(cfg *config.Config, log *logger.Logger) map[domain.Category][]source.Fetcher {
	unionFit := unionfit.NewAdapter(&unionfit.Config{
		BaseURL: cfg.Sources.UnionFit.BaseURL,
		APIKey:  cfg.Sources.UnionFit.APIKey,
		OrgSlug: cfg.Sources.UnionFit.OrgSlug,
	})

	emailed := make(map[domain.Category]bool)
	for _, raw := range cfg.Sources.UnionFit.EmailCategories {
		cat, err := domain.ParseCategory(raw)
		if err != nil {
			log.WithField(logger.FieldCategory, raw).Warn("Ignoring unknown email category")
			continue
		}
		emailed[cat] = true
	}

	var mailboxFetcher source.Fetcher
	if len(emailed) > 0 && cfg.Sources.Mailbox.BaseURL != "" {
		mailboxFetcher = mailbox.NewAdapter(&mailbox.Config{
			BaseURL:      cfg.Sources.Mailbox.BaseURL,
			APIKey:       cfg.Sources.Mailbox.APIKey,
			Inbox:        cfg.Sources.Mailbox.Inbox,
			PollInterval: cfg.Sources.Mailbox.PollInterval,
			WaitTimeout:  cfg.Sources.Mailbox.WaitTimeout,
		}, unionFit.RequestEmailedReport)
	}

	fetchers := make(map[domain.Category][]source.Fetcher)
	for _, cat := range domain.AllCategories() {
		if emailed[cat] {
			if mailboxFetcher == nil {
				// No inbox configured; the category is skipped rather
				// than fetched from an endpoint that cannot serve it.
				log.WithField(logger.FieldCategory, cat).Warn("Email-delivered category has no mailbox configured")
				continue
			}
			fetchers[cat] = []source.Fetcher{mailboxFetcher}
			continue
		}
		fetchers[cat] = []source.Fetcher{unionFit}
	}

	if cfg.Sources.Shopify.Enabled && cfg.Sources.Shopify.ShopDomain != "" {
		merch := shopify.NewAdapter(&shopify.Config{
			ShopDomain:  cfg.Sources.Shopify.ShopDomain,
			AccessToken: cfg.Sources.Shopify.AccessToken,
			APIVersion:  cfg.Sources.Shopify.APIVersion,
		})
		fetchers[domain.CategoryOrders] = append(fetchers[domain.CategoryOrders], merch)
	}

	return fetchers
}
