package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

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
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "studiopulse-runner",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	categoriesFlag := flag.String("categories", "", "Comma-separated category subset (default: all)")
	sinceFlag := flag.String("since", "", "Force the fetch window back to this date (YYYY-MM-DD)")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	categoryOrder, err := cfg.Pipeline.CategoryOrder()
	if err != nil {
		appLogger.WithError(err).Fatal("Invalid pipeline category configuration")
	}

	pipelineCfg := service.PipelineConfig{
		Categories:    categoryOrder,
		BackfillStart: cfg.Pipeline.BackfillStartTime(),
		StaleAfter:    time.Duration(cfg.Pipeline.StaleAfterDays) * 24 * time.Hour,
		HistorySize:   cfg.Pipeline.HistorySize,
		ErrorMaxLen:   cfg.Pipeline.ErrorMaxLen,
	}

	// The flag wins over the configured order.
	if *categoriesFlag != "" {
		pipelineCfg.Categories = nil
		for _, raw := range strings.Split(*categoriesFlag, ",") {
			cat, err := domain.ParseCategory(strings.TrimSpace(raw))
			if err != nil {
				appLogger.WithError(err).Fatal("Unknown category")
			}
			pipelineCfg.Categories = append(pipelineCfg.Categories, cat)
		}
	}

	if *sinceFlag != "" {
		since, err := time.Parse("2006-01-02", *sinceFlag)
		if err != nil {
			appLogger.WithError(err).Fatal("Invalid -since date")
		}
		// Marking every watermark stale makes the widened window, and with
		// it the overridden start date, actually take effect.
		pipelineCfg.BackfillStart = since
		pipelineCfg.StaleAfter = time.Nanosecond
	}

	appLogger.WithFields(logger.Fields{
		"categories": *categoriesFlag,
		"since":      *sinceFlag,
	}).Info("Starting one-shot pipeline run")

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	runRepo := repository.NewRunRepository(db)
	watermarkRepo := repository.NewWatermarkRepository(db)
	reportRepo := repository.NewReportRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize raw report archive (optional)
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
			appLogger.WithError(err).Fatal("Failed to initialize report archive")
		}
		if err := s3Archive.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure archive bucket")
		}
		snapshots = s3Archive
	}

	// Initialize services
	hub := service.NewHub()
	orchestrator := service.NewOrchestrator(
		runRepo,
		watermarkRepo,
		reportRepo,
		buildFetchers(cfg, appLogger),
		snapshots,
		hub,
		appLogger,
		pipelineCfg,
	)

	// Handle graceful shutdown: a signal resets the active run so the
	// single-flight slot is not left claimed by a dead process.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, resetting run...")
		if err := orchestrator.Reset(context.Background()); err != nil {
			appLogger.WithError(err).Error("Failed to reset run")
		}
		cancel()
	}()

	// Subscribe before starting so the terminal event cannot be missed.
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	runID, err := orchestrator.Start(ctx)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to start pipeline run")
	}

	for ev := range events {
		if ev.RunID != runID || !ev.Type.Terminal() {
			continue
		}
		terminal, ok := ev.Payload.(service.TerminalPayload)
		if !ok {
			break
		}
		entry := appLogger.WithFields(logger.Fields{
			logger.FieldRunID:      runID,
			logger.FieldDurationMs: terminal.DurationMs,
		})
		if terminal.State == domain.RunStateComplete {
			entry.Info("Pipeline run completed")
			return
		}
		entry.WithField("error", terminal.Error).Error("Pipeline run failed")
		os.Exit(1)
	}
}

// buildFetchers wires one or more source fetchers per category, mirroring
// the API server wiring: email-delivered categories go through the mailbox
// fetcher and Shopify merch orders merge into the orders category.
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
