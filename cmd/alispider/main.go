package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/dgjiede/alispider/internal/config"
	"github.com/dgjiede/alispider/internal/crawler"
	"github.com/dgjiede/alispider/internal/export"
	"github.com/dgjiede/alispider/internal/memory"
	"github.com/dgjiede/alispider/internal/metrics"
	"github.com/dgjiede/alispider/internal/session"
	"github.com/dgjiede/alispider/internal/storage"
	"github.com/dgjiede/alispider/internal/version"
)

func main() {
	// Configure logging
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logrus.Infof("alispider v%s starting...", version.Version)

	// Credentials come from the environment; .env is optional
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, relying on the environment")
	}

	// Load configuration
	cfg, err := config.LoadConfig("config.json")
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		logrus.Fatalf("Failed to load credentials: %v", err)
	}

	if err := os.MkdirAll("data", 0o755); err != nil {
		logrus.Fatalf("Failed to create data directory: %v", err)
	}

	// Initialize storage
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	logrus.Infof("Database initialized: %s", cfg.DBPath)

	policy, err := crawler.NewPolicy(store)
	if err != nil {
		logrus.Fatalf("Failed to build staleness policy: %v", err)
	}

	runID := uuid.NewString()
	tracker := metrics.NewTracker(runID)
	logrus.Infof("Run %s", runID)

	// Resume positions from an interrupted run, if any
	resume, err := crawler.LoadCheckpoints(cfg.CheckpointFile, time.Now())
	if err != nil {
		logrus.Fatalf("Failed to load checkpoint file: %v", err)
	}
	checkpoint, err := crawler.OpenCheckpoint(cfg.CheckpointFile)
	if err != nil {
		logrus.Fatalf("Failed to open checkpoint file: %v", err)
	}

	provider, err := session.NewProvider(cfg.CookieFile, session.Credentials{
		LoginID:  creds.LoginID,
		Password: creds.Password,
	}, time.Duration(cfg.LoginTimeoutSec)*time.Second)
	if err != nil {
		logrus.Fatalf("Failed to create session provider: %v", err)
	}

	fetcher, err := crawler.NewFetcher(provider, crawler.FetcherOptions{
		DelayMin:   time.Duration(cfg.CrawlDelayMinMs) * time.Millisecond,
		DelayMax:   time.Duration(cfg.CrawlDelayMaxMs) * time.Millisecond,
		Timeout:    time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		MaxRetries: cfg.RetryAttempts,
	})
	if err != nil {
		logrus.Fatalf("Failed to create fetcher: %v", err)
	}

	c := crawler.NewCrawler(store, fetcher, provider, policy, tracker, checkpoint, resume)

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic progress reporting
	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logrus.Info(tracker.LogProgress())
			case <-progressDone:
				return
			}
		}
	}()

	reason := "completed"
	if err := provider.Ensure(ctx); err != nil {
		logrus.Errorf("Failed to establish session: %v", err)
		reason = "session failure"
	} else if err := c.RunAll(ctx, cfg.BaseKeywordsFile, cfg.ExtendKeywordsFile, cfg.NegativeKeywordsFile); err != nil {
		if ctx.Err() != nil {
			logrus.Warn("Crawl interrupted, progress is checkpointed")
			reason = "interrupted"
		} else {
			logrus.Errorf("Crawl failed: %v", err)
			reason = "failed"
		}
	}
	close(progressDone)

	if reason == "completed" {
		keywords, err := c.BuildKeywordList(cfg.BaseKeywordsFile, cfg.ExtendKeywordsFile, cfg.NegativeKeywordsFile)
		if err != nil {
			logrus.Errorf("Failed to assemble export keyword list: %v", err)
		} else {
			exporter := export.NewExporter(store, memory.NewCatalog(), cfg.ExportDir)
			if err := exporter.WriteAll(keywords); err != nil {
				logrus.Errorf("Failed to write reports: %v", err)
				reason = "export failure"
			}
		}
	} else {
		// Keep the checkpoint for the next run
		if err := checkpoint.Close(); err != nil {
			logrus.Warnf("Failed to close checkpoint file: %v", err)
		}
	}

	logrus.Info(tracker.LogProgress())
	if err := tracker.WriteToFile(cfg.MetricsPath, reason); err != nil {
		logrus.Errorf("Failed to write metrics: %v", err)
	}

	if reason != "completed" {
		os.Exit(1)
	}
	logrus.Info("Run completed")
}
