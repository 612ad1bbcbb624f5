package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bilidown/bilidown/internal/api"
	"github.com/bilidown/bilidown/internal/classifier"
	"github.com/bilidown/bilidown/internal/config"
	"github.com/bilidown/bilidown/internal/downloader"
	"github.com/bilidown/bilidown/internal/merge"
	"github.com/bilidown/bilidown/internal/metrics"
	"github.com/bilidown/bilidown/internal/models"
	"github.com/bilidown/bilidown/internal/progress"
	"github.com/bilidown/bilidown/internal/scheduler"
	"github.com/bilidown/bilidown/internal/services/bili"
	"github.com/bilidown/bilidown/internal/utils"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Setup logger
	logger := utils.NewLogger(cfg.LogLevel, cfg.LogFile)
	logger.Info("Starting bilidown")

	// 3. Initialize database
	db, err := models.NewDatabase(cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	logger.Info("Database initialized")

	// 4. Load category table
	categories, err := config.LoadCategories(cfg.CategoriesFile)
	if err != nil {
		return fmt.Errorf("failed to load categories: %w", err)
	}
	logger.WithField("categories", len(categories.Names())).Info("Category table loaded")

	metrics.Register()

	// 5. Initialize engine components
	tracker := progress.NewTracker(cfg.ProgressInterval)
	patterns, err := classifier.LoadPatterns(cfg.PatternsFile)
	if err != nil {
		return fmt.Errorf("failed to load marker patterns: %w", err)
	}
	cls := classifier.New(categories).WithPatterns(patterns)
	dlr := downloader.New(db, tracker, logger, downloader.Options{
		RetryCount:    cfg.RetryCount,
		FlushBytes:    cfg.FlushBytes,
		FlushInterval: cfg.FlushInterval,
	})
	runner := merge.NewFFmpegRunner(cfg.MergeToolPath, logger)
	merger := merge.NewOrchestrator(runner, db, cfg.DownloadPath, cfg.ScratchDir, logger)
	biliClient := bili.NewClient(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 6. Start scheduler and recover unfinished tasks
	sched := scheduler.NewScheduler(dlr, merger, db, tracker, cls, cfg.MaxConcurrentDownloads, logger)
	sched.Start(ctx)
	defer sched.Stop()
	if err := sched.Recover(); err != nil {
		logger.WithError(err).Warn("Task recovery failed, continuing")
	}

	// 7. Start maintenance jobs
	maintenance := scheduler.NewMaintenance(sched, db, cfg.ScratchDir, cfg.StuckTimeout, logger)
	if err := maintenance.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance jobs: %w", err)
	}
	defer maintenance.Stop()

	// 8. Start HTTP server
	server := api.NewServer(cfg, sched, db, tracker, categories, biliClient, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case sig := <-sigChan:
			logger.WithField("signal", sig).Info("Received shutdown signal")
		case <-gctx.Done():
		}
		cancel()
		return server.Shutdown(context.Background())
	})

	logger.Info("bilidown is running")

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("bilidown stopped")
	return nil
}
