package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bilidown/bilidown/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Maintenance runs the periodic housekeeping jobs: failing stalled
// downloads and removing scratch files no resume record claims
type Maintenance struct {
	cron       *cron.Cron
	sched      *Scheduler
	store      *models.Database
	scratchDir string
	timeout    time.Duration
	logger     *logrus.Logger
}

// NewMaintenance creates the maintenance jobs
func NewMaintenance(sched *Scheduler, store *models.Database, scratchDir string, stuckTimeout time.Duration, logger *logrus.Logger) *Maintenance {
	return &Maintenance{
		cron:       cron.New(),
		sched:      sched,
		store:      store,
		scratchDir: scratchDir,
		timeout:    stuckTimeout,
		logger:     logger,
	}
}

// Start registers and starts the cron jobs
func (m *Maintenance) Start() error {
	// Every 10 minutes: fail downloads with no byte progress
	_, err := m.cron.AddFunc("*/10 * * * *", func() {
		m.sched.FailStale(m.timeout)
	})
	if err != nil {
		return fmt.Errorf("failed to add stale sweep job: %w", err)
	}

	// Every hour: remove orphaned partial files
	_, err = m.cron.AddFunc("0 * * * *", func() {
		if err := m.CleanupOrphans(); err != nil {
			m.logger.WithError(err).Error("Orphan cleanup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add orphan cleanup job: %w", err)
	}

	m.cron.Start()
	m.logger.Info("Maintenance jobs started")
	return nil
}

// Stop stops the cron scheduler
func (m *Maintenance) Stop() {
	m.cron.Stop()
}

// CleanupOrphans removes scratch files referenced by no resume record.
// Merge outputs in progress carry a ".merged" suffix and are kept.
func (m *Maintenance) CleanupOrphans() error {
	records, err := m.store.ListResumeRecords()
	if err != nil {
		return err
	}

	claimed := make(map[string]bool)
	for _, r := range records {
		for _, p := range r.Parts {
			claimed[filepath.Clean(p.Path)] = true
		}
	}

	entries, err := os.ReadDir(m.scratchDir)
	if err != nil {
		return err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.Contains(entry.Name(), ".merged") {
			continue
		}
		path := filepath.Join(m.scratchDir, entry.Name())
		if claimed[filepath.Clean(path)] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		// Grace period so freshly created partials are never swept before
		// their first flush creates a record
		if time.Since(info.ModTime()) < m.timeout {
			continue
		}
		if err := os.Remove(path); err != nil {
			m.logger.WithError(err).WithField("path", path).Warn("Failed to remove orphaned partial")
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.WithField("count", removed).Info("Removed orphaned partial files")
	}
	return nil
}
