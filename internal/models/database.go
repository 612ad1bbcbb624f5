package models

import (
	"fmt"
	"sync"
	"time"

	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"
)

// Database wraps the bolthold store holding resume records and task
// snapshots. bbolt commits each update transactionally, so a crash mid-write
// never leaves a half-written record.
type Database struct {
	store *bolthold.Store

	// Serializes read-modify-write of a single record. Parts of one task
	// flush concurrently and must not lose each other's offsets.
	mu sync.Mutex
}

// NewDatabase opens the database file, creating it if absent
func NewDatabase(path string) (*Database, error) {
	store, err := bolthold.Open(path, 0600, &bolthold.Options{
		Options: &bbolt.Options{
			Timeout: 1 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{store: store}, nil
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.store.Close()
}

// Resume record operations

// UpsertPartProgress records the durable bytes-written for one part of a
// task, creating the record on the first flushed byte
func (db *Database) UpsertPartProgress(taskID string, index int, bytesWritten int64, path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var record ResumeRecord
	err := db.store.Get(taskID, &record)
	if err == bolthold.ErrNotFound {
		record = ResumeRecord{TaskID: taskID}
	} else if err != nil {
		return fmt.Errorf("failed to load resume record: %w", err)
	}

	found := false
	for i := range record.Parts {
		if record.Parts[i].Index == index {
			record.Parts[i].BytesWritten = bytesWritten
			record.Parts[i].Path = path
			found = true
			break
		}
	}
	if !found {
		record.Parts = append(record.Parts, PartProgress{
			Index:        index,
			BytesWritten: bytesWritten,
			Path:         path,
		})
	}
	record.UpdatedAt = time.Now()

	if err := db.store.Upsert(taskID, &record); err != nil {
		return fmt.Errorf("failed to store resume record: %w", err)
	}
	return nil
}

// GetResumeRecord retrieves the resume record for a task, or nil if the task
// has no durably written bytes
func (db *Database) GetResumeRecord(taskID string) (*ResumeRecord, error) {
	var record ResumeRecord
	err := db.store.Get(taskID, &record)
	if err == bolthold.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load resume record: %w", err)
	}
	return &record, nil
}

// DeleteResumeRecord removes a task's resume record. Called only after the
// final artifact is confirmed in its destination.
func (db *Database) DeleteResumeRecord(taskID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.store.Delete(taskID, &ResumeRecord{})
	if err != nil && err != bolthold.ErrNotFound {
		return fmt.Errorf("failed to delete resume record: %w", err)
	}
	return nil
}

// ClearPartProgress drops one part's recorded offset, used when a
// non-resumable failure forces a restart from zero
func (db *Database) ClearPartProgress(taskID string, index int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var record ResumeRecord
	err := db.store.Get(taskID, &record)
	if err == bolthold.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load resume record: %w", err)
	}

	kept := record.Parts[:0]
	for _, p := range record.Parts {
		if p.Index != index {
			kept = append(kept, p)
		}
	}
	record.Parts = kept
	record.UpdatedAt = time.Now()

	if len(record.Parts) == 0 {
		if err := db.store.Delete(taskID, &ResumeRecord{}); err != nil && err != bolthold.ErrNotFound {
			return fmt.Errorf("failed to delete resume record: %w", err)
		}
		return nil
	}

	if err := db.store.Upsert(taskID, &record); err != nil {
		return fmt.Errorf("failed to store resume record: %w", err)
	}
	return nil
}

// ListResumeRecords returns every stored resume record, for restart recovery
// and diagnostics
func (db *Database) ListResumeRecords() ([]ResumeRecord, error) {
	var records []ResumeRecord
	if err := db.store.Find(&records, nil); err != nil {
		return nil, fmt.Errorf("failed to list resume records: %w", err)
	}
	return records, nil
}

// Task snapshot operations

// SaveTask persists a snapshot of a task's state
func (db *Database) SaveTask(task *DownloadTask) error {
	task.UpdatedAt = time.Now()
	if err := db.store.Upsert("task:"+task.ID, task); err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	return nil
}

// GetTask retrieves a task snapshot by ID, nil if unknown
func (db *Database) GetTask(taskID string) (*DownloadTask, error) {
	var task DownloadTask
	err := db.store.Get("task:"+taskID, &task)
	if err == bolthold.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &task, nil
}

// DeleteTask removes a task snapshot
func (db *Database) DeleteTask(taskID string) error {
	err := db.store.Delete("task:"+taskID, &DownloadTask{})
	if err != nil && err != bolthold.ErrNotFound {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// ListTasks returns all persisted task snapshots
func (db *Database) ListTasks() ([]DownloadTask, error) {
	var tasks []DownloadTask
	if err := db.store.Find(&tasks, nil); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}
