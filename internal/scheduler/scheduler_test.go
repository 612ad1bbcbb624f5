package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bilidown/bilidown/internal/classifier"
	"github.com/bilidown/bilidown/internal/config"
	"github.com/bilidown/bilidown/internal/models"
	"github.com/bilidown/bilidown/internal/progress"
	"github.com/sirupsen/logrus"
)

// fakeDownloader counts concurrent Download calls and optionally blocks each
// call until a token arrives on release
type fakeDownloader struct {
	mu        sync.Mutex
	active    int
	maxActive int
	order     []string
	release   chan struct{}
	errFn     func(taskID string, part *models.Part) error
}

func (f *fakeDownloader) Download(ctx context.Context, taskID string, part *models.Part) error {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.order = append(f.order, taskID)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.NewTaskError(models.FailureCancelled, ctx.Err())
		}
	}
	if f.errFn != nil {
		if err := f.errFn(taskID, part); err != nil {
			return err
		}
	}
	part.BytesWritten = part.TotalSize
	return nil
}

func (f *fakeDownloader) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeDownloader) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *fakeDownloader) Order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []string
	fail  bool
	gate  chan struct{}
}

func (f *fakeFinalizer) Finalize(ctx context.Context, task *models.DownloadTask) error {
	f.mu.Lock()
	f.calls = append(f.calls, task.ID)
	fail := f.fail
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.NewTaskError(models.FailureCancelled, ctx.Err())
		}
	}
	if fail {
		return models.NewTaskError(models.FailureMerge, errors.New("exit status 1"))
	}
	return nil
}

func (f *fakeFinalizer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFinalizer) SetFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func newTestScheduler(t *testing.T, dlr PartDownloader, fin Finalizer, limit int) (*Scheduler, *models.Database) {
	t.Helper()
	dir := t.TempDir()

	db, err := models.NewDatabase(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	catPath := filepath.Join(dir, "categories.yaml")
	data := "categories:\n  default: default\n  video: media/video\n"
	if err := os.WriteFile(catPath, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	table, err := config.LoadCategories(catPath)
	if err != nil {
		t.Fatalf("failed to load categories: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s := NewScheduler(dlr, fin, db, progress.NewTracker(time.Hour), classifier.New(table), limit, logger)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, db
}

func newTask(id string, parts int) *models.DownloadTask {
	task := &models.DownloadTask{
		ID:       id,
		Title:    "Show " + id,
		Source:   "http://example.com/" + id,
		Category: "video",
	}
	for i := 0; i < parts; i++ {
		task.Parts = append(task.Parts, &models.Part{
			Index:     i,
			URL:       fmt.Sprintf("http://example.com/%s/%d", id, i),
			Kind:      models.PartVideo,
			TotalSize: 100,
			Path:      fmt.Sprintf("/tmp/%s.%d.part", id, i),
		})
	}
	return task
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dbTaskState(t *testing.T, db *models.Database, id string) models.TaskState {
	t.Helper()
	task, err := db.GetTask(id)
	if err != nil || task == nil {
		return ""
	}
	return task.State
}

func TestConcurrencyLimitHolds(t *testing.T) {
	dlr := &fakeDownloader{release: make(chan struct{})}
	fin := &fakeFinalizer{}
	s, _ := newTestScheduler(t, dlr, fin, 2)

	// Three tasks of two parts each: six parts against a budget of two
	for _, id := range []string{"t1", "t2", "t3"} {
		if _, err := s.Submit(newTask(id, 2)); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	waitFor(t, "two parts in flight", func() bool { return dlr.Active() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := dlr.Active(); got != 2 {
		t.Errorf("active parts = %d, want exactly 2", got)
	}

	// Drain everything; the high-water mark must never exceed the limit
	for i := 0; i < 6; i++ {
		dlr.release <- struct{}{}
	}
	waitFor(t, "all parts drained", func() bool { return dlr.Active() == 0 })
	if got := dlr.MaxActive(); got > 2 {
		t.Errorf("max concurrent parts = %d, limit was 2", got)
	}
}

func TestConcurrencyLimitChangesAtRuntime(t *testing.T) {
	dlr := &fakeDownloader{release: make(chan struct{})}
	fin := &fakeFinalizer{}
	s, _ := newTestScheduler(t, dlr, fin, 1)

	if _, err := s.Submit(newTask("t1", 3)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFor(t, "one part in flight", func() bool { return dlr.Active() == 1 })

	// Raising the limit admits queued parts without waiting for completions
	s.SetConcurrencyLimit(3)
	waitFor(t, "three parts in flight", func() bool { return dlr.Active() == 3 })

	// Lowering the budget never interrupts in-flight parts
	s.SetConcurrencyLimit(1)
	time.Sleep(50 * time.Millisecond)
	if got := dlr.Active(); got != 3 {
		t.Errorf("in-flight parts interrupted by limit decrease: active = %d", got)
	}

	for i := 0; i < 3; i++ {
		dlr.release <- struct{}{}
	}
	waitFor(t, "all parts drained", func() bool { return dlr.Active() == 0 })
}

func TestDispatchIsFIFO(t *testing.T) {
	release := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		release <- struct{}{}
	}
	dlr := &fakeDownloader{release: release}
	fin := &fakeFinalizer{}
	s, db := newTestScheduler(t, dlr, fin, 1)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Submit(newTask(id, 1)); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	waitFor(t, "all tasks completed", func() bool {
		return dbTaskState(t, db, "a") == models.TaskCompleted &&
			dbTaskState(t, db, "b") == models.TaskCompleted &&
			dbTaskState(t, db, "c") == models.TaskCompleted
	})

	order := dlr.Order()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("dispatch order = %v, want [a b c]", order)
	}
}

func TestCancelKeepsResumeState(t *testing.T) {
	dlr := &fakeDownloader{release: make(chan struct{})}
	fin := &fakeFinalizer{}
	s, db := newTestScheduler(t, dlr, fin, 2)

	// Prior progress on disk: submission must seed the offset from the record
	if err := db.UpsertPartProgress("t1", 0, 100, "/tmp/t1.0.part"); err != nil {
		t.Fatal(err)
	}

	task := newTask("t1", 2)
	task.Parts[0].TotalSize = 500
	if _, err := s.Submit(task); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if task.Parts[0].BytesWritten != 100 {
		t.Errorf("seeded offset = %d, want 100", task.Parts[0].BytesWritten)
	}

	waitFor(t, "parts in flight", func() bool { return dlr.Active() == 2 })
	if err := s.Cancel("t1"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	waitFor(t, "task marked failed", func() bool {
		return dbTaskState(t, db, "t1") == models.TaskFailed
	})
	waitFor(t, "in-flight parts drained", func() bool { return dlr.Active() == 0 })

	// The resume record survives cancellation so the task stays resumable
	record, err := db.GetResumeRecord("t1")
	if err != nil || record == nil {
		t.Fatalf("resume record must survive cancellation: %v", err)
	}
	if record.PartOffset(0) != 100 {
		t.Errorf("recorded offset = %d, want 100", record.PartOffset(0))
	}

	if err := s.Cancel("no-such-task"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("cancelling an unknown task should return ErrUnknownTask, got %v", err)
	}
}

func TestMergeRunsOnlyWhenAllPartsComplete(t *testing.T) {
	dlr := &fakeDownloader{release: make(chan struct{})}
	fin := &fakeFinalizer{}
	s, db := newTestScheduler(t, dlr, fin, 2)

	if _, err := s.Submit(newTask("t1", 2)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFor(t, "both parts in flight", func() bool { return dlr.Active() == 2 })

	// First part finishes; the merge must wait for the straggler
	dlr.release <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	if fin.Calls() != 0 {
		t.Fatal("merge ran before all parts were complete")
	}

	dlr.release <- struct{}{}
	waitFor(t, "task completed", func() bool {
		return dbTaskState(t, db, "t1") == models.TaskCompleted
	})
	if fin.Calls() != 1 {
		t.Errorf("merge ran %d times, want 1", fin.Calls())
	}
}

func TestMergeFailureStaysRetryable(t *testing.T) {
	dlr := &fakeDownloader{}
	fin := &fakeFinalizer{fail: true}
	s, db := newTestScheduler(t, dlr, fin, 2)

	if _, err := s.Submit(newTask("t1", 2)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Merge fails: the task parks in merging with a recorded reason
	waitFor(t, "merge failure recorded", func() bool {
		task, _ := db.GetTask("t1")
		return task != nil && task.State == models.TaskMerging && task.FailureReason != ""
	})

	// Re-running the merge needs no re-download
	fin.SetFail(false)
	waitFor(t, "merge retry accepted", func() bool { return s.RetryMerge("t1") == nil })
	waitFor(t, "task completed", func() bool {
		return dbTaskState(t, db, "t1") == models.TaskCompleted
	})
	if fin.Calls() < 2 {
		t.Errorf("merge ran %d times, want at least 2", fin.Calls())
	}
}

func TestPartFailureFailsTaskAndRetryResumes(t *testing.T) {
	var failOnce int32 = 1
	dlr := &fakeDownloader{
		errFn: func(taskID string, part *models.Part) error {
			if part.Index == 1 && atomic.CompareAndSwapInt32(&failOnce, 1, 0) {
				return models.NewTaskError(models.FailureTransient, errors.New("retries exhausted"))
			}
			return nil
		},
	}
	fin := &fakeFinalizer{}
	s, db := newTestScheduler(t, dlr, fin, 2)

	if _, err := s.Submit(newTask("t1", 2)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitFor(t, "task failed", func() bool {
		return dbTaskState(t, db, "t1") == models.TaskFailed
	})
	task, _ := db.GetTask("t1")
	if task.FailureReason == "" {
		t.Error("failed task should carry a failure reason")
	}

	// Retry keeps the completed part and re-runs only the failed one
	waitFor(t, "retry accepted", func() bool { return s.Retry("t1") == nil })
	waitFor(t, "task completed after retry", func() bool {
		return dbTaskState(t, db, "t1") == models.TaskCompleted
	})

	calls := dlr.Order()
	if len(calls) != 3 {
		t.Errorf("downloader ran %d times, want 3 (two first-pass parts, one retried)", len(calls))
	}
}

func TestStaleTaskIsFailed(t *testing.T) {
	dlr := &fakeDownloader{release: make(chan struct{})}
	fin := &fakeFinalizer{}
	s, db := newTestScheduler(t, dlr, fin, 2)

	if _, err := s.Submit(newTask("t1", 1)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFor(t, "part in flight", func() bool { return dlr.Active() == 1 })

	// No byte progress arrives, so even a short timeout trips the sweep
	time.Sleep(20 * time.Millisecond)
	s.FailStale(10 * time.Millisecond)

	waitFor(t, "stalled task failed", func() bool {
		return dbTaskState(t, db, "t1") == models.TaskFailed
	})
	task, _ := db.GetTask("t1")
	if task.FailureReason == "" {
		t.Error("stalled task should carry a failure reason")
	}
	waitFor(t, "in-flight part drained", func() bool { return dlr.Active() == 0 })
}

func TestDuplicateSubmissionIgnoredWhileActive(t *testing.T) {
	dlr := &fakeDownloader{release: make(chan struct{})}
	fin := &fakeFinalizer{}
	s, _ := newTestScheduler(t, dlr, fin, 2)

	if _, err := s.Submit(newTask("t1", 1)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFor(t, "part in flight", func() bool { return dlr.Active() == 1 })

	// A second submission of the same ID must not dispatch more parts
	if _, err := s.Submit(newTask("t1", 1)); err != nil {
		t.Fatalf("duplicate submit errored: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := dlr.Active(); got != 1 {
		t.Errorf("duplicate submission dispatched parts: active = %d", got)
	}

	dlr.release <- struct{}{}
	waitFor(t, "parts drained", func() bool { return dlr.Active() == 0 })
}

func TestRecoverRestoresFailedAndMergingTasks(t *testing.T) {
	dlr := &fakeDownloader{}
	fin := &fakeFinalizer{}
	s, db := newTestScheduler(t, dlr, fin, 2)

	// Snapshots left behind by a crashed process
	failed := newTask("crashed-failed", 2)
	failed.State = models.TaskFailed
	failed.FailureReason = "retries_exhausted: remote returned 503"
	failed.Parts[0].State = models.PartComplete
	failed.Parts[0].BytesWritten = 100
	failed.Parts[1].State = models.PartFailed
	if err := db.SaveTask(failed); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertPartProgress("crashed-failed", 1, 40, failed.Parts[1].Path); err != nil {
		t.Fatal(err)
	}

	merging := newTask("crashed-merging", 1)
	merging.State = models.TaskMerging
	merging.FailureReason = "merge: exit status 1"
	merging.Parts[0].State = models.PartComplete
	merging.Parts[0].BytesWritten = 100
	if err := db.SaveTask(merging); err != nil {
		t.Fatal(err)
	}

	if err := s.Recover(); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	// Neither task dispatches anything on its own
	time.Sleep(50 * time.Millisecond)
	if got := len(dlr.Order()); got != 0 {
		t.Fatalf("recovery dispatched %d parts, want 0", got)
	}

	// The failed task is still manually retryable and re-runs only its
	// failed part
	if err := s.Retry("crashed-failed"); err != nil {
		t.Fatalf("retry after restart failed: %v", err)
	}
	waitFor(t, "retried task completed", func() bool {
		return dbTaskState(t, db, "crashed-failed") == models.TaskCompleted
	})
	if got := len(dlr.Order()); got != 1 {
		t.Errorf("downloader ran %d times, want 1 (only the failed part)", got)
	}

	// The merge-failed task re-merges without any re-download
	if err := s.RetryMerge("crashed-merging"); err != nil {
		t.Fatalf("merge retry after restart failed: %v", err)
	}
	waitFor(t, "re-merged task completed", func() bool {
		return dbTaskState(t, db, "crashed-merging") == models.TaskCompleted
	})
	if got := len(dlr.Order()); got != 1 {
		t.Errorf("merge retry triggered %d downloads, want none", got-1)
	}
}

func TestRecoverRestoredFailedTaskIsRemovable(t *testing.T) {
	s, db := newTestScheduler(t, &fakeDownloader{}, &fakeFinalizer{}, 1)

	failed := newTask("crashed-failed", 1)
	failed.State = models.TaskFailed
	failed.Parts[0].State = models.PartFailed
	if err := db.SaveTask(failed); err != nil {
		t.Fatal(err)
	}

	if err := s.Recover(); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if err := s.Remove("crashed-failed"); err != nil {
		t.Fatalf("remove of restored failed task failed: %v", err)
	}
	task, _ := db.GetTask("crashed-failed")
	if task != nil {
		t.Error("task snapshot should be gone after removal")
	}
}

func TestCancelDuringMergeKeepsCancelledOutcome(t *testing.T) {
	dlr := &fakeDownloader{}
	gate := make(chan struct{})
	fin := &fakeFinalizer{gate: gate}
	s, db := newTestScheduler(t, dlr, fin, 2)

	if _, err := s.Submit(newTask("t1", 1)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFor(t, "merge started", func() bool { return fin.Calls() == 1 })

	if err := s.Cancel("t1"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	waitFor(t, "task marked failed", func() bool {
		return dbTaskState(t, db, "t1") == models.TaskFailed
	})

	// The merge finishing late must not overwrite the cancelled outcome
	close(gate)
	time.Sleep(50 * time.Millisecond)
	if got := dbTaskState(t, db, "t1"); got != models.TaskFailed {
		t.Errorf("task state = %v after late merge completion, want %v", got, models.TaskFailed)
	}
}

func TestRemoveDeletesTaskState(t *testing.T) {
	dlr := &fakeDownloader{release: make(chan struct{})}
	fin := &fakeFinalizer{}
	s, db := newTestScheduler(t, dlr, fin, 2)

	if _, err := s.Submit(newTask("t1", 1)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFor(t, "part in flight", func() bool { return dlr.Active() == 1 })

	// Active tasks cannot be removed
	if err := s.Remove("t1"); err == nil {
		t.Fatal("removing an active task should fail")
	}

	dlr.release <- struct{}{}
	waitFor(t, "task completed", func() bool {
		return dbTaskState(t, db, "t1") == models.TaskCompleted
	})

	if err := s.Remove("t1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	task, _ := db.GetTask("t1")
	if task != nil {
		t.Error("task snapshot should be gone after removal")
	}
	record, _ := db.GetResumeRecord("t1")
	if record != nil {
		t.Error("resume record should be gone after removal")
	}

	if err := s.Remove("t1"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("removing a missing task should return ErrUnknownTask, got %v", err)
	}
}

func TestSubmitRejectsEmptyTask(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeDownloader{}, &fakeFinalizer{}, 1)
	if _, err := s.Submit(&models.DownloadTask{ID: "empty", Title: "x"}); err == nil {
		t.Fatal("submitting a task without parts should fail")
	}
}
