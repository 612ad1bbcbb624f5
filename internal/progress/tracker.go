package progress

import (
	"sync"
	"time"

	"github.com/bilidown/bilidown/internal/models"
	"golang.org/x/time/rate"
)

// Phase mirrors the task lifecycle for consumer-facing status
type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseDownloading Phase = "downloading"
	PhaseMerging     Phase = "merging"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// PartProgress reports one part's byte counters
type PartProgress struct {
	Index     int   `json:"index"`
	BytesDone int64 `json:"bytes_done"`
	Total     int64 `json:"total"`
}

// Progress is a publishable status for one task
type Progress struct {
	TaskID    string         `json:"task_id"`
	Phase     Phase          `json:"phase"`
	BytesDone int64          `json:"bytes_done"`
	Total     int64          `json:"total"` // models.SizeUnknown when unknown
	Fraction  float64        `json:"fraction"`
	Parts     []PartProgress `json:"parts"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Tracker aggregates per-part byte deltas into per-task totals. Byte
// callbacks are cheap; subscriber notification is bounded by a rate limiter
// so high-frequency I/O never floods consumers.
type Tracker struct {
	mu      sync.RWMutex
	tasks   map[string]*taskEntry
	limiter *rate.Limiter
	subs    []func(map[string]Progress)
}

type taskEntry struct {
	phase     Phase
	parts     map[int]*PartProgress
	updatedAt time.Time
}

// NewTracker creates a tracker publishing at most one snapshot per interval
func NewTracker(publishInterval time.Duration) *Tracker {
	if publishInterval <= 0 {
		publishInterval = 500 * time.Millisecond
	}
	return &Tracker{
		tasks:   make(map[string]*taskEntry),
		limiter: rate.NewLimiter(rate.Every(publishInterval), 1),
	}
}

// Subscribe registers a snapshot consumer. Callbacks run on the caller of
// OnBytes/SetPhase, at the bounded publish rate.
func (t *Tracker) Subscribe(fn func(map[string]Progress)) {
	t.mu.Lock()
	t.subs = append(t.subs, fn)
	t.mu.Unlock()
}

// Register seeds the tracker with a task's parts so totals are known before
// the first byte arrives
func (t *Tracker) Register(task *models.DownloadTask) {
	t.mu.Lock()
	entry := &taskEntry{
		phase:     PhasePending,
		parts:     make(map[int]*PartProgress),
		updatedAt: time.Now(),
	}
	for _, p := range task.Parts {
		entry.parts[p.Index] = &PartProgress{
			Index:     p.Index,
			BytesDone: p.BytesWritten,
			Total:     p.TotalSize,
		}
	}
	t.tasks[task.ID] = entry
	t.mu.Unlock()
}

// OnBytes records a byte delta for one part of a task
func (t *Tracker) OnBytes(taskID string, partIndex int, delta int64) {
	t.mu.Lock()
	entry, ok := t.tasks[taskID]
	if !ok {
		t.mu.Unlock()
		return
	}
	part, ok := entry.parts[partIndex]
	if !ok {
		part = &PartProgress{Index: partIndex, Total: models.SizeUnknown}
		entry.parts[partIndex] = part
	}
	part.BytesDone += delta
	entry.updatedAt = time.Now()
	t.mu.Unlock()

	t.maybePublish()
}

// SetTotal updates a part's expected size once the remote reports it
func (t *Tracker) SetTotal(taskID string, partIndex int, total int64) {
	t.mu.Lock()
	if entry, ok := t.tasks[taskID]; ok {
		if part, ok := entry.parts[partIndex]; ok {
			part.Total = total
		} else {
			entry.parts[partIndex] = &PartProgress{Index: partIndex, Total: total}
		}
	}
	t.mu.Unlock()
}

// SetPhase moves a task to a new phase and publishes immediately; phase
// changes are rare and consumers should not miss them
func (t *Tracker) SetPhase(taskID string, phase Phase) {
	t.mu.Lock()
	entry, ok := t.tasks[taskID]
	if !ok {
		entry = &taskEntry{parts: make(map[int]*PartProgress)}
		t.tasks[taskID] = entry
	}
	entry.phase = phase
	entry.updatedAt = time.Now()
	t.mu.Unlock()

	t.publish()
}

// LastUpdate returns when a task's progress last moved, for stall detection
func (t *Tracker) LastUpdate(taskID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.tasks[taskID]
	if !ok {
		return time.Time{}, false
	}
	return entry.updatedAt, true
}

// Remove forgets a task
func (t *Tracker) Remove(taskID string) {
	t.mu.Lock()
	delete(t.tasks, taskID)
	t.mu.Unlock()
}

// Snapshot returns the current progress of every tracked task
func (t *Tracker) Snapshot() map[string]Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Progress, len(t.tasks))
	for id, entry := range t.tasks {
		out[id] = entry.progress(id)
	}
	return out
}

// Get returns one task's progress
func (t *Tracker) Get(taskID string) (Progress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.tasks[taskID]
	if !ok {
		return Progress{}, false
	}
	return entry.progress(taskID), true
}

func (e *taskEntry) progress(id string) Progress {
	p := Progress{
		TaskID:    id,
		Phase:     e.phase,
		Total:     0,
		UpdatedAt: e.updatedAt,
	}
	for _, part := range e.parts {
		p.BytesDone += part.BytesDone
		if p.Total != models.SizeUnknown {
			if part.Total == models.SizeUnknown {
				p.Total = models.SizeUnknown
			} else {
				p.Total += part.Total
			}
		}
		p.Parts = append(p.Parts, *part)
	}
	if p.Total > 0 {
		p.Fraction = float64(p.BytesDone) / float64(p.Total)
		if p.Fraction > 1 {
			p.Fraction = 1
		}
	}
	return p
}

func (t *Tracker) maybePublish() {
	if t.limiter.Allow() {
		t.publish()
	}
}

func (t *Tracker) publish() {
	snapshot := t.Snapshot()
	t.mu.RLock()
	subs := make([]func(map[string]Progress), len(t.subs))
	copy(subs, t.subs)
	t.mu.RUnlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}
