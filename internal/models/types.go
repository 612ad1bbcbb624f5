package models

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// TaskState represents the current processing state of a download task
type TaskState string

const (
	TaskPending     TaskState = "pending"
	TaskDownloading TaskState = "downloading"
	TaskMerging     TaskState = "merging"
	TaskCompleted   TaskState = "completed"
	TaskFailed      TaskState = "failed"
)

// PartState represents the state of a single part of a task
type PartState string

const (
	PartPending    PartState = "pending"
	PartInProgress PartState = "in_progress"
	PartComplete   PartState = "complete"
	PartFailed     PartState = "failed"
)

// PartKind identifies what a part carries
type PartKind string

const (
	PartVideo   PartKind = "video"
	PartAudio   PartKind = "audio"
	PartSegment PartKind = "segment"
)

// SizeUnknown marks a part whose total size the remote did not report
const SizeUnknown int64 = -1

// Part is one individually fetchable remote resource belonging to a task.
// BytesWritten is the single source of truth for resume: the partial file's
// length must equal it after every flush.
type Part struct {
	Index        int       `json:"index"`
	URL          string    `json:"url"`
	Kind         PartKind  `json:"kind"`
	TotalSize    int64     `json:"total_size"`
	Path         string    `json:"path"`
	BytesWritten int64     `json:"bytes_written"`
	State        PartState `json:"state"`
	Error        string    `json:"error,omitempty"`
}

// DownloadTask is one user-requested download unit, possibly composed of
// multiple parts (separate audio/video streams or series pages)
type DownloadTask struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Source        string    `json:"source"`
	Category      string    `json:"category"`
	GroupSeries   bool      `json:"group_series"`
	SeriesName    string    `json:"series_name,omitempty"`
	DestDir       string    `json:"dest_dir"`
	OutputName    string    `json:"output_name"`
	Parts         []*Part   `json:"parts"`
	State         TaskState `json:"state"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewTaskID derives a stable task identifier from the source reference and
// part page index, so re-submitting the same video resumes instead of
// starting over.
func NewTaskID(source string, page int) string {
	sum := sha1.Sum([]byte(source))
	return fmt.Sprintf("%s-p%d", hex.EncodeToString(sum[:])[:12], page)
}

// AllPartsComplete reports whether every part of the task reached Complete
func (t *DownloadTask) AllPartsComplete() bool {
	if len(t.Parts) == 0 {
		return false
	}
	for _, p := range t.Parts {
		if p.State != PartComplete {
			return false
		}
	}
	return true
}

// TotalBytes returns the summed expected size of all parts, or SizeUnknown
// if any part's size is unknown
func (t *DownloadTask) TotalBytes() int64 {
	var total int64
	for _, p := range t.Parts {
		if p.TotalSize == SizeUnknown {
			return SizeUnknown
		}
		total += p.TotalSize
	}
	return total
}

// PartProgress is one durable (part index, bytes written, local path) tuple
type PartProgress struct {
	Index        int    `json:"index"`
	BytesWritten int64  `json:"bytes_written"`
	Path         string `json:"path"`
}

// ResumeRecord is the durable mapping from task ID to per-part progress.
// It exists iff at least one byte of the task has been durably written and
// is deleted only after the final artifact is confirmed in its destination.
type ResumeRecord struct {
	TaskID    string         `boltholdKey:"TaskID" json:"task_id"`
	Parts     []PartProgress `json:"parts"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PartOffset returns the recorded bytes-written for a part index, 0 if absent
func (r *ResumeRecord) PartOffset(index int) int64 {
	for _, p := range r.Parts {
		if p.Index == index {
			return p.BytesWritten
		}
	}
	return 0
}
