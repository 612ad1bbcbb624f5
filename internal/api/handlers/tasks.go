package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/bilidown/bilidown/internal/models"
	"github.com/bilidown/bilidown/internal/progress"
	"github.com/bilidown/bilidown/internal/scheduler"
	"github.com/bilidown/bilidown/internal/services/bili"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// TasksHandler exposes the submission and status interface
type TasksHandler struct {
	sched      *scheduler.Scheduler
	store      *models.Database
	tracker    *progress.Tracker
	biliClient *bili.Client
	scratchDir string
	logger     *logrus.Logger
}

// NewTasksHandler creates the task endpoints
func NewTasksHandler(sched *scheduler.Scheduler, store *models.Database, tracker *progress.Tracker, biliClient *bili.Client, scratchDir string, logger *logrus.Logger) *TasksHandler {
	return &TasksHandler{
		sched:      sched,
		store:      store,
		tracker:    tracker,
		biliClient: biliClient,
		scratchDir: scratchDir,
		logger:     logger,
	}
}

type submitPart struct {
	URL       string `json:"url"`
	Kind      string `json:"kind"`
	TotalSize int64  `json:"total_size"`
}

type submitRequest struct {
	Source      string       `json:"source"`
	Title       string       `json:"title"`
	Category    string       `json:"category"`
	GroupSeries bool         `json:"group_series"`
	Page        int          `json:"page"`
	Parts       []submitPart `json:"parts"`
}

// Submit accepts a task description and returns its identifiers immediately;
// further status is observed via the progress snapshot endpoints. Without an
// explicit part list the source page is resolved, and a multi-page video
// expands into one task per page unless a specific page was requested.
func (h *TasksHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, errors.New("source is required"))
		return
	}

	if len(req.Parts) > 0 {
		if req.Title == "" {
			writeError(w, http.StatusBadRequest, errors.New("title is required when parts are supplied"))
			return
		}
		if req.Page < 1 {
			req.Page = 1
		}
		id, err := h.submitOne(req.Title, &req, req.Page, req.Parts)
		if err != nil {
			writeSubmitError(w, err)
			return
		}
		writeAccepted(w, []string{id})
		return
	}

	ids, status, err := h.resolveAndSubmit(r.Context(), &req)
	if err != nil {
		writeError(w, status, err)
		return
	}
	writeAccepted(w, ids)
}

// resolveAndSubmit fetches the source page and submits one task per page.
// A request naming a page submits only that page.
func (h *TasksHandler) resolveAndSubmit(ctx context.Context, req *submitRequest) ([]string, int, error) {
	info, err := h.biliClient.GetVideoInfo(ctx, req.Source)
	if err != nil {
		return nil, http.StatusBadGateway, err
	}
	if req.Title == "" {
		req.Title = info.Title
	}

	var pages []int
	if req.Page >= 1 {
		pages = []int{req.Page}
	} else {
		for p := 1; p <= info.Pages; p++ {
			pages = append(pages, p)
		}
	}

	ids := make([]string, 0, len(pages))
	for _, page := range pages {
		pi := info
		if page != 1 {
			pi, err = h.biliClient.GetPageInfo(ctx, req.Source, page)
			if err != nil {
				return nil, http.StatusBadGateway, err
			}
		}

		parts := []submitPart{{URL: pi.VideoURL, Kind: string(models.PartVideo)}}
		if pi.AudioURL != "" {
			parts = append(parts, submitPart{URL: pi.AudioURL, Kind: string(models.PartAudio)})
		}

		// Page-marked titles keep per-page artifacts distinct and let the
		// classifier group them under one series folder
		title := req.Title
		if len(pages) > 1 {
			title = fmt.Sprintf("%s 第%dP", req.Title, page)
		}

		id, err := h.submitOne(title, req, page, parts)
		if err != nil {
			if models.KindOf(err) == models.FailureConfig {
				return nil, http.StatusUnprocessableEntity, err
			}
			return nil, http.StatusInternalServerError, err
		}
		ids = append(ids, id)
	}
	return ids, 0, nil
}

func (h *TasksHandler) submitOne(title string, req *submitRequest, page int, parts []submitPart) (string, error) {
	return h.sched.Submit(h.buildTask(title, req, page, parts))
}

func (h *TasksHandler) buildTask(title string, req *submitRequest, page int, parts []submitPart) *models.DownloadTask {
	id := models.NewTaskID(req.Source, page)
	task := &models.DownloadTask{
		ID:          id,
		Title:       title,
		Source:      req.Source,
		Category:    req.Category,
		GroupSeries: req.GroupSeries,
	}
	for i, p := range parts {
		kind := models.PartKind(p.Kind)
		if kind == "" {
			kind = models.PartSegment
		}
		total := p.TotalSize
		if total <= 0 {
			total = models.SizeUnknown
		}
		task.Parts = append(task.Parts, &models.Part{
			Index:     i,
			URL:       p.URL,
			Kind:      kind,
			TotalSize: total,
			Path:      filepath.Join(h.scratchDir, fmt.Sprintf("%s.%d.%s.part", id, i, kind)),
			State:     models.PartPending,
		})
	}
	return task
}

// List returns all known tasks with their live progress
func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	snapshot := h.tracker.Snapshot()
	type taskStatus struct {
		models.DownloadTask
		Progress *progress.Progress `json:"progress,omitempty"`
	}
	out := make([]taskStatus, 0, len(tasks))
	for i := range tasks {
		st := taskStatus{DownloadTask: tasks[i]}
		if p, ok := snapshot[tasks[i].ID]; ok {
			st.Progress = &p
		}
		out = append(out, st)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// Get returns one task with its live progress
func (h *TasksHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := h.store.GetTask(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", id))
		return
	}

	resp := struct {
		*models.DownloadTask
		Progress *progress.Progress `json:"progress,omitempty"`
	}{DownloadTask: task}
	if p, ok := h.tracker.Get(id); ok {
		resp.Progress = &p
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Cancel stops a task, keeping its partial files and resume record
func (h *TasksHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, h.sched.Cancel)
}

// Retry re-queues a failed task
func (h *TasksHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, h.sched.Retry)
}

// RetryMerge re-runs a failed merge without re-downloading
func (h *TasksHandler) RetryMerge(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, h.sched.RetryMerge)
}

// Delete removes a finished task and everything stored for it
func (h *TasksHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, h.sched.Remove)
}

func (h *TasksHandler) taskAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id := mux.Vars(r)["id"]
	if err := action(id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, scheduler.ErrUnknownTask) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type concurrencyRequest struct {
	Limit int `json:"limit"`
}

// SetConcurrency adjusts the worker budget at runtime
func (h *TasksHandler) SetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Limit < 1 {
		writeError(w, http.StatusBadRequest, errors.New("limit must be at least 1"))
		return
	}
	h.sched.SetConcurrencyLimit(req.Limit)
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeSubmitError(w http.ResponseWriter, err error) {
	if models.KindOf(err) == models.FailureConfig {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeAccepted(w http.ResponseWriter, ids []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"id": ids[0], "ids": ids})
}
