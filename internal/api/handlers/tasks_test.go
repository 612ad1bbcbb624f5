package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bilidown/bilidown/internal/classifier"
	"github.com/bilidown/bilidown/internal/config"
	"github.com/bilidown/bilidown/internal/models"
	"github.com/bilidown/bilidown/internal/progress"
	"github.com/bilidown/bilidown/internal/scheduler"
	"github.com/bilidown/bilidown/internal/services/bili"
	"github.com/sirupsen/logrus"
)

type stubDownloader struct{}

func (stubDownloader) Download(ctx context.Context, taskID string, part *models.Part) error {
	return nil
}

type stubFinalizer struct{}

func (stubFinalizer) Finalize(ctx context.Context, task *models.DownloadTask) error {
	return nil
}

func testHandler(t *testing.T) (*TasksHandler, *models.Database) {
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

	tracker := progress.NewTracker(time.Hour)
	sched := scheduler.NewScheduler(stubDownloader{}, stubFinalizer{}, db, tracker,
		classifier.New(table), 2, logger)
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	return NewTasksHandler(sched, db, tracker, bili.NewClient(logger), dir, logger), db
}

// seriesServer serves a three-page video, each page with its own streams
func seriesServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("p")
		if page == "" {
			page = "1"
		}
		playinfo := fmt.Sprintf(`{"data":{"dash":{"video":[{"baseUrl":"https://cdn.example.com/v%s.m4s"}],"audio":[{"baseUrl":"https://cdn.example.com/a%s.m4s"}]}}}`, page, page)
		fmt.Fprintf(w, `<html><head><title>Series X</title></head>
<body><div>(1/共3P)</div><script>window.__playinfo__=%s</script></body></html>`, playinfo)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitExpandsSeriesPages(t *testing.T) {
	h, db := testHandler(t)
	srv := seriesServer(t)

	body := fmt.Sprintf(`{"source":%q,"category":"video","group_series":true}`, srv.URL+"/video/BV1xx")
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Submit(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID  string   `json:"id"`
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if len(resp.IDs) != 3 {
		t.Fatalf("submitted %d tasks for a 3-page video, want 3: %v", len(resp.IDs), resp.IDs)
	}
	if resp.ID != resp.IDs[0] {
		t.Errorf("id %q is not the first of ids %v", resp.ID, resp.IDs)
	}

	for i, id := range resp.IDs {
		task, err := db.GetTask(id)
		if err != nil || task == nil {
			t.Fatalf("task %s not persisted: %v", id, err)
		}
		wantSuffix := fmt.Sprintf("-p%d", i+1)
		if !strings.HasSuffix(id, wantSuffix) {
			t.Errorf("task ID %q does not carry page suffix %q", id, wantSuffix)
		}
		wantStream := fmt.Sprintf("v%d.m4s", i+1)
		if !strings.Contains(task.Parts[0].URL, wantStream) {
			t.Errorf("page %d task fetches %q, want the page's own stream %q", i+1, task.Parts[0].URL, wantStream)
		}
		if len(task.Parts) != 2 {
			t.Errorf("page %d has %d parts, want video+audio", i+1, len(task.Parts))
		}
		// Page-marked titles collapse to one series folder
		if task.DestDir != filepath.Join("media/video", "Series X") {
			t.Errorf("page %d dest = %q", i+1, task.DestDir)
		}
	}
}

func TestSubmitSinglePageWhenRequested(t *testing.T) {
	h, db := testHandler(t)
	srv := seriesServer(t)

	body := fmt.Sprintf(`{"source":%q,"category":"video","page":2}`, srv.URL+"/video/BV1xx")
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Submit(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.IDs) != 1 {
		t.Fatalf("submitted %d tasks for an explicit page, want 1", len(resp.IDs))
	}

	task, _ := db.GetTask(resp.IDs[0])
	if task == nil || !strings.Contains(task.Parts[0].URL, "v2.m4s") {
		t.Fatalf("explicit page 2 should fetch page 2 streams, got %+v", task)
	}
}

func TestSubmitRequiresSource(t *testing.T) {
	h, _ := testHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"title":"x"}`))
	rec := httptest.NewRecorder()
	h.Submit(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
