package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/bilidown/bilidown/internal/metrics"
	"github.com/bilidown/bilidown/internal/models"
	"github.com/sirupsen/logrus"
)

// Runner invokes the external merge tool. The contract is exit status plus
// existence/non-emptiness of the output file; nothing else is interpreted.
type Runner interface {
	Merge(ctx context.Context, inputs []string, output string) error
}

// FFmpegRunner merges parts with an ffmpeg binary
type FFmpegRunner struct {
	path   string
	logger *logrus.Logger
}

// NewFFmpegRunner creates a runner using the given ffmpeg binary path
func NewFFmpegRunner(path string, logger *logrus.Logger) *FFmpegRunner {
	return &FFmpegRunner{path: path, logger: logger}
}

// Merge combines the input streams into output, copying video and
// re-encoding audio to AAC
func (r *FFmpegRunner) Merge(ctx context.Context, inputs []string, output string) error {
	if r.path == "" {
		return errors.New("merge tool path not configured")
	}

	args := make([]string, 0, 2*len(inputs)+8)
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	args = append(args, "-c:v", "copy", "-c:a", "aac", "-y", output)

	cmd := exec.CommandContext(ctx, r.path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.logger.WithError(err).WithField("output", string(out)).Error("Merge tool failed")
		return fmt.Errorf("merge tool failed: %w", err)
	}
	return nil
}

// Orchestrator finalizes tasks whose parts are all complete: merge, verify,
// move into the classified destination, clear resume state
type Orchestrator struct {
	runner     Runner
	store      *models.Database
	scratchDir string
	rootDir    string
	logger     *logrus.Logger
}

// NewOrchestrator creates a merge orchestrator. rootDir is the category
// tree root destinations are resolved under; scratchDir holds merge output
// until the move succeeds.
func NewOrchestrator(runner Runner, store *models.Database, rootDir, scratchDir string, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		runner:     runner,
		store:      store,
		scratchDir: scratchDir,
		rootDir:    rootDir,
		logger:     logger,
	}
}

// Finalize merges a task's parts and places the artifact. Partial files are
// retained on any failure so a retry never re-downloads; they are deleted
// only after the artifact is confirmed in its destination and the resume
// record cleared.
func (o *Orchestrator) Finalize(ctx context.Context, task *models.DownloadTask) error {
	if !task.AllPartsComplete() {
		return models.NewTaskError(models.FailureMerge,
			fmt.Errorf("task %s has incomplete parts", task.ID))
	}

	inputs := make([]string, len(task.Parts))
	for i, p := range task.Parts {
		inputs[i] = p.Path
	}

	scratchOut := filepath.Join(o.scratchDir, task.ID+".merged"+filepath.Ext(task.OutputName))

	if err := o.runner.Merge(ctx, inputs, scratchOut); err != nil {
		metrics.MergeFailures.Inc()
		return models.NewTaskError(models.FailureMerge, err)
	}

	info, err := os.Stat(scratchOut)
	if err != nil || info.Size() == 0 {
		metrics.MergeFailures.Inc()
		return models.NewTaskError(models.FailureMerge,
			fmt.Errorf("merge produced no output at %s", scratchOut))
	}

	destDir := filepath.Join(o.rootDir, task.DestDir)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return models.NewTaskError(models.FailureMerge,
			fmt.Errorf("failed to create destination %s: %w", destDir, err))
	}

	finalPath := filepath.Join(destDir, task.OutputName)
	if err := moveFile(scratchOut, finalPath); err != nil {
		return models.NewTaskError(models.FailureMerge, err)
	}

	o.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"path":    finalPath,
	}).Info("Artifact placed")

	// Artifact confirmed; resume state and partials are now superseded
	if err := o.store.DeleteResumeRecord(task.ID); err != nil {
		o.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to clear resume record")
	}
	for _, p := range task.Parts {
		if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
			o.logger.WithError(err).WithField("path", p.Path).Warn("Failed to remove partial file")
		}
	}

	return nil
}

// moveFile renames src to dst, falling back to copy+rename across devices
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open merged output: %w", err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy merged output: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync destination file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move into destination: %w", err)
	}
	return os.Remove(src)
}
