package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bilidown/bilidown/internal/classifier"
	"github.com/bilidown/bilidown/internal/metrics"
	"github.com/bilidown/bilidown/internal/models"
	"github.com/bilidown/bilidown/internal/progress"
	"github.com/sirupsen/logrus"
)

// ErrUnknownTask is returned for operations on task IDs the scheduler does
// not hold in active memory
var ErrUnknownTask = errors.New("unknown task")

// PartDownloader runs one part to completion or terminal failure
type PartDownloader interface {
	Download(ctx context.Context, taskID string, part *models.Part) error
}

// Finalizer merges a fully downloaded task and places the artifact
type Finalizer interface {
	Finalize(ctx context.Context, task *models.DownloadTask) error
}

// Scheduler owns the pending queue and active worker set. All mutation goes
// through its run loop; Submit/Cancel/SetConcurrencyLimit post messages and
// never touch shared state directly. Parts of one task each take a slot of
// the same global budget, so multi-stream tasks cannot starve others.
type Scheduler struct {
	dlr        PartDownloader
	merger     Finalizer
	store      *models.Database
	tracker    *progress.Tracker
	classifier *classifier.Classifier
	logger     *logrus.Logger

	submitCh    chan *models.DownloadTask
	recoverCh   chan *models.DownloadTask
	cancelCh    chan taskRequest
	retryCh     chan taskRequest
	mergeCh     chan taskRequest
	removeCh    chan taskRequest
	limitCh     chan int
	partDoneCh  chan partDone
	mergeDoneCh chan mergeDone
	staleCh     chan time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	initialLimit int
}

type taskRequest struct {
	taskID string
	reply  chan error
}

type partDone struct {
	taskID    string
	partIndex int
	err       error
}

type mergeDone struct {
	taskID string
	err    error
}

// taskRun is the loop-private state of an admitted task
type taskRun struct {
	task       *models.DownloadTask
	ctx        context.Context
	cancel     context.CancelFunc
	next       int // index of the next part to dispatch
	inFlight   int
	cancelled  bool
	terminated bool
}

// NewScheduler creates a scheduler with the given initial concurrency limit
func NewScheduler(dlr PartDownloader, merger Finalizer, store *models.Database, tracker *progress.Tracker, cls *classifier.Classifier, limit int, logger *logrus.Logger) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{
		dlr:          dlr,
		merger:       merger,
		store:        store,
		tracker:      tracker,
		classifier:   cls,
		logger:       logger,
		submitCh:     make(chan *models.DownloadTask, 64),
		recoverCh:    make(chan *models.DownloadTask),
		cancelCh:     make(chan taskRequest),
		retryCh:      make(chan taskRequest),
		mergeCh:      make(chan taskRequest),
		removeCh:     make(chan taskRequest),
		limitCh:      make(chan int),
		partDoneCh:   make(chan partDone),
		mergeDoneCh:  make(chan mergeDone),
		staleCh:      make(chan time.Duration),
		done:         make(chan struct{}),
		initialLimit: limit,
	}
}

// Start launches the run loop
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
}

// Stop shuts the loop down and waits for it to exit. In-flight downloads
// are interrupted at their next I/O boundary; resume records stay intact.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
}

// Submit classifies and enqueues a task, returning its ID immediately.
// Configuration errors surface here, before the task ever takes a slot.
func (s *Scheduler) Submit(task *models.DownloadTask) (string, error) {
	if len(task.Parts) == 0 {
		return "", fmt.Errorf("task has no parts")
	}

	result, err := s.classifier.Classify(task.Title, 0, task.Category, task.GroupSeries)
	if err != nil {
		return "", err
	}
	task.SeriesName = result.SeriesName
	task.DestDir = result.DestDir
	if task.OutputName == "" {
		task.OutputName = classifier.SanitizeName(task.Title) + ".mp4"
	}
	task.State = models.TaskPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	// Seed offsets from the resume record so a re-submitted task continues
	// where it stopped
	record, err := s.store.GetResumeRecord(task.ID)
	if err != nil {
		return "", err
	}
	if record != nil {
		for _, p := range task.Parts {
			p.BytesWritten = record.PartOffset(p.Index)
		}
	}

	s.tracker.Register(task)
	if err := s.store.SaveTask(task); err != nil {
		return "", err
	}

	select {
	case s.submitCh <- task:
		return task.ID, nil
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	}
}

// Cancel stops issuing fetches for a task, interrupts in-flight ones, and
// keeps partial files and the resume record so the task stays resumable
func (s *Scheduler) Cancel(taskID string) error {
	return s.request(s.cancelCh, taskID)
}

// Retry moves a failed task back to pending, keeping downloaded bytes
func (s *Scheduler) Retry(taskID string) error {
	return s.request(s.retryCh, taskID)
}

// RetryMerge re-runs the merge of a task stuck after a merge failure,
// without re-downloading anything
func (s *Scheduler) RetryMerge(taskID string) error {
	return s.request(s.mergeCh, taskID)
}

// Remove deletes a finished task: its snapshot, resume record and any
// remaining partial files. Active tasks must be cancelled first.
func (s *Scheduler) Remove(taskID string) error {
	return s.request(s.removeCh, taskID)
}

// SetConcurrencyLimit adjusts the worker budget at runtime. Lowering it
// never cancels in-flight parts, only throttles future admission.
func (s *Scheduler) SetConcurrencyLimit(n int) {
	if n < 1 {
		n = 1
	}
	select {
	case s.limitCh <- n:
	case <-s.ctx.Done():
	}
}

// FailStale fails tasks that are downloading but have made no byte progress
// within timeout, so the stuck-download sweep can act on them
func (s *Scheduler) FailStale(timeout time.Duration) {
	select {
	case s.staleCh <- timeout:
	case <-s.ctx.Done():
	}
}

func (s *Scheduler) request(ch chan taskRequest, taskID string) error {
	req := taskRequest{taskID: taskID, reply: make(chan error, 1)}
	select {
	case ch <- req:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	tasks := make(map[string]*taskRun)
	var queue []string // FIFO of task IDs with undispatched parts
	limit := s.initialLimit
	active := 0

	dispatch := func() {
		for active < limit && len(queue) > 0 {
			id := queue[0]
			tr, ok := tasks[id]
			if !ok || tr.terminated || tr.next >= len(tr.task.Parts) {
				queue = queue[1:]
				continue
			}

			// Skip parts that already finished (a manual retry keeps them)
			for tr.next < len(tr.task.Parts) && tr.task.Parts[tr.next].State == models.PartComplete {
				tr.next++
			}
			if tr.next >= len(tr.task.Parts) {
				queue = queue[1:]
				if tr.task.AllPartsComplete() && tr.task.State != models.TaskMerging && !tr.terminated {
					s.startMerge(tr)
				}
				continue
			}

			part := tr.task.Parts[tr.next]
			tr.next++
			if tr.next >= len(tr.task.Parts) {
				queue = queue[1:]
			}

			part.State = models.PartInProgress
			if tr.task.State == models.TaskPending {
				tr.task.State = models.TaskDownloading
				s.tracker.SetPhase(id, progress.PhaseDownloading)
				if err := s.store.SaveTask(tr.task); err != nil {
					s.logger.WithError(err).Error("Failed to persist task state")
				}
			}

			tr.inFlight++
			active++
			metrics.ActiveParts.Inc()

			go func(tctx context.Context, taskID string, p *models.Part) {
				err := s.dlr.Download(tctx, taskID, p)
				select {
				case s.partDoneCh <- partDone{taskID: taskID, partIndex: p.Index, err: err}:
				case <-s.ctx.Done():
				}
			}(tr.ctx, id, part)

			s.logger.WithFields(logrus.Fields{
				"task_id": id,
				"part":    part.Index,
				"active":  active,
				"limit":   limit,
			}).Debug("Part admitted")
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case task := <-s.submitCh:
			if existing, ok := tasks[task.ID]; ok && (!existing.terminated || existing.inFlight > 0) {
				s.logger.WithField("task_id", task.ID).Warn("Task already active, ignoring submission")
				continue
			}
			tctx, tcancel := context.WithCancel(s.ctx)
			tasks[task.ID] = &taskRun{task: task, ctx: tctx, cancel: tcancel}
			queue = append(queue, task.ID)
			s.logger.WithFields(logrus.Fields{
				"task_id": task.ID,
				"title":   task.Title,
				"parts":   len(task.Parts),
			}).Info("Task submitted")
			dispatch()

		case task := <-s.recoverCh:
			// Restored terminal-ish snapshots: held for manual retry or
			// merge retry, never dispatched
			if _, ok := tasks[task.ID]; ok {
				continue
			}
			tctx, tcancel := context.WithCancel(s.ctx)
			tasks[task.ID] = &taskRun{
				task:       task,
				ctx:        tctx,
				cancel:     tcancel,
				next:       len(task.Parts),
				terminated: task.State == models.TaskFailed,
			}
			s.logger.WithFields(logrus.Fields{
				"task_id": task.ID,
				"state":   task.State,
			}).Info("Task restored")

		case n := <-s.limitCh:
			s.logger.WithFields(logrus.Fields{"old": limit, "new": n}).Info("Concurrency limit changed")
			limit = n
			dispatch()

		case req := <-s.cancelCh:
			tr, ok := tasks[req.taskID]
			if !ok {
				req.reply <- ErrUnknownTask
				continue
			}
			tr.cancelled = true
			tr.cancel()
			s.terminate(tr, models.TaskFailed, string(models.FailureCancelled))
			queue = removeID(queue, req.taskID)
			if tr.inFlight == 0 {
				delete(tasks, req.taskID)
			}
			req.reply <- nil
			dispatch()

		case req := <-s.retryCh:
			tr, ok := tasks[req.taskID]
			if !ok || tr.task.State != models.TaskFailed {
				req.reply <- fmt.Errorf("task %s is not retryable: %w", req.taskID, ErrUnknownTask)
				continue
			}
			if tr.inFlight > 0 {
				req.reply <- fmt.Errorf("task %s still has in-flight parts", req.taskID)
				continue
			}
			task := tr.task
			task.State = models.TaskPending
			task.FailureReason = ""
			for _, p := range task.Parts {
				if p.State != models.PartComplete {
					p.State = models.PartPending
					p.Error = ""
				}
			}
			tctx, tcancel := context.WithCancel(s.ctx)
			nt := &taskRun{task: task, ctx: tctx, cancel: tcancel}
			// Re-dispatch only unfinished parts
			nt.next = 0
			tasks[req.taskID] = nt
			// Skip parts already complete by advancing past them at dispatch
			queue = append(queue, req.taskID)
			s.tracker.SetPhase(req.taskID, progress.PhasePending)
			if err := s.store.SaveTask(task); err != nil {
				s.logger.WithError(err).Error("Failed to persist task state")
			}
			req.reply <- nil
			dispatch()

		case req := <-s.mergeCh:
			tr, ok := tasks[req.taskID]
			if !ok {
				req.reply <- ErrUnknownTask
				continue
			}
			if tr.task.State != models.TaskMerging || !tr.task.AllPartsComplete() {
				req.reply <- fmt.Errorf("task %s is not awaiting merge", req.taskID)
				continue
			}
			s.startMerge(tr)
			req.reply <- nil

		case req := <-s.removeCh:
			if tr, ok := tasks[req.taskID]; ok && (!tr.terminated || tr.inFlight > 0) {
				req.reply <- fmt.Errorf("task %s is still active", req.taskID)
				continue
			}
			delete(tasks, req.taskID)
			queue = removeID(queue, req.taskID)
			req.reply <- s.removeTaskState(req.taskID)

		case timeout := <-s.staleCh:
			for id, tr := range tasks {
				if tr.task.State != models.TaskDownloading || tr.terminated {
					continue
				}
				last, ok := s.tracker.LastUpdate(id)
				if !ok || time.Since(last) < timeout {
					continue
				}
				s.logger.WithFields(logrus.Fields{
					"task_id": id,
					"stalled": time.Since(last),
				}).Warn("Download stalled, failing task")
				tr.cancel()
				s.terminate(tr, models.TaskFailed, "stalled: no progress within timeout")
				queue = removeID(queue, id)
			}
			dispatch()

		case pd := <-s.partDoneCh:
			tr, ok := tasks[pd.taskID]
			if !ok {
				active--
				metrics.ActiveParts.Dec()
				continue
			}
			tr.inFlight--
			active--
			metrics.ActiveParts.Dec()

			part := findPart(tr.task, pd.partIndex)
			if part == nil {
				continue
			}

			switch {
			case pd.err == nil:
				part.State = models.PartComplete
				s.logger.WithFields(logrus.Fields{
					"task_id": pd.taskID,
					"part":    pd.partIndex,
					"bytes":   part.BytesWritten,
				}).Info("Part complete")
				if tr.task.AllPartsComplete() && !tr.terminated {
					s.startMerge(tr)
				}

			case tr.cancelled || tr.terminated:
				// Outcome already decided; the part was interrupted
				part.State = models.PartFailed
				if tr.inFlight == 0 && tr.cancelled {
					delete(tasks, pd.taskID)
				}

			default:
				part.State = models.PartFailed
				part.Error = pd.err.Error()
				kind := models.KindOf(pd.err)
				s.logger.WithError(pd.err).WithFields(logrus.Fields{
					"task_id": pd.taskID,
					"part":    pd.partIndex,
					"kind":    kind,
				}).Error("Part failed")
				// Stop fetching the task's remaining parts
				tr.cancel()
				s.terminate(tr, models.TaskFailed, string(kind)+": "+pd.err.Error())
				queue = removeID(queue, pd.taskID)
			}

			if err := s.store.SaveTask(tr.task); err != nil {
				s.logger.WithError(err).Error("Failed to persist task state")
			}
			dispatch()

		case md := <-s.mergeDoneCh:
			tr, ok := tasks[md.taskID]
			if !ok {
				continue
			}
			if md.err != nil {
				// Task stays in Merging with parts retained; eligible for
				// a manual merge retry without re-downloading
				tr.task.FailureReason = md.err.Error()
				s.tracker.SetPhase(md.taskID, progress.PhaseFailed)
				s.logger.WithError(md.err).WithField("task_id", md.taskID).Error("Merge failed")
			} else {
				tr.task.State = models.TaskCompleted
				tr.task.FailureReason = ""
				tr.terminated = true
				s.tracker.SetPhase(md.taskID, progress.PhaseCompleted)
				metrics.TasksFinished.WithLabelValues(string(models.TaskCompleted)).Inc()
				s.logger.WithFields(logrus.Fields{
					"task_id": md.taskID,
					"title":   tr.task.Title,
				}).Info("Task completed")
				delete(tasks, md.taskID)
			}
			if err := s.store.SaveTask(tr.task); err != nil {
				s.logger.WithError(err).Error("Failed to persist task state")
			}
		}
	}
}

// terminate marks a task's terminal failure state. Resume records and
// partial files are intentionally untouched.
func (s *Scheduler) terminate(tr *taskRun, state models.TaskState, reason string) {
	if tr.terminated {
		return
	}
	tr.terminated = true
	tr.task.State = state
	tr.task.FailureReason = reason
	s.tracker.SetPhase(tr.task.ID, progress.PhaseFailed)
	metrics.TasksFinished.WithLabelValues(string(state)).Inc()
	if err := s.store.SaveTask(tr.task); err != nil {
		s.logger.WithError(err).Error("Failed to persist task state")
	}
}

// removeTaskState drops everything persisted for a task. Partial file
// removal failures are logged, not fatal; the orphan sweep picks them up.
func (s *Scheduler) removeTaskState(taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrUnknownTask
	}
	for _, p := range task.Parts {
		if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("path", p.Path).Warn("Failed to remove partial file")
		}
	}
	if err := s.store.DeleteResumeRecord(taskID); err != nil {
		return err
	}
	s.tracker.Remove(taskID)
	if err := s.store.DeleteTask(taskID); err != nil {
		return err
	}
	s.logger.WithField("task_id", taskID).Info("Task removed")
	return nil
}

func (s *Scheduler) startMerge(tr *taskRun) {
	tr.task.State = models.TaskMerging
	tr.task.FailureReason = ""
	s.tracker.SetPhase(tr.task.ID, progress.PhaseMerging)
	if err := s.store.SaveTask(tr.task); err != nil {
		s.logger.WithError(err).Error("Failed to persist task state")
	}

	task := tr.task
	go func() {
		err := s.merger.Finalize(s.ctx, task)
		select {
		case s.mergeDoneCh <- mergeDone{taskID: task.ID, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

// Recover restores persisted tasks after a restart. Pending and downloading
// snapshots are re-enqueued with their resume offsets; failed and merging
// snapshots are registered without dispatching so Retry and RetryMerge keep
// working on them.
func (s *Scheduler) Recover() error {
	snapshots, err := s.store.ListTasks()
	if err != nil {
		return err
	}

	recovered := 0
	for i := range snapshots {
		task := snapshots[i]
		switch task.State {
		case models.TaskPending, models.TaskDownloading:
			if err := s.resubmit(&task); err != nil {
				s.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to recover task")
				continue
			}
			recovered++

		case models.TaskFailed, models.TaskMerging:
			// A merging snapshot with incomplete parts never reached the
			// merge; run it as an interrupted download instead
			if task.State == models.TaskMerging && !task.AllPartsComplete() {
				if err := s.resubmit(&task); err != nil {
					s.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to recover task")
					continue
				}
				recovered++
				continue
			}

			record, err := s.store.GetResumeRecord(task.ID)
			if err == nil && record != nil {
				for _, p := range task.Parts {
					if p.State != models.PartComplete {
						p.BytesWritten = record.PartOffset(p.Index)
					}
				}
			}
			s.tracker.Register(&task)
			phase := progress.PhaseFailed
			if task.State == models.TaskMerging {
				phase = progress.PhaseMerging
			}
			s.tracker.SetPhase(task.ID, phase)

			select {
			case s.recoverCh <- &task:
				recovered++
			case <-s.ctx.Done():
				return s.ctx.Err()
			}
		}
	}

	if recovered > 0 {
		s.logger.WithField("count", recovered).Info("Recovered unfinished tasks")
	}
	return nil
}

func (s *Scheduler) resubmit(task *models.DownloadTask) error {
	for _, p := range task.Parts {
		if p.State == models.PartInProgress {
			p.State = models.PartPending
		}
	}
	task.State = models.TaskPending
	_, err := s.Submit(task)
	return err
}

func findPart(task *models.DownloadTask, index int) *models.Part {
	for _, p := range task.Parts {
		if p.Index == index {
			return p
		}
	}
	return nil
}

func removeID(queue []string, id string) []string {
	out := queue[:0]
	for _, q := range queue {
		if q != id {
			out = append(out, q)
		}
	}
	return out
}
