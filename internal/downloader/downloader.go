package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bilidown/bilidown/internal/metrics"
	"github.com/bilidown/bilidown/internal/models"
	"github.com/bilidown/bilidown/internal/progress"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const copyBufferSize = 32 * 1024

// nonResumableError marks failures where the recorded offset must not be
// trusted again: the resource is gone or the remote rejected the range
type nonResumableError struct {
	err error
}

func (e *nonResumableError) Error() string { return "non-resumable: " + e.err.Error() }
func (e *nonResumableError) Unwrap() error { return e.err }

func isNonResumable(err error) bool {
	var nr *nonResumableError
	return errors.As(err, &nr)
}

// Options bound the downloader's retry and flush behavior
type Options struct {
	RetryCount     int           // Transient retries before giving up
	FlushBytes     int64         // Sync file and record offset after this many bytes
	FlushInterval  time.Duration // ... or after this long since the last flush
	InitialBackoff time.Duration // First retry wait, doubled per attempt
	UserAgent      string
}

// Downloader fetches a single part with ranged requests, writing strictly
// sequentially to the partial file and persisting the resume offset at a
// bounded interval. One Download call per part at a time; the scheduler
// enforces that.
type Downloader struct {
	client  *http.Client
	store   *models.Database
	tracker *progress.Tracker
	logger  *logrus.Logger
	opts    Options
}

// New creates a downloader
func New(store *models.Database, tracker *progress.Tracker, logger *logrus.Logger, opts Options) *Downloader {
	if opts.RetryCount < 1 {
		opts.RetryCount = 3
	}
	if opts.FlushBytes < 1 {
		opts.FlushBytes = 1 << 20
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 1 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	return &Downloader{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   4,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		store:   store,
		tracker: tracker,
		logger:  logger,
		opts:    opts,
	}
}

// Download runs one part to completion or a terminal failure, resuming from
// the part's recorded BytesWritten. On a non-resumable failure the partial
// file is discarded and the part restarted from zero exactly once.
func (d *Downloader) Download(ctx context.Context, taskID string, part *models.Part) error {
	if err := d.reconcileOffset(taskID, part); err != nil {
		return err
	}

	// Nothing left to fetch; avoids a range request past the final byte
	if part.TotalSize > 0 && part.BytesWritten >= part.TotalSize {
		return nil
	}

	restarted := false
	for {
		err := d.fetchWithRetry(ctx, taskID, part)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return models.NewTaskError(models.FailureCancelled, ctx.Err())
		}
		if isNonResumable(err) {
			if restarted {
				return models.NewTaskError(models.FailureNonResumable, err)
			}
			restarted = true
			d.logger.WithFields(logrus.Fields{
				"task_id": taskID,
				"part":    part.Index,
			}).Warn("Non-resumable failure, discarding partial and restarting from zero")
			if err := d.discardPartial(taskID, part); err != nil {
				return models.NewTaskError(models.FailureNonResumable, err)
			}
			continue
		}
		return models.NewTaskError(models.FailureTransient, err)
	}
}

// reconcileOffset enforces the file-length == recorded-offset invariant
// before any fetch. An over-long file is truncated to the record; a short
// file lowers the in-memory offset, distrusting the record.
func (d *Downloader) reconcileOffset(taskID string, part *models.Part) error {
	info, err := os.Stat(part.Path)
	if os.IsNotExist(err) {
		part.BytesWritten = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat partial file: %w", err)
	}

	switch {
	case info.Size() > part.BytesWritten:
		if err := os.Truncate(part.Path, part.BytesWritten); err != nil {
			return fmt.Errorf("failed to truncate partial file: %w", err)
		}
	case info.Size() < part.BytesWritten:
		part.BytesWritten = info.Size()
		if part.BytesWritten > 0 {
			if err := d.store.UpsertPartProgress(taskID, part.Index, part.BytesWritten, part.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

// fetchWithRetry runs fetch attempts under exponential backoff. Transient
// failures (timeouts, resets, 5xx) are retried up to RetryCount; anything
// non-resumable or a cancelled context stops immediately.
func (d *Downloader) fetchWithRetry(ctx context.Context, taskID string, part *models.Part) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := d.fetchOnce(ctx, taskID, part)
		if err == nil {
			return nil
		}
		if isNonResumable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		metrics.PartRetries.Inc()
		d.logger.WithError(err).WithFields(logrus.Fields{
			"task_id": taskID,
			"part":    part.Index,
			"attempt": attempt,
			"offset":  part.BytesWritten,
		}).Warn("Transient fetch failure, backing off")
		return err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = d.opts.InitialBackoff
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(d.opts.RetryCount)), ctx)
	return backoff.Retry(operation, policy)
}

// fetchOnce issues one ranged request and streams the body to the partial
// file. Writes are strictly sequential; the file is synced and the resume
// record advanced at the bounded flush interval, so a crash loses at most
// one interval of progress.
func (d *Downloader) fetchOnce(ctx context.Context, taskID string, part *models.Part) error {
	f, err := os.OpenFile(part.Path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open partial file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(part.BytesWritten, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek partial file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, part.URL, nil)
	if err != nil {
		return &nonResumableError{err: fmt.Errorf("invalid part URL: %w", err)}
	}
	req.Header.Set("User-Agent", d.opts.UserAgent)
	if part.BytesWritten > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", part.BytesWritten))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if err := d.checkStatus(resp, part); err != nil {
		return err
	}

	if total := responseTotalSize(resp, part.BytesWritten); total > 0 {
		if part.TotalSize == models.SizeUnknown || part.TotalSize == 0 {
			part.TotalSize = total
		}
		d.tracker.SetTotal(taskID, part.Index, part.TotalSize)
	}

	if err := d.copyBody(ctx, taskID, part, f, resp.Body); err != nil {
		return err
	}

	if part.TotalSize != models.SizeUnknown && part.TotalSize > 0 && part.BytesWritten != part.TotalSize {
		return fmt.Errorf("response truncated at %d of %d bytes", part.BytesWritten, part.TotalSize)
	}
	if part.TotalSize == models.SizeUnknown || part.TotalSize == 0 {
		part.TotalSize = part.BytesWritten
		d.tracker.SetTotal(taskID, part.Index, part.TotalSize)
	}
	return nil
}

func (d *Downloader) checkStatus(resp *http.Response, part *models.Part) error {
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		return nil
	case resp.StatusCode == http.StatusOK:
		if part.BytesWritten > 0 {
			// Resume was expected but the remote ignored the range
			return &nonResumableError{err: errors.New("range request ignored by remote")}
		}
		return nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone:
		return &nonResumableError{err: fmt.Errorf("remote returned %s", resp.Status)}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("remote returned %s", resp.Status)
	default:
		return &nonResumableError{err: fmt.Errorf("remote returned %s", resp.Status)}
	}
}

func (d *Downloader) copyBody(ctx context.Context, taskID string, part *models.Part, f *os.File, body io.Reader) error {
	buf := make([]byte, copyBufferSize)
	var sinceFlush int64
	lastFlush := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			// Flush what we have so a cancelled task resumes cleanly
			_ = d.flush(f, taskID, part)
			return err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				_ = d.flush(f, taskID, part)
				return fmt.Errorf("failed to write partial file: %w", err)
			}
			part.BytesWritten += int64(n)
			sinceFlush += int64(n)
			d.tracker.OnBytes(taskID, part.Index, int64(n))
			metrics.DownloadBytes.Add(float64(n))

			if sinceFlush >= d.opts.FlushBytes || time.Since(lastFlush) >= d.opts.FlushInterval {
				if err := d.flush(f, taskID, part); err != nil {
					return err
				}
				sinceFlush = 0
				lastFlush = time.Now()
			}
		}
		if readErr == io.EOF {
			return d.flush(f, taskID, part)
		}
		if readErr != nil {
			_ = d.flush(f, taskID, part)
			return fmt.Errorf("read failed: %w", readErr)
		}
	}
}

// flush syncs the file before recording the offset, so the record never
// claims bytes the disk does not hold
func (d *Downloader) flush(f *os.File, taskID string, part *models.Part) error {
	if part.BytesWritten == 0 {
		return nil
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync partial file: %w", err)
	}
	if err := d.store.UpsertPartProgress(taskID, part.Index, part.BytesWritten, part.Path); err != nil {
		return err
	}
	return nil
}

func (d *Downloader) discardPartial(taskID string, part *models.Part) error {
	if err := os.Remove(part.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial file: %w", err)
	}
	if part.BytesWritten > 0 {
		d.tracker.OnBytes(taskID, part.Index, -part.BytesWritten)
	}
	part.BytesWritten = 0
	return d.store.ClearPartProgress(taskID, part.Index)
}

// responseTotalSize derives the part's full size from the response headers
func responseTotalSize(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		// Content-Range: bytes <start>-<end>/<total>
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx >= 0 {
				if total, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
					return total
				}
			}
		}
		if resp.ContentLength > 0 {
			return offset + resp.ContentLength
		}
		return models.SizeUnknown
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return models.SizeUnknown
}

// IsTimeout reports whether err is a network timeout, exposed for tests
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
