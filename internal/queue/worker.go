package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/media"
	"github.com/codebuildervaibhav/clubbot/internal/notify"
	"github.com/codebuildervaibhav/clubbot/internal/transcription"
	"github.com/codebuildervaibhav/clubbot/internal/types"
)

// MediaSource resolves a job's media reference to a local file.
type MediaSource interface {
	Fetch(ctx context.Context, ref string) (*media.File, error)
}

// Archiver copies a finished transcript somewhere durable and returns its
// location.
type Archiver interface {
	Archive(ctx context.Context, result *types.TranscriptionResult) (string, error)
}

// WorkerPool runs a fixed number of executors that claim jobs from the
// store, run the transcriber with a hard timeout and record the outcome.
type WorkerPool struct {
	store       *Store
	media       MediaSource
	transcriber transcription.Transcriber
	notifier    notify.Notifier
	logger      *slog.Logger

	workerCount       int
	pollInterval      time.Duration
	capabilityTimeout time.Duration
	idPrefix          string
	localArchive      Archiver
	driveArchive      Archiver
	driveBackoff      time.Duration

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

func WithWorkers(n int) PoolOption {
	return func(wp *WorkerPool) {
		if n > 0 {
			wp.workerCount = n
		}
	}
}

func WithPollInterval(d time.Duration) PoolOption {
	return func(wp *WorkerPool) {
		if d > 0 {
			wp.pollInterval = d
		}
	}
}

func WithCapabilityTimeout(d time.Duration) PoolOption {
	return func(wp *WorkerPool) {
		if d > 0 {
			wp.capabilityTimeout = d
		}
	}
}

// WithWorkerPrefix sets the prefix of worker ids, which must be unique
// across processes sharing a database.
func WithWorkerPrefix(prefix string) PoolOption {
	return func(wp *WorkerPool) {
		if prefix != "" {
			wp.idPrefix = prefix
		}
	}
}

// WithArchive enables best-effort transcript archiving. Either may be nil.
func WithArchive(local, drive Archiver) PoolOption {
	return func(wp *WorkerPool) {
		wp.localArchive = local
		wp.driveArchive = drive
	}
}

// NewWorkerPool creates a new worker pool. A nil transcriber fails every
// job with CapabilityUnavailable.
func NewWorkerPool(
	store *Store,
	mediaSource MediaSource,
	transcriber transcription.Transcriber,
	notifier notify.Notifier,
	logger *slog.Logger,
	opts ...PoolOption,
) *WorkerPool {
	host, _ := os.Hostname()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	wp := &WorkerPool{
		store:             store,
		media:             mediaSource,
		transcriber:       transcriber,
		notifier:          notifier,
		logger:            logger.With("component", "worker_pool"),
		workerCount:       2,
		pollInterval:      2 * time.Second,
		capabilityTimeout: 10 * time.Minute,
		idPrefix:          fmt.Sprintf("%s-%d", host, os.Getpid()),
		driveBackoff:      time.Second,
	}
	for _, opt := range opts {
		opt(wp)
	}
	wp.wake = make(chan struct{}, wp.workerCount)
	return wp
}

// Start launches the executors. They stop when ctx is cancelled or Stop is
// called.
func (wp *WorkerPool) Start(ctx context.Context) {
	ctx, wp.cancel = context.WithCancel(ctx)
	wp.logger.Info("starting worker pool", "workers", wp.workerCount, "capability_timeout", wp.capabilityTimeout)
	for i := 0; i < wp.workerCount; i++ {
		id := fmt.Sprintf("%s-w%d", wp.idPrefix, i)
		wp.wg.Add(1)
		go wp.worker(ctx, id)
	}
}

// Stop cancels the executors and waits for them to return or for ctx to
// expire. Jobs interrupted mid-run stay claimed until the reaper requeues
// them.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	if wp.cancel != nil {
		wp.cancel()
	}
	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		wp.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
}

// Wake nudges one idle executor to poll immediately.
func (wp *WorkerPool) Wake() {
	select {
	case wp.wake <- struct{}{}:
	default:
	}
}

// worker processes jobs until ctx is done
func (wp *WorkerPool) worker(ctx context.Context, id string) {
	defer wp.wg.Done()
	logger := wp.logger.With("worker_id", id)
	logger.Debug("worker started")

	for ctx.Err() == nil {
		job, ok, err := wp.store.ClaimNext(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", "error", err)
			wp.idle(ctx)
			continue
		}
		if !ok {
			wp.idle(ctx)
			continue
		}
		wp.processJob(ctx, logger.With("job_id", job.ID), id, job)
	}
}

func (wp *WorkerPool) idle(ctx context.Context) {
	timer := time.NewTimer(wp.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wp.wake:
	case <-timer.C:
	}
}

var errShutdown = errors.New("worker shutting down")

// processJob runs one claimed job to a terminal state.
func (wp *WorkerPool) processJob(ctx context.Context, logger *slog.Logger, workerID string, job *Job) {
	logger.Info("processing job", "user_id", job.UserID, "attempts", job.Attempts)

	if err := wp.store.MarkRunning(ctx, job.ID, workerID); err != nil {
		wp.logStoreError(logger, "mark running", err)
		return
	}

	if wp.transcriber == nil {
		wp.fail(ctx, logger, workerID, job, common.CodeCapabilityUnavailable, "transcription capability is not configured")
		return
	}

	file, err := wp.media.Fetch(ctx, job.MediaRef)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("shutdown while fetching media; leaving job for the reaper")
			return
		}
		wp.fail(ctx, logger, workerID, job, common.CodeCapabilityError, "resolve media: "+common.MessageOf(err))
		return
	}
	defer file.Cleanup()

	result, err := wp.invoke(ctx, file.Path)
	switch {
	case errors.Is(err, errShutdown):
		logger.Warn("shutdown during transcription; leaving job for the reaper")
		return
	case errors.Is(err, transcription.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		wp.fail(ctx, logger, workerID, job, common.CodeCapabilityTimeout,
			fmt.Sprintf("no transcript within %s", wp.capabilityTimeout))
		return
	case err != nil:
		wp.fail(ctx, logger, workerID, job, common.CodeCapabilityError, err.Error())
		return
	case result == nil || strings.TrimSpace(result.Text) == "":
		wp.fail(ctx, logger, workerID, job, common.CodeCapabilityError, "empty transcript")
		return
	}

	result.JobID = job.ID
	result.UserID = job.UserID
	result.Text = strings.TrimSpace(result.Text)
	result.WordCount = len(strings.Fields(result.Text))
	result.ProcessedAt = time.Now().UTC()

	done, err := wp.store.Complete(ctx, job.ID, workerID, result.Text)
	if err != nil {
		wp.logStoreError(logger, "complete", err)
		return
	}
	logger.Info("job completed", "words", result.WordCount, "duration", result.Duration)
	wp.publish(ctx, logger, EventFor(notify.EventCompleted, done))

	wp.archive(ctx, logger, result)
}

type capabilityOutcome struct {
	result *types.TranscriptionResult
	err    error
}

// invoke runs the transcriber under the capability timeout, recovering
// panics. The call runs in its own goroutine so a transcriber that ignores
// its context cannot hold the executor past the timeout.
func (wp *WorkerPool) invoke(ctx context.Context, path string) (*types.TranscriptionResult, error) {
	capCtx, cancel := context.WithTimeout(ctx, wp.capabilityTimeout)
	defer cancel()

	ch := make(chan capabilityOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				wp.logger.Error("transcriber panic", "panic", r, "stack", string(debug.Stack()))
				ch <- capabilityOutcome{err: fmt.Errorf("transcriber panic: %v", r)}
			}
		}()
		res, err := wp.transcriber.Transcribe(capCtx, path)
		ch <- capabilityOutcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && ctx.Err() != nil {
			return nil, errShutdown
		}
		return out.result, out.err
	case <-capCtx.Done():
		if ctx.Err() != nil {
			return nil, errShutdown
		}
		return nil, capCtx.Err()
	}
}

func (wp *WorkerPool) fail(ctx context.Context, logger *slog.Logger, workerID string, job *Job, code common.Code, detail string) {
	failed, err := wp.store.Fail(ctx, job.ID, workerID, code, detail)
	if err != nil {
		wp.logStoreError(logger, "fail", err)
		return
	}
	logger.Warn("job failed", "error_code", code, "detail", detail)
	wp.publish(ctx, logger, EventFor(notify.EventFailed, failed))
}

// logStoreError logs ownership and state-machine violations at error level:
// they mean another executor or the reaper took the job.
func (wp *WorkerPool) logStoreError(logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, common.ErrNotOwner), errors.Is(err, common.ErrInvalidTransition):
		logger.Error("job ownership lost", "op", op, "error", err)
	default:
		logger.Error("job store error", "op", op, "error", err)
	}
}

func (wp *WorkerPool) publish(ctx context.Context, logger *slog.Logger, ev notify.Event) {
	if err := wp.notifier.Notify(ctx, ev); err != nil {
		logger.Warn("notification failed", "event", ev.Type, "error", err)
	}
}

// archive copies the transcript locally and to Drive. Failures are logged
// and never affect the job.
func (wp *WorkerPool) archive(ctx context.Context, logger *slog.Logger, result *types.TranscriptionResult) {
	if wp.localArchive == nil && wp.driveArchive == nil {
		return
	}
	record := Transcript{JobID: result.JobID, WordCount: result.WordCount, Duration: result.Duration}

	if wp.localArchive != nil {
		path, err := wp.localArchive.Archive(ctx, result)
		if err != nil {
			logger.Warn("local archive failed", "error", err)
		} else {
			record.LocalPath = path
			result.LocalPath = path
		}
	}

	if wp.driveArchive != nil {
		var err error
		for attempt := 1; attempt <= 3; attempt++ {
			var url string
			url, err = wp.driveArchive.Archive(ctx, result)
			if err == nil {
				record.DriveURL = url
				result.GDriveURL = url
				break
			}
			logger.Warn("drive upload failed", "attempt", attempt, "error", err)
			if attempt < 3 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(attempt*attempt) * wp.driveBackoff):
				}
			}
		}
		if err != nil {
			logger.Warn("drive upload failed after 3 attempts, keeping local copy only")
		}
	}

	if record.LocalPath == "" && record.DriveURL == "" {
		return
	}
	if err := wp.store.SaveTranscript(ctx, record); err != nil {
		logger.Warn("failed to record transcript archive", "error", err)
	}
}
