package cleanup

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/notify"
	"github.com/codebuildervaibhav/clubbot/internal/queue"
	"github.com/codebuildervaibhav/clubbot/internal/ratelimit"
)

// Reaper is the part of the job store the scheduler drives.
type Reaper interface {
	ReapStale(ctx context.Context, maxAge time.Duration) (queue.ReapResult, error)
}

// Waker is nudged when requeued jobs are waiting.
type Waker interface {
	Wake()
}

// Scheduler runs periodic housekeeping: requeueing stale claims, sweeping
// old temp media and evicting rate-limit windows.
type Scheduler struct {
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	reaper   Reaper
	maxAge   time.Duration
	waker    Waker
	notifier notify.Notifier

	tempDir    string
	tempMaxAge time.Duration

	evicter ratelimit.Evicter

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithReaper requeues or fails jobs claimed longer than maxAge. Failed jobs
// are announced on notifier; waker is nudged after a requeue.
func WithReaper(r Reaper, maxAge time.Duration, waker Waker, notifier notify.Notifier) Option {
	return func(s *Scheduler) {
		s.reaper = r
		s.maxAge = maxAge
		s.waker = waker
		s.notifier = notifier
	}
}

// WithTempSweep deletes files under dir older than maxAge.
func WithTempSweep(dir string, maxAge time.Duration) Option {
	return func(s *Scheduler) {
		s.tempDir = dir
		s.tempMaxAge = maxAge
	}
}

func WithEvicter(e ratelimit.Evicter) Option {
	return func(s *Scheduler) { s.evicter = e }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new cleanup scheduler
func NewScheduler(interval time.Duration, logger *slog.Logger, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Scheduler{
		interval: interval,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		notifier: notify.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	return s
}

// Start runs one pass immediately, then one per interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.RunOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("cleanup scheduler started", "interval", s.interval, "stale_after", s.maxAge, "temp_max_age", s.tempMaxAge)
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.done
		s.logger.Info("cleanup scheduler stopped")
	})
}

// RunOnce performs a single housekeeping pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.reaper != nil {
		s.reap(ctx)
	}
	if s.tempDir != "" && s.tempMaxAge > 0 {
		s.cleanOldFiles()
	}
	if s.evicter != nil {
		n, err := s.evicter.Evict(ctx, s.now())
		if err != nil {
			s.logger.Warn("usage eviction failed", "error", err)
		} else if n > 0 {
			s.logger.Debug("evicted usage windows", "count", n)
		}
	}
}

func (s *Scheduler) reap(ctx context.Context) {
	res, err := s.reaper.ReapStale(ctx, s.maxAge)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("reaper pass failed", "error", err)
		}
		return
	}
	if len(res.Requeued) > 0 {
		s.logger.Warn("requeued stale jobs", "count", len(res.Requeued), "job_ids", res.Requeued)
		if s.waker != nil {
			s.waker.Wake()
		}
	}
	for _, job := range res.Failed {
		s.logger.Warn("stale job exceeded retry ceiling", "job_id", job.ID, "attempts", job.Attempts)
		if err := s.notifier.Notify(ctx, queue.EventFor(notify.EventFailed, job)); err != nil {
			s.logger.Warn("notification failed", "job_id", job.ID, "error", err)
		}
	}
}

// cleanOldFiles removes files older than tempMaxAge from the temp directory
func (s *Scheduler) cleanOldFiles() {
	now := s.now()

	var deletedCount int
	var deletedSize int64

	err := filepath.WalkDir(s.tempDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		age := now.Sub(info.ModTime())
		if age <= s.tempMaxAge {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to delete old file", "path", path, "error", err)
			return nil
		}
		deletedCount++
		deletedSize += info.Size()
		s.logger.Debug("deleted old temp file", "file", filepath.Base(path), "age", age.Round(time.Minute))
		return nil
	})
	if err != nil {
		s.logger.Warn("error during cleanup", "error", err)
	}

	if deletedCount > 0 {
		s.logger.Info("cleanup complete", "files", deletedCount, "freed_mb", float64(deletedSize)/(1024*1024))
	}
}

// EnsureTempDirExists creates the temp directory if it doesn't exist
func EnsureTempDirExists(tempDir string, logger *slog.Logger) error {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return err
	}
	logger.Info("temp directory ready", "path", tempDir)
	return nil
}
