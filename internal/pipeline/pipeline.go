// Package pipeline is the entry point chat handlers use to submit media for
// transcription and to follow a job to completion.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/notify"
	"github.com/codebuildervaibhav/clubbot/internal/queue"
	"github.com/codebuildervaibhav/clubbot/internal/ratelimit"
	"github.com/codebuildervaibhav/clubbot/internal/types"
)

// Waker is nudged after every enqueue so an idle executor claims promptly.
type Waker interface {
	Wake()
}

// Snapshot is the committed state of a job as seen by callers.
type Snapshot struct {
	JobID       string            `json:"job_id"`
	UserID      int64             `json:"user_id"`
	State       types.JobState    `json:"state"`
	Result      string            `json:"result,omitempty"`
	ErrorCode   common.Code       `json:"error_code,omitempty"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Attempts    int               `json:"attempts"`
	SubmittedAt time.Time         `json:"submitted_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Transcript  *queue.Transcript `json:"transcript,omitempty"`
}

// Terminal reports whether the job has finished.
func (s *Snapshot) Terminal() bool {
	return s.State.Terminal()
}

func snapshotOf(job *queue.Job) *Snapshot {
	return &Snapshot{
		JobID:       job.ID,
		UserID:      job.UserID,
		State:       job.State,
		Result:      job.Result,
		ErrorCode:   job.ErrorCode,
		ErrorDetail: job.ErrorDetail,
		Reason:      notify.Reason(job.ErrorCode),
		Attempts:    job.Attempts,
		SubmittedAt: job.SubmittedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}

// Pipeline composes the rate limiter and the job store.
type Pipeline struct {
	limiter  ratelimit.Limiter
	store    *queue.Store
	waker    Waker
	notifier notify.Notifier
	hub      *notify.Hub
	poll     time.Duration
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHub lets Wait and Subscribe follow jobs without polling.
func WithHub(h *notify.Hub) Option {
	return func(p *Pipeline) { p.hub = h }
}

// WithPollInterval sets how often Wait re-reads the store when no event
// arrives, which covers jobs finished by another process.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.poll = d
		}
	}
}

func New(limiter ratelimit.Limiter, store *queue.Store, waker Waker, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Pipeline {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	p := &Pipeline{
		limiter:  limiter,
		store:    store,
		waker:    waker,
		notifier: notifier,
		poll:     time.Second,
		logger:   logger.With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit admits the request and enqueues a PENDING job. A denied request
// returns RateLimited and creates nothing. The notifier is called on the
// caller's goroutine, so slow notifiers belong behind a notify.Dispatcher.
func (p *Pipeline) Submit(ctx context.Context, userID int64, mediaRef string) (string, error) {
	if userID <= 0 {
		return "", common.Errorf(common.CodeInvalidInput, "user id is required")
	}
	mediaRef = strings.TrimSpace(mediaRef)
	if mediaRef == "" {
		return "", common.Errorf(common.CodeInvalidInput, "media reference is required")
	}

	ok, err := p.limiter.Admit(ctx, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		p.logger.Info("submission rate limited", "user_id", userID)
		return "", common.Errorf(common.CodeRateLimited, "too many transcription requests, try again later")
	}

	job, err := p.store.Enqueue(ctx, userID, mediaRef)
	if err != nil {
		return "", err
	}
	// accepted must be published before an executor can finish the job
	if err := p.notifier.Notify(ctx, queue.EventFor(notify.EventAccepted, job)); err != nil {
		p.logger.Warn("accepted notification failed", "job_id", job.ID, "error", err)
	}
	if p.waker != nil {
		p.waker.Wake()
	}
	return job.ID, nil
}

// Status reads the latest committed state of a job, with its archive record
// once one exists.
func (p *Pipeline) Status(ctx context.Context, jobID string) (*Snapshot, error) {
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snap := snapshotOf(job)
	if job.State == types.StateDone {
		tr, err := p.store.GetTranscript(ctx, jobID)
		switch {
		case err == nil:
			snap.Transcript = tr
		case !errors.Is(err, common.ErrNotFound):
			return nil, err
		}
	}
	return snap, nil
}

// Wait blocks until the job is terminal, ctx is done or timeout elapses, and
// returns the latest snapshot. A non-terminal snapshot means the wait timed
// out.
func (p *Pipeline) Wait(ctx context.Context, jobID string, timeout time.Duration) (*Snapshot, error) {
	var events <-chan notify.Event
	if p.hub != nil {
		ch, cancel := p.hub.Subscribe(jobID)
		defer cancel()
		events = ch
	}

	snap, err := p.Status(ctx, jobID)
	if err != nil || snap.Terminal() || timeout <= 0 {
		return snap, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-deadline.C:
			return p.Status(ctx, jobID)
		case ev := <-events:
			if !ev.Terminal() {
				continue
			}
		case <-ticker.C:
		}
		snap, err = p.Status(ctx, jobID)
		if err != nil || snap.Terminal() {
			return snap, err
		}
	}
}

// Subscribe streams hub events for one job. The cancel func must be called.
func (p *Pipeline) Subscribe(jobID string) (<-chan notify.Event, func(), error) {
	if p.hub == nil {
		return nil, nil, common.Errorf(common.CodeCapabilityUnavailable, "event streaming is not enabled")
	}
	ch, cancel := p.hub.Subscribe(jobID)
	return ch, cancel, nil
}

// History lists a user's most recent jobs, newest first.
func (p *Pipeline) History(ctx context.Context, userID int64, limit int) ([]*Snapshot, error) {
	jobs, err := p.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, snapshotOf(j))
	}
	return out, nil
}

// Stats counts jobs per state.
func (p *Pipeline) Stats(ctx context.Context) (map[types.JobState]int, error) {
	return p.store.CountByState(ctx)
}
