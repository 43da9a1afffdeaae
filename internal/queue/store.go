package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/storage"
	"github.com/codebuildervaibhav/clubbot/internal/types"
)

const jobColumns = `id, user_id, media_ref, state, submitted_at, started_at, completed_at,
	result, error_code, error_detail, attempts, claimed_by`

// Store persists jobs and enforces the state machine with conditional
// updates. Every method is one unit of work.
type Store struct {
	tx      *storage.TxManager
	now     func() time.Time
	ceiling int
	logger  *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithRetryCeiling sets how many times a stale job is requeued before the
// reaper fails it with Timeout.
func WithRetryCeiling(n int) StoreOption {
	return func(s *Store) {
		if n >= 0 {
			s.ceiling = n
		}
	}
}

// NewStore creates a job store.
func NewStore(tx *storage.TxManager, logger *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		tx:      tx,
		now:     time.Now,
		ceiling: 3,
		logger:  logger.With("component", "job_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                              Job
		state                          string
		submitted                      int64
		started, completed             sql.NullInt64
		result, code, detail, claimant sql.NullString
	)
	if err := row.Scan(&j.ID, &j.UserID, &j.MediaRef, &state, &submitted, &started, &completed,
		&result, &code, &detail, &j.Attempts, &claimant); err != nil {
		return nil, err
	}
	j.State = types.JobState(state)
	j.SubmittedAt = fromMicros(submitted)
	if started.Valid {
		t := fromMicros(started.Int64)
		j.StartedAt = &t
	}
	if completed.Valid {
		t := fromMicros(completed.Int64)
		j.CompletedAt = &t
	}
	j.Result = result.String
	j.ErrorCode = common.Code(code.String)
	j.ErrorDetail = detail.String
	j.ClaimedBy = claimant.String
	return &j, nil
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// Enqueue inserts a PENDING job. Admission is the caller's concern.
func (s *Store) Enqueue(ctx context.Context, userID int64, mediaRef string) (*Job, error) {
	mediaRef = strings.TrimSpace(mediaRef)
	if mediaRef == "" {
		return nil, common.Errorf(common.CodeInvalidInput, "media reference is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	job := &Job{
		ID:          id.String(),
		UserID:      userID,
		MediaRef:    mediaRef,
		State:       types.StatePending,
		SubmittedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	err = s.tx.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, user_id, media_ref, state, submitted_at, attempts) VALUES (?, ?, ?, ?, ?, 0)`,
			job.ID, job.UserID, job.MediaRef, string(job.State), job.SubmittedAt.UnixMicro())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Info("job enqueued", "job_id", job.ID, "user_id", userID)
	return job, nil
}

// ClaimNext moves the oldest PENDING job to CLAIMED for workerID. The
// boolean is false when nothing is pending.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Job, bool, error) {
	job, err := storage.InTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (*Job, error) {
		pick := `SELECT id FROM jobs WHERE state = 'PENDING' ORDER BY submitted_at, id LIMIT 1`
		if tx.Dialect() == storage.Postgres {
			pick += ` FOR UPDATE SKIP LOCKED`
		}
		row := tx.QueryRow(ctx,
			`UPDATE jobs SET state = 'CLAIMED', claimed_by = ?, started_at = ?
			WHERE id = (`+pick+`) AND state = 'PENDING'
			RETURNING `+jobColumns,
			workerID, s.now().UnixMicro())
		job, err := scanJob(row)
		if storage.IsNoRows(err) {
			return nil, nil
		}
		return job, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	return job, job != nil, nil
}

func (s *Store) get(ctx context.Context, tx *storage.Tx, id string) (*Job, error) {
	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if storage.IsNoRows(err) {
		return nil, common.Errorf(common.CodeNotFound, "job %s not found", id)
	}
	return job, err
}

// Get reads the latest committed state of a job.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	return storage.ReadTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (*Job, error) {
		return s.get(ctx, tx, id)
	})
}

// MarkRunning moves a CLAIMED job to RUNNING. Repeating the call as the
// same claimant is a no-op.
func (s *Store) MarkRunning(ctx context.Context, id, workerID string) error {
	return s.tx.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		res, err := tx.Exec(ctx,
			`UPDATE jobs SET state = 'RUNNING' WHERE id = ? AND state = 'CLAIMED' AND claimed_by = ?`,
			id, workerID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}

		job, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		switch {
		case job.ClaimedBy != workerID && (job.State == types.StateClaimed || job.State == types.StateRunning):
			return common.Errorf(common.CodeNotOwner, "job %s is claimed by %q, not %q", id, job.ClaimedBy, workerID)
		case job.State == types.StateRunning:
			return nil
		default:
			return common.Errorf(common.CodeInvalidTransition, "job %s: %s -> RUNNING by %q", id, job.State, workerID)
		}
	})
}

type outcome struct {
	state  types.JobState
	result string
	code   common.Code
	detail string
}

func (o outcome) matches(j *Job) bool {
	return j.State == o.state && j.Result == o.result && j.ErrorCode == o.code && j.ErrorDetail == o.detail
}

// Complete moves a RUNNING job to DONE with its transcript.
func (s *Store) Complete(ctx context.Context, id, workerID, result string) (*Job, error) {
	if result == "" {
		return nil, common.Errorf(common.CodeInvalidInput, "job %s: empty result", id)
	}
	return s.finish(ctx, id, workerID, outcome{state: types.StateDone, result: result})
}

// Fail moves a RUNNING job to FAILED. code must be non-empty.
func (s *Store) Fail(ctx context.Context, id, workerID string, code common.Code, detail string) (*Job, error) {
	if code == "" {
		return nil, common.Errorf(common.CodeInvalidInput, "job %s: failure code is required", id)
	}
	if detail == "" {
		detail = string(code)
	}
	return s.finish(ctx, id, workerID, outcome{state: types.StateFailed, code: code, detail: detail})
}

func (s *Store) finish(ctx context.Context, id, workerID string, out outcome) (*Job, error) {
	return storage.InTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (*Job, error) {
		job, err := s.get(ctx, tx, id)
		if err != nil {
			return nil, err
		}

		switch {
		case job.ClaimedBy == workerID && out.matches(job):
			return job, nil
		case job.State == types.StateRunning && job.ClaimedBy != workerID,
			job.State == types.StateClaimed && job.ClaimedBy != workerID:
			return nil, common.Errorf(common.CodeNotOwner, "job %s is claimed by %q, not %q", id, job.ClaimedBy, workerID)
		case job.State != types.StateRunning:
			return nil, common.Errorf(common.CodeInvalidTransition, "job %s: %s -> %s by %q", id, job.State, out.state, workerID)
		}

		var result, code, detail any
		if out.state == types.StateDone {
			result = out.result
		} else {
			code, detail = string(out.code), out.detail
		}
		return scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET state = ?, completed_at = ?, result = ?, error_code = ?, error_detail = ?
			WHERE id = ? AND state = 'RUNNING' AND claimed_by = ?
			RETURNING `+jobColumns,
			string(out.state), s.now().UnixMicro(), result, code, detail, id, workerID))
	})
}

// ReapResult lists what a reaper pass changed.
type ReapResult struct {
	Requeued []string
	Failed   []*Job
}

// ReapStale requeues CLAIMED or RUNNING jobs whose claim is older than
// maxAge. Jobs that would exceed the retry ceiling fail with Timeout.
func (s *Store) ReapStale(ctx context.Context, maxAge time.Duration) (ReapResult, error) {
	now := s.now()
	cutoff := now.Add(-maxAge).UnixMicro()

	res, err := storage.InTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (ReapResult, error) {
		var out ReapResult

		rows, err := tx.Query(ctx,
			`UPDATE jobs SET state = 'FAILED', completed_at = ?, error_code = ?, error_detail = ?,
				attempts = attempts + 1
			WHERE state IN ('CLAIMED', 'RUNNING') AND started_at < ? AND attempts + 1 > ?
			RETURNING `+jobColumns,
			now.UnixMicro(), string(common.CodeTimeout),
			fmt.Sprintf("no result within %s after %d attempts", maxAge, s.ceiling+1),
			cutoff, s.ceiling)
		if err != nil {
			return out, err
		}
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return out, err
			}
			out.Failed = append(out.Failed, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return out, err
		}

		rows, err = tx.Query(ctx,
			`UPDATE jobs SET state = 'PENDING', claimed_by = NULL, started_at = NULL, attempts = attempts + 1
			WHERE state IN ('CLAIMED', 'RUNNING') AND started_at < ? AND attempts + 1 <= ?
			RETURNING id`,
			cutoff, s.ceiling)
		if err != nil {
			return out, err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return out, err
			}
			out.Requeued = append(out.Requeued, id)
		}
		return out, rows.Err()
	})
	if err != nil {
		return ReapResult{}, fmt.Errorf("reap stale jobs: %w", err)
	}
	if len(res.Requeued) > 0 || len(res.Failed) > 0 {
		s.logger.Warn("reaped stale jobs", "requeued", len(res.Requeued), "failed", len(res.Failed))
	}
	return res, nil
}

// ListByUser returns a user's most recent jobs, newest first.
func (s *Store) ListByUser(ctx context.Context, userID int64, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return storage.ReadTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) ([]*Job, error) {
		rows, err := tx.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE user_id = ? ORDER BY submitted_at DESC, id DESC LIMIT ?`,
			userID, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var jobs []*Job
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
		return jobs, rows.Err()
	})
}

// CountByState returns the number of jobs in each state.
func (s *Store) CountByState(ctx context.Context) (map[types.JobState]int, error) {
	return storage.ReadTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (map[types.JobState]int, error) {
		rows, err := tx.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		counts := map[types.JobState]int{}
		for rows.Next() {
			var state string
			var n int
			if err := rows.Scan(&state, &n); err != nil {
				return nil, err
			}
			counts[types.JobState(state)] = n
		}
		return counts, rows.Err()
	})
}

// SaveTranscript records where a finished transcript was archived.
func (s *Store) SaveTranscript(ctx context.Context, t Transcript) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	return s.tx.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO transcripts (job_id, local_path, drive_url, word_count, duration, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id) DO UPDATE SET local_path = excluded.local_path,
				drive_url = excluded.drive_url, word_count = excluded.word_count, duration = excluded.duration`,
			t.JobID, t.LocalPath, t.DriveURL, t.WordCount, t.Duration, t.CreatedAt.UnixMicro())
		return err
	})
}

// GetTranscript returns the archive record for a job.
func (s *Store) GetTranscript(ctx context.Context, jobID string) (*Transcript, error) {
	return storage.ReadTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (*Transcript, error) {
		var (
			t           Transcript
			local, link sql.NullString
			created     int64
		)
		err := tx.QueryRow(ctx,
			`SELECT job_id, local_path, drive_url, word_count, duration, created_at FROM transcripts WHERE job_id = ?`,
			jobID).Scan(&t.JobID, &local, &link, &t.WordCount, &t.Duration, &created)
		if storage.IsNoRows(err) {
			return nil, common.Errorf(common.CodeNotFound, "no transcript archived for job %s", jobID)
		}
		if err != nil {
			return nil, err
		}
		t.LocalPath, t.DriveURL = local.String, link.String
		t.CreatedAt = fromMicros(created)
		return &t, nil
	})
}
