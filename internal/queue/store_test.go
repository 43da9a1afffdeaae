package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/storage/storagetest"
	"github.com/codebuildervaibhav/clubbot/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *fakeClock) {
	t.Helper()
	clock := newClock()
	opts = append([]StoreOption{WithClock(clock.Now)}, opts...)
	return NewStore(storagetest.New(t), storagetest.Logger(t), opts...), clock
}

func mustEnqueue(t *testing.T, s *Store, user int64, ref string) *Job {
	t.Helper()
	job, err := s.Enqueue(context.Background(), user, ref)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func mustClaim(t *testing.T, s *Store, worker string) *Job {
	t.Helper()
	job, ok, err := s.ClaimNext(context.Background(), worker)
	if err != nil || !ok {
		t.Fatalf("ClaimNext(%s) = %v, %v, %v", worker, job, ok, err)
	}
	return job
}

func TestEnqueueCreatesPendingJob(t *testing.T) {
	s, _ := newTestStore(t)
	job := mustEnqueue(t, s, 7, "voice.ogg")
	if job.State != types.StatePending || job.ID == "" {
		t.Fatalf("unexpected job %+v", job)
	}

	got, err := s.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != 7 || got.MediaRef != "voice.ogg" || got.StartedAt != nil || got.ClaimedBy != "" {
		t.Fatalf("unexpected stored job %+v", got)
	}
	if !got.SubmittedAt.Equal(job.SubmittedAt) {
		t.Fatalf("submitted_at = %v, want %v", got.SubmittedAt, job.SubmittedAt)
	}

	if _, err := s.Enqueue(context.Background(), 7, "  "); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("empty media ref err = %v", err)
	}
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("Get(missing) err = %v", err)
	}
}

func TestClaimNextIsFIFO(t *testing.T) {
	s, clock := newTestStore(t)
	first := mustEnqueue(t, s, 1, "a.ogg")
	clock.Advance(time.Second)
	second := mustEnqueue(t, s, 2, "b.ogg")
	third := mustEnqueue(t, s, 3, "c.ogg") // same timestamp as second, later id

	for _, want := range []*Job{first, second, third} {
		got := mustClaim(t, s, "w1")
		if got.ID != want.ID {
			t.Fatalf("claimed %s, want %s", got.ID, want.ID)
		}
		if got.State != types.StateClaimed || got.ClaimedBy != "w1" || got.StartedAt == nil {
			t.Fatalf("unexpected claimed job %+v", got)
		}
	}

	if _, ok, err := s.ClaimNext(context.Background(), "w1"); ok || err != nil {
		t.Fatalf("ClaimNext on empty queue = %v, %v", ok, err)
	}
}

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	s, _ := newTestStore(t)
	const jobs = 30
	for i := 0; i < jobs; i++ {
		mustEnqueue(t, s, int64(i), "x.ogg")
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		worker := string(rune('a' + w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := s.ClaimNext(context.Background(), worker)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed by %s and %s", job.ID, prev, worker)
				}
				claimed[job.ID] = worker
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("claimed %d jobs, want %d", len(claimed), jobs)
	}
}

func TestMarkRunningOwnership(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job := mustEnqueue(t, s, 1, "a.ogg")

	if err := s.MarkRunning(ctx, job.ID, "w1"); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("MarkRunning on PENDING err = %v", err)
	}
	mustClaim(t, s, "w1")
	if err := s.MarkRunning(ctx, job.ID, "w2"); !errors.Is(err, common.ErrNotOwner) {
		t.Fatalf("MarkRunning by non-owner err = %v", err)
	}
	if err := s.MarkRunning(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := s.MarkRunning(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("repeated MarkRunning: %v", err)
	}
	if err := s.MarkRunning(ctx, job.ID, "w2"); !errors.Is(err, common.ErrNotOwner) {
		t.Fatalf("MarkRunning on RUNNING by non-owner err = %v", err)
	}
}

func runningJob(t *testing.T, s *Store, worker string) *Job {
	t.Helper()
	mustEnqueue(t, s, 1, "a.ogg")
	job := mustClaim(t, s, worker)
	if err := s.MarkRunning(context.Background(), job.ID, worker); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	return job
}

func TestCompleteIsIdempotentForSameOutcome(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job := runningJob(t, s, "w1")

	done, err := s.Complete(ctx, job.ID, "w1", "hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.State != types.StateDone || done.Result != "hello" || done.CompletedAt == nil || done.ErrorCode != "" {
		t.Fatalf("unexpected done job %+v", done)
	}

	again, err := s.Complete(ctx, job.ID, "w1", "hello")
	if err != nil {
		t.Fatalf("repeated Complete: %v", err)
	}
	if !again.CompletedAt.Equal(*done.CompletedAt) {
		t.Fatal("repeated Complete changed the row")
	}

	if _, err := s.Complete(ctx, job.ID, "w1", "different"); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("Complete with different result err = %v", err)
	}
	if _, err := s.Fail(ctx, job.ID, "w1", common.CodeCapabilityError, "x"); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("Fail after DONE err = %v", err)
	}
	if _, err := s.Complete(ctx, job.ID, "w2", "hello"); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("Complete by another worker after DONE err = %v", err)
	}
}

func TestCompleteRejectsNonOwnerAndEarlyCalls(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, s, 1, "a.ogg")
	job := mustClaim(t, s, "w1")

	if _, err := s.Complete(ctx, job.ID, "w1", "hi"); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("Complete from CLAIMED err = %v", err)
	}
	if _, err := s.Complete(ctx, job.ID, "w2", "hi"); !errors.Is(err, common.ErrNotOwner) {
		t.Fatalf("Complete by non-owner on CLAIMED err = %v", err)
	}
	if err := s.MarkRunning(ctx, job.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fail(ctx, job.ID, "w2", common.CodeCapabilityError, "x"); !errors.Is(err, common.ErrNotOwner) {
		t.Fatalf("Fail by non-owner err = %v", err)
	}
	if _, err := s.Complete(ctx, job.ID, "w1", ""); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("Complete with empty result err = %v", err)
	}
}

func TestFailRecordsCodeAndDetail(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job := runningJob(t, s, "w1")

	failed, err := s.Fail(ctx, job.ID, "w1", common.CodeCapabilityError, "unsupported format .pdf")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.State != types.StateFailed || failed.ErrorCode != common.CodeCapabilityError ||
		failed.ErrorDetail != "unsupported format .pdf" || failed.Result != "" {
		t.Fatalf("unexpected failed job %+v", failed)
	}
	if _, err := s.Fail(ctx, job.ID, "w1", common.CodeCapabilityError, "unsupported format .pdf"); err != nil {
		t.Fatalf("repeated Fail: %v", err)
	}
	if _, err := s.Fail(ctx, job.ID, "w1", "", "x"); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("Fail without code err = %v", err)
	}
}

func TestReapStaleRequeuesThenFailsAtCeiling(t *testing.T) {
	s, clock := newTestStore(t, WithRetryCeiling(1))
	ctx := context.Background()
	job := runningJob(t, s, "w1")

	res, err := s.ReapStale(ctx, time.Minute)
	if err != nil || len(res.Requeued) != 0 || len(res.Failed) != 0 {
		t.Fatalf("fresh job reaped: %+v, %v", res, err)
	}

	clock.Advance(2 * time.Minute)
	res, err = s.ReapStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if len(res.Requeued) != 1 || res.Requeued[0] != job.ID {
		t.Fatalf("requeued = %v", res.Requeued)
	}
	got, _ := s.Get(ctx, job.ID)
	if got.State != types.StatePending || got.Attempts != 1 || got.ClaimedBy != "" || got.StartedAt != nil {
		t.Fatalf("unexpected requeued job %+v", got)
	}

	// A second sweep in the same period finds nothing to do.
	res, err = s.ReapStale(ctx, time.Minute)
	if err != nil || len(res.Requeued) != 0 || len(res.Failed) != 0 {
		t.Fatalf("second sweep = %+v, %v", res, err)
	}
	if again, _ := s.Get(ctx, job.ID); again.Attempts != 1 || again.State != types.StatePending {
		t.Fatalf("job changed by second sweep: %+v", again)
	}

	// The stale worker comes back after the requeue.
	if _, err := s.Complete(ctx, job.ID, "w1", "late"); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("late Complete err = %v", err)
	}

	mustClaim(t, s, "w2")
	if _, err := s.Complete(ctx, job.ID, "w1", "late"); !errors.Is(err, common.ErrNotOwner) {
		t.Fatalf("late Complete after re-claim err = %v", err)
	}

	clock.Advance(2 * time.Minute)
	res, err = s.ReapStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if len(res.Failed) != 1 || len(res.Requeued) != 0 {
		t.Fatalf("result = %+v", res)
	}
	failed := res.Failed[0]
	if failed.State != types.StateFailed || failed.ErrorCode != common.CodeTimeout || failed.ErrorDetail == "" || failed.Attempts != 2 {
		t.Fatalf("unexpected timed out job %+v", failed)
	}
}

func TestReapStaleLeavesTerminalJobsAlone(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	job := runningJob(t, s, "w1")
	if _, err := s.Complete(ctx, job.ID, "w1", "ok"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	res, err := s.ReapStale(ctx, time.Minute)
	if err != nil || len(res.Requeued)+len(res.Failed) != 0 {
		t.Fatalf("terminal job reaped: %+v, %v", res, err)
	}
}

func TestListByUserAndCounts(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	a := mustEnqueue(t, s, 5, "a.ogg")
	clock.Advance(time.Second)
	b := mustEnqueue(t, s, 5, "b.ogg")
	mustEnqueue(t, s, 6, "c.ogg")
	mustClaim(t, s, "w1")

	jobs, err := s.ListByUser(ctx, 5, 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != b.ID || jobs[1].ID != a.ID {
		t.Fatalf("unexpected list %+v", jobs)
	}

	counts, err := s.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts[types.StatePending] != 2 || counts[types.StateClaimed] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestTranscriptRecord(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job := mustEnqueue(t, s, 1, "a.ogg")

	if _, err := s.GetTranscript(ctx, job.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
	if err := s.SaveTranscript(ctx, Transcript{JobID: job.ID, LocalPath: "/out/a.txt", WordCount: 3}); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	if err := s.SaveTranscript(ctx, Transcript{JobID: job.ID, LocalPath: "/out/a.txt", DriveURL: "https://d", WordCount: 3}); err != nil {
		t.Fatalf("SaveTranscript upsert: %v", err)
	}
	got, err := s.GetTranscript(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	if got.DriveURL != "https://d" || got.WordCount != 3 {
		t.Fatalf("unexpected transcript %+v", got)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]types.JobState{
		{types.StatePending, types.StateClaimed},
		{types.StateClaimed, types.StateRunning},
		{types.StateRunning, types.StateDone},
		{types.StateRunning, types.StateFailed},
		{types.StateRunning, types.StatePending},
	}
	for _, p := range allowed {
		if !CanTransition(p[0], p[1]) {
			t.Errorf("%s -> %s should be allowed", p[0], p[1])
		}
	}
	denied := [][2]types.JobState{
		{types.StatePending, types.StateRunning},
		{types.StateClaimed, types.StateDone},
		{types.StateDone, types.StatePending},
		{types.StateFailed, types.StateDone},
	}
	for _, p := range denied {
		if CanTransition(p[0], p[1]) {
			t.Errorf("%s -> %s should be denied", p[0], p[1])
		}
	}
}
