package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/notify"
	"github.com/codebuildervaibhav/clubbot/internal/queue"
	"github.com/codebuildervaibhav/clubbot/internal/ratelimit"
	"github.com/codebuildervaibhav/clubbot/internal/storage/storagetest"
	"github.com/codebuildervaibhav/clubbot/internal/types"
)

type wakeCounter struct {
	mu sync.Mutex
	n  int
}

func (w *wakeCounter) Wake() {
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
}

func TestReapRequeuesThenFails(t *testing.T) {
	now := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := queue.NewStore(storagetest.New(t), storagetest.Logger(t),
		queue.WithClock(clock), queue.WithRetryCeiling(1))
	ctx := context.Background()

	job, err := store.Enqueue(ctx, 5, "voice.ogg")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := store.ClaimNext(ctx, "w1"); !ok || err != nil {
		t.Fatalf("claim: %v %v", ok, err)
	}

	hub := notify.NewHub(16)
	events, cancel := hub.Subscribe(job.ID)
	defer cancel()
	waker := &wakeCounter{}
	s := NewScheduler(time.Minute, storagetest.Logger(t),
		WithReaper(store, 30*time.Minute, waker, hub), WithClock(clock))

	now = now.Add(time.Hour)
	s.RunOnce(ctx)
	got, _ := store.Get(ctx, job.ID)
	if got.State != types.StatePending || waker.n != 1 {
		t.Fatalf("after first pass: state %s, wakes %d", got.State, waker.n)
	}

	if _, ok, err := store.ClaimNext(ctx, "w2"); !ok || err != nil {
		t.Fatalf("reclaim: %v %v", ok, err)
	}
	now = now.Add(time.Hour)
	s.RunOnce(ctx)

	got, _ = store.Get(ctx, job.ID)
	if got.State != types.StateFailed || got.ErrorCode != common.CodeTimeout {
		t.Fatalf("after second pass: %+v", got)
	}
	select {
	case ev := <-events:
		if ev.Type != notify.EventFailed || ev.ErrorCode != common.CodeTimeout {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
}

func TestCleanOldFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := filepath.Join(dir, "nested", "old.wav")
	fresh := filepath.Join(dir, "fresh.wav")
	for _, p := range []string{old, fresh} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Chtimes(old, now.Add(-3*time.Hour), now.Add(-3*time.Hour)); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(time.Minute, storagetest.Logger(t), WithTempSweep(dir, time.Hour))
	s.RunOnce(context.Background())

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old file still present: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
}

func TestEvictsUsage(t *testing.T) {
	now := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	limiter := ratelimit.NewMemory(time.Minute, 1, ratelimit.WithClock(clock))
	limiter.Admit(context.Background(), 1)

	s := NewScheduler(time.Minute, storagetest.Logger(t), WithEvicter(limiter), WithClock(clock))
	now = now.Add(2 * time.Minute)
	s.RunOnce(context.Background())

	if limiter.Len() != 0 {
		t.Fatalf("windows left: %d", limiter.Len())
	}
}

func TestStartStop(t *testing.T) {
	s := NewScheduler(10*time.Millisecond, storagetest.Logger(t), WithTempSweep(t.TempDir(), time.Hour))
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestEnsureTempDirExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureTempDirExists(dir, storagetest.Logger(t)); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("dir not created: %v", err)
	}
}
