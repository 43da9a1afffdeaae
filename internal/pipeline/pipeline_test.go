package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/media"
	"github.com/codebuildervaibhav/clubbot/internal/notify"
	"github.com/codebuildervaibhav/clubbot/internal/queue"
	"github.com/codebuildervaibhav/clubbot/internal/ratelimit"
	"github.com/codebuildervaibhav/clubbot/internal/storage/storagetest"
	"github.com/codebuildervaibhav/clubbot/internal/transcription"
	"github.com/codebuildervaibhav/clubbot/internal/types"
)

type harness struct {
	pipeline *Pipeline
	store    *queue.Store
	pool     *queue.WorkerPool
	hub      *notify.Hub
}

func newHarness(t *testing.T, tr transcription.Transcriber, ceiling int, start bool) *harness {
	t.Helper()
	logger := storagetest.Logger(t)
	mediaDir := t.TempDir()
	for _, name := range []string{"m1.ogg", "m2.ogg", "m3.ogg", "m4.ogg"} {
		if err := os.WriteFile(filepath.Join(mediaDir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	store := queue.NewStore(storagetest.New(t), logger)
	hub := notify.NewHub(100)
	pool := queue.NewWorkerPool(store, media.NewResolver(mediaDir, t.TempDir(), logger), tr, hub, logger,
		queue.WithWorkers(1), queue.WithPollInterval(20*time.Millisecond), queue.WithCapabilityTimeout(time.Second))
	if start {
		pool.Start(context.Background())
		t.Cleanup(func() { pool.Stop(context.Background()) })
	}
	p := New(ratelimit.NewMemory(time.Hour, ceiling), store, pool, hub, logger,
		WithHub(hub), WithPollInterval(50*time.Millisecond))
	return &harness{pipeline: p, store: store, pool: pool, hub: hub}
}

func TestSubmitRateLimitsAndProcessesFIFO(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	tr := transcription.Func(func(_ context.Context, path string) (*types.TranscriptionResult, error) {
		mu.Lock()
		seen = append(seen, filepath.Base(path))
		mu.Unlock()
		return &types.TranscriptionResult{Text: "text of " + filepath.Base(path)}, nil
	})
	h := newHarness(t, tr, 3, false)
	ctx := context.Background()

	var ids []string
	for _, ref := range []string{"m1.ogg", "m2.ogg", "m3.ogg"} {
		id, err := h.pipeline.Submit(ctx, 77, ref)
		if err != nil {
			t.Fatalf("Submit(%s): %v", ref, err)
		}
		snap, err := h.pipeline.Status(ctx, id)
		if err != nil || snap.State != types.StatePending {
			t.Fatalf("Status(%s) = %+v, %v", id, snap, err)
		}
		ids = append(ids, id)
	}

	if _, err := h.pipeline.Submit(ctx, 77, "m4.ogg"); !errors.Is(err, common.ErrRateLimited) {
		t.Fatalf("fourth Submit err = %v, want RateLimited", err)
	}
	if jobs, _ := h.pipeline.History(ctx, 77, 10); len(jobs) != 3 {
		t.Fatalf("history has %d jobs, want 3", len(jobs))
	}

	h.pool.Start(ctx)
	defer h.pool.Stop(ctx)

	for _, id := range ids {
		snap, err := h.pipeline.Wait(ctx, id, 5*time.Second)
		if err != nil {
			t.Fatalf("Wait(%s): %v", id, err)
		}
		if snap.State != types.StateDone || snap.Result == "" {
			t.Fatalf("job %s = %+v", id, snap)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"m1.ogg", "m2.ogg", "m3.ogg"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("processing order %v, want %v", seen, want)
		}
	}
}

func TestSubmitWithoutCapabilityFailsJob(t *testing.T) {
	h := newHarness(t, nil, 3, true)
	ctx := context.Background()

	id, err := h.pipeline.Submit(ctx, 1, "m1.ogg")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	snap, err := h.pipeline.Wait(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != types.StateFailed || snap.ErrorCode != common.CodeCapabilityUnavailable {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Reason == "" || snap.ErrorDetail == "" {
		t.Fatalf("failed snapshot lacks reason or detail: %+v", snap)
	}
}

func TestSubmitPublishesAccepted(t *testing.T) {
	h := newHarness(t, nil, 3, false)
	id, err := h.pipeline.Submit(context.Background(), 3, "m1.ogg")
	if err != nil {
		t.Fatal(err)
	}
	evs := h.hub.Since(0)
	if len(evs) != 1 || evs[0].Type != notify.EventAccepted || evs[0].JobID != id {
		t.Fatalf("events = %+v", evs)
	}
}

func TestSubmitRejectsEmptyRefWithoutUsingQuota(t *testing.T) {
	h := newHarness(t, nil, 1, false)
	ctx := context.Background()
	if _, err := h.pipeline.Submit(ctx, 5, "  "); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("err = %v, want InvalidInput", err)
	}
	if _, err := h.pipeline.Submit(ctx, 5, "m1.ogg"); err != nil {
		t.Fatalf("valid submit after invalid one: %v", err)
	}
}

func TestWaitTimesOutWithPendingSnapshot(t *testing.T) {
	h := newHarness(t, nil, 3, false)
	ctx := context.Background()
	id, err := h.pipeline.Submit(ctx, 1, "m1.ogg")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	snap, err := h.pipeline.Wait(ctx, id, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Terminal() || time.Since(start) < 100*time.Millisecond {
		t.Fatalf("Wait returned early with %+v", snap)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	h := newHarness(t, nil, 3, false)
	if _, err := h.pipeline.Status(context.Background(), "nope"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestSubscribeStreamsCompletion(t *testing.T) {
	h := newHarness(t, transcription.Func(func(context.Context, string) (*types.TranscriptionResult, error) {
		return &types.TranscriptionResult{Text: "done"}, nil
	}), 3, false)
	ctx := context.Background()
	id, err := h.pipeline.Submit(ctx, 1, "m1.ogg")
	if err != nil {
		t.Fatal(err)
	}
	events, cancel, err := h.pipeline.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	h.pool.Start(ctx)
	defer h.pool.Stop(ctx)

	select {
	case ev := <-events:
		if ev.Type != notify.EventCompleted || ev.Text != "done" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event")
	}
}

func TestSubmitRejectsMissingUser(t *testing.T) {
	h := newHarness(t, nil, 1, false)
	ctx := context.Background()
	for _, uid := range []int64{0, -3} {
		if _, err := h.pipeline.Submit(ctx, uid, "m1.ogg"); !errors.Is(err, common.ErrInvalidInput) {
			t.Fatalf("Submit(user %d) err = %v, want InvalidInput", uid, err)
		}
	}
	if counts, _ := h.store.CountByState(ctx); counts[types.StatePending] != 0 {
		t.Fatalf("jobs created for invalid users: %v", counts)
	}
}

func TestSubmitDoesNotWaitOnSlowNotifier(t *testing.T) {
	logger := storagetest.Logger(t)
	store := queue.NewStore(storagetest.New(t), logger)
	hub := notify.NewHub(10)

	delivered := make(chan notify.Event, 1)
	slow := notify.Func(func(ctx context.Context, ev notify.Event) error {
		time.Sleep(500 * time.Millisecond)
		delivered <- ev
		return nil
	})
	dispatcher := notify.NewDispatcher(slow, logger)
	defer dispatcher.Shutdown(context.Background())

	p := New(ratelimit.NewMemory(time.Hour, 5), store, nil, notify.Multi{hub, dispatcher}, logger, WithHub(hub))

	start := time.Now()
	id, err := p.Submit(context.Background(), 1, "m1.ogg")
	if err != nil {
		t.Fatal(err)
	}
	if took := time.Since(start); took > 200*time.Millisecond {
		t.Fatalf("Submit took %s with a slow notifier", took)
	}
	if evs := hub.Since(0); len(evs) != 1 || evs[0].JobID != id {
		t.Fatalf("hub events = %+v", evs)
	}

	select {
	case ev := <-delivered:
		if ev.Type != notify.EventAccepted || ev.JobID != id {
			t.Fatalf("delivered %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("slow notifier never received the event")
	}
}

func TestAcceptedPublishedBeforeCompletion(t *testing.T) {
	logger := storagetest.Logger(t)
	mediaDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(mediaDir, "m1.ogg"), []byte("m1"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := queue.NewStore(storagetest.New(t), logger)
	hub := notify.NewHub(10)

	// Only Wake can make the executor claim.
	pool := queue.NewWorkerPool(store, media.NewResolver(mediaDir, t.TempDir(), logger),
		transcription.Func(func(context.Context, string) (*types.TranscriptionResult, error) {
			return &types.TranscriptionResult{Text: "fast"}, nil
		}), hub, logger, queue.WithWorkers(1), queue.WithPollInterval(time.Hour))
	ctx := context.Background()
	pool.Start(ctx)
	defer pool.Stop(ctx)

	lagging := notify.Func(func(ctx context.Context, ev notify.Event) error {
		time.Sleep(50 * time.Millisecond)
		return hub.Notify(ctx, ev)
	})
	p := New(ratelimit.NewMemory(time.Hour, 5), store, pool, lagging, logger,
		WithHub(hub), WithPollInterval(10*time.Millisecond))

	id, err := p.Submit(ctx, 1, "m1.ogg")
	if err != nil {
		t.Fatal(err)
	}
	snap, err := p.Wait(ctx, id, 5*time.Second)
	if err != nil || snap.State != types.StateDone {
		t.Fatalf("Wait = %+v, %v", snap, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(hub.Since(0)) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	evs := hub.Since(0)
	if len(evs) != 2 || evs[0].Type != notify.EventAccepted || evs[1].Type != notify.EventCompleted {
		t.Fatalf("event order = %+v", evs)
	}
}
