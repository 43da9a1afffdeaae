package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/types"
)

func TestHubSequencesAndTrims(t *testing.T) {
	h := NewHub(2)
	for i := 0; i < 3; i++ {
		h.Publish(Event{Type: EventAccepted, JobID: "j"})
	}
	events := h.Since(0)
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Seq != 2 || events[1].Seq != 3 {
		t.Fatalf("seqs = %d,%d", events[0].Seq, events[1].Seq)
	}
	if events[0].Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
	if got := h.Since(3); len(got) != 0 {
		t.Fatalf("Since(3) = %v", got)
	}
}

func TestHubSubscribeDeliversOnlyMatchingJob(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe("j1")
	defer cancel()

	h.Publish(Event{Type: EventAccepted, JobID: "j2"})
	h.Publish(Event{Type: EventCompleted, JobID: "j1", State: types.StateDone})

	select {
	case ev := <-ch:
		if ev.JobID != "j1" || ev.Type != EventCompleted {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubCancelReleasesSubscription(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe("j1")
	if h.Subscribers("j1") != 1 {
		t.Fatal("subscription not registered")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if h.Subscribers("j1") != 0 {
		t.Fatal("subscription not released")
	}
	h.Publish(Event{JobID: "j1"})
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var got []EventType
	var mu sync.Mutex
	m := Multi{
		Func(func(_ context.Context, ev Event) error {
			mu.Lock()
			got = append(got, ev.Type)
			mu.Unlock()
			return nil
		}),
		nil,
		Func(func(context.Context, Event) error { return boom }),
	}
	err := m.Notify(context.Background(), Event{Type: EventFailed})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(got) != 1 || got[0] != EventFailed {
		t.Fatalf("first notifier not called: %v", got)
	}
}

type fakePublisher struct {
	subject string
	payload any
	err     error
}

func (f *fakePublisher) PublishJSON(subject string, v any) error {
	f.subject, f.payload = subject, v
	return f.err
}

func TestNATSSubjects(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATS(pub, "")
	if err := n.Notify(context.Background(), Event{Type: EventCompleted, JobID: "j1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if pub.subject != "clubbot.jobs.job.completed" {
		t.Fatalf("subject = %q", pub.subject)
	}

	pub.err = errors.New("closed")
	if err := n.Notify(context.Background(), Event{Type: EventFailed}); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestWebhookPostsJSON(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Clubbot-Event") != string(EventFailed) {
			t.Errorf("event header = %q", r.Header.Get("X-Clubbot-Event"))
		}
		body, _ := io.ReadAll(r.Body)
		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- ev
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, time.Second, 100, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := w.Notify(context.Background(), Event{
		Type: EventFailed, JobID: "j1", UserID: 7, ErrorCode: common.CodeCapabilityTimeout,
		Reason: Reason(common.CodeCapabilityTimeout),
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	ev := <-received
	if ev.JobID != "j1" || ev.UserID != 7 || ev.ErrorCode != common.CodeCapabilityTimeout {
		t.Fatalf("unexpected payload %+v", ev)
	}
}

func TestWebhookReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, time.Second, 100, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := w.Notify(context.Background(), Event{Type: EventCompleted}); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestReason(t *testing.T) {
	if Reason("") != "" {
		t.Fatal("empty code should have empty reason")
	}
	for _, code := range []common.Code{common.CodeCapabilityError, common.CodeTimeout, common.CodeInternal} {
		if Reason(code) == "" {
			t.Fatalf("Reason(%s) is empty", code)
		}
	}
}

func TestWebhookHonorsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	w := NewWebhook(srv.URL, 10*time.Second, 100, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := w.Notify(ctx, Event{Type: EventCompleted, JobID: "j1"}); err == nil {
		t.Fatal("expected timeout error")
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Notify took %s past a 100ms deadline", took)
	}
}

func TestDispatcherDeliversInOrderAndDrains(t *testing.T) {
	var (
		mu  sync.Mutex
		got = map[string][]EventType{}
	)
	slow := Func(func(_ context.Context, ev Event) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		got[ev.JobID] = append(got[ev.JobID], ev.Type)
		mu.Unlock()
		return nil
	})
	d := NewDispatcher(slow, slog.New(slog.NewTextHandler(io.Discard, nil)), WithDispatchWorkers(3))

	start := time.Now()
	for _, id := range []string{"a", "b", "c", "d"} {
		for _, typ := range []EventType{EventAccepted, EventCompleted} {
			if err := d.Notify(context.Background(), Event{Type: typ, JobID: id}); err != nil {
				t.Fatalf("Notify: %v", err)
			}
		}
	}
	if took := time.Since(start); took > 20*time.Millisecond {
		t.Fatalf("Notify blocked for %s", took)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"a", "b", "c", "d"} {
		seq := got[id]
		if len(seq) != 2 || seq[0] != EventAccepted || seq[1] != EventCompleted {
			t.Fatalf("job %s delivered %v", id, seq)
		}
	}

	if err := d.Notify(context.Background(), Event{Type: EventFailed, JobID: "e"}); err != nil {
		t.Fatalf("Notify after Shutdown: %v", err)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	d := NewDispatcher(Func(func(context.Context, Event) error {
		<-block
		return nil
	}), slog.New(slog.NewTextHandler(io.Discard, nil)), WithDispatchWorkers(1), WithDispatchQueueSize(1))
	defer d.Shutdown(context.Background())
	defer close(block)

	// One event is held by the worker, one fills the queue.
	var full error
	for i := 0; i < 3 && full == nil; i++ {
		full = d.Notify(context.Background(), Event{Type: EventAccepted, JobID: "j"})
		time.Sleep(10 * time.Millisecond)
	}
	if !errors.Is(full, ErrDispatchFull) {
		t.Fatalf("err = %v, want ErrDispatchFull", full)
	}
}
