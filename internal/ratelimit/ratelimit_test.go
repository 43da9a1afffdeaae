package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/codebuildervaibhav/clubbot/internal/storage/storagetest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type backend struct {
	name string
	make func(t *testing.T, window time.Duration, max int, opts ...Option) Limiter
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, window time.Duration, max int, opts ...Option) Limiter {
			return NewMemory(window, max, opts...)
		}},
		{"sql", func(t *testing.T, window time.Duration, max int, opts ...Option) Limiter {
			return NewSQL(storagetest.New(t), window, max, opts...)
		}},
		{"redis", func(t *testing.T, window time.Duration, max int, opts ...Option) Limiter {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedis(client, "test", window, max, opts...)
		}},
	}
}

func TestSlidingWindow(t *testing.T) {
	t0 := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{5 * time.Minute, true},
		{6 * time.Minute, false},
		{10 * time.Minute, true}, // first request left the window
		{11 * time.Minute, false},
		{15 * time.Minute, true}, // denials were not recorded
	}

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			c := &clock{now: t0}
			l := b.make(t, 10*time.Minute, 2, WithClock(c.Now))
			for _, step := range steps {
				c.Set(t0.Add(step.at))
				got, err := l.Admit(context.Background(), 7)
				if err != nil {
					t.Fatalf("Admit at +%s: %v", step.at, err)
				}
				if got != step.want {
					t.Fatalf("Admit at +%s = %v, want %v", step.at, got, step.want)
				}
			}
		})
	}
}

func TestUsersAreIndependent(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			l := b.make(t, time.Hour, 1)
			ctx := context.Background()
			if ok, _ := l.Admit(ctx, 1); !ok {
				t.Fatal("user 1 denied")
			}
			if ok, _ := l.Admit(ctx, 2); !ok {
				t.Fatal("user 2 denied because of user 1")
			}
			if ok, _ := l.Admit(ctx, 1); ok {
				t.Fatal("user 1 admitted over the ceiling")
			}
		})
	}
}

func TestConcurrentAdmitsRespectCeiling(t *testing.T) {
	const (
		ceiling = 5
		callers = 20
	)
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			l := b.make(t, time.Hour, ceiling)
			var (
				wg       sync.WaitGroup
				admitted atomic.Int32
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := l.Admit(context.Background(), 42)
					if err != nil {
						t.Errorf("Admit: %v", err)
						return
					}
					if ok {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()
			if got := admitted.Load(); got != ceiling {
				t.Fatalf("admitted %d, want %d", got, ceiling)
			}
		})
	}
}

func TestMemoryEvict(t *testing.T) {
	t0 := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	c := &clock{now: t0}
	m := NewMemory(time.Minute, 3, WithClock(c.Now))
	ctx := context.Background()

	m.Admit(ctx, 1)
	c.Set(t0.Add(30 * time.Second))
	m.Admit(ctx, 2)

	n, err := m.Evict(ctx, t0.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("Evict = %d, %v; want 1", n, err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
	n, _ = m.Evict(ctx, t0.Add(2*time.Minute))
	if n != 1 || m.Len() != 0 {
		t.Fatalf("second Evict = %d, Len = %d", n, m.Len())
	}
}

func TestSQLEvict(t *testing.T) {
	t0 := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	c := &clock{now: t0}
	s := NewSQL(storagetest.New(t), time.Minute, 3, WithClock(c.Now))
	ctx := context.Background()

	s.Admit(ctx, 1)
	s.Admit(ctx, 2)
	c.Set(t0.Add(45 * time.Second))
	s.Admit(ctx, 2)

	n, err := s.Evict(ctx, t0.Add(time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("Evict = %d, %v; want 2", n, err)
	}
}
