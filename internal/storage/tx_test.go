package storage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/storage"
	"github.com/codebuildervaibhav/clubbot/internal/storage/storagetest"
)

var errTransient = errors.New("transient")

func countRoster(t *testing.T, m *storage.TxManager) int {
	t.Helper()
	n, err := storage.ReadTx(context.Background(), m, func(ctx context.Context, tx *storage.Tx) (int, error) {
		var n int
		err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM roster`).Scan(&n)
		return n, err
	})
	if err != nil {
		t.Fatalf("count roster: %v", err)
	}
	return n
}

func insertSlug(ctx context.Context, tx *storage.Tx, slug string) error {
	_, err := tx.Exec(ctx, `INSERT INTO roster (slug, created_at, updated_at) VALUES (?, ?, ?)`, slug, 1, 1)
	return err
}

func TestRunCommitsOnSuccess(t *testing.T) {
	m := storagetest.New(t)
	if err := m.Run(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		return insertSlug(ctx, tx, "ivan-petrov")
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := countRoster(t, m); got != 1 {
		t.Fatalf("roster count = %d, want 1", got)
	}
}

func TestRunRollsBackOnError(t *testing.T) {
	m := storagetest.New(t)
	boom := errors.New("boom")
	err := m.Run(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		if err := insertSlug(ctx, tx, "ivan-petrov"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want boom", err)
	}
	if got := countRoster(t, m); got != 0 {
		t.Fatalf("roster count = %d after rollback, want 0", got)
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	m := storagetest.New(t,
		storage.WithRetryable(func(err error) bool { return errors.Is(err, errTransient) }),
		storage.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)
	var calls int
	err := m.Run(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		calls++
		if err := insertSlug(ctx, tx, "ivan-petrov"); err != nil {
			return err
		}
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if got := countRoster(t, m); got != 1 {
		t.Fatalf("roster count = %d, want exactly one committed row", got)
	}
}

func TestRunSurfacesContentionAfterMaxAttempts(t *testing.T) {
	m := storagetest.New(t,
		storage.WithRetryable(func(err error) bool { return errors.Is(err, errTransient) }),
		storage.WithBackoff(time.Millisecond, 2*time.Millisecond),
		storage.WithMaxAttempts(4),
	)
	var calls int
	err := m.Run(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, common.ErrContention) {
		t.Fatalf("error = %v, want Contention", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestRunDoesNotRetryConstraintViolation(t *testing.T) {
	m := storagetest.New(t)
	ctx := context.Background()
	if err := m.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		return insertSlug(ctx, tx, "dup")
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var calls int
	err := m.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		calls++
		return insertSlug(ctx, tx, "dup")
	})
	if !storage.IsUniqueViolation(err) {
		t.Fatalf("error = %v, want unique violation", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRunFailsFastWhenSlotsExhausted(t *testing.T) {
	m := storagetest.New(t, storage.WithSlots(1), storage.WithAcquireTimeout(20*time.Millisecond))
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	start := time.Now()
	err := m.Run(ctx, func(ctx context.Context, tx *storage.Tx) error { return nil })
	if !errors.Is(err, common.ErrResourceExhausted) {
		t.Fatalf("error = %v, want ResourceExhausted", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("acquisition was not bounded")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder Run: %v", err)
	}
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	m := storagetest.New(t)
	ctx := context.Background()
	if err := m.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO karma (user_id, points, updated_at) VALUES (1, 0, 0)`)
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const n = 40
	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
				_, err := tx.Exec(ctx, `UPDATE karma SET points = points + 1 WHERE user_id = 1`)
				return err
			})
			if err != nil {
				failed.Add(1)
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	var points int
	if err := m.Read(ctx, func(ctx context.Context, tx *storage.Tx) error {
		return tx.QueryRow(ctx, `SELECT points FROM karma WHERE user_id = 1`).Scan(&points)
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if want := n - int(failed.Load()); points != want {
		t.Fatalf("points = %d, want %d", points, want)
	}
}

func TestInTxReturnsValue(t *testing.T) {
	m := storagetest.New(t)
	id, err := storage.InTx(context.Background(), m, func(ctx context.Context, tx *storage.Tx) (int64, error) {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO roster (slug, created_at, updated_at) VALUES (?, 1, 1) RETURNING id`, "anna").Scan(&id)
		return id, err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if id <= 0 {
		t.Fatalf("id = %d", id)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := storagetest.Open(t, 2)
	ctx := context.Background()
	if err := storage.Migrate(ctx, db, storagetest.Logger(t)); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	v, err := storage.SchemaVersion(ctx, db)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != storage.LatestSchemaVersion() {
		t.Fatalf("version = %d, want %d", v, storage.LatestSchemaVersion())
	}
}
