package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is the unit of work handed to Run callbacks. Queries use '?'
// placeholders and are rebound for the active dialect. A Tx must not be
// retained after the callback returns.
type Tx struct {
	q       queryer
	dialect Dialect
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.q.ExecContext(ctx, rebind(t.dialect, query), args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.q.QueryContext(ctx, rebind(t.dialect, query), args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.q.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

// Dialect lets callers pick dialect-specific SQL such as SKIP LOCKED.
func (t *Tx) Dialect() Dialect {
	return t.dialect
}

// TxManager owns transaction lifecycle: slot acquisition, commit, rollback
// and retry on contention. Run must not be called from inside another Run on
// the same manager.
type TxManager struct {
	db             *DB
	slots          chan struct{}
	maxAttempts    int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	acquireTimeout time.Duration
	retryable      func(error) bool
	logger         *slog.Logger
}

// TxOption configures a TxManager.
type TxOption func(*TxManager)

func WithMaxAttempts(n int) TxOption {
	return func(m *TxManager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

func WithBackoff(base, max time.Duration) TxOption {
	return func(m *TxManager) {
		if base > 0 {
			m.baseBackoff = base
		}
		if max >= base && max > 0 {
			m.maxBackoff = max
		}
	}
}

func WithAcquireTimeout(d time.Duration) TxOption {
	return func(m *TxManager) {
		if d > 0 {
			m.acquireTimeout = d
		}
	}
}

// WithSlots overrides the number of concurrent units of work, which defaults
// to the pool size.
func WithSlots(n int) TxOption {
	return func(m *TxManager) {
		if n > 0 {
			m.slots = make(chan struct{}, n)
		}
	}
}

// WithRetryable replaces the contention classifier.
func WithRetryable(fn func(error) bool) TxOption {
	return func(m *TxManager) {
		if fn != nil {
			m.retryable = fn
		}
	}
}

// NewTxManager creates a transaction manager over db.
func NewTxManager(db *DB, logger *slog.Logger, opts ...TxOption) *TxManager {
	m := &TxManager{
		db:             db,
		slots:          make(chan struct{}, max(db.MaxConns, 1)),
		maxAttempts:    5,
		baseBackoff:    10 * time.Millisecond,
		maxBackoff:     500 * time.Millisecond,
		acquireTimeout: 2 * time.Second,
		retryable:      IsContention,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DB returns the underlying database.
func (m *TxManager) DB() *DB {
	return m.db
}

// Run executes work inside a read-write transaction, committing on success
// and rolling back on error. The whole callback is retried on contention.
func (m *TxManager) Run(ctx context.Context, work func(ctx context.Context, tx *Tx) error) error {
	return m.run(ctx, false, work)
}

// Read executes work as a read-only unit. On SQLite it runs on the pool in
// autocommit mode so that readers never queue behind BEGIN IMMEDIATE.
func (m *TxManager) Read(ctx context.Context, work func(ctx context.Context, tx *Tx) error) error {
	return m.run(ctx, true, work)
}

// InTx runs work via m.Run and returns its value.
func InTx[T any](ctx context.Context, m *TxManager, work func(ctx context.Context, tx *Tx) (T, error)) (T, error) {
	var out T
	err := m.Run(ctx, func(ctx context.Context, tx *Tx) error {
		v, err := work(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// ReadTx is InTx for read-only work.
func ReadTx[T any](ctx context.Context, m *TxManager, work func(ctx context.Context, tx *Tx) (T, error)) (T, error) {
	var out T
	err := m.Read(ctx, func(ctx context.Context, tx *Tx) error {
		v, err := work(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (m *TxManager) run(ctx context.Context, readOnly bool, work func(ctx context.Context, tx *Tx) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-m.slots }()

	var err error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err = m.attempt(ctx, readOnly, work)
		if err == nil {
			return nil
		}
		if !m.retryable(err) {
			return err
		}
		if attempt == m.maxAttempts {
			break
		}

		wait := m.backoff(attempt)
		m.logger.Debug("transaction contention, retrying", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	m.logger.Warn("transaction retries exhausted", "attempts", m.maxAttempts, "error", err)
	return common.NewAppError(common.CodeContention,
		fmt.Sprintf("gave up after %d attempts", m.maxAttempts), err)
}

func (m *TxManager) acquire(ctx context.Context) error {
	select {
	case m.slots <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(m.acquireTimeout)
	defer timer.Stop()
	select {
	case m.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return common.Errorf(common.CodeResourceExhausted,
			"no database slot available within %s", m.acquireTimeout)
	}
}

func (m *TxManager) attempt(ctx context.Context, readOnly bool, work func(ctx context.Context, tx *Tx) error) error {
	if readOnly && m.db.Dialect == SQLite {
		return work(ctx, &Tx{q: m.db.SQL, dialect: SQLite})
	}

	opts := &sql.TxOptions{ReadOnly: readOnly}
	if m.db.Dialect == Postgres && !readOnly {
		opts.Isolation = sql.LevelSerializable
	}
	if m.db.Dialect == SQLite {
		// _txlock=immediate in the DSN decides the lock mode.
		opts = nil
	}

	sqlTx, err := m.db.SQL.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				m.logger.Debug("rollback failed", "error", rbErr)
			}
		}
	}()

	if err := work(ctx, &Tx{q: sqlTx, dialect: m.db.Dialect}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// backoff is exponential in attempt with full jitter on the upper half.
func (m *TxManager) backoff(attempt int) time.Duration {
	d := m.baseBackoff << (attempt - 1)
	if d > m.maxBackoff || d <= 0 {
		d = m.maxBackoff
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
