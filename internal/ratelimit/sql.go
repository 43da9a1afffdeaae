package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/storage"
)

// SQL stores usage in the usage_events table so windows survive restarts
// and are shared between processes.
type SQL struct {
	tx     *storage.TxManager
	window time.Duration
	max    int
	now    func() time.Time
}

func NewSQL(tx *storage.TxManager, window time.Duration, maxRequests int, opts ...Option) *SQL {
	o := buildOptions(opts)
	return &SQL{tx: tx, window: window, max: maxRequests, now: o.now}
}

// Admit counts the user's events inside the window and inserts a new one in
// the same unit of work.
func (s *SQL) Admit(ctx context.Context, userID int64) (bool, error) {
	now := s.now()
	cutoff := now.Add(-s.window).UnixMicro()

	return storage.InTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (bool, error) {
		if _, err := tx.Exec(ctx, `DELETE FROM usage_events WHERE user_id = ? AND at <= ?`, userID, cutoff); err != nil {
			return false, fmt.Errorf("prune usage: %w", err)
		}
		var n int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM usage_events WHERE user_id = ?`, userID).Scan(&n); err != nil {
			return false, fmt.Errorf("count usage: %w", err)
		}
		if n >= s.max {
			return false, nil
		}
		if _, err := tx.Exec(ctx, `INSERT INTO usage_events (user_id, at) VALUES (?, ?)`, userID, now.UnixMicro()); err != nil {
			return false, fmt.Errorf("record usage: %w", err)
		}
		return true, nil
	})
}

// Evict deletes every event that has left the window.
func (s *SQL) Evict(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.window).UnixMicro()
	return storage.InTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (int, error) {
		res, err := tx.Exec(ctx, `DELETE FROM usage_events WHERE at <= ?`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("evict usage: %w", err)
		}
		n, err := res.RowsAffected()
		return int(n), err
	})
}
