package roster

import (
	"context"
	"database/sql"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/storage"
)

// BlacklistEntry bars a user from applying.
type BlacklistEntry struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Blacklist struct {
	tx  *storage.TxManager
	now func() time.Time
}

func NewBlacklist(tx *storage.TxManager, now func() time.Time) *Blacklist {
	if now == nil {
		now = time.Now
	}
	return &Blacklist{tx: tx, now: now}
}

func blacklistContains(ctx context.Context, tx *storage.Tx, userID int64) (bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM blacklist WHERE user_id = ?`, userID).Scan(&id)
	if storage.IsNoRows(err) {
		return false, nil
	}
	return err == nil, err
}

func blacklistAdd(ctx context.Context, tx *storage.Tx, userID int64, reason string, now time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO blacklist (user_id, reason, created_at) VALUES (?, ?, ?) ON CONFLICT (user_id) DO NOTHING`,
		userID, nullString(reason), now.UnixMicro())
	return err
}

func (b *Blacklist) Contains(ctx context.Context, userID int64) (bool, error) {
	return storage.ReadTx(ctx, b.tx, func(ctx context.Context, tx *storage.Tx) (bool, error) {
		return blacklistContains(ctx, tx, userID)
	})
}

// Add blacklists a user. An existing entry keeps its original reason.
func (b *Blacklist) Add(ctx context.Context, userID int64, reason string) error {
	now := b.now()
	return b.tx.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		return blacklistAdd(ctx, tx, userID, reason, now)
	})
}

func (b *Blacklist) Remove(ctx context.Context, userID int64) error {
	return b.tx.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM blacklist WHERE user_id = ?`, userID)
		return err
	})
}

func (b *Blacklist) UpdateReason(ctx context.Context, userID int64, reason string) error {
	return b.tx.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		res, err := tx.Exec(ctx, `UPDATE blacklist SET reason = ? WHERE user_id = ?`, nullString(reason), userID)
		if err != nil {
			return err
		}
		return mustAffect(res, "user %d is not blacklisted", userID)
	})
}

func (b *Blacklist) Count(ctx context.Context) (int, error) {
	return count(ctx, b.tx, `SELECT COUNT(*) FROM blacklist`)
}

// Page lists entries newest first.
func (b *Blacklist) Page(ctx context.Context, p Page) ([]*BlacklistEntry, error) {
	limit, offset := p.normalize()
	return storage.ReadTx(ctx, b.tx, func(ctx context.Context, tx *storage.Tx) ([]*BlacklistEntry, error) {
		rows, err := tx.Query(ctx,
			`SELECT id, user_id, reason, created_at FROM blacklist ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			limit, offset)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []*BlacklistEntry
		for rows.Next() {
			var (
				e       BlacklistEntry
				reason  sql.NullString
				created int64
			)
			if err := rows.Scan(&e.ID, &e.UserID, &reason, &created); err != nil {
				return nil, err
			}
			e.Reason, e.CreatedAt = reason.String, fromMicros(created)
			out = append(out, &e)
		}
		return out, rows.Err()
	})
}
