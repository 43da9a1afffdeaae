// Package karma tracks member reputation: reply keywords and emoji
// reactions move the author's points by one, admins can adjust them.
package karma

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/storage"
)

const (
	ReasonReply    = "reply:keyword"
	ReasonReaction = "reaction"
	ReasonAdmin    = "admin"
)

// Vote is one karma-moving event aimed at Target. ActorID 0 means unknown.
type Vote struct {
	Target  int64
	ActorID int64
	ChatID  int64
	MsgID   int64
	Delta   int
	Reason  string
}

// Reaction is a change of emoji reactions on a chat message.
type Reaction struct {
	ChatID  int64
	MsgID   int64
	ActorID int64
	Old     []string
	New     []string
}

// Reply is a message answering MsgID, written by ActorID.
type Reply struct {
	ChatID   int64
	MsgID    int64
	AuthorID int64
	ActorID  int64
	Text     string
}

// Entry is one leaderboard row.
type Entry struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	Points   int64  `json:"points"`
}

// Stats counts positive and negative events today (UTC) and overall.
type Stats struct {
	UserID     int64 `json:"user_id"`
	Points     int64 `json:"points"`
	TodayPlus  int   `json:"today_plus"`
	TodayMinus int   `json:"today_minus"`
	TotalPlus  int   `json:"total_plus"`
	TotalMinus int   `json:"total_minus"`
}

// Service owns the karma, karma_events and message_authors tables.
type Service struct {
	tx      *storage.TxManager
	authors *authorCache
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAuthorCache bounds the in-memory message author cache. Zero disables it.
func WithAuthorCache(limit int) Option {
	return func(s *Service) { s.authors = newAuthorCache(limit) }
}

func NewService(tx *storage.TxManager, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		tx:      tx,
		authors: newAuthorCache(50_000),
		now:     time.Now,
		logger:  logger.With("component", "karma"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register makes a member eligible for karma. Points survive re-registration.
func (s *Service) Register(ctx context.Context, userID int64, username string) error {
	now := s.now().UnixMicro()
	return s.tx.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO karma (user_id, username, points, updated_at) VALUES (?, ?, 0, ?)
			ON CONFLICT (user_id) DO UPDATE SET username = excluded.username, updated_at = excluded.updated_at`,
			userID, nullString(username), now)
		return err
	})
}

// IsRegistered reports whether a member has a karma record.
func (s *Service) IsRegistered(ctx context.Context, userID int64) (bool, error) {
	return storage.ReadTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (bool, error) {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM karma WHERE user_id = ?`, userID).Scan(&one)
		if storage.IsNoRows(err) {
			return false, nil
		}
		return err == nil, err
	})
}

// Vote applies one point up or down to a registered target and logs the
// event. It reports false without error when the vote is ignored: a zero
// delta, a self vote or an unregistered target.
func (s *Service) Vote(ctx context.Context, v Vote) (bool, error) {
	delta := clamp(v.Delta)
	if delta == 0 || (v.ActorID != 0 && v.ActorID == v.Target) {
		return false, nil
	}
	now := s.now().UnixMicro()

	applied, err := storage.InTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (bool, error) {
		res, err := tx.Exec(ctx,
			`UPDATE karma SET points = points + ?, updated_at = ? WHERE user_id = ?`,
			delta, now, v.Target)
		if err != nil {
			return false, err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return false, err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO karma_events (user_id, actor_id, chat_id, msg_id, delta, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.Target, nullInt(v.ActorID), v.ChatID, nullInt(v.MsgID), delta, v.Reason, now)
		return err == nil, err
	})
	if err != nil {
		return false, fmt.Errorf("apply karma vote: %w", err)
	}
	if applied {
		s.logger.Debug("karma applied", "user_id", v.Target, "actor_id", v.ActorID, "delta", delta, "reason", v.Reason)
	}
	return applied, nil
}

// React scores a reaction change against the message author. Messages whose
// author was never recorded are ignored.
func (s *Service) React(ctx context.Context, r Reaction) (bool, error) {
	author, ok, err := s.AuthorOf(ctx, r.ChatID, r.MsgID)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Info("reaction ignored, author unknown", "chat_id", r.ChatID, "msg_id", r.MsgID)
		return false, nil
	}
	return s.Vote(ctx, Vote{
		Target:  author,
		ActorID: r.ActorID,
		ChatID:  r.ChatID,
		MsgID:   r.MsgID,
		Delta:   ReactionDelta(r.Old, r.New),
		Reason:  ReasonReaction,
	})
}

// Reply gives the replied-to author a point when the text matches a
// positive trigger word.
func (s *Service) Reply(ctx context.Context, r Reply) (bool, error) {
	if !MatchesPositive(r.Text) {
		return false, nil
	}
	return s.Vote(ctx, Vote{
		Target:  r.AuthorID,
		ActorID: r.ActorID,
		ChatID:  r.ChatID,
		MsgID:   r.MsgID,
		Delta:   1,
		Reason:  ReasonReply,
	})
}

// Add changes a member's points by delta and returns the new value. Unlike
// Vote it is not clamped and creates the record if needed.
func (s *Service) Add(ctx context.Context, userID, delta int64) (int64, error) {
	now := s.now().UnixMicro()
	return storage.InTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (int64, error) {
		var points int64
		err := tx.QueryRow(ctx,
			`INSERT INTO karma (user_id, points, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET points = karma.points + excluded.points, updated_at = excluded.updated_at
			RETURNING points`,
			userID, delta, now).Scan(&points)
		return points, err
	})
}

// Set overwrites a member's points.
func (s *Service) Set(ctx context.Context, userID, value int64) error {
	now := s.now().UnixMicro()
	return s.tx.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO karma (user_id, points, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET points = excluded.points, updated_at = excluded.updated_at`,
			userID, value, now)
		return err
	})
}

// Get returns a member's points, zero when unknown.
func (s *Service) Get(ctx context.Context, userID int64) (int64, error) {
	return storage.ReadTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (int64, error) {
		var points int64
		err := tx.QueryRow(ctx, `SELECT points FROM karma WHERE user_id = ?`, userID).Scan(&points)
		if storage.IsNoRows(err) {
			return 0, nil
		}
		return points, err
	})
}

// Top returns the leaderboard ordered by points, ties by user id.
func (s *Service) Top(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	return storage.ReadTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) ([]Entry, error) {
		rows, err := tx.Query(ctx,
			`SELECT user_id, username, points FROM karma ORDER BY points DESC, user_id ASC LIMIT ?`, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []Entry
		for rows.Next() {
			var (
				e    Entry
				name sql.NullString
			)
			if err := rows.Scan(&e.UserID, &name, &e.Points); err != nil {
				return nil, err
			}
			e.Username = name.String
			out = append(out, e)
		}
		return out, rows.Err()
	})
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Stats summarizes a member's karma events.
func (s *Service) Stats(ctx context.Context, userID int64) (*Stats, error) {
	since := startOfDay(s.now()).UnixMicro()
	return storage.ReadTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (*Stats, error) {
		st := &Stats{UserID: userID}
		err := tx.QueryRow(ctx,
			`SELECT
				COALESCE(SUM(CASE WHEN delta > 0 AND created_at >= ? THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN delta < 0 AND created_at >= ? THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN delta > 0 THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN delta < 0 THEN 1 ELSE 0 END), 0)
			FROM karma_events WHERE user_id = ?`,
			since, since, userID).Scan(&st.TodayPlus, &st.TodayMinus, &st.TotalPlus, &st.TotalMinus)
		if err != nil {
			return nil, err
		}
		err = tx.QueryRow(ctx, `SELECT points FROM karma WHERE user_id = ?`, userID).Scan(&st.Points)
		if err != nil && !storage.IsNoRows(err) {
			return nil, err
		}
		return st, nil
	})
}

// Digest returns today's stats for every member whose karma moved today.
func (s *Service) Digest(ctx context.Context) ([]Stats, error) {
	since := startOfDay(s.now()).UnixMicro()
	return storage.ReadTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) ([]Stats, error) {
		rows, err := tx.Query(ctx,
			`SELECT e.user_id,
				COALESCE(MAX(k.points), 0),
				SUM(CASE WHEN e.delta > 0 AND e.created_at >= ? THEN 1 ELSE 0 END),
				SUM(CASE WHEN e.delta < 0 AND e.created_at >= ? THEN 1 ELSE 0 END),
				SUM(CASE WHEN e.delta > 0 THEN 1 ELSE 0 END),
				SUM(CASE WHEN e.delta < 0 THEN 1 ELSE 0 END)
			FROM karma_events e LEFT JOIN karma k ON k.user_id = e.user_id
			WHERE e.user_id IN (SELECT user_id FROM karma_events WHERE created_at >= ?)
			GROUP BY e.user_id ORDER BY e.user_id`,
			since, since, since)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []Stats
		for rows.Next() {
			var st Stats
			if err := rows.Scan(&st.UserID, &st.Points, &st.TodayPlus, &st.TodayMinus, &st.TotalPlus, &st.TotalMinus); err != nil {
				return nil, err
			}
			out = append(out, st)
		}
		return out, rows.Err()
	})
}

// RecordAuthor remembers who wrote a chat message so later reactions can be
// attributed. The first recorded author wins.
func (s *Service) RecordAuthor(ctx context.Context, chatID, msgID, authorID int64) error {
	if msgID == 0 || authorID == 0 {
		return common.Errorf(common.CodeInvalidInput, "message id and author id are required")
	}
	s.authors.put(msgKey{chatID, msgID}, authorID)
	now := s.now().UnixMicro()
	return s.tx.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO message_authors (chat_id, msg_id, author_id, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (chat_id, msg_id) DO NOTHING`,
			chatID, msgID, authorID, now)
		return err
	})
}

// AuthorOf looks up a message author, first in memory, then in the table.
func (s *Service) AuthorOf(ctx context.Context, chatID, msgID int64) (int64, bool, error) {
	key := msgKey{chatID, msgID}
	if id, ok := s.authors.get(key); ok {
		return id, true, nil
	}
	id, err := storage.ReadTx(ctx, s.tx, func(ctx context.Context, tx *storage.Tx) (int64, error) {
		var id int64
		err := tx.QueryRow(ctx,
			`SELECT author_id FROM message_authors WHERE chat_id = ? AND msg_id = ?`, chatID, msgID).Scan(&id)
		if storage.IsNoRows(err) {
			return 0, nil
		}
		return id, err
	})
	if err != nil || id == 0 {
		return 0, false, err
	}
	s.authors.put(key, id)
	return id, true, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
