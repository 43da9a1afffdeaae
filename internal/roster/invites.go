package roster

import (
	"context"
	"strings"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/storage"
)

// Invite is a personal, expiring chat invite link.
type Invite struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	Link      string    `json:"invite_link"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the invite is still usable at now.
func (i *Invite) Active(now time.Time) bool {
	return i.ExpiresAt.After(now)
}

type Invites struct {
	tx  *storage.TxManager
	now func() time.Time
}

func NewInvites(tx *storage.TxManager, now func() time.Time) *Invites {
	if now == nil {
		now = time.Now
	}
	return &Invites{tx: tx, now: now}
}

const inviteColumns = `id, user_id, chat_id, invite_link, expires_at, created_at`

func scanInvite(row interface{ Scan(...any) error }) (*Invite, error) {
	var (
		inv              Invite
		expires, created int64
	)
	if err := row.Scan(&inv.ID, &inv.UserID, &inv.ChatID, &inv.Link, &expires, &created); err != nil {
		return nil, err
	}
	inv.ExpiresAt, inv.CreatedAt = fromMicros(expires), fromMicros(created)
	return &inv, nil
}

func optionalInvite(inv *Invite, err error) (*Invite, error) {
	if storage.IsNoRows(err) {
		return nil, nil
	}
	return inv, err
}

func activeInvite(ctx context.Context, tx *storage.Tx, userID int64, now time.Time) (*Invite, error) {
	return optionalInvite(scanInvite(tx.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM invites WHERE user_id = ? AND expires_at > ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID, now.UnixMicro())))
}

func findInviteByLink(ctx context.Context, tx *storage.Tx, link string) (*Invite, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil, nil
	}
	inv, err := optionalInvite(scanInvite(tx.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM invites WHERE invite_link = ?`, link)))
	if inv != nil || err != nil {
		return inv, err
	}
	code := ExtractInviteCode(link)
	if code == "" {
		return nil, nil
	}
	return optionalInvite(scanInvite(tx.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM invites WHERE invite_link LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		"%"+escapeLike(code))))
}

// ExtractInviteCode pulls the token out of a chat invite link such as
// https://t.me/+ABC, t.me/joinchat/ABC or a bare code.
func ExtractInviteCode(link string) string {
	u := strings.TrimSpace(link)
	if _, rest, ok := strings.Cut(u, "://"); ok {
		u = rest
	}
	u = strings.TrimPrefix(u, "t.me/")
	if i := strings.LastIndex(u, "/"); i >= 0 {
		u = u[i+1:]
	}
	u = strings.TrimPrefix(u, "+")
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return u
}

// Active returns the user's newest unexpired invite, or nil.
func (v *Invites) Active(ctx context.Context, userID int64) (*Invite, error) {
	now := v.now()
	return storage.ReadTx(ctx, v.tx, func(ctx context.Context, tx *storage.Tx) (*Invite, error) {
		return activeInvite(ctx, tx, userID, now)
	})
}

// FindByLink matches the exact link first, then any stored link ending in
// the same invite code. It returns nil when nothing matches.
func (v *Invites) FindByLink(ctx context.Context, link string) (*Invite, error) {
	return storage.ReadTx(ctx, v.tx, func(ctx context.Context, tx *storage.Tx) (*Invite, error) {
		return findInviteByLink(ctx, tx, link)
	})
}

func (v *Invites) Delete(ctx context.Context, id int64) error {
	return v.tx.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM invites WHERE id = ?`, id)
		return err
	})
}

func (v *Invites) Count(ctx context.Context, activeOnly bool) (int, error) {
	if activeOnly {
		return count(ctx, v.tx, `SELECT COUNT(*) FROM invites WHERE expires_at > ?`, v.now().UnixMicro())
	}
	return count(ctx, v.tx, `SELECT COUNT(*) FROM invites`)
}

// Page lists invites newest first.
func (v *Invites) Page(ctx context.Context, p Page, activeOnly bool) ([]*Invite, error) {
	limit, offset := p.normalize()
	query := `SELECT ` + inviteColumns + ` FROM invites`
	var args []any
	if activeOnly {
		query += ` WHERE expires_at > ?`
		args = append(args, v.now().UnixMicro())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return storage.ReadTx(ctx, v.tx, func(ctx context.Context, tx *storage.Tx) ([]*Invite, error) {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []*Invite
		for rows.Next() {
			inv, err := scanInvite(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, inv)
		}
		return out, rows.Err()
	})
}

func insertInvite(ctx context.Context, tx *storage.Tx, userID, chatID int64, link string, expires, now time.Time) (*Invite, error) {
	if strings.TrimSpace(link) == "" {
		return nil, common.Errorf(common.CodeInvalidInput, "invite link is required")
	}
	inv, err := scanInvite(tx.QueryRow(ctx,
		`INSERT INTO invites (user_id, chat_id, invite_link, expires_at, created_at) VALUES (?, ?, ?, ?, ?)
		RETURNING `+inviteColumns,
		userID, chatID, link, expires.UnixMicro(), now.UnixMicro()))
	if storage.IsUniqueViolation(err) {
		return nil, common.Errorf(common.CodeConflict, "invite link already issued")
	}
	return inv, err
}
