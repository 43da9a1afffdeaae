package roster

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/storage"
)

// Application statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusDone     = "done"
)

// Reasons Apply refuses a request. They are wrapped in a Conflict AppError.
var (
	ErrBlacklisted       = errors.New("user is blacklisted")
	ErrAlreadyMember     = errors.New("slug is already in the roster")
	ErrInviteActive      = errors.New("user already has an active invite")
	ErrApplicationActive = errors.New("user already has an active application")
)

// Application is a request to join the community.
type Application struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Slug      string    `json:"slug"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Applications runs the join workflow: apply, review, invite, join.
type Applications struct {
	tx     *storage.TxManager
	now    func() time.Time
	logger *slog.Logger
}

func NewApplications(tx *storage.TxManager, now func() time.Time, logger *slog.Logger) *Applications {
	if now == nil {
		now = time.Now
	}
	return &Applications{tx: tx, now: now, logger: logger.With("component", "applications")}
}

const applicationColumns = `id, user_id, username, slug, status, reason, created_at, updated_at`

func scanApplication(row interface{ Scan(...any) error }) (*Application, error) {
	var (
		a                Application
		username, reason sql.NullString
		created, updated int64
	)
	if err := row.Scan(&a.ID, &a.UserID, &username, &a.Slug, &a.Status, &reason, &created, &updated); err != nil {
		return nil, err
	}
	a.Username, a.Reason = username.String, reason.String
	a.CreatedAt, a.UpdatedAt = fromMicros(created), fromMicros(updated)
	return &a, nil
}

func getApplication(ctx context.Context, tx *storage.Tx, id int64) (*Application, error) {
	a, err := scanApplication(tx.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = ?`, id))
	if storage.IsNoRows(err) {
		return nil, common.Errorf(common.CodeNotFound, "application %d not found", id)
	}
	return a, err
}

func lastApplication(ctx context.Context, tx *storage.Tx, userID int64) (*Application, error) {
	a, err := scanApplication(tx.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID))
	if storage.IsNoRows(err) {
		return nil, nil
	}
	return a, err
}

func refuse(reason error) error {
	return common.NewAppError(common.CodeConflict, reason.Error(), reason)
}

// Apply validates the slug and files a pending application. Checks run in
// order: blacklist, roster, active invite, active application.
func (a *Applications) Apply(ctx context.Context, userID int64, username, slug string) (*Application, error) {
	slug = NormalizeSlug(slug)
	if _, err := ParseSlug(slug); err != nil {
		return nil, err
	}
	now := a.now()

	app, err := storage.InTx(ctx, a.tx, func(ctx context.Context, tx *storage.Tx) (*Application, error) {
		if ok, err := blacklistContains(ctx, tx, userID); err != nil || ok {
			return nil, errOr(err, ErrBlacklisted)
		}
		if ok, err := rosterContains(ctx, tx, slug); err != nil || ok {
			return nil, errOr(err, ErrAlreadyMember)
		}
		if inv, err := activeInvite(ctx, tx, userID, now); err != nil || inv != nil {
			return nil, errOr(err, ErrInviteActive)
		}
		var id int64
		err := tx.QueryRow(ctx,
			`SELECT id FROM applications WHERE user_id = ? AND status IN ('pending', 'approved', 'done') LIMIT 1`,
			userID).Scan(&id)
		if err == nil {
			return nil, refuse(ErrApplicationActive)
		}
		if !storage.IsNoRows(err) {
			return nil, err
		}

		ts := now.UnixMicro()
		return scanApplication(tx.QueryRow(ctx,
			`INSERT INTO applications (user_id, username, slug, status, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', ?, ?) RETURNING `+applicationColumns,
			userID, nullString(username), slug, ts, ts))
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("application filed", "application_id", app.ID, "user_id", userID, "slug", slug)
	return app, nil
}

func errOr(err, reason error) error {
	if err != nil {
		return err
	}
	return refuse(reason)
}

func (a *Applications) Get(ctx context.Context, id int64) (*Application, error) {
	return storage.ReadTx(ctx, a.tx, func(ctx context.Context, tx *storage.Tx) (*Application, error) {
		return getApplication(ctx, tx, id)
	})
}

// LastForUser returns the user's newest application, or nil.
func (a *Applications) LastForUser(ctx context.Context, userID int64) (*Application, error) {
	return storage.ReadTx(ctx, a.tx, func(ctx context.Context, tx *storage.Tx) (*Application, error) {
		return lastApplication(ctx, tx, userID)
	})
}

// transition moves an application from one of from to status.
func (a *Applications) transition(ctx context.Context, id int64, status, reason string, from ...string) (*Application, error) {
	now := a.now().UnixMicro()
	return storage.InTx(ctx, a.tx, func(ctx context.Context, tx *storage.Tx) (*Application, error) {
		app, err := getApplication(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(from, app.Status) {
			return nil, common.Errorf(common.CodeInvalidTransition, "application %d is %s, cannot become %s", id, app.Status, status)
		}
		return scanApplication(tx.QueryRow(ctx,
			`UPDATE applications SET status = ?, reason = ?, updated_at = ? WHERE id = ? AND status = ?
			RETURNING `+applicationColumns,
			status, nullString(reason), now, id, app.Status))
	})
}

// Approve accepts a pending application.
func (a *Applications) Approve(ctx context.Context, id int64) (*Application, error) {
	return a.transition(ctx, id, StatusApproved, "", StatusPending)
}

// Reject refuses a pending or approved application with a reason shown to
// the applicant.
func (a *Applications) Reject(ctx context.Context, id int64, reason string) (*Application, error) {
	return a.transition(ctx, id, StatusRejected, reason, StatusPending, StatusApproved)
}

// Complete issues the personal invite for an approved application and marks
// it done in one unit of work. The applicant must own the application and
// hold no other active invite.
func (a *Applications) Complete(ctx context.Context, id, userID, chatID int64, link string, expires time.Time) (*Invite, error) {
	now := a.now()
	if !expires.After(now) {
		return nil, common.Errorf(common.CodeInvalidInput, "invite expiry must be in the future")
	}
	inv, err := storage.InTx(ctx, a.tx, func(ctx context.Context, tx *storage.Tx) (*Invite, error) {
		app, err := getApplication(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if app.UserID != userID {
			return nil, common.Errorf(common.CodeNotFound, "application %d not found for user %d", id, userID)
		}
		if app.Status != StatusApproved {
			return nil, common.Errorf(common.CodeInvalidTransition, "application %d is %s, not approved", id, app.Status)
		}
		if active, err := activeInvite(ctx, tx, userID, now); err != nil || active != nil {
			return nil, errOr(err, ErrInviteActive)
		}
		inv, err := insertInvite(ctx, tx, userID, chatID, link, expires, now)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE applications SET status = 'done', updated_at = ? WHERE id = ?`, now.UnixMicro(), id); err != nil {
			return nil, err
		}
		return inv, nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("invite issued", "application_id", id, "user_id", userID, "expires_at", expires)
	return inv, nil
}

func (a *Applications) Count(ctx context.Context, status string) (int, error) {
	if status == "" || status == "all" {
		return count(ctx, a.tx, `SELECT COUNT(*) FROM applications`)
	}
	return count(ctx, a.tx, `SELECT COUNT(*) FROM applications WHERE status = ?`, status)
}

// Page lists applications newest first, optionally filtered by status.
func (a *Applications) Page(ctx context.Context, p Page, status string) ([]*Application, error) {
	limit, offset := p.normalize()
	query := `SELECT ` + applicationColumns + ` FROM applications`
	var args []any
	if status != "" && status != "all" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return storage.ReadTx(ctx, a.tx, func(ctx context.Context, tx *storage.Tx) ([]*Application, error) {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []*Application
		for rows.Next() {
			app, err := scanApplication(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, app)
		}
		return out, rows.Err()
	})
}

// JoinOutcome describes how a chat join was reconciled.
type JoinOutcome string

const (
	JoinAdmitted JoinOutcome = "admitted"
	JoinMisused  JoinOutcome = "misused"
	JoinUnknown  JoinOutcome = "unknown"
)

// JoinResult reports the reconciliation of one chat join.
type JoinResult struct {
	Outcome JoinOutcome `json:"outcome"`
	Slug    string      `json:"slug,omitempty"`
	Invite  *Invite     `json:"invite,omitempty"`
}

// Join reconciles a member joining the chat, optionally through link. A
// personal invite used by its owner adds the owner's slug to the roster and
// consumes the invite. One used by someone else blacklists both accounts.
// Without a matching invite the joiner's last application is used.
func (a *Applications) Join(ctx context.Context, userID int64, link string) (*JoinResult, error) {
	now := a.now()
	res, err := storage.InTx(ctx, a.tx, func(ctx context.Context, tx *storage.Tx) (*JoinResult, error) {
		inv, err := findInviteByLink(ctx, tx, link)
		if err != nil {
			return nil, err
		}
		owner := userID
		if inv != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM invites WHERE id = ?`, inv.ID); err != nil {
				return nil, err
			}
			if inv.UserID != userID {
				if err := blacklistAdd(ctx, tx, userID, "joined through another member's personal invite", now); err != nil {
					return nil, err
				}
				if err := blacklistAdd(ctx, tx, inv.UserID, "personal invite used by another account", now); err != nil {
					return nil, err
				}
				return &JoinResult{Outcome: JoinMisused, Invite: inv}, nil
			}
			owner = inv.UserID
		}

		app, err := lastApplication(ctx, tx, owner)
		if err != nil {
			return nil, err
		}
		if app == nil {
			return &JoinResult{Outcome: JoinUnknown, Invite: inv}, nil
		}
		if _, err := rosterAdd(ctx, tx, app.Slug, now); err != nil {
			return nil, err
		}
		return &JoinResult{Outcome: JoinAdmitted, Slug: app.Slug, Invite: inv}, nil
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome == JoinMisused {
		a.logger.Warn("personal invite misused", "joined_user_id", userID, "owner_id", res.Invite.UserID)
	}
	return res, nil
}
