// Package roster holds community membership: the roster of known members,
// join applications, personal invites and the blacklist.
package roster

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/storage"
)

const maxPageSize = 100

// Page is a zero-based page request.
type Page struct {
	Index int
	Size  int
}

func (p Page) normalize() (limit, offset int) {
	size := p.Size
	if size <= 0 {
		size = 10
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	index := p.Index
	if index < 0 {
		index = 0
	}
	return size, index * size
}

// Member is one roster entry.
type Member struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Roster manages the roster table.
type Roster struct {
	tx  *storage.TxManager
	now func() time.Time
}

func NewRoster(tx *storage.TxManager, now func() time.Time) *Roster {
	if now == nil {
		now = time.Now
	}
	return &Roster{tx: tx, now: now}
}

const memberColumns = `id, slug, created_at, updated_at`

func scanMember(row interface{ Scan(...any) error }) (*Member, error) {
	var (
		m                Member
		created, updated int64
	)
	if err := row.Scan(&m.ID, &m.Slug, &created, &updated); err != nil {
		return nil, err
	}
	m.CreatedAt, m.UpdatedAt = fromMicros(created), fromMicros(updated)
	return &m, nil
}

func rosterContains(ctx context.Context, tx *storage.Tx, slug string) (bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM roster WHERE slug = ?`, slug).Scan(&id)
	if storage.IsNoRows(err) {
		return false, nil
	}
	return err == nil, err
}

func rosterAdd(ctx context.Context, tx *storage.Tx, slug string, now time.Time) (*Member, error) {
	ts := now.UnixMicro()
	if _, err := tx.Exec(ctx,
		`INSERT INTO roster (slug, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT (slug) DO NOTHING`,
		slug, ts, ts); err != nil {
		return nil, err
	}
	return scanMember(tx.QueryRow(ctx, `SELECT `+memberColumns+` FROM roster WHERE slug = ?`, slug))
}

func (r *Roster) Contains(ctx context.Context, slug string) (bool, error) {
	slug = NormalizeSlug(slug)
	return storage.ReadTx(ctx, r.tx, func(ctx context.Context, tx *storage.Tx) (bool, error) {
		return rosterContains(ctx, tx, slug)
	})
}

// Add inserts the slug, returning the existing entry when already present.
func (r *Roster) Add(ctx context.Context, slug string) (*Member, error) {
	slug = NormalizeSlug(slug)
	if slug == "" {
		return nil, common.Errorf(common.CodeInvalidInput, "slug is required")
	}
	now := r.now()
	return storage.InTx(ctx, r.tx, func(ctx context.Context, tx *storage.Tx) (*Member, error) {
		return rosterAdd(ctx, tx, slug, now)
	})
}

func (r *Roster) Get(ctx context.Context, id int64) (*Member, error) {
	return storage.ReadTx(ctx, r.tx, func(ctx context.Context, tx *storage.Tx) (*Member, error) {
		m, err := scanMember(tx.QueryRow(ctx, `SELECT `+memberColumns+` FROM roster WHERE id = ?`, id))
		if storage.IsNoRows(err) {
			return nil, common.Errorf(common.CodeNotFound, "roster entry %d not found", id)
		}
		return m, err
	})
}

// UpdateSlug renames an entry. Renaming onto an existing slug is a Conflict.
func (r *Roster) UpdateSlug(ctx context.Context, id int64, slug string) error {
	slug = NormalizeSlug(slug)
	if slug == "" {
		return common.Errorf(common.CodeInvalidInput, "slug is required")
	}
	now := r.now().UnixMicro()
	err := r.tx.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		res, err := tx.Exec(ctx, `UPDATE roster SET slug = ?, updated_at = ? WHERE id = ?`, slug, now, id)
		if err != nil {
			return err
		}
		return mustAffect(res, "roster entry %d not found", id)
	})
	if storage.IsUniqueViolation(err) {
		return common.Errorf(common.CodeConflict, "slug %q is already in the roster", slug)
	}
	return err
}

func (r *Roster) Delete(ctx context.Context, id int64) error {
	return r.tx.Run(ctx, func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM roster WHERE id = ?`, id)
		return err
	})
}

func (r *Roster) Count(ctx context.Context) (int, error) {
	return count(ctx, r.tx, `SELECT COUNT(*) FROM roster`)
}

// Page lists entries ordered by slug.
func (r *Roster) Page(ctx context.Context, p Page) ([]*Member, error) {
	limit, offset := p.normalize()
	return storage.ReadTx(ctx, r.tx, func(ctx context.Context, tx *storage.Tx) ([]*Member, error) {
		return queryMembers(ctx, tx,
			`SELECT `+memberColumns+` FROM roster ORDER BY slug ASC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	})
}

// Search matches entries whose slug contains every word of query, ignoring
// case. It returns the total match count and one page.
func (r *Roster) Search(ctx context.Context, query string, p Page) (int, []*Member, error) {
	var (
		conds []string
		args  []any
	)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		conds = append(conds, `LOWER(slug) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(w)+"%")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit, offset := p.normalize()

	type result struct {
		total   int
		members []*Member
	}
	res, err := storage.ReadTx(ctx, r.tx, func(ctx context.Context, tx *storage.Tx) (result, error) {
		var out result
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM roster`+where, args...).Scan(&out.total); err != nil {
			return out, err
		}
		members, err := queryMembers(ctx, tx,
			`SELECT `+memberColumns+` FROM roster`+where+` ORDER BY slug ASC, id ASC LIMIT ? OFFSET ?`,
			append(args, limit, offset)...)
		out.members = members
		return out, err
	})
	return res.total, res.members, err
}

func queryMembers(ctx context.Context, tx *storage.Tx, query string, args ...any) ([]*Member, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func count(ctx context.Context, m *storage.TxManager, query string, args ...any) (int, error) {
	return storage.ReadTx(ctx, m, func(ctx context.Context, tx *storage.Tx) (int, error) {
		var n int
		err := tx.QueryRow(ctx, query, args...).Scan(&n)
		return n, err
	})
}

func mustAffect(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.Errorf(common.CodeNotFound, format, args...)
	}
	return nil
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

