package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type migration struct {
	version    int
	name       string
	statements []string
}

// {{serial}} expands to an auto-increment primary key for the dialect.
var migrations = []migration{
	{
		version: 1,
		name:    "jobs",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				user_id BIGINT NOT NULL,
				media_ref TEXT NOT NULL,
				state TEXT NOT NULL,
				submitted_at BIGINT NOT NULL,
				started_at BIGINT,
				completed_at BIGINT,
				result TEXT,
				error_code TEXT,
				error_detail TEXT,
				attempts INTEGER NOT NULL DEFAULT 0,
				claimed_by TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_state_submitted ON jobs(state, submitted_at, id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, submitted_at)`,
			`CREATE TABLE IF NOT EXISTS transcripts (
				job_id TEXT PRIMARY KEY REFERENCES jobs(id),
				local_path TEXT,
				drive_url TEXT,
				word_count INTEGER NOT NULL DEFAULT 0,
				duration DOUBLE PRECISION NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS usage_events (
				id {{serial}},
				user_id BIGINT NOT NULL,
				at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_user_at ON usage_events(user_id, at)`,
		},
	},
	{
		version: 2,
		name:    "membership",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS roster (
				id {{serial}},
				slug TEXT NOT NULL UNIQUE,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS applications (
				id {{serial}},
				user_id BIGINT NOT NULL,
				username TEXT,
				slug TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				reason TEXT,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_applications_user ON applications(user_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_applications_status ON applications(status, created_at)`,
			`CREATE TABLE IF NOT EXISTS invites (
				id {{serial}},
				user_id BIGINT NOT NULL,
				chat_id BIGINT NOT NULL,
				invite_link TEXT NOT NULL UNIQUE,
				expires_at BIGINT NOT NULL,
				created_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_invites_user ON invites(user_id, expires_at)`,
			`CREATE TABLE IF NOT EXISTS blacklist (
				id {{serial}},
				user_id BIGINT NOT NULL UNIQUE,
				reason TEXT,
				created_at BIGINT NOT NULL
			)`,
		},
	},
	{
		version: 3,
		name:    "karma",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS karma (
				user_id BIGINT PRIMARY KEY,
				username TEXT,
				points BIGINT NOT NULL DEFAULT 0,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS karma_events (
				id {{serial}},
				user_id BIGINT NOT NULL,
				actor_id BIGINT,
				chat_id BIGINT NOT NULL,
				msg_id BIGINT,
				delta INTEGER NOT NULL,
				reason TEXT,
				created_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_karma_events_user ON karma_events(user_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS message_authors (
				chat_id BIGINT NOT NULL,
				msg_id BIGINT NOT NULL,
				author_id BIGINT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (chat_id, msg_id)
			)`,
		},
	},
}

func renderDDL(dialect Dialect, stmt string) string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == Postgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(stmt, "{{serial}}", serial)
}

// Migrate applies pending schema versions in order. It is safe to run
// repeatedly and from several processes; a version recorded by a concurrent
// run is skipped.
func Migrate(ctx context.Context, db *DB, logger *slog.Logger) error {
	if _, err := db.SQL.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			if IsUniqueViolation(err) {
				logger.Info("migration already applied by another process", "version", m.version)
				continue
			}
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		logger.Info("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

func applyMigration(ctx context.Context, db *DB, m migration) error {
	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, renderDDL(db.Dialect, stmt)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		db.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
		m.version, time.Now().UnixMicro()); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration, or 0.
func SchemaVersion(ctx context.Context, db *DB) (int, error) {
	var v sql.NullInt64
	if err := db.SQL.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// LatestSchemaVersion is the version Migrate brings a database to.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}
