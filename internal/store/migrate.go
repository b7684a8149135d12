package store

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/db"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// migrationLockID keys the Postgres advisory lock held while migrating.
const migrationLockID = 8675309

// migrationFiles returns the embedded migration filenames for a dialect in
// lexicographic (zero-padded numeric) order.
func migrationFiles(dialect string) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations/"+dialect)
	if err != nil {
		return nil, eris.Wrapf(err, "store: read %s migration dir", dialect)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// migratePostgres applies pending migrations under an advisory lock so
// overlapping deploys do not race.
func migratePostgres(ctx context.Context, pool db.Pool) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration advisory lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	rows, err := pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: query applied migrations")
	}
	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: iterate applied migrations")
	}

	names, err := migrationFiles("postgres")
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/postgres/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())", name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
	}
	return nil
}

// migrateSQLite applies pending migrations, each in its own transaction.
func migrateSQLite(ctx context.Context, conn *sql.DB) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return eris.Wrap(err, "sqlite: ensure migration table")
	}

	names, err := migrationFiles("sqlite")
	if err != nil {
		return err
	}
	for _, name := range names {
		var exists int
		if err := conn.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name,
		).Scan(&exists); err != nil {
			return eris.Wrapf(err, "sqlite: check migration %s", name)
		}
		if exists > 0 {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/sqlite/" + name)
		if err != nil {
			return eris.Wrapf(err, "sqlite: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return eris.Wrap(err, "sqlite: begin migration")
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			tx.Rollback() //nolint:errcheck
			return eris.Wrapf(err, "sqlite: apply migration %s", name)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)", name, formatTime(nowUTC()),
		); err != nil {
			tx.Rollback() //nolint:errcheck
			return eris.Wrapf(err, "sqlite: record migration %s", name)
		}
		if err := tx.Commit(); err != nil {
			return eris.Wrapf(err, "sqlite: commit migration %s", name)
		}
	}
	return nil
}
