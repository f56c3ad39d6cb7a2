package storage

import (
	"context"
	"database/sql"
	"embed"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skywang16/orbitx/internal/errdef"
)

//go:embed sql/*.sql
var sqlScripts embed.FS

// Database wraps the SQLite connection for one app-data scope. Writes are
// serialized per connection; transactions are the unit of atomicity for
// multi-row updates.
type Database struct {
	db *sql.DB
}

// OpenDatabase opens (creating if needed) the scope database and applies any
// unapplied migrations in order.
func OpenDatabase(ctx context.Context, path string) (*Database, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "open database %s", path)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent repository use.
	db.SetMaxOpenConns(1)

	d := &Database{db: db}
	if err := d.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// OpenMemoryDatabase opens an in-memory database with the full schema.
// Used by tests and by the checkpoint engine's unit tests.
func OpenMemoryDatabase(ctx context.Context) (*Database, error) {
	return OpenDatabase(ctx, ":memory:")
}

func (d *Database) Close() error { return d.db.Close() }

// DB exposes the raw handle for repositories within this package tree.
func (d *Database) DB() *sql.DB { return d.db }

// Migrate applies all unapplied embedded migration scripts, in order, each
// inside its own transaction. A failing script rolls back and leaves its
// order unapplied.
func (d *Database) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations ("order" INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "create schema_migrations")
	}

	scripts, err := LoadScripts(sqlScripts, "sql")
	if err != nil {
		return err
	}

	applied := make(map[uint32]bool)
	rows, err := d.db.QueryContext(ctx, `SELECT "order" FROM schema_migrations`)
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "read applied migrations")
	}
	for rows.Next() {
		var order uint32
		if err := rows.Scan(&order); err != nil {
			rows.Close()
			return errdef.Wrap(err, errdef.KindSerialization, "scan migration order")
		}
		applied[order] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "iterate applied migrations")
	}

	for _, script := range scripts {
		if applied[script.Order] {
			continue
		}
		if err := d.applyScript(ctx, script); err != nil {
			return err
		}
		slog.Info("applied migration", "order", script.Order, "name", script.Name, "statements", len(script.Statements))
	}
	return nil
}

func (d *Database) applyScript(ctx context.Context, script SQLScript) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "begin migration %s", script.Name)
	}
	defer tx.Rollback()

	for _, stmt := range script.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errdef.Wrap(err, errdef.KindIo, "migration %s failed", script.Name)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations ("order", applied_at) VALUES (?, ?)`,
		script.Order, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "record migration %s", script.Name)
	}
	return errdef.Wrap(tx.Commit(), errdef.KindIo, "commit migration %s", script.Name)
}

// AppliedMigrations lists the recorded migration orders, ascending.
func (d *Database) AppliedMigrations(ctx context.Context) ([]uint32, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT "order" FROM schema_migrations ORDER BY "order"`)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "list migrations")
	}
	defer rows.Close()
	var orders []uint32
	for rows.Next() {
		var o uint32
		if err := rows.Scan(&o); err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "scan migration order")
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
