package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(providerIdentityUp, providerIdentityDown)
}

// providerIdentityUp adds the columns that map webhook payloads back to
// local users: the provider-side user id and the granted scopes on
// connections, plus the tombstone flag on documents.
func providerIdentityUp(ctx context.Context, tx *sql.Tx) error {
	driver := migrationDriver
	if driver == "" {
		driver = DriverSQLite
	}

	if err := ensureColumn(ctx, tx, "connections", "provider_user_id", "TEXT NOT NULL DEFAULT ''", driver); err != nil {
		return err
	}
	if err := ensureColumn(ctx, tx, "connections", "scopes", "TEXT NOT NULL DEFAULT ''", driver); err != nil {
		return err
	}
	if err := ensureColumn(ctx, tx, "documents", "deleted", "BOOLEAN NOT NULL DEFAULT FALSE", driver); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_connections_provider_user ON connections (provider, provider_user_id)`)
	return err
}

func providerIdentityDown(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS idx_connections_provider_user`)
	return err
}

func ensureColumn(ctx context.Context, tx *sql.Tx, table, column, columnDef, driver string) error {
	ok, err := tableExists(ctx, tx, table, driver)
	if err != nil || !ok {
		return err
	}
	exists, err := columnExists(ctx, tx, table, column, driver)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef)
	_, err = tx.ExecContext(ctx, stmt)
	return err
}

func tableExists(ctx context.Context, tx *sql.Tx, table, driver string) (bool, error) {
	switch driver {
	case DriverPostgres:
		var exists bool
		err := tx.QueryRowContext(ctx, `SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)`, table).Scan(&exists)
		return exists, err
	default:
		var name string
		err := tx.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		if err == sql.ErrNoRows {
			return false, nil
		}
		return err == nil, err
	}
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column, driver string) (bool, error) {
	switch driver {
	case DriverPostgres:
		var exists bool
		err := tx.QueryRowContext(ctx, `SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
		)`, table, column).Scan(&exists)
		return exists, err
	default:
		rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return false, err
		}
		defer rows.Close()
		for rows.Next() {
			var cid int
			var name string
			var ctype string
			var notnull int
			var dflt sql.NullString
			var pk int
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				return false, err
			}
			if name == column {
				return true, nil
			}
		}
		return false, rows.Err()
	}
}
