package store

import (
	"database/sql"
	"fmt"
)

// Migration is one versioned schema change. Migrations are embedded so
// a deployed binary never depends on a migrations directory.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

var migrations = []Migration{
	{
		Version:     "001",
		Description: "channels and memberships",
		SQL: `
			CREATE TABLE IF NOT EXISTS channels (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				last_seq INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE TABLE IF NOT EXISTS channel_members (
				channel_id INTEGER NOT NULL REFERENCES channels(id),
				user_id INTEGER NOT NULL,
				PRIMARY KEY (channel_id, user_id)
			);
		`,
	},
	{
		Version:     "002",
		Description: "messages carrying per-channel event sequences",
		SQL: `
			CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				channel_id INTEGER NOT NULL REFERENCES channels(id),
				seq INTEGER NOT NULL,
				user_id INTEGER NOT NULL,
				content TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				edited_at DATETIME,
				deleted INTEGER NOT NULL DEFAULT 0,
				UNIQUE (channel_id, seq)
			);
			CREATE INDEX IF NOT EXISTS idx_messages_channel_seq ON messages(channel_id, seq);
		`,
	},
	{
		Version:     "003",
		Description: "web push subscriptions",
		SQL: `
			CREATE TABLE IF NOT EXISTS push_subscriptions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				endpoint TEXT NOT NULL,
				p256dh_key TEXT NOT NULL,
				auth_key TEXT NOT NULL,
				user_agent TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (user_id, endpoint)
			);
			CREATE INDEX IF NOT EXISTS idx_push_subscriptions_user ON push_subscriptions(user_id);
		`,
	},
}

// applyMigrations brings the schema up to date, tracking applied
// versions in schema_migrations. Each migration runs in its own
// transaction.
func applyMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("failed iterating migrations: %w", err)
	}
	_ = rows.Close()

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf("failed to apply migration %s (%s): %w",
				migration.Version, migration.Description, err)
		}
	}

	return nil
}

func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, migration.Version); err != nil {
		return err
	}

	return tx.Commit()
}
