package db

import (
	"database/sql"
)

// SQL for the federation tables
const (
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		accepted INTEGER DEFAULT 0,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_id ON follows(account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	// Remote accounts double as the persistent actor key cache
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox TEXT,
		key_id TEXT,
		public_key_pem TEXT NOT NULL,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_key_id ON remote_accounts(key_id);
	`

	// Activities log table (for deduplication)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		local INTEGER DEFAULT 0
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateOutboxTable = `CREATE TABLE IF NOT EXISTS outbox (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateOutboxIndices = `
		CREATE INDEX IF NOT EXISTS idx_outbox_account_created ON outbox(account_id, created_at DESC);
	`

	sqlCreateScheduledPostsTable = `CREATE TABLE IF NOT EXISTS scheduled_posts (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		scheduled_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateSharesTable = `CREATE TABLE IF NOT EXISTS shares (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		name TEXT,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDaemonIndices = `
		CREATE INDEX IF NOT EXISTS idx_scheduled_posts_due ON scheduled_posts(scheduled_at);
		CREATE INDEX IF NOT EXISTS idx_shares_expires ON shares(expires_at);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"follows", sqlCreateFollowsTable},
			{"remote_accounts", sqlCreateRemoteAccountsTable},
			{"activities", sqlCreateActivitiesTable},
			{"outbox", sqlCreateOutboxTable},
			{"scheduled_posts", sqlCreateScheduledPostsTable},
			{"shares", sqlCreateSharesTable},
		}
		for _, table := range tables {
			if err := db.createTableIfNotExists(tx, table.sql, table.name); err != nil {
				return err
			}
		}

		indices := []string{
			sqlCreateFollowsIndices,
			sqlCreateRemoteAccountsIndices,
			sqlCreateActivitiesIndices,
			sqlCreateOutboxIndices,
			sqlCreateDaemonIndices,
		}
		for _, stmt := range indices {
			if _, err := tx.Exec(stmt); err != nil {
				db.log.Warnw("Database: failed to create indices", "error", err)
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		db.log.Errorw("Database: error creating table", "table", tableName, "error", err)
		return err
	}
	db.log.Debugw("Database: table created or already exists", "table", tableName)
	return nil
}
