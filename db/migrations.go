package db

import (
	"database/sql"

	"github.com/charmbracelet/log"
)

// Federation schema
const (
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		outbox_uri TEXT,
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	// uri is unique so a replayed Follow cannot insert a second row.
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		accepted INTEGER DEFAULT 0
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_id ON follows(account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
	`

	// Statuses received from remote actors. Tombstoned rows stay around so a
	// replayed Create cannot resurrect a deleted status.
	sqlCreateRemoteStatusesTable = `CREATE TABLE IF NOT EXISTS remote_statuses (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		actor_uri TEXT NOT NULL,
		content TEXT,
		published TIMESTAMP,
		latitude REAL,
		longitude REAL,
		place_name TEXT,
		tombstoned INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteStatusesIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_statuses_object_uri ON remote_statuses(object_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_statuses_actor_uri ON remote_statuses(actor_uri);
	`

	// Dedup markers for received activity ids (idempotent inbox).
	sqlCreateInboundActivitiesTable = `CREATE TABLE IF NOT EXISTS inbound_activities (
		activity_uri TEXT NOT NULL PRIMARY KEY,
		received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// One row per (activity, destination inbox). Delivered jobs are deleted,
	// dead jobs retained for manual inspection.
	sqlCreateDeliveryJobsTable = `CREATE TABLE IF NOT EXISTS delivery_jobs (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		next_attempt_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		claimed_at TIMESTAMP,
		last_error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(activity_uri, inbox_uri)
	)`

	sqlCreateDeliveryJobsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_status ON delivery_jobs(status, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_inbox_uri ON delivery_jobs(inbox_uri);
	`

	sqlCreateNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_notes_user_id ON notes(user_id);
		CREATE INDEX IF NOT EXISTS idx_notes_created_at ON notes(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_notes_object_uri ON notes(object_uri);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"accounts", sqlCreateAccountsTable},
			{"notes", sqlCreateNotesTable},
			{"remote_accounts", sqlCreateRemoteAccountsTable},
			{"follows", sqlCreateFollowsTable},
			{"remote_statuses", sqlCreateRemoteStatusesTable},
			{"inbound_activities", sqlCreateInboundActivitiesTable},
			{"delivery_jobs", sqlCreateDeliveryJobsTable},
		}
		for _, table := range tables {
			if _, err := tx.Exec(table.sql); err != nil {
				log.Error("Error creating table", "table", table.name, "err", err)
				return err
			}
		}

		indices := []string{
			sqlCreateNotesIndices,
			sqlCreateRemoteAccountsIndices,
			sqlCreateFollowsIndices,
			sqlCreateRemoteStatusesIndices,
			sqlCreateDeliveryJobsIndices,
		}
		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				log.Warn("Failed to create indices", "err", err)
			}
		}

		return nil
	})
}
