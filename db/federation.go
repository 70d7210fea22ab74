package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mammut-social/mammut/domain"
)

// Remote account queries
const (
	sqlUpsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			outbox_uri = excluded.outbox_uri,
			public_key_pem = excluded.public_key_pem,
			avatar_url = excluded.avatar_url,
			last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteAccount       = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, last_fetched_at FROM remote_accounts `
	sqlSelectRemoteAccountByURI  = sqlSelectRemoteAccount + `WHERE actor_uri = ?`
	sqlSelectRemoteAccountById   = sqlSelectRemoteAccount + `WHERE id = ?`
	sqlExpireRemoteAccountByURI  = `UPDATE remote_accounts SET last_fetched_at = ? WHERE actor_uri = ?`
	sqlDeleteRemoteAccountByURI  = `DELETE FROM remote_accounts WHERE actor_uri = ?`
	sqlDeleteFollowsByRemoteAcct = `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`
)

func (db *DB) SaveRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.OutboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.LastFetchedAt,
		)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	return scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountByURI, uri))
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	return scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountById, id.String()))
}

// ExpireRemoteAccount forces the next Resolve of the actor to re-fetch.
func (db *DB) ExpireRemoteAccount(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlExpireRemoteAccountByURI, time.Time{}, uri)
		return err
	})
}

// DeleteRemoteAccount removes a remote actor and all follows referencing it.
func (db *DB) DeleteRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlDeleteFollowsByRemoteAcct, acc.Id.String(), acc.Id.String()); err != nil {
			return err
		}
		_, err := tx.Exec(sqlDeleteRemoteAccountByURI, acc.ActorURI)
		return err
	})
}

func scanRemoteAccount(row *sql.Row) (error, *domain.RemoteAccount) {
	var acc domain.RemoteAccount
	var idStr string
	var sharedInbox, outbox, displayName, summary, avatar sql.NullString
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&displayName,
		&summary,
		&acc.InboxURI,
		&sharedInbox,
		&outbox,
		&acc.PublicKeyPem,
		&avatar,
		&acc.LastFetchedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.DisplayName = displayName.String
	acc.Summary = summary.String
	acc.SharedInboxURI = sharedInbox.String
	acc.OutboxURI = outbox.String
	acc.AvatarURL = avatar.String
	return nil, &acc
}

// Follow queries
const (
	sqlInsertFollow              = `INSERT INTO follows(id, account_id, target_account_id, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(uri) DO NOTHING`
	sqlSelectFollowByURI         = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE uri = ?`
	sqlDeleteFollowByURI         = `DELETE FROM follows WHERE uri = ?`
	sqlAcceptFollowByURI         = `UPDATE follows SET accepted = 1 WHERE uri = ?`
	sqlSelectFollowersOfAccount  = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE target_account_id = ? AND accepted = 1`
)

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			follow.AccountId.String(),
			follow.TargetAccountId.String(),
			follow.URI,
			follow.Accepted,
			follow.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByURI, uri)
	var follow domain.Follow
	err := scanFollowRow(row.Scan, &follow)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	return nil, &follow
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

func (db *DB) AcceptFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlAcceptFollowByURI, uri)
		return err
	})
}

// ReadFollowerAccounts returns the remote accounts following the given local
// account, for audience expansion.
func (db *DB) ReadFollowerAccounts(accountId uuid.UUID) (error, *[]domain.RemoteAccount) {
	rows, err := db.db.Query(sqlSelectFollowersOfAccount, accountId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var followers []domain.RemoteAccount
	for rows.Next() {
		var follow domain.Follow
		if err := scanFollowRow(rows.Scan, &follow); err != nil {
			return err, &followers
		}
		err, remote := db.ReadRemoteAccountById(follow.AccountId)
		if err != nil || remote == nil {
			continue
		}
		followers = append(followers, *remote)
	}
	if err = rows.Err(); err != nil {
		return err, &followers
	}
	return nil, &followers
}

func scanFollowRow(scan func(...interface{}) error, follow *domain.Follow) error {
	var idStr, accountIdStr, targetIdStr string
	err := scan(&idStr, &accountIdStr, &targetIdStr, &follow.URI, &follow.Accepted, &follow.CreatedAt)
	if err != nil {
		return err
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.AccountId, _ = uuid.Parse(accountIdStr)
	follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
	return nil
}

// Remote status queries
const (
	sqlInsertRemoteStatus          = `INSERT INTO remote_statuses(id, object_uri, actor_uri, content, published, latitude, longitude, place_name, tombstoned, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRemoteStatusByURI     = `SELECT id, object_uri, actor_uri, content, published, latitude, longitude, place_name, tombstoned, created_at FROM remote_statuses WHERE object_uri = ?`
	sqlTombstoneRemoteStatusByURI  = `UPDATE remote_statuses SET tombstoned = 1, content = '' WHERE object_uri = ?`
	sqlSelectRemoteStatusesByActor = `SELECT id, object_uri, actor_uri, content, published, latitude, longitude, place_name, tombstoned, created_at FROM remote_statuses WHERE actor_uri = ? AND tombstoned = 0 ORDER BY published DESC LIMIT ?`
)

func (db *DB) CreateRemoteStatus(status *domain.RemoteStatus) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteStatus,
			status.Id.String(),
			status.ObjectURI,
			status.ActorURI,
			status.Content,
			status.Published,
			status.Latitude,
			status.Longitude,
			status.PlaceName,
			status.Tombstoned,
			status.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadRemoteStatusByObjectURI(uri string) (error, *domain.RemoteStatus) {
	row := db.db.QueryRow(sqlSelectRemoteStatusByURI, uri)
	var status domain.RemoteStatus
	err := scanRemoteStatusRow(row.Scan, &status)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	return nil, &status
}

func (db *DB) TombstoneRemoteStatus(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTombstoneRemoteStatusByURI, uri)
		return err
	})
}

func (db *DB) ReadRemoteStatusesByActor(actorURI string, limit int) (error, *[]domain.RemoteStatus) {
	rows, err := db.db.Query(sqlSelectRemoteStatusesByActor, actorURI, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var statuses []domain.RemoteStatus
	for rows.Next() {
		var status domain.RemoteStatus
		if err := scanRemoteStatusRow(rows.Scan, &status); err != nil {
			return err, &statuses
		}
		statuses = append(statuses, status)
	}
	if err = rows.Err(); err != nil {
		return err, &statuses
	}
	return nil, &statuses
}

func scanRemoteStatusRow(scan func(...interface{}) error, status *domain.RemoteStatus) error {
	var idStr string
	var content, placeName sql.NullString
	var lat, lon sql.NullFloat64
	err := scan(&idStr, &status.ObjectURI, &status.ActorURI, &content, &status.Published, &lat, &lon, &placeName, &status.Tombstoned, &status.CreatedAt)
	if err != nil {
		return err
	}
	status.Id, _ = uuid.Parse(idStr)
	status.Content = content.String
	status.PlaceName = placeName.String
	if lat.Valid {
		status.Latitude = &lat.Float64
	}
	if lon.Valid {
		status.Longitude = &lon.Float64
	}
	return nil
}

// Inbound dedup queries
const (
	sqlInsertInboundActivity = `INSERT INTO inbound_activities(activity_uri, received_at) VALUES (?, ?) ON CONFLICT(activity_uri) DO NOTHING`
	sqlSelectInboundActivity = `SELECT COUNT(1) FROM inbound_activities WHERE activity_uri = ?`
)

func (db *DB) RecordInboundActivity(activityURI string, receivedAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertInboundActivity, activityURI, receivedAt)
		return err
	})
}

func (db *DB) HasInboundActivity(activityURI string) (error, bool) {
	var count int
	err := db.db.QueryRow(sqlSelectInboundActivity, activityURI).Scan(&count)
	if err != nil {
		return err, false
	}
	return nil, count > 0
}

// Delivery job queries
const (
	// Idempotent: a second enqueue of the same (activity, inbox) pair is a
	// no-op while the existing job is alive.
	sqlInsertDeliveryJob = `INSERT INTO delivery_jobs(id, activity_uri, inbox_uri, payload, attempts, status, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(activity_uri, inbox_uri) DO NOTHING`
	// Eligible jobs, oldest first, skipping destinations that already have a
	// job in flight (best-effort per-destination ordering).
	sqlSelectEligibleDeliveries = `SELECT id, activity_uri, inbox_uri, payload, attempts, status, next_attempt_at, claimed_at, last_error, created_at
		FROM delivery_jobs
		WHERE status = 'pending' AND next_attempt_at <= ?
		AND inbox_uri NOT IN (SELECT inbox_uri FROM delivery_jobs WHERE status = 'inflight')
		ORDER BY created_at ASC LIMIT ?`
	sqlClaimDelivery          = `UPDATE delivery_jobs SET status = 'inflight', claimed_at = ? WHERE id = ? AND status = 'pending'`
	sqlCompleteDelivery       = `DELETE FROM delivery_jobs WHERE id = ?`
	sqlRescheduleDelivery     = `UPDATE delivery_jobs SET status = 'pending', attempts = ?, next_attempt_at = ?, last_error = ?, claimed_at = NULL WHERE id = ?`
	sqlMarkDeliveryDead       = `UPDATE delivery_jobs SET status = 'dead', attempts = ?, last_error = ?, claimed_at = NULL WHERE id = ?`
	sqlResetInflightDelivery  = `UPDATE delivery_jobs SET status = 'pending', claimed_at = NULL WHERE status = 'inflight'`
	sqlSelectDeadDeliveries   = `SELECT id, activity_uri, inbox_uri, payload, attempts, status, next_attempt_at, claimed_at, last_error, created_at FROM delivery_jobs WHERE status = 'dead' ORDER BY created_at ASC LIMIT ?`
	sqlSelectDeliveryByTarget = `SELECT id, activity_uri, inbox_uri, payload, attempts, status, next_attempt_at, claimed_at, last_error, created_at FROM delivery_jobs WHERE activity_uri = ? AND inbox_uri = ?`
)

func (db *DB) EnqueueDelivery(job *domain.DeliveryJob) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryJob,
			job.Id.String(),
			job.ActivityURI,
			job.InboxURI,
			job.Payload,
			job.Attempts,
			string(job.Status),
			job.NextAttemptAt,
			job.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadEligibleDeliveries(now time.Time, limit int) (error, *[]domain.DeliveryJob) {
	return db.readDeliveries(sqlSelectEligibleDeliveries, now, limit)
}

func (db *DB) ReadDeadDeliveries(limit int) (error, *[]domain.DeliveryJob) {
	return db.readDeliveries(sqlSelectDeadDeliveries, limit)
}

func (db *DB) ReadDeliveryByTarget(activityURI, inboxURI string) (error, *domain.DeliveryJob) {
	row := db.db.QueryRow(sqlSelectDeliveryByTarget, activityURI, inboxURI)
	var job domain.DeliveryJob
	err := scanDeliveryRow(row.Scan, &job)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	return nil, &job
}

// ClaimDelivery atomically transitions a job from pending to inflight.
// Returns false when another worker won the claim.
func (db *DB) ClaimDelivery(id uuid.UUID, at time.Time) (error, bool) {
	var claimed bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlClaimDelivery, at, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	return err, claimed
}

func (db *DB) CompleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlCompleteDelivery, id.String())
		return err
	})
}

func (db *DB) RescheduleDelivery(id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRescheduleDelivery, attempts, nextAttemptAt, lastError, id.String())
		return err
	})
}

func (db *DB) MarkDeliveryDead(id uuid.UUID, attempts int, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDeliveryDead, attempts, lastError, id.String())
		return err
	})
}

// ResetInflightDeliveries demotes inflight jobs back to pending. Called once
// at startup: an uncommitted delivery is indistinguishable from a lost one,
// and the receiving side's idempotent inbox tolerates the duplicate.
func (db *DB) ResetInflightDeliveries() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlResetInflightDelivery)
		return err
	})
}

func (db *DB) readDeliveries(query string, args ...interface{}) (error, *[]domain.DeliveryJob) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var jobs []domain.DeliveryJob
	for rows.Next() {
		var job domain.DeliveryJob
		if err := scanDeliveryRow(rows.Scan, &job); err != nil {
			return err, &jobs
		}
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return err, &jobs
	}
	return nil, &jobs
}

func scanDeliveryRow(scan func(...interface{}) error, job *domain.DeliveryJob) error {
	var idStr, status string
	var claimedAt sql.NullTime
	var lastError sql.NullString
	err := scan(&idStr, &job.ActivityURI, &job.InboxURI, &job.Payload, &job.Attempts, &status, &job.NextAttemptAt, &claimedAt, &lastError, &job.CreatedAt)
	if err != nil {
		return err
	}
	job.Id, _ = uuid.Parse(idStr)
	job.Status = domain.DeliveryStatus(status)
	job.LastError = lastError.String
	if claimedAt.Valid {
		job.ClaimedAt = &claimedAt.Time
	}
	return nil
}
