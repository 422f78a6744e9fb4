package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
)

// Remote Accounts queries
const (
	sqlRemoteAccountColumns = `SELECT id, username, domain, actor_uri, display_name, inbox_uri, shared_inbox, key_id, public_key_pem, last_fetched_at FROM remote_accounts`
	sqlUpsertRemoteAccount  = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, inbox_uri, shared_inbox, key_id, public_key_pem, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			inbox_uri = excluded.inbox_uri,
			shared_inbox = excluded.shared_inbox,
			key_id = excluded.key_id,
			public_key_pem = excluded.public_key_pem,
			last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteAccountByURI   = sqlRemoteAccountColumns + ` WHERE actor_uri = ?`
	sqlSelectRemoteAccountByKeyId = sqlRemoteAccountColumns + ` WHERE key_id = ?`
	sqlSelectRemoteAccountById    = sqlRemoteAccountColumns + ` WHERE id = ?`
	sqlDeleteRemoteAccount        = `DELETE FROM remote_accounts WHERE id = ?`
)

// UpsertRemoteAccount stores a fetched actor, keeping the existing row id
// when the actor is already known.
func (db *DB) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.InboxURI,
			acc.SharedInbox,
			acc.KeyId,
			acc.PublicKeyPem,
			acc.LastFetchedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return err
	}
	if err, stored := db.ReadRemoteAccountByURI(acc.ActorURI); err == nil {
		acc.Id = stored.Id
	}
	return nil
}

func scanRemoteAccount(row interface{ Scan(...any) error }) (*domain.RemoteAccount, error) {
	var acc domain.RemoteAccount
	var idStr string
	var displayName, sharedInbox, keyId sql.NullString
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&displayName,
		&acc.InboxURI,
		&sharedInbox,
		&keyId,
		&acc.PublicKeyPem,
		&acc.LastFetchedAt,
	)
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.DisplayName = displayName.String
	acc.SharedInbox = sharedInbox.String
	acc.KeyId = keyId.String
	return &acc, nil
}

func (db *DB) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	acc, err := scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountByURI, uri))
	return err, acc
}

func (db *DB) ReadRemoteAccountByKeyId(keyId string) (error, *domain.RemoteAccount) {
	acc, err := scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountByKeyId, keyId))
	return err, acc
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	acc, err := scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountById, id.String()))
	return err, acc
}

func (db *DB) DeleteRemoteAccount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteAccount, id.String())
		return err
	})
}

// Follow queries
const (
	sqlFollowColumns               = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows`
	sqlInsertFollow                = `INSERT INTO follows(id, account_id, target_account_id, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(account_id, target_account_id) DO UPDATE SET uri = excluded.uri, accepted = excluded.accepted`
	sqlSelectFollowByURI           = sqlFollowColumns + ` WHERE uri = ?`
	sqlSelectFollowByAccountIds    = sqlFollowColumns + ` WHERE account_id = ? AND target_account_id = ?`
	sqlSelectFollowersByAccountId  = sqlFollowColumns + ` WHERE target_account_id = ? AND accepted = 1`
	sqlSelectFollowingByAccountId  = sqlFollowColumns + ` WHERE account_id = ? AND accepted = 1`
	sqlDeleteFollowByURI           = `DELETE FROM follows WHERE uri = ?`
	sqlAcceptFollowByURI           = `UPDATE follows SET accepted = 1 WHERE uri = ?`
	sqlDeleteFollowsByRemoteAcctId = `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`
)

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			follow.AccountId.String(),
			follow.TargetAccountId.String(),
			follow.URI,
			follow.Accepted,
			follow.CreatedAt.UTC(),
		)
		return err
	})
}

func scanFollow(row interface{ Scan(...any) error }) (*domain.Follow, error) {
	var follow domain.Follow
	var idStr, accountIdStr, targetIdStr string
	err := row.Scan(&idStr, &accountIdStr, &targetIdStr, &follow.URI, &follow.Accepted, &follow.CreatedAt)
	if err != nil {
		return nil, err
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.AccountId, _ = uuid.Parse(accountIdStr)
	follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
	return &follow, nil
}

func (db *DB) readFollows(query string, args ...any) (error, *[]domain.Follow) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		follow, err := scanFollow(rows)
		if err != nil {
			return err, &follows
		}
		follows = append(follows, *follow)
	}
	return rows.Err(), &follows
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	follow, err := scanFollow(db.db.QueryRow(sqlSelectFollowByURI, uri))
	return err, follow
}

func (db *DB) ReadFollowByAccountIds(accountId, targetAccountId uuid.UUID) (error, *domain.Follow) {
	follow, err := scanFollow(db.db.QueryRow(sqlSelectFollowByAccountIds, accountId.String(), targetAccountId.String()))
	return err, follow
}

// ReadFollowersByAccountId returns the accepted follows whose target is accountId.
func (db *DB) ReadFollowersByAccountId(accountId uuid.UUID) (error, *[]domain.Follow) {
	return db.readFollows(sqlSelectFollowersByAccountId, accountId.String())
}

// ReadFollowingByAccountId returns the accepted follows made by accountId.
func (db *DB) ReadFollowingByAccountId(accountId uuid.UUID) (error, *[]domain.Follow) {
	return db.readFollows(sqlSelectFollowingByAccountId, accountId.String())
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

func (db *DB) DeleteFollowsByRemoteAccountId(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowsByRemoteAcctId, id.String(), id.String())
		return err
	})
}

// Activity queries
const (
	sqlActivityColumns                  = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities`
	sqlInsertActivity                   = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivityByURI              = sqlActivityColumns + ` WHERE activity_uri = ?`
	sqlDeleteActivityByURI              = `DELETE FROM activities WHERE activity_uri = ?`
	sqlDeleteActivitiesByObjectURI      = `DELETE FROM activities WHERE object_uri = ?`
	sqlDeleteActivitiesByActorURI       = `DELETE FROM activities WHERE actor_uri = ?`
	sqlSelectFederatedActivities        = sqlActivityColumns + ` WHERE activity_type IN ('Create', 'Announce') AND local = 0 ORDER BY created_at DESC LIMIT ?`
	sqlUpdateActivityRawJSONByObjectURI = `UPDATE activities SET raw_json = ? WHERE object_uri = ? AND activity_type = 'Create'`
)

func (db *DB) CreateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Processed,
			activity.Local,
			activity.CreatedAt.UTC(),
		)
		return err
	})
}

func scanActivity(row interface{ Scan(...any) error }) (*domain.Activity, error) {
	var activity domain.Activity
	var idStr string
	var objectURI sql.NullString
	err := row.Scan(&idStr, &activity.ActivityURI, &activity.ActivityType, &activity.ActorURI, &objectURI, &activity.RawJSON, &activity.Processed, &activity.Local, &activity.CreatedAt)
	if err != nil {
		return nil, err
	}
	activity.Id, _ = uuid.Parse(idStr)
	activity.ObjectURI = objectURI.String
	return &activity, nil
}

func (db *DB) ReadActivityByURI(uri string) (error, *domain.Activity) {
	activity, err := scanActivity(db.db.QueryRow(sqlSelectActivityByURI, uri))
	return err, activity
}

func (db *DB) DeleteActivityByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivityByURI, uri)
		return err
	})
}

func (db *DB) DeleteActivitiesByObjectURI(objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivitiesByObjectURI, objectURI)
		return err
	})
}

func (db *DB) DeleteActivitiesByActorURI(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivitiesByActorURI, actorURI)
		return err
	})
}

func (db *DB) UpdateActivityRawJSONByObjectURI(objectURI string, rawJSON string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActivityRawJSONByObjectURI, rawJSON, objectURI)
		return err
	})
}

// ReadFederatedActivities returns recent Create/Announce activities from remote actors
func (db *DB) ReadFederatedActivities(limit int) (error, *[]domain.Activity) {
	rows, err := db.db.Query(sqlSelectFederatedActivities, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return err, &activities
		}
		activities = append(activities, *activity)
	}
	return rows.Err(), &activities
}

// Outbox queries
const (
	sqlOutboxColumns           = `SELECT id, account_id, activity_uri, activity_type, object_uri, raw_json, created_at FROM outbox`
	sqlInsertOutbox            = `INSERT INTO outbox(id, account_id, activity_uri, activity_type, object_uri, raw_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectOutboxByAccount   = sqlOutboxColumns + ` WHERE account_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`
	sqlCountOutboxByAccount    = `SELECT COUNT(*) FROM outbox WHERE account_id = ?`
	sqlSelectRecentLocalPublic = sqlOutboxColumns + ` WHERE activity_type = 'Create' ORDER BY created_at DESC LIMIT ?`
	sqlSelectOutboxByURI       = sqlOutboxColumns + ` WHERE activity_uri = ?`
	sqlPublicOutboxFilter      = ` WHERE account_id = ? AND raw_json LIKE '%' || ? || '%'`
	sqlSelectPublicOutbox      = sqlOutboxColumns + sqlPublicOutboxFilter + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	sqlCountPublicOutbox       = `SELECT COUNT(*) FROM outbox` + sqlPublicOutboxFilter
)

func (db *DB) CreateOutboxEntry(entry *domain.OutboxEntry) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertOutbox,
			entry.Id.String(),
			entry.AccountId.String(),
			entry.ActivityURI,
			entry.ActivityType,
			entry.ObjectURI,
			entry.RawJSON,
			entry.CreatedAt.UTC(),
		)
		return err
	})
}

func scanOutbox(row interface{ Scan(...any) error }) (*domain.OutboxEntry, error) {
	var entry domain.OutboxEntry
	var idStr, accountIdStr string
	var objectURI sql.NullString
	err := row.Scan(&idStr, &accountIdStr, &entry.ActivityURI, &entry.ActivityType, &objectURI, &entry.RawJSON, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	entry.Id, _ = uuid.Parse(idStr)
	entry.AccountId, _ = uuid.Parse(accountIdStr)
	entry.ObjectURI = objectURI.String
	return &entry, nil
}

func (db *DB) readOutbox(query string, args ...any) (error, *[]domain.OutboxEntry) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var entries []domain.OutboxEntry
	for rows.Next() {
		entry, err := scanOutbox(rows)
		if err != nil {
			return err, &entries
		}
		entries = append(entries, *entry)
	}
	return rows.Err(), &entries
}

func (db *DB) ReadOutboxByAccountId(accountId uuid.UUID, limit, offset int) (error, *[]domain.OutboxEntry) {
	return db.readOutbox(sqlSelectOutboxByAccount, accountId.String(), limit, offset)
}

func (db *DB) ReadOutboxByURI(uri string) (error, *domain.OutboxEntry) {
	entry, err := scanOutbox(db.db.QueryRow(sqlSelectOutboxByURI, uri))
	return err, entry
}

func (db *DB) CountOutboxByAccountId(accountId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRow(sqlCountOutboxByAccount, accountId.String()).Scan(&count)
	return count, err
}

// ReadPublicOutboxByAccountId returns the entries addressed to the public
// collection, newest first.
func (db *DB) ReadPublicOutboxByAccountId(accountId uuid.UUID, limit, offset int) (error, *[]domain.OutboxEntry) {
	return db.readOutbox(sqlSelectPublicOutbox, accountId.String(), util.PublicCollection, limit, offset)
}

func (db *DB) CountPublicOutboxByAccountId(accountId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRow(sqlCountPublicOutbox, accountId.String(), util.PublicCollection).Scan(&count)
	return count, err
}

// ReadRecentLocalCreates returns the newest Create activities across all
// local outboxes.
func (db *DB) ReadRecentLocalCreates(limit int) (error, *[]domain.OutboxEntry) {
	return db.readOutbox(sqlSelectRecentLocalPublic, limit)
}

// Scheduled post queries
const (
	sqlInsertScheduledPost     = `INSERT INTO scheduled_posts(id, account_id, activity_json, scheduled_at, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectDueScheduledPosts = `SELECT id, account_id, activity_json, scheduled_at, created_at FROM scheduled_posts WHERE scheduled_at <= ? ORDER BY scheduled_at ASC LIMIT ?`
	sqlDeleteScheduledPost     = `DELETE FROM scheduled_posts WHERE id = ?`
)

func (db *DB) CreateScheduledPost(post *domain.ScheduledPost) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertScheduledPost, post.Id.String(), post.AccountId.String(), post.ActivityJSON, post.ScheduledAt.UTC(), post.CreatedAt.UTC())
		return err
	})
}

func (db *DB) ReadDueScheduledPosts(now time.Time, limit int) (error, *[]domain.ScheduledPost) {
	rows, err := db.db.Query(sqlSelectDueScheduledPosts, now.UTC(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var posts []domain.ScheduledPost
	for rows.Next() {
		var post domain.ScheduledPost
		var idStr, accountIdStr string
		if err := rows.Scan(&idStr, &accountIdStr, &post.ActivityJSON, &post.ScheduledAt, &post.CreatedAt); err != nil {
			return err, &posts
		}
		post.Id, _ = uuid.Parse(idStr)
		post.AccountId, _ = uuid.Parse(accountIdStr)
		posts = append(posts, post)
	}
	return rows.Err(), &posts
}

func (db *DB) DeleteScheduledPost(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteScheduledPost, id.String())
		return err
	})
}

// Share queries
const (
	sqlInsertShare         = `INSERT INTO shares(id, account_id, object_uri, name, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectExpiredShares = `SELECT id, account_id, object_uri, name, expires_at, created_at FROM shares WHERE expires_at <= ? ORDER BY expires_at ASC LIMIT ?`
	sqlDeleteShare         = `DELETE FROM shares WHERE id = ?`
)

func (db *DB) CreateShare(share *domain.Share) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertShare, share.Id.String(), share.AccountId.String(), share.ObjectURI, share.Name, share.ExpiresAt.UTC(), share.CreatedAt.UTC())
		return err
	})
}

func (db *DB) ReadExpiredShares(now time.Time, limit int) (error, *[]domain.Share) {
	rows, err := db.db.Query(sqlSelectExpiredShares, now.UTC(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var shares []domain.Share
	for rows.Next() {
		var share domain.Share
		var idStr, accountIdStr string
		var name sql.NullString
		if err := rows.Scan(&idStr, &accountIdStr, &share.ObjectURI, &name, &share.ExpiresAt, &share.CreatedAt); err != nil {
			return err, &shares
		}
		share.Id, _ = uuid.Parse(idStr)
		share.AccountId, _ = uuid.Parse(accountIdStr)
		share.Name = name.String
		shares = append(shares, share)
	}
	return rows.Err(), &shares
}

func (db *DB) DeleteShare(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteShare, id.String())
		return err
	})
}
