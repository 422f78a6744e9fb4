package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

const maxBusyRetries = 10

const (
	//Accounts
	sqlCreateUserTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id uuid NOT NULL PRIMARY KEY,
                        nickname varchar(100) UNIQUE NOT NULL,
                        password_hash text NOT NULL,
                        display_name text,
                        summary text,
                        web_public_key text,
                        web_private_key text,
                        created_at timestamp default current_timestamp
                        )`
	sqlInsertUser           = `INSERT INTO accounts(id, nickname, password_hash, display_name, summary, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectUserColumns    = `SELECT id, nickname, password_hash, display_name, summary, web_public_key, web_private_key, created_at FROM accounts`
	sqlSelectUserById       = sqlSelectUserColumns + ` WHERE id = ?`
	sqlSelectUserByNickname = sqlSelectUserColumns + ` WHERE nickname = ?`
	sqlSelectAllUsers       = sqlSelectUserColumns + ` ORDER BY nickname`

	//Sessions
	sqlCreateSessionsTable = `CREATE TABLE IF NOT EXISTS sessions(
                        token text NOT NULL PRIMARY KEY,
                        account_id uuid NOT NULL,
                        expires_at timestamp NOT NULL
                        )`
	sqlInsertSession         = `INSERT INTO sessions(token, account_id, expires_at) VALUES (?, ?, ?)`
	sqlSelectSession         = `SELECT token, account_id, expires_at FROM sessions WHERE token = ?`
	sqlDeleteExpiredSessions = `DELETE FROM sessions WHERE expires_at <= ?`

	//Instance actor
	sqlCreateInstanceTable = `CREATE TABLE IF NOT EXISTS instance(
                        id int NOT NULL PRIMARY KEY CHECK (id = 1),
                        public_key text NOT NULL,
                        private_key text NOT NULL
                        )`
	sqlInsertInstance = `INSERT OR IGNORE INTO instance(id, public_key, private_key) VALUES (1, ?, ?)`
	sqlSelectInstance = `SELECT public_key, private_key FROM instance WHERE id = 1`
)

// Open opens (and creates) the SQLite database at path and runs the schema
// migrations. ":memory:" is supported for tests.
func Open(path string, logger *zap.SugaredLogger) (*DB, error) {
	logger = util.OrNop(logger)

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			logger.Warnw("Database: failed to enable WAL mode", "error", err)
		} else {
			logger.Infow("Database: journal mode", "mode", journalMode)
		}
		sqlDB.Exec("PRAGMA synchronous = NORMAL")
		sqlDB.Exec("PRAGMA temp_store = MEMORY")
		sqlDB.Exec("PRAGMA busy_timeout = 5000")
	}

	database := &DB{db: sqlDB, log: logger}
	if err := database.CreateDB(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := database.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return database, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// CreateDB creates the base tables.
func (db *DB) CreateDB() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		for _, stmt := range []string{sqlCreateUserTable, sqlCreateSessionsTable, sqlCreateInstanceTable} {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) CreateAccount(nickname string, passwordHash string, webKeyPair *util.RsaKeyPair) (*domain.Account, error) {
	acc := &domain.Account{
		Id:            uuid.New(),
		Nickname:      nickname,
		PasswordHash:  passwordHash,
		WebPublicKey:  webKeyPair.Public,
		WebPrivateKey: webKeyPair.Private,
		CreatedAt:     time.Now().UTC(),
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertUser, acc.Id.String(), acc.Nickname, acc.PasswordHash, acc.DisplayName, acc.Summary, acc.WebPublicKey, acc.WebPrivateKey, acc.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func scanAccount(row interface{ Scan(...any) error }) (*domain.Account, error) {
	var acc domain.Account
	var idStr string
	var displayName, summary sql.NullString
	err := row.Scan(&idStr, &acc.Nickname, &acc.PasswordHash, &displayName, &summary, &acc.WebPublicKey, &acc.WebPrivateKey, &acc.CreatedAt)
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.DisplayName = displayName.String
	acc.Summary = summary.String
	return &acc, nil
}

func (db *DB) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	acc, err := scanAccount(db.db.QueryRow(sqlSelectUserById, id.String()))
	return err, acc
}

func (db *DB) ReadAccByNickname(nickname string) (error, *domain.Account) {
	acc, err := scanAccount(db.db.QueryRow(sqlSelectUserByNickname, nickname))
	return err, acc
}

func (db *DB) ReadAllAccounts() (error, *[]domain.Account) {
	rows, err := db.db.Query(sqlSelectAllUsers)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return err, &accounts
		}
		accounts = append(accounts, *acc)
	}
	return rows.Err(), &accounts
}

func (db *DB) CreateSession(session *domain.Session) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertSession, session.Token, session.AccountId.String(), session.ExpiresAt.UTC())
		return err
	})
}

func (db *DB) ReadSession(token string) (error, *domain.Session) {
	var session domain.Session
	var accountIdStr string
	err := db.db.QueryRow(sqlSelectSession, token).Scan(&session.Token, &accountIdStr, &session.ExpiresAt)
	if err != nil {
		return err, nil
	}
	session.AccountId, _ = uuid.Parse(accountIdStr)
	return nil, &session
}

func (db *DB) DeleteExpiredSessions(now time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteExpiredSessions, now.UTC())
		return err
	})
}

// EnsureInstanceKey returns the instance actor keypair, generating and
// storing it on first use.
func (db *DB) EnsureInstanceKey(generate func() (*util.RsaKeyPair, error)) (*util.RsaKeyPair, error) {
	var pair util.RsaKeyPair
	err := db.db.QueryRow(sqlSelectInstance).Scan(&pair.Public, &pair.Private)
	if err == nil {
		return &pair, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	generated, err := generate()
	if err != nil {
		return nil, err
	}
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertInstance, generated.Public, generated.Private)
		return err
	})
	if err != nil {
		return nil, err
	}
	// another process may have won the insert race
	if err := db.db.QueryRow(sqlSelectInstance).Scan(&pair.Public, &pair.Private); err != nil {
		return nil, err
	}
	return &pair, nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsUniqueViolation reports whether err is a UNIQUE/PRIMARY KEY conflict.
func IsUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// wrapTransaction runs the given function within a transaction, retrying
// the whole transaction while SQLite reports SQLITE_BUSY.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err = db.runTransaction(f)
		if !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return err
}

func (db *DB) runTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		db.log.Warnw("Database: error starting transaction", "error", err)
		return err
	}
	if err = f(tx); err != nil {
		tx.Rollback()
		if !isBusy(err) {
			db.log.Debugw("Database: error in transaction", "error", err)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		db.log.Warnw("Database: error committing transaction", "error", err)
		return err
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY
}
