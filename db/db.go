package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mammut-social/mammut/domain"
	"github.com/mammut-social/mammut/util"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

const (
	//Accounts
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id uuid NOT NULL PRIMARY KEY,
                        username varchar(100) UNIQUE NOT NULL,
                        display_name varchar(255),
                        summary text,
                        created_at timestamp default current_timestamp,
                        web_public_key text,
                        web_private_key text
                        )`
	sqlInsertAccount           = `INSERT INTO accounts(id, username, display_name, summary, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountById       = `SELECT id, username, display_name, summary, created_at, web_public_key, web_private_key FROM accounts WHERE id = ?`
	sqlSelectAccountByUsername = `SELECT id, username, display_name, summary, created_at, web_public_key, web_private_key FROM accounts WHERE username = ?`

	//Notes
	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes(
                        id uuid NOT NULL PRIMARY KEY,
                        user_id uuid NOT NULL,
                        message varchar(1000),
                        created_at timestamp default current_timestamp,
                        visibility varchar(20) default 'public',
                        object_uri varchar(500),
                        activity_uri varchar(500),
                        federated int default 1,
                        latitude real,
                        longitude real,
                        place_name varchar(255),
                        attachments text
                        )`
	sqlInsertNote     = `INSERT INTO notes(id, user_id, message, created_at, visibility, object_uri, activity_uri, federated, latitude, longitude, place_name, attachments) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectNoteBase = `SELECT notes.id, accounts.username, notes.message, notes.created_at, notes.visibility, notes.object_uri, notes.activity_uri, notes.federated, notes.latitude, notes.longitude, notes.place_name, notes.attachments FROM notes
                                                            INNER JOIN accounts ON accounts.id = notes.user_id `
	sqlSelectNoteById        = sqlSelectNoteBase + `WHERE notes.id = ?`
	sqlSelectNotesByUsername = sqlSelectNoteBase + `WHERE accounts.username = ? ORDER BY notes.created_at DESC`
	sqlSelectAllNotes        = sqlSelectNoteBase + `ORDER BY notes.created_at DESC`
)

func (db *DB) CreateAccount(username string, keypair *util.RsaKeyPair) (error, *domain.Account) {
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		CreatedAt:     time.Now(),
		WebPublicKey:  keypair.Public,
		WebPrivateKey: keypair.Private,
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount, acc.Id.String(), acc.Username, acc.DisplayName, acc.Summary, acc.WebPublicKey, acc.WebPrivateKey, acc.CreatedAt)
		return err
	})
	if err != nil {
		return err, nil
	}
	return nil, acc
}

// CreateNote stores a local note. The message is normalized (newlines
// flattened, HTML escaped) before it hits storage.
func (db *DB) CreateNote(note *domain.Note, userId uuid.UUID) error {
	attachments, err := json.Marshal(note.Attachments)
	if err != nil {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertNote,
			note.Id.String(),
			userId.String(),
			util.NormalizeInput(note.Message),
			note.CreatedAt,
			note.Visibility,
			note.ObjectURI,
			note.ActivityURI,
			note.Federated,
			note.Latitude,
			note.Longitude,
			note.PlaceName,
			string(attachments),
		)
		return err
	})
}

func (db *DB) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccountById, id.String())
	return scanAccount(row)
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccountByUsername, username)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (error, *domain.Account) {
	var acc domain.Account
	var idStr string
	err := row.Scan(&idStr, &acc.Username, &acc.DisplayName, &acc.Summary, &acc.CreatedAt, &acc.WebPublicKey, &acc.WebPrivateKey)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	return nil, &acc
}

func (db *DB) ReadNoteId(id uuid.UUID) (error, *domain.Note) {
	row := db.db.QueryRow(sqlSelectNoteById, id.String())
	var note domain.Note
	err := scanNoteRow(row.Scan, &note)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	return nil, &note
}

func (db *DB) ReadNotesByUsername(username string) (error, *[]domain.Note) {
	return db.readNotes(sqlSelectNotesByUsername, username)
}

func (db *DB) ReadAllNotes() (error, *[]domain.Note) {
	return db.readNotes(sqlSelectAllNotes)
}

func (db *DB) readNotes(query string, args ...interface{}) (error, *[]domain.Note) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var notes []domain.Note

	for rows.Next() {
		var note domain.Note
		if err := scanNoteRow(rows.Scan, &note); err != nil {
			return err, &notes
		}
		notes = append(notes, note)
	}
	if err = rows.Err(); err != nil {
		return err, &notes
	}

	return nil, &notes
}

func scanNoteRow(scan func(...interface{}) error, note *domain.Note) error {
	var idStr string
	var objectURI, activityURI, placeName, attachments sql.NullString
	var lat, lon sql.NullFloat64
	err := scan(&idStr, &note.CreatedBy, &note.Message, &note.CreatedAt, &note.Visibility, &objectURI, &activityURI, &note.Federated, &lat, &lon, &placeName, &attachments)
	if err != nil {
		return err
	}
	note.Id, _ = uuid.Parse(idStr)
	note.ObjectURI = objectURI.String
	note.ActivityURI = activityURI.String
	note.PlaceName = placeName.String
	if lat.Valid {
		note.Latitude = &lat.Float64
	}
	if lon.Valid {
		note.Longitude = &lon.Float64
	}
	if attachments.Valid && attachments.String != "" {
		json.Unmarshal([]byte(attachments.String), &note.Attachments)
	}
	return nil
}

func GetDB() *DB {
	dbOnce.Do(func() {
		instance, err := Open(util.ResolveFilePath("database.db"))
		if err != nil {
			panic(err)
		}
		dbInstance = instance
	})

	return dbInstance
}

// Open opens (and initializes) a database at the given path.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Connection pool for concurrent federation workload
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Warn("Failed to enable WAL mode", "err", err)
	} else {
		log.Info("Database journal mode", "mode", journalMode)
	}

	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: sqlDB}
	if err := db.RunMigrations(); err != nil {
		return nil, err
	}
	return db, nil
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("error starting transaction", "err", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Error("error committing transaction", "err", err)
			return err
		}
		break
	}
	return nil
}
