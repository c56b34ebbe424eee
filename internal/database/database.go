package database

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/vincentbai/pagebeacon/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// Open opens a SQLite database with the pragmas every store in this module uses.
func Open(databasePath string) (*sql.DB, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Database stores uploaded analytics events for the ingestion sink.
type Database struct {
	db *sql.DB
}

func NewDatabase(databasePath string) (*Database, error) {
	db, err := Open(databasePath)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS events(
	  id         INTEGER PRIMARY KEY,
	  ts         INTEGER NOT NULL,
	  type       TEXT    NOT NULL CHECK (type IN ('page_view','convert_button_exposure','convert_button_click','page_leave')),
	  session_id TEXT    NOT NULL,
	  user_id    TEXT    NOT NULL,
	  data_json  TEXT    NOT NULL CHECK (json_valid(data_json)),
	  meta_ts    INTEGER NOT NULL,
	  meta_ua    TEXT    NOT NULL,
	  meta_url   TEXT    NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts      ON events(ts);
	CREATE INDEX IF NOT EXISTS idx_events_type    ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) ValidateEvent(event models.Event) error {
	return event.Validate()
}

// InsertBatch stores every event of an upload in one transaction.
func (d *Database) InsertBatch(batch models.Batch) error {
	transaction, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.Prepare(`INSERT INTO events(ts, type, session_id, user_id, data_json, meta_ts, meta_ua, meta_url) VALUES(?,?,?,?,json(?),?,?,?)`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, event := range batch.Events {
		if err := d.ValidateEvent(event); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("invalid event: %w", err)
		}

		jsonData, err := json.Marshal(event.Payload)
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		if _, err := statement.Exec(event.Timestamp, string(event.Type), event.SessionID, event.UserID, string(jsonData),
			batch.Meta.Timestamp, batch.Meta.UserAgent, batch.Meta.URL); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CountEvents returns the number of stored events of the given type, or of
// every type when eventType is empty.
func (d *Database) CountEvents(eventType models.EventType) (int, error) {
	var count int
	var err error
	if eventType == "" {
		err = d.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count)
	} else {
		err = d.db.QueryRow(`SELECT COUNT(*) FROM events WHERE type = ?`, string(eventType)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
