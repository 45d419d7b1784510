package event

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Log is the durable append-only event store backing bus replay and history
// queries. One row per event, ordered by (cr_id, seq).
type Log struct {
	conn *sql.DB
	path string
}

// DefaultLogPath returns ~/.crfactory/events.db, creating the directory if needed.
func DefaultLogPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".crfactory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "events.db"), nil
}

// OpenLog opens or creates the event database at the given path.
func OpenLog(path string) (*Log, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return &Log{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.conn.Close()
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    cr_id      TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    stage      TEXT,
    data       TEXT,
    timestamp  TEXT NOT NULL,
    UNIQUE(cr_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_cr ON events(cr_id, seq);
`

// Migrate applies the database schema.
func (l *Log) Migrate() error {
	var count int
	err := l.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := l.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Append inserts one event row.
func (l *Log) Append(e Event) error {
	var data []byte
	if e.Data != nil {
		var err error
		data, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	_, err := l.conn.Exec(
		`INSERT INTO events (cr_id, seq, event_type, stage, data, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		e.CR, e.Seq, string(e.Type), e.Stage, string(data), e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// History returns all events for a CR in sequence order.
func (l *Log) History(crID string) ([]Event, error) {
	rows, err := l.conn.Query(
		`SELECT cr_id, seq, event_type, stage, data, timestamp
		 FROM events WHERE cr_id = ? ORDER BY seq`,
		crID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var typ, ts string
		var stage, data sql.NullString
		if err := rows.Scan(&e.CR, &e.Seq, &typ, &stage, &data, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = Type(typ)
		if stage.Valid {
			e.Stage = stage.String
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		e.Timestamp = t
		events = append(events, e)
	}
	return events, rows.Err()
}

// LastSeq returns the highest sequence number recorded for a CR, or 0.
func (l *Log) LastSeq(crID string) (int64, error) {
	var seq sql.NullInt64
	err := l.conn.QueryRow(`SELECT MAX(seq) FROM events WHERE cr_id = ?`, crID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
