package timelapse

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Ledger records which timelapse files have been uploaded so a restart
// does not upload them again. Safe for concurrent use.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (and creates if needed) the ledger database.
func OpenLedger(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS uploaded_timelapses (
		name        TEXT NOT NULL,
		size        INTEGER NOT NULL,
		uploaded_at TEXT NOT NULL,
		PRIMARY KEY (name, size)
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Uploaded reports whether a file with this name and size has been
// uploaded. A re-rendered file with a new size counts as new.
func (l *Ledger) Uploaded(name string, size int64) (bool, error) {
	var n int
	err := l.db.QueryRow(
		`SELECT COUNT(*) FROM uploaded_timelapses WHERE name = ? AND size = ?`,
		name, size,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", name, err)
	}
	return n > 0, nil
}

// Record marks a file as uploaded. Recording the same file twice is
// not an error.
func (l *Ledger) Record(name string, size int64, at time.Time) error {
	_, err := l.db.Exec(
		`INSERT INTO uploaded_timelapses (name, size, uploaded_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (name, size) DO UPDATE SET uploaded_at = excluded.uploaded_at`,
		name, size, at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", name, err)
	}
	return nil
}

// Entry is one uploaded file.
type Entry struct {
	Name       string
	Size       int64
	UploadedAt time.Time
}

// List returns all recorded uploads ordered by name.
func (l *Ledger) List() ([]Entry, error) {
	rows, err := l.db.Query(`SELECT name, size, uploaded_at FROM uploaded_timelapses ORDER BY name, size`)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.Name, &e.Size, &at); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		e.UploadedAt, _ = time.Parse(time.RFC3339, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
