package database

import (
	"database/sql"
	"fmt"
	"time"

	"cuedeck/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database wraps a *sql.DB holding the console's as-run log. It is safe for
// concurrent use because the underlying *sql.DB is concurrency-safe.
type Database struct {
	conn   *sql.DB
	logger *logrus.Entry

	insertEventStmt  *sql.Stmt
	recentEventsStmt *sql.Stmt
	trackEventsStmt  *sql.Stmt
}

// NewDatabase opens (or creates) a SQLite database at the provided path and
// ensures the event table exists. Caller should Close() it when finished.
func NewDatabase(dbPath string, maxConnections int, logger *logrus.Entry) (*Database, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxConnections < 1 {
		maxConnections = 1
	}
	conn.SetMaxOpenConns(maxConnections)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=memory;",
		"PRAGMA busy_timeout=5000;",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &Database{
		conn:   conn,
		logger: logger,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Database initialized successfully")
	return db, nil
}

// createTables is idempotent and safe to call multiple times.
func (db *Database) createTables() error {
	eventsTable := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event TEXT NOT NULL,
		track_path TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);",
		"CREATE INDEX IF NOT EXISTS idx_events_track_path ON events(track_path);",
	}

	if _, err := db.conn.Exec(eventsTable); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (db *Database) prepareStatements() error {
	var err error

	db.insertEventStmt, err = db.conn.Prepare(`
		INSERT INTO events (event, track_path, detail, created_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert event statement: %w", err)
	}

	db.recentEventsStmt, err = db.conn.Prepare(`
		SELECT id, event, track_path, detail, created_at
		FROM events
		ORDER BY id DESC
		LIMIT ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare recent events statement: %w", err)
	}

	db.trackEventsStmt, err = db.conn.Prepare(`
		SELECT id, event, track_path, detail, created_at
		FROM events
		WHERE track_path = ?
		ORDER BY id DESC
		LIMIT ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare track events statement: %w", err)
	}

	return nil
}

// RecordEvent appends one entry to the as-run log
func (db *Database) RecordEvent(event, trackPath, detail string) (int, error) {
	result, err := db.insertEventStmt.Exec(event, trackPath, detail, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to record event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// RecentEvents returns the newest entries first
func (db *Database) RecentEvents(limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.recentEventsStmt.Query(limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// EventsForTrack returns the newest entries for one source path
func (db *Database) EventsForTrack(trackPath string, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.trackEventsStmt.Query(trackPath, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// PruneBefore deletes entries older than cutoff and returns how many went
func (db *Database) PruneBefore(cutoff time.Time) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM events WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return result.RowsAffected()
}

// Ping verifies the database is reachable
func (db *Database) Ping() error {
	return db.conn.Ping()
}

// Close closes prepared statements and the connection
func (db *Database) Close() error {
	statements := []*sql.Stmt{
		db.insertEventStmt,
		db.recentEventsStmt,
		db.trackEventsStmt,
	}

	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				db.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func scanEventRows(rows *sql.Rows) ([]models.LogEntry, error) {
	entries := []models.LogEntry{}
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.Event, &e.TrackPath, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
