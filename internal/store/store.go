// Package store is the reference persistence layer: SQLite-backed
// implementations of the sync-state repository, the local event store,
// and the durable pending-operation queue. Hosts with their own
// persistence can implement the same interfaces instead; this one ships
// so the daemon is runnable end to end.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/calsync/caldavcore/internal/model"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// Store wraps the database connection shared by the repositories.
type Store struct {
	conn *sql.DB
}

// New opens (creating if needed) the database at dbPath and migrates
// the schema.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping() error {
	return s.conn.Ping()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sync_states (
			calendar_url TEXT PRIMARY KEY,
			ctag TEXT NOT NULL DEFAULT '',
			sync_token TEXT NOT NULL DEFAULT '',
			etags TEXT NOT NULL DEFAULT '{}',
			url_map TEXT NOT NULL DEFAULT '{}',
			last_sync DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			calendar_url TEXT NOT NULL,
			uid TEXT NOT NULL,
			href TEXT NOT NULL DEFAULT '',
			etag TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (calendar_url, uid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_href ON events(href)`,

		`CREATE TABLE IF NOT EXISTS pending_operations (
			id TEXT PRIMARY KEY,
			calendar_url TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			dropped INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_calendar ON pending_operations(calendar_url, seq)`,

		`CREATE TABLE IF NOT EXISTS sync_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			calendar_url TEXT NOT NULL,
			success INTEGER NOT NULL,
			is_full_sync INTEGER NOT NULL DEFAULT 0,
			upserts INTEGER NOT NULL DEFAULT 0,
			deletes INTEGER NOT NULL DEFAULT 0,
			parse_failures INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_calendar ON sync_logs(calendar_url, created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.conn.Exec(migration); err != nil {
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// SaveSyncState persists the cursor atomically: the row is replaced in
// one statement, so a crash leaves either the old or the new cursor.
func (s *Store) SaveSyncState(state *model.SyncState) error {
	etags, err := json.Marshal(state.ETags)
	if err != nil {
		return fmt.Errorf("encoding etags: %w", err)
	}
	urlMap, err := json.Marshal(state.URLMap)
	if err != nil {
		return fmt.Errorf("encoding urlMap: %w", err)
	}

	_, err = s.conn.Exec(`
		INSERT INTO sync_states (calendar_url, ctag, sync_token, etags, url_map, last_sync, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(calendar_url) DO UPDATE SET
			ctag = excluded.ctag,
			sync_token = excluded.sync_token,
			etags = excluded.etags,
			url_map = excluded.url_map,
			last_sync = excluded.last_sync,
			updated_at = CURRENT_TIMESTAMP`,
		state.CalendarURL, state.CTag, state.SyncToken, string(etags), string(urlMap), state.LastSync)
	return err
}

// LoadSyncState reads the cursor for a calendar, ErrNotFound when the
// calendar has never completed a sync.
func (s *Store) LoadSyncState(calendarURL string) (*model.SyncState, error) {
	row := s.conn.QueryRow(`
		SELECT ctag, sync_token, etags, url_map, last_sync
		FROM sync_states WHERE calendar_url = ?`, calendarURL)

	state := model.NewSyncState(calendarURL)
	var etags, urlMap string
	var lastSync sql.NullTime
	err := row.Scan(&state.CTag, &state.SyncToken, &etags, &urlMap, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sync state for %s", ErrNotFound, calendarURL)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(etags), &state.ETags); err != nil {
		return nil, fmt.Errorf("decoding etags: %w", err)
	}
	if err := json.Unmarshal([]byte(urlMap), &state.URLMap); err != nil {
		return nil, fmt.Errorf("decoding urlMap: %w", err)
	}
	if lastSync.Valid {
		state.LastSync = lastSync.Time
	}
	return state, nil
}

// SyncLog is one recorded sync outcome.
type SyncLog struct {
	ID            int64         `json:"id"`
	CalendarURL   string        `json:"calendar_url"`
	Success       bool          `json:"success"`
	IsFullSync    bool          `json:"is_full_sync"`
	Upserts       int           `json:"upserts"`
	Deletes       int           `json:"deletes"`
	ParseFailures int           `json:"parse_failures"`
	Message       string        `json:"message"`
	Duration      time.Duration `json:"duration"`
	CreatedAt     time.Time     `json:"created_at"`
}

// CreateSyncLog records one sync outcome.
func (s *Store) CreateSyncLog(entry *SyncLog) error {
	_, err := s.conn.Exec(`
		INSERT INTO sync_logs (calendar_url, success, is_full_sync, upserts, deletes, parse_failures, message, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.CalendarURL, entry.Success, entry.IsFullSync, entry.Upserts, entry.Deletes,
		entry.ParseFailures, entry.Message, entry.Duration.Milliseconds())
	return err
}

// RecentSyncLogs returns up to limit log entries for a calendar, newest
// first. An empty calendarURL returns entries across all calendars.
func (s *Store) RecentSyncLogs(calendarURL string, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, calendar_url, success, is_full_sync, upserts, deletes, parse_failures, message, duration_ms, created_at
		FROM sync_logs`
	args := []any{}
	if calendarURL != "" {
		query += ` WHERE calendar_url = ?`
		args = append(args, calendarURL)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []SyncLog
	for rows.Next() {
		var entry SyncLog
		var durationMS int64
		if err := rows.Scan(&entry.ID, &entry.CalendarURL, &entry.Success, &entry.IsFullSync,
			&entry.Upserts, &entry.Deletes, &entry.ParseFailures, &entry.Message, &durationMS, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// CleanOldSyncLogs deletes log entries older than cutoff, returning the
// number removed.
func (s *Store) CleanOldSyncLogs(cutoff time.Time) (int64, error) {
	res, err := s.conn.Exec(`DELETE FROM sync_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
