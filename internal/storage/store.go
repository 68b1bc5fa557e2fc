// Package storage persists scan instances, events, logs, and correlation
// results in SQLite, and answers the provenance queries the correlation
// engine walks.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/netrecon/sweeper/internal/errs"
	"github.com/netrecon/sweeper/internal/event"
)

// ScanStatus is the externally visible scan state.
type ScanStatus string

const (
	StatusStarting       ScanStatus = "STARTING"
	StatusStarted        ScanStatus = "STARTED"
	StatusRunning        ScanStatus = "RUNNING"
	StatusFinished       ScanStatus = "FINISHED"
	StatusAbortRequested ScanStatus = "ABORT-REQUESTED"
	StatusAborted        ScanStatus = "ABORTED"
	StatusErrorFailed    ScanStatus = "ERROR-FAILED"
)

// Terminal reports whether a status permits correlation runs.
func (s ScanStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusAborted, StatusErrorFailed:
		return true
	}
	return false
}

var alphanumeric = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// filterHashes silently removes hashes containing non-alphanumeric
// characters. This runs at every direct-walk entry so hash parameters can
// never carry injection payloads into interpolated queries.
func filterHashes(hashes []string) []string {
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h != "" && alphanumeric.MatchString(h) {
			out = append(out, h)
		}
	}
	return out
}

// Store is the durable event store. A single connection serves all
// callers; every public method serializes on the store lock for the
// duration of its database interaction.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Config holds storage configuration.
type Config struct {
	DBPath string
}

// Open creates or opens the store and initializes the schema.
func Open(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errs.Storage("open_store", fmt.Errorf("create data directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errs.Storage("open_store", fmt.Errorf("open database: %w", err))
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", cfg.DBPath).Msg("Event store opened")
	return s, nil
}

// OpenMemory opens an in-memory store, used by tests and dry runs.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, errs.Storage("open_store", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS scan_instance (
			guid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			seed_target TEXT NOT NULL,
			created_ms INTEGER NOT NULL,
			started_ms INTEGER,
			ended_ms INTEGER,
			status TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS scan_results (
			scan_instance_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			type TEXT NOT NULL,
			generated_ms INTEGER NOT NULL,
			confidence INTEGER NOT NULL,
			visibility INTEGER NOT NULL,
			risk INTEGER NOT NULL,
			module TEXT NOT NULL,
			data TEXT NOT NULL,
			source_event_hash TEXT NOT NULL,
			false_positive INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (scan_instance_id, hash)
		);

		CREATE INDEX IF NOT EXISTS idx_results_type
		ON scan_results(scan_instance_id, type);

		CREATE INDEX IF NOT EXISTS idx_results_source
		ON scan_results(scan_instance_id, source_event_hash);

		CREATE INDEX IF NOT EXISTS idx_results_hash
		ON scan_results(scan_instance_id, hash);

		CREATE TABLE IF NOT EXISTS event_types (
			event TEXT PRIMARY KEY,
			event_descr TEXT NOT NULL,
			event_type TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS scan_log (
			scan_instance_id TEXT NOT NULL,
			generated_ms INTEGER NOT NULL,
			component TEXT,
			type TEXT,
			message TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_log_scan
		ON scan_log(scan_instance_id, generated_ms);

		CREATE TABLE IF NOT EXISTS correlation_results (
			id TEXT PRIMARY KEY,
			scan_instance_id TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			risk TEXT NOT NULL,
			raw_yaml TEXT,
			title TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS correlation_result_events (
			correlation_id TEXT NOT NULL,
			event_hash TEXT NOT NULL,
			PRIMARY KEY (correlation_id, event_hash)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errs.Storage("init_schema", err)
	}
	return nil
}

// SeedEventTypes loads the type registry into the event_types table.
func (s *Store) SeedEventTypes(registry *event.TypeRegistry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.Storage("seed_event_types", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO event_types (event, event_descr, event_type)
		VALUES (?, ?, ?)
		ON CONFLICT(event) DO UPDATE SET event_descr = excluded.event_descr, event_type = excluded.event_type
	`)
	if err != nil {
		tx.Rollback()
		return errs.Storage("seed_event_types", err)
	}
	defer stmt.Close()

	for _, ti := range registry.All() {
		if _, err := stmt.Exec(ti.Name, ti.Description, string(ti.Class)); err != nil {
			tx.Rollback()
			return errs.Storage("seed_event_types", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Storage("seed_event_types", err)
	}
	return nil
}

// EventClass returns the stored classification of an event type.
func (s *Store) EventClass(eventType string) (event.Class, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var class string
	err := s.db.QueryRow(`SELECT event_type FROM event_types WHERE event = ?`, eventType).Scan(&class)
	if err != nil {
		return "", false
	}
	return event.Class(class), true
}

// CreateScan inserts a scan row in STARTING state.
func (s *Store) CreateScan(guid, name, seedTarget string) error {
	if guid == "" || seedTarget == "" {
		return errs.Newf(errs.KindValidation, "create_scan", "guid and seed target are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO scan_instance (guid, name, seed_target, created_ms, status)
		VALUES (?, ?, ?, ?, ?)
	`, guid, name, seedTarget, time.Now().UnixMilli(), string(StatusStarting))
	if err != nil {
		return errs.Storage("create_scan", err)
	}
	return nil
}

// SetScanStatus transitions a scan row, stamping start/end times as the
// status implies.
func (s *Store) SetScanStatus(guid string, status ScanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	var result sql.Result
	var err error
	switch status {
	case StatusStarted, StatusRunning:
		result, err = s.db.Exec(`
			UPDATE scan_instance SET status = ?, started_ms = COALESCE(started_ms, ?) WHERE guid = ?
		`, string(status), now, guid)
	case StatusFinished, StatusAborted, StatusErrorFailed:
		result, err = s.db.Exec(`
			UPDATE scan_instance SET status = ?, ended_ms = ? WHERE guid = ?
		`, string(status), now, guid)
	default:
		result, err = s.db.Exec(`UPDATE scan_instance SET status = ? WHERE guid = ?`, string(status), guid)
	}
	if err != nil {
		return errs.Storage("set_scan_status", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errs.Newf(errs.KindValidation, "set_scan_status", "scan %q not found", guid)
	}
	return nil
}

// ScanInstance is one scan_instance row.
type ScanInstance struct {
	GUID       string
	Name       string
	SeedTarget string
	CreatedMS  int64
	StartedMS  int64
	EndedMS    int64
	Status     ScanStatus
}

// GetScan fetches a scan row.
func (s *Store) GetScan(guid string) (*ScanInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var si ScanInstance
	var started, ended sql.NullInt64
	err := s.db.QueryRow(`
		SELECT guid, name, seed_target, created_ms, started_ms, ended_ms, status
		FROM scan_instance WHERE guid = ?
	`, guid).Scan(&si.GUID, &si.Name, &si.SeedTarget, &si.CreatedMS, &started, &ended, (*string)(&si.Status))
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.KindValidation, "get_scan", "scan %q not found", guid)
	}
	if err != nil {
		return nil, errs.Storage("get_scan", err)
	}
	si.StartedMS = started.Int64
	si.EndedMS = ended.Int64
	return &si, nil
}

// LogEntry is one scan log record.
type LogEntry struct {
	ScanID    string
	Generated time.Time
	Component string
	Type      string
	Message   string
}

// LogEvents appends a batch of scan log entries. Timestamps normalize to
// milliseconds; zero timestamps take the current time.
func (s *Store) LogEvents(batch []LogEntry) error {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.Storage("log_events", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO scan_log (scan_instance_id, generated_ms, component, type, message)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return errs.Storage("log_events", err)
	}
	defer stmt.Close()

	for _, entry := range batch {
		ts := entry.Generated
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.Exec(entry.ScanID, ts.UnixMilli(), entry.Component, entry.Type, entry.Message); err != nil {
			tx.Rollback()
			return errs.Storage("log_events", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Storage("log_events", err)
	}
	return nil
}

// ScanLogs returns the log entries for a scan in time order.
func (s *Store) ScanLogs(scanID string) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT scan_instance_id, generated_ms, component, type, message
		FROM scan_log WHERE scan_instance_id = ? ORDER BY generated_ms ASC
	`, scanID)
	if err != nil {
		return nil, errs.Storage("scan_logs", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var entry LogEntry
		var ms int64
		var component, logType, message sql.NullString
		if err := rows.Scan(&entry.ScanID, &ms, &component, &logType, &message); err != nil {
			return nil, errs.Storage("scan_logs", err)
		}
		entry.Generated = time.UnixMilli(ms)
		entry.Component = component.String
		entry.Type = logType.String
		entry.Message = message.String
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Close shuts the store down.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
