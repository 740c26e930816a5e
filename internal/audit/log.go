package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Event types recorded by perftrack.
const (
	EventWorkspaceInit          = "workspace_init"
	EventMeasurementRecorded    = "measurement_recorded"
	EventMeasurementCorrected   = "measurement_corrected"
	EventRecompute              = "recompute_finished"
	EventRecomputeFailed        = "recompute_failed"
	EventHierarchyInconsistency = "hierarchy_inconsistency"
	EventDaemonStarted          = "daemon_started"
	EventDaemonStopped          = "daemon_stopped"
	EventJobFailed              = "job_failed"
)

// Event is one row of the audit log.
type Event struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"ts"`
	Actor       string    `json:"actor"`
	Type        string    `json:"type"`
	PayloadJSON string    `json:"payload"`
}

// Logger writes audit events to a SQLite DB path.
type Logger struct {
	DBPath string
	now    func() time.Time
}

// NewLogger returns a Logger bound to dbPath.
func NewLogger(dbPath string) *Logger {
	return &Logger{DBPath: dbPath, now: time.Now}
}

// LogEvent appends an event. A nil Logger discards events.
func (l *Logger) LogEvent(actor string, eventType string, payload any) error {
	if l == nil {
		return nil
	}
	db, err := l.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now
	if l.now != nil {
		now = l.now
	}
	_, err = db.Exec(
		"INSERT INTO events (ts, actor, type, payload_json) VALUES (?, ?, ?, ?)",
		now().UTC().Format(time.RFC3339Nano),
		actor,
		eventType,
		string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Tail returns the most recent limit events, oldest first. eventType filters when set.
func (l *Logger) Tail(limit int, eventType string) ([]Event, error) {
	if l == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	db, err := l.open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = db.Close()
	}()

	query := "SELECT id, ts, actor, type, payload_json FROM events"
	args := []any{}
	if eventType != "" {
		query += " WHERE type = ?"
		args = append(args, eventType)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var ts string
		if err := rows.Scan(&ev.ID, &ts, &ev.Actor, &ev.Type, &ev.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (l *Logger) open() (*sql.DB, error) {
	if l.DBPath == "" {
		return nil, fmt.Errorf("audit db path is required")
	}
	absPath, err := filepath.Abs(l.DBPath)
	if err != nil {
		return nil, fmt.Errorf("resolve audit db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure audit db dir: %w", err)
	}
	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			actor TEXT NOT NULL,
			type TEXT NOT NULL,
			payload_json TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}
