package daemon

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Store manages daemon state in SQLite.
type Store struct {
	DBPath string
	db     *sql.DB
	now    func() time.Time
}

// Job represents a queued or running daemon job.
type Job struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	ScopeKey       string     `json:"scope_key"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	PayloadJSON    string     `json:"payload,omitempty"`
	ResultJSON     string     `json:"result,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

const jobColumns = `id, type, status, scope_key, scheduled_at, started_at, finished_at,
	payload_json, result_json, lease_owner, lease_expires_at`

// Open opens or creates the daemon state database.
func Open(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve daemon db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure daemon db dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open daemon db: %w", err)
	}
	// SQLite writes go through one connection.
	db.SetMaxOpenConns(1)

	store := &Store{
		DBPath: absPath,
		db:     db,
		now:    time.Now,
	}

	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS daemon_jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	scope_key TEXT NOT NULL DEFAULT '',
	scheduled_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	payload_json TEXT,
	result_json TEXT,
	lease_owner TEXT,
	lease_expires_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_scheduled ON daemon_jobs(status, scheduled_at);
DROP INDEX IF EXISTS idx_jobs_unique;
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_queued_unique ON daemon_jobs(type, scope_key, scheduled_at)
	WHERE status = 'queued';

CREATE TABLE IF NOT EXISTS daemon_kv (
	key TEXT PRIMARY KEY,
	value TEXT
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("create daemon schema: %w", err)
	}
	return nil
}

// EnqueueUnique enqueues a job unless a queued job of the same type and scope
// key is already due no later than scheduledAt. Running and finished jobs never
// absorb a new request. Returns (jobID, created, error).
func (s *Store) EnqueueUnique(jobType string, scheduledAt time.Time, scopeKey string, payload any) (string, bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal payload: %w", err)
	}

	scheduledAtStr := formatTime(scheduledAt)

	tx, err := s.db.Begin()
	if err != nil {
		return "", false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRow(`
		SELECT id FROM daemon_jobs
		WHERE type = ? AND scope_key = ? AND status = 'queued' AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
		LIMIT 1
	`, jobType, scopeKey, scheduledAtStr).Scan(&existingID)
	if err == nil {
		return existingID, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("check existing job: %w", err)
	}

	jobID := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO daemon_jobs (id, type, status, scope_key, scheduled_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, jobID, jobType, StatusQueued, scopeKey, scheduledAtStr, string(payloadJSON))
	if err != nil {
		return "", false, fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit transaction: %w", err)
	}

	return jobID, true, nil
}

// ClaimNext atomically claims the next queued job that is ready to run.
// It returns nil when nothing is due.
func (s *Store) ClaimNext(now time.Time, leaseOwner string, leaseFor time.Duration) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var jobID string
	err = tx.QueryRow(`
		SELECT id FROM daemon_jobs
		WHERE status = 'queued' AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, id ASC
		LIMIT 1
	`, formatTime(now)).Scan(&jobID)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find next job: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE daemon_jobs
		SET status = 'running',
		    started_at = ?,
		    lease_owner = ?,
		    lease_expires_at = ?
		WHERE id = ?
	`, formatTime(now), leaseOwner, formatTime(now.Add(leaseFor)), jobID)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return s.GetJob(jobID)
}

// RequeueExpired returns running jobs whose lease has lapsed to the queue.
func (s *Store) RequeueExpired(now time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE daemon_jobs
		SET status = 'queued',
		    started_at = NULL,
		    lease_owner = NULL,
		    lease_expires_at = NULL
		WHERE status = 'running' AND lease_expires_at < ?
	`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return n, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM daemon_jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Succeed marks a job as succeeded.
func (s *Store) Succeed(jobID string, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.finish(jobID, StatusSucceeded, string(resultJSON))
}

// Fail marks a job as failed.
func (s *Store) Fail(jobID string, jobErr error) error {
	resultJSON, _ := json.Marshal(map[string]string{"error": jobErr.Error()})
	return s.finish(jobID, StatusFailed, string(resultJSON))
}

func (s *Store) finish(jobID, status, resultJSON string) error {
	_, err := s.db.Exec(`
		UPDATE daemon_jobs
		SET status = ?,
		    finished_at = ?,
		    result_json = ?
		WHERE id = ?
	`, status, formatTime(s.now()), resultJSON, jobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// ListJobs returns up to limit jobs ordered by scheduled_at, newest first.
func (s *Store) ListJobs(limit int) ([]Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM daemon_jobs ORDER BY scheduled_at DESC LIMIT ?`, limit)
}

// ListRunning returns all jobs with status 'running'.
func (s *Store) ListRunning() ([]Job, error) {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM daemon_jobs WHERE status = 'running' ORDER BY scheduled_at ASC`)
}

// ListQueued returns queued jobs ordered by scheduled_at.
func (s *Store) ListQueued(limit int) ([]Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM daemon_jobs WHERE status = 'queued' ORDER BY scheduled_at ASC LIMIT ?`, limit)
}

// ListRecentCompleted returns recently completed jobs (succeeded or failed).
func (s *Store) ListRecentCompleted(limit int) ([]Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM daemon_jobs
		WHERE status IN ('succeeded', 'failed')
		ORDER BY finished_at DESC
		LIMIT ?`, limit)
}

func (s *Store) queryJobs(query string, args ...any) ([]Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var scheduledAt string
	var startedAt, finishedAt, leaseExpiresAt sql.NullString
	var payloadJSON, resultJSON, leaseOwner sql.NullString

	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &job.ScopeKey, &scheduledAt,
		&startedAt, &finishedAt, &payloadJSON, &resultJSON,
		&leaseOwner, &leaseExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	job.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	job.StartedAt = parseNullTime(startedAt)
	job.FinishedAt = parseNullTime(finishedAt)
	job.LeaseExpiresAt = parseNullTime(leaseExpiresAt)
	job.PayloadJSON = payloadJSON.String
	job.ResultJSON = resultJSON.String
	job.LeaseOwner = leaseOwner.String
	return &job, nil
}

// GetKV retrieves a value from the key-value store. Missing keys return "".
func (s *Store) GetKV(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM daemon_kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kv: %w", err)
	}
	return value, nil
}

// SetKV sets a value in the key-value store.
func (s *Store) SetKV(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daemon_kv (key, value)
		VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set kv: %w", err)
	}
	return nil
}

// timeLayout is fixed width so stored timestamps compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
