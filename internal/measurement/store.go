package measurement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"perftrack/internal/hierarchy"
)

// ErrNotFound is returned when a measurement id does not exist.
var ErrNotFound = errors.New("measurement not found")

// Store persists measurements in SQLite.
type Store struct {
	DBPath string
	db     *sql.DB
	now    func() time.Time
}

// Open opens or creates the measurement database at path.
func Open(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve measurement db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure measurement db dir: %w", err)
	}
	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open measurement db: %w", err)
	}
	store, err := NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.DBPath = absPath
	return store, nil
}

// NewStore wraps an open database handle and ensures the schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS measurements (
	id TEXT PRIMARY KEY,
	ref_kind TEXT NOT NULL,
	ref_id TEXT NOT NULL,
	value TEXT NOT NULL,
	measured_at TEXT NOT NULL,
	tag TEXT NOT NULL,
	source TEXT,
	created_at TEXT NOT NULL,
	corrected_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_measurements_ref ON measurements(ref_kind, ref_id, measured_at);
`)
	if err != nil {
		return fmt.Errorf("create measurement schema: %w", err)
	}
	return nil
}

// Append records m and returns it with ID and CreatedAt assigned.
func (s *Store) Append(ctx context.Context, m Measurement) (Measurement, error) {
	if err := ValidateRef(m.Ref); err != nil {
		return Measurement{}, err
	}
	if m.Tag == "" {
		m.Tag = TagActual
	}
	if m.MeasuredAt.IsZero() {
		return Measurement{}, fmt.Errorf("measured_at is required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = s.now()
	m.CorrectedAt = nil

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO measurements (id, ref_kind, ref_id, value, measured_at, tag, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		string(m.Ref.Kind),
		m.Ref.ID,
		m.Value.String(),
		formatTime(m.MeasuredAt),
		string(m.Tag),
		m.Source,
		formatTime(m.CreatedAt),
	)
	if err != nil {
		return Measurement{}, fmt.Errorf("insert measurement: %w", err)
	}
	return m, nil
}

// AppendUnique records m unless a measurement with the same target, tag, source and
// MeasuredAt exists. Returns the stored measurement and whether it was created.
func (s *Store) AppendUnique(ctx context.Context, m Measurement) (Measurement, bool, error) {
	if m.Tag == "" {
		m.Tag = TagActual
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ref_kind, ref_id, value, measured_at, tag, source, created_at, corrected_at
		 FROM measurements
		 WHERE ref_kind = ? AND ref_id = ? AND tag = ? AND source = ? AND measured_at = ?`,
		string(m.Ref.Kind), m.Ref.ID, string(m.Tag), m.Source, formatTime(m.MeasuredAt),
	)
	existing, err := scanMeasurement(row)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Measurement{}, false, fmt.Errorf("check existing measurement: %w", err)
	}
	created, err := s.Append(ctx, m)
	if err != nil {
		return Measurement{}, false, err
	}
	return created, true, nil
}

// Correct overwrites the value of an existing measurement.
func (s *Store) Correct(ctx context.Context, id string, value decimal.Decimal) (Measurement, error) {
	corrected := s.now()
	res, err := s.db.ExecContext(ctx,
		"UPDATE measurements SET value = ?, corrected_at = ? WHERE id = ?",
		value.String(), formatTime(corrected), id,
	)
	if err != nil {
		return Measurement{}, fmt.Errorf("correct measurement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Measurement{}, fmt.Errorf("correct measurement: %w", err)
	}
	if n == 0 {
		return Measurement{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Get(ctx, id)
}

// Get returns one measurement by id.
func (s *Store) Get(ctx context.Context, id string) (Measurement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ref_kind, ref_id, value, measured_at, tag, source, created_at, corrected_at
		 FROM measurements WHERE id = ?`, id)
	m, err := scanMeasurement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Measurement{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Measurement{}, fmt.Errorf("get measurement: %w", err)
	}
	return m, nil
}

// List returns all measurements for ref ordered by measured_at.
func (s *Store) List(ctx context.Context, ref hierarchy.Ref) ([]Measurement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ref_kind, ref_id, value, measured_at, tag, source, created_at, corrected_at
		 FROM measurements
		 WHERE ref_kind = ? AND ref_id = ?
		 ORDER BY measured_at, created_at, id`,
		string(ref.Kind), ref.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	return collectRows(rows)
}

// All returns every stored measurement.
func (s *Store) All(ctx context.Context) ([]Measurement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ref_kind, ref_id, value, measured_at, tag, source, created_at, corrected_at
		 FROM measurements
		 ORDER BY ref_kind, ref_id, measured_at, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	return collectRows(rows)
}

// LatestActual returns the effective measurement per target.
func (s *Store) LatestActual(ctx context.Context) (map[hierarchy.Ref]Measurement, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return Latest(all), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeasurement(row rowScanner) (Measurement, error) {
	var (
		m                                       Measurement
		kind, value, measuredAt, tag, createdAt string
		source, corrected                       sql.NullString
	)
	if err := row.Scan(&m.ID, &kind, &m.Ref.ID, &value, &measuredAt, &tag, &source, &createdAt, &corrected); err != nil {
		return Measurement{}, err
	}
	m.Ref.Kind = hierarchy.Kind(kind)
	m.Tag = Tag(tag)
	m.Source = source.String

	var err error
	if m.Value, err = decimal.NewFromString(value); err != nil {
		return Measurement{}, fmt.Errorf("parse value of %s: %w", m.ID, err)
	}
	if m.MeasuredAt, err = parseTime(measuredAt); err != nil {
		return Measurement{}, fmt.Errorf("parse measured_at of %s: %w", m.ID, err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return Measurement{}, fmt.Errorf("parse created_at of %s: %w", m.ID, err)
	}
	if corrected.Valid && corrected.String != "" {
		ts, err := parseTime(corrected.String)
		if err != nil {
			return Measurement{}, fmt.Errorf("parse corrected_at of %s: %w", m.ID, err)
		}
		m.CorrectedAt = &ts
	}
	return m, nil
}

func collectRows(rows *sql.Rows) ([]Measurement, error) {
	defer rows.Close()
	var out []Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate measurements: %w", err)
	}
	return out, nil
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}
