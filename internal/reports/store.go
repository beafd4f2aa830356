// Package reports persists lost-item reports filed by callers.
package reports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrDuplicateReference is returned by Create when a report with the
	// same reference number already exists.
	ErrDuplicateReference = errors.New("duplicate report reference")

	// ErrNotFound is returned by Get when no report has the reference.
	ErrNotFound = errors.New("report not found")
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Report is a lost-item report.
type Report struct {
	Reference       string    `json:"reference_number"`
	CallID          string    `json:"call_id,omitempty"`
	CallerName      string    `json:"caller_name"`
	RouteName       string    `json:"route_name"`
	ItemDescription string    `json:"item_description"`
	ContactPhone    string    `json:"contact_phone"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is a SQLite store for lost-item reports. All public methods are
// safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens the report database at dbPath, creating the schema on
// first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open reports database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate reports schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lost_item_reports (
		reference        TEXT PRIMARY KEY,
		call_id          TEXT,
		caller_name      TEXT NOT NULL,
		route_name       TEXT NOT NULL,
		item_description TEXT NOT NULL,
		contact_phone    TEXT NOT NULL,
		created_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_created ON lost_item_reports(created_at);
	CREATE INDEX IF NOT EXISTS idx_reports_call ON lost_item_reports(call_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts r. A zero CreatedAt is set to now.
func (s *Store) Create(ctx context.Context, r Report) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lost_item_reports
			(reference, call_id, caller_name, route_name, item_description, contact_phone, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Reference,
		r.CallID,
		r.CallerName,
		r.RouteName,
		r.ItemDescription,
		r.ContactPhone,
		r.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, r.Reference)
		}
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// Get returns the report with the given reference.
func (s *Store) Get(ctx context.Context, reference string) (*Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT reference, COALESCE(call_id, ''), caller_name, route_name, item_description, contact_phone, created_at
		 FROM lost_item_reports WHERE reference = ?`, reference)

	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Recent returns up to limit reports, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT reference, COALESCE(call_id, ''), caller_name, route_name, item_description, contact_phone, created_at
		 FROM lost_item_reports ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Count returns the total number of stored reports.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lost_item_reports`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*Report, error) {
	var (
		r       Report
		created string
	)
	if err := row.Scan(&r.Reference, &r.CallID, &r.CallerName, &r.RouteName, &r.ItemDescription, &r.ContactPhone, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan report: %w", err)
	}
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("parse report timestamp %q: %w", created, err)
	}
	r.CreatedAt = t
	return &r, nil
}
