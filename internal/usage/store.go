// Package usage persists the token count and cost of every model round
// so operators can see what calls cost. Records are append-only.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nugget/vanguard/internal/config"
)

// Record is the token usage and cost of one model round.
type Record struct {
	ID           string
	Timestamp    time.Time
	TurnID       string
	CallID       string
	Round        int
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	StopReason   string
}

// Summary is an aggregate over a set of records.
type Summary struct {
	TotalRecords      int     `json:"total_records"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// Filter narrows a query. Start is inclusive and End exclusive; a zero
// End means now. CallID, when set, restricts the query to one call.
type Filter struct {
	Start  time.Time
	End    time.Time
	CallID string
}

// Dimension is a column a [Store.Breakdown] can group by.
type Dimension string

const (
	ByModel    Dimension = "model"
	ByCall     Dimension = "call_id"
	ByProvider Dimension = "provider"
)

// ParseDimension maps a query-string value to a [Dimension].
func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(strings.ToLower(s)); d {
	case ByModel, ByProvider:
		return d, nil
	case "call", ByCall:
		return ByCall, nil
	default:
		return "", fmt.Errorf("unknown usage dimension %q (valid: model, call, provider)", s)
	}
}

// Store is a SQLite-backed usage ledger, safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (creating if needed) the usage ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS rounds (
		id            TEXT PRIMARY KEY,
		recorded_at   TEXT NOT NULL,
		turn_id       TEXT NOT NULL,
		call_id       TEXT NOT NULL,
		round         INTEGER NOT NULL,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL,
		stop_reason   TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_rounds_recorded ON rounds(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_rounds_call ON rounds(call_id, round);
	`)
	return err
}

// Record appends rec, assigning a UUIDv7 and the current time when
// those are unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rounds
			(id, recorded_at, turn_id, call_id, round, model, provider,
			 input_tokens, output_tokens, cost_usd, stop_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, stamp(rec.Timestamp), rec.TurnID, rec.CallID, rec.Round,
		rec.Model, rec.Provider, rec.InputTokens, rec.OutputTokens,
		rec.CostUSD, rec.StopReason,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary aggregates every record matching f.
func (s *Store) Summary(ctx context.Context, f Filter) (*Summary, error) {
	where, args := s.where(f)
	row := s.db.QueryRowContext(ctx, `SELECT `+aggregates+` FROM rounds `+where, args...)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// Breakdown aggregates records matching f per distinct value of dim.
func (s *Store) Breakdown(ctx context.Context, f Filter, dim Dimension) (map[string]*Summary, error) {
	if _, err := ParseDimension(string(dim)); err != nil {
		return nil, err
	}
	where, args := s.where(f)
	// dim is one of the Dimension constants, checked above.
	query := `SELECT ` + string(dim) + `, ` + aggregates + ` FROM rounds ` + where +
		` GROUP BY ` + string(dim)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", dim, err)
	}
	defer rows.Close()

	out := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", dim, err)
		}
		out[key] = &sum
	}
	return out, rows.Err()
}

// CallRounds returns every round recorded for one call in order.
func (s *Store) CallRounds(ctx context.Context, callID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recorded_at, turn_id, call_id, round, model, provider,
		        input_tokens, output_tokens, cost_usd, stop_reason
		 FROM rounds WHERE call_id = ? ORDER BY recorded_at, id`, callID)
	if err != nil {
		return nil, fmt.Errorf("query call rounds: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.TurnID, &rec.CallID, &rec.Round,
			&rec.Model, &rec.Provider, &rec.InputTokens, &rec.OutputTokens,
			&rec.CostUSD, &rec.StopReason); err != nil {
			return nil, fmt.Errorf("scan call round: %w", err)
		}
		rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse round timestamp %q: %w", ts, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records older than before and returns how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rounds WHERE recorded_at < ?`, stamp(before))
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return res.RowsAffected()
}

const aggregates = `COUNT(*), COALESCE(SUM(input_tokens), 0), ` +
	`COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)`

func (s *Store) where(f Filter) (string, []any) {
	end := f.End
	if end.IsZero() {
		end = s.now()
	}
	clause := `WHERE recorded_at >= ? AND recorded_at < ?`
	args := []any{stamp(f.Start), stamp(end)}
	if f.CallID != "" {
		clause += ` AND call_id = ?`
		args = append(args, f.CallID)
	}
	return clause, args
}

// stamp renders t as fixed-width UTC so lexical order is time order.
func stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// ComputeCost prices one round from the per-million-token table.
// Models missing from the table cost nothing.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)*entry.InputPerMillion + float64(outputTokens)*entry.OutputPerMillion) / 1e6
}
