package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/domain"
)

const performanceColumns = `id, symphony_id, date, market_value, position_count,
daily_return, total_return, recorded_at`

// PerformanceRepository stores the append-only daily value series per
// symphony. One row per symphony per session date; re-recording a date
// replaces the row so a re-run window never duplicates the series.
type PerformanceRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPerformanceRepository creates a performance repository.
func NewPerformanceRepository(db *sql.DB, log zerolog.Logger) *PerformanceRepository {
	return &PerformanceRepository{
		db:  db,
		log: log.With().Str("repo", "performance").Logger(),
	}
}

// InitSchema creates the performance_metrics table.
func (r *PerformanceRepository) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS performance_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symphony_id TEXT NOT NULL,
		date TEXT NOT NULL,
		market_value TEXT NOT NULL,
		position_count INTEGER NOT NULL DEFAULT 0,
		daily_return REAL NOT NULL DEFAULT 0,
		total_return REAL NOT NULL DEFAULT 0,
		recorded_at INTEGER NOT NULL,
		UNIQUE(symphony_id, date)
	);
	CREATE INDEX IF NOT EXISTS idx_performance_symphony ON performance_metrics(symphony_id);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create performance_metrics schema: %w", err)
	}
	return nil
}

// Record writes one day's snapshot, replacing any earlier row for the
// same symphony and date.
func (r *PerformanceRepository) Record(s *domain.PerformanceSnapshot) error {
	if s.RecordedAt.IsZero() {
		s.RecordedAt = time.Now()
	}
	result, err := r.db.Exec(`
		INSERT INTO performance_metrics (symphony_id, date, market_value, position_count,
			daily_return, total_return, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symphony_id, date) DO UPDATE SET
			market_value = excluded.market_value,
			position_count = excluded.position_count,
			daily_return = excluded.daily_return,
			total_return = excluded.total_return,
			recorded_at = excluded.recorded_at`,
		s.SymphonyID, s.Date, s.MarketValue.String(), s.PositionCount,
		s.DailyReturn, s.TotalReturn, s.RecordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record performance: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil && id > 0 {
		s.ID = id
	}
	return nil
}

// Latest returns the most recent snapshot before the given date, or nil
// when the series is empty. The window runner uses it to compute the
// day's return.
func (r *PerformanceRepository) Latest(symphonyID, beforeDate string) (*domain.PerformanceSnapshot, error) {
	query := "SELECT " + performanceColumns + ` FROM performance_metrics
		WHERE symphony_id = ? AND date < ? ORDER BY date DESC LIMIT 1`

	rows, err := r.db.Query(query, symphonyID, beforeDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest performance: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	s, err := scanPerformance(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan performance: %w", err)
	}
	return s, nil
}

// First returns the earliest snapshot, the baseline for total return.
func (r *PerformanceRepository) First(symphonyID string) (*domain.PerformanceSnapshot, error) {
	query := "SELECT " + performanceColumns + ` FROM performance_metrics
		WHERE symphony_id = ? ORDER BY date ASC LIMIT 1`

	rows, err := r.db.Query(query, symphonyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query first performance: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	s, err := scanPerformance(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan performance: %w", err)
	}
	return s, nil
}

// Series returns the snapshots for one symphony ordered by date, up to
// limit rows ending at the newest.
func (r *PerformanceRepository) Series(symphonyID string, limit int) ([]domain.PerformanceSnapshot, error) {
	if limit <= 0 {
		limit = 365
	}
	query := "SELECT " + performanceColumns + ` FROM performance_metrics
		WHERE symphony_id = ?
		ORDER BY date DESC LIMIT ?`

	rows, err := r.db.Query(query, symphonyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance series: %w", err)
	}
	defer rows.Close()

	var out []domain.PerformanceSnapshot
	for rows.Next() {
		s, err := scanPerformance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan performance: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating performance series: %w", err)
	}
	// Flip to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanPerformance(rows *sql.Rows) (*domain.PerformanceSnapshot, error) {
	var (
		s          domain.PerformanceSnapshot
		value      string
		recordedAt int64
	)
	err := rows.Scan(&s.ID, &s.SymphonyID, &s.Date, &value, &s.PositionCount,
		&s.DailyReturn, &s.TotalReturn, &recordedAt)
	if err != nil {
		return nil, err
	}
	if s.MarketValue, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("corrupt market value %q: %w", value, err)
	}
	s.RecordedAt = time.Unix(recordedAt, 0)
	return &s, nil
}
