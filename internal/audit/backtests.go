package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/domain"
)

const backtestColumns = `id, symphony_id, range_start, range_end, total_return,
max_drawdown, sharpe, detail_json, created_at`

// BacktestRepository stores externally computed backtest summaries. The
// engine never replays strategies; these rows arrive through the API and
// are served back alongside live performance.
type BacktestRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBacktestRepository creates a backtest repository.
func NewBacktestRepository(db *sql.DB, log zerolog.Logger) *BacktestRepository {
	return &BacktestRepository{
		db:  db,
		log: log.With().Str("repo", "backtests").Logger(),
	}
}

// InitSchema creates the backtests table.
func (r *BacktestRepository) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS backtests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symphony_id TEXT NOT NULL,
		range_start TEXT NOT NULL,
		range_end TEXT NOT NULL,
		total_return REAL NOT NULL DEFAULT 0,
		max_drawdown REAL NOT NULL DEFAULT 0,
		sharpe REAL NOT NULL DEFAULT 0,
		detail_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_backtests_symphony ON backtests(symphony_id);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create backtests schema: %w", err)
	}
	return nil
}

// Insert appends one backtest result.
func (r *BacktestRepository) Insert(b *domain.BacktestResult) error {
	if b.SymphonyID == "" {
		return fmt.Errorf("backtest needs a symphony id")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	detail := string(b.DetailJSON)
	if detail == "" {
		detail = "{}"
	}
	result, err := r.db.Exec(`
		INSERT INTO backtests (symphony_id, range_start, range_end, total_return,
			max_drawdown, sharpe, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.SymphonyID, b.RangeStart, b.RangeEnd, b.TotalReturn,
		b.MaxDrawdown, b.Sharpe, detail, b.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert backtest: %w", err)
	}
	b.ID, _ = result.LastInsertId()
	return nil
}

// ListBySymphony returns a symphony's backtests, newest first.
func (r *BacktestRepository) ListBySymphony(symphonyID string, limit int) ([]domain.BacktestResult, error) {
	if limit <= 0 {
		limit = 20
	}
	query := "SELECT " + backtestColumns + " FROM backtests WHERE symphony_id = ? ORDER BY id DESC LIMIT ?"

	rows, err := r.db.Query(query, symphonyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtests: %w", err)
	}
	defer rows.Close()

	var out []domain.BacktestResult
	for rows.Next() {
		var (
			b         domain.BacktestResult
			detail    string
			createdAt int64
		)
		err := rows.Scan(&b.ID, &b.SymphonyID, &b.RangeStart, &b.RangeEnd,
			&b.TotalReturn, &b.MaxDrawdown, &b.Sharpe, &detail, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backtest: %w", err)
		}
		b.DetailJSON = []byte(detail)
		b.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backtests: %w", err)
	}
	return out, nil
}
