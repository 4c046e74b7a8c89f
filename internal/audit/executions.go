// Package audit persists the engine's paper trail: per-window execution
// records, the daily performance series, liquidation events, and
// externally computed backtest results. Everything here is append-mostly
// and read by the ops API.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/domain"
)

const executionColumns = `id, symphony_id, window_date, started_at, finished_at, status,
reason, targets_json, orders_placed, orders_filled, error_kind, error_detail`

// ExecutionRepository stores one record per symphony per execution window.
type ExecutionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewExecutionRepository creates an execution record repository.
func NewExecutionRepository(db *sql.DB, log zerolog.Logger) *ExecutionRepository {
	return &ExecutionRepository{
		db:  db,
		log: log.With().Str("repo", "executions").Logger(),
	}
}

// InitSchema creates the execution_records table and its indexes.
func (r *ExecutionRepository) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symphony_id TEXT NOT NULL,
		window_date TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		targets_json TEXT NOT NULL DEFAULT '{}',
		orders_placed INTEGER NOT NULL DEFAULT 0,
		orders_filled INTEGER NOT NULL DEFAULT 0,
		error_kind TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_executions_symphony ON execution_records(symphony_id);
	CREATE INDEX IF NOT EXISTS idx_executions_window ON execution_records(window_date);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create execution_records schema: %w", err)
	}
	return nil
}

// Insert appends one execution record.
func (r *ExecutionRepository) Insert(rec *domain.ExecutionRecord) error {
	targets := rec.Targets
	if targets == nil {
		targets = domain.Allocation{}
	}
	targetsJSON, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}

	result, err := r.db.Exec(`
		INSERT INTO execution_records (symphony_id, window_date, started_at, finished_at,
			status, reason, targets_json, orders_placed, orders_filled, error_kind, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SymphonyID, rec.WindowDate, rec.StartedAt.Unix(), rec.FinishedAt.Unix(),
		string(rec.Status), rec.Reason, string(targetsJSON),
		rec.OrdersPlaced, rec.OrdersFilled, rec.ErrorKind, rec.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}
	rec.ID, _ = result.LastInsertId()

	r.log.Debug().
		Str("symphony_id", rec.SymphonyID).
		Str("window", rec.WindowDate).
		Str("status", string(rec.Status)).
		Msg("Execution recorded")
	return nil
}

// ListBySymphony returns a symphony's records, newest first.
func (r *ExecutionRepository) ListBySymphony(symphonyID string, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + executionColumns + " FROM execution_records WHERE symphony_id = ? ORDER BY id DESC LIMIT ?"

	rows, err := r.db.Query(query, symphonyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution records: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// ListByWindow returns every record for one window date ordered by
// symphony id.
func (r *ExecutionRepository) ListByWindow(windowDate string) ([]domain.ExecutionRecord, error) {
	query := "SELECT " + executionColumns + " FROM execution_records WHERE window_date = ? ORDER BY symphony_id"

	rows, err := r.db.Query(query, windowDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query window records: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// ListRecent returns the latest records across all symphonies.
func (r *ExecutionRepository) ListRecent(limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + executionColumns + " FROM execution_records ORDER BY id DESC LIMIT ?"

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent records: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func collectExecutions(rows *sql.Rows) ([]domain.ExecutionRecord, error) {
	var out []domain.ExecutionRecord
	for rows.Next() {
		var (
			rec         domain.ExecutionRecord
			startedAt   int64
			finishedAt  int64
			status      string
			targetsJSON string
		)
		err := rows.Scan(
			&rec.ID, &rec.SymphonyID, &rec.WindowDate, &startedAt, &finishedAt, &status,
			&rec.Reason, &targetsJSON, &rec.OrdersPlaced, &rec.OrdersFilled,
			&rec.ErrorKind, &rec.ErrorDetail,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		rec.StartedAt = time.Unix(startedAt, 0)
		rec.FinishedAt = time.Unix(finishedAt, 0)
		rec.Status = domain.ExecutionStatus(status)
		if err := json.Unmarshal([]byte(targetsJSON), &rec.Targets); err != nil {
			return nil, fmt.Errorf("corrupt targets for record %d: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution records: %w", err)
	}
	return out, nil
}
