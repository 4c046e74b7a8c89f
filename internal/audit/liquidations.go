package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/domain"
)

const liquidationColumns = `id, symphony_id, user_id, reason, error_kind, order_ids_json,
closed_value, triggered_at, completed`

// LiquidationRepository records every forced move to cash. Rows are
// written when the liquidation starts and flipped to completed once all
// closing orders resolve, so an incomplete liquidation is visible after
// a crash.
type LiquidationRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLiquidationRepository creates a liquidation event repository.
func NewLiquidationRepository(db *sql.DB, log zerolog.Logger) *LiquidationRepository {
	return &LiquidationRepository{
		db:  db,
		log: log.With().Str("repo", "liquidations").Logger(),
	}
}

// InitSchema creates the liquidation_events table.
func (r *LiquidationRepository) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS liquidation_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symphony_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		order_ids_json TEXT NOT NULL DEFAULT '[]',
		closed_value TEXT NOT NULL DEFAULT '0',
		triggered_at INTEGER NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_liquidations_symphony ON liquidation_events(symphony_id);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create liquidation_events schema: %w", err)
	}
	return nil
}

// Insert writes a new liquidation event.
func (r *LiquidationRepository) Insert(e *domain.LiquidationEvent) error {
	if e.TriggeredAt.IsZero() {
		e.TriggeredAt = time.Now()
	}
	orderIDs := e.OrderIDs
	if orderIDs == nil {
		orderIDs = []string{}
	}
	idsJSON, err := json.Marshal(orderIDs)
	if err != nil {
		return fmt.Errorf("failed to encode order ids: %w", err)
	}

	result, err := r.db.Exec(`
		INSERT INTO liquidation_events (symphony_id, user_id, reason, error_kind,
			order_ids_json, closed_value, triggered_at, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SymphonyID, e.UserID, e.Reason, e.ErrorKind, string(idsJSON),
		e.ClosedValue.String(), e.TriggeredAt.Unix(), boolToInt(e.Completed),
	)
	if err != nil {
		return fmt.Errorf("failed to insert liquidation event: %w", err)
	}
	e.ID, _ = result.LastInsertId()

	r.log.Warn().
		Str("symphony_id", e.SymphonyID).
		Str("reason", e.Reason).
		Str("error_kind", e.ErrorKind).
		Msg("Liquidation recorded")
	return nil
}

// Complete marks a liquidation finished, storing the closing order ids
// and the total value realized by the closing sells.
func (r *LiquidationRepository) Complete(id int64, orderIDs []string, closedValue decimal.Decimal) error {
	if orderIDs == nil {
		orderIDs = []string{}
	}
	idsJSON, err := json.Marshal(orderIDs)
	if err != nil {
		return fmt.Errorf("failed to encode order ids: %w", err)
	}
	result, err := r.db.Exec(
		"UPDATE liquidation_events SET completed = 1, order_ids_json = ?, closed_value = ? WHERE id = ?",
		string(idsJSON), closedValue.String(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete liquidation: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("liquidation %d not found", id)
	}
	return nil
}

// ListBySymphony returns a symphony's liquidations, newest first.
func (r *LiquidationRepository) ListBySymphony(symphonyID string, limit int) ([]domain.LiquidationEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	query := "SELECT " + liquidationColumns + " FROM liquidation_events WHERE symphony_id = ? ORDER BY id DESC LIMIT ?"

	rows, err := r.db.Query(query, symphonyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query liquidations: %w", err)
	}
	defer rows.Close()

	return collectLiquidations(rows)
}

// ListIncomplete returns liquidations that never finished, oldest first.
// The recovery pass re-drives these on startup.
func (r *LiquidationRepository) ListIncomplete() ([]domain.LiquidationEvent, error) {
	query := "SELECT " + liquidationColumns + " FROM liquidation_events WHERE completed = 0 ORDER BY id"

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query incomplete liquidations: %w", err)
	}
	defer rows.Close()

	return collectLiquidations(rows)
}

func collectLiquidations(rows *sql.Rows) ([]domain.LiquidationEvent, error) {
	var out []domain.LiquidationEvent
	for rows.Next() {
		var (
			e           domain.LiquidationEvent
			idsJSON     string
			closedValue string
			triggeredAt int64
			completed   int
		)
		err := rows.Scan(&e.ID, &e.SymphonyID, &e.UserID, &e.Reason, &e.ErrorKind,
			&idsJSON, &closedValue, &triggeredAt, &completed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan liquidation: %w", err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &e.OrderIDs); err != nil {
			return nil, fmt.Errorf("corrupt order ids for liquidation %d: %w", e.ID, err)
		}
		if e.ClosedValue, err = decimal.NewFromString(closedValue); err != nil {
			return nil, fmt.Errorf("corrupt closed value %q: %w", closedValue, err)
		}
		e.TriggeredAt = time.Unix(triggeredAt, 0)
		e.Completed = completed != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating liquidations: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
