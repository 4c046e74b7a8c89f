// Package portfolio holds the engine's trading book: positions per
// symphony, the append-only trade log, order records, and the post-window
// reconciler that squares the book against the broker. Quantities and
// prices are stored as decimal strings so the book never picks up float
// drift.
package portfolio

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/domain"
)

const positionColumns = `id, symphony_id, ticker, quantity, avg_price, updated_at`

// PositionRepository stores the per-symphony book in sqlite.
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a position repository.
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

// InitSchema creates the positions table and its indexes.
func (r *PositionRepository) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symphony_id TEXT NOT NULL,
		ticker TEXT NOT NULL,
		quantity TEXT NOT NULL,
		avg_price TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(symphony_id, ticker)
	);
	CREATE INDEX IF NOT EXISTS idx_positions_symphony ON positions(symphony_id);
	CREATE INDEX IF NOT EXISTS idx_positions_ticker ON positions(ticker);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create positions schema: %w", err)
	}
	return nil
}

// Get returns the position for one ticker, or nil when the symphony does
// not hold it.
func (r *PositionRepository) Get(symphonyID, ticker string) (*domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE symphony_id = ? AND ticker = ?"

	rows, err := r.db.Query(query, symphonyID, normalizeTicker(ticker))
	if err != nil {
		return nil, fmt.Errorf("failed to query position: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	pos, err := scanPosition(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	return pos, nil
}

// ListBySymphony returns the symphony's book ordered by ticker.
func (r *PositionRepository) ListBySymphony(symphonyID string) ([]domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE symphony_id = ? ORDER BY ticker"

	rows, err := r.db.Query(query, symphonyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query symphony positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// ListAll returns every position in the book ordered by symphony then
// ticker. Used by the ops API and account-level reconciliation.
func (r *PositionRepository) ListAll() ([]domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions ORDER BY symphony_id, ticker"

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// Upsert writes a position row, replacing any previous row for the same
// symphony and ticker. A non-positive quantity deletes the row instead.
func (r *PositionRepository) Upsert(p *domain.Position) error {
	if p.SymphonyID == "" || p.Ticker == "" {
		return fmt.Errorf("position needs symphony id and ticker")
	}
	ticker := normalizeTicker(p.Ticker)
	if p.Quantity.Sign() <= 0 {
		return r.Delete(p.SymphonyID, ticker)
	}

	now := time.Now().Unix()
	_, err := r.db.Exec(`
		INSERT INTO positions (symphony_id, ticker, quantity, avg_price, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symphony_id, ticker) DO UPDATE SET
			quantity = excluded.quantity,
			avg_price = excluded.avg_price,
			updated_at = excluded.updated_at`,
		p.SymphonyID, ticker, p.Quantity.String(), p.AvgPrice.String(), now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	p.Ticker = ticker
	p.UpdatedAt = time.Unix(now, 0)
	return nil
}

// ApplyFill folds an executed fill into the book: buys raise the quantity
// and blend the average price, sells reduce the quantity and drop the row
// at zero. The row update happens in one transaction so concurrent window
// workers cannot interleave on the same ticker.
func (r *PositionRepository) ApplyFill(symphonyID, ticker string, side domain.OrderSide, quantity, price decimal.Decimal) error {
	if quantity.Sign() <= 0 {
		return fmt.Errorf("fill quantity must be positive, got %s", quantity)
	}
	ticker = normalizeTicker(ticker)
	now := time.Now().Unix()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var qtyStr, avgStr string
	held := decimal.Zero
	avg := decimal.Zero
	err = tx.QueryRow(
		"SELECT quantity, avg_price FROM positions WHERE symphony_id = ? AND ticker = ?",
		symphonyID, ticker,
	).Scan(&qtyStr, &avgStr)
	switch {
	case err == sql.ErrNoRows:
		// new position
	case err != nil:
		return fmt.Errorf("failed to read position for fill: %w", err)
	default:
		if held, err = decimal.NewFromString(qtyStr); err != nil {
			return fmt.Errorf("corrupt quantity for %s/%s: %w", symphonyID, ticker, err)
		}
		if avg, err = decimal.NewFromString(avgStr); err != nil {
			return fmt.Errorf("corrupt avg price for %s/%s: %w", symphonyID, ticker, err)
		}
	}

	var newQty, newAvg decimal.Decimal
	if side == domain.OrderSideBuy {
		newQty = held.Add(quantity)
		cost := held.Mul(avg).Add(quantity.Mul(price))
		newAvg = cost.Div(newQty)
	} else {
		newQty = held.Sub(quantity)
		newAvg = avg
		if newQty.Sign() < 0 {
			r.log.Warn().
				Str("symphony_id", symphonyID).
				Str("ticker", ticker).
				Str("held", held.String()).
				Str("sold", quantity.String()).
				Msg("Sell fill exceeds held quantity, flattening position")
			newQty = decimal.Zero
		}
	}

	if newQty.Sign() <= 0 {
		if _, err := tx.Exec(
			"DELETE FROM positions WHERE symphony_id = ? AND ticker = ?", symphonyID, ticker,
		); err != nil {
			return fmt.Errorf("failed to close position: %w", err)
		}
	} else {
		if _, err := tx.Exec(`
			INSERT INTO positions (symphony_id, ticker, quantity, avg_price, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(symphony_id, ticker) DO UPDATE SET
				quantity = excluded.quantity,
				avg_price = excluded.avg_price,
				updated_at = excluded.updated_at`,
			symphonyID, ticker, newQty.String(), newAvg.String(), now,
		); err != nil {
			return fmt.Errorf("failed to write position after fill: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fill: %w", err)
	}

	r.log.Debug().
		Str("symphony_id", symphonyID).
		Str("ticker", ticker).
		Str("side", string(side)).
		Str("quantity", quantity.String()).
		Str("new_quantity", newQty.String()).
		Msg("Fill applied to book")
	return nil
}

// Replace rewrites a symphony's whole book in one transaction. Used by
// the reconciler when the broker is authoritative.
func (r *PositionRepository) Replace(symphonyID string, positions []domain.Position) error {
	now := time.Now().Unix()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM positions WHERE symphony_id = ?", symphonyID); err != nil {
		return fmt.Errorf("failed to clear symphony book: %w", err)
	}
	for _, p := range positions {
		if p.Quantity.Sign() <= 0 {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO positions (symphony_id, ticker, quantity, avg_price, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			symphonyID, normalizeTicker(p.Ticker), p.Quantity.String(), p.AvgPrice.String(), now,
		); err != nil {
			return fmt.Errorf("failed to insert position %s: %w", p.Ticker, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit book replace: %w", err)
	}
	r.log.Info().Str("symphony_id", symphonyID).Int("positions", len(positions)).Msg("Book replaced")
	return nil
}

// Delete removes one position row. Missing rows are not an error.
func (r *PositionRepository) Delete(symphonyID, ticker string) error {
	_, err := r.db.Exec(
		"DELETE FROM positions WHERE symphony_id = ? AND ticker = ?",
		symphonyID, normalizeTicker(ticker),
	)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

// Count returns the number of open position rows across all symphonies.
func (r *PositionRepository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM positions").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count positions: %w", err)
	}
	return count, nil
}

func collectPositions(rows *sql.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, *pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return out, nil
}

func scanPosition(rows *sql.Rows) (*domain.Position, error) {
	var (
		p         domain.Position
		qty       string
		avg       string
		updatedAt int64
	)
	if err := rows.Scan(&p.ID, &p.SymphonyID, &p.Ticker, &qty, &avg, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if p.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("corrupt quantity %q: %w", qty, err)
	}
	if p.AvgPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("corrupt avg price %q: %w", avg, err)
	}
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

func normalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
