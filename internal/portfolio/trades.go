package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/domain"
)

const tradeColumns = `id, symphony_id, client_order_id, ticker, side, quantity, price, executed_at`

// TradeRepository is the append-only fill log. Rows are never updated or
// deleted; the book in the positions table is derived state, this is the
// record.
type TradeRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTradeRepository creates a trade repository.
func NewTradeRepository(db *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		db:  db,
		log: log.With().Str("repo", "trades").Logger(),
	}
}

// InitSchema creates the trades table and its indexes.
func (r *TradeRepository) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symphony_id TEXT NOT NULL,
		client_order_id TEXT NOT NULL,
		ticker TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		executed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_symphony ON trades(symphony_id);
	CREATE INDEX IF NOT EXISTS idx_trades_executed ON trades(executed_at);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create trades schema: %w", err)
	}
	return nil
}

// Insert appends one fill.
func (r *TradeRepository) Insert(t *domain.Trade) error {
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now()
	}
	result, err := r.db.Exec(`
		INSERT INTO trades (symphony_id, client_order_id, ticker, side, quantity, price, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.SymphonyID, t.ClientOrderID, normalizeTicker(t.Ticker), string(t.Side),
		t.Quantity.String(), t.Price.String(), t.ExecutedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	t.ID, _ = result.LastInsertId()
	t.Ticker = normalizeTicker(t.Ticker)
	return nil
}

// ListBySymphony returns a symphony's fills, newest first.
func (r *TradeRepository) ListBySymphony(symphonyID string, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + tradeColumns + " FROM trades WHERE symphony_id = ? ORDER BY id DESC LIMIT ?"

	rows, err := r.db.Query(query, symphonyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query symphony trades: %w", err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

// ListSince returns all fills executed at or after the cutoff, oldest
// first. Performance recording reads one day's fills this way.
func (r *TradeRepository) ListSince(since time.Time) ([]domain.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE executed_at >= ? ORDER BY id"

	rows, err := r.db.Query(query, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

func collectTrades(rows *sql.Rows) ([]domain.Trade, error) {
	var out []domain.Trade
	for rows.Next() {
		var (
			t          domain.Trade
			side       string
			qty        string
			price      string
			executedAt int64
		)
		err := rows.Scan(&t.ID, &t.SymphonyID, &t.ClientOrderID, &t.Ticker, &side, &qty, &price, &executedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = domain.OrderSide(side)
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("corrupt quantity %q: %w", qty, err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("corrupt price %q: %w", price, err)
		}
		t.ExecutedAt = time.Unix(executedAt, 0)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return out, nil
}
