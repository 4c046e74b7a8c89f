package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/domain"
)

const orderColumns = `id, client_order_id, broker_order_id, symphony_id, ticker, side,
quantity, filled_quantity, filled_avg_price, status, error, submitted_at, updated_at`

// OrderRepository persists the order lifecycle. Every order is written
// as pending before it reaches the broker, so a crash between submit and
// acknowledgement leaves a record the recovery pass can resolve through
// the client order id.
type OrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderRepository creates an order repository.
func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

// InitSchema creates the orders table and its indexes.
func (r *OrderRepository) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_order_id TEXT NOT NULL UNIQUE,
		broker_order_id TEXT NOT NULL DEFAULT '',
		symphony_id TEXT NOT NULL,
		ticker TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		filled_quantity TEXT NOT NULL DEFAULT '0',
		filled_avg_price TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		submitted_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_symphony ON orders(symphony_id);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create orders schema: %w", err)
	}
	return nil
}

// Insert writes a new order record. Status defaults to pending; the
// executor calls this before the broker sees the order.
func (r *OrderRepository) Insert(o *domain.Order) error {
	if o.ClientOrderID == "" {
		return fmt.Errorf("order needs a client order id")
	}
	if o.Status == "" {
		o.Status = domain.OrderStatusPending
	}
	now := time.Now().Unix()

	result, err := r.db.Exec(`
		INSERT INTO orders (client_order_id, broker_order_id, symphony_id, ticker, side,
			quantity, filled_quantity, filled_avg_price, status, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '0', '0', ?, '', ?)`,
		o.ClientOrderID, o.BrokerOrderID, o.SymphonyID, normalizeTicker(o.Ticker),
		string(o.Side), o.Quantity.String(), string(o.Status), now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	o.ID, _ = result.LastInsertId()
	o.Ticker = normalizeTicker(o.Ticker)
	o.UpdatedAt = time.Unix(now, 0)
	return nil
}

// MarkSubmitted records the broker's acknowledgement of an order.
func (r *OrderRepository) MarkSubmitted(clientOrderID, brokerOrderID string, submittedAt time.Time) error {
	result, err := r.db.Exec(`
		UPDATE orders SET broker_order_id = ?, status = ?, submitted_at = ?, updated_at = ?
		WHERE client_order_id = ?`,
		brokerOrderID, string(domain.OrderStatusSubmitted), submittedAt.Unix(), time.Now().Unix(),
		clientOrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark order submitted: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("order %s not found", clientOrderID)
	}
	return nil
}

// UpdateFill records the latest fill state observed from a broker poll.
// The status may be partial (still live) or a terminal state.
func (r *OrderRepository) UpdateFill(clientOrderID string, status domain.OrderStatus, filledQty, filledAvgPrice decimal.Decimal) error {
	result, err := r.db.Exec(`
		UPDATE orders SET status = ?, filled_quantity = ?, filled_avg_price = ?, updated_at = ?
		WHERE client_order_id = ?`,
		string(status), filledQty.String(), filledAvgPrice.String(), time.Now().Unix(),
		clientOrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order fill: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("order %s not found", clientOrderID)
	}
	return nil
}

// MarkFailed closes an order with a failure status and the broker's
// reason text.
func (r *OrderRepository) MarkFailed(clientOrderID string, status domain.OrderStatus, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	result, err := r.db.Exec(`
		UPDATE orders SET status = ?, error = ?, updated_at = ? WHERE client_order_id = ?`,
		string(status), reason, time.Now().Unix(), clientOrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("order %s not found", clientOrderID)
	}
	r.log.Warn().
		Str("client_order_id", clientOrderID).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("Order failed")
	return nil
}

// GetByClientID returns one order, or nil when unknown.
func (r *OrderRepository) GetByClientID(clientOrderID string) (*domain.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE client_order_id = ?"

	rows, err := r.db.Query(query, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	o, err := scanOrder(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return o, nil
}

// ListBySymphony returns a symphony's orders, newest first.
func (r *OrderRepository) ListBySymphony(symphonyID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + orderColumns + " FROM orders WHERE symphony_id = ? ORDER BY id DESC LIMIT ?"

	rows, err := r.db.Query(query, symphonyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query symphony orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListOpen returns every order that has not reached a terminal status.
// The recovery pass resolves these against the broker after a restart.
func (r *OrderRepository) ListOpen() ([]domain.Order, error) {
	query := "SELECT " + orderColumns + ` FROM orders
		WHERE status IN (?, ?, ?) ORDER BY id`

	rows, err := r.db.Query(query,
		string(domain.OrderStatusPending),
		string(domain.OrderStatusSubmitted),
		string(domain.OrderStatusPartial),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// CountRejectedSince counts a symphony's rejected orders recorded at or
// after the cutoff. The recovery policy escalates at three in one window.
func (r *OrderRepository) CountRejectedSince(symphonyID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM orders
		WHERE symphony_id = ? AND status = ? AND updated_at >= ?`,
		symphonyID, string(domain.OrderStatusRejected), since.Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rejected orders: %w", err)
	}
	return count, nil
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return out, nil
}

func scanOrder(rows *sql.Rows) (*domain.Order, error) {
	var (
		o           domain.Order
		side        string
		qty         string
		filledQty   string
		filledAvg   string
		status      string
		submittedAt sql.NullInt64
		updatedAt   int64
	)
	err := rows.Scan(
		&o.ID, &o.ClientOrderID, &o.BrokerOrderID, &o.SymphonyID, &o.Ticker, &side,
		&qty, &filledQty, &filledAvg, &status, &o.Error, &submittedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("corrupt quantity %q: %w", qty, err)
	}
	if o.FilledQuantity, err = decimal.NewFromString(filledQty); err != nil {
		return nil, fmt.Errorf("corrupt filled quantity %q: %w", filledQty, err)
	}
	if o.FilledAvgPrice, err = decimal.NewFromString(filledAvg); err != nil {
		return nil, fmt.Errorf("corrupt filled price %q: %w", filledAvg, err)
	}
	if submittedAt.Valid {
		o.SubmittedAt = time.Unix(submittedAt.Int64, 0)
	}
	o.UpdatedAt = time.Unix(updatedAt, 0)
	return &o, nil
}
