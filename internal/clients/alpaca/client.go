// Package alpaca is the brokerage adapter: it implements the trading
// port over an Alpaca-shaped REST API and the OAuth refresher the user
// store drives. Transport and API failures are classified into the
// error taxonomy so the recovery policy table can act on the kind.
package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Client talks to the broker's trading API. The zero-token client
// authenticates with the service key pair; ForUser returns a copy
// bound to one user's OAuth bearer token. Bound copies share the
// underlying HTTP client, so per-user clients are cheap.
type Client struct {
	http   *resty.Client
	log    zerolog.Logger
	key    string
	secret string
	token  string
}

// NewClient creates a broker client against the given base URL with
// service-level credentials.
func NewClient(baseURL, key, secret string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == 429
		})
	return &Client{
		http: http,
		log:  log.With().Str("component", "broker").Logger(),
		key:  key, secret: secret,
	}
}

// ForUser returns a client bound to one user's access token. The
// token manager keeps that token fresh; bind per execution, not per
// process.
func (c *Client) ForUser(accessToken string) *Client {
	bound := *c
	bound.token = accessToken
	return &bound
}

// request builds an authenticated request. OAuth bearer wins over the
// service key pair when both are present.
func (c *Client) request(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if c.token != "" {
		return req.SetAuthToken(c.token)
	}
	return req.
		SetHeader("APCA-API-KEY-ID", c.key).
		SetHeader("APCA-API-SECRET-KEY", c.secret)
}

type accountPayload struct {
	ID             string `json:"id"`
	Currency       string `json:"currency"`
	Equity         string `json:"equity"`
	Cash           string `json:"cash"`
	BuyingPower    string `json:"buying_power"`
	AccountBlocked bool   `json:"account_blocked"`
	TradingBlocked bool   `json:"trading_blocked"`
}

type positionPayload struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	MarketValue   string `json:"market_value"`
}

type orderPayload struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Qty            string     `json:"qty"`
	FilledQty      string     `json:"filled_qty"`
	FilledAvgPrice *string    `json:"filled_avg_price"`
	Side           string     `json:"side"`
	Status         string     `json:"status"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	FilledAt       *time.Time `json:"filled_at"`
}

type clockPayload struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

type orderBody struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id"`
}

// GetAccount implements domain.BrokerClient.
func (c *Client) GetAccount(ctx context.Context) (*domain.Account, error) {
	var payload accountPayload
	resp, err := c.request(ctx).SetResult(&payload).Get("/v2/account")
	if err := c.classify(resp, err, "get account"); err != nil {
		return nil, err
	}
	account := &domain.Account{
		ID:       payload.ID,
		Currency: payload.Currency,
		Blocked:  payload.AccountBlocked || payload.TradingBlocked,
	}
	if account.Equity, err = parseDecimal(payload.Equity, "equity"); err != nil {
		return nil, err
	}
	if account.Cash, err = parseDecimal(payload.Cash, "cash"); err != nil {
		return nil, err
	}
	if account.BuyingPower, err = parseDecimal(payload.BuyingPower, "buying_power"); err != nil {
		return nil, err
	}
	return account, nil
}

// ListPositions implements domain.BrokerClient.
func (c *Client) ListPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var payload []positionPayload
	resp, err := c.request(ctx).SetResult(&payload).Get("/v2/positions")
	if err := c.classify(resp, err, "list positions"); err != nil {
		return nil, err
	}
	positions := make([]domain.BrokerPosition, 0, len(payload))
	for _, p := range payload {
		pos, err := mapPosition(p)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// SubmitOrder implements domain.BrokerClient. The broker enforces
// client order id uniqueness; resubmitting a known id resolves to the
// existing order instead of a duplicate.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.BrokerOrder, error) {
	body := orderBody{
		Symbol:        req.Symbol,
		Qty:           req.Quantity.String(),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   string(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	var payload orderPayload
	resp, err := c.request(ctx).SetBody(body).SetResult(&payload).Post("/v2/orders")
	if err == nil && resp != nil && resp.StatusCode() == http.StatusUnprocessableEntity {
		// A duplicate client order id comes back 422. Resolve it: the
		// first submission may have succeeded with the response lost.
		if existing, lookupErr := c.GetOrderByClientID(ctx, req.ClientOrderID); lookupErr == nil {
			return existing, nil
		}
	}
	if err := c.classify(resp, err, "submit order"); err != nil {
		return nil, err
	}
	return mapOrder(payload)
}

// GetOrder implements domain.BrokerClient.
func (c *Client) GetOrder(ctx context.Context, brokerOrderID string) (*domain.BrokerOrder, error) {
	var payload orderPayload
	resp, err := c.request(ctx).SetResult(&payload).Get("/v2/orders/" + brokerOrderID)
	if err := c.classify(resp, err, "get order"); err != nil {
		return nil, err
	}
	return mapOrder(payload)
}

// GetOrderByClientID implements domain.BrokerClient.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.BrokerOrder, error) {
	var payload orderPayload
	resp, err := c.request(ctx).
		SetQueryParam("client_order_id", clientOrderID).
		SetResult(&payload).
		Get("/v2/orders:by_client_order_id")
	if err := c.classify(resp, err, "get order by client id"); err != nil {
		return nil, err
	}
	return mapOrder(payload)
}

// CancelOrder implements domain.BrokerClient. Cancelling an order that
// is already terminal is not an error.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	resp, err := c.request(ctx).Delete("/v2/orders/" + brokerOrderID)
	if err == nil && resp != nil && resp.StatusCode() == http.StatusUnprocessableEntity {
		return nil
	}
	return c.classify(resp, err, "cancel order")
}

// ClosePosition implements domain.BrokerClient.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*domain.BrokerOrder, error) {
	var payload orderPayload
	resp, err := c.request(ctx).SetResult(&payload).Delete("/v2/positions/" + symbol)
	if err := c.classify(resp, err, "close position"); err != nil {
		return nil, err
	}
	return mapOrder(payload)
}

// CloseAllPositions implements domain.BrokerClient. The broker answers
// 207 with one entry per symbol; entries that failed to close carry no
// order body and are skipped, reconciliation settles them later.
func (c *Client) CloseAllPositions(ctx context.Context) ([]domain.BrokerOrder, error) {
	var payload []struct {
		Symbol string        `json:"symbol"`
		Status int           `json:"status"`
		Body   *orderPayload `json:"body"`
	}
	resp, err := c.request(ctx).SetResult(&payload).Delete("/v2/positions")
	if err := c.classify(resp, err, "close all positions"); err != nil {
		return nil, err
	}
	orders := make([]domain.BrokerOrder, 0, len(payload))
	for _, entry := range payload {
		if entry.Body == nil {
			c.log.Warn().Str("symbol", entry.Symbol).Int("status", entry.Status).Msg("Position did not close")
			continue
		}
		order, err := mapOrder(*entry.Body)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

// GetClock implements domain.BrokerClient.
func (c *Client) GetClock(ctx context.Context) (*domain.MarketClock, error) {
	var payload clockPayload
	resp, err := c.request(ctx).SetResult(&payload).Get("/v2/clock")
	if err := c.classify(resp, err, "get clock"); err != nil {
		return nil, err
	}
	return &domain.MarketClock{
		Timestamp: payload.Timestamp,
		IsOpen:    payload.IsOpen,
		NextOpen:  payload.NextOpen,
		NextClose: payload.NextClose,
	}, nil
}

// classify maps a response to the error taxonomy: transport trouble
// and 5xx are BrokerUnreachable, credential failures are BrokerAuth,
// everything else the API refuses is BrokerRejected with the broker's
// own message preserved.
func (c *Client) classify(resp *resty.Response, err error, op string) error {
	if err != nil {
		return domain.Wrap(domain.KindBrokerUnreachable, fmt.Errorf("%s: %w", op, err))
	}
	if resp == nil || !resp.IsError() {
		return nil
	}
	status := resp.StatusCode()
	message := apiMessage(resp.Body())
	lower := strings.ToLower(message)
	switch {
	case status == http.StatusForbidden && (strings.Contains(lower, "insufficient") || strings.Contains(lower, "buying power")):
		// The broker answers 403 for underfunded orders too; that is a
		// rejection, not a credential problem.
		return domain.E(domain.KindBrokerRejected, "%s: %s", op, message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.E(domain.KindBrokerAuth, "%s: broker refused credentials: %s", op, message)
	case status >= 500 || status == http.StatusTooManyRequests:
		return domain.E(domain.KindBrokerUnreachable, "%s: broker returned status %d: %s", op, status, message)
	default:
		return domain.E(domain.KindBrokerRejected, "%s: %s", op, message)
	}
}

// apiMessage digs the broker's error text out of a failure body.
func apiMessage(body []byte) string {
	var payload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

func mapPosition(p positionPayload) (domain.BrokerPosition, error) {
	var pos domain.BrokerPosition
	var err error
	pos.Symbol = p.Symbol
	if pos.Quantity, err = parseDecimal(p.Qty, "qty"); err != nil {
		return pos, err
	}
	if pos.AvgPrice, err = parseDecimal(p.AvgEntryPrice, "avg_entry_price"); err != nil {
		return pos, err
	}
	if pos.CurrentPrice, err = parseDecimal(p.CurrentPrice, "current_price"); err != nil {
		return pos, err
	}
	if pos.MarketValue, err = parseDecimal(p.MarketValue, "market_value"); err != nil {
		return pos, err
	}
	return pos, nil
}

func mapOrder(p orderPayload) (*domain.BrokerOrder, error) {
	order := &domain.BrokerOrder{
		ID:            p.ID,
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          domain.OrderSide(p.Side),
		Status:        mapOrderStatus(p.Status),
		SubmittedAt:   p.SubmittedAt,
		FilledAt:      p.FilledAt,
	}
	var err error
	if order.Quantity, err = parseDecimal(p.Qty, "qty"); err != nil {
		return nil, err
	}
	if order.FilledQuantity, err = parseDecimal(p.FilledQty, "filled_qty"); err != nil {
		return nil, err
	}
	if p.FilledAvgPrice != nil {
		if order.FilledAvgPrice, err = parseDecimal(*p.FilledAvgPrice, "filled_avg_price"); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// mapOrderStatus folds the broker's many order states onto the
// engine's lifecycle. Unknown states map to submitted so polling keeps
// watching them instead of inventing an outcome.
func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "pending_cancel", "pending_replace":
		return domain.OrderStatusSubmitted
	case "partially_filled":
		return domain.OrderStatusPartial
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "stopped", "done_for_day":
		return domain.OrderStatusCanceled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusSubmitted
	}
}

func parseDecimal(raw, field string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, domain.E(domain.KindBrokerRejected, "broker sent unparseable %s %q", field, raw)
	}
	return d, nil
}
