package alphavantage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/origamihq/conductor/internal/domain"
)

// ErrStreamDisabled is returned by StreamQuotes when no stream endpoint
// is configured. Callers degrade to REST polling.
type ErrStreamDisabled struct{}

func (e ErrStreamDisabled) Error() string {
	return "quote stream is not configured"
}

type streamSubscribe struct {
	Action  string `json:"action"`
	APIKey  string `json:"apikey"`
	Symbols string `json:"symbols"`
}

type streamTick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_percent"`
	Volume    int64   `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

// StreamQuotes subscribes to the websocket quote stream and forwards
// ticks until the context ends or the connection drops. It returns the
// terminating error; callers treat any return as a cue to fall back to
// REST polling. Stream quotes do not consume the daily request budget.
func (c *Client) StreamQuotes(ctx context.Context, symbols []string, out chan<- domain.Quote) error {
	if c.streamURL == "" {
		return ErrStreamDisabled{}
	}

	conn, _, err := websocket.Dial(ctx, c.streamURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial quote stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sub := streamSubscribe{
		Action:  "subscribe",
		APIKey:  c.apiKey,
		Symbols: strings.Join(symbols, ","),
	}
	if err := wsjson.Write(ctx, conn, sub); err != nil {
		return fmt.Errorf("failed to subscribe to quote stream: %w", err)
	}
	c.log.Info().Int("symbols", len(symbols)).Msg("Quote stream subscribed")

	for {
		var tick streamTick
		if err := wsjson.Read(ctx, conn, &tick); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("quote stream read failed: %w", err)
		}
		if tick.Symbol == "" {
			continue
		}

		quote := domain.Quote{
			Symbol:    strings.ToUpper(tick.Symbol),
			Price:     tick.Price,
			Change:    tick.Change,
			ChangePct: tick.ChangePct,
			Volume:    tick.Volume,
			Timestamp: time.Unix(tick.Timestamp, 0).UTC(),
			Source:    ProviderName + "-stream",
		}
		select {
		case out <- quote:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
