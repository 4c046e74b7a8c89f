// Package eodhd implements the deep-history market data client. The
// provider serves daily bars back to 2007, real-time quotes, intraday
// bars, symbol search, and fundamentals. Tickers are suffixed with the
// exchange code the provider expects; bare US symbols get ".US".
package eodhd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/domain"
)

// ProviderName tags quotes and usage entries produced by this client.
const ProviderName = "eodhd"

// ErrSymbolNotFound is returned when the provider does not know a symbol.
type ErrSymbolNotFound struct {
	Symbol string
}

func (e ErrSymbolNotFound) Error() string {
	return fmt.Sprintf("symbol %s not found", e.Symbol)
}

// ErrAuthFailed is returned on credential rejection.
type ErrAuthFailed struct{}

func (e ErrAuthFailed) Error() string {
	return "api token rejected"
}

// Client talks to an EODHD-compatible HTTP API.
type Client struct {
	apiKey string
	http   *resty.Client
	log    zerolog.Logger
}

// NewClient creates a client against the given base URL, normally
// "https://eodhd.com/api".
func NewClient(baseURL, apiKey string, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{
		apiKey: apiKey,
		http:   httpClient,
		log:    log.With().Str("client", ProviderName).Logger(),
	}
}

// Name identifies the provider in facade failover and usage tracking.
func (c *Client) Name() string {
	return ProviderName
}

// Quote fetches the latest real-time quote.
func (c *Client) Quote(ctx context.Context, symbol string) (*domain.Quote, error) {
	body, err := c.get(ctx, "/real-time/"+qualify(symbol), map[string]string{"fmt": "json"})
	if err != nil {
		return nil, err
	}
	quote, err := parseRealTimeQuote(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse quote for %s: %w", symbol, err)
	}
	quote.Symbol = strings.ToUpper(symbol)
	quote.Source = ProviderName
	return quote, nil
}

// Historical fetches daily bars for [from, to], oldest first.
func (c *Client) Historical(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	params := map[string]string{
		"fmt":    "json",
		"period": "d",
		"from":   from.Format("2006-01-02"),
		"to":     to.Format("2006-01-02"),
	}
	body, err := c.get(ctx, "/eod/"+qualify(symbol), params)
	if err != nil {
		return nil, err
	}
	bars, err := parseDailyBars(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse daily bars for %s: %w", symbol, err)
	}
	return bars, nil
}

// Intraday fetches recent intraday bars at the given interval ("1m",
// "5m", "1h"), oldest first.
func (c *Client) Intraday(ctx context.Context, symbol, interval string) ([]domain.Bar, error) {
	params := map[string]string{
		"fmt":      "json",
		"interval": interval,
	}
	body, err := c.get(ctx, "/intraday/"+qualify(symbol), params)
	if err != nil {
		return nil, err
	}
	bars, err := parseIntradayBars(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse intraday bars for %s: %w", symbol, err)
	}
	return bars, nil
}

// SearchSymbol looks up symbols matching a free-text query.
func (c *Client) SearchSymbol(ctx context.Context, query string) ([]domain.SymbolMatch, error) {
	body, err := c.get(ctx, "/search/"+query, map[string]string{"fmt": "json"})
	if err != nil {
		return nil, err
	}
	matches, err := parseSearchResults(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results for %q: %w", query, err)
	}
	return matches, nil
}

// Fundamentals fetches company basics, primarily market capitalization.
func (c *Client) Fundamentals(ctx context.Context, symbol string) (*domain.Fundamentals, error) {
	params := map[string]string{"filter": "General,Highlights"}
	body, err := c.get(ctx, "/fundamentals/"+qualify(symbol), params)
	if err != nil {
		return nil, err
	}
	f, err := parseFundamentals(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fundamentals for %s: %w", symbol, err)
	}
	f.Symbol = strings.ToUpper(symbol)
	f.AsOf = time.Now()
	return f, nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("api_token", c.apiKey)
	for k, v := range params {
		req.SetQueryParam(k, v)
	}

	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return nil, ErrAuthFailed{}
	case resp.StatusCode() == http.StatusNotFound:
		return nil, ErrSymbolNotFound{Symbol: strings.TrimPrefix(path, "/")}
	case resp.IsError():
		return nil, fmt.Errorf("api returned status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

// qualify appends the default US exchange suffix to bare tickers.
func qualify(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(s, ".") {
		return s
	}
	return s + ".US"
}

type realTimeQuote struct {
	Code          string  `json:"code"`
	Timestamp     int64   `json:"timestamp"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        int64   `json:"volume"`
	PreviousClose float64 `json:"previousClose"`
	Change        float64 `json:"change"`
	ChangePct     float64 `json:"change_p"`
}

func parseRealTimeQuote(body []byte) (*domain.Quote, error) {
	var raw realTimeQuote
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if raw.Close == 0 && raw.Timestamp == 0 {
		return nil, fmt.Errorf("empty quote payload")
	}
	return &domain.Quote{
		Price:     raw.Close,
		PrevClose: raw.PreviousClose,
		Change:    raw.Change,
		ChangePct: raw.ChangePct,
		Volume:    raw.Volume,
		Timestamp: time.Unix(raw.Timestamp, 0).UTC(),
	}, nil
}

type dailyBar struct {
	Date     string  `json:"date"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	AdjClose float64 `json:"adjusted_close"`
	Volume   int64   `json:"volume"`
}

func parseDailyBars(body []byte) ([]domain.Bar, error) {
	var raw []dailyBar
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(raw))
	for _, b := range raw {
		day, err := time.Parse("2006-01-02", b.Date)
		if err != nil {
			continue
		}
		adj := b.AdjClose
		if adj == 0 {
			adj = b.Close
		}
		bars = append(bars, domain.Bar{
			Time:     day.UTC(),
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			AdjClose: adj,
			Volume:   b.Volume,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

type intradayBar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
}

func parseIntradayBars(body []byte) ([]domain.Bar, error) {
	var raw []intradayBar
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(raw))
	for _, b := range raw {
		if b.Timestamp == 0 {
			continue
		}
		bars = append(bars, domain.Bar{
			Time:     time.Unix(b.Timestamp, 0).UTC(),
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			AdjClose: b.Close,
			Volume:   b.Volume,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

type searchResult struct {
	Code          string  `json:"Code"`
	Exchange      string  `json:"Exchange"`
	Name          string  `json:"Name"`
	Type          string  `json:"Type"`
	Currency      string  `json:"Currency"`
	PreviousClose float64 `json:"previousClose"`
}

func parseSearchResults(body []byte) ([]domain.SymbolMatch, error) {
	var raw []searchResult
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	matches := make([]domain.SymbolMatch, 0, len(raw))
	for i, r := range raw {
		if r.Code == "" {
			continue
		}
		matches = append(matches, domain.SymbolMatch{
			Symbol:   r.Code,
			Name:     r.Name,
			Exchange: r.Exchange,
			Type:     r.Type,
			Currency: r.Currency,
			// The provider returns results best-first without a score.
			Score: 1 - float64(i)/float64(len(raw)),
		})
	}
	return matches, nil
}

type fundamentalsPayload struct {
	General struct {
		Code     string `json:"Code"`
		Name     string `json:"Name"`
		Exchange string `json:"Exchange"`
		Sector   string `json:"Sector"`
	} `json:"General"`
	Highlights struct {
		MarketCapitalization float64 `json:"MarketCapitalization"`
	} `json:"Highlights"`
}

func parseFundamentals(body []byte) (*domain.Fundamentals, error) {
	var raw fundamentalsPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if raw.General.Code == "" {
		return nil, fmt.Errorf("empty fundamentals payload")
	}
	return &domain.Fundamentals{
		Name:      raw.General.Name,
		Exchange:  raw.General.Exchange,
		Sector:    raw.General.Sector,
		MarketCap: raw.Highlights.MarketCapitalization,
	}, nil
}
