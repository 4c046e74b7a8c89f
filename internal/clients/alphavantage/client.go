// Package alphavantage implements the intraday-focused market data
// client. The provider is generous with coverage but stingy with
// quota: the free tier allows 25 requests per day, so every response
// is cached client-side and the daily budget is enforced before any
// request leaves the process.
package alphavantage

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/domain"
)

// ProviderName tags quotes and usage entries produced by this client.
const ProviderName = "alphavantage"

const (
	defaultBaseURL     = "https://www.alphavantage.co"
	dailyRequestBudget = 25
)

// ErrRateLimitExceeded is returned when the daily request budget is
// spent or the API reports throttling.
type ErrRateLimitExceeded struct{}

func (e ErrRateLimitExceeded) Error() string {
	return "api rate limit exceeded"
}

// ErrInvalidAPIKey is returned on credential rejection.
type ErrInvalidAPIKey struct{}

func (e ErrInvalidAPIKey) Error() string {
	return "invalid api key"
}

// ErrSymbolNotFound is returned when a symbol yields no data.
type ErrSymbolNotFound struct {
	Symbol string
}

func (e ErrSymbolNotFound) Error() string {
	return fmt.Sprintf("symbol %s not found", e.Symbol)
}

// CacheTTL configures how long each response category stays cached.
type CacheTTL struct {
	Quotes       time.Duration
	Daily        time.Duration
	Intraday     time.Duration
	Search       time.Duration
	Fundamentals time.Duration
}

// DefaultCacheTTL returns the production TTL ladder. Quotes stay short,
// fundamentals barely move.
func DefaultCacheTTL() CacheTTL {
	return CacheTTL{
		Quotes:       15 * time.Minute,
		Daily:        1 * time.Hour,
		Intraday:     5 * time.Minute,
		Search:       24 * time.Hour,
		Fundamentals: 24 * time.Hour,
	}
}

// ClientInterface is the provider-facing contract of this package.
type ClientInterface interface {
	Name() string
	Quote(ctx context.Context, symbol string) (*domain.Quote, error)
	Historical(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error)
	Intraday(ctx context.Context, symbol, interval string) ([]domain.Bar, error)
	SearchSymbol(ctx context.Context, query string) ([]domain.SymbolMatch, error)
	Fundamentals(ctx context.Context, symbol string) (*domain.Fundamentals, error)
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// Client talks to an Alpha Vantage-compatible HTTP API.
type Client struct {
	apiKey    string
	http      *resty.Client
	streamURL string
	log       zerolog.Logger

	mu           sync.Mutex
	requestCount int
	resetAt      time.Time

	cacheMu  sync.RWMutex
	cache    map[string]cacheEntry
	cacheTTL CacheTTL
}

// NewClient creates a client against the public API endpoint. Use
// SetBaseURL to point it elsewhere.
func NewClient(apiKey string, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(defaultBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{
		apiKey:   apiKey,
		http:     httpClient,
		log:      log.With().Str("client", ProviderName).Logger(),
		resetAt:  nextMidnightUTC(),
		cache:    make(map[string]cacheEntry),
		cacheTTL: DefaultCacheTTL(),
	}
}

// SetBaseURL points the client at a different API endpoint.
func (c *Client) SetBaseURL(url string) *Client {
	c.http.SetBaseURL(url)
	return c
}

// SetStreamURL configures the websocket quote stream endpoint. An empty
// URL disables streaming.
func (c *Client) SetStreamURL(url string) *Client {
	c.streamURL = url
	return c
}

// SetCacheTTL overrides the response cache TTL ladder.
func (c *Client) SetCacheTTL(ttl CacheTTL) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cacheTTL = ttl
}

// Name identifies the provider in facade failover and usage tracking.
func (c *Client) Name() string {
	return ProviderName
}

// Quote fetches the latest global quote.
func (c *Client) Quote(ctx context.Context, symbol string) (*domain.Quote, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	body, err := c.request(ctx, "GLOBAL_QUOTE", map[string]string{"symbol": sym}, c.ttl().Quotes)
	if err != nil {
		return nil, err
	}
	gq, err := parseGlobalQuote(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse quote for %s: %w", sym, err)
	}
	if gq.Symbol == "" {
		return nil, ErrSymbolNotFound{Symbol: sym}
	}
	return &domain.Quote{
		Symbol:    sym,
		Price:     gq.Price,
		PrevClose: gq.PreviousClose,
		Change:    gq.Change,
		ChangePct: gq.ChangePercent,
		Volume:    gq.Volume,
		Timestamp: gq.LatestTradingDay,
		Source:    ProviderName,
	}, nil
}

// Historical fetches daily bars and trims them to [from, to], oldest
// first. Ranges older than the compact window request the full series.
func (c *Client) Historical(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	outputSize := "compact"
	if time.Since(from) > 90*24*time.Hour {
		outputSize = "full"
	}
	params := map[string]string{"symbol": sym, "outputsize": outputSize}
	body, err := c.request(ctx, "TIME_SERIES_DAILY", params, c.ttl().Daily)
	if err != nil {
		return nil, err
	}
	prices, err := parseDailyTimeSeries(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse daily series for %s: %w", sym, err)
	}
	if len(prices) == 0 {
		return nil, ErrSymbolNotFound{Symbol: sym}
	}

	bars := make([]domain.Bar, 0, len(prices))
	for _, p := range prices {
		if p.Date.Before(from) || p.Date.After(to) {
			continue
		}
		adj := p.AdjClose
		if adj == 0 {
			adj = p.Close
		}
		bars = append(bars, domain.Bar{
			Time:     p.Date,
			Open:     p.Open,
			High:     p.High,
			Low:      p.Low,
			Close:    p.Close,
			AdjClose: adj,
			Volume:   p.Volume,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

// Intraday fetches recent intraday bars at the given interval ("1m",
// "5m", "1h"), oldest first.
func (c *Client) Intraday(ctx context.Context, symbol, interval string) ([]domain.Bar, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	params := map[string]string{"symbol": sym, "interval": apiInterval(interval)}
	body, err := c.request(ctx, "TIME_SERIES_INTRADAY", params, c.ttl().Intraday)
	if err != nil {
		return nil, err
	}
	points, err := parseIntradayTimeSeries(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse intraday series for %s: %w", sym, err)
	}
	bars := make([]domain.Bar, 0, len(points))
	for _, p := range points {
		bars = append(bars, domain.Bar{
			Time:     p.Time,
			Open:     p.Open,
			High:     p.High,
			Low:      p.Low,
			Close:    p.Close,
			AdjClose: p.Close,
			Volume:   p.Volume,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

// SearchSymbol looks up symbols matching a free-text query.
func (c *Client) SearchSymbol(ctx context.Context, query string) ([]domain.SymbolMatch, error) {
	body, err := c.request(ctx, "SYMBOL_SEARCH", map[string]string{"keywords": query}, c.ttl().Search)
	if err != nil {
		return nil, err
	}
	raw, err := parseSymbolSearch(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results for %q: %w", query, err)
	}
	matches := make([]domain.SymbolMatch, 0, len(raw))
	for _, m := range raw {
		matches = append(matches, domain.SymbolMatch{
			Symbol:   m.Symbol,
			Name:     m.Name,
			Exchange: m.Region,
			Type:     m.Type,
			Currency: m.Currency,
			Score:    m.MatchScore,
		})
	}
	return matches, nil
}

// Fundamentals fetches the company overview.
func (c *Client) Fundamentals(ctx context.Context, symbol string) (*domain.Fundamentals, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	body, err := c.request(ctx, "OVERVIEW", map[string]string{"symbol": sym}, c.ttl().Fundamentals)
	if err != nil {
		return nil, err
	}
	overview, err := parseCompanyOverview(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse overview for %s: %w", sym, err)
	}
	if overview.Symbol == "" {
		return nil, ErrSymbolNotFound{Symbol: sym}
	}
	return &domain.Fundamentals{
		Symbol:    sym,
		Name:      overview.Name,
		Exchange:  overview.Exchange,
		Sector:    overview.Sector,
		MarketCap: float64(overview.MarketCapitalization),
		AsOf:      time.Now(),
	}, nil
}

// request performs one cached API call. Cache hits do not consume the
// daily budget.
func (c *Client) request(ctx context.Context, function string, params map[string]string, ttl time.Duration) ([]byte, error) {
	key := buildCacheKey(function, params)
	if cached, ok := c.getFromCache(key); ok {
		if body, ok := cached.([]byte); ok {
			return body, nil
		}
	}

	if err := c.checkRateLimit(); err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("function", function).
		SetQueryParam("apikey", c.apiKey)
	for k, v := range params {
		req.SetQueryParam(k, v)
	}

	resp, err := req.Get("/query")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return nil, ErrInvalidAPIKey{}
	}
	if resp.IsError() {
		return nil, fmt.Errorf("api returned status %d", resp.StatusCode())
	}

	body := resp.Body()
	if err := c.checkAPIError(body); err != nil {
		return nil, err
	}

	c.setCache(key, body, ttl)
	return body, nil
}

// checkRateLimit consumes one request from the daily budget.
func (c *Client) checkRateLimit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Now().UTC().After(c.resetAt) {
		c.requestCount = 0
		c.resetAt = nextMidnightUTC()
	}
	if c.requestCount >= dailyRequestBudget {
		return ErrRateLimitExceeded{}
	}
	c.requestCount++
	return nil
}

// GetRemainingRequests reports how much of today's budget is left.
func (c *Client) GetRemainingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Now().UTC().After(c.resetAt) {
		return dailyRequestBudget
	}
	return dailyRequestBudget - c.requestCount
}

// ResetDailyCounter zeroes the budget counter, normally at UTC midnight.
func (c *Client) ResetDailyCounter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestCount = 0
	c.resetAt = nextMidnightUTC()
	c.log.Debug().Msg("Daily request counter reset")
}

// checkAPIError detects the provider's in-band error payloads: the API
// answers 200 with a "Note" when throttling and an "Error Message" for
// bad requests.
func (c *Client) checkAPIError(body []byte) error {
	s := string(body)
	if strings.Contains(s, "Thank you for using Alpha Vantage") {
		return ErrRateLimitExceeded{}
	}
	if strings.Contains(s, `"Note"`) || strings.Contains(s, `"Information"`) {
		return ErrRateLimitExceeded{}
	}
	if strings.Contains(s, `"Error Message"`) {
		return fmt.Errorf("api error: %s", truncate(s, 200))
	}
	return nil
}

func (c *Client) ttl() CacheTTL {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return c.cacheTTL
}

func (c *Client) setCache(key string, value interface{}, ttl time.Duration) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

func (c *Client) getFromCache(key string) (interface{}, bool) {
	c.cacheMu.RLock()
	entry, ok := c.cache[key]
	c.cacheMu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

// ClearCache drops every cached response.
func (c *Client) ClearCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

// buildCacheKey derives a stable cache key from the function and its
// parameters. The api key never becomes part of a cache key.
func buildCacheKey(function string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "apikey" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(function)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
	}
	return b.String()
}

// apiInterval maps the engine's interval tokens to the provider's.
func apiInterval(interval string) string {
	switch interval {
	case "1m":
		return "1min"
	case "15m":
		return "15min"
	case "30m":
		return "30min"
	case "1h":
		return "60min"
	default:
		return "5min"
	}
}

func nextMidnightUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
