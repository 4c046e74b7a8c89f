// Package marketdata is the single gateway for price data. It fronts
// the upstream providers with an ordered failover list, a shared
// response cache, per-provider rate limiters, and a memo for indicator
// values, so the rest of the system never talks to a provider client
// directly.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/origamihq/conductor/internal/calendar"
	"github.com/origamihq/conductor/internal/config"
	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/pkg/indicators"
)

// Interval selects the bar granularity of a historical request.
type Interval string

const (
	IntervalDaily Interval = "1d"
	Interval1Min  Interval = "1m"
	Interval5Min  Interval = "5m"
	IntervalHour  Interval = "1h"
)

// Intraday reports whether the interval is finer than one session.
func (i Interval) Intraday() bool {
	return i != IntervalDaily
}

// Provider is the upstream client contract. Both provider clients
// satisfy it with the same method set, so the facade treats them as an
// ordered failover list and nothing more.
type Provider interface {
	Name() string
	Quote(ctx context.Context, symbol string) (*domain.Quote, error)
	Historical(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error)
	Intraday(ctx context.Context, symbol, interval string) ([]domain.Bar, error)
	SearchSymbol(ctx context.Context, query string) ([]domain.SymbolMatch, error)
	Fundamentals(ctx context.Context, symbol string) (*domain.Fundamentals, error)
}

// Streamer is the optional live-quote feed a provider may expose.
// StreamQuotes blocks until the stream ends; any return is a cue to
// fall back to REST polling.
type Streamer interface {
	StreamQuotes(ctx context.Context, symbols []string, out chan<- domain.Quote) error
}

// ProviderUsage is one provider's call budget since the last rolling
// reset, exposed for the status endpoint.
type ProviderUsage struct {
	Provider string    `json:"provider"`
	Calls    int64     `json:"calls"`
	Errors   int64     `json:"errors"`
	Since    time.Time `json:"since"`
}

// CacheStats summarises facade cache effectiveness.
type CacheStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	ArchiveRows int   `json:"archive_rows"`
}

// MarketStatus describes the current trading session.
type MarketStatus struct {
	Open        bool      `json:"open"`
	SessionDate string    `json:"session_date"`
	Holiday     string    `json:"holiday,omitempty"`
	NextOpen    time.Time `json:"next_open"`
	NextClose   time.Time `json:"next_close"`
}

const (
	// defaultBatchLimit caps concurrent quote fan-out. The per-provider
	// limiters still pace the actual upstream calls under it.
	defaultBatchLimit = 8

	// memoCap bounds the indicator memo. Entries key on the series
	// head date so they go stale daily; the cap just stops a long
	// process from accumulating them forever.
	memoCap = 4096

	// usageWindow is the rolling reset period for budget counters.
	usageWindow = time.Minute
)

type memoEntry struct {
	value *float64
}

// Service is the market-data facade.
type Service struct {
	providers []Provider
	limiters  map[string]*rate.Limiter
	cache     Cache
	archive   *BarArchive
	streamer  Streamer
	cal       *calendar.Calendar
	cfg       *config.Config
	log       zerolog.Logger

	historyFrom time.Time
	batchLimit  int

	hits   atomic.Int64
	misses atomic.Int64

	usageMu sync.Mutex
	usage   map[string]*ProviderUsage

	memoMu sync.Mutex
	memo   map[string]memoEntry
}

// NewService wires the facade over an ordered provider list. Providers
// are tried in the order given; put the preferred source first.
func NewService(providers []Provider, cache Cache, cal *calendar.Calendar, cfg *config.Config, log zerolog.Logger) *Service {
	s := &Service{
		providers:  providers,
		limiters:   make(map[string]*rate.Limiter, len(providers)),
		cache:      cache,
		cal:        cal,
		cfg:        cfg,
		log:        log.With().Str("component", "marketdata").Logger(),
		batchLimit: defaultBatchLimit,
		usage:      make(map[string]*ProviderUsage),
		memo:       make(map[string]memoEntry),
	}
	for _, p := range providers {
		s.limiters[p.Name()] = newLimiter(p.Name(), cfg)
	}
	s.historyFrom = parseHistoryFrom(cfg.Providers.EODHDHistoryFrom)
	return s
}

// WithArchive attaches the persistent bar archive.
func (s *Service) WithArchive(archive *BarArchive) *Service {
	s.archive = archive
	return s
}

// WithStreamer attaches the live quote stream.
func (s *Service) WithStreamer(streamer Streamer) *Service {
	s.streamer = streamer
	return s
}

// newLimiter builds the pacing limiter for a provider. The quota
// budget (requests per day) stays with the client that owns it; the
// facade only spaces calls out.
func newLimiter(name string, cfg *config.Config) *rate.Limiter {
	switch name {
	case "eodhd":
		rps := cfg.Providers.EODHDRateLimit
		if rps <= 0 {
			rps = 20
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		return rate.NewLimiter(rate.Limit(rps), burst)
	case "alphavantage":
		perMin := cfg.Providers.AlphaVantageRatePerMin
		if perMin <= 0 {
			perMin = 5
		}
		return rate.NewLimiter(rate.Every(usageWindow/time.Duration(perMin)), 1)
	default:
		return rate.NewLimiter(rate.Limit(1), 1)
	}
}

func parseHistoryFrom(raw string) time.Time {
	from, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Date(2007, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return from
}

// Quote returns the latest quote for a symbol: cache first, then the
// provider list in order, first success wins. The winning provider is
// recorded in the quote's Source and the result written through to the
// cache.
func (s *Service) Quote(ctx context.Context, symbol string) (*domain.Quote, error) {
	sym := normalizeSymbol(symbol)
	key := quoteKey(sym)

	var cached domain.Quote
	if s.cacheGet(ctx, key, &cached) {
		s.hits.Add(1)
		return &cached, nil
	}
	s.misses.Add(1)

	var lastErr error
	for _, p := range s.providers {
		if err := s.wait(ctx, p.Name()); err != nil {
			return nil, domain.Wrap(domain.KindTimeout, err)
		}
		quote, err := p.Quote(ctx, sym)
		s.recordCall(p.Name(), err != nil)
		if err != nil {
			lastErr = err
			s.log.Debug().Err(err).Str("provider", p.Name()).Str("symbol", sym).Msg("Quote failed, trying next provider")
			continue
		}
		quote.Symbol = sym
		quote.Source = p.Name()
		s.cacheSet(ctx, key, quote, s.cfg.Cache.QuoteTTL)
		return quote, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return nil, domain.Wrap(domain.KindDataUnavailable, fmt.Errorf("quote for %s unavailable: %w", sym, lastErr))
}

// BatchQuotes fetches quotes for many symbols with bounded fan-out.
// Partial results are allowed: the map holds what succeeded and the
// slice names what did not, sorted.
func (s *Service) BatchQuotes(ctx context.Context, symbols []string) (map[string]*domain.Quote, []string, error) {
	quotes := make(map[string]*domain.Quote, len(symbols))
	var missing []string
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchLimit)
	for _, symbol := range symbols {
		sym := normalizeSymbol(symbol)
		g.Go(func() error {
			quote, err := s.Quote(gctx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				missing = append(missing, sym)
				return nil
			}
			quotes[sym] = quote
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return quotes, missing, domain.Wrap(domain.KindTimeout, err)
	}
	sort.Strings(missing)
	if len(missing) > 0 {
		s.log.Warn().Strs("symbols", missing).Msg("Batch quotes incomplete")
	}
	return quotes, missing, nil
}

// Historical returns bars for [start, end] at the given interval,
// oldest first. Daily series are fetched cache-wide (full history from
// the configured floor) and filtered locally, so every window length
// shares one cache entry; a sqlite archive backs the cache across
// restarts. Zero start or end leaves that bound open.
func (s *Service) Historical(ctx context.Context, symbol string, start, end time.Time, interval Interval) ([]domain.Bar, error) {
	sym := normalizeSymbol(symbol)
	if interval == "" {
		interval = IntervalDaily
	}

	bars, err := s.loadBars(ctx, sym, interval)
	if err != nil {
		return nil, err
	}
	return filterBars(bars, start, end), nil
}

// loadBars returns the full cached series for (symbol, interval),
// fetching from providers on a miss.
func (s *Service) loadBars(ctx context.Context, sym string, interval Interval) ([]domain.Bar, error) {
	key := barsKey(interval, sym)

	var cached []domain.Bar
	if s.cacheGet(ctx, key, &cached) {
		s.hits.Add(1)
		return cached, nil
	}
	s.misses.Add(1)

	if !interval.Intraday() && s.archive != nil {
		if bars, ok, err := s.archive.Load(sym, string(interval)); err != nil {
			s.log.Warn().Err(err).Str("symbol", sym).Msg("Bar archive read failed")
		} else if ok {
			s.cacheSet(ctx, key, bars, s.cfg.Cache.DailyTTL)
			return bars, nil
		}
	}

	var lastErr error
	for _, p := range s.providers {
		if err := s.wait(ctx, p.Name()); err != nil {
			return nil, domain.Wrap(domain.KindTimeout, err)
		}
		var bars []domain.Bar
		var err error
		if interval.Intraday() {
			bars, err = p.Intraday(ctx, sym, string(interval))
		} else {
			bars, err = p.Historical(ctx, sym, s.historyFrom, time.Now())
		}
		s.recordCall(p.Name(), err != nil)
		if err != nil {
			lastErr = err
			s.log.Debug().Err(err).Str("provider", p.Name()).Str("symbol", sym).Msg("History fetch failed, trying next provider")
			continue
		}
		sortBars(bars)
		if interval.Intraday() {
			s.cacheSet(ctx, key, bars, s.cfg.Cache.IntradayTTL)
		} else {
			s.cacheSet(ctx, key, bars, s.cfg.Cache.DailyTTL)
			if s.archive != nil {
				if err := s.archive.Store(sym, string(interval), bars, s.cfg.Cache.HistoricalTTL); err != nil {
					s.log.Warn().Err(err).Str("symbol", sym).Msg("Bar archive write failed")
				}
			}
		}
		return bars, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return nil, domain.Wrap(domain.KindDataUnavailable, fmt.Errorf("history for %s unavailable: %w", sym, lastErr))
}

// Indicators computes the named metric functions over the symbol's
// daily closes, all at one window. Values are memoised per
// (symbol, fn, window, series head) so repeated evaluations inside one
// session never recompute. Metrics that need a benchmark series are
// rejected here; the evaluator resolves those against its own
// snapshots.
func (s *Service) Indicators(ctx context.Context, symbol string, fns []string, window int) (map[string]*float64, error) {
	sym := normalizeSymbol(symbol)
	bars, err := s.loadBars(ctx, sym, IntervalDaily)
	if err != nil {
		return nil, err
	}
	closes := closesNewestFirst(bars)
	seriesID := seriesID(bars)

	out := make(map[string]*float64, len(fns))
	for _, fn := range fns {
		key := memoKey(sym, fn, window, seriesID)
		if entry, ok := s.memoGet(key); ok {
			out[fn] = entry.value
			continue
		}
		value, err := computeIndicator(fn, closes, window)
		if err != nil {
			return nil, err
		}
		s.memoSet(key, memoEntry{value: value})
		out[fn] = value
	}
	return out, nil
}

// computeIndicator dispatches a metric token to the indicator kernel.
func computeIndicator(fn string, closes []float64, window int) (*float64, error) {
	switch fn {
	case "current-price":
		if len(closes) == 0 {
			return nil, nil
		}
		price := closes[0]
		return &price, nil
	case "moving-average-price":
		return indicators.SMA(closes, window), nil
	case "exponential-moving-average-price":
		return indicators.EMA(closes, window), nil
	case "moving-average-return":
		return indicators.MovingAverageReturn(closes, window), nil
	case "relative-strength-index":
		return indicators.RSI(closes, window), nil
	case "standard-deviation-price":
		return indicators.StdevPrice(closes, window), nil
	case "standard-deviation-return":
		return indicators.StdevReturn(closes, window), nil
	case "volatility":
		return indicators.Volatility(closes, window), nil
	case "max-drawdown":
		return indicators.MaxDrawdown(closes, window), nil
	case "cumulative-return":
		return indicators.CumulativeReturn(closes, window), nil
	case "sharpe-ratio":
		return indicators.Sharpe(closes, window, 0.02), nil
	case "beta", "alpha", "correlation":
		return nil, fmt.Errorf("indicator %s requires a benchmark series", fn)
	default:
		return nil, fmt.Errorf("unknown indicator %s", fn)
	}
}

// Warmup pre-populates quote and daily-bar caches for the given
// symbols and returns how many heated fully. It runs at T-5 before the
// evaluation window so the window itself starts hot. Symbols that could
// not be warmed are reported in one DataUnavailable error; the window
// still runs, those tickers just fetch cold.
func (s *Service) Warmup(ctx context.Context, symbols []string) (int, error) {
	var failed []string
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchLimit)
	for _, symbol := range symbols {
		sym := normalizeSymbol(symbol)
		g.Go(func() error {
			_, histErr := s.Historical(gctx, sym, time.Time{}, time.Time{}, IntervalDaily)
			_, quoteErr := s.Quote(gctx, sym)
			if histErr != nil || quoteErr != nil {
				mu.Lock()
				failed = append(failed, sym)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	warmed := len(symbols) - len(failed)
	if err := ctx.Err(); err != nil {
		return warmed, domain.Wrap(domain.KindTimeout, err)
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return warmed, domain.E(domain.KindDataUnavailable, "warmup incomplete for %s", strings.Join(failed, ", "))
	}
	s.log.Info().Int("symbols", len(symbols)).Msg("Warmup complete")
	return warmed, nil
}

// SearchSymbol resolves a free-text query to candidate symbols using
// the provider list in order.
func (s *Service) SearchSymbol(ctx context.Context, query string) ([]domain.SymbolMatch, error) {
	var lastErr error
	for _, p := range s.providers {
		if err := s.wait(ctx, p.Name()); err != nil {
			return nil, domain.Wrap(domain.KindTimeout, err)
		}
		matches, err := p.SearchSymbol(ctx, query)
		s.recordCall(p.Name(), err != nil)
		if err != nil {
			lastErr = err
			continue
		}
		return matches, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return nil, domain.Wrap(domain.KindDataUnavailable, fmt.Errorf("symbol search for %q unavailable: %w", query, lastErr))
}

// Fundamentals returns company fundamentals, cached for the configured
// fundamentals TTL.
func (s *Service) Fundamentals(ctx context.Context, symbol string) (*domain.Fundamentals, error) {
	sym := normalizeSymbol(symbol)
	key := fundamentalsKey(sym)

	var cached domain.Fundamentals
	if s.cacheGet(ctx, key, &cached) {
		s.hits.Add(1)
		return &cached, nil
	}
	s.misses.Add(1)

	var lastErr error
	for _, p := range s.providers {
		if err := s.wait(ctx, p.Name()); err != nil {
			return nil, domain.Wrap(domain.KindTimeout, err)
		}
		f, err := p.Fundamentals(ctx, sym)
		s.recordCall(p.Name(), err != nil)
		if err != nil {
			lastErr = err
			continue
		}
		f.Symbol = sym
		s.cacheSet(ctx, key, f, s.cfg.Cache.FundamentalsTTL)
		return f, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return nil, domain.Wrap(domain.KindDataUnavailable, fmt.Errorf("fundamentals for %s unavailable: %w", sym, lastErr))
}

// StreamQuotes emits quote refreshes for the symbols until ctx ends.
// It prefers the provider stream; when no stream is configured or the
// stream drops, it degrades to REST polling at the given cadence.
// Every emitted quote is also written through to the quote cache so
// concurrent Quote callers see fresh marks.
func (s *Service) StreamQuotes(ctx context.Context, symbols []string, poll time.Duration) <-chan domain.Quote {
	out := make(chan domain.Quote, len(symbols))
	go func() {
		defer close(out)
		if s.streamer != nil {
			s.relayStream(ctx, symbols, out)
			if ctx.Err() != nil {
				return
			}
		}
		s.pollQuotes(ctx, symbols, poll, out)
	}()
	return out
}

// relayStream forwards stream ticks to out until the stream ends.
func (s *Service) relayStream(ctx context.Context, symbols []string, out chan<- domain.Quote) {
	ticks := make(chan domain.Quote, len(symbols))
	done := make(chan error, 1)
	go func() {
		done <- s.streamer.StreamQuotes(ctx, symbols, ticks)
	}()
	for {
		select {
		case quote := <-ticks:
			quote.Symbol = normalizeSymbol(quote.Symbol)
			s.cacheSet(ctx, quoteKey(quote.Symbol), &quote, s.cfg.Cache.QuoteTTL)
			select {
			case out <- quote:
			case <-ctx.Done():
				return
			}
		case err := <-done:
			if ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("Quote stream ended, degrading to polling")
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// pollQuotes refreshes marks over REST at a fixed cadence.
func (s *Service) pollQuotes(ctx context.Context, symbols []string, poll time.Duration, out chan<- domain.Quote) {
	if poll <= 0 {
		poll = 15 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols {
				quote, err := s.Quote(ctx, symbol)
				if err != nil {
					continue
				}
				select {
				case out <- *quote:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// MarketStatus reports whether the exchange is open at the given
// instant and when the session boundaries fall.
func (s *Service) MarketStatus(now time.Time) MarketStatus {
	status := MarketStatus{SessionDate: s.cal.SessionDate(now)}
	if name, ok := s.cal.HolidayName(now); ok {
		status.Holiday = name
	}

	open, hasOpen := s.cal.SessionOpen(now)
	closeAt, hasClose := s.cal.SessionClose(now)
	if hasOpen && hasClose {
		status.Open = !now.Before(open) && now.Before(closeAt)
		status.NextClose = closeAt
	}

	switch {
	case hasOpen && now.Before(open):
		status.NextOpen = open
	default:
		next := s.cal.NextTradingDay(now)
		nextOpen, _ := s.cal.SessionOpen(next)
		status.NextOpen = nextOpen
	}
	return status
}

// Usage returns per-provider call counts since each provider's rolling
// reset, ordered by provider name.
func (s *Service) Usage() []ProviderUsage {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	out := make([]ProviderUsage, 0, len(s.usage))
	for _, u := range s.usage {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Stats returns cache hit/miss counters and the archive row count.
func (s *Service) Stats() CacheStats {
	stats := CacheStats{Hits: s.hits.Load(), Misses: s.misses.Load()}
	if s.archive != nil {
		if n, err := s.archive.Count(); err == nil {
			stats.ArchiveRows = n
		}
	}
	return stats
}

// wait blocks on the provider's pacing limiter.
func (s *Service) wait(ctx context.Context, provider string) error {
	limiter, ok := s.limiters[provider]
	if !ok {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait for %s aborted: %w", provider, err)
	}
	return nil
}

// recordCall bumps the provider's usage counters, resetting the window
// once it ages past the rolling period.
func (s *Service) recordCall(provider string, failed bool) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	u := s.usage[provider]
	if u == nil || time.Since(u.Since) > usageWindow {
		u = &ProviderUsage{Provider: provider, Since: time.Now()}
		s.usage[provider] = u
	}
	u.Calls++
	if failed {
		u.Errors++
	}
}

// cacheGet loads and decodes a cached value. Cache trouble is treated
// as a miss so a flaky redis never takes quotes down.
func (s *Service) cacheGet(ctx context.Context, key string, dst interface{}) bool {
	if s.cache == nil {
		return false
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		return false
	}
	if raw == nil {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Cache entry corrupt, ignoring")
		return false
	}
	return true
}

func (s *Service) cacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Cache encode failed")
		return
	}
	if err := s.cache.Set(ctx, key, raw, ttl); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

func (s *Service) memoGet(key string) (memoEntry, bool) {
	s.memoMu.Lock()
	defer s.memoMu.Unlock()
	entry, ok := s.memo[key]
	return entry, ok
}

func (s *Service) memoSet(key string, entry memoEntry) {
	s.memoMu.Lock()
	defer s.memoMu.Unlock()
	if len(s.memo) >= memoCap {
		s.memo = make(map[string]memoEntry)
	}
	s.memo[key] = entry
}

func quoteKey(sym string) string        { return "md:quote:" + sym }
func fundamentalsKey(sym string) string { return "md:fundamentals:" + sym }

func barsKey(interval Interval, sym string) string {
	return "md:bars:" + string(interval) + ":" + sym
}

func memoKey(sym, fn string, window int, seriesID string) string {
	return fmt.Sprintf("%s|%s|%d|%s", sym, fn, window, seriesID)
}

// seriesID fingerprints a bar series for memo keys: the head date plus
// the length changes whenever a new session lands.
func seriesID(bars []domain.Bar) string {
	if len(bars) == 0 {
		return "empty"
	}
	last := bars[len(bars)-1]
	return fmt.Sprintf("%s#%d", last.Time.Format("2006-01-02"), len(bars))
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// sortBars orders bars oldest first.
func sortBars(bars []domain.Bar) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
}

// filterBars keeps bars within [start, end] inclusive. A zero bound is
// open on that side.
func filterBars(bars []domain.Bar, start, end time.Time) []domain.Bar {
	out := make([]domain.Bar, 0, len(bars))
	for _, bar := range bars {
		if !start.IsZero() && bar.Time.Before(start) {
			continue
		}
		if !end.IsZero() && bar.Time.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out
}

// closesNewestFirst extracts the close series the indicator kernel
// expects: adjusted closes, latest observation first.
func closesNewestFirst(bars []domain.Bar) []float64 {
	closes := make([]float64, 0, len(bars))
	for i := len(bars) - 1; i >= 0; i-- {
		c := bars[i].AdjClose
		if c == 0 {
			c = bars[i].Close
		}
		closes = append(closes, c)
	}
	return closes
}
