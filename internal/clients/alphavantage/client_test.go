package alphavantage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewClient tests client creation.
func TestNewClient(t *testing.T) {
	client := NewClient("test-key", zerolog.Nop())

	assert.NotNil(t, client)
	assert.Equal(t, "test-key", client.apiKey)
	assert.Equal(t, 25, client.GetRemainingRequests())
}

// TestRateLimiting tests the daily budget enforcement.
func TestRateLimiting(t *testing.T) {
	client := NewClient("test-key", zerolog.Nop())

	for i := 0; i < 25; i++ {
		remaining := client.GetRemainingRequests()
		assert.Equal(t, 25-i, remaining)
		err := client.checkRateLimit()
		require.NoError(t, err)
	}

	err := client.checkRateLimit()
	assert.Error(t, err)
	assert.IsType(t, ErrRateLimitExceeded{}, err)
}

// TestResetDailyCounter tests counter reset.
func TestResetDailyCounter(t *testing.T) {
	client := NewClient("test-key", zerolog.Nop())

	for i := 0; i < 10; i++ {
		_ = client.checkRateLimit()
	}
	assert.Equal(t, 15, client.GetRemainingRequests())

	client.ResetDailyCounter()
	assert.Equal(t, 25, client.GetRemainingRequests())
}

// TestCaching tests the response cache.
func TestCaching(t *testing.T) {
	client := NewClient("test-key", zerolog.Nop())

	testData := "test data"
	client.setCache("test-key", testData, time.Hour)

	cached, ok := client.getFromCache("test-key")
	assert.True(t, ok)
	assert.Equal(t, testData, cached)

	_, ok = client.getFromCache("non-existent")
	assert.False(t, ok)
}

// TestCacheExpiration tests cache expiration.
func TestCacheExpiration(t *testing.T) {
	client := NewClient("test-key", zerolog.Nop())

	client.setCache("test-key", "test data", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := client.getFromCache("test-key")
	assert.False(t, ok)
}

// TestClearCache tests cache clearing.
func TestClearCache(t *testing.T) {
	client := NewClient("test-key", zerolog.Nop())

	client.setCache("key1", "data1", time.Hour)
	client.setCache("key2", "data2", time.Hour)

	client.ClearCache()

	_, ok1 := client.getFromCache("key1")
	_, ok2 := client.getFromCache("key2")
	assert.False(t, ok1)
	assert.False(t, ok2)
}

// TestBuildCacheKey tests cache key generation.
func TestBuildCacheKey(t *testing.T) {
	tests := []struct {
		name     string
		function string
		params   map[string]string
	}{
		{
			name:     "Simple function",
			function: "OVERVIEW",
			params:   map[string]string{"symbol": "IBM"},
		},
		{
			name:     "Multiple params",
			function: "TIME_SERIES_DAILY",
			params: map[string]string{
				"symbol":     "AAPL",
				"outputsize": "full",
			},
		},
		{
			name:     "With apikey excluded",
			function: "GLOBAL_QUOTE",
			params: map[string]string{
				"symbol": "MSFT",
				"apikey": "secret",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := buildCacheKey(tt.function, tt.params)
			assert.Contains(t, key, tt.function)
			assert.NotContains(t, key, "apikey=")
			assert.NotContains(t, key, "secret")
		})
	}
}

// TestBuildCacheKeyDeterministic verifies param order does not change keys.
func TestBuildCacheKeyDeterministic(t *testing.T) {
	a := buildCacheKey("TIME_SERIES_DAILY", map[string]string{"symbol": "SPY", "outputsize": "full"})
	b := buildCacheKey("TIME_SERIES_DAILY", map[string]string{"outputsize": "full", "symbol": "SPY"})
	assert.Equal(t, a, b)
}

// TestParseFloat64 tests float parsing.
func TestParseFloat64(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
	}{
		{"123.45", 123.45},
		{"0", 0},
		{"None", 0},
		{"", 0},
		{"null", 0},
		{"-", 0},
		{"50.5%", 50.5},
		{"invalid", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseFloat64(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

// TestParseFloat64Ptr tests nullable float parsing.
func TestParseFloat64Ptr(t *testing.T) {
	tests := []struct {
		input    string
		isNil    bool
		expected float64
	}{
		{"123.45", false, 123.45},
		{"None", true, 0},
		{"", true, 0},
		{"null", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseFloat64Ptr(tt.input)
			if tt.isNil {
				assert.Nil(t, result)
			} else {
				require.NotNil(t, result)
				assert.Equal(t, tt.expected, *result)
			}
		})
	}
}

// TestParseInt64 tests integer parsing.
func TestParseInt64(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"12345", 12345},
		{"0", 0},
		{"None", 0},
		{"", 0},
		{"1.5E10", 15000000000},
		{"123.45", 123},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseInt64(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

// TestParseDate tests date parsing.
func TestParseDate(t *testing.T) {
	tests := []struct {
		input string
		year  int
		month time.Month
		day   int
	}{
		{"2024-01-15", 2024, time.January, 15},
		{"2023-12-31", 2023, time.December, 31},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseDate(tt.input)
			assert.Equal(t, tt.year, result.Year())
			assert.Equal(t, tt.month, result.Month())
			assert.Equal(t, tt.day, result.Day())
		})
	}
}

// TestParseDateTime tests datetime parsing.
func TestParseDateTime(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"2024-01-15 14:30:00", true},
		{"2024-01-15", true},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseDateTime(tt.input)
			if tt.expected {
				assert.False(t, result.IsZero())
			} else {
				assert.True(t, result.IsZero())
			}
		})
	}
}

// TestParseDailyTimeSeries tests daily time series parsing.
func TestParseDailyTimeSeries(t *testing.T) {
	jsonData := `{
		"Meta Data": {
			"1. Information": "Daily Prices",
			"2. Symbol": "IBM"
		},
		"Time Series (Daily)": {
			"2024-01-15": {
				"1. open": "185.00",
				"2. high": "186.50",
				"3. low": "184.50",
				"4. close": "186.20",
				"5. volume": "3456789"
			},
			"2024-01-14": {
				"1. open": "184.50",
				"2. high": "185.50",
				"3. low": "184.00",
				"4. close": "185.00",
				"5. volume": "3214567"
			}
		}
	}`

	prices, err := parseDailyTimeSeries([]byte(jsonData))
	require.NoError(t, err)
	require.Len(t, prices, 2)

	// Should be sorted newest first
	assert.Equal(t, 2024, prices[0].Date.Year())
	assert.Equal(t, time.January, prices[0].Date.Month())
	assert.Equal(t, 15, prices[0].Date.Day())
	assert.Equal(t, 185.0, prices[0].Open)
	assert.Equal(t, 186.5, prices[0].High)
	assert.Equal(t, 184.5, prices[0].Low)
	assert.Equal(t, 186.2, prices[0].Close)
	assert.Equal(t, int64(3456789), prices[0].Volume)
}

// TestParseDailyTimeSeriesAdjusted reads the adjusted-series key layout.
func TestParseDailyTimeSeriesAdjusted(t *testing.T) {
	jsonData := `{
		"Time Series (Daily)": {
			"2024-01-15": {
				"1. open": "185.00",
				"2. high": "186.50",
				"3. low": "184.50",
				"4. close": "186.20",
				"5. adjusted close": "185.90",
				"6. volume": "3456789"
			}
		}
	}`

	prices, err := parseDailyTimeSeries([]byte(jsonData))
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, 185.9, prices[0].AdjClose)
	assert.Equal(t, int64(3456789), prices[0].Volume)
}

// TestParseIntradayTimeSeries tests intraday parsing.
func TestParseIntradayTimeSeries(t *testing.T) {
	jsonData := `{
		"Meta Data": {
			"1. Information": "Intraday (5min)",
			"2. Symbol": "SPY"
		},
		"Time Series (5min)": {
			"2024-01-15 15:55:00": {
				"1. open": "476.10",
				"2. high": "476.40",
				"3. low": "476.00",
				"4. close": "476.30",
				"5. volume": "1200000"
			},
			"2024-01-15 15:50:00": {
				"1. open": "475.80",
				"2. high": "476.20",
				"3. low": "475.70",
				"4. close": "476.10",
				"5. volume": "980000"
			}
		}
	}`

	points, err := parseIntradayTimeSeries([]byte(jsonData))
	require.NoError(t, err)
	require.Len(t, points, 2)

	// Newest first
	assert.Equal(t, 55, points[0].Time.Minute())
	assert.Equal(t, 476.3, points[0].Close)
	assert.Equal(t, int64(980000), points[1].Volume)
}

// TestParseGlobalQuote tests global quote parsing.
func TestParseGlobalQuote(t *testing.T) {
	jsonData := `{
		"Global Quote": {
			"01. symbol": "IBM",
			"02. open": "185.00",
			"03. high": "186.50",
			"04. low": "184.50",
			"05. price": "186.20",
			"06. volume": "3456789",
			"07. latest trading day": "2024-01-15",
			"08. previous close": "185.00",
			"09. change": "1.20",
			"10. change percent": "0.65%"
		}
	}`

	quote, err := parseGlobalQuote([]byte(jsonData))
	require.NoError(t, err)

	assert.Equal(t, "IBM", quote.Symbol)
	assert.Equal(t, 185.0, quote.Open)
	assert.Equal(t, 186.5, quote.High)
	assert.Equal(t, 184.5, quote.Low)
	assert.Equal(t, 186.2, quote.Price)
	assert.Equal(t, int64(3456789), quote.Volume)
	assert.Equal(t, 185.0, quote.PreviousClose)
	assert.Equal(t, 1.2, quote.Change)
	assert.Equal(t, 0.65, quote.ChangePercent)
}

// TestParseSymbolSearch tests symbol search parsing.
func TestParseSymbolSearch(t *testing.T) {
	jsonData := `{
		"bestMatches": [
			{
				"1. symbol": "IBM",
				"2. name": "International Business Machines Corp",
				"3. type": "Equity",
				"4. region": "United States",
				"5. marketOpen": "09:30",
				"6. marketClose": "16:00",
				"7. timezone": "UTC-05",
				"8. currency": "USD",
				"9. matchScore": "1.0000"
			}
		]
	}`

	matches, err := parseSymbolSearch([]byte(jsonData))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	assert.Equal(t, "IBM", matches[0].Symbol)
	assert.Equal(t, "International Business Machines Corp", matches[0].Name)
	assert.Equal(t, "Equity", matches[0].Type)
	assert.Equal(t, "USD", matches[0].Currency)
	assert.Equal(t, 1.0, matches[0].MatchScore)
}

// TestParseCompanyOverview tests company overview parsing.
func TestParseCompanyOverview(t *testing.T) {
	jsonData := `{
		"Symbol": "IBM",
		"AssetType": "Common Stock",
		"Name": "International Business Machines",
		"Description": "IBM is a technology company.",
		"Exchange": "NYSE",
		"Currency": "USD",
		"Country": "USA",
		"Sector": "Technology",
		"Industry": "Information Technology Services",
		"MarketCapitalization": "125000000000",
		"PERatio": "20.5",
		"EPS": "9.05",
		"DividendYield": "0.0485",
		"52WeekHigh": "200.00",
		"52WeekLow": "120.00",
		"Beta": "0.95"
	}`

	overview, err := parseCompanyOverview([]byte(jsonData))
	require.NoError(t, err)

	assert.Equal(t, "IBM", overview.Symbol)
	assert.Equal(t, "Common Stock", overview.AssetType)
	assert.Equal(t, "International Business Machines", overview.Name)
	assert.Equal(t, "NYSE", overview.Exchange)
	assert.Equal(t, "USD", overview.Currency)
	assert.Equal(t, "Technology", overview.Sector)
	assert.Equal(t, int64(125000000000), overview.MarketCapitalization)
	require.NotNil(t, overview.PERatio)
	assert.Equal(t, 20.5, *overview.PERatio)
	require.NotNil(t, overview.EPS)
	assert.Equal(t, 9.05, *overview.EPS)
	require.NotNil(t, overview.FiftyTwoWeekHigh)
	assert.Equal(t, 200.0, *overview.FiftyTwoWeekHigh)
}

// TestErrorTypes tests error type implementations.
func TestErrorTypes(t *testing.T) {
	t.Run("ErrRateLimitExceeded", func(t *testing.T) {
		err := ErrRateLimitExceeded{}
		assert.Contains(t, err.Error(), "rate limit")
	})

	t.Run("ErrInvalidAPIKey", func(t *testing.T) {
		err := ErrInvalidAPIKey{}
		assert.Contains(t, err.Error(), "invalid")
	})

	t.Run("ErrSymbolNotFound", func(t *testing.T) {
		err := ErrSymbolNotFound{Symbol: "XYZ"}
		assert.Contains(t, err.Error(), "XYZ")
	})

	t.Run("ErrStreamDisabled", func(t *testing.T) {
		err := ErrStreamDisabled{}
		assert.Contains(t, err.Error(), "stream")
	})
}

// TestSetCacheTTL tests custom cache TTL configuration.
func TestSetCacheTTL(t *testing.T) {
	client := NewClient("test-key", zerolog.Nop())

	customTTL := CacheTTL{
		Quotes:       30 * time.Minute,
		Daily:        2 * time.Hour,
		Intraday:     time.Minute,
		Search:       48 * time.Hour,
		Fundamentals: 48 * time.Hour,
	}

	client.SetCacheTTL(customTTL)

	assert.Equal(t, 48*time.Hour, client.cacheTTL.Fundamentals)
	assert.Equal(t, 2*time.Hour, client.cacheTTL.Daily)
	assert.Equal(t, 30*time.Minute, client.cacheTTL.Quotes)
}

// TestDefaultCacheTTL tests default TTL values.
func TestDefaultCacheTTL(t *testing.T) {
	ttl := DefaultCacheTTL()

	assert.Equal(t, 15*time.Minute, ttl.Quotes)
	assert.Equal(t, 1*time.Hour, ttl.Daily)
	assert.Equal(t, 5*time.Minute, ttl.Intraday)
	assert.Equal(t, 24*time.Hour, ttl.Search)
	assert.Equal(t, 24*time.Hour, ttl.Fundamentals)
}

// TestAPIErrorDetection tests detection of API error responses.
func TestAPIErrorDetection(t *testing.T) {
	client := NewClient("test-key", zerolog.Nop())

	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{
			name:        "Rate limit note",
			body:        `{"Note": "API call frequency is limited"}`,
			expectError: true,
		},
		{
			name:        "Rate limit information",
			body:        `{"Information": "25 requests per day"}`,
			expectError: true,
		},
		{
			name:        "Error message",
			body:        `{"Error Message": "Invalid symbol"}`,
			expectError: true,
		},
		{
			name:        "Thank you message",
			body:        `Thank you for using Alpha Vantage!`,
			expectError: true,
		},
		{
			name:        "Valid response",
			body:        `{"data": "valid"}`,
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.checkAPIError([]byte(tt.body))
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestQuoteConsumesBudgetOnceThenHitsCache exercises the full request
// path against a stub server.
func TestQuoteConsumesBudgetOnceThenHitsCache(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "GLOBAL_QUOTE", r.URL.Query().Get("function"))
		assert.Equal(t, "SPY", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{
			"Global Quote": {
				"01. symbol": "SPY",
				"05. price": "562.50",
				"06. volume": "41230000",
				"07. latest trading day": "2024-01-15",
				"08. previous close": "557.30",
				"09. change": "5.20",
				"10. change percent": "0.933%"
			}
		}`))
	}))
	defer server.Close()

	client := NewClient("test-key", zerolog.Nop()).SetBaseURL(server.URL)

	quote, err := client.Quote(context.Background(), "spy")
	require.NoError(t, err)
	assert.Equal(t, "SPY", quote.Symbol)
	assert.Equal(t, 562.5, quote.Price)
	assert.Equal(t, ProviderName, quote.Source)
	assert.Equal(t, 24, client.GetRemainingRequests())

	// Second call is served from cache without touching the budget.
	_, err = client.Quote(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 24, client.GetRemainingRequests())
}

// TestHistoricalFiltersRange verifies [from, to] trimming and ordering.
func TestHistoricalFiltersRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "TIME_SERIES_DAILY", r.URL.Query().Get("function"))
		w.Write([]byte(`{
			"Time Series (Daily)": {
				"2024-01-16": {"1. open": "1", "2. high": "1", "3. low": "1", "4. close": "187.0", "5. volume": "1"},
				"2024-01-15": {"1. open": "1", "2. high": "1", "3. low": "1", "4. close": "186.2", "5. volume": "1"},
				"2024-01-12": {"1. open": "1", "2. high": "1", "3. low": "1", "4. close": "185.1", "5. volume": "1"}
			}
		}`))
	}))
	defer server.Close()

	client := NewClient("test-key", zerolog.Nop()).SetBaseURL(server.URL)

	from := time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 15, 23, 59, 59, 0, time.UTC)
	bars, err := client.Historical(context.Background(), "IBM", from, to)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 186.2, bars[0].Close)
}

// TestRateLimitedRequestFails verifies in-band throttle detection.
func TestRateLimitedRequestFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Note": "API call frequency is limited"}`))
	}))
	defer server.Close()

	client := NewClient("test-key", zerolog.Nop()).SetBaseURL(server.URL)

	_, err := client.Quote(context.Background(), "SPY")
	require.Error(t, err)
	assert.IsType(t, ErrRateLimitExceeded{}, err)
}

// TestNextMidnightUTC tests the midnight calculation.
func TestNextMidnightUTC(t *testing.T) {
	midnight := nextMidnightUTC()

	now := time.Now().UTC()
	assert.True(t, midnight.After(now))
	assert.Equal(t, 0, midnight.Hour())
	assert.Equal(t, 0, midnight.Minute())
	assert.Equal(t, 0, midnight.Second())
}

// BenchmarkParseFloat64 benchmarks float parsing.
func BenchmarkParseFloat64(b *testing.B) {
	for i := 0; i < b.N; i++ {
		parseFloat64("123.456789")
	}
}

// BenchmarkCacheOperations benchmarks cache read/write.
func BenchmarkCacheOperations(b *testing.B) {
	client := NewClient("test-key", zerolog.Nop())

	b.Run("Set", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			client.setCache("key", "value", time.Hour)
		}
	})

	b.Run("Get", func(b *testing.B) {
		client.setCache("key", "value", time.Hour)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_, _ = client.getFromCache("key")
		}
	})
}

// TestInterfaceImplementation verifies Client implements ClientInterface.
func TestInterfaceImplementation(t *testing.T) {
	var _ ClientInterface = (*Client)(nil)
}
