package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/origamihq/conductor/internal/audit"
	"github.com/origamihq/conductor/internal/database"
	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/events"
	"github.com/origamihq/conductor/internal/marketdata"
	"github.com/origamihq/conductor/internal/portfolio"
	"github.com/origamihq/conductor/internal/symphony"
	"github.com/origamihq/conductor/internal/testkit"
)

var quiet = zerolog.New(nil).Level(zerolog.Disabled)

// stubData is a canned DataStatus for handler tests.
type stubData struct{}

func (stubData) MarketStatus(now time.Time) marketdata.MarketStatus {
	return marketdata.MarketStatus{Open: true, SessionDate: "2025-06-06"}
}

func (stubData) Usage() []marketdata.ProviderUsage {
	return []marketdata.ProviderUsage{{Provider: "eodhd", Calls: 42}}
}

func (stubData) Stats() marketdata.CacheStats {
	return marketdata.CacheStats{Hits: 10, Misses: 2, ArchiveRows: 7}
}

type fixture struct {
	srv         *Server
	bus         *events.Bus
	symphonies  *symphony.Repository
	positions   *portfolio.PositionRepository
	executions  *audit.ExecutionRepository
	performance *audit.PerformanceRepository
	backtests   *audit.BacktestRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testkit.NewDB(t)

	symphonies := symphony.NewRepository(db, quiet)
	require.NoError(t, symphonies.InitSchema())
	positions := portfolio.NewPositionRepository(db, quiet)
	require.NoError(t, positions.InitSchema())
	executions := audit.NewExecutionRepository(db, quiet)
	require.NoError(t, executions.InitSchema())
	performance := audit.NewPerformanceRepository(db, quiet)
	require.NoError(t, performance.InitSchema())
	backtests := audit.NewBacktestRepository(db, quiet)
	require.NoError(t, backtests.InitSchema())

	statusDB, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "conductor.db"),
		Name: "conductor",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = statusDB.Close() })

	bus := events.NewBus()
	srv := New(Config{
		Log:         quiet,
		Port:        0,
		DataDir:     t.TempDir(),
		Data:        stubData{},
		Bus:         bus,
		Databases:   []*database.DB{statusDB},
		Symphonies:  symphonies,
		Positions:   positions,
		Executions:  executions,
		Performance: performance,
		Backtests:   backtests,
	})

	return &fixture{
		srv:         srv,
		bus:         bus,
		symphonies:  symphonies,
		positions:   positions,
		executions:  executions,
		performance: performance,
		backtests:   backtests,
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "conductor", body["service"])
}

func TestListSymphonies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.symphonies.Create(testkit.Symphony("s1", "user-a", testkit.SimpleDailyJSON)))
	require.NoError(t, f.symphonies.Create(testkit.Symphony("s2", "user-a", testkit.ThresholdJSON)))
	require.NoError(t, f.symphonies.Create(testkit.Symphony("s3", "user-b", testkit.MomentumJSON)))

	rec := f.get(t, "/api/symphonies")
	require.Equal(t, http.StatusOK, rec.Code)

	var all []symphonyResponse
	decodeBody(t, rec, &all)
	require.Len(t, all, 3)
	ids := []string{all[0].ID, all[1].ID, all[2].ID}
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, ids)
	// The list view omits trees; they are only loaded on the detail view.
	assert.NotContains(t, rec.Body.String(), `"tree"`)

	rec = f.get(t, "/api/symphonies?user=user-b")
	require.Equal(t, http.StatusOK, rec.Code)

	var filtered []symphonyResponse
	decodeBody(t, rec, &filtered)
	require.Len(t, filtered, 1)
	assert.Equal(t, "s3", filtered[0].ID)
	assert.Equal(t, "user-b", filtered[0].UserID)
}

func TestGetSymphonyIncludesTree(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.symphonies.Create(testkit.Symphony("s1", "user-a", testkit.SimpleDailyJSON)))

	rec := f.get(t, "/api/symphonies/s1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp symphonyResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "s1", resp.ID)
	assert.Equal(t, string(domain.SymphonyActive), resp.Status)
	require.NotEmpty(t, resp.Tree)

	var tree map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Tree, &tree))
	assert.Equal(t, "root", tree["step"])
}

func TestGetSymphonyMissing(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/symphonies/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "Symphony not found", body["error"])
}

func TestValidateSymphonyTree(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/api/symphonies/validate", testkit.SimpleDailyJSON)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp validateResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Valid)
	assert.Empty(t, resp.Kind)
	assert.Equal(t, []string{"AGG", "SPY"}, resp.Tickers)
	assert.Equal(t, []string{"AGG", "SPY"}, resp.Assets)
	assert.Greater(t, resp.Steps, 0)
	assert.Greater(t, resp.Depth, 0)
}

func TestValidateSymphonyRejectsNonRootTop(t *testing.T) {
	f := newFixture(t)

	// A bare asset at the top level parses but fails validation.
	rec := f.post(t, "/api/symphonies/validate",
		`{"id": "a-1", "step": "asset", "ticker": "SPY", "exchange": "ARCA"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp validateResponse
	decodeBody(t, rec, &resp)
	assert.False(t, resp.Valid)
	assert.Equal(t, string(domain.KindStructure), resp.Kind)
	assert.NotEmpty(t, resp.Detail)
}

func TestValidateSymphonyRejectsMalformedJSON(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/api/symphonies/validate", `{not json`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp validateResponse
	decodeBody(t, rec, &resp)
	assert.False(t, resp.Valid)
	assert.Equal(t, string(domain.KindParse), resp.Kind)
}

func seedExecution(t *testing.T, f *fixture, symphonyID, window string, status domain.ExecutionStatus) {
	t.Helper()
	now := time.Now()
	require.NoError(t, f.executions.Insert(&domain.ExecutionRecord{
		SymphonyID: symphonyID,
		WindowDate: window,
		StartedAt:  now,
		FinishedAt: now.Add(3 * time.Second),
		Status:     status,
		Targets:    domain.Allocation{"SPY": 0.6, domain.CashTicker: 0.4},
	}))
}

func TestListExecutionsByWindow(t *testing.T) {
	f := newFixture(t)
	seedExecution(t, f, "s1", "2025-06-06", domain.ExecutionStatusCompleted)
	seedExecution(t, f, "s2", "2025-06-06", domain.ExecutionStatusSkipped)
	seedExecution(t, f, "s1", "2025-06-09", domain.ExecutionStatusCompleted)

	rec := f.get(t, "/api/executions?window=2025-06-06")
	require.Equal(t, http.StatusOK, rec.Code)

	var byWindow []executionResponse
	decodeBody(t, rec, &byWindow)
	require.Len(t, byWindow, 2)
	for _, e := range byWindow {
		assert.Equal(t, "2025-06-06", e.WindowDate)
	}
	assert.Equal(t, 0.6, byWindow[0].Targets["SPY"])

	rec = f.get(t, "/api/executions")
	require.Equal(t, http.StatusOK, rec.Code)
	var recent []executionResponse
	decodeBody(t, rec, &recent)
	assert.Len(t, recent, 3)

	rec = f.get(t, "/api/executions?limit=2")
	decodeBody(t, rec, &recent)
	assert.Len(t, recent, 2)

	rec = f.get(t, "/api/executions?window=not-a-date")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSymphonyExecutionHistory(t *testing.T) {
	f := newFixture(t)
	seedExecution(t, f, "s1", "2025-06-06", domain.ExecutionStatusCompleted)
	seedExecution(t, f, "s1", "2025-06-09", domain.ExecutionStatusFailed)
	seedExecution(t, f, "s2", "2025-06-09", domain.ExecutionStatusCompleted)

	rec := f.get(t, "/api/symphonies/s1/executions")
	require.Equal(t, http.StatusOK, rec.Code)

	var history []executionResponse
	decodeBody(t, rec, &history)
	require.Len(t, history, 2)
	// Newest first.
	assert.Equal(t, "2025-06-09", history[0].WindowDate)
	assert.Equal(t, string(domain.ExecutionStatusFailed), history[0].Status)
	assert.Equal(t, "2025-06-06", history[1].WindowDate)
}

func TestListPositions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.positions.Upsert(&domain.Position{
		SymphonyID: "s1", Ticker: "SPY",
		Quantity: decimal.NewFromInt(10), AvgPrice: decimal.NewFromInt(500),
	}))
	require.NoError(t, f.positions.Upsert(&domain.Position{
		SymphonyID: "s1", Ticker: "AGG",
		Quantity: decimal.NewFromInt(5), AvgPrice: decimal.NewFromInt(100),
	}))
	require.NoError(t, f.positions.Upsert(&domain.Position{
		SymphonyID: "s2", Ticker: "QQQ",
		Quantity: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(400),
	}))

	rec := f.get(t, "/api/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []positionResponse
	decodeBody(t, rec, &all)
	assert.Len(t, all, 3)

	rec = f.get(t, "/api/positions?symphony=s1")
	require.Equal(t, http.StatusOK, rec.Code)
	var mine []positionResponse
	decodeBody(t, rec, &mine)
	require.Len(t, mine, 2)
	for _, p := range mine {
		assert.Equal(t, "s1", p.SymphonyID)
		if p.Ticker == "SPY" {
			assert.Equal(t, "10", p.Quantity)
			assert.Equal(t, "500", p.AvgPrice)
		}
	}
}

func TestSymphonyPerformanceSeries(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.performance.Record(&domain.PerformanceSnapshot{
		SymphonyID: "s1", Date: "2025-06-05",
		MarketValue: decimal.NewFromInt(10000), PositionCount: 2,
		DailyReturn: 0.01, TotalReturn: 0.0,
	}))
	require.NoError(t, f.performance.Record(&domain.PerformanceSnapshot{
		SymphonyID: "s1", Date: "2025-06-06",
		MarketValue: decimal.NewFromInt(10150), PositionCount: 2,
		DailyReturn: 0.015, TotalReturn: 0.015,
	}))

	rec := f.get(t, "/api/symphonies/s1/performance")
	require.Equal(t, http.StatusOK, rec.Code)

	var series []performancePoint
	decodeBody(t, rec, &series)
	require.Len(t, series, 2)
	for _, p := range series {
		if p.Date == "2025-06-06" {
			assert.Equal(t, "10150", p.MarketValue)
			assert.Equal(t, 0.015, p.TotalReturn)
		}
	}
}

func TestBacktestRoundTrip(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.symphonies.Create(testkit.Symphony("s1", "user-a", testkit.SimpleDailyJSON)))

	body := `{
		"symphony_id": "s1",
		"range_start": "2024-01-02",
		"range_end": "2024-12-31",
		"total_return": 0.18,
		"max_drawdown": -0.12,
		"sharpe": 1.4,
		"detail": {"trades": 42}
	}`
	rec := f.post(t, "/api/backtests", body)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var created backtestResponse
	decodeBody(t, rec, &created)
	assert.Greater(t, created.ID, int64(0))
	assert.Equal(t, "s1", created.SymphonyID)
	assert.Equal(t, 0.18, created.TotalReturn)

	rec = f.get(t, "/api/backtests?symphony=s1")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []backtestResponse
	decodeBody(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "2024-01-02", list[0].RangeStart)
	assert.Equal(t, 1.4, list[0].Sharpe)
	assert.Contains(t, string(list[0].Detail), "trades")
}

func TestRecordBacktestValidation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.symphonies.Create(testkit.Symphony("s1", "user-a", testkit.SimpleDailyJSON)))

	cases := []struct {
		name string
		body string
		want int
	}{
		{"unknown symphony", `{"symphony_id": "ghost", "range_start": "2024-01-02", "range_end": "2024-12-31"}`, http.StatusNotFound},
		{"missing symphony id", `{"range_start": "2024-01-02", "range_end": "2024-12-31"}`, http.StatusBadRequest},
		{"bad start date", `{"symphony_id": "s1", "range_start": "January", "range_end": "2024-12-31"}`, http.StatusBadRequest},
		{"bad end date", `{"symphony_id": "s1", "range_start": "2024-01-02", "range_end": "soon"}`, http.StatusBadRequest},
		{"inverted range", `{"symphony_id": "s1", "range_start": "2024-12-31", "range_end": "2024-01-02"}`, http.StatusBadRequest},
		{"not json", `nope`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.post(t, "/api/backtests", tc.body)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestListBacktestsRequiresSymphony(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/backtests")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemStatusReportsEngineState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.symphonies.Create(testkit.Symphony("s1", "user-a", testkit.SimpleDailyJSON)))
	require.NoError(t, f.symphonies.Create(testkit.Symphony("s2", "user-a", testkit.ThresholdJSON)))
	stopped := testkit.Symphony("s3", "user-b", testkit.MomentumJSON)
	stopped.Status = domain.SymphonyStopped
	require.NoError(t, f.symphonies.Create(stopped))
	require.NoError(t, f.positions.Upsert(&domain.Position{
		SymphonyID: "s1", Ticker: "SPY",
		Quantity: decimal.NewFromInt(10), AvgPrice: decimal.NewFromInt(500),
	}))

	rec := f.get(t, "/api/system/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SystemStatusResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 2, resp.Symphonies[string(domain.SymphonyActive)])
	assert.Equal(t, 1, resp.Symphonies[string(domain.SymphonyStopped)])
	assert.Equal(t, 1, resp.Positions)

	require.NotNil(t, resp.Market)
	assert.True(t, resp.Market.Open)
	assert.Equal(t, "2025-06-06", resp.Market.SessionDate)
	require.Len(t, resp.Providers, 1)
	assert.Equal(t, "eodhd", resp.Providers[0].Provider)
	assert.EqualValues(t, 42, resp.Providers[0].Calls)
	require.NotNil(t, resp.Cache)
	assert.EqualValues(t, 10, resp.Cache.Hits)

	require.Len(t, resp.Databases, 1)
	assert.Equal(t, "conductor", resp.Databases[0].Name)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(0))
}
