package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/audit"
	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/portfolio"
	"github.com/origamihq/conductor/internal/symphony"
)

// maxValidateBody bounds the tree payload accepted by the validate
// endpoint. Stored trees are capped far below this.
const maxValidateBody = 1 << 20

// OpsDeps collects the repositories the ops endpoints read from.
type OpsDeps struct {
	Symphonies  *symphony.Repository
	Positions   *portfolio.PositionRepository
	Executions  *audit.ExecutionRepository
	Performance *audit.PerformanceRepository
	Backtests   *audit.BacktestRepository
}

// OpsHandlers serves the read-only operational endpoints: symphonies,
// executions, positions, performance series, and backtest records.
type OpsHandlers struct {
	symphonies  *symphony.Repository
	positions   *portfolio.PositionRepository
	executions  *audit.ExecutionRepository
	performance *audit.PerformanceRepository
	backtests   *audit.BacktestRepository
	log         zerolog.Logger
}

// NewOpsHandlers creates the ops handler set.
func NewOpsHandlers(deps OpsDeps, log zerolog.Logger) *OpsHandlers {
	return &OpsHandlers{
		symphonies:  deps.Symphonies,
		positions:   deps.Positions,
		executions:  deps.Executions,
		performance: deps.Performance,
		backtests:   deps.Backtests,
		log:         log.With().Str("component", "ops_handlers").Logger(),
	}
}

// RegisterRoutes mounts the ops endpoints on the router.
func (h *OpsHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/symphonies", func(r chi.Router) {
		r.Get("/", h.handleListSymphonies)
		r.Post("/validate", h.handleValidateSymphony)
		r.Get("/{symphonyID}", h.handleGetSymphony)
		r.Get("/{symphonyID}/executions", h.handleSymphonyExecutions)
		r.Get("/{symphonyID}/performance", h.handleSymphonyPerformance)
	})
	r.Get("/executions", h.handleListExecutions)
	r.Get("/positions", h.handleListPositions)
	r.Route("/backtests", func(r chi.Router) {
		r.Get("/", h.handleListBacktests)
		r.Post("/", h.handleRecordBacktest)
	})
}

type symphonyResponse struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"user_id"`
	Name           string                 `json:"name"`
	Status         string                 `json:"status"`
	Rebalance      domain.RebalancePolicy `json:"rebalance"`
	Tree           json.RawMessage        `json:"tree,omitempty"`
	LastExecutedAt *time.Time             `json:"last_executed_at,omitempty"`
	ExecutionCount int                    `json:"execution_count"`
	LastError      string                 `json:"last_error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func toSymphonyResponse(s *domain.Symphony, includeTree bool) symphonyResponse {
	resp := symphonyResponse{
		ID:             s.ID,
		UserID:         s.UserID,
		Name:           s.Name,
		Status:         string(s.Status),
		Rebalance:      s.Rebalance,
		LastExecutedAt: s.LastExecutedAt,
		ExecutionCount: s.ExecutionCount,
		LastError:      s.LastError,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if includeTree {
		resp.Tree = json.RawMessage(s.TreeJSON)
	}
	return resp
}

func (h *OpsHandlers) handleListSymphonies(w http.ResponseWriter, r *http.Request) {
	var (
		list []*domain.Symphony
		err  error
	)
	if user := r.URL.Query().Get("user"); user != "" {
		list, err = h.symphonies.ListByUser(user)
	} else {
		list, err = h.symphonies.ListAll()
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list symphonies")
		respondError(w, http.StatusInternalServerError, "Failed to list symphonies")
		return
	}

	out := make([]symphonyResponse, 0, len(list))
	for _, s := range list {
		out = append(out, toSymphonyResponse(s, false))
	}
	respond(w, http.StatusOK, out)
}

func (h *OpsHandlers) handleGetSymphony(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "symphonyID")
	s, err := h.symphonies.Get(id)
	if err != nil {
		h.log.Error().Err(err).Str("symphony_id", id).Msg("Failed to get symphony")
		respondError(w, http.StatusInternalServerError, "Failed to get symphony")
		return
	}
	if s == nil {
		respondError(w, http.StatusNotFound, "Symphony not found")
		return
	}
	respond(w, http.StatusOK, toSymphonyResponse(s, true))
}

type validateResponse struct {
	Valid     bool     `json:"valid"`
	Kind      string   `json:"kind,omitempty"`
	Detail    string   `json:"detail,omitempty"`
	Tickers   []string `json:"tickers,omitempty"`
	Assets    []string `json:"assets,omitempty"`
	MaxWindow int      `json:"max_window,omitempty"`
	Steps     int      `json:"steps,omitempty"`
	Depth     int      `json:"depth,omitempty"`
}

// handleValidateSymphony runs a tree through parse and validation and
// reports the outcome. A rejected tree is a normal result, not an HTTP
// error, so the response is 200 either way.
func (h *OpsHandlers) handleValidateSymphony(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxValidateBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	tree, err := symphony.Parse(data)
	if err != nil {
		respond(w, http.StatusOK, validateResponse{
			Valid:  false,
			Kind:   string(domain.KindOf(err)),
			Detail: err.Error(),
		})
		return
	}

	v, err := symphony.Validate(tree)
	if err != nil {
		respond(w, http.StatusOK, validateResponse{
			Valid:  false,
			Kind:   string(domain.KindOf(err)),
			Detail: err.Error(),
		})
		return
	}

	respond(w, http.StatusOK, validateResponse{
		Valid:     true,
		Tickers:   v.Manifest.Tickers,
		Assets:    v.Manifest.Assets,
		MaxWindow: v.Manifest.MaxWindow,
		Steps:     v.Complexity.Steps,
		Depth:     v.Complexity.Depth,
	})
}

type executionResponse struct {
	ID           int64             `json:"id"`
	SymphonyID   string            `json:"symphony_id"`
	WindowDate   string            `json:"window_date"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	Status       string            `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	Targets      domain.Allocation `json:"targets"`
	OrdersPlaced int               `json:"orders_placed"`
	OrdersFilled int               `json:"orders_filled"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ErrorDetail  string            `json:"error_detail,omitempty"`
}

func toExecutionResponses(records []domain.ExecutionRecord) []executionResponse {
	out := make([]executionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, executionResponse{
			ID:           rec.ID,
			SymphonyID:   rec.SymphonyID,
			WindowDate:   rec.WindowDate,
			StartedAt:    rec.StartedAt,
			FinishedAt:   rec.FinishedAt,
			Status:       string(rec.Status),
			Reason:       rec.Reason,
			Targets:      rec.Targets,
			OrdersPlaced: rec.OrdersPlaced,
			OrdersFilled: rec.OrdersFilled,
			ErrorKind:    rec.ErrorKind,
			ErrorDetail:  rec.ErrorDetail,
		})
	}
	return out
}

func (h *OpsHandlers) handleSymphonyExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "symphonyID")
	records, err := h.executions.ListBySymphony(id, queryInt(r, "limit"))
	if err != nil {
		h.log.Error().Err(err).Str("symphony_id", id).Msg("Failed to list executions")
		respondError(w, http.StatusInternalServerError, "Failed to list executions")
		return
	}
	respond(w, http.StatusOK, toExecutionResponses(records))
}

func (h *OpsHandlers) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	var (
		records []domain.ExecutionRecord
		err     error
	)
	if window := r.URL.Query().Get("window"); window != "" {
		if _, perr := time.Parse("2006-01-02", window); perr != nil {
			respondError(w, http.StatusBadRequest, "window must be YYYY-MM-DD")
			return
		}
		records, err = h.executions.ListByWindow(window)
	} else {
		records, err = h.executions.ListRecent(queryInt(r, "limit"))
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list executions")
		respondError(w, http.StatusInternalServerError, "Failed to list executions")
		return
	}
	respond(w, http.StatusOK, toExecutionResponses(records))
}

type positionResponse struct {
	SymphonyID string    `json:"symphony_id"`
	Ticker     string    `json:"ticker"`
	Quantity   string    `json:"quantity"`
	AvgPrice   string    `json:"avg_price"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (h *OpsHandlers) handleListPositions(w http.ResponseWriter, r *http.Request) {
	var (
		list []domain.Position
		err  error
	)
	if id := r.URL.Query().Get("symphony"); id != "" {
		list, err = h.positions.ListBySymphony(id)
	} else {
		list, err = h.positions.ListAll()
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list positions")
		respondError(w, http.StatusInternalServerError, "Failed to list positions")
		return
	}

	out := make([]positionResponse, 0, len(list))
	for _, p := range list {
		out = append(out, positionResponse{
			SymphonyID: p.SymphonyID,
			Ticker:     p.Ticker,
			Quantity:   p.Quantity.String(),
			AvgPrice:   p.AvgPrice.String(),
			UpdatedAt:  p.UpdatedAt,
		})
	}
	respond(w, http.StatusOK, out)
}

type performancePoint struct {
	Date          string  `json:"date"`
	MarketValue   string  `json:"market_value"`
	PositionCount int     `json:"position_count"`
	DailyReturn   float64 `json:"daily_return"`
	TotalReturn   float64 `json:"total_return"`
}

func (h *OpsHandlers) handleSymphonyPerformance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "symphonyID")
	series, err := h.performance.Series(id, queryInt(r, "limit"))
	if err != nil {
		h.log.Error().Err(err).Str("symphony_id", id).Msg("Failed to load performance series")
		respondError(w, http.StatusInternalServerError, "Failed to load performance series")
		return
	}

	out := make([]performancePoint, 0, len(series))
	for _, snap := range series {
		out = append(out, performancePoint{
			Date:          snap.Date,
			MarketValue:   snap.MarketValue.String(),
			PositionCount: snap.PositionCount,
			DailyReturn:   snap.DailyReturn,
			TotalReturn:   snap.TotalReturn,
		})
	}
	respond(w, http.StatusOK, out)
}

type backtestRequest struct {
	SymphonyID  string          `json:"symphony_id"`
	RangeStart  string          `json:"range_start"`
	RangeEnd    string          `json:"range_end"`
	TotalReturn float64         `json:"total_return"`
	MaxDrawdown float64         `json:"max_drawdown"`
	Sharpe      float64         `json:"sharpe"`
	Detail      json.RawMessage `json:"detail,omitempty"`
}

type backtestResponse struct {
	ID          int64           `json:"id"`
	SymphonyID  string          `json:"symphony_id"`
	RangeStart  string          `json:"range_start"`
	RangeEnd    string          `json:"range_end"`
	TotalReturn float64         `json:"total_return"`
	MaxDrawdown float64         `json:"max_drawdown"`
	Sharpe      float64         `json:"sharpe"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func toBacktestResponse(b domain.BacktestResult) backtestResponse {
	return backtestResponse{
		ID:          b.ID,
		SymphonyID:  b.SymphonyID,
		RangeStart:  b.RangeStart,
		RangeEnd:    b.RangeEnd,
		TotalReturn: b.TotalReturn,
		MaxDrawdown: b.MaxDrawdown,
		Sharpe:      b.Sharpe,
		Detail:      json.RawMessage(b.DetailJSON),
		CreatedAt:   b.CreatedAt,
	}
}

func (h *OpsHandlers) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("symphony")
	if id == "" {
		respondError(w, http.StatusBadRequest, "symphony query parameter is required")
		return
	}

	list, err := h.backtests.ListBySymphony(id, queryInt(r, "limit"))
	if err != nil {
		h.log.Error().Err(err).Str("symphony_id", id).Msg("Failed to list backtests")
		respondError(w, http.StatusInternalServerError, "Failed to list backtests")
		return
	}

	out := make([]backtestResponse, 0, len(list))
	for _, b := range list {
		out = append(out, toBacktestResponse(b))
	}
	respond(w, http.StatusOK, out)
}

// handleRecordBacktest stores an externally computed backtest summary
// against a symphony. The engine never replays strategies itself.
func (h *OpsHandlers) handleRecordBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxValidateBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SymphonyID == "" {
		respondError(w, http.StatusBadRequest, "symphony_id is required")
		return
	}

	start, err := time.Parse("2006-01-02", req.RangeStart)
	if err != nil {
		respondError(w, http.StatusBadRequest, "range_start must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", req.RangeEnd)
	if err != nil {
		respondError(w, http.StatusBadRequest, "range_end must be YYYY-MM-DD")
		return
	}
	if end.Before(start) {
		respondError(w, http.StatusBadRequest, "range_end is before range_start")
		return
	}

	s, err := h.symphonies.Get(req.SymphonyID)
	if err != nil {
		h.log.Error().Err(err).Str("symphony_id", req.SymphonyID).Msg("Failed to get symphony")
		respondError(w, http.StatusInternalServerError, "Failed to get symphony")
		return
	}
	if s == nil {
		respondError(w, http.StatusNotFound, "Symphony not found")
		return
	}

	result := &domain.BacktestResult{
		SymphonyID:  req.SymphonyID,
		RangeStart:  req.RangeStart,
		RangeEnd:    req.RangeEnd,
		TotalReturn: req.TotalReturn,
		MaxDrawdown: req.MaxDrawdown,
		Sharpe:      req.Sharpe,
		DetailJSON:  []byte(req.Detail),
	}
	if err := h.backtests.Insert(result); err != nil {
		h.log.Error().Err(err).Str("symphony_id", req.SymphonyID).Msg("Failed to record backtest")
		respondError(w, http.StatusInternalServerError, "Failed to record backtest")
		return
	}

	h.log.Info().
		Str("symphony_id", req.SymphonyID).
		Str("range", req.RangeStart+".."+req.RangeEnd).
		Msg("Recorded backtest result")
	respond(w, http.StatusCreated, toBacktestResponse(*result))
}

// queryInt parses a non-negative integer query parameter, returning 0
// (which repositories treat as their default) when absent or invalid.
func queryInt(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
