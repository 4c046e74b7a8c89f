package alphavantage

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// GlobalQuote is the parsed GLOBAL_QUOTE payload.
type GlobalQuote struct {
	Symbol           string
	Open             float64
	High             float64
	Low              float64
	Price            float64
	Volume           int64
	LatestTradingDay time.Time
	PreviousClose    float64
	Change           float64
	ChangePercent    float64
}

// DailyPrice is one day of a TIME_SERIES_DAILY payload.
type DailyPrice struct {
	Date     time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	AdjClose float64
	Volume   int64
}

// IntradayPrice is one bar of a TIME_SERIES_INTRADAY payload.
type IntradayPrice struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// SearchMatch is one entry of a SYMBOL_SEARCH payload.
type SearchMatch struct {
	Symbol     string
	Name       string
	Type       string
	Region     string
	Currency   string
	MatchScore float64
}

// CompanyOverview is the parsed OVERVIEW payload. Ratio fields are
// pointers because the provider reports "None" for companies without
// earnings.
type CompanyOverview struct {
	Symbol               string
	AssetType            string
	Name                 string
	Exchange             string
	Currency             string
	Sector               string
	Industry             string
	MarketCapitalization int64
	PERatio              *float64
	EPS                  *float64
	DividendYield        *float64
	FiftyTwoWeekHigh     *float64
	FiftyTwoWeekLow      *float64
	Beta                 *float64
}

func parseGlobalQuote(body []byte) (*GlobalQuote, error) {
	var payload struct {
		Quote map[string]string `json:"Global Quote"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	q := payload.Quote
	return &GlobalQuote{
		Symbol:           q["01. symbol"],
		Open:             parseFloat64(q["02. open"]),
		High:             parseFloat64(q["03. high"]),
		Low:              parseFloat64(q["04. low"]),
		Price:            parseFloat64(q["05. price"]),
		Volume:           parseInt64(q["06. volume"]),
		LatestTradingDay: parseDate(q["07. latest trading day"]),
		PreviousClose:    parseFloat64(q["08. previous close"]),
		Change:           parseFloat64(q["09. change"]),
		ChangePercent:    parseFloat64(q["10. change percent"]),
	}, nil
}

func parseDailyTimeSeries(body []byte) ([]DailyPrice, error) {
	var payload struct {
		Series map[string]map[string]string `json:"Time Series (Daily)"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	prices := make([]DailyPrice, 0, len(payload.Series))
	for dateStr, values := range payload.Series {
		date := parseDate(dateStr)
		if date.IsZero() {
			continue
		}
		volume := values["5. volume"]
		if volume == "" {
			volume = values["6. volume"]
		}
		prices = append(prices, DailyPrice{
			Date:     date,
			Open:     parseFloat64(values["1. open"]),
			High:     parseFloat64(values["2. high"]),
			Low:      parseFloat64(values["3. low"]),
			Close:    parseFloat64(values["4. close"]),
			AdjClose: parseFloat64(values["5. adjusted close"]),
			Volume:   parseInt64(volume),
		})
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Date.After(prices[j].Date) })
	return prices, nil
}

func parseIntradayTimeSeries(body []byte) ([]IntradayPrice, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	// The series key names the interval, e.g. "Time Series (5min)".
	var series map[string]map[string]string
	for key, raw := range payload {
		if strings.HasPrefix(key, "Time Series (") {
			if err := json.Unmarshal(raw, &series); err != nil {
				return nil, err
			}
			break
		}
	}

	points := make([]IntradayPrice, 0, len(series))
	for timeStr, values := range series {
		ts := parseDateTime(timeStr)
		if ts.IsZero() {
			continue
		}
		points = append(points, IntradayPrice{
			Time:   ts,
			Open:   parseFloat64(values["1. open"]),
			High:   parseFloat64(values["2. high"]),
			Low:    parseFloat64(values["3. low"]),
			Close:  parseFloat64(values["4. close"]),
			Volume: parseInt64(values["5. volume"]),
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time.After(points[j].Time) })
	return points, nil
}

func parseSymbolSearch(body []byte) ([]SearchMatch, error) {
	var payload struct {
		BestMatches []map[string]string `json:"bestMatches"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	matches := make([]SearchMatch, 0, len(payload.BestMatches))
	for _, m := range payload.BestMatches {
		matches = append(matches, SearchMatch{
			Symbol:     m["1. symbol"],
			Name:       m["2. name"],
			Type:       m["3. type"],
			Region:     m["4. region"],
			Currency:   m["8. currency"],
			MatchScore: parseFloat64(m["9. matchScore"]),
		})
	}
	return matches, nil
}

func parseCompanyOverview(body []byte) (*CompanyOverview, error) {
	var raw map[string]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return &CompanyOverview{
		Symbol:               raw["Symbol"],
		AssetType:            raw["AssetType"],
		Name:                 raw["Name"],
		Exchange:             raw["Exchange"],
		Currency:             raw["Currency"],
		Sector:               raw["Sector"],
		Industry:             raw["Industry"],
		MarketCapitalization: parseInt64(raw["MarketCapitalization"]),
		PERatio:              parseFloat64Ptr(raw["PERatio"]),
		EPS:                  parseFloat64Ptr(raw["EPS"]),
		DividendYield:        parseFloat64Ptr(raw["DividendYield"]),
		FiftyTwoWeekHigh:     parseFloat64Ptr(raw["52WeekHigh"]),
		FiftyTwoWeekLow:      parseFloat64Ptr(raw["52WeekLow"]),
		Beta:                 parseFloat64Ptr(raw["Beta"]),
	}, nil
}

// parseFloat64 parses the provider's numeric strings, which may carry a
// trailing percent sign or one of several "no value" spellings. Invalid
// input parses to zero.
func parseFloat64(s string) float64 {
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if s == "" || s == "None" || s == "null" || s == "-" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// parseFloat64Ptr is parseFloat64 with an explicit no-value signal.
func parseFloat64Ptr(s string) *float64 {
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if s == "" || s == "None" || s == "null" || s == "-" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

// parseInt64 handles plain integers, decimals, and scientific notation.
func parseInt64(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "None" || s == "null" || s == "-" {
		return 0
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

func parseDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDateTime(s string) time.Time {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return parseDate(s)
}
