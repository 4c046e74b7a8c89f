// Package indicators implements the pure technical indicator kernel used by
// strategy evaluation.
//
// All functions operate on immutable price series ordered NEWEST FIRST
// (index 0 is the most recent close) and a lookback window in trading days.
// Insufficient data is signalled by a nil result, never by a silent zero,
// and no function panics on any input.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear is the annualisation base for volatility and Sharpe.
const TradingDaysPerYear = 252

// SMA returns the arithmetic mean of the newest window closes.
// Returns nil when fewer than window closes are available.
func SMA(closes []float64, window int) *float64 {
	if window < 1 || len(closes) < window {
		return nil
	}

	sum := 0.0
	for _, c := range closes[:window] {
		sum += c
	}

	result := sum / float64(window)
	return &result
}

// EMA returns the exponential moving average over the newest window closes.
// The recursion seeds at the chronologically oldest close of the window and
// folds newer closes in with multiplier 2/(window+1). Only the newest window
// closes participate, so the value does not depend on how much extra history
// the caller happened to fetch.
func EMA(closes []float64, window int) *float64 {
	if window < 1 || len(closes) < window {
		return nil
	}

	multiplier := 2.0 / float64(window+1)
	ema := closes[window-1]
	for i := window - 2; i >= 0; i-- {
		ema = (closes[i]-ema)*multiplier + ema
	}

	return &ema
}

// RSI returns the Relative Strength Index over the newest window+1 closes.
//
// Gains and losses are averaged across the window adjacent deltas; when the
// average loss is zero (prices never fell) the result is 100. The series is
// truncated to exactly window+1 points before handing it to talib so the
// value is independent of fetch depth.
func RSI(closes []float64, window int) *float64 {
	if window < 1 || len(closes) < window+1 {
		return nil
	}

	// talib reports a flat window as 0 and rejects period 1; the kernel
	// contract pins avg-loss == 0 at 100, so both cases resolve here.
	sumLoss := 0.0
	for i := 0; i < window; i++ {
		if change := closes[i] - closes[i+1]; change < 0 {
			sumLoss -= change
		}
	}
	if sumLoss == 0 {
		result := 100.0
		return &result
	}
	if window == 1 {
		result := 0.0
		return &result
	}

	chrono := chronological(closes[:window+1])
	rsi := talib.Rsi(chrono, window)

	if len(rsi) == 0 {
		return nil
	}
	last := rsi[len(rsi)-1]
	if math.IsNaN(last) || math.IsInf(last, 0) {
		return nil
	}

	return &last
}

// StdevPrice returns the population standard deviation of the newest window closes.
func StdevPrice(closes []float64, window int) *float64 {
	if window < 1 || len(closes) < window {
		return nil
	}

	result := stat.PopStdDev(closes[:window], nil)
	if math.IsNaN(result) {
		return nil
	}
	return &result
}

// StdevReturn returns the population standard deviation of the newest window
// daily returns. Requires window+1 closes.
func StdevReturn(closes []float64, window int) *float64 {
	if window < 1 || len(closes) < window+1 {
		return nil
	}

	returns := Returns(closes[:window+1])
	if len(returns) < window {
		return nil
	}

	result := stat.PopStdDev(returns[:window], nil)
	if math.IsNaN(result) {
		return nil
	}
	return &result
}

// Volatility returns annualised volatility: the standard deviation of the
// newest window daily returns scaled by sqrt(252).
func Volatility(closes []float64, window int) *float64 {
	sd := StdevReturn(closes, window)
	if sd == nil {
		return nil
	}

	result := *sd * math.Sqrt(TradingDaysPerYear)
	return &result
}

// MaxDrawdown returns the maximum peak-to-trough decline over the newest
// window closes, as a positive fraction (0.25 means a 25% fall from the peak).
// A monotonically rising series yields exactly 0.
func MaxDrawdown(closes []float64, window int) *float64 {
	if window < 1 || len(closes) < window {
		return nil
	}

	chrono := chronological(closes[:window])

	maxDrawdown := 0.0
	peak := chrono[0]
	for _, price := range chrono[1:] {
		if price > peak {
			peak = price
			continue
		}
		if peak > 0 {
			drawdown := (peak - price) / peak
			if drawdown > maxDrawdown {
				maxDrawdown = drawdown
			}
		}
	}

	return &maxDrawdown
}

// CumulativeReturn returns (newest − oldest) / oldest over the trailing
// window+1 closes, as a fraction.
func CumulativeReturn(closes []float64, window int) *float64 {
	if window < 1 || len(closes) < window+1 {
		return nil
	}

	start := closes[window]
	end := closes[0]
	if start == 0 {
		return nil
	}

	result := (end - start) / start
	return &result
}

// MovingAverageReturn returns the mean of the newest window daily returns.
// Requires window+1 closes.
func MovingAverageReturn(closes []float64, window int) *float64 {
	if window < 1 || len(closes) < window+1 {
		return nil
	}

	returns := Returns(closes[:window+1])
	if len(returns) < window {
		return nil
	}

	result := stat.Mean(returns[:window], nil)
	if math.IsNaN(result) {
		return nil
	}
	return &result
}

// Sharpe returns the annualised Sharpe ratio over the newest window daily
// returns with the given annual risk-free rate (0.02 for 2%).
// Requires window+1 closes. Zero return dispersion yields nil.
func Sharpe(closes []float64, window int, riskFreeRate float64) *float64 {
	if window < 1 || len(closes) < window+1 {
		return nil
	}

	returns := Returns(closes[:window+1])
	if len(returns) < window {
		return nil
	}
	returns = returns[:window]

	mean := stat.Mean(returns, nil)
	sd := stat.PopStdDev(returns, nil)
	if sd == 0 || math.IsNaN(sd) {
		return nil
	}

	dailyRiskFree := riskFreeRate / TradingDaysPerYear
	result := (mean - dailyRiskFree) * TradingDaysPerYear / (sd * math.Sqrt(TradingDaysPerYear))
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return nil
	}

	return &result
}

// Beta returns the covariance of the asset's daily returns with the
// benchmark's, divided by the benchmark return variance, over the newest
// window returns. Requires window+1 closes on both series.
func Beta(closes, benchmark []float64, window int) *float64 {
	assetReturns, benchReturns := pairedReturns(closes, benchmark, window)
	if assetReturns == nil {
		return nil
	}

	benchVariance := stat.Variance(benchReturns, nil)
	if benchVariance == 0 || math.IsNaN(benchVariance) {
		return nil
	}

	result := stat.Covariance(assetReturns, benchReturns, nil) / benchVariance
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return nil
	}

	return &result
}

// Alpha returns the CAPM alpha (annualised) of the asset against the
// benchmark over the newest window returns: the asset's annualised mean
// return in excess of rf + beta × (benchmark − rf).
func Alpha(closes, benchmark []float64, window int, riskFreeRate float64) *float64 {
	beta := Beta(closes, benchmark, window)
	if beta == nil {
		return nil
	}

	assetReturns, benchReturns := pairedReturns(closes, benchmark, window)
	if assetReturns == nil {
		return nil
	}

	assetAnnual := stat.Mean(assetReturns, nil) * TradingDaysPerYear
	benchAnnual := stat.Mean(benchReturns, nil) * TradingDaysPerYear

	result := assetAnnual - (riskFreeRate + *beta*(benchAnnual-riskFreeRate))
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return nil
	}

	return &result
}

// Correlation returns the Pearson correlation between the asset's and the
// benchmark's daily returns over the newest window returns.
func Correlation(closes, benchmark []float64, window int) *float64 {
	assetReturns, benchReturns := pairedReturns(closes, benchmark, window)
	if assetReturns == nil {
		return nil
	}

	result := stat.Correlation(assetReturns, benchReturns, nil)
	if math.IsNaN(result) {
		return nil
	}

	return &result
}

// Returns converts a newest-first price series into newest-first daily
// returns: r[i] = (p[i] − p[i+1]) / p[i+1]. Zero denominators contribute a
// zero return rather than shifting the series.
func Returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(closes)-1)
	for i := 0; i < len(closes)-1; i++ {
		if closes[i+1] != 0 {
			returns[i] = (closes[i] - closes[i+1]) / closes[i+1]
		}
	}

	return returns
}

// MACDResult holds the MACD line, signal line and histogram values.
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// MACD returns the 12/26/9 moving average convergence divergence of the
// series. Requires at least slow+signal closes.
func MACD(closes []float64, fast, slow, signal int) *MACDResult {
	if fast < 1 || slow <= fast || signal < 1 {
		return nil
	}
	if len(closes) < slow+signal {
		return nil
	}

	chrono := chronological(closes)
	macd, sig, hist := talib.Macd(chrono, fast, slow, signal)
	if len(macd) == 0 {
		return nil
	}

	last := len(macd) - 1
	if math.IsNaN(macd[last]) || math.IsNaN(sig[last]) || math.IsNaN(hist[last]) {
		return nil
	}

	return &MACDResult{MACD: macd[last], Signal: sig[last], Histogram: hist[last]}
}

// BollingerResult holds the upper, middle and lower band values.
type BollingerResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// Bollinger returns Bollinger bands over the newest window closes with the
// given standard deviation multiplier.
func Bollinger(closes []float64, window int, stdDevs float64) *BollingerResult {
	if window < 2 || len(closes) < window {
		return nil
	}

	chrono := chronological(closes[:window])
	upper, middle, lower := talib.BBands(chrono, window, stdDevs, stdDevs, talib.SMA)
	if len(upper) == 0 {
		return nil
	}

	last := len(upper) - 1
	if math.IsNaN(upper[last]) || math.IsNaN(middle[last]) || math.IsNaN(lower[last]) {
		return nil
	}

	return &BollingerResult{Upper: upper[last], Middle: middle[last], Lower: lower[last]}
}

// pairedReturns computes aligned newest-first return windows for an asset and
// a benchmark. Returns nil, nil when either side lacks window+1 closes.
func pairedReturns(closes, benchmark []float64, window int) ([]float64, []float64) {
	if window < 1 || len(closes) < window+1 || len(benchmark) < window+1 {
		return nil, nil
	}

	assetReturns := Returns(closes[:window+1])
	benchReturns := Returns(benchmark[:window+1])
	if len(assetReturns) < window || len(benchReturns) < window {
		return nil, nil
	}

	return assetReturns[:window], benchReturns[:window]
}

// chronological reverses a newest-first slice into oldest-first order
// without mutating the input.
func chronological(closes []float64) []float64 {
	out := make([]float64, len(closes))
	for i, c := range closes {
		out[len(closes)-1-i] = c
	}
	return out
}
