package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fl(v float64) []float64 { return []float64{v} }

func TestSMA(t *testing.T) {
	// Newest first: mean of the first two closes
	closes := []float64{2, 4, 6}

	result := SMA(closes, 2)
	require.NotNil(t, result)
	assert.InDelta(t, 3.0, *result, 1e-9)

	result = SMA(closes, 3)
	require.NotNil(t, result)
	assert.InDelta(t, 4.0, *result, 1e-9)
}

func TestSMAInsufficientData(t *testing.T) {
	// Short series must signal no-value, not zero
	result := SMA([]float64{100, 101}, 5)
	assert.Nil(t, result)

	result = SMA(nil, 1)
	assert.Nil(t, result)
}

func TestEMA(t *testing.T) {
	// Seed at the oldest close of the window, fold newer closes in.
	// closes newest-first [3,2,1], w=3: seed=1, k=0.5 -> 1.5 -> 2.25
	result := EMA([]float64{3, 2, 1}, 3)
	require.NotNil(t, result)
	assert.InDelta(t, 2.25, *result, 1e-9)
}

func TestEMAWindowOne(t *testing.T) {
	result := EMA([]float64{42, 7, 9}, 1)
	require.NotNil(t, result)
	assert.InDelta(t, 42.0, *result, 1e-9)
}

func TestEMAIgnoresHistoryBeyondWindow(t *testing.T) {
	// Extra old closes must not change the value
	short := EMA([]float64{3, 2, 1}, 3)
	long := EMA([]float64{3, 2, 1, 99, 500, 1000}, 3)
	require.NotNil(t, short)
	require.NotNil(t, long)
	assert.Equal(t, *short, *long)
}

func TestRSIAllUp(t *testing.T) {
	// Monotonically rising prices: average loss is zero
	closes := []float64{110, 108, 106, 104, 102, 100}

	result := RSI(closes, 5)
	require.NotNil(t, result)
	assert.InDelta(t, 100.0, *result, 1e-9)
}

func TestRSIAllDown(t *testing.T) {
	closes := []float64{100, 102, 104, 106, 108, 110}

	result := RSI(closes, 5)
	require.NotNil(t, result)
	assert.InDelta(t, 0.0, *result, 1e-6)
}

func TestRSIFlatSeries(t *testing.T) {
	// No losses at all, including the all-flat case, pins RSI at 100
	closes := []float64{100, 100, 100, 100}

	result := RSI(closes, 3)
	require.NotNil(t, result)
	assert.InDelta(t, 100.0, *result, 1e-9)
}

func TestRSIMixed(t *testing.T) {
	// w=2 over [101,102,100]: avg gain 1.0, avg loss 0.5, RS=2 -> 66.67
	closes := []float64{101, 102, 100}

	result := RSI(closes, 2)
	require.NotNil(t, result)
	assert.InDelta(t, 66.6667, *result, 0.001)
}

func TestRSIInsufficientData(t *testing.T) {
	// RSI needs window+1 closes
	result := RSI([]float64{100, 101, 102}, 3)
	assert.Nil(t, result)
}

func TestStdevPrice(t *testing.T) {
	// Population stdev of [2,4,6,8]: variance 5
	closes := []float64{2, 4, 6, 8}

	result := StdevPrice(closes, 4)
	require.NotNil(t, result)
	assert.InDelta(t, math.Sqrt(5), *result, 1e-9)
}

func TestStdevReturn(t *testing.T) {
	// returns: [0.1, 0.25], population stdev = 0.075
	closes := []float64{110, 100, 80}

	result := StdevReturn(closes, 2)
	require.NotNil(t, result)
	assert.InDelta(t, 0.075, *result, 1e-9)
}

func TestVolatilityAnnualises(t *testing.T) {
	closes := []float64{110, 100, 80}

	sd := StdevReturn(closes, 2)
	vol := Volatility(closes, 2)
	require.NotNil(t, sd)
	require.NotNil(t, vol)
	assert.InDelta(t, *sd*math.Sqrt(252), *vol, 1e-9)
}

func TestMaxDrawdown(t *testing.T) {
	// Chronological [80, 100, 90]: 10% fall from the 100 peak
	closes := []float64{90, 100, 80}

	result := MaxDrawdown(closes, 3)
	require.NotNil(t, result)
	assert.InDelta(t, 0.10, *result, 1e-9)
}

func TestMaxDrawdownMonotonicUp(t *testing.T) {
	closes := []float64{5, 4, 3, 2, 1}

	result := MaxDrawdown(closes, 5)
	require.NotNil(t, result)
	assert.Equal(t, 0.0, *result)
}

func TestCumulativeReturn(t *testing.T) {
	closes := []float64{120, 111, 100}

	result := CumulativeReturn(closes, 2)
	require.NotNil(t, result)
	assert.InDelta(t, 0.20, *result, 1e-9)
}

func TestCumulativeReturnZeroStart(t *testing.T) {
	closes := []float64{120, 111, 0}

	result := CumulativeReturn(closes, 2)
	assert.Nil(t, result)
}

func TestMovingAverageReturn(t *testing.T) {
	// returns [0.1, 0.25], mean 0.175
	closes := []float64{110, 100, 80}

	result := MovingAverageReturn(closes, 2)
	require.NotNil(t, result)
	assert.InDelta(t, 0.175, *result, 1e-9)
}

func TestSharpe(t *testing.T) {
	closes := []float64{108, 104, 102, 100}

	result := Sharpe(closes, 3, 0.02)
	require.NotNil(t, result)
	assert.Greater(t, *result, 0.0)
}

func TestSharpeZeroDispersion(t *testing.T) {
	// Constant returns have zero stdev: no value rather than +Inf
	closes := []float64{121, 110, 100}

	result := Sharpe(closes, 2, 0.0)
	assert.Nil(t, result)
}

func TestBetaAgainstSelf(t *testing.T) {
	closes := []float64{110, 100, 95, 105, 90}

	result := Beta(closes, closes, 4)
	require.NotNil(t, result)
	assert.InDelta(t, 1.0, *result, 1e-9)
}

func TestAlphaAgainstSelf(t *testing.T) {
	// CAPM alpha of a series against itself is zero for any rf
	closes := []float64{110, 100, 95, 105, 90}

	result := Alpha(closes, closes, 4, 0.0)
	require.NotNil(t, result)
	assert.InDelta(t, 0.0, *result, 1e-9)
}

func TestCorrelationAgainstSelf(t *testing.T) {
	closes := []float64{110, 100, 95, 105, 90}

	result := Correlation(closes, closes, 4)
	require.NotNil(t, result)
	assert.InDelta(t, 1.0, *result, 1e-9)
}

func TestBetaMismatchedHistory(t *testing.T) {
	closes := []float64{110, 100, 95, 105, 90}
	benchmark := []float64{50, 49}

	assert.Nil(t, Beta(closes, benchmark, 4))
	assert.Nil(t, Correlation(closes, benchmark, 4))
}

func TestReturns(t *testing.T) {
	closes := []float64{110, 100, 80}

	returns := Returns(closes)
	require.Len(t, returns, 2)
	assert.InDelta(t, 0.10, returns[0], 1e-9)
	assert.InDelta(t, 0.25, returns[1], 1e-9)
}

func TestReturnsZeroDenominator(t *testing.T) {
	returns := Returns([]float64{110, 0, 80})
	require.Len(t, returns, 2)
	assert.Equal(t, 0.0, returns[0])
}

func TestMACD(t *testing.T) {
	// Steadily rising series: MACD line above zero
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 140 - float64(i)
	}

	result := MACD(closes, 12, 26, 9)
	require.NotNil(t, result)
	assert.Greater(t, result.MACD, 0.0)
	assert.False(t, math.IsNaN(result.Histogram))
}

func TestMACDInsufficientData(t *testing.T) {
	assert.Nil(t, MACD([]float64{1, 2, 3}, 12, 26, 9))
}

func TestBollinger(t *testing.T) {
	closes := []float64{105, 103, 104, 101, 102, 100, 99, 101, 100, 98}

	result := Bollinger(closes, 10, 2.0)
	require.NotNil(t, result)
	assert.Greater(t, result.Upper, result.Middle)
	assert.Greater(t, result.Middle, result.Lower)
}

func TestNoPanicsOnDegenerateInput(t *testing.T) {
	// Every function must degrade to nil on empty or tiny input
	empty := []float64{}
	tiny := fl(100)

	for _, closes := range [][]float64{nil, empty, tiny} {
		assert.Nil(t, SMA(closes, 5))
		assert.Nil(t, EMA(closes, 5))
		assert.Nil(t, RSI(closes, 5))
		assert.Nil(t, StdevPrice(closes, 5))
		assert.Nil(t, StdevReturn(closes, 5))
		assert.Nil(t, Volatility(closes, 5))
		assert.Nil(t, MaxDrawdown(closes, 5))
		assert.Nil(t, CumulativeReturn(closes, 5))
		assert.Nil(t, MovingAverageReturn(closes, 5))
		assert.Nil(t, Sharpe(closes, 5, 0.02))
		assert.Nil(t, Beta(closes, closes, 5))
		assert.Nil(t, Alpha(closes, closes, 5, 0.02))
		assert.Nil(t, Correlation(closes, closes, 5))
		assert.Nil(t, MACD(closes, 12, 26, 9))
		assert.Nil(t, Bollinger(closes, 5, 2.0))
		assert.NotNil(t, Returns(closes))
	}

	assert.Nil(t, SMA([]float64{1, 2, 3}, 0))
	assert.Nil(t, SMA([]float64{1, 2, 3}, -1))
}
