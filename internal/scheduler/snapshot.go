package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/marketdata"
	"github.com/origamihq/conductor/internal/symphony"
)

// fetchSnapshots freezes the market view a symphony evaluates against:
// a quote and the daily close series for every manifest ticker, plus
// market caps where a weighting step needs them. A ticker with neither
// a quote nor history fails the whole fetch with DataUnavailable so the
// failure policy can rule on it; a ticker with a price but thin history
// passes through and narrows inside the evaluator instead.
func (w *WindowRunner) fetchSnapshots(ctx context.Context, man *symphony.Manifest, asOf time.Time) (map[string]*domain.AssetSnapshot, error) {
	snapshots := make(map[string]*domain.AssetSnapshot, len(man.Tickers))
	if len(man.Tickers) == 0 {
		return snapshots, nil
	}

	quotes, _, err := w.data.BatchQuotes(ctx, man.Tickers)
	if err != nil {
		return nil, domain.Wrap(domain.KindDataUnavailable, err)
	}

	var missing []string
	for _, ticker := range man.Tickers {
		bars, err := w.data.Historical(ctx, ticker, time.Time{}, time.Time{}, marketdata.IntervalDaily)
		if err != nil {
			if ctx.Err() != nil {
				return nil, domain.Wrap(domain.KindTimeout, ctx.Err())
			}
			w.log.Warn().Err(err).Str("ticker", ticker).Msg("History fetch failed")
			bars = nil
		}

		// The evaluator wants closes newest first; providers return
		// them oldest first.
		closes := make([]float64, 0, len(bars))
		for i := len(bars) - 1; i >= 0; i-- {
			closes = append(closes, bars[i].Close)
		}

		snap := &domain.AssetSnapshot{Ticker: ticker, AsOf: asOf, Closes: closes}
		if q := quotes[ticker]; q != nil && q.Price > 0 {
			snap.Price = q.Price
			snap.Volume = q.Volume
		} else if len(closes) > 0 {
			snap.Price = closes[0]
		}
		if snap.Price <= 0 {
			missing = append(missing, ticker)
			continue
		}
		snapshots[ticker] = snap
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, domain.E(domain.KindDataUnavailable, "no data for %s", strings.Join(missing, ", "))
	}

	for _, ticker := range man.MarketCapTickers {
		snap := snapshots[ticker]
		if snap == nil {
			continue
		}
		f, err := w.data.Fundamentals(ctx, ticker)
		if err != nil {
			// Cap weighting excludes the ticker on its own; no reason
			// to fail the window over it.
			w.log.Warn().Err(err).Str("ticker", ticker).Msg("Fundamentals unavailable")
			continue
		}
		snap.MarketCap = f.MarketCap
	}
	return snapshots, nil
}
