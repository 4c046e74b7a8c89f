package portfolio

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/domain"
)

// reconcileTolerance is the quantity difference below which broker and
// local books are considered equal. Brokers report fractional fills to
// nine decimal places; anything under a ten-thousandth of a share is
// rounding noise.
var reconcileTolerance = decimal.NewFromFloat(0.0001)

// Divergence is one ticker whose broker quantity disagreed with the
// engine's book at reconciliation time.
type Divergence struct {
	Ticker    string          `json:"ticker"`
	LocalQty  decimal.Decimal `json:"local_qty"`
	BrokerQty decimal.Decimal `json:"broker_qty"`
	Repaired  bool            `json:"repaired"`
}

// ErrorRecorder receives divergence notes for a symphony. The symphony
// repository satisfies it.
type ErrorRecorder interface {
	RecordError(symphonyID, detail string) error
}

// Reconciler squares the engine's book against the broker account after
// the execution window. The broker is authoritative for quantities; the
// book is authoritative for which symphony owns what, so repairs only
// reassign quantities where the owner is unambiguous.
type Reconciler struct {
	positions *PositionRepository
	errors    ErrorRecorder
	log       zerolog.Logger
}

// NewReconciler creates a reconciler over the given book.
func NewReconciler(positions *PositionRepository, errors ErrorRecorder, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		positions: positions,
		errors:    errors,
		log:       log.With().Str("component", "reconciler").Logger(),
	}
}

// holder is one symphony's stake in a ticker during a reconcile pass.
type holder struct {
	symphonyID string
	quantity   decimal.Decimal
	avgPrice   decimal.Decimal
}

// ReconcileUser compares the broker account against the combined book of
// the user's symphonies and repairs the book where the broker disagrees.
// symphonies must be the user's full set (any status): a symphony left
// out makes its holdings look like account-level surplus. Returns every
// divergence found, repaired or not.
func (r *Reconciler) ReconcileUser(ctx context.Context, broker domain.BrokerClient, symphonies []*domain.Symphony) ([]Divergence, error) {
	brokerPositions, err := broker.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list broker positions: %w", err)
	}

	brokerQty := make(map[string]domain.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		brokerQty[normalizeTicker(bp.Symbol)] = bp
	}

	holders := make(map[string][]holder)
	for _, sym := range symphonies {
		book, err := r.positions.ListBySymphony(sym.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load book for %s: %w", sym.ID, err)
		}
		for _, p := range book {
			holders[p.Ticker] = append(holders[p.Ticker], holder{
				symphonyID: p.SymphonyID,
				quantity:   p.Quantity,
				avgPrice:   p.AvgPrice,
			})
		}
	}

	tickers := make(map[string]bool, len(brokerQty)+len(holders))
	for t := range brokerQty {
		tickers[t] = true
	}
	for t := range holders {
		tickers[t] = true
	}
	ordered := make([]string, 0, len(tickers))
	for t := range tickers {
		ordered = append(ordered, t)
	}
	sort.Strings(ordered)

	var divergences []Divergence
	for _, ticker := range ordered {
		local := decimal.Zero
		for _, h := range holders[ticker] {
			local = local.Add(h.quantity)
		}
		bp, atBroker := brokerQty[ticker]

		diff := bp.Quantity.Sub(local)
		if diff.Abs().LessThanOrEqual(reconcileTolerance) {
			continue
		}

		div := Divergence{Ticker: ticker, LocalQty: local, BrokerQty: bp.Quantity}
		div.Repaired = r.repair(ticker, bp, atBroker, holders[ticker], symphonies)
		divergences = append(divergences, div)

		r.log.Warn().
			Str("ticker", ticker).
			Str("local", local.String()).
			Str("broker", bp.Quantity.String()).
			Bool("repaired", div.Repaired).
			Msg("Book diverges from broker")
		r.recordDivergence(ticker, div, holders[ticker])
	}

	if len(divergences) == 0 {
		r.log.Debug().Int("symphonies", len(symphonies)).Msg("Book matches broker")
	}
	return divergences, nil
}

// repair moves the book toward the broker's quantity. Returns false when
// the owning symphony cannot be determined.
func (r *Reconciler) repair(ticker string, bp domain.BrokerPosition, atBroker bool, hs []holder, symphonies []*domain.Symphony) bool {
	local := decimal.Zero
	for _, h := range hs {
		local = local.Add(h.quantity)
	}

	switch {
	case !atBroker || bp.Quantity.Sign() <= 0:
		// Sold outside the engine. Flatten every holder.
		for _, h := range hs {
			if err := r.positions.Delete(h.symphonyID, ticker); err != nil {
				r.log.Error().Err(err).Str("ticker", ticker).Msg("Failed to flatten diverged position")
				return false
			}
		}
		return true

	case local.Sign() == 0:
		// Bought outside the engine. Only attributable when the user has
		// a single symphony.
		if len(symphonies) != 1 {
			return false
		}
		pos := &domain.Position{
			SymphonyID: symphonies[0].ID,
			Ticker:     ticker,
			Quantity:   bp.Quantity,
			AvgPrice:   bp.AvgPrice,
		}
		if err := r.positions.Upsert(pos); err != nil {
			r.log.Error().Err(err).Str("ticker", ticker).Msg("Failed to adopt broker position")
			return false
		}
		return true

	default:
		return r.adjustHolders(ticker, bp.Quantity, hs)
	}
}

// adjustHolders distributes a quantity mismatch across the holders.
// Shrinkage drains the largest holders first; surplus lands on the
// largest holder. Either way the book's total matches the broker after.
func (r *Reconciler) adjustHolders(ticker string, target decimal.Decimal, hs []holder) bool {
	sort.Slice(hs, func(i, j int) bool {
		if !hs[i].quantity.Equal(hs[j].quantity) {
			return hs[i].quantity.GreaterThan(hs[j].quantity)
		}
		return hs[i].symphonyID < hs[j].symphonyID
	})

	local := decimal.Zero
	for _, h := range hs {
		local = local.Add(h.quantity)
	}
	diff := target.Sub(local)

	if diff.Sign() > 0 {
		hs[0].quantity = hs[0].quantity.Add(diff)
	} else {
		deficit := diff.Neg()
		for i := range hs {
			if deficit.Sign() <= 0 {
				break
			}
			take := decimal.Min(hs[i].quantity, deficit)
			hs[i].quantity = hs[i].quantity.Sub(take)
			deficit = deficit.Sub(take)
		}
	}

	for _, h := range hs {
		pos := &domain.Position{
			SymphonyID: h.symphonyID,
			Ticker:     ticker,
			Quantity:   h.quantity,
			AvgPrice:   h.avgPrice,
		}
		if err := r.positions.Upsert(pos); err != nil {
			r.log.Error().Err(err).Str("ticker", ticker).Str("symphony_id", h.symphonyID).
				Msg("Failed to adjust diverged position")
			return false
		}
	}
	return true
}

// recordDivergence writes the finding to each holding symphony's
// last-error so it surfaces in the API and the next window's logs.
func (r *Reconciler) recordDivergence(ticker string, div Divergence, hs []holder) {
	if r.errors == nil {
		return
	}
	detail := fmt.Sprintf("%s: %s local %s broker %s",
		domain.KindReconcileDivergence, ticker, div.LocalQty, div.BrokerQty)
	for _, h := range hs {
		if err := r.errors.RecordError(h.symphonyID, detail); err != nil {
			r.log.Error().Err(err).Str("symphony_id", h.symphonyID).Msg("Failed to record divergence")
		}
	}
}
