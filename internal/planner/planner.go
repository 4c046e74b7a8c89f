// Package planner turns a target allocation into an ordered list of
// order intents. All arithmetic is decimal: this is the boundary where
// evaluator floats become money.
package planner

import (
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/config"
	"github.com/origamihq/conductor/internal/domain"
)

// fractionalPlaces bounds fractional order quantities. Brokers that
// support fractional shares accept more digits, but six keeps the
// residual dust below a tenth of a cent at any plausible price.
const fractionalPlaces = 6

// Intent is one planned order. Quantity is signed: positive buys,
// negative sells. Price is the reference mark the quantity was derived
// from, not a limit.
type Intent struct {
	Ticker   string
	Quantity decimal.Decimal
	Price    decimal.Decimal
	// Delta is the dollar value gap this intent closes, kept for
	// ordering and diagnostics.
	Delta decimal.Decimal
}

// Side maps the quantity sign onto the broker order side.
func (i Intent) Side() domain.OrderSide {
	if i.Quantity.IsNegative() {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}

// Value is the absolute dollar value of the intent at its reference price.
func (i Intent) Value() decimal.Decimal {
	return i.Quantity.Abs().Mul(i.Price)
}

// Plan is an ordered list of intents: sells first, then buys by
// decreasing absolute delta.
type Plan struct {
	Intents []Intent
	// Scaled is set when buys were proportionally reduced to fit
	// buying power.
	Scaled bool
}

// IsEmpty reports whether the plan carries no orders.
func (p *Plan) IsEmpty() bool { return len(p.Intents) == 0 }

// Sells returns the sell intents in plan order.
func (p *Plan) Sells() []Intent {
	var out []Intent
	for _, it := range p.Intents {
		if it.Quantity.IsNegative() {
			out = append(out, it)
		}
	}
	return out
}

// Buys returns the buy intents in plan order.
func (p *Plan) Buys() []Intent {
	var out []Intent
	for _, it := range p.Intents {
		if it.Quantity.IsPositive() {
			out = append(out, it)
		}
	}
	return out
}

// BuyValue is the total dollar value of all buys at reference prices.
func (p *Plan) BuyValue() decimal.Decimal {
	total := decimal.Zero
	for _, it := range p.Buys() {
		total = total.Add(it.Value())
	}
	return total
}

// SellValue is the total dollar value of all sells at reference prices.
func (p *Plan) SellValue() decimal.Decimal {
	total := decimal.Zero
	for _, it := range p.Sells() {
		total = total.Add(it.Value())
	}
	return total
}

// Planner derives order intents from targets, positions, and equity.
type Planner struct {
	minOrder   decimal.Decimal
	fractional bool
	log        zerolog.Logger
}

// New builds a planner from the configured order constraints.
func New(cfg config.PlannerConfig, log zerolog.Logger) *Planner {
	return &Planner{
		minOrder:   decimal.NewFromFloat(cfg.MinOrderDollars),
		fractional: cfg.FractionalShares,
		log:        log.With().Str("component", "planner").Logger(),
	}
}

// Plan computes the orders that move the book from positions to
// targets. equity prices the target weights; buyingPower caps the buy
// side. Held tickers absent from targets close in full. The returned
// plan never spends more than buyingPower.
func (p *Planner) Plan(equity decimal.Decimal, positions []domain.Position, marks map[string]decimal.Decimal, targets domain.Allocation, buyingPower decimal.Decimal) (*Plan, error) {
	book := aggregate(positions)

	tickers := planUniverse(book, targets)
	var intents []Intent
	for _, ticker := range tickers {
		pos := book[ticker]
		price, err := p.referencePrice(ticker, pos, marks)
		if err != nil {
			return nil, err
		}

		targetWeight, targeted := targets[ticker]
		currentValue := pos.quantity.Mul(price)

		// Held but no longer wanted: close the exact held quantity so
		// no truncation dust survives.
		if !targeted {
			if currentValue.Abs().LessThan(p.minOrder) {
				continue
			}
			intents = append(intents, Intent{
				Ticker:   ticker,
				Quantity: pos.quantity.Neg(),
				Price:    price,
				Delta:    currentValue.Neg(),
			})
			continue
		}

		targetValue := equity.Mul(decimal.NewFromFloat(targetWeight))
		delta := targetValue.Sub(currentValue)
		if delta.Abs().LessThan(p.minOrder) {
			continue
		}

		qty := p.quantize(delta.Div(price))
		if qty.IsZero() {
			continue
		}
		// Never sell more than the book holds.
		if qty.IsNegative() && qty.Abs().GreaterThan(pos.quantity) {
			qty = pos.quantity.Neg()
		}
		intents = append(intents, Intent{Ticker: ticker, Quantity: qty, Price: price, Delta: delta})
	}

	plan := &Plan{Intents: intents}
	p.capToBuyingPower(plan, buyingPower)
	orderIntents(plan.Intents)

	p.log.Debug().
		Int("orders", len(plan.Intents)).
		Str("buy_value", plan.BuyValue().StringFixed(2)).
		Str("sell_value", plan.SellValue().StringFixed(2)).
		Bool("scaled", plan.Scaled).
		Msg("plan ready")
	return plan, nil
}

type bookEntry struct {
	quantity decimal.Decimal
	avgPrice decimal.Decimal
}

func aggregate(positions []domain.Position) map[string]bookEntry {
	book := make(map[string]bookEntry, len(positions))
	for _, pos := range positions {
		if pos.Quantity.IsZero() {
			continue
		}
		entry := book[pos.Ticker]
		entry.quantity = entry.quantity.Add(pos.Quantity)
		entry.avgPrice = pos.AvgPrice
		book[pos.Ticker] = entry
	}
	return book
}

// planUniverse returns targets ∪ current, cash excluded, sorted for a
// deterministic walk.
func planUniverse(book map[string]bookEntry, targets domain.Allocation) []string {
	seen := make(map[string]bool, len(book)+len(targets))
	var tickers []string
	add := func(t string) {
		if t == domain.CashTicker || seen[t] {
			return
		}
		seen[t] = true
		tickers = append(tickers, t)
	}
	for t := range targets {
		add(t)
	}
	for t := range book {
		add(t)
	}
	sort.Strings(tickers)
	return tickers
}

func (p *Planner) referencePrice(ticker string, pos bookEntry, marks map[string]decimal.Decimal) (decimal.Decimal, error) {
	if price, ok := marks[ticker]; ok && price.IsPositive() {
		return price, nil
	}
	// A held ticker can still be closed at its average cost; a target
	// ticker without a mark cannot be sized at all.
	if pos.quantity.IsPositive() && pos.avgPrice.IsPositive() {
		return pos.avgPrice, nil
	}
	return decimal.Zero, domain.E(domain.KindDataUnavailable, "no reference price for %s", ticker)
}

func (p *Planner) quantize(qty decimal.Decimal) decimal.Decimal {
	if p.fractional {
		return qty.Truncate(fractionalPlaces)
	}
	return qty.Truncate(0)
}

// capToBuyingPower scales every buy down proportionally when the buy
// side exceeds buying power. One scaling pass is exact enough because
// re-truncation only shrinks quantities further.
func (p *Planner) capToBuyingPower(plan *Plan, buyingPower decimal.Decimal) {
	total := plan.BuyValue()
	if total.LessThanOrEqual(buyingPower) || total.IsZero() {
		return
	}

	if buyingPower.LessThanOrEqual(decimal.Zero) {
		kept := plan.Intents[:0]
		for _, it := range plan.Intents {
			if it.Quantity.IsNegative() {
				kept = append(kept, it)
			}
		}
		plan.Intents = kept
		plan.Scaled = true
		p.log.Warn().Msg("no buying power, buys dropped from plan")
		return
	}

	factor := buyingPower.Div(total)
	kept := plan.Intents[:0]
	for _, it := range plan.Intents {
		if it.Quantity.IsPositive() {
			it.Quantity = p.quantize(it.Quantity.Mul(factor))
			if it.Quantity.IsZero() {
				continue
			}
		}
		kept = append(kept, it)
	}
	plan.Intents = kept
	plan.Scaled = true
	p.log.Info().
		Str("buy_total", total.StringFixed(2)).
		Str("buying_power", buyingPower.StringFixed(2)).
		Str("factor", factor.StringFixed(6)).
		Msg("buys scaled to buying power")
}

// DownsizeBuys rescales buy intents to fit a reduced budget, typically
// after sell orders realized less cash than planned. The input slice is
// not modified. Buys that quantize to zero are dropped.
func (p *Planner) DownsizeBuys(buys []Intent, budget decimal.Decimal) []Intent {
	total := decimal.Zero
	for _, it := range buys {
		total = total.Add(it.Value())
	}
	if total.LessThanOrEqual(budget) || total.IsZero() {
		out := make([]Intent, len(buys))
		copy(out, buys)
		return out
	}
	if budget.LessThanOrEqual(decimal.Zero) {
		p.log.Warn().Msg("no budget left, buys dropped")
		return nil
	}

	factor := budget.Div(total)
	out := make([]Intent, 0, len(buys))
	for _, it := range buys {
		it.Quantity = p.quantize(it.Quantity.Mul(factor))
		if it.Quantity.IsZero() {
			continue
		}
		out = append(out, it)
	}
	p.log.Info().
		Str("buy_total", total.StringFixed(2)).
		Str("budget", budget.StringFixed(2)).
		Str("factor", factor.StringFixed(6)).
		Msg("buys downsized to realized proceeds")
	return out
}

// orderIntents sorts sells before buys, each side by decreasing
// absolute delta, ties by ticker.
func orderIntents(intents []Intent) {
	sort.SliceStable(intents, func(i, j int) bool {
		si, sj := intents[i].Quantity.IsNegative(), intents[j].Quantity.IsNegative()
		if si != sj {
			return si
		}
		di, dj := intents[i].Delta.Abs(), intents[j].Delta.Abs()
		if !di.Equal(dj) {
			return di.GreaterThan(dj)
		}
		return intents[i].Ticker < intents[j].Ticker
	})
}
