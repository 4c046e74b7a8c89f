// Package rebalance decides whether a symphony executes on a given day.
// Time-based cadences are pure calendar rules in the exchange timezone;
// threshold mode compares the drift between current position weights and
// the day's evaluated targets against the corridor.
package rebalance

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/calendar"
	"github.com/origamihq/conductor/internal/config"
	"github.com/origamihq/conductor/internal/domain"
)

// Decision is the arbiter's ruling for one symphony on one day.
type Decision struct {
	Execute bool
	Reason  string
	// Drift is the max absolute weight deviation found, only set for
	// threshold rulings.
	Drift float64
}

// Arbiter applies the rebalance policy of each symphony.
type Arbiter struct {
	cal             *calendar.Calendar
	corridorDefault float64
	minAgeDays      int
	log             zerolog.Logger
}

// NewArbiter builds an arbiter with the configured threshold defaults.
func NewArbiter(cal *calendar.Calendar, alloc config.AllocationConfig, log zerolog.Logger) *Arbiter {
	return &Arbiter{
		cal:             cal,
		corridorDefault: alloc.CorridorDefault,
		minAgeDays:      alloc.MinRebalanceAgeDays,
		log:             log.With().Str("component", "arbiter").Logger(),
	}
}

// Preflight answers before evaluation runs. Time-based cadences decide
// on the calendar alone; threshold symphonies always pass because drift
// cannot be judged until the day's targets exist.
func (a *Arbiter) Preflight(sym *domain.Symphony, now time.Time) Decision {
	if sym.Rebalance.Frequency == domain.RebalanceThreshold {
		return Decision{Execute: true, Reason: "threshold requires evaluation"}
	}
	return a.timeRule(sym.Rebalance.Frequency, now)
}

// Decide is the full ruling once targets are known. Positions are
// valued at the given marks; a ticker without a mark falls back to its
// average cost so a missing quote cannot erase a held position from
// the drift calculation.
func (a *Arbiter) Decide(sym *domain.Symphony, positions []domain.Position, marks map[string]decimal.Decimal, targets domain.Allocation, now time.Time) Decision {
	if sym.Rebalance.Frequency != domain.RebalanceThreshold {
		return a.timeRule(sym.Rebalance.Frequency, now)
	}

	current := CurrentWeights(positions, marks)
	if len(current) == 0 {
		return Decision{Execute: true, Reason: "no positions, initial allocation"}
	}

	if a.minAgeDays > 0 && sym.LastExecutedAt != nil {
		age := daysBetween(*sym.LastExecutedAt, now, a.cal.Location())
		if age < a.minAgeDays {
			return Decision{Execute: false, Reason: fmt.Sprintf("rebalanced %d days ago, minimum age %d days", age, a.minAgeDays)}
		}
	}

	corridor := sym.Rebalance.Corridor
	if corridor <= 0 {
		corridor = a.corridorDefault
	}

	ticker, drift := MaxDrift(current, targets)
	d := Decision{Drift: drift.InexactFloat64()}
	if drift.GreaterThan(decimal.NewFromFloat(corridor)) {
		d.Execute = true
		d.Reason = "drift exceeds corridor"
	} else {
		d.Reason = "within corridor"
	}

	a.log.Debug().
		Str("symphony_id", sym.ID).
		Str("ticker", ticker).
		Float64("drift", d.Drift).
		Float64("corridor", corridor).
		Bool("execute", d.Execute).
		Msg("threshold ruling")
	return d
}

// timeRule applies the calendar cadences in the exchange timezone.
func (a *Arbiter) timeRule(freq domain.RebalanceFrequency, now time.Time) Decision {
	lt := now.In(a.cal.Location())
	switch freq {
	case domain.RebalanceDaily:
		return Decision{Execute: true, Reason: "daily"}
	case domain.RebalanceWeekly:
		if lt.Weekday() == time.Monday {
			return Decision{Execute: true, Reason: "weekly (Monday)"}
		}
		return Decision{Execute: false, Reason: "weekly waits for Monday"}
	case domain.RebalanceMonthly:
		if lt.Day() == 1 {
			return Decision{Execute: true, Reason: "monthly (day 1)"}
		}
		return Decision{Execute: false, Reason: "monthly waits for day 1"}
	case domain.RebalanceQuarterly:
		if lt.Day() == 1 && isQuarterStart(lt.Month()) {
			return Decision{Execute: true, Reason: "quarterly (quarter start)"}
		}
		return Decision{Execute: false, Reason: "quarterly waits for quarter start"}
	case domain.RebalanceYearly:
		if lt.Month() == time.January && lt.Day() == 1 {
			return Decision{Execute: true, Reason: "yearly (January 1)"}
		}
		return Decision{Execute: false, Reason: "yearly waits for January 1"}
	}
	return Decision{Execute: false, Reason: fmt.Sprintf("unknown rebalance frequency %q", freq)}
}

func isQuarterStart(m time.Month) bool {
	switch m {
	case time.January, time.April, time.July, time.October:
		return true
	}
	return false
}

// CurrentWeights values each non-zero position at its mark and returns
// market-value fractions. The average cost stands in when no mark is
// available. An empty book returns an empty map.
func CurrentWeights(positions []domain.Position, marks map[string]decimal.Decimal) map[string]decimal.Decimal {
	values := make(map[string]decimal.Decimal, len(positions))
	total := decimal.Zero
	for _, pos := range positions {
		if pos.Quantity.IsZero() {
			continue
		}
		price, ok := marks[pos.Ticker]
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			price = pos.AvgPrice
		}
		value := pos.Quantity.Mul(price)
		values[pos.Ticker] = values[pos.Ticker].Add(value)
		total = total.Add(value)
	}
	if total.LessThanOrEqual(decimal.Zero) {
		return map[string]decimal.Decimal{}
	}

	weights := make(map[string]decimal.Decimal, len(values))
	for ticker, value := range values {
		weights[ticker] = value.Div(total)
	}
	return weights
}

// MaxDrift returns the worst absolute deviation between current and
// target weights over the union of both sides. The cash entry never
// participates: cash is not a position. Missing side counts as zero.
func MaxDrift(current map[string]decimal.Decimal, targets domain.Allocation) (string, decimal.Decimal) {
	seen := make(map[string]bool, len(current)+len(targets))
	worstTicker := ""
	worst := decimal.Zero

	check := func(ticker string) {
		if ticker == domain.CashTicker || seen[ticker] {
			return
		}
		seen[ticker] = true
		cur := current[ticker]
		tgt := decimal.NewFromFloat(targets[ticker])
		drift := cur.Sub(tgt).Abs()
		if drift.GreaterThan(worst) || (drift.Equal(worst) && (worstTicker == "" || ticker < worstTicker)) {
			worstTicker = ticker
			worst = drift
		}
	}

	for ticker := range current {
		check(ticker)
	}
	for ticker := range targets {
		check(ticker)
	}
	return worstTicker, worst
}

// daysBetween counts civil days from a to b in the given zone.
func daysBetween(a, b time.Time, loc *time.Location) int {
	al := a.In(loc)
	bl := b.In(loc)
	ad := time.Date(al.Year(), al.Month(), al.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(bl.Year(), bl.Month(), bl.Day(), 0, 0, 0, 0, time.UTC)
	return int(bd.Sub(ad).Hours() / 24)
}
