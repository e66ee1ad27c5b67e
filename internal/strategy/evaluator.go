package strategy

import (
	"sync"

	"github.com/shopspring/decimal"

	"spot-rebalance/internal/core"
)

// Signal is the evaluator's verdict for the latest price.
type Signal struct {
	Action   core.PlanAction
	Price    decimal.Decimal
	ShortSMA decimal.Decimal
	LongSMA  decimal.Decimal
	Reason   string
}

// Evaluator keeps a rolling price window and emits Buy/Sell/Hold on moving
// average crossovers, filtered against the cost basis so it never buys above
// cost or sells below cost plus the minimum margin.
type Evaluator struct {
	shortWindow  int
	longWindow   int
	minMarginPct decimal.Decimal

	mu       sync.Mutex
	prices   []decimal.Decimal
	prevDiff int
	prevSet  bool
}

func NewEvaluator(shortWindow, longWindow int, minMarginPct decimal.Decimal) *Evaluator {
	if shortWindow < 2 {
		shortWindow = 2
	}
	if longWindow <= shortWindow {
		longWindow = shortWindow + 1
	}
	return &Evaluator{
		shortWindow:  shortWindow,
		longWindow:   longWindow,
		minMarginPct: minMarginPct,
		prices:       make([]decimal.Decimal, 0, longWindow),
	}
}

// Observe folds one price into the window and evaluates. avgCost is the
// current weighted-average cost; pass zero when the position is empty, which
// disables the cost filter on the buy side only.
func (e *Evaluator) Observe(price, avgCost decimal.Decimal) Signal {
	signal := Signal{Action: core.ActionHold, Price: price}
	if price.Cmp(decimal.Zero) <= 0 {
		signal.Reason = "non-positive price"
		return signal
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.prices) == e.longWindow {
		copy(e.prices, e.prices[1:])
		e.prices[len(e.prices)-1] = price
	} else {
		e.prices = append(e.prices, price)
	}
	if len(e.prices) < e.longWindow {
		signal.Reason = "warming up"
		return signal
	}

	signal.ShortSMA = sma(e.prices[len(e.prices)-e.shortWindow:])
	signal.LongSMA = sma(e.prices)
	diff := signal.ShortSMA.Cmp(signal.LongSMA)
	prev := e.prevDiff
	hadPrev := e.prevSet
	e.prevDiff = diff
	e.prevSet = true
	if !hadPrev {
		// First full window only establishes which side we are on.
		signal.Reason = "no crossover"
		return signal
	}

	switch {
	case prev <= 0 && diff > 0:
		// Golden cross.
		if avgCost.Cmp(decimal.Zero) > 0 && price.Cmp(avgCost) > 0 {
			signal.Reason = "cross up above cost basis"
			return signal
		}
		signal.Action = core.ActionBuy
		signal.Reason = "short sma crossed above long"
	case prev >= 0 && diff < 0:
		if avgCost.Cmp(decimal.Zero) > 0 {
			floor := avgCost.Mul(decimal.NewFromInt(1).Add(e.minMarginPct))
			if price.Cmp(floor) < 0 {
				signal.Reason = "cross down below cost floor"
				return signal
			}
		}
		signal.Action = core.ActionSell
		signal.Reason = "short sma crossed below long"
	default:
		signal.Reason = "no crossover"
	}
	return signal
}

func sma(window []decimal.Decimal) decimal.Decimal {
	if len(window) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, p := range window {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.NewFromInt(int64(len(window))))
}
