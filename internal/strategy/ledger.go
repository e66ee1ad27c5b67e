package strategy

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"spot-rebalance/internal/core"
	"spot-rebalance/internal/store"
)

// Ledger owns the position and cost basis for one symbol. All mutation goes
// through a read-modify-write against the permanent store; the task lease
// upstream guarantees only one writer at a time, so there is no CAS retry.
type Ledger struct {
	store  *store.Store
	symbol string
}

func NewLedger(s *store.Store, symbol string) *Ledger {
	return &Ledger{store: s, symbol: symbol}
}

func (l *Ledger) Position() (core.Position, error) {
	var pos core.Position
	ok, err := l.store.Get(store.KeyPosition(l.symbol), &pos)
	if err != nil {
		return core.Position{}, err
	}
	if !ok {
		pos = core.Position{
			Symbol:      l.symbol,
			Qty:         decimal.Zero,
			AvgCost:     decimal.Zero,
			Invested:    decimal.Zero,
			RealizedPnL: decimal.Zero,
		}
	}
	return pos, nil
}

// ApplyBuy folds a confirmed buy into the weighted-average cost:
// newCost = (oldInvested + spent) / newQty. Zero-quantity fills are no-ops.
func (l *Ledger) ApplyBuy(price, qty decimal.Decimal) (core.Position, error) {
	if qty.Cmp(decimal.Zero) < 0 {
		return core.Position{}, errors.New("buy quantity must not be negative")
	}
	pos, err := l.Position()
	if err != nil {
		return core.Position{}, err
	}
	if qty.Cmp(decimal.Zero) == 0 {
		return pos, nil
	}
	spent := price.Mul(qty)
	newQty := pos.Qty.Add(qty)
	pos.Invested = pos.Invested.Add(spent)
	pos.AvgCost = pos.Invested.Div(newQty)
	pos.Qty = newQty
	pos.UnrealizedPnL = price.Sub(pos.AvgCost).Mul(pos.Qty)
	pos.UpdatedAt = time.Now().UTC()
	return pos, l.persist(pos)
}

// ApplySell realizes PnL for the sold slice at the held average cost. The
// average cost of the remainder does not move; quantity never goes negative.
func (l *Ledger) ApplySell(price, qty decimal.Decimal) (core.Position, error) {
	if qty.Cmp(decimal.Zero) < 0 {
		return core.Position{}, errors.New("sell quantity must not be negative")
	}
	pos, err := l.Position()
	if err != nil {
		return core.Position{}, err
	}
	if qty.Cmp(decimal.Zero) == 0 {
		return pos, nil
	}
	if qty.Cmp(pos.Qty) > 0 {
		qty = pos.Qty
	}
	realized := price.Sub(pos.AvgCost).Mul(qty)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Qty = pos.Qty.Sub(qty)
	pos.Invested = pos.Invested.Sub(pos.AvgCost.Mul(qty))
	if pos.Qty.Cmp(decimal.Zero) == 0 {
		pos.AvgCost = decimal.Zero
		pos.Invested = decimal.Zero
		pos.UnrealizedPnL = decimal.Zero
	} else {
		pos.UnrealizedPnL = price.Sub(pos.AvgCost).Mul(pos.Qty)
	}
	pos.UpdatedAt = time.Now().UTC()
	return pos, l.persist(pos)
}

// MarkPrice refreshes unrealized PnL without touching quantity or cost.
func (l *Ledger) MarkPrice(price decimal.Decimal) (core.Position, error) {
	pos, err := l.Position()
	if err != nil {
		return core.Position{}, err
	}
	if pos.Qty.Cmp(decimal.Zero) == 0 {
		return pos, nil
	}
	pos.UnrealizedPnL = price.Sub(pos.AvgCost).Mul(pos.Qty)
	pos.UpdatedAt = time.Now().UTC()
	return pos, l.persist(pos)
}

func (l *Ledger) persist(pos core.Position) error {
	return errors.Wrap(l.store.SetPermanent(store.KeyPosition(l.symbol), pos), "persist position")
}
