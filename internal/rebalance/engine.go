package rebalance

import (
	"time"

	"github.com/shopspring/decimal"

	"spot-rebalance/internal/core"
)

// Input is everything one rebalance decision needs. All values are read from
// the permanent store before computing; nothing here talks to the exchange.
type Input struct {
	Symbol       string
	Price        decimal.Decimal
	BaseQty      decimal.Decimal
	QuoteFree    decimal.Decimal
	TargetRatio  decimal.Decimal
	ThresholdPct decimal.Decimal
	MinNotional  decimal.Decimal
}

// ComputePlan decides whether holdings should move toward the target ratio.
// The plan is pure: same input, same plan. Sells are clamped to inventory,
// buys to free cash; a clamp down to zero degrades to HOLD.
func ComputePlan(in Input) core.RebalancePlan {
	plan := core.RebalancePlan{
		Action:      core.ActionHold,
		Symbol:      in.Symbol,
		RefPrice:    in.Price,
		TargetRatio: in.TargetRatio,
		CreatedAt:   time.Now().UTC(),
	}
	if in.Price.Cmp(decimal.Zero) <= 0 {
		plan.Reason = "no reference price"
		return plan
	}
	baseValue := in.BaseQty.Mul(in.Price)
	totalValue := baseValue.Add(in.QuoteFree)
	if totalValue.Cmp(decimal.Zero) <= 0 {
		plan.Reason = "no holdings to rebalance"
		return plan
	}
	targetValue := totalValue.Mul(in.TargetRatio)
	delta := baseValue.Sub(targetValue)
	absDelta := delta.Abs()

	if absDelta.Cmp(in.MinNotional) < 0 {
		plan.Reason = "drift below min notional"
		return plan
	}
	if absDelta.Div(totalValue).Cmp(in.ThresholdPct) < 0 {
		plan.Reason = "drift within threshold"
		return plan
	}

	if delta.Cmp(decimal.Zero) > 0 {
		qty := decimal.Min(delta.Div(in.Price), in.BaseQty)
		if qty.Cmp(decimal.Zero) <= 0 {
			plan.Reason = "no inventory to sell"
			return plan
		}
		plan.Action = core.ActionSell
		plan.Quantity = qty
		plan.Notional = qty.Mul(in.Price)
		plan.Reason = "base overweight"
		return plan
	}

	qty := decimal.Min(absDelta.Div(in.Price), in.QuoteFree.Div(in.Price))
	if qty.Cmp(decimal.Zero) <= 0 {
		plan.Reason = "no cash to buy"
		return plan
	}
	plan.Action = core.ActionBuy
	plan.Quantity = qty
	plan.Notional = qty.Mul(in.Price)
	plan.Reason = "base underweight"
	return plan
}
