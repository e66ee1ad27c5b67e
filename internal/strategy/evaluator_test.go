package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"spot-rebalance/internal/core"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func warmup(e *Evaluator, prices ...string) {
	for _, p := range prices {
		e.Observe(dec(p), decimal.Zero)
	}
}

func TestEvaluatorWarmsUpBeforeSignaling(t *testing.T) {
	e := NewEvaluator(2, 4, decimal.Zero)
	var sig Signal
	for _, p := range []string{"10", "10", "10"} {
		sig = e.Observe(dec(p), decimal.Zero)
	}
	if sig.Action != core.ActionHold || sig.Reason != "warming up" {
		t.Fatalf("signal = %+v, want hold while warming up", sig)
	}
}

func TestGoldenCrossEmitsBuy(t *testing.T) {
	e := NewEvaluator(2, 4, decimal.Zero)
	// Declining window leaves the short average under the long one.
	warmup(e, "12", "11", "10", "9")
	sig := e.Observe(dec("13"), decimal.Zero)
	if sig.Action != core.ActionBuy {
		t.Fatalf("signal = %+v, want BUY on golden cross", sig)
	}
	if sig.ShortSMA.Cmp(sig.LongSMA) <= 0 {
		t.Fatalf("short sma %s not above long %s", sig.ShortSMA, sig.LongSMA)
	}
}

func TestBuyFilteredAboveCostBasis(t *testing.T) {
	e := NewEvaluator(2, 4, decimal.Zero)
	warmup(e, "12", "11", "10", "9")
	// Same rally, but holdings were bought at 8; 13 is above cost.
	sig := e.Observe(dec("13"), dec("8"))
	if sig.Action != core.ActionHold {
		t.Fatalf("signal = %+v, want HOLD buying above cost basis", sig)
	}
}

func TestBuyAllowedAtExactCostBasis(t *testing.T) {
	e := NewEvaluator(2, 4, decimal.Zero)
	warmup(e, "12", "11", "10", "9")
	// The filter blocks buying above cost, not at it.
	sig := e.Observe(dec("13"), dec("13"))
	if sig.Action != core.ActionBuy {
		t.Fatalf("signal = %+v, want BUY at exact cost basis", sig)
	}
}

func TestDeathCrossEmitsSellAboveCostFloor(t *testing.T) {
	e := NewEvaluator(2, 4, decimal.Zero)
	warmup(e, "10", "11", "12", "13")
	sig := e.Observe(dec("9"), dec("5"))
	if sig.Action != core.ActionSell {
		t.Fatalf("signal = %+v, want SELL on death cross above cost", sig)
	}
}

func TestSellFilteredBelowCostFloor(t *testing.T) {
	e := NewEvaluator(2, 4, dec("0.02"))
	warmup(e, "10", "11", "12", "13")
	// Death cross at 7, but cost basis 8 plus margin puts the floor at 8.16.
	sig := e.Observe(dec("7"), dec("8"))
	if sig.Action != core.ActionHold {
		t.Fatalf("signal = %+v, want HOLD selling below cost floor", sig)
	}
}

func TestNoRepeatSignalWithoutRecross(t *testing.T) {
	e := NewEvaluator(2, 4, decimal.Zero)
	warmup(e, "12", "11", "10", "9")
	first := e.Observe(dec("13"), decimal.Zero)
	if first.Action != core.ActionBuy {
		t.Fatalf("first = %+v, want BUY", first)
	}
	again := e.Observe(dec("16"), decimal.Zero)
	if again.Action != core.ActionHold {
		t.Fatalf("signal = %+v, want HOLD while still crossed up", again)
	}
}

func TestFirstFullWindowNeverSignals(t *testing.T) {
	e := NewEvaluator(2, 4, decimal.Zero)
	var sig Signal
	for _, p := range []string{"10", "11", "12", "13"} {
		sig = e.Observe(dec(p), decimal.Zero)
	}
	if sig.Action != core.ActionHold {
		t.Fatalf("signal = %+v, first evaluated window must only set direction", sig)
	}
}

func TestNonPositivePriceIgnored(t *testing.T) {
	e := NewEvaluator(2, 4, decimal.Zero)
	sig := e.Observe(decimal.Zero, decimal.Zero)
	if sig.Action != core.ActionHold {
		t.Fatalf("signal = %+v, want HOLD for zero price", sig)
	}
}
