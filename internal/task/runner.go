package task

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"spot-rebalance/internal/alert"
	"spot-rebalance/internal/core"
	"spot-rebalance/internal/rebalance"
	"spot-rebalance/internal/safety"
	"spot-rebalance/internal/store"
	"spot-rebalance/internal/strategy"
)

const (
	TaskRebalance = "rebalance"
	TaskStrategy  = "strategy"
)

const (
	StatusExecuted = "executed"
	StatusHold     = "hold"
	StatusSkipped  = "skipped"
	StatusError    = "error"
)

// ErrUnknownTask is returned for task names outside the fixed set.
var ErrUnknownTask = errors.New("unknown task")

// Result is what a trigger caller gets back. Errors are reported inside it
// so callers never see a stack trace.
type Result struct {
	Status   string          `json:"status"`
	Action   core.PlanAction `json:"action,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
	Reason   string          `json:"reason,omitempty"`
}

// Exchange is the gateway slice the runner executes against.
type Exchange interface {
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Balances(ctx context.Context) (core.Balance, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side core.Side, qty decimal.Decimal) (core.Order, error)
}

type RebalanceParams struct {
	TargetRatio  decimal.Decimal
	ThresholdPct decimal.Decimal
	MinNotional  decimal.Decimal
}

type StrategyParams struct {
	OrderQty decimal.Decimal
}

// Runner executes the scheduled tasks. Each run takes the task lease first;
// a run that cannot acquire it returns a skip with no side effects. Only the
// lease holder mutates position and cost state.
type Runner struct {
	store     *store.Store
	exchange  Exchange
	ledger    *strategy.Ledger
	evaluator *strategy.Evaluator
	symbol    string
	leaseTTL  time.Duration
	cacheTTL  time.Duration
	rebalance RebalanceParams
	strat     StrategyParams
	breaker   *safety.Breaker
	alerts    alert.Alerter
	log       *logrus.Entry
}

type RunnerOptions struct {
	Store     *store.Store
	Exchange  Exchange
	Ledger    *strategy.Ledger
	Evaluator *strategy.Evaluator
	Symbol    string
	LeaseTTL  time.Duration
	CacheTTL  time.Duration
	Rebalance RebalanceParams
	Strategy  StrategyParams
	Breaker   *safety.Breaker
	Alerts    alert.Alerter
}

func NewRunner(opts RunnerOptions) *Runner {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Minute
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Second
	}
	return &Runner{
		store:     opts.Store,
		exchange:  opts.Exchange,
		ledger:    opts.Ledger,
		evaluator: opts.Evaluator,
		symbol:    opts.Symbol,
		leaseTTL:  opts.LeaseTTL,
		cacheTTL:  opts.CacheTTL,
		rebalance: opts.Rebalance,
		strat:     opts.Strategy,
		breaker:   opts.Breaker,
		alerts:    opts.Alerts,
		log:       logrus.WithField("component", "task"),
	}
}

// Run dispatches by task name.
func (r *Runner) Run(ctx context.Context, name string) (Result, error) {
	switch name {
	case TaskRebalance:
		return r.runLeased(ctx, TaskRebalance, r.runRebalance)
	case TaskStrategy:
		return r.runLeased(ctx, TaskStrategy, r.runStrategy)
	default:
		return Result{}, errors.Wrapf(ErrUnknownTask, "%q", name)
	}
}

func (r *Runner) runLeased(ctx context.Context, name string, fn func(context.Context) (Result, error)) (Result, error) {
	holder := uuid.NewString()
	ok, err := r.store.AcquireLease(name, holder, r.leaseTTL)
	if err != nil {
		return Result{Status: StatusError, Reason: "lease error"}, err
	}
	if !ok {
		// Contention is a normal skip, not an error.
		return Result{Status: StatusSkipped, Action: core.ActionHold, Reason: "task already running"}, nil
	}
	defer func() {
		if err := r.store.ReleaseLease(name, holder); err != nil {
			r.log.WithError(err).WithField("task", name).Warn("lease release failed")
		}
	}()
	result, err := fn(ctx)
	if err != nil {
		r.log.WithError(err).WithField("task", name).Error("task failed")
	}
	return result, err
}

func (r *Runner) runRebalance(ctx context.Context) (Result, error) {
	price, err := r.currentPrice(ctx)
	if err != nil {
		return Result{Status: StatusError, Reason: "no reference price"}, err
	}
	balance, err := r.currentBalance(ctx)
	if err != nil {
		return Result{Status: StatusError, Reason: "no balance"}, err
	}

	plan := rebalance.ComputePlan(rebalance.Input{
		Symbol:       r.symbol,
		Price:        price,
		BaseQty:      balance.BaseFree,
		QuoteFree:    balance.QuoteFree,
		TargetRatio:  r.rebalance.TargetRatio,
		ThresholdPct: r.rebalance.ThresholdPct,
		MinNotional:  r.rebalance.MinNotional,
	})
	if err := r.store.SetPermanent(store.KeyPlan(TaskRebalance), plan); err != nil {
		r.log.WithError(err).Warn("plan persist failed")
	}
	if plan.Action == core.ActionHold {
		return Result{Status: StatusHold, Action: core.ActionHold, Reason: plan.Reason}, nil
	}
	return r.execute(ctx, core.Side(plan.Action), plan.Quantity, plan.Reason)
}

func (r *Runner) runStrategy(ctx context.Context) (Result, error) {
	price, err := r.currentPrice(ctx)
	if err != nil {
		return Result{Status: StatusError, Reason: "no reference price"}, err
	}
	pos, err := r.ledger.Position()
	if err != nil {
		return Result{Status: StatusError, Reason: "no position"}, err
	}
	signal := r.evaluator.Observe(price, pos.AvgCost)
	if signal.Action == core.ActionHold {
		return Result{Status: StatusHold, Action: core.ActionHold, Reason: signal.Reason}, nil
	}

	qty := r.strat.OrderQty
	if signal.Action == core.ActionSell {
		qty = decimal.Min(qty, pos.Qty)
	} else {
		balance, err := r.currentBalance(ctx)
		if err != nil {
			return Result{Status: StatusError, Reason: "no balance"}, err
		}
		qty = decimal.Min(qty, balance.QuoteFree.Div(price))
	}
	if qty.Cmp(decimal.Zero) <= 0 {
		return Result{Status: StatusHold, Action: core.ActionHold, Reason: "nothing to trade"}, nil
	}
	return r.execute(ctx, core.Side(signal.Action), qty, signal.Reason)
}

func (r *Runner) execute(ctx context.Context, side core.Side, qty decimal.Decimal, reason string) (Result, error) {
	if err := r.breaker.Allow(); err != nil {
		// A protective skip, not a failure: the plan stands, the order does
		// not go out while the circuit cools down.
		r.log.WithError(err).Warn("order suppressed")
		return Result{Status: StatusSkipped, Action: core.PlanAction(side), Quantity: qty, Reason: "order circuit open"}, nil
	}
	order, err := r.exchange.PlaceMarketOrder(ctx, r.symbol, side, qty)
	if tripErr := r.breaker.Record(err); tripErr != nil {
		r.log.WithError(tripErr).Error("order circuit tripped")
	}
	if err != nil {
		return Result{Status: StatusError, Action: core.PlanAction(side), Quantity: qty, Reason: "order rejected"}, err
	}
	// The order response is the fill confirmation; only the lease holder
	// reaches this point, so the ledger write is race free.
	switch side {
	case core.Buy:
		_, err = r.ledger.ApplyBuy(order.Price, order.Qty)
	case core.Sell:
		_, err = r.ledger.ApplySell(order.Price, order.Qty)
	}
	if err != nil {
		return Result{Status: StatusError, Action: core.PlanAction(side), Quantity: order.Qty, Reason: "ledger update failed"}, err
	}
	r.refreshBalance(ctx)
	r.log.WithFields(logrus.Fields{
		"side":   string(side),
		"qty":    order.Qty.String(),
		"price":  order.Price.String(),
		"reason": reason,
	}).Info("order executed")
	if r.alerts != nil {
		r.alerts.Important("order_executed", map[string]string{
			"side":   string(side),
			"qty":    order.Qty.String(),
			"price":  order.Price.String(),
			"reason": reason,
		})
	}
	return Result{Status: StatusExecuted, Action: core.PlanAction(side), Quantity: order.Qty, Reason: reason}, nil
}

// currentPrice reads the permanent store first; the stream collector keeps
// it fresh. REST is the fallback when the stream has not written yet, and
// the fetched price is dual-written like any other price fact.
func (r *Runner) currentPrice(ctx context.Context) (decimal.Decimal, error) {
	var cached struct {
		Price decimal.Decimal `json:"price"`
	}
	ok, err := r.store.Get(store.KeyPriceLatest(r.symbol), &cached)
	if err == nil && ok && cached.Price.Cmp(decimal.Zero) > 0 {
		return cached.Price, nil
	}
	price, err := r.exchange.TickerPrice(ctx, r.symbol)
	if err != nil {
		return decimal.Zero, err
	}
	record := struct {
		Price decimal.Decimal `json:"price"`
	}{Price: price}
	if err := r.store.SetPermanent(store.KeyPriceLatest(r.symbol), record); err != nil {
		r.log.WithError(err).Warn("price persist failed")
	}
	if err := r.store.SetCached(store.KeyPriceCached(r.symbol), record, r.cacheTTL); err != nil {
		r.log.WithError(err).Warn("price mirror failed")
	}
	return price, nil
}

func (r *Runner) currentBalance(ctx context.Context) (core.Balance, error) {
	var balance core.Balance
	ok, err := r.store.Get(store.KeyAccountBalance, &balance)
	if err == nil && ok {
		return balance, nil
	}
	return r.fetchBalance(ctx)
}

func (r *Runner) refreshBalance(ctx context.Context) {
	if _, err := r.fetchBalance(ctx); err != nil {
		r.log.WithError(err).Warn("balance refresh failed")
	}
}

func (r *Runner) fetchBalance(ctx context.Context) (core.Balance, error) {
	balance, err := r.exchange.Balances(ctx)
	if err != nil {
		return core.Balance{}, err
	}
	if err := r.store.SetPermanent(store.KeyAccountBalance, balance); err != nil {
		return core.Balance{}, err
	}
	if err := r.store.SetCached(store.KeyAccountBalanceCached, balance, r.cacheTTL); err != nil {
		r.log.WithError(err).Warn("balance mirror failed")
	}
	return balance, nil
}
