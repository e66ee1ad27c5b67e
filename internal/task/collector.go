package task

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"spot-rebalance/internal/book"
	"spot-rebalance/internal/core"
	"spot-rebalance/internal/stream"
	"spot-rebalance/internal/store"
)

// BalanceSource refetches the account balance when the stream reports a
// delta.
type BalanceSource interface {
	Balances(ctx context.Context) (core.Balance, error)
}

// Collector turns stream events into store writes. It is the only writer of
// the price fact, which is dual-written: permanent for internal decisions,
// TTL-cached as the bounded-staleness mirror for external readers.
type Collector struct {
	store    *store.Store
	balances BalanceSource
	symbol   string
	cacheTTL time.Duration
	book     *book.Reconciler
	log      *logrus.Entry
}

func NewCollector(s *store.Store, balances BalanceSource, symbol string, cacheTTL time.Duration, reconciler *book.Reconciler) *Collector {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Second
	}
	return &Collector{
		store:    s,
		balances: balances,
		symbol:   symbol,
		cacheTTL: cacheTTL,
		book:     reconciler,
		log:      logrus.WithField("component", "collector"),
	}
}

// Handle is registered as a supervisor handler.
func (c *Collector) Handle(ctx context.Context, event core.StreamEvent) {
	switch event.Type {
	case core.EventTrade:
		c.writePrice(event.Trade.Price)
	case core.EventBookTicker:
		// Mid price as a fallback tick between trades.
		mid := event.BookTicker.BidPrice.Add(event.BookTicker.AskPrice).Div(decimal.NewFromInt(2))
		c.writePrice(mid)
	case core.EventDepthDiff:
		c.applyDepth(ctx, *event.DepthDiff)
	case core.EventBalanceDelta:
		c.writeBalanceDelta(ctx, *event.BalanceDelta)
	case core.EventOrderUpdate:
		c.log.WithFields(logrus.Fields{
			"order":  event.OrderUpdate.OrderID,
			"status": string(event.OrderUpdate.Status),
		}).Info("order update")
		if err := c.store.SetPermanent(store.KeyRaw("stream.orders"), event.OrderUpdate); err != nil {
			c.log.WithError(err).Warn("order audit write failed")
		}
	case core.EventTradeFill:
		// Fills are audit only; the ledger is updated by the lease-holding
		// task from the order response.
		if err := c.store.SetPermanent(store.KeyRaw("stream.fills"), event.TradeFill); err != nil {
			c.log.WithError(err).Warn("fill audit write failed")
		}
	}
}

func (c *Collector) writePrice(price decimal.Decimal) {
	if price.Cmp(decimal.Zero) <= 0 {
		return
	}
	record := struct {
		Price decimal.Decimal `json:"price"`
	}{Price: price}
	if err := c.store.SetPermanent(store.KeyPriceLatest(c.symbol), record); err != nil {
		c.log.WithError(err).Warn("price persist failed")
		return
	}
	if err := c.store.SetCached(store.KeyPriceCached(c.symbol), record, c.cacheTTL); err != nil {
		c.log.WithError(err).Warn("price mirror failed")
	}
}

func (c *Collector) applyDepth(ctx context.Context, diff core.DepthDiff) {
	if c.book == nil {
		return
	}
	resync := c.book.Apply(diff)
	if resync || !c.book.Synced() {
		// Covers both the initial snapshot and gap recovery; the diff just
		// applied is buffered and replayed by Sync.
		if err := c.book.Sync(ctx); err != nil {
			c.log.WithError(err).Warn("book sync failed")
			return
		}
	}
	// The ladder is a read mirror for external consumers, not a decision
	// input, so the cached namespace is the right home.
	if err := c.store.SetCached(store.KeyBook(c.symbol), c.book.Snapshot(), c.cacheTTL); err != nil {
		c.log.WithError(err).Warn("book publish failed")
	}
}

func (c *Collector) writeBalanceDelta(ctx context.Context, delta core.BalanceDelta) {
	key := "account:delta:" + delta.Asset
	if err := c.store.SetCached(key, delta, c.cacheTTL); err != nil {
		c.log.WithError(err).Warn("balance delta mirror failed")
	}
	if c.balances == nil {
		return
	}
	// The delta names a single asset; the balance fact covers the whole
	// pair, so refetch it and dual-write like any other balance update.
	// Without this, an external deposit or withdrawal would stay invisible
	// to the rebalance read path until the next executed order.
	bal, err := c.balances.Balances(ctx)
	if err != nil {
		c.log.WithError(err).Warn("balance refresh after delta failed")
		return
	}
	if err := c.store.SetPermanent(store.KeyAccountBalance, bal); err != nil {
		c.log.WithError(err).Warn("balance persist failed")
		return
	}
	if err := c.store.SetCached(store.KeyAccountBalanceCached, bal, c.cacheTTL); err != nil {
		c.log.WithError(err).Warn("balance mirror failed")
	}
}

// StatusSink persists supervisor status transitions under the runtime key.
func StatusSink(s *store.Store) func(stream.Status) {
	log := logrus.WithField("component", "collector")
	return func(st stream.Status) {
		key := store.KeyRuntimeStatus + ":" + st.Name
		if err := s.SetPermanent(key, st); err != nil {
			log.WithError(err).Warn("runtime status write failed")
		}
	}
}
