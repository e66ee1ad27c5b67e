package book

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"spot-rebalance/internal/core"
	"spot-rebalance/internal/exchange/mexc"
)

func level(price, qty string) core.PriceLevel {
	return core.PriceLevel{
		Price: decimal.RequireFromString(price),
		Qty:   decimal.RequireFromString(qty),
	}
}

func staticSnapshot(version uint64, bids, asks []core.PriceLevel) SnapshotFunc {
	return func(context.Context) (mexc.DepthSnapshot, error) {
		return mexc.DepthSnapshot{Version: version, Bids: bids, Asks: asks}, nil
	}
}

func TestContiguousDiffAdvancesVersion(t *testing.T) {
	r := NewReconciler("BTCUSDT", staticSnapshot(100,
		[]core.PriceLevel{level("49000", "1")},
		[]core.PriceLevel{level("51000", "2")}), 5)
	if err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	resync := r.Apply(core.DepthDiff{
		FromVersion: 101,
		ToVersion:   103,
		Bids:        []core.PriceLevel{level("49500", "3")},
	})
	if resync {
		t.Fatal("contiguous diff flagged for resync")
	}
	if r.Version() != 103 {
		t.Fatalf("version = %d, want toVersion 103", r.Version())
	}
	best, ok := r.BestBid()
	if !ok || best.Price.String() != "49500" {
		t.Fatalf("best bid = %v %v, want 49500", best, ok)
	}
}

func TestStaleDiffDiscarded(t *testing.T) {
	r := NewReconciler("BTCUSDT", staticSnapshot(100,
		[]core.PriceLevel{level("49000", "1")}, nil), 5)
	if err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	resync := r.Apply(core.DepthDiff{
		FromVersion: 90,
		ToVersion:   95,
		Bids:        []core.PriceLevel{level("1", "1")},
	})
	if resync {
		t.Fatal("stale diff flagged for resync")
	}
	if r.Version() != 100 {
		t.Fatalf("version = %d, want unchanged 100", r.Version())
	}
	if _, found := r.bids["1"]; found {
		t.Fatal("stale diff mutated the book")
	}
}

func TestGapForcesResync(t *testing.T) {
	r := NewReconciler("BTCUSDT", staticSnapshot(100, nil, nil), 5)
	if err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	resync := r.Apply(core.DepthDiff{FromVersion: 105, ToVersion: 110})
	if !resync {
		t.Fatal("gapped diff must request a resync")
	}
	if r.Synced() {
		t.Fatal("book still marked synced across a gap")
	}
}

func TestZeroQtyRemovesLevel(t *testing.T) {
	r := NewReconciler("BTCUSDT", staticSnapshot(100,
		[]core.PriceLevel{level("49000", "1"), level("48000", "2")}, nil), 5)
	if err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	r.Apply(core.DepthDiff{
		FromVersion: 100,
		ToVersion:   101,
		Bids:        []core.PriceLevel{level("49000", "0")},
	})
	best, ok := r.BestBid()
	if !ok || best.Price.String() != "48000" {
		t.Fatalf("best bid = %v, want 48000 after removal", best)
	}
	snap := r.Snapshot()
	if len(snap.Bids) != 1 {
		t.Fatalf("bids = %+v, want one level", snap.Bids)
	}
}

func TestDiffsBufferedUntilSnapshotLands(t *testing.T) {
	r := NewReconciler("BTCUSDT", staticSnapshot(100,
		[]core.PriceLevel{level("49000", "1")}, nil), 5)

	// Arrives before the first Sync.
	r.Apply(core.DepthDiff{FromVersion: 95, ToVersion: 98})
	r.Apply(core.DepthDiff{
		FromVersion: 100,
		ToVersion:   102,
		Bids:        []core.PriceLevel{level("49100", "1")},
	})

	if err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if r.Version() != 102 {
		t.Fatalf("version = %d, want 102 after replaying the buffer", r.Version())
	}
	best, _ := r.BestBid()
	if best.Price.String() != "49100" {
		t.Fatalf("best bid = %s, want 49100", best.Price)
	}
}

func TestSnapshotOrdersLadders(t *testing.T) {
	r := NewReconciler("BTCUSDT", staticSnapshot(100,
		[]core.PriceLevel{level("48000", "1"), level("49000", "1"), level("47000", "1")},
		[]core.PriceLevel{level("52000", "1"), level("51000", "1")}), 5)
	if err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	snap := r.Snapshot()
	if snap.Bids[0].Price.String() != "49000" || snap.Bids[2].Price.String() != "47000" {
		t.Fatalf("bids = %+v, want descending", snap.Bids)
	}
	if snap.Asks[0].Price.String() != "51000" {
		t.Fatalf("asks = %+v, want ascending", snap.Asks)
	}
}
