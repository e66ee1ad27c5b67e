package book

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"spot-rebalance/internal/core"
	"spot-rebalance/internal/exchange/mexc"
)

// SnapshotFunc fetches a full depth snapshot to anchor the diff stream.
type SnapshotFunc func(ctx context.Context) (mexc.DepthSnapshot, error)

// Book is a consistent view of the ladder at one version.
type Book struct {
	Symbol    string            `json:"symbol"`
	Version   uint64            `json:"version"`
	Bids      []core.PriceLevel `json:"bids"`
	Asks      []core.PriceLevel `json:"asks"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Reconciler folds version-gapped depth diffs onto a snapshot. A diff is
// applicable when FromVersion <= version+1 and ToVersion > version; anything
// older is stale and dropped, anything newer is a gap that forces a
// resnapshot. Diffs arriving before the first snapshot lands are buffered
// and replayed.
type Reconciler struct {
	symbol        string
	fetch         SnapshotFunc
	gapResetLimit int
	log           *logrus.Entry

	mu        sync.Mutex
	synced    bool
	version   uint64
	bids      map[string]core.PriceLevel
	asks      map[string]core.PriceLevel
	buffer    []core.DepthDiff
	gapResets int
}

func NewReconciler(symbol string, fetch SnapshotFunc, gapResetLimit int) *Reconciler {
	if gapResetLimit <= 0 {
		gapResetLimit = 5
	}
	return &Reconciler{
		symbol:        symbol,
		fetch:         fetch,
		gapResetLimit: gapResetLimit,
		log:           logrus.WithFields(logrus.Fields{"component": "book", "symbol": symbol}),
		bids:          make(map[string]core.PriceLevel),
		asks:          make(map[string]core.PriceLevel),
	}
}

// Sync fetches a snapshot and replays any diffs buffered while it was in
// flight. Buffered diffs already covered by the snapshot are dropped.
func (r *Reconciler) Sync(ctx context.Context) error {
	r.mu.Lock()
	r.synced = false
	r.mu.Unlock()

	snap, err := r.fetch(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch depth snapshot")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = snap.Version
	r.bids = levelMap(snap.Bids)
	r.asks = levelMap(snap.Asks)
	r.synced = true

	buffered := r.buffer
	r.buffer = nil
	for _, diff := range buffered {
		if diff.ToVersion <= r.version {
			continue
		}
		if diff.FromVersion > r.version+1 {
			// Snapshot is already behind the stream; let the caller resync.
			r.synced = false
			return errors.Errorf("buffered diff starts at %d, snapshot at %d", diff.FromVersion, r.version)
		}
		r.applyLocked(diff)
	}
	r.log.WithField("version", r.version).Info("book synced")
	return nil
}

func levelMap(levels []core.PriceLevel) map[string]core.PriceLevel {
	m := make(map[string]core.PriceLevel, len(levels))
	for _, level := range levels {
		m[level.Price.String()] = level
	}
	return m
}

// Apply folds one diff into the book. The returned resync flag tells the
// caller a version gap was detected and Sync must run again.
func (r *Reconciler) Apply(diff core.DepthDiff) (resync bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.synced {
		r.buffer = append(r.buffer, diff)
		return false
	}
	if diff.ToVersion <= r.version {
		// Already covered by the snapshot or an earlier diff.
		return false
	}
	if diff.FromVersion > r.version+1 {
		r.synced = false
		r.buffer = append(r.buffer[:0], diff)
		r.gapResets++
		if r.gapResets >= r.gapResetLimit {
			r.log.WithFields(logrus.Fields{
				"gaps":    r.gapResets,
				"held":    r.version,
				"diff_at": diff.FromVersion,
			}).Warn("repeated book gaps, upstream feed unstable")
			r.gapResets = 0
		}
		return true
	}
	r.applyLocked(diff)
	return false
}

func (r *Reconciler) applyLocked(diff core.DepthDiff) {
	applyLevels(r.bids, diff.Bids)
	applyLevels(r.asks, diff.Asks)
	r.version = diff.ToVersion
}

func applyLevels(m map[string]core.PriceLevel, levels []core.PriceLevel) {
	for _, level := range levels {
		key := level.Price.String()
		if level.Qty.IsZero() {
			delete(m, key)
			continue
		}
		m[key] = level
	}
}

func (r *Reconciler) Synced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}

func (r *Reconciler) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Snapshot returns the current book with bids descending and asks ascending.
func (r *Reconciler) Snapshot() Book {
	r.mu.Lock()
	defer r.mu.Unlock()
	book := Book{
		Symbol:    r.symbol,
		Version:   r.version,
		Bids:      sortedLevels(r.bids, true),
		Asks:      sortedLevels(r.asks, false),
		UpdatedAt: time.Now().UTC(),
	}
	return book
}

func sortedLevels(m map[string]core.PriceLevel, descending bool) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(m))
	for _, level := range m {
		out = append(out, level)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.Cmp(out[j].Price) > 0
		}
		return out[i].Price.Cmp(out[j].Price) < 0
	})
	return out
}

// BestBid returns the top of the bid ladder, or zero when the book is empty.
func (r *Reconciler) BestBid() (core.PriceLevel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	best := core.PriceLevel{Price: decimal.Zero}
	found := false
	for _, level := range r.bids {
		if !found || level.Price.Cmp(best.Price) > 0 {
			best = level
			found = true
		}
	}
	return best, found
}
