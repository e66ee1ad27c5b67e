package store

import (
	"context"
	"encoding/json"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// Store is the single arbiter of cached exchange state. Keys live in two
// disjoint namespaces with different retention: permanent entries never
// expire and hold account/position truth; cached entries carry a short TTL
// and exist only as a bounded-staleness mirror for external readers.
// Internal logic must read the permanent namespace.
type Store struct {
	db *badger.DB
}

func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store dir required")
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetPermanent writes a value with no expiry. There is deliberately no way
// to attach a TTL through this method.
func (s *Store) SetPermanent(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	return errors.Wrapf(err, "set %s", key)
}

// SetCached writes a value that badger drops after ttl.
func (s *Store) SetCached(key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.Errorf("cached write %s requires a positive ttl", key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	return errors.Wrapf(err, "set cached %s", key)
}

// Get loads key into out. Returns false when the key is absent or its TTL
// has lapsed.
func (s *Store) Get(key string, out any) (bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "get %s", key)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, errors.Wrapf(err, "unmarshal %s", key)
	}
	return true, nil
}

func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return errors.Wrapf(err, "delete %s", key)
}

// RunGC runs badger value-log garbage collection until ctx is cancelled.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Key layout shared by every writer. Raw payload mirrors and plans are
// permanent for audit; the price mirror is the only dual-written fact.
const (
	KeyAccountBalance       = "account:balance"
	KeyAccountBalanceCached = "account:balance:cached"
	KeyRuntimeStatus        = "runtime:status"
)

func KeyPriceLatest(symbol string) string { return "market:price:" + symbol + ":latest" }
func KeyPriceCached(symbol string) string { return "market:price:" + symbol + ":cached" }
func KeyPosition(symbol string) string    { return "position:" + symbol }
func KeyBook(symbol string) string        { return "market:book:" + symbol }
func KeyRaw(endpoint string) string       { return "exchange:raw:" + endpoint }
func KeyPlan(task string) string          { return "plan:" + task + ":last" }
func keyLease(task string) string         { return "task:lock:" + task }
