package store

import (
	"encoding/json"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// Lease metadata stored under task:lock:<name>. Expiry is enforced by the
// entry TTL, so a crashed holder cannot starve future runs.
type Lease struct {
	Task       string    `json:"task"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLSec     int64     `json:"ttl_sec"`
}

var errLeaseHeld = errors.New("lease held")

// AcquireLease is an atomic set-if-absent with expiry. It returns false when
// another holder owns the lease; callers must treat that as a normal skip.
// The TTL must exceed the task's worst-case runtime.
func (s *Store) AcquireLease(task, holder string, ttl time.Duration) (bool, error) {
	if task == "" || holder == "" {
		return false, errors.New("lease task and holder required")
	}
	if ttl <= 0 {
		return false, errors.New("lease ttl must be positive")
	}
	lease := Lease{
		Task:       task,
		Holder:     holder,
		AcquiredAt: time.Now().UTC(),
		TTLSec:     int64(ttl / time.Second),
	}
	payload, err := json.Marshal(lease)
	if err != nil {
		return false, errors.Wrap(err, "marshal lease")
	}
	key := []byte(keyLease(task))
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return errLeaseHeld
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(key, payload).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errLeaseHeld):
		return false, nil
	case errors.Is(err, badger.ErrConflict):
		// Another caller won the read-modify-write race.
		return false, nil
	default:
		return false, errors.Wrapf(err, "acquire lease %s", task)
	}
}

// ReleaseLease deletes the lease only when holder still owns it. Letting a
// foreign lease expire naturally is correct; deleting it is not.
func (s *Store) ReleaseLease(task, holder string) error {
	key := []byte(keyLease(task))
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var lease Lease
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &lease)
		}); err != nil {
			return err
		}
		if lease.Holder != holder {
			return nil
		}
		return txn.Delete(key)
	})
	return errors.Wrapf(err, "release lease %s", task)
}

// LeaseHolder reports the current holder, if any.
func (s *Store) LeaseHolder(task string) (string, bool, error) {
	var lease Lease
	ok, err := s.Get(keyLease(task), &lease)
	if err != nil || !ok {
		return "", false, err
	}
	return lease.Holder, true, nil
}
