package evidence

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore persists records in an embedded Pebble database. Pebble holds
// an exclusive lock on its directory, so a PebbleStore serves one process:
// run a single keeper and mount the verification routes in the same binary.
type PebbleStore struct {
	*docStore
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a store at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return NewPebbleStore(db), nil
}

// NewPebbleStore wraps an already opened database.
func NewPebbleStore(db *pebble.DB) *PebbleStore {
	return &PebbleStore{docStore: newDocStore(&pebbleKV{db: db}), db: db}
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

type pebbleKV struct {
	db *pebble.DB
}

func (k *pebbleKV) get(key string) ([]byte, error) {
	value, closer, err := k.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// write commits with pebble.Sync: a transition must be on disk before the
// keeper acts on it.
func (k *pebbleKV) write(puts map[string][]byte, dels []string) error {
	batch := k.db.NewBatch()
	defer batch.Close()

	for key, v := range puts {
		if err := batch.Set([]byte(key), v, nil); err != nil {
			return err
		}
	}
	for _, key := range dels {
		if err := batch.Delete([]byte(key), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (k *pebbleKV) scan(prefix string, fn func(string, []byte) error) error {
	iter, err := k.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(string(iter.Key()), value); err != nil {
			return err
		}
	}
	return iter.Error()
}

// prefixUpperBound returns the exclusive upper bound of a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
