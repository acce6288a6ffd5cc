package evidence

import (
	"sort"
	"strings"
)

// MemoryStore is an in-memory Store. Records are kept as encoded documents so
// callers never share pointers with the store.
type MemoryStore struct {
	*docStore
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docStore: newDocStore(&mapKV{m: make(map[string][]byte)})}
}

// mapKV is guarded by docStore.mu.
type mapKV struct {
	m map[string][]byte
}

func (k *mapKV) get(key string) ([]byte, error) {
	v, ok := k.m[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (k *mapKV) write(puts map[string][]byte, dels []string) error {
	for key, v := range puts {
		k.m[key] = v
	}
	for _, key := range dels {
		delete(k.m, key)
	}
	return nil
}

func (k *mapKV) scan(prefix string, fn func(string, []byte) error) error {
	keys := make([]string, 0)
	for key := range k.m {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := fn(key, k.m[key]); err != nil {
			return err
		}
	}
	return nil
}
