package custody

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryJournal is an in-process Journal for tests and single-node setups.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryJournal creates a journal holding only the genesis entry.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: []*Entry{genesis()}}
}

// Append implements Journal.
func (j *MemoryJournal) Append(_ context.Context, recordID, ledger, action, actor string, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	prev := j.entries[len(j.entries)-1]
	entry := &Entry{
		Index:     len(j.entries),
		Timestamp: time.Now().UTC().Truncate(time.Microsecond), // timestamptz precision
		RecordID:  recordID,
		Ledger:    ledger,
		Action:    action,
		Actor:     actor,
		DataHash:  sha256Sum(payloadJSON),
		PrevHash:  prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	j.entries = append(j.entries, entry)
	return entry, nil
}

// Get implements Journal.
func (j *MemoryJournal) Get(_ context.Context, index int) (*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if index < 0 || index >= len(j.entries) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	e := *j.entries[index]
	return &e, nil
}

// ForRecord implements Journal.
func (j *MemoryJournal) ForRecord(_ context.Context, recordID string) ([]*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []*Entry
	for _, e := range j.entries[1:] {
		if e.RecordID == recordID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Len implements Journal.
func (j *MemoryJournal) Len(_ context.Context) (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries), nil
}

// Verify implements Journal.
func (j *MemoryJournal) Verify(_ context.Context) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return verifyChain(j.entries)
}

// Root implements Journal.
func (j *MemoryJournal) Root(_ context.Context) (string, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.entries[len(j.entries)-1].Hash, nil
}
