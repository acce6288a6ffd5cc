package custody

import "context"

// Journal is the append-only custody log. MemoryJournal and PostgresJournal
// implement it.
type Journal interface {
	// Append chains a new entry. payload is JSON-marshalled and hashed into
	// DataHash.
	Append(ctx context.Context, recordID, ledger, action, actor string, payload any) (*Entry, error)

	// Get returns the entry at a zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// ForRecord returns a record's entries in chain order.
	ForRecord(ctx context.Context, recordID string) ([]*Entry, error)

	// Len counts entries, genesis included.
	Len(ctx context.Context) (int, error)

	// Verify walks the chain and checks every link.
	Verify(ctx context.Context) error

	// Root returns the hash of the newest entry.
	Root(ctx context.Context) (string, error)
}
