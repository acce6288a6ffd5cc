package evidence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/evidencekeeper/internal/digest"
)

// Store is the durable evidence store. MemoryStore, PebbleStore and
// PostgresStore implement it.
type Store interface {
	// Create inserts a new record with a pending anchor per requested ledger.
	Create(ctx context.Context, req CreateRequest) (*Record, error)

	// Get returns a record with its anchors.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// List returns records ordered by creation time, oldest first.
	List(ctx context.Context, f Filter) ([]*Record, error)

	// FindByDigest returns every record carrying d, oldest first.
	FindByDigest(ctx context.Context, d digest.Digest) ([]*Record, error)

	// Transition atomically moves an anchor from one state to another,
	// returning *StaleStateError if it is no longer in from.
	Transition(ctx context.Context, key AnchorKey, from, to State, upd Update) (*Anchor, error)

	// Outbox returns anchors due for submission on a ledger: pending ones and
	// failed ones with a retryable reason whose backoff has elapsed.
	Outbox(ctx context.Context, q OutboxQuery) ([]*Anchor, error)

	// Awaiting returns anchors waiting for confirmation on a ledger.
	Awaiting(ctx context.Context, ledger Ledger, limit int) ([]*Anchor, error)

	// ReleaseStale returns submitting anchors claimed before cutoff to pending.
	ReleaseStale(ctx context.Context, ledger Ledger, cutoff time.Time) (int, error)

	// AddLedger appends a pending anchor for an additional ledger.
	AddLedger(ctx context.Context, id uuid.UUID, ledger Ledger) (*Anchor, error)

	// Delete removes a record that never reached confirmed.
	Delete(ctx context.Context, id uuid.UUID) error

	// Unbatched returns batched records not yet sealed, oldest first.
	Unbatched(ctx context.Context, limit int) ([]*Record, error)

	// SealBatch creates the batch root record and attaches proofs to members.
	SealBatch(ctx context.Context, req SealRequest) (*Batch, *Record, error)

	// GetBatch returns a sealed batch.
	GetBatch(ctx context.Context, id string) (*Batch, error)
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
