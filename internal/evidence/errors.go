package evidence

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record, anchor or batch does not exist.
	ErrNotFound = errors.New("evidence not found")

	// ErrStaleState matches every *StaleStateError.
	ErrStaleState = errors.New("stale anchor state")

	// ErrImmutable is returned for any attempt to mutate or delete confirmed evidence.
	ErrImmutable = errors.New("confirmed evidence is immutable")

	// ErrInvalidTransition is returned for moves outside the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid state transition")

	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
	ErrInvalidDigest        = errors.New("invalid digest")
	ErrInvalidMetadata      = errors.New("invalid metadata")
	ErrNoLedgers            = errors.New("at least one ledger is required")
	ErrLedgerExists         = errors.New("record already anchors on ledger")
	ErrUnknownLedger        = errors.New("unsupported ledger")

	// ErrBatchConflict is returned when a batch member was already sealed elsewhere.
	ErrBatchConflict = errors.New("record already belongs to a batch")
)

// StaleStateError reports a compare-and-swap miss: the anchor was not in the
// expected state, usually because another keeper moved it first.
type StaleStateError struct {
	Key      AnchorKey
	Expected State
	Actual   State
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("anchor %s: expected state %s, found %s", e.Key, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrStaleState) true.
func (e *StaleStateError) Is(target error) bool { return target == ErrStaleState }
