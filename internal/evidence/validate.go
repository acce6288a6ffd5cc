package evidence

import (
	"fmt"

	"github.com/jmerrifield20/evidencekeeper/internal/digest"
)

const (
	maxMetadataKeys  = 64
	maxMetadataKey   = 128
	maxMetadataValue = 1024
)

// validateCreate rejects configuration and programmer errors before a record
// can enter the outbox. It normalises the algorithm field in place.
func validateCreate(req *CreateRequest) error {
	if req.Algorithm == "" {
		req.Algorithm = digest.Algorithm
	}
	if req.Algorithm != digest.Algorithm {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, req.Algorithm)
	}
	if req.Digest.IsZero() {
		return fmt.Errorf("%w: zero digest", ErrInvalidDigest)
	}
	if req.Submitter == "" {
		return fmt.Errorf("%w: submitter is required", ErrInvalidMetadata)
	}
	if len(req.Metadata) > maxMetadataKeys {
		return fmt.Errorf("%w: %d keys exceeds limit of %d", ErrInvalidMetadata, len(req.Metadata), maxMetadataKeys)
	}
	for k, v := range req.Metadata {
		if k == "" || len(k) > maxMetadataKey {
			return fmt.Errorf("%w: key %q", ErrInvalidMetadata, k)
		}
		if len(v) > maxMetadataValue {
			return fmt.Errorf("%w: value for %q exceeds %d bytes", ErrInvalidMetadata, k, maxMetadataValue)
		}
	}
	return validateLedgers(req.Ledgers, req.Batched)
}

func validateLedgers(ledgers []Ledger, batched bool) error {
	if len(ledgers) == 0 && !batched {
		return ErrNoLedgers
	}
	if batched && len(ledgers) > 0 {
		return fmt.Errorf("%w: batched records are anchored through their batch", ErrInvalidMetadata)
	}
	seen := make(map[Ledger]bool, len(ledgers))
	for _, l := range ledgers {
		if err := validateLedger(l); err != nil {
			return err
		}
		if seen[l] {
			return fmt.Errorf("%w: %s listed twice", ErrLedgerExists, l)
		}
		seen[l] = true
	}
	return nil
}

// validateLedger rejects names no adapter could ever drain from the outbox.
func validateLedger(l Ledger) error {
	if l == "" {
		return fmt.Errorf("%w: empty ledger name", ErrNoLedgers)
	}
	if !l.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownLedger, l)
	}
	return nil
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
