// Package chain defines the boundary between the keeper and the ledgers it
// anchors on. Each ledger is one Adapter instance built with its own client;
// nothing in this package holds global state.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/evidencekeeper/internal/digest"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
)

// Adapter submits anchors to one ledger and reports on them.
type Adapter interface {
	Ledger() evidence.Ledger

	// Submit broadcasts a transaction embedding req.Memo(). Any error other
	// than *RejectedError is retryable.
	Submit(ctx context.Context, req SubmitRequest) (TxHandle, error)

	// Poll reports the current status of a broadcast transaction.
	Poll(ctx context.Context, h TxHandle) (PollResult, error)
}

// Finder is implemented by adapters that can search the ledger for a
// transaction carrying a tag, so a resumed claim can adopt it instead of
// anchoring twice.
type Finder interface {
	Lookup(ctx context.Context, tag string) (TxHandle, bool, error)
}

// Pinger is implemented by adapters that can cheaply probe their endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SubmitRequest is one anchoring attempt.
type SubmitRequest struct {
	RecordID uuid.UUID
	Digest   digest.Digest
	Tag      string
}

// NewSubmitRequest derives the tag from the record id.
func NewSubmitRequest(id uuid.UUID, d digest.Digest) SubmitRequest {
	return SubmitRequest{RecordID: id, Digest: d, Tag: RefTag(id)}
}

// Memo is the payload written on chain: evidence:<digest-hex>:<tag>.
func (r SubmitRequest) Memo() string {
	return MemoPrefix + r.Digest.Hex() + ":" + r.Tag
}

// MemoPrefix starts every anchor memo.
const MemoPrefix = "evidence:"

// ParseMemo splits a memo written by SubmitRequest.Memo.
func ParseMemo(memo string) (digest.Digest, string, error) {
	rest, ok := strings.CutPrefix(memo, MemoPrefix)
	if !ok {
		return digest.Digest{}, "", fmt.Errorf("memo %q: missing prefix", memo)
	}
	hexPart, tag, ok := strings.Cut(rest, ":")
	if !ok || tag == "" {
		return digest.Digest{}, "", fmt.Errorf("memo %q: missing tag", memo)
	}
	d, err := digest.Parse(hexPart)
	if err != nil {
		return digest.Digest{}, "", fmt.Errorf("memo %q: %w", memo, err)
	}
	return d, tag, nil
}

// RefTag derives the deterministic tag identifying a record's anchors on
// every ledger. Retries of the same record always carry the same tag.
func RefTag(id uuid.UUID) string {
	h := sha256.Sum256(append([]byte("evidencekeeper/ref-tag/v1:"), id[:]...))
	return hex.EncodeToString(h[:12])
}

// TxHandle identifies a broadcast transaction.
type TxHandle struct {
	TxID        string
	SubmittedAt time.Time
}

// Status is the ledger-side state of a transaction.
type Status int

// Poll outcomes.
const (
	StatusUnconfirmed Status = iota
	StatusConfirmed
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusRejected:
		return "rejected"
	default:
		return "unconfirmed"
	}
}

// PollResult is what Poll observed.
type PollResult struct {
	Status        Status
	Confirmations int
	Finalized     bool   // the ledger considers the transaction irreversible
	Reason        string // set for StatusRejected
	Retryable     bool   // rejected because the transaction was dropped, not refused
}

// Unconfirmed builds a PollResult for a transaction not yet seen on chain.
func Unconfirmed() PollResult { return PollResult{Status: StatusUnconfirmed} }

// Confirmed builds a PollResult for a landed transaction.
func Confirmed(count int, finalized bool) PollResult {
	return PollResult{Status: StatusConfirmed, Confirmations: count, Finalized: finalized}
}

// Rejected builds a PollResult for a transaction the ledger refused.
func Rejected(reason string) PollResult {
	return PollResult{Status: StatusRejected, Reason: reason}
}

// Dropped reports a transaction that never landed and can no longer land.
// The anchor may be resubmitted.
func Dropped(reason string) PollResult {
	return PollResult{Status: StatusRejected, Reason: reason, Retryable: true}
}

// RejectedError reports that a ledger definitively refused a submission.
// Resubmitting the same transaction would fail the same way.
type RejectedError struct {
	Ledger evidence.Ledger
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s rejected submission: %s: %v", e.Ledger, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s rejected submission: %s", e.Ledger, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Reject wraps err as a RejectedError.
func Reject(ledger evidence.Ledger, reason string, err error) error {
	return &RejectedError{Ledger: ledger, Reason: reason, Err: err}
}

// IsRejected reports whether err is terminal for the attempt.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}
