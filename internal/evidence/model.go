package evidence

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/evidencekeeper/internal/digest"
	"github.com/jmerrifield20/evidencekeeper/internal/merkle"
)

// Ledger identifies an external ledger records are anchored on.
type Ledger string

// Supported ledgers.
const (
	LedgerSolana    Ledger = "solana"
	LedgerEtherlink Ledger = "etherlink"
)

// Valid reports whether l is one of the supported ledgers.
func (l Ledger) Valid() bool {
	switch l {
	case LedgerSolana, LedgerEtherlink:
		return true
	}
	return false
}

// State is an anchor's lifecycle state.
type State string

// Lifecycle states.
const (
	StatePending    State = "pending"
	StateSubmitting State = "submitting"
	StateAwaiting   State = "awaiting_confirmation"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
)

// TxStatus is the status of a ChainTxRef.
type TxStatus string

// Transaction statuses.
const (
	TxBroadcast TxStatus = "broadcast"
	TxConfirmed TxStatus = "confirmed"
	TxRejected  TxStatus = "rejected"
)

// Reason is the machine-readable cause of a failed anchor.
type Reason string

// Failure reasons.
const (
	ReasonNone           Reason = ""
	ReasonNetwork        Reason = "network"         // transient; retried with backoff
	ReasonSubmitRejected Reason = "submit_rejected" // ledger refused the transaction
	ReasonChainRejected  Reason = "chain_rejected"  // transaction landed but failed
	ReasonMaxAttempts    Reason = "max_attempts"    // needs operator attention
)

// Retryable reports whether the keeper may retry an anchor failed for r
// without operator involvement.
func (r Reason) Retryable() bool { return r == ReasonNetwork }

// Kind distinguishes ordinary evidence from Merkle batch roots.
type Kind string

// Record kinds.
const (
	KindEvidence  Kind = "evidence"
	KindBatchRoot Kind = "batch_root"
)

// TxRef is the on-chain transaction carrying an anchor.
type TxRef struct {
	Ledger        Ledger     `json:"ledger"`
	TxID          string     `json:"tx_id"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	Confirmations int        `json:"confirmations"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	Status        TxStatus   `json:"status"`
}

// AnchorKey addresses one (record, ledger) lane.
type AnchorKey struct {
	RecordID uuid.UUID
	Ledger   Ledger
}

func (k AnchorKey) String() string { return fmt.Sprintf("%s/%s", k.RecordID, k.Ledger) }

// Anchor is the anchoring lifecycle of one record on one ledger.
type Anchor struct {
	RecordID      uuid.UUID  `json:"record_id"`
	Ledger        Ledger     `json:"ledger"`
	State         State      `json:"state"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	Reason        Reason     `json:"reason,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	Tx            *TxRef     `json:"tx,omitempty"`
	History       []TxRef    `json:"history,omitempty"` // earlier rejected transactions
	UpdatedAt     time.Time  `json:"updated_at"`

	// Copied from the owning record on Outbox and Awaiting reads.
	Digest          digest.Digest `json:"-"`
	RecordCreatedAt time.Time     `json:"-"`
}

// Key returns the anchor's address.
func (a *Anchor) Key() AnchorKey { return AnchorKey{RecordID: a.RecordID, Ledger: a.Ledger} }

// Record is the unit of custody.
type Record struct {
	ID        uuid.UUID         `json:"id"`
	Digest    digest.Digest     `json:"digest"`
	Algorithm string            `json:"algorithm"`
	Kind      Kind              `json:"kind"`
	Submitter string            `json:"submitter"`
	Metadata  map[string]string `json:"metadata"`
	State     State             `json:"state"`
	Batched   bool              `json:"batched"`
	BatchID   string            `json:"batch_id,omitempty"`
	Proof     merkle.Proof      `json:"proof,omitempty"`
	Anchors   []*Anchor         `json:"anchors"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Anchor returns the record's anchor on ledger, or nil.
func (r *Record) Anchor(ledger Ledger) *Anchor {
	for _, a := range r.Anchors {
		if a.Ledger == ledger {
			return a
		}
	}
	return nil
}

// everConfirmed reports whether any anchor has reached confirmed.
func (r *Record) everConfirmed() bool {
	for _, a := range r.Anchors {
		if a.State == StateConfirmed {
			return true
		}
	}
	return false
}

// aggregateState folds anchor states into the record state: the least
// advanced anchor wins, with failed ranking lowest. A record without anchors
// (a batched leaf) is pending.
func aggregateState(anchors []*Anchor) State {
	if len(anchors) == 0 {
		return StatePending
	}
	rank := map[State]int{
		StateFailed:     0,
		StatePending:    1,
		StateSubmitting: 2,
		StateAwaiting:   3,
		StateConfirmed:  4,
	}
	out := anchors[0].State
	for _, a := range anchors[1:] {
		if rank[a.State] < rank[out] {
			out = a.State
		}
	}
	return out
}

// CreateRequest is the input to Store.Create.
type CreateRequest struct {
	Digest    digest.Digest
	Algorithm string // defaults to digest.Algorithm
	Submitter string
	Metadata  map[string]string
	Ledgers   []Ledger
	Batched   bool // anchored through a Merkle batch instead of per-ledger anchors
}

// Filter narrows Store.List.
type Filter struct {
	State     State
	Ledger    Ledger // only records with an anchor on this ledger
	Submitter string
	Kind      Kind
	Limit     int
	Offset    int
}

// OutboxQuery selects anchors due for submission.
type OutboxQuery struct {
	Ledger Ledger
	Now    time.Time
	Limit  int
}

// Update carries the fields written alongside a state transition.
type Update struct {
	NextAttemptAt time.Time
	Reason        Reason
	LastError     string
	Tx            *TxRef   // provisional ref attached on submitting → awaiting_confirmation
	Confirmations int      // observed count; never lowers the stored count
	ResetAttempts bool     // operator retry on failed → pending
}

// Batch is a sealed Merkle batch.
type Batch struct {
	ID           string          `json:"id"`
	Root         digest.Digest   `json:"root"`
	RootRecordID uuid.UUID       `json:"root_record_id"`
	Leaves       []digest.Digest `json:"leaves"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SealRequest is the input to Store.SealBatch.
type SealRequest struct {
	BatchID   string
	Root      digest.Digest
	Leaves    []digest.Digest
	Submitter string
	Ledgers   []Ledger
	Proofs    map[uuid.UUID]merkle.Proof // per member record
}
