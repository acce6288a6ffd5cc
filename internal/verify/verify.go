// Package verify answers whether a digest is anchored, where, and with how
// many confirmations. It never writes to the store.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/digest"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
	"github.com/jmerrifield20/evidencekeeper/internal/merkle"
)

// Scope selects how many ledgers a verification reports on.
type Scope string

const (
	ScopeSingle Scope = "single" // the primary ledger only
	ScopeMulti  Scope = "multi"  // every ledger the record is anchored on
)

// Status is the overall verdict for a digest.
type Status string

const (
	StatusAnchored       Status = "anchored"
	StatusNotYetAnchored Status = "not_yet_anchored"
	StatusRejected       Status = "rejected"
	StatusNotFound       Status = "not_found"
)

// Chain status values beyond the anchor states.
const chainRejected = "rejected"

// ChainProof is one ledger's view of a record.
type ChainProof struct {
	Ledger        evidence.Ledger `json:"ledger"`
	TxID          string          `json:"tx_id,omitempty"`
	Confirmations int             `json:"confirmations"`
	Status        string          `json:"status"`
	SubmittedAt   *time.Time      `json:"submitted_at,omitempty"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
}

// BatchProof links a batched record to its anchored Merkle root.
type BatchProof struct {
	BatchID      string        `json:"batch_id"`
	Root         digest.Digest `json:"root"`
	RootRecordID uuid.UUID     `json:"root_record_id"`
	Proof        merkle.Proof  `json:"proof"`
	Verified     bool          `json:"verified"` // proof recomputes to Root
}

// RecordResult is the verification of one record carrying the digest.
type RecordResult struct {
	ID         uuid.UUID      `json:"id"`
	State      evidence.State `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	Chains     []ChainProof   `json:"chains"`
	BatchProof *BatchProof    `json:"batch_proof,omitempty"`

	anchored bool
	rejected bool
}

// Result is the answer to one verification query.
type Result struct {
	Digest    digest.Digest  `json:"digest"`
	Algorithm string         `json:"algorithm"`
	Status    Status         `json:"status"`
	Scope     Scope          `json:"scope"`
	Records   []RecordResult `json:"records"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Confirmed returns the first record anchored on chain, or nil.
func (r *Result) Confirmed() *RecordResult {
	for i := range r.Records {
		if r.Records[i].anchored {
			return &r.Records[i]
		}
	}
	return nil
}

// Service answers verification queries.
type Service struct {
	store   evidence.Store
	primary evidence.Ledger
	logger  *zap.Logger
}

// New creates a Service. primary is the ledger reported by ScopeSingle.
func New(store evidence.Store, primary evidence.Ledger, logger *zap.Logger) *Service {
	return &Service{store: store, primary: primary, logger: logger}
}

// ParseScope parses a scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeSingle, "":
		return ScopeSingle, nil
	case ScopeMulti:
		return ScopeMulti, nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// Verify looks up every record carrying d.
func (s *Service) Verify(ctx context.Context, d digest.Digest, scope Scope) (*Result, error) {
	recs, err := s.store.FindByDigest(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("find digest: %w", err)
	}

	res := &Result{
		Digest:    d,
		Algorithm: digest.Algorithm,
		Status:    StatusNotFound,
		Scope:     scope,
		Records:   make([]RecordResult, 0, len(recs)),
		CheckedAt: time.Now().UTC(),
	}
	if len(recs) == 0 {
		return res, nil
	}

	allRejected := true
	for _, rec := range recs {
		rr, err := s.verifyRecord(ctx, rec, scope)
		if err != nil {
			return nil, err
		}
		res.Records = append(res.Records, rr)
		if !rr.rejected {
			allRejected = false
		}
		if rr.anchored {
			res.Status = StatusAnchored
		}
	}
	if res.Status != StatusAnchored {
		res.Status = StatusNotYetAnchored
		if allRejected {
			res.Status = StatusRejected
		}
	}
	return res, nil
}

func (s *Service) verifyRecord(ctx context.Context, rec *evidence.Record, scope Scope) (RecordResult, error) {
	rr := RecordResult{ID: rec.ID, State: rec.State, CreatedAt: rec.CreatedAt}

	anchors := rec.Anchors
	if rec.Batched {
		if rec.BatchID == "" {
			// Queued for the next batch.
			rr.Chains = []ChainProof{}
			return rr, nil
		}
		bp, root, err := s.batchProof(ctx, rec)
		if err != nil {
			return rr, err
		}
		rr.BatchProof = bp
		anchors = root.Anchors
	}

	inScope := s.scoped(anchors, scope)
	rr.Chains = make([]ChainProof, 0, len(inScope))
	rr.rejected = len(inScope) > 0
	for _, a := range inScope {
		cp := chainProof(a)
		rr.Chains = append(rr.Chains, cp)
		if a.State == evidence.StateConfirmed {
			rr.anchored = true
		}
		if cp.Status != chainRejected {
			rr.rejected = false
		}
	}

	if rr.BatchProof != nil {
		// A leaf is confirmed only if its proof reaches the confirmed root.
		rr.anchored = rr.anchored && rr.BatchProof.Verified
		if rr.anchored {
			rr.State = evidence.StateConfirmed
		}
	}
	return rr, nil
}

func (s *Service) batchProof(ctx context.Context, rec *evidence.Record) (*BatchProof, *evidence.Record, error) {
	batch, err := s.store.GetBatch(ctx, rec.BatchID)
	if err != nil {
		return nil, nil, fmt.Errorf("load batch %s: %w", rec.BatchID, err)
	}
	root, err := s.store.Get(ctx, batch.RootRecordID)
	if errors.Is(err, evidence.ErrNotFound) {
		s.logger.Error("verify: batch root record missing",
			zap.String("batch_id", batch.ID),
			zap.String("root_record_id", batch.RootRecordID.String()),
		)
		return nil, nil, fmt.Errorf("batch %s root record: %w", batch.ID, err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load batch root: %w", err)
	}
	bp := &BatchProof{
		BatchID:      batch.ID,
		Root:         batch.Root,
		RootRecordID: batch.RootRecordID,
		Proof:        rec.Proof,
		Verified:     merkle.Verify(rec.Digest, rec.Proof, batch.Root) && root.Digest == batch.Root,
	}
	return bp, root, nil
}

// scoped filters anchors to the scope. Single scope reports the primary
// ledger, or the record's first ledger when it is not anchored there.
func (s *Service) scoped(anchors []*evidence.Anchor, scope Scope) []*evidence.Anchor {
	if scope == ScopeMulti || len(anchors) == 0 {
		return anchors
	}
	for _, a := range anchors {
		if a.Ledger == s.primary {
			return []*evidence.Anchor{a}
		}
	}
	return anchors[:1]
}

func chainProof(a *evidence.Anchor) ChainProof {
	cp := ChainProof{Ledger: a.Ledger, Status: string(a.State)}
	if a.State == evidence.StateFailed &&
		(a.Reason == evidence.ReasonChainRejected || a.Reason == evidence.ReasonSubmitRejected) {
		cp.Status = chainRejected
	}
	if a.Tx != nil {
		cp.TxID = a.Tx.TxID
		cp.Confirmations = a.Tx.Confirmations
		submitted := a.Tx.SubmittedAt
		cp.SubmittedAt = &submitted
		cp.ConfirmedAt = a.Tx.ConfirmedAt
	}
	return cp
}
