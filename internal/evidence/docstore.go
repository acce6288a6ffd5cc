package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/evidencekeeper/internal/digest"
)

// kv is the storage contract behind docStore. write must apply puts and
// deletes atomically.
type kv interface {
	get(key string) ([]byte, error) // nil, nil when missing
	write(puts map[string][]byte, dels []string) error
	scan(prefix string, fn func(key string, value []byte) error) error
}

const (
	recordPrefix = "rec/"
	digestPrefix = "dig/"
	batchPrefix  = "batch/"
)

// docStore implements Store over a key-value backend by keeping each record,
// anchors included, as one JSON document. A mutex makes each
// read-compare-write atomic, so it is only safe within a single process.
type docStore struct {
	mu  sync.Mutex
	kv  kv
	now func() time.Time
}

func newDocStore(backend kv) *docStore {
	return &docStore{kv: backend, now: func() time.Time { return time.Now().UTC() }}
}

func recordKey(id uuid.UUID) string { return recordPrefix + id.String() }

func digestKey(d digest.Digest, id uuid.UUID) string {
	return digestPrefix + d.Hex() + "/" + id.String()
}

func (s *docStore) load(id uuid.UUID) (*Record, error) {
	raw, err := s.kv.get(recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	rec := &Record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	rec.State = aggregateState(rec.Anchors)
	return rec, nil
}

func encodeRecord(rec *Record) ([]byte, error) {
	rec.State = aggregateState(rec.Anchors)
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return b, nil
}

func (s *docStore) save(rec *Record, extra map[string][]byte) error {
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	puts := map[string][]byte{recordKey(rec.ID): b}
	for k, v := range extra {
		puts[k] = v
	}
	return s.kv.write(puts, nil)
}

func (s *docStore) all() ([]*Record, error) {
	var out []*Record
	err := s.kv.scan(recordPrefix, func(_ string, value []byte) error {
		rec := &Record{}
		if err := json.Unmarshal(value, rec); err != nil {
			return err
		}
		rec.State = aggregateState(rec.Anchors)
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return olderFirst(out[i], out[j]) })
	return out, nil
}

func olderFirst(a, b *Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func newRecord(req CreateRequest, kind Kind, now time.Time) *Record {
	rec := &Record{
		ID:        uuid.New(),
		Digest:    req.Digest,
		Algorithm: req.Algorithm,
		Kind:      kind,
		Submitter: req.Submitter,
		Metadata:  cloneMetadata(req.Metadata),
		Batched:   req.Batched,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, l := range req.Ledgers {
		rec.Anchors = append(rec.Anchors, newAnchor(rec.ID, l, now))
	}
	rec.State = aggregateState(rec.Anchors)
	return rec
}

func newAnchor(id uuid.UUID, l Ledger, now time.Time) *Anchor {
	return &Anchor{
		RecordID:      id,
		Ledger:        l,
		State:         StatePending,
		NextAttemptAt: now,
		UpdatedAt:     now,
	}
}

// Create implements Store.
func (s *docStore) Create(_ context.Context, req CreateRequest) (*Record, error) {
	if err := validateCreate(&req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := newRecord(req, KindEvidence, s.now())
	if err := s.save(rec, map[string][]byte{digestKey(rec.Digest, rec.ID): {}}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get implements Store.
func (s *docStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

// List implements Store.
func (s *docStore) List(_ context.Context, f Filter) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.all()
	if err != nil {
		return nil, err
	}
	var out []*Record
	skipped := 0
	for _, rec := range recs {
		if !matches(rec, f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, rec)
		if len(out) == listLimit(f.Limit) {
			break
		}
	}
	return out, nil
}

func matches(rec *Record, f Filter) bool {
	if f.State != "" && rec.State != f.State {
		return false
	}
	if f.Ledger != "" && rec.Anchor(f.Ledger) == nil {
		return false
	}
	if f.Submitter != "" && rec.Submitter != f.Submitter {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	return true
}

// FindByDigest implements Store.
func (s *docStore) FindByDigest(_ context.Context, d digest.Digest) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	prefix := digestPrefix + d.Hex() + "/"
	err := s.kv.scan(prefix, func(key string, _ []byte) error {
		id, err := uuid.Parse(strings.TrimPrefix(key, prefix))
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan digest index: %w", err)
	}

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return olderFirst(out[i], out[j]) })
	return out, nil
}

// Transition implements Store.
func (s *docStore) Transition(_ context.Context, key AnchorKey, from, to State, upd Update) (*Anchor, error) {
	if err := checkEdge(key, from, to, upd); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(key.RecordID)
	if err != nil {
		return nil, err
	}
	a := rec.Anchor(key.Ledger)
	if a == nil {
		return nil, fmt.Errorf("anchor %s: %w", key, ErrNotFound)
	}
	now := s.now()
	if err := applyTransition(a, from, to, upd, now); err != nil {
		return nil, err
	}
	rec.UpdatedAt = now
	if err := s.save(rec, nil); err != nil {
		return nil, err
	}
	return withRecord(a, rec), nil
}

func withRecord(a *Anchor, rec *Record) *Anchor {
	cp := *a
	cp.Digest = rec.Digest
	cp.RecordCreatedAt = rec.CreatedAt
	return &cp
}

// Outbox implements Store.
func (s *docStore) Outbox(_ context.Context, q OutboxQuery) ([]*Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.all()
	if err != nil {
		return nil, err
	}
	var out []*Anchor
	for _, rec := range recs {
		a := rec.Anchor(q.Ledger)
		if a == nil || !dueForSubmission(a, q.Now) {
			continue
		}
		out = append(out, withRecord(a, rec))
		if len(out) == listLimit(q.Limit) {
			break
		}
	}
	return out, nil
}

func dueForSubmission(a *Anchor, now time.Time) bool {
	switch a.State {
	case StatePending:
		return true
	case StateFailed:
		return a.Reason.Retryable() && !a.NextAttemptAt.After(now)
	}
	return false
}

// Awaiting implements Store.
func (s *docStore) Awaiting(_ context.Context, ledger Ledger, limit int) ([]*Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.all()
	if err != nil {
		return nil, err
	}
	var out []*Anchor
	for _, rec := range recs {
		if a := rec.Anchor(ledger); a != nil && a.State == StateAwaiting {
			out = append(out, withRecord(a, rec))
			if len(out) == listLimit(limit) {
				break
			}
		}
	}
	return out, nil
}

// ReleaseStale implements Store.
func (s *docStore) ReleaseStale(_ context.Context, ledger Ledger, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.all()
	if err != nil {
		return 0, err
	}
	now := s.now()
	released := 0
	for _, rec := range recs {
		a := rec.Anchor(ledger)
		if a == nil || a.State != StateSubmitting || a.ClaimedAt == nil || !a.ClaimedAt.Before(cutoff) {
			continue
		}
		if err := applyTransition(a, StateSubmitting, StatePending, Update{}, now); err != nil {
			return released, err
		}
		rec.UpdatedAt = now
		if err := s.save(rec, nil); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// AddLedger implements Store.
func (s *docStore) AddLedger(_ context.Context, id uuid.UUID, ledger Ledger) (*Anchor, error) {
	if err := validateLedger(ledger); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if rec.Batched {
		return nil, fmt.Errorf("%w: batched records are anchored through their batch", ErrInvalidTransition)
	}
	if rec.Anchor(ledger) != nil {
		return nil, fmt.Errorf("%w: %s", ErrLedgerExists, ledger)
	}
	now := s.now()
	a := newAnchor(id, ledger, now)
	rec.Anchors = append(rec.Anchors, a)
	rec.UpdatedAt = now
	if err := s.save(rec, nil); err != nil {
		return nil, err
	}
	return withRecord(a, rec), nil
}

// Delete implements Store.
func (s *docStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(id)
	if err != nil {
		return err
	}
	if err := deletable(rec); err != nil {
		return err
	}
	return s.kv.write(nil, []string{recordKey(id), digestKey(rec.Digest, id)})
}

func deletable(rec *Record) error {
	switch {
	case rec.everConfirmed():
		return fmt.Errorf("%w: record %s has confirmed anchors", ErrImmutable, rec.ID)
	case rec.Kind == KindBatchRoot:
		return fmt.Errorf("%w: record %s is a batch root", ErrImmutable, rec.ID)
	case rec.BatchID != "":
		return fmt.Errorf("%w: record %s is sealed in %s", ErrImmutable, rec.ID, rec.BatchID)
	}
	return nil
}

// Unbatched implements Store.
func (s *docStore) Unbatched(_ context.Context, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.all()
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, rec := range recs {
		if rec.Batched && rec.BatchID == "" {
			out = append(out, rec)
			if len(out) == listLimit(limit) {
				break
			}
		}
	}
	return out, nil
}

// SealBatch implements Store.
func (s *docStore) SealBatch(_ context.Context, req SealRequest) (*Batch, *Record, error) {
	if err := validateSeal(req); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	members := make([]*Record, 0, len(req.Proofs))
	for id, proof := range req.Proofs {
		rec, err := s.load(id)
		if err != nil {
			return nil, nil, fmt.Errorf("batch member %s: %w", id, err)
		}
		if !rec.Batched || rec.BatchID != "" {
			return nil, nil, fmt.Errorf("%w: %s", ErrBatchConflict, id)
		}
		rec.BatchID = req.BatchID
		rec.Proof = proof
		rec.UpdatedAt = now
		members = append(members, rec)
	}

	root := newRecord(CreateRequest{
		Digest:    req.Root,
		Algorithm: digest.Algorithm,
		Submitter: req.Submitter,
		Metadata:  map[string]string{"batch_id": req.BatchID, "leaves": fmt.Sprint(len(req.Leaves))},
		Ledgers:   req.Ledgers,
	}, KindBatchRoot, now)
	root.BatchID = req.BatchID

	batch := &Batch{
		ID:           req.BatchID,
		Root:         req.Root,
		RootRecordID: root.ID,
		Leaves:       req.Leaves,
		CreatedAt:    now,
	}

	puts := make(map[string][]byte, len(members)+3)
	for _, rec := range members {
		b, err := encodeRecord(rec)
		if err != nil {
			return nil, nil, err
		}
		puts[recordKey(rec.ID)] = b
	}
	rootDoc, err := encodeRecord(root)
	if err != nil {
		return nil, nil, err
	}
	puts[recordKey(root.ID)] = rootDoc
	puts[digestKey(root.Digest, root.ID)] = []byte{}
	batchDoc, err := json.Marshal(batch)
	if err != nil {
		return nil, nil, fmt.Errorf("encode batch: %w", err)
	}
	puts[batchPrefix+batch.ID] = batchDoc

	if err := s.kv.write(puts, nil); err != nil {
		return nil, nil, err
	}
	return batch, root, nil
}

func validateSeal(req SealRequest) error {
	if req.BatchID == "" || req.Root.IsZero() {
		return fmt.Errorf("%w: batch id and root are required", ErrInvalidDigest)
	}
	if len(req.Proofs) == 0 {
		return fmt.Errorf("%w: batch has no members", ErrInvalidMetadata)
	}
	if req.Submitter == "" {
		return fmt.Errorf("%w: submitter is required", ErrInvalidMetadata)
	}
	return validateLedgers(req.Ledgers, false)
}

// GetBatch implements Store.
func (s *docStore) GetBatch(_ context.Context, id string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.get(batchPrefix + id)
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", id, err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	b := &Batch{}
	if err := json.Unmarshal(raw, b); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", id, err)
	}
	return b, nil
}
