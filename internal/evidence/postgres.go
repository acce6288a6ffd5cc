package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/digest"
)

const pgUniqueViolation = "23505"

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists evidence in PostgreSQL. Every transition is a single
// conditional UPDATE on the anchor row, so any number of keeper processes can
// share one database.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const recordCols = `r.id, r.digest, r.algorithm, r.kind, r.submitter, r.metadata,
	r.batched, r.batch_id, r.proof, r.created_at, r.updated_at`

const anchorCols = `a.record_id, a.ledger, a.state, a.attempts, a.next_attempt_at,
	a.reason, a.last_error, a.claimed_at, a.updated_at`

// aggregateStateSQL mirrors aggregateState for the List state filter.
const aggregateStateSQL = `COALESCE((
	SELECT v.s FROM evidence_anchors a
	JOIN (VALUES ('failed', 0), ('pending', 1), ('submitting', 2),
	             ('awaiting_confirmation', 3), ('confirmed', 4)) AS v(s, rank)
	  ON a.state = v.s
	WHERE a.record_id = r.id
	ORDER BY v.rank LIMIT 1), 'pending')`

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	if err := validateCreate(&req); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rec := newRecord(req, KindEvidence, time.Now().UTC())
	if err := insertRecord(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}

	s.logger.Debug("evidence record created",
		zap.String("record_id", rec.ID.String()),
		zap.String("digest", rec.Digest.Hex()),
		zap.Int("ledgers", len(rec.Anchors)),
	)
	return rec, nil
}

func insertRecord(ctx context.Context, q querier, rec *Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var batchID *string
	if rec.BatchID != "" {
		batchID = &rec.BatchID
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO evidence_records (
			id, digest, algorithm, kind, submitter, metadata,
			batched, batch_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.Digest.Bytes(), rec.Algorithm, rec.Kind, rec.Submitter, meta,
		rec.Batched, batchID, rec.CreatedAt, rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	for _, a := range rec.Anchors {
		if err := insertAnchor(ctx, q, a); err != nil {
			return err
		}
	}
	return nil
}

func insertAnchor(ctx context.Context, q querier, a *Anchor) error {
	if _, err := q.Exec(ctx, `
		INSERT INTO evidence_anchors (record_id, ledger, state, attempts, next_attempt_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5)`,
		a.RecordID, a.Ledger, a.State, a.NextAttemptAt, a.UpdatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrLedgerExists, a.Ledger)
		}
		return fmt.Errorf("insert anchor %s: %w", a.Key(), err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	recs, err := s.queryRecords(ctx, s.db,
		`SELECT `+recordCols+` FROM evidence_records r WHERE r.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	return s.queryRecords(ctx, s.db, `
		SELECT `+recordCols+` FROM evidence_records r
		WHERE ($1 = '' OR r.submitter = $1)
		  AND ($2 = '' OR r.kind = $2)
		  AND ($3 = '' OR EXISTS (
		        SELECT 1 FROM evidence_anchors a WHERE a.record_id = r.id AND a.ledger = $3))
		  AND ($4 = '' OR `+aggregateStateSQL+` = $4)
		ORDER BY r.created_at, r.id
		LIMIT $5 OFFSET $6`,
		f.Submitter, string(f.Kind), string(f.Ledger), string(f.State), listLimit(f.Limit), f.Offset,
	)
}

// FindByDigest implements Store.
func (s *PostgresStore) FindByDigest(ctx context.Context, d digest.Digest) ([]*Record, error) {
	return s.queryRecords(ctx, s.db, `
		SELECT `+recordCols+` FROM evidence_records r
		WHERE r.digest = $1
		ORDER BY r.created_at, r.id`, d.Bytes())
}

// Unbatched implements Store.
func (s *PostgresStore) Unbatched(ctx context.Context, limit int) ([]*Record, error) {
	return s.queryRecords(ctx, s.db, `
		SELECT `+recordCols+` FROM evidence_records r
		WHERE r.batched AND r.batch_id IS NULL
		ORDER BY r.created_at, r.id
		LIMIT $1`, listLimit(limit))
}

func (s *PostgresStore) queryRecords(ctx context.Context, q querier, sql string, args ...any) ([]*Record, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return recs, nil
	}

	ids := make([]uuid.UUID, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	anchors, err := loadAnchors(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		r.Anchors = anchors[r.ID]
		r.State = aggregateState(r.Anchors)
	}
	return recs, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec      Record
		raw      []byte
		meta     []byte
		proof    []byte
		batchID  *string
		kind     string
		algoritm string
	)
	if err := row.Scan(
		&rec.ID, &raw, &algoritm, &kind, &rec.Submitter, &meta,
		&rec.Batched, &batchID, &proof, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	d, err := digest.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.Digest = d
	rec.Algorithm = algoritm
	rec.Kind = Kind(kind)
	if batchID != nil {
		rec.BatchID = *batchID
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("record %s metadata: %w", rec.ID, err)
		}
	}
	if len(proof) > 0 {
		if err := json.Unmarshal(proof, &rec.Proof); err != nil {
			return nil, fmt.Errorf("record %s proof: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func scanAnchor(row pgx.Row, extra ...any) (*Anchor, error) {
	var (
		a                     Anchor
		ledger, state, reason string
	)
	dest := append([]any{
		&a.RecordID, &ledger, &state, &a.Attempts, &a.NextAttemptAt,
		&reason, &a.LastError, &a.ClaimedAt, &a.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan anchor: %w", err)
	}
	a.Ledger = Ledger(ledger)
	a.State = State(state)
	a.Reason = Reason(reason)
	return &a, nil
}

// loadAnchors returns the anchors of ids, each with its current TxRef and
// rejected history attached.
func loadAnchors(ctx context.Context, q querier, ids []uuid.UUID) (map[uuid.UUID][]*Anchor, error) {
	rows, err := q.Query(ctx, `
		SELECT `+anchorCols+` FROM evidence_anchors a
		WHERE a.record_id = ANY($1)
		ORDER BY a.record_id, a.ledger`, ids)
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]*Anchor, len(ids))
	var all []*Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		out[a.RecordID] = append(out[a.RecordID], a)
		all = append(all, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := attachTxRefs(ctx, q, ids, all); err != nil {
		return nil, err
	}
	return out, nil
}

// attachTxRefs loads chain_tx_refs oldest first: the newest row per anchor is
// its current reference, older (rejected) rows become History.
func attachTxRefs(ctx context.Context, q querier, ids []uuid.UUID, anchors []*Anchor) error {
	if len(anchors) == 0 {
		return nil
	}
	byKey := make(map[AnchorKey]*Anchor, len(anchors))
	for _, a := range anchors {
		byKey[a.Key()] = a
	}

	rows, err := q.Query(ctx, `
		SELECT record_id, ledger, tx_id, submitted_at, confirmations, confirmed_at, status
		FROM chain_tx_refs
		WHERE record_id = ANY($1)
		ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("query tx refs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id             uuid.UUID
			ledger, status string
			ref            TxRef
		)
		if err := rows.Scan(&id, &ledger, &ref.TxID, &ref.SubmittedAt,
			&ref.Confirmations, &ref.ConfirmedAt, &status); err != nil {
			return fmt.Errorf("scan tx ref: %w", err)
		}
		ref.Ledger = Ledger(ledger)
		ref.Status = TxStatus(status)

		a, ok := byKey[AnchorKey{RecordID: id, Ledger: ref.Ledger}]
		if !ok {
			continue
		}
		if a.Tx != nil {
			a.History = append(a.History, *a.Tx)
		}
		r := ref
		a.Tx = &r
	}
	return rows.Err()
}

// Transition implements Store. The anchor row is moved with a single
// UPDATE ... WHERE state = $from; the transaction reference change rides in
// the same database transaction.
func (s *PostgresStore) Transition(ctx context.Context, key AnchorKey, from, to State, upd Update) (*Anchor, error) {
	if err := checkEdge(key, from, to, upd); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	set, args := anchorSet(from, to, upd, now)
	args = append([]any{key.RecordID, key.Ledger, from}, args...)

	tag, err := tx.Exec(ctx,
		`UPDATE evidence_anchors SET `+set+` WHERE record_id = $1 AND ledger = $2 AND state = $3`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, missOrStale(ctx, tx, key, from)
	}

	if err := txRefChange(ctx, tx, key, from, to, upd, now); err != nil {
		return nil, err
	}

	a, err := s.anchor(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition %s: %w", key, err)
	}

	s.logger.Debug("anchor transition",
		zap.String("anchor", key.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return a, nil
}

// anchorSet returns the SET clause for an edge. Placeholders start at $4.
func anchorSet(from, to State, upd Update, now time.Time) (string, []any) {
	switch {
	case from == StatePending && to == StateSubmitting:
		return `state = $4, attempts = attempts + 1, claimed_at = $5, reason = '', updated_at = $5`,
			[]any{to, now}
	case from == StateSubmitting && to == StateAwaiting:
		return `state = $4, claimed_at = NULL, reason = '', last_error = '', updated_at = $5`,
			[]any{to, now}
	case to == StateFailed:
		return `state = $4, claimed_at = NULL, reason = $5, last_error = $6, next_attempt_at = $7, updated_at = $8`,
			[]any{to, failureReason(from, upd.Reason), upd.LastError, nonZero(upd.NextAttemptAt, now), now}
	case from == StateFailed && to == StatePending:
		if upd.ResetAttempts {
			return `state = $4, attempts = 0, reason = '', next_attempt_at = $5, updated_at = $5`,
				[]any{to, now}
		}
		return `state = $4, reason = '', next_attempt_at = $5, updated_at = $5`, []any{to, now}
	case from == StateSubmitting && to == StatePending:
		return `state = $4, claimed_at = NULL, updated_at = $5`, []any{to, now}
	default:
		return `state = $4, updated_at = $5`, []any{to, now}
	}
}

func nonZero(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func txRefChange(ctx context.Context, tx pgx.Tx, key AnchorKey, from, to State, upd Update, now time.Time) error {
	var (
		sql  string
		args []any
	)
	switch {
	case from == StateSubmitting && to == StateAwaiting:
		submitted := nonZero(upd.Tx.SubmittedAt, now)
		_, err := tx.Exec(ctx, `
			INSERT INTO chain_tx_refs (record_id, ledger, tx_id, submitted_at, confirmations, status)
			VALUES ($1, $2, $3, $4, 0, 'broadcast')`,
			key.RecordID, key.Ledger, upd.Tx.TxID, submitted)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return fmt.Errorf("%w: anchor %s already has a live transaction", ErrInvalidTransition, key)
			}
			return fmt.Errorf("insert tx ref %s: %w", key, err)
		}
		return nil
	case from == StateAwaiting && to == StateAwaiting:
		sql = `UPDATE chain_tx_refs SET confirmations = GREATEST(confirmations, $3)
		       WHERE record_id = $1 AND ledger = $2 AND status = 'broadcast'`
		args = []any{key.RecordID, key.Ledger, upd.Confirmations}
	case from == StateAwaiting && to == StateConfirmed:
		sql = `UPDATE chain_tx_refs SET confirmations = GREATEST(confirmations, $3),
		              status = 'confirmed', confirmed_at = $4
		       WHERE record_id = $1 AND ledger = $2 AND status = 'broadcast'`
		args = []any{key.RecordID, key.Ledger, upd.Confirmations, now}
	case from == StateAwaiting && to == StateFailed:
		sql = `UPDATE chain_tx_refs SET status = 'rejected'
		       WHERE record_id = $1 AND ledger = $2 AND status = 'broadcast'`
		args = []any{key.RecordID, key.Ledger}
	default:
		return nil
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update tx ref %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: anchor %s has no broadcast transaction", ErrInvalidTransition, key)
	}
	return nil
}

func missOrStale(ctx context.Context, q querier, key AnchorKey, from State) error {
	var current string
	err := q.QueryRow(ctx,
		`SELECT state FROM evidence_anchors WHERE record_id = $1 AND ledger = $2`,
		key.RecordID, key.Ledger,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("anchor %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read anchor %s: %w", key, err)
	}
	if State(current) == StateConfirmed {
		return fmt.Errorf("%w: anchor %s", ErrImmutable, key)
	}
	return &StaleStateError{Key: key, Expected: from, Actual: State(current)}
}

func (s *PostgresStore) anchor(ctx context.Context, q querier, key AnchorKey) (*Anchor, error) {
	row := q.QueryRow(ctx, `
		SELECT `+anchorCols+`, r.digest, r.created_at
		FROM evidence_anchors a JOIN evidence_records r ON r.id = a.record_id
		WHERE a.record_id = $1 AND a.ledger = $2`, key.RecordID, key.Ledger)
	var raw []byte
	var created time.Time
	a, err := scanAnchor(row, &raw, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("anchor %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := fillRecordFields(a, raw, created); err != nil {
		return nil, err
	}
	if err := attachTxRefs(ctx, q, []uuid.UUID{key.RecordID}, []*Anchor{a}); err != nil {
		return nil, err
	}
	return a, nil
}

func fillRecordFields(a *Anchor, raw []byte, created time.Time) error {
	d, err := digest.FromBytes(raw)
	if err != nil {
		return fmt.Errorf("anchor %s: %w", a.Key(), err)
	}
	a.Digest = d
	a.RecordCreatedAt = created
	return nil
}

func (s *PostgresStore) queryAnchors(ctx context.Context, sql string, args ...any) ([]*Anchor, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	defer rows.Close()

	var (
		out []*Anchor
		ids []uuid.UUID
	)
	for rows.Next() {
		var raw []byte
		var created time.Time
		a, err := scanAnchor(rows, &raw, &created)
		if err != nil {
			return nil, err
		}
		if err := fillRecordFields(a, raw, created); err != nil {
			return nil, err
		}
		out = append(out, a)
		ids = append(ids, a.RecordID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := attachTxRefs(ctx, s.db, ids, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Outbox implements Store.
func (s *PostgresStore) Outbox(ctx context.Context, q OutboxQuery) ([]*Anchor, error) {
	return s.queryAnchors(ctx, `
		SELECT `+anchorCols+`, r.digest, r.created_at
		FROM evidence_anchors a JOIN evidence_records r ON r.id = a.record_id
		WHERE a.ledger = $1
		  AND (a.state = 'pending'
		       OR (a.state = 'failed' AND a.reason = $2 AND a.next_attempt_at <= $3))
		ORDER BY r.created_at, r.id
		LIMIT $4`,
		q.Ledger, ReasonNetwork, q.Now, listLimit(q.Limit))
}

// Awaiting implements Store.
func (s *PostgresStore) Awaiting(ctx context.Context, ledger Ledger, limit int) ([]*Anchor, error) {
	return s.queryAnchors(ctx, `
		SELECT `+anchorCols+`, r.digest, r.created_at
		FROM evidence_anchors a JOIN evidence_records r ON r.id = a.record_id
		WHERE a.ledger = $1 AND a.state = 'awaiting_confirmation'
		ORDER BY r.created_at, r.id
		LIMIT $2`,
		ledger, listLimit(limit))
}

// ReleaseStale implements Store.
func (s *PostgresStore) ReleaseStale(ctx context.Context, ledger Ledger, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE evidence_anchors
		SET state = 'pending', claimed_at = NULL, updated_at = $3
		WHERE ledger = $1 AND state = 'submitting' AND claimed_at < $2`,
		ledger, cutoff, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AddLedger implements Store.
func (s *PostgresStore) AddLedger(ctx context.Context, id uuid.UUID, ledger Ledger) (*Anchor, error) {
	if err := validateLedger(ledger); err != nil {
		return nil, err
	}
	var batched bool
	err := s.db.QueryRow(ctx, `SELECT batched FROM evidence_records WHERE id = $1`, id).Scan(&batched)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	if batched {
		return nil, fmt.Errorf("%w: batched records are anchored through their batch", ErrInvalidTransition)
	}

	now := time.Now().UTC()
	a := newAnchor(id, ledger, now)
	if err := insertAnchor(ctx, s.db, a); err != nil {
		return nil, err
	}
	return s.anchor(ctx, s.db, a.Key())
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT 1 FROM evidence_records WHERE id = $1 FOR UPDATE`, id); err != nil {
		return fmt.Errorf("lock record %s: %w", id, err)
	}
	recs, err := s.queryRecords(ctx, tx,
		`SELECT `+recordCols+` FROM evidence_records r WHERE r.id = $1`, id)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return ErrNotFound
	}
	if err := deletable(recs[0]); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM evidence_records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

// SealBatch implements Store.
func (s *PostgresStore) SealBatch(ctx context.Context, req SealRequest) (*Batch, *Record, error) {
	if err := validateSeal(req); err != nil {
		return nil, nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	root := newRecord(CreateRequest{
		Digest:    req.Root,
		Algorithm: digest.Algorithm,
		Submitter: req.Submitter,
		Metadata:  map[string]string{"batch_id": req.BatchID, "leaves": fmt.Sprint(len(req.Leaves))},
		Ledgers:   req.Ledgers,
	}, KindBatchRoot, now)
	root.BatchID = req.BatchID
	if err := insertRecord(ctx, tx, root); err != nil {
		return nil, nil, err
	}

	leaves, err := json.Marshal(req.Leaves)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal leaves: %w", err)
	}
	batch := &Batch{
		ID:           req.BatchID,
		Root:         req.Root,
		RootRecordID: root.ID,
		Leaves:       req.Leaves,
		CreatedAt:    now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO merkle_batches (id, root, root_record_id, leaves, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		batch.ID, batch.Root.Bytes(), batch.RootRecordID, leaves, batch.CreatedAt,
	); err != nil {
		return nil, nil, fmt.Errorf("insert batch %s: %w", batch.ID, err)
	}

	for id, proof := range req.Proofs {
		raw, err := json.Marshal(proof)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal proof: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE evidence_records SET batch_id = $2, proof = $3, updated_at = $4
			WHERE id = $1 AND batched AND batch_id IS NULL`,
			id, req.BatchID, raw, now)
		if err != nil {
			return nil, nil, fmt.Errorf("attach proof %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrBatchConflict, id)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit batch %s: %w", batch.ID, err)
	}

	s.logger.Info("merkle batch sealed",
		zap.String("batch_id", batch.ID),
		zap.String("root", batch.Root.Hex()),
		zap.Int("members", len(req.Proofs)),
	)
	return batch, root, nil
}

// GetBatch implements Store.
func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var (
		b      Batch
		root   []byte
		leaves []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, root, root_record_id, leaves, created_at
		FROM merkle_batches WHERE id = $1`, id,
	).Scan(&b.ID, &root, &b.RootRecordID, &leaves, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	if b.Root, err = digest.FromBytes(root); err != nil {
		return nil, fmt.Errorf("batch %s root: %w", id, err)
	}
	if err := json.Unmarshal(leaves, &b.Leaves); err != nil {
		return nil, fmt.Errorf("batch %s leaves: %w", id, err)
	}
	return &b, nil
}
