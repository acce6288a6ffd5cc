// Package batch seals queued evidence into Merkle batches so many records
// share one anchor per ledger.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/custody"
	"github.com/jmerrifield20/evidencekeeper/internal/digest"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
	"github.com/jmerrifield20/evidencekeeper/internal/merkle"
)

// Submitter is recorded on batch root records.
const Submitter = "batch-builder"

// Config controls when a batch is sealed.
type Config struct {
	MinSize  int
	MaxSize  int
	MaxAge   time.Duration // seal a partial batch once its oldest leaf is this old
	Interval time.Duration
	Ledgers  []evidence.Ledger // ledgers the batch root is anchored on
}

// Builder collects batched records and seals them.
type Builder struct {
	store   evidence.Store
	cfg     Config
	logger  *zap.Logger
	journal custody.Journal
	now     func() time.Time
}

// New creates a Builder.
func New(store evidence.Store, cfg Config, logger *zap.Logger) *Builder {
	if cfg.MinSize <= 0 {
		cfg.MinSize = 1
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = cfg.MinSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 60 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Builder{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// SetJournal records sealed batches in the custody journal.
func (b *Builder) SetJournal(j custody.Journal) { b.journal = j }

// Seal seals one batch if enough records are queued or the oldest has waited
// MaxAge. It returns nil, nil when nothing is due.
func (b *Builder) Seal(ctx context.Context) (*evidence.Batch, error) {
	return b.seal(ctx, false)
}

// Flush seals whatever is queued regardless of age.
func (b *Builder) Flush(ctx context.Context) (*evidence.Batch, error) {
	return b.seal(ctx, true)
}

func (b *Builder) seal(ctx context.Context, force bool) (*evidence.Batch, error) {
	queued, err := b.store.Unbatched(ctx, b.cfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("list unbatched: %w", err)
	}
	if len(queued) == 0 || (!force && len(queued) < b.cfg.MinSize) {
		return nil, nil
	}
	if !force && len(queued) < b.cfg.MaxSize && b.now().Sub(queued[0].CreatedAt) < b.cfg.MaxAge {
		return nil, nil
	}

	req, err := sealRequest(queued, b.cfg.Ledgers)
	if err != nil {
		return nil, err
	}

	batch, root, err := b.store.SealBatch(ctx, req)
	if errors.Is(err, evidence.ErrBatchConflict) {
		b.logger.Debug("batch: members sealed concurrently, retrying next tick")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("seal batch: %w", err)
	}

	b.logger.Info("batch sealed",
		zap.String("batch_id", batch.ID),
		zap.String("root", batch.Root.Hex()),
		zap.String("root_record_id", root.ID.String()),
		zap.Int("members", len(req.Proofs)),
		zap.Int("leaves", len(batch.Leaves)),
	)

	if b.journal != nil {
		_, err := b.journal.Append(ctx, root.ID.String(), "", custody.ActionBatchSealed, custody.SystemActor, map[string]any{
			"batch_id": batch.ID,
			"root":     batch.Root.Hex(),
			"members":  len(req.Proofs),
		})
		if err != nil {
			b.logger.Error("batch: custody journal append failed", zap.String("batch_id", batch.ID), zap.Error(err))
		}
	}
	return batch, nil
}

func sealRequest(members []*evidence.Record, ledgers []evidence.Ledger) (evidence.SealRequest, error) {
	leaves := make([]digest.Digest, len(members))
	for i, m := range members {
		leaves[i] = m.Digest
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return evidence.SealRequest{}, fmt.Errorf("build tree: %w", err)
	}

	proofs := make(map[uuid.UUID]merkle.Proof, len(members))
	for _, m := range members {
		p, ok := tree.Proof(m.Digest)
		if !ok {
			return evidence.SealRequest{}, fmt.Errorf("no proof for %s", m.Digest.Hex())
		}
		proofs[m.ID] = p
	}

	return evidence.SealRequest{
		BatchID:   "batch_" + uuid.NewString(),
		Root:      tree.Root,
		Leaves:    tree.Leaves,
		Submitter: Submitter,
		Ledgers:   ledgers,
		Proofs:    proofs,
	}, nil
}

// Run seals batches every Interval until ctx is done.
func (b *Builder) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := b.Seal(ctx); err != nil && ctx.Err() == nil {
				b.logger.Error("batch: seal failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
