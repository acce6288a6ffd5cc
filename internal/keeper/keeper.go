// Package keeper reconciles the evidence store with the ledgers: it claims
// due anchors, submits them through their chain adapter and follows the
// resulting transactions until they confirm or fail.
//
// Several keepers may run against one Postgres store. The store's
// expected-state transitions are the only serialization point; a keeper that
// loses a race sees a StaleStateError and moves on.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmerrifield20/evidencekeeper/internal/archive"
	"github.com/jmerrifield20/evidencekeeper/internal/chain"
	"github.com/jmerrifield20/evidencekeeper/internal/custody"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
	"github.com/jmerrifield20/evidencekeeper/internal/notify"
)

// Config tunes the reconciler.
type Config struct {
	PassInterval time.Duration
	PassTimeout  time.Duration
	CallTimeout  time.Duration // per adapter call; a timeout is retryable
	SubmitLease  time.Duration // claims older than this are released
	BatchLimit   int           // anchors selected per ledger per pass
	Concurrency  int           // in-flight adapter calls per ledger
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Jitter       time.Duration

	// Thresholds is the confirmation count at which an anchor is final,
	// per ledger. Missing ledgers use 1.
	Thresholds map[evidence.Ledger]int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PassInterval: 10 * time.Second,
		PassTimeout:  2 * time.Minute,
		CallTimeout:  30 * time.Second,
		SubmitLease:  5 * time.Minute,
		BatchLimit:   100,
		Concurrency:  4,
		MaxAttempts:  8,
		BackoffBase:  5 * time.Second,
		BackoffCap:   5 * time.Minute,
		Jitter:       time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PassInterval <= 0 {
		c.PassInterval = d.PassInterval
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = d.PassTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.SubmitLease <= 0 {
		c.SubmitLease = d.SubmitLease
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = d.BatchLimit
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = d.BackoffCap
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

func (c Config) threshold(ledger evidence.Ledger) int {
	if n := c.Thresholds[ledger]; n > 0 {
		return n
	}
	return 1
}

// Notifier receives operator events. *notify.Notifier implements it.
type Notifier interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// Health reports ledger reachability. *health.HealthChecker implements it.
type Health interface {
	Up(ledger evidence.Ledger) bool
}

// Keeper is the anchoring reconciler.
type Keeper struct {
	store    evidence.Store
	adapters []chain.Adapter
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	journal  custody.Journal
	notifier Notifier
	archiver archive.Archiver
	health   Health
}

// New creates a Keeper driving one adapter per ledger.
func New(store evidence.Store, adapters []chain.Adapter, cfg Config, logger *zap.Logger) (*Keeper, error) {
	seen := make(map[evidence.Ledger]bool, len(adapters))
	for _, a := range adapters {
		if seen[a.Ledger()] {
			return nil, fmt.Errorf("keeper: two adapters for ledger %s", a.Ledger())
		}
		seen[a.Ledger()] = true
	}
	return &Keeper{
		store:    store,
		adapters: adapters,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetJournal records every transition in a custody journal.
func (k *Keeper) SetJournal(j custody.Journal) { k.journal = j }

// SetNotifier configures operator notifications.
func (k *Keeper) SetNotifier(n Notifier) { k.notifier = n }

// SetArchiver uploads a custody bundle once a record is fully confirmed.
func (k *Keeper) SetArchiver(a archive.Archiver) { k.archiver = a }

// SetHealth makes the keeper skip submissions to ledgers reported down.
func (k *Keeper) SetHealth(h Health) { k.health = h }

// Run reconciles every ledger on its own ticker until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, a := range k.adapters {
		g.Go(func() error {
			k.loop(ctx, a)
			return nil
		})
	}
	return g.Wait()
}

func (k *Keeper) loop(ctx context.Context, a chain.Adapter) {
	ticker := time.NewTicker(k.cfg.PassInterval)
	defer ticker.Stop()

	for {
		if err := k.pass(ctx, a); err != nil && ctx.Err() == nil {
			k.logger.Error("keeper: pass failed",
				zap.String("ledger", string(a.Ledger())),
				zap.Error(err),
			)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RunPass runs one reconciliation pass over every ledger concurrently and
// returns the first store error encountered.
func (k *Keeper) RunPass(ctx context.Context) error {
	var g errgroup.Group
	for _, a := range k.adapters {
		g.Go(func() error { return k.pass(ctx, a) })
	}
	return g.Wait()
}

func (k *Keeper) pass(ctx context.Context, a chain.Adapter) error {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.PassTimeout)
	defer cancel()

	ledger := a.Ledger()
	start := time.Now()
	defer func() {
		passDuration.WithLabelValues(string(ledger)).Observe(time.Since(start).Seconds())
	}()

	released, err := k.store.ReleaseStale(ctx, ledger, k.now().Add(-k.cfg.SubmitLease))
	if err != nil {
		return fmt.Errorf("release stale %s claims: %w", ledger, err)
	}
	if released > 0 {
		staleReleasedTotal.WithLabelValues(string(ledger)).Add(float64(released))
		k.logger.Info("keeper: released expired claims",
			zap.String("ledger", string(ledger)),
			zap.Int("count", released),
		)
	}

	if k.health != nil && !k.health.Up(ledger) {
		k.logger.Debug("keeper: ledger down, skipping submissions", zap.String("ledger", string(ledger)))
	} else if err := k.submitDue(ctx, a); err != nil {
		return err
	}
	return k.pollAwaiting(ctx, a)
}

// ── Submission ─────────────────────────────────────────────────────────────

func (k *Keeper) submitDue(ctx context.Context, a chain.Adapter) error {
	due, err := k.store.Outbox(ctx, evidence.OutboxQuery{
		Ledger: a.Ledger(),
		Now:    k.now(),
		Limit:  k.cfg.BatchLimit,
	})
	if err != nil {
		return fmt.Errorf("outbox %s: %w", a.Ledger(), err)
	}

	var g errgroup.Group
	g.SetLimit(k.cfg.Concurrency)
	for _, an := range due {
		g.Go(func() error { return k.submitOne(ctx, a, an) })
	}
	return g.Wait()
}

// submitOne claims one anchor and broadcasts it. Only store errors are
// returned; every chain outcome is recorded on the anchor.
func (k *Keeper) submitOne(ctx context.Context, a chain.Adapter, an *evidence.Anchor) error {
	key := an.Key()
	log := k.logger.With(zap.String("record_id", key.RecordID.String()), zap.String("ledger", string(key.Ledger)))

	if an.State == evidence.StateFailed {
		requeued, err := k.store.Transition(ctx, key, evidence.StateFailed, evidence.StatePending, evidence.Update{})
		if errors.Is(err, evidence.ErrStaleState) {
			log.Debug("keeper: retry already taken")
			return nil
		}
		if err != nil {
			return fmt.Errorf("requeue %s: %w", key, err)
		}
		k.observe(ctx, requeued, custody.ActionRetried, nil)
	}

	claimed, err := k.store.Transition(ctx, key, evidence.StatePending, evidence.StateSubmitting, evidence.Update{})
	if errors.Is(err, evidence.ErrStaleState) {
		log.Debug("keeper: claim lost")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	transitionsTotal.WithLabelValues(string(key.Ledger), string(evidence.StateSubmitting)).Inc()

	req := chain.NewSubmitRequest(key.RecordID, an.Digest)
	h, adopted, err := k.broadcast(ctx, a, req, claimed)
	if err != nil {
		return k.failSubmission(ctx, claimed, err)
	}

	result := "ok"
	if adopted {
		result = "adopted"
		log.Info("keeper: adopted transaction from earlier claim", zap.String("tx_id", h.TxID))
	}
	submissionsTotal.WithLabelValues(string(key.Ledger), result).Inc()

	sent, err := k.store.Transition(ctx, key, evidence.StateSubmitting, evidence.StateAwaiting, evidence.Update{
		Tx: &evidence.TxRef{TxID: h.TxID, SubmittedAt: h.SubmittedAt},
	})
	if errors.Is(err, evidence.ErrStaleState) {
		// The lease expired mid-call; whoever reclaimed it will find the
		// transaction by its tag.
		log.Warn("keeper: claim expired before transaction was recorded", zap.String("tx_id", h.TxID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("record tx for %s: %w", key, err)
	}
	k.observe(ctx, sent, custody.ActionSubmitted, map[string]any{"tx_id": h.TxID, "attempt": sent.Attempts})
	return nil
}

// broadcast submits req, first adopting a transaction left by an earlier
// claim when the adapter can look one up.
func (k *Keeper) broadcast(ctx context.Context, a chain.Adapter, req chain.SubmitRequest, claimed *evidence.Anchor) (chain.TxHandle, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.CallTimeout)
	defer cancel()

	if f, ok := a.(chain.Finder); ok && claimed.Attempts > 1 {
		h, found, err := f.Lookup(ctx, req.Tag)
		if err != nil {
			return chain.TxHandle{}, false, fmt.Errorf("lookup %s: %w", req.Tag, err)
		}
		if found && !rejectedBefore(claimed, h.TxID) {
			return h, true, nil
		}
	}

	h, err := a.Submit(ctx, req)
	return h, false, err
}

func rejectedBefore(an *evidence.Anchor, txID string) bool {
	if an.Tx != nil && an.Tx.TxID == txID && an.Tx.Status == evidence.TxRejected {
		return true
	}
	for _, r := range an.History {
		if r.TxID == txID {
			return true
		}
	}
	return false
}

func (k *Keeper) failSubmission(ctx context.Context, claimed *evidence.Anchor, cause error) error {
	key := claimed.Key()
	upd := evidence.Update{LastError: cause.Error()}
	result := "retry"
	switch {
	case chain.IsRejected(cause):
		upd.Reason = evidence.ReasonSubmitRejected
		result = "rejected"
	case claimed.Attempts >= k.cfg.MaxAttempts:
		upd.Reason = evidence.ReasonMaxAttempts
		result = "exhausted"
	default:
		upd.Reason = evidence.ReasonNetwork
		upd.NextAttemptAt = k.now().Add(k.cfg.backoff(claimed.Attempts))
	}
	submissionsTotal.WithLabelValues(string(key.Ledger), result).Inc()

	failed, err := k.store.Transition(ctx, key, evidence.StateSubmitting, evidence.StateFailed, upd)
	if errors.Is(err, evidence.ErrStaleState) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", key, err)
	}

	k.logger.Warn("keeper: submission failed",
		zap.String("record_id", key.RecordID.String()),
		zap.String("ledger", string(key.Ledger)),
		zap.String("reason", string(failed.Reason)),
		zap.Int("attempts", failed.Attempts),
		zap.Error(cause),
	)
	k.observe(ctx, failed, custody.ActionFailed, map[string]any{"reason": failed.Reason, "error": failed.LastError})
	return nil
}

// ── Confirmation ───────────────────────────────────────────────────────────

func (k *Keeper) pollAwaiting(ctx context.Context, a chain.Adapter) error {
	waiting, err := k.store.Awaiting(ctx, a.Ledger(), k.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("awaiting %s: %w", a.Ledger(), err)
	}

	var g errgroup.Group
	g.SetLimit(k.cfg.Concurrency)
	for _, an := range waiting {
		g.Go(func() error { return k.pollOne(ctx, a, an) })
	}
	return g.Wait()
}

func (k *Keeper) pollOne(ctx context.Context, a chain.Adapter, an *evidence.Anchor) error {
	key := an.Key()
	if an.Tx == nil {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, k.cfg.CallTimeout)
	res, err := a.Poll(callCtx, chain.TxHandle{TxID: an.Tx.TxID, SubmittedAt: an.Tx.SubmittedAt})
	cancel()
	if err != nil {
		k.logger.Warn("keeper: poll failed",
			zap.String("record_id", key.RecordID.String()),
			zap.String("ledger", string(key.Ledger)),
			zap.String("tx_id", an.Tx.TxID),
			zap.Error(err),
		)
		return nil
	}

	var (
		to     evidence.State
		upd    evidence.Update
		action string
	)
	switch res.Status {
	case chain.StatusUnconfirmed:
		return nil

	case chain.StatusConfirmed:
		upd.Confirmations = res.Confirmations
		switch {
		case res.Finalized || res.Confirmations >= k.cfg.threshold(key.Ledger):
			to, action = evidence.StateConfirmed, custody.ActionConfirmed
		case res.Confirmations > an.Tx.Confirmations:
			to = evidence.StateAwaiting
		default:
			return nil
		}

	case chain.StatusRejected:
		to, action = evidence.StateFailed, custody.ActionFailed
		upd.LastError = res.Reason
		switch {
		case !res.Retryable:
			upd.Reason = evidence.ReasonChainRejected
		case an.Attempts >= k.cfg.MaxAttempts:
			upd.Reason = evidence.ReasonMaxAttempts
		default:
			upd.Reason = evidence.ReasonNetwork
			upd.NextAttemptAt = k.now().Add(k.cfg.backoff(an.Attempts))
		}
	}

	next, err := k.store.Transition(ctx, key, evidence.StateAwaiting, to, upd)
	if errors.Is(err, evidence.ErrStaleState) || errors.Is(err, evidence.ErrImmutable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply poll result for %s: %w", key, err)
	}
	if action == "" {
		return nil
	}

	payload := map[string]any{"tx_id": an.Tx.TxID, "confirmations": next.Tx.Confirmations}
	if to == evidence.StateFailed {
		payload["reason"] = next.Reason
		payload["error"] = next.LastError
		k.logger.Warn("keeper: transaction rejected",
			zap.String("record_id", key.RecordID.String()),
			zap.String("ledger", string(key.Ledger)),
			zap.String("tx_id", an.Tx.TxID),
			zap.String("reason", res.Reason),
		)
	}
	k.observe(ctx, next, action, payload)
	if to == evidence.StateConfirmed {
		k.archiveIfComplete(ctx, key)
	}
	return nil
}

// ── Side effects ───────────────────────────────────────────────────────────

// observe fans a committed transition out to metrics, the custody journal
// and the notifier. None of these can undo the transition.
func (k *Keeper) observe(ctx context.Context, an *evidence.Anchor, action string, payload map[string]any) {
	key := an.Key()
	transitionsTotal.WithLabelValues(string(key.Ledger), string(an.State)).Inc()

	if k.journal != nil {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["state"] = an.State
		payload["attempts"] = an.Attempts
		if _, err := k.journal.Append(ctx, key.RecordID.String(), string(key.Ledger), action, custody.SystemActor, payload); err != nil {
			k.logger.Error("keeper: custody journal append failed",
				zap.String("record_id", key.RecordID.String()),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}

	if k.notifier == nil {
		return
	}
	event := map[string]string{
		"record_id": key.RecordID.String(),
		"ledger":    string(key.Ledger),
		"state":     string(an.State),
	}
	if an.Tx != nil {
		event["tx_id"] = an.Tx.TxID
	}
	switch {
	case an.State == evidence.StateConfirmed:
		k.notifier.Dispatch(ctx, notify.EventConfirmed, event)
	case an.State == evidence.StateFailed && !an.Reason.Retryable():
		event["reason"] = string(an.Reason)
		event["error"] = an.LastError
		k.notifier.Dispatch(ctx, notify.EventAttentionRequired, event)
	}
}

// archiveIfComplete uploads the custody bundle once every anchor of the
// record is confirmed. Two ledger loops may both see the record complete;
// the object key is deterministic, so the later upload replaces the earlier.
func (k *Keeper) archiveIfComplete(ctx context.Context, key evidence.AnchorKey) {
	if k.archiver == nil {
		return
	}
	rec, err := k.store.Get(ctx, key.RecordID)
	if err != nil {
		k.logger.Error("keeper: load record for archive", zap.String("record_id", key.RecordID.String()), zap.Error(err))
		return
	}
	if rec.State != evidence.StateConfirmed {
		return
	}

	bundle := archive.Bundle{Record: rec, ArchivedAt: k.now()}
	if k.journal != nil {
		if bundle.Journal, err = k.journal.ForRecord(ctx, rec.ID.String()); err != nil {
			k.logger.Warn("keeper: load journal for archive", zap.String("record_id", rec.ID.String()), zap.Error(err))
		}
	}
	if _, err := k.archiver.Archive(ctx, bundle); err != nil {
		archivedTotal.WithLabelValues("failure").Inc()
		k.logger.Error("keeper: archive custody bundle", zap.String("record_id", rec.ID.String()), zap.Error(err))
		return
	}
	archivedTotal.WithLabelValues("success").Inc()
}
