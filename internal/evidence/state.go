package evidence

import (
	"fmt"
	"time"
)

// edges is the anchor lifecycle graph. submitting → pending is only taken by
// ReleaseStale; awaiting_confirmation → awaiting_confirmation records a
// confirmation-count update.
var edges = map[State][]State{
	StatePending:    {StateSubmitting},
	StateSubmitting: {StateAwaiting, StateFailed, StatePending},
	StateAwaiting:   {StateAwaiting, StateConfirmed, StateFailed},
	StateFailed:     {StatePending},
}

// CanTransition reports whether from → to is part of the lifecycle graph.
func CanTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkEdge validates a requested transition and its update before any store
// is touched. Shared by every Store implementation.
func checkEdge(key AnchorKey, from, to State, upd Update) error {
	if from == StateConfirmed {
		return fmt.Errorf("%w: anchor %s", ErrImmutable, key)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	if from == StateSubmitting && to == StateAwaiting {
		if upd.Tx == nil || upd.Tx.TxID == "" {
			return fmt.Errorf("%w: %s → %s requires a transaction reference", ErrInvalidTransition, from, to)
		}
	}
	return nil
}

// failureReason fills in the default reason for a transition into failed.
func failureReason(from State, r Reason) Reason {
	if r != ReasonNone {
		return r
	}
	if from == StateAwaiting {
		return ReasonChainRejected
	}
	return ReasonNetwork
}

// applyTransition performs a checked transition on an in-memory anchor. The
// caller holds whatever lock makes the read-compare-write atomic.
func applyTransition(a *Anchor, from, to State, upd Update, now time.Time) error {
	key := a.Key()
	if a.State == StateConfirmed {
		return fmt.Errorf("%w: anchor %s", ErrImmutable, key)
	}
	if a.State != from {
		return &StaleStateError{Key: key, Expected: from, Actual: a.State}
	}
	if err := checkEdge(key, from, to, upd); err != nil {
		return err
	}

	switch {
	case from == StatePending && to == StateSubmitting:
		a.Attempts++
		a.ClaimedAt = &now
		a.Reason = ReasonNone

	case from == StateSubmitting && to == StatePending:
		a.ClaimedAt = nil

	case from == StateSubmitting && to == StateAwaiting:
		if a.Tx != nil && a.Tx.Status != TxRejected {
			return fmt.Errorf("%w: anchor %s already has live transaction %s", ErrInvalidTransition, key, a.Tx.TxID)
		}
		if a.Tx != nil {
			a.History = append(a.History, *a.Tx)
		}
		tx := *upd.Tx
		tx.Ledger = a.Ledger
		tx.Status = TxBroadcast
		tx.ConfirmedAt = nil
		if tx.SubmittedAt.IsZero() {
			tx.SubmittedAt = now
		}
		a.Tx = &tx
		a.ClaimedAt = nil
		a.Reason = ReasonNone
		a.LastError = ""

	case from == StateSubmitting && to == StateFailed:
		a.ClaimedAt = nil
		a.Reason = failureReason(from, upd.Reason)
		a.LastError = upd.LastError
		a.NextAttemptAt = upd.NextAttemptAt

	case from == StateAwaiting && to == StateAwaiting:
		if upd.Confirmations > a.Tx.Confirmations {
			a.Tx.Confirmations = upd.Confirmations
		}

	case from == StateAwaiting && to == StateConfirmed:
		if upd.Confirmations > a.Tx.Confirmations {
			a.Tx.Confirmations = upd.Confirmations
		}
		a.Tx.Status = TxConfirmed
		a.Tx.ConfirmedAt = &now

	case from == StateAwaiting && to == StateFailed:
		a.Tx.Status = TxRejected
		a.Reason = failureReason(from, upd.Reason)
		a.LastError = upd.LastError
		a.NextAttemptAt = upd.NextAttemptAt

	case from == StateFailed && to == StatePending:
		if upd.ResetAttempts {
			a.Attempts = 0
		}
		a.Reason = ReasonNone
		a.NextAttemptAt = now
	}

	a.State = to
	a.UpdatedAt = now
	return nil
}
