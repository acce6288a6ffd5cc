// Package chaintest provides a scriptable in-memory chain.Adapter for tests.
package chaintest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/evidencekeeper/internal/chain"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
)

// Adapter records every call and answers from a script. By default every
// submission succeeds and every poll reports unconfirmed.
type Adapter struct {
	mu sync.Mutex

	ledger    evidence.Ledger
	submits   []chain.SubmitRequest
	landed    map[string]chain.TxHandle // tag → tx
	polls     map[string]int            // tx id → polls so far
	script    []chain.PollResult
	failNext  []error
	submitErr error
	pollErr   error
	pingErr   error
	delay     time.Duration
	seq       int
}

var (
	_ chain.Adapter = (*Adapter)(nil)
	_ chain.Finder  = (*Adapter)(nil)
	_ chain.Pinger  = (*Adapter)(nil)
)

// New creates an Adapter for ledger.
func New(ledger evidence.Ledger) *Adapter {
	return &Adapter{
		ledger: ledger,
		landed: map[string]chain.TxHandle{},
		polls:  map[string]int{},
	}
}

// Ledger implements chain.Adapter.
func (a *Adapter) Ledger() evidence.Ledger { return a.ledger }

// Submit implements chain.Adapter.
func (a *Adapter) Submit(ctx context.Context, req chain.SubmitRequest) (chain.TxHandle, error) {
	a.mu.Lock()
	delay := a.delay
	a.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return chain.TxHandle{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.submits = append(a.submits, req)
	if len(a.failNext) > 0 {
		err := a.failNext[0]
		a.failNext = a.failNext[1:]
		return chain.TxHandle{}, err
	}
	if a.submitErr != nil {
		return chain.TxHandle{}, a.submitErr
	}
	a.seq++
	h := chain.TxHandle{TxID: fmt.Sprintf("%s-tx-%d", a.ledger, a.seq), SubmittedAt: time.Now().UTC()}
	a.landed[req.Tag] = h
	return h, nil
}

// Poll implements chain.Adapter. The n-th poll of a transaction returns the
// n-th scripted result; the last result repeats.
func (a *Adapter) Poll(_ context.Context, h chain.TxHandle) (chain.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pollErr != nil {
		return chain.PollResult{}, a.pollErr
	}
	n := a.polls[h.TxID]
	a.polls[h.TxID] = n + 1
	if len(a.script) == 0 {
		return chain.Unconfirmed(), nil
	}
	if n >= len(a.script) {
		n = len(a.script) - 1
	}
	return a.script[n], nil
}

// Lookup implements chain.Finder.
func (a *Adapter) Lookup(_ context.Context, tag string) (chain.TxHandle, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.landed[tag]
	return h, ok, nil
}

// Ping implements chain.Pinger.
func (a *Adapter) Ping(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pingErr
}

// ScriptPolls sets the per-transaction poll sequence.
func (a *Adapter) ScriptPolls(results ...chain.PollResult) {
	a.mu.Lock()
	a.script = results
	a.mu.Unlock()
}

// FailNext makes the next len(errs) submissions fail with errs in order.
func (a *Adapter) FailNext(errs ...error) {
	a.mu.Lock()
	a.failNext = append(a.failNext, errs...)
	a.mu.Unlock()
}

// FailSubmits makes every submission fail with err until reset with nil.
func (a *Adapter) FailSubmits(err error) {
	a.mu.Lock()
	a.submitErr = err
	a.mu.Unlock()
}

// FailPolls makes every poll fail with err until reset with nil.
func (a *Adapter) FailPolls(err error) {
	a.mu.Lock()
	a.pollErr = err
	a.mu.Unlock()
}

// SetPingErr sets the Ping result.
func (a *Adapter) SetPingErr(err error) {
	a.mu.Lock()
	a.pingErr = err
	a.mu.Unlock()
}

// SetDelay makes Submit block for d, honouring context cancellation.
func (a *Adapter) SetDelay(d time.Duration) {
	a.mu.Lock()
	a.delay = d
	a.mu.Unlock()
}

// Land records a transaction for tag as if an earlier process had
// broadcast it.
func (a *Adapter) Land(tag string, h chain.TxHandle) {
	a.mu.Lock()
	a.landed[tag] = h
	a.mu.Unlock()
}

// Submissions returns a copy of every submit request received.
func (a *Adapter) Submissions() []chain.SubmitRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chain.SubmitRequest(nil), a.submits...)
}

// PollCount returns how often txID was polled.
func (a *Adapter) PollCount(txID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polls[txID]
}
