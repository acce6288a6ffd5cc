package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/chain"
	"github.com/jmerrifield20/evidencekeeper/internal/chain/chaintest"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) dispatch(_ context.Context, eventType string, _ map[string]string) {
	r.mu.Lock()
	r.events = append(r.events, eventType)
	r.mu.Unlock()
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheckAll_downAfterThreshold(t *testing.T) {
	sol := chaintest.New(evidence.LedgerSolana)
	sol.SetPingErr(errors.New("connection refused"))

	checker := New(TargetsFor([]chain.Adapter{sol}), Config{
		ProbeTimeout:  time.Second,
		FailThreshold: 3,
	}, zap.NewNop())
	rec := &recorder{}
	checker.SetWebhookDispatch(rec.dispatch)

	for i := 0; i < 2; i++ {
		checker.CheckAll(context.Background())
	}
	if !checker.Up(evidence.LedgerSolana) {
		t.Fatal("expected ledger up below threshold")
	}

	checker.CheckAll(context.Background())
	if checker.Up(evidence.LedgerSolana) {
		t.Error("expected ledger down at threshold")
	}
	if len(rec.events) != 1 || rec.events[0] != EventDegraded {
		t.Errorf("expected one degraded event, got %v", rec.events)
	}
}

func TestCheckAll_recoversOnSuccess(t *testing.T) {
	eth := chaintest.New(evidence.LedgerEtherlink)
	eth.SetPingErr(errors.New("timeout"))

	checker := New(TargetsFor([]chain.Adapter{eth}), Config{FailThreshold: 1}, zap.NewNop())
	rec := &recorder{}
	checker.SetWebhookDispatch(rec.dispatch)
	var gauge []bool
	checker.SetMetricsRecord(func(_ string, up bool) { gauge = append(gauge, up) })

	checker.CheckAll(context.Background())
	eth.SetPingErr(nil)
	checker.CheckAll(context.Background())

	if !checker.Up(evidence.LedgerEtherlink) {
		t.Error("expected healthy after recovery")
	}
	if len(rec.events) != 2 || rec.events[1] != EventRecovered {
		t.Errorf("events: %v", rec.events)
	}
	if len(gauge) != 2 || gauge[0] || !gauge[1] {
		t.Errorf("gauge updates: %v", gauge)
	}
}

func TestUp_unknownLedgerDefaultsUp(t *testing.T) {
	checker := New(nil, Config{}, zap.NewNop())
	if !checker.Up(evidence.LedgerSolana) {
		t.Error("unprobed ledger should be considered up")
	}
}
