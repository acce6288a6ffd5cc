package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/custody"
	"github.com/jmerrifield20/evidencekeeper/internal/digest"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
	"github.com/jmerrifield20/evidencekeeper/internal/gateway/handler"
	"github.com/jmerrifield20/evidencekeeper/internal/verify"
	"github.com/jmerrifield20/evidencekeeper/internal/x402"
	"github.com/jmerrifield20/evidencekeeper/pkg/client"
)

// ── Stub gateway ─────────────────────────────────────────────────────────

type gateway struct {
	srv     *httptest.Server
	store   *evidence.MemoryStore
	journal *custody.MemoryJournal
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	g := &gateway{store: evidence.NewMemoryStore(), journal: custody.NewMemoryJournal()}
	cfg := x402.Config{Enabled: true, WalletAddress: "Recv1", Network: "devnet"}
	gate := x402.NewGate(cfg, x402.NewFacilitator(cfg, logger), x402.NewMemoryReceipts(), logger)
	attestor, err := x402.EphemeralAttestor("Test Authority")
	if err != nil {
		t.Fatal(err)
	}

	router := handler.NewEngine(context.Background(), handler.EngineOptions{}, logger)
	v1 := router.Group("/api/v1")
	vh := handler.NewVerifyHandler(verify.New(g.store, evidence.LedgerSolana, logger), gate, logger)
	vh.SetAttestor(attestor)
	vh.SetJournal(g.journal)
	vh.Register(v1)
	handler.NewPaymentHandler(gate, attestor).Register(v1)
	handler.NewCustodyHandler(g.journal, logger).Register(v1)

	g.srv = httptest.NewServer(router)
	t.Cleanup(g.srv.Close)
	return g
}

// record creates a record; confirm moves its solana anchor to confirmed.
func (g *gateway) record(t *testing.T, payload string, confirm bool) *evidence.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := g.store.Create(ctx, evidence.CreateRequest{
		Digest: digest.Sum([]byte(payload)), Submitter: "t", Ledgers: []evidence.Ledger{evidence.LedgerSolana},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !confirm {
		return rec
	}
	k := evidence.AnchorKey{RecordID: rec.ID, Ledger: evidence.LedgerSolana}
	steps := []struct {
		from, to evidence.State
		upd      evidence.Update
	}{
		{evidence.StatePending, evidence.StateSubmitting, evidence.Update{}},
		{evidence.StateSubmitting, evidence.StateAwaiting, evidence.Update{Tx: &evidence.TxRef{TxID: "sig-" + payload}}},
		{evidence.StateAwaiting, evidence.StateConfirmed, evidence.Update{Confirmations: 1}},
	}
	for _, s := range steps {
		if _, err := g.store.Transition(ctx, k, s.from, s.to, s.upd); err != nil {
			t.Fatal(err)
		}
	}
	return rec
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestNew_invalidURL(t *testing.T) {
	if _, err := client.New("not a url"); err == nil {
		t.Error("expected error for invalid URL")
	}
	if _, err := client.New("http://x", client.WithCacheTTL(0)); err == nil {
		t.Error("expected error for zero TTL")
	}
}

func TestVerify(t *testing.T) {
	g := newGateway(t)
	rec := g.record(t, "contract", true)
	c := client.MustNew(g.srv.URL)

	v, err := c.Verify(context.Background(), rec.Digest.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != client.StatusAnchored {
		t.Errorf("status = %s", v.Status)
	}
	if len(v.Records) != 1 || len(v.Records[0].Chains) != 1 || v.Records[0].Chains[0].TxID != "sig-contract" {
		t.Errorf("records = %+v", v.Records)
	}

	if _, err := c.Verify(context.Background(), "xyz"); err == nil {
		t.Error("expected error for malformed digest")
	}
}

func TestVerify_cachesOnlyAnchored(t *testing.T) {
	g := newGateway(t)
	pending := g.record(t, "pending", false)
	c := client.MustNew(g.srv.URL, client.WithCacheTTL(time.Minute))
	ctx := context.Background()

	v, err := c.Verify(ctx, pending.Digest.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != client.StatusNotYetAnchored {
		t.Fatalf("status = %s", v.Status)
	}

	// Confirm behind the client's back: a pending result must not be cached.
	k := evidence.AnchorKey{RecordID: pending.ID, Ledger: evidence.LedgerSolana}
	_, _ = g.store.Transition(ctx, k, evidence.StatePending, evidence.StateSubmitting, evidence.Update{})
	_, _ = g.store.Transition(ctx, k, evidence.StateSubmitting, evidence.StateAwaiting, evidence.Update{Tx: &evidence.TxRef{TxID: "late"}})
	_, _ = g.store.Transition(ctx, k, evidence.StateAwaiting, evidence.StateConfirmed, evidence.Update{Confirmations: 1})

	v, err = c.Verify(ctx, pending.Digest.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != client.StatusAnchored {
		t.Errorf("after confirmation: %s", v.Status)
	}

	// Served from cache once the gateway is gone.
	g.srv.Close()
	if v, err = c.Verify(ctx, pending.Digest.Hex()); err != nil || v.Status != client.StatusAnchored {
		t.Errorf("cached verify: %v, %v", v, err)
	}
}

func TestPremium_quoteThenPay(t *testing.T) {
	g := newGateway(t)
	rec := g.record(t, "will", true)
	c := client.MustNew(g.srv.URL)
	ctx := context.Background()

	_, err := c.Premium(ctx, rec.Digest.Hex(), "legal_attestation", nil)
	var pr *client.PaymentRequiredError
	if !errors.As(err, &pr) {
		t.Fatalf("expected PaymentRequiredError, got %v", err)
	}
	if pr.Code != "payment_required" || pr.Quote.Price != "1.00" || pr.Quote.Recipient != "Recv1" {
		t.Errorf("quote = %+v", pr)
	}

	res, err := c.Premium(ctx, rec.Digest.Hex(), "legal_attestation", &client.PaymentProof{
		Signature: "sig-pay-1", Amount: pr.Quote.Price, Token: "USDC", Memo: pr.Quote.Memo,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.PaymentResponse == "" || res.Payment == nil || !res.Payment.Valid {
		t.Errorf("payment = %+v header=%q", res.Payment, res.PaymentResponse)
	}
	if res.Verification.Scope != "multi" {
		t.Errorf("scope = %q", res.Verification.Scope)
	}

	key, err := c.AttestationKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Attestation.Verify(key.PublicKey, rec.ID.String(), rec.Digest.Hex()) {
		t.Error("attestation does not verify against the published key")
	}
	if res.Attestation.Verify(key.PublicKey, rec.ID.String(), digest.Sum([]byte("other")).Hex()) {
		t.Error("attestation verified for the wrong digest")
	}

	trail, err := c.CustodyTrail(ctx, rec.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 1 || trail[0].Action != custody.ActionAttested {
		t.Errorf("trail = %+v", trail)
	}

	// Replaying the same payment is refused.
	_, err = c.Premium(ctx, rec.Digest.Hex(), "legal_attestation", &client.PaymentProof{
		Signature: "sig-pay-1", Amount: pr.Quote.Price, Token: "USDC", Memo: pr.Quote.Memo,
	})
	if !errors.As(err, &pr) || pr.Code != "payment_replayed" {
		t.Errorf("replay: %v", err)
	}
}

func TestTiers(t *testing.T) {
	g := newGateway(t)
	tiers, err := client.MustNew(g.srv.URL).Tiers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !tiers.Enabled || tiers.PriceTiers["multi_chain"].Price != "0.05" {
		t.Errorf("tiers = %+v", tiers)
	}
}

func TestCustodyTrail_badID(t *testing.T) {
	g := newGateway(t)
	if _, err := client.MustNew(g.srv.URL).CustodyTrail(context.Background(), "nope"); err == nil {
		t.Error("expected error for malformed record id")
	}
}

func TestDigestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := client.DigestFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != digest.Sum([]byte("hello")).Hex() {
		t.Errorf("digest = %s", got)
	}
}
