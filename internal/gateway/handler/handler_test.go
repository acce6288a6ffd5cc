package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/custody"
	"github.com/jmerrifield20/evidencekeeper/internal/digest"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
	"github.com/jmerrifield20/evidencekeeper/internal/gateway/handler"
	"github.com/jmerrifield20/evidencekeeper/internal/verify"
	"github.com/jmerrifield20/evidencekeeper/internal/x402"
)

func init() { gin.SetMode(gin.TestMode) }

const rfc8032Seed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

// ── Fixtures ─────────────────────────────────────────────────────────────

type fixture struct {
	store    *evidence.MemoryStore
	journal  *custody.MemoryJournal
	attestor *x402.Attestor
	router   *gin.Engine
}

func newFixture(t *testing.T, gateCfg x402.Config) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{store: evidence.NewMemoryStore(), journal: custody.NewMemoryJournal()}

	a, err := x402.LoadAttestor(rfc8032Seed, "Evidence Authority", 0)
	if err != nil {
		t.Fatal(err)
	}
	f.attestor = a

	gate := x402.NewGate(gateCfg, x402.NewFacilitator(gateCfg, logger), x402.NewMemoryReceipts(), logger)
	vh := handler.NewVerifyHandler(verify.New(f.store, evidence.LedgerSolana, logger), gate, logger)
	vh.SetAttestor(a)
	vh.SetJournal(f.journal)

	f.router = handler.NewEngine(context.Background(), handler.EngineOptions{}, logger)
	v1 := f.router.Group("/api/v1")
	vh.Register(v1)
	handler.NewPaymentHandler(gate, a).Register(v1)
	handler.NewCustodyHandler(f.journal, logger).Register(v1)
	return f
}

func (f *fixture) anchored(t *testing.T, payload string) *evidence.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := f.store.Create(ctx, evidence.CreateRequest{
		Digest:    digest.Sum([]byte(payload)),
		Submitter: "tester",
		Ledgers:   []evidence.Ledger{evidence.LedgerSolana},
	})
	if err != nil {
		t.Fatal(err)
	}
	k := evidence.AnchorKey{RecordID: rec.ID, Ledger: evidence.LedgerSolana}
	if _, err := f.store.Transition(ctx, k, evidence.StatePending, evidence.StateSubmitting, evidence.Update{}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Transition(ctx, k, evidence.StateSubmitting, evidence.StateAwaiting,
		evidence.Update{Tx: &evidence.TxRef{TxID: "sig-" + payload}}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Transition(ctx, k, evidence.StateAwaiting, evidence.StateConfirmed,
		evidence.Update{Confirmations: 32}); err != nil {
		t.Fatal(err)
	}
	return rec
}

func (f *fixture) get(t *testing.T, path string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v (%s)", path, err, w.Body.String())
	}
	return w, body
}

func paymentHeader(t *testing.T, sig, amount, digestHex string) map[string]string {
	t.Helper()
	p := &x402.Proof{Signature: sig, Amount: amount, Token: "USDC", Memo: x402.Memo(digestHex)}
	h, err := p.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return map[string]string{x402.PaymentHeader: h}
}

var devnet = x402.Config{Enabled: true, WalletAddress: "Recv1", Network: "devnet"}

// ── Free verification ────────────────────────────────────────────────────

func TestVerify_free(t *testing.T) {
	f := newFixture(t, devnet)
	rec := f.anchored(t, "contract.pdf")

	w, body := f.get(t, "/api/v1/verify/"+rec.Digest.Hex(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body["status"] != string(verify.StatusAnchored) {
		t.Errorf("status = %v", body["status"])
	}
	if body["scope"] != string(verify.ScopeSingle) {
		t.Errorf("scope = %v", body["scope"])
	}
}

func TestVerify_unknownDigest(t *testing.T) {
	f := newFixture(t, devnet)
	w, body := f.get(t, "/api/v1/verify/"+digest.Sum([]byte("nobody")).Hex(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body["status"] != string(verify.StatusNotFound) {
		t.Errorf("status = %v", body["status"])
	}
}

func TestVerify_badDigest(t *testing.T) {
	f := newFixture(t, devnet)
	for _, d := range []string{"abc", strings.Repeat("zz", 32)} {
		w, _ := f.get(t, "/api/v1/verify/"+d, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", d, w.Code)
		}
	}
}

// ── Premium verification ─────────────────────────────────────────────────

func TestPremium_requiresPayment(t *testing.T) {
	f := newFixture(t, devnet)
	rec := f.anchored(t, "deed.pdf")

	w, body := f.get(t, "/api/v1/verify/"+rec.Digest.Hex()+"/premium?tier=multi_chain", nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	quote, _ := body["payment"].(map[string]any)
	if quote["price"] != "0.05" || quote["memo"] != x402.Memo(rec.Digest.Hex()) {
		t.Errorf("quote = %+v", quote)
	}
}

func TestPremium_multiChainPaid(t *testing.T) {
	f := newFixture(t, devnet)
	rec := f.anchored(t, "deed.pdf")
	path := "/api/v1/verify/" + rec.Digest.Hex() + "/premium?tier=multi_chain"
	hdr := paymentHeader(t, "sig-multi", "0.05", rec.Digest.Hex())

	w, body := f.get(t, path, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get(x402.PaymentResponseHeader) == "" {
		t.Error("missing payment response header")
	}
	v, _ := body["verification"].(map[string]any)
	if v["scope"] != string(verify.ScopeMulti) || v["status"] != string(verify.StatusAnchored) {
		t.Errorf("verification = %+v", v)
	}
	if _, ok := body["attestation"]; ok {
		t.Error("multi_chain tier must not carry an attestation")
	}

	// The same payment cannot be spent twice.
	w, body = f.get(t, path, hdr)
	if w.Code != http.StatusPaymentRequired || body["error"] != "payment_replayed" {
		t.Errorf("replay: %d %v", w.Code, body["error"])
	}
}

func TestPremium_legalAttestation(t *testing.T) {
	f := newFixture(t, devnet)
	rec := f.anchored(t, "will.pdf")
	path := "/api/v1/verify/" + rec.Digest.Hex() + "/premium?tier=legal_attestation"

	w, body := f.get(t, path, paymentHeader(t, "sig-legal", "1.00", rec.Digest.Hex()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	att, ok := body["attestation"].(map[string]any)
	if !ok {
		t.Fatalf("no attestation in %+v", body)
	}
	sig, _ := att["signature"].(string)
	signedAt := int64(att["signed_at"].(float64))
	if !x402.VerifyAttestation(f.attestor.PublicKeyHex(), sig, rec.ID.String(), rec.Digest.Hex(), signedAt) {
		t.Error("attestation signature does not verify")
	}
	claims, err := f.attestor.VerifyToken(att["token"].(string))
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.RecordID != rec.ID.String() || len(claims.Ledgers) != 1 {
		t.Errorf("claims = %+v", claims)
	}

	entries, err := f.journal.ForRecord(context.Background(), rec.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != custody.ActionAttested {
		t.Errorf("journal entries = %+v", entries)
	}
}

func TestPremium_basicCarriesCustodyTrail(t *testing.T) {
	f := newFixture(t, devnet)
	rec := f.anchored(t, "lease.pdf")
	ctx := context.Background()
	_, _ = f.journal.Append(ctx, rec.ID.String(), "", custody.ActionRecorded, "alice", nil)
	_, _ = f.journal.Append(ctx, rec.ID.String(), "solana", custody.ActionConfirmed, custody.SystemActor, nil)

	_, free := f.get(t, "/api/v1/verify/"+rec.Digest.Hex(), nil)
	if _, ok := free["custody"]; ok {
		t.Error("free route must not carry the custody trail")
	}

	w, body := f.get(t, "/api/v1/verify/"+rec.Digest.Hex()+"/premium?tier=basic",
		paymentHeader(t, "sig-basic", "0.01", rec.Digest.Hex()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	v, _ := body["verification"].(map[string]any)
	if v["scope"] != string(verify.ScopeSingle) {
		t.Errorf("scope = %v", v["scope"])
	}
	trail, _ := body["custody"].(map[string]any)
	entries, _ := trail[rec.ID.String()].([]any)
	if len(entries) != 2 {
		t.Fatalf("custody = %+v", body["custody"])
	}
	first, _ := entries[0].(map[string]any)
	if first["action"] != custody.ActionRecorded || first["actor"] != "alice" {
		t.Errorf("first entry = %+v", first)
	}
}

func TestPremium_notAnchoredIsRefundable(t *testing.T) {
	f := newFixture(t, devnet)
	d := digest.Sum([]byte("unknown"))

	w, body := f.get(t, "/api/v1/verify/"+d.Hex()+"/premium?tier=legal_attestation",
		paymentHeader(t, "sig-none", "1.00", d.Hex()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body["refund_eligible"] != true {
		t.Errorf("refund_eligible = %v", body["refund_eligible"])
	}
	if _, ok := body["attestation"]; ok {
		t.Error("unanchored digest must not be attested")
	}
}

func TestPremium_disabled(t *testing.T) {
	f := newFixture(t, x402.Config{})
	w, _ := f.get(t, "/api/v1/verify/"+digest.Sum([]byte("x")).Hex()+"/premium", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

// ── Payment metadata ─────────────────────────────────────────────────────

func TestPaymentTiers(t *testing.T) {
	f := newFixture(t, devnet)
	w, body := f.get(t, "/api/v1/payment/tiers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	tiers, _ := body["price_tiers"].(map[string]any)
	if len(tiers) != len(x402.Tiers) {
		t.Errorf("tiers = %+v", tiers)
	}
	basic, _ := tiers["basic"].(map[string]any)
	if basic["price"] != "0.01" {
		t.Errorf("basic = %+v", basic)
	}
}

func TestAttestationKey(t *testing.T) {
	f := newFixture(t, devnet)
	_, body := f.get(t, "/api/v1/attestation/key", nil)
	if body["public_key"] != "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a" {
		t.Errorf("public_key = %v", body["public_key"])
	}
}

// ── Custody journal ──────────────────────────────────────────────────────

func TestCustody_overviewAndVerify(t *testing.T) {
	f := newFixture(t, devnet)
	ctx := context.Background()
	rec := f.anchored(t, "memo.txt")
	_, _ = f.journal.Append(ctx, rec.ID.String(), "", custody.ActionRecorded, "alice", nil)
	_, _ = f.journal.Append(ctx, rec.ID.String(), "solana", custody.ActionConfirmed, custody.SystemActor, nil)

	_, body := f.get(t, "/api/v1/custody", nil)
	if body["entries"] != float64(3) {
		t.Errorf("entries = %v", body["entries"])
	}
	if root, _ := body["root"].(string); root == "" {
		t.Error("empty root")
	}

	_, body = f.get(t, "/api/v1/custody/verify", nil)
	if body["valid"] != true {
		t.Errorf("verify = %+v", body)
	}

	w, body := f.get(t, "/api/v1/custody/records/"+rec.ID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if entries, _ := body["entries"].([]any); len(entries) != 2 {
		t.Errorf("record entries = %d", len(entries))
	}
}

func TestCustody_badParams(t *testing.T) {
	f := newFixture(t, devnet)
	if w, _ := f.get(t, "/api/v1/custody/entries/-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("negative idx: %d", w.Code)
	}
	if w, _ := f.get(t, "/api/v1/custody/entries/99", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing idx: %d", w.Code)
	}
	if w, _ := f.get(t, "/api/v1/custody/records/not-a-uuid", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: %d", w.Code)
	}
}
