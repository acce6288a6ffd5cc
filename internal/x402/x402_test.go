package x402

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTier_prices(t *testing.T) {
	assert.Equal(t, "0.01", TierBasic.Price())
	assert.Equal(t, "0.05", TierMultiChain.Price())
	assert.Equal(t, "1.00", TierLegalAttestation.Price())
	assert.Equal(t, "0.005", TierBulk.Price())

	tier, err := ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, TierBasic, tier)

	_, err = ParseTier("platinum")
	assert.Error(t, err)

	assert.True(t, TierLegalAttestation.MultiChain())
	assert.False(t, TierBulk.MultiChain())
}

func TestAtLeast_exactDecimal(t *testing.T) {
	assert.True(t, atLeast("0.01", "0.01"))
	assert.True(t, atLeast("0.010000001", "0.01"))
	assert.False(t, atLeast("0.009999999", "0.01"))
	assert.False(t, atLeast("garbage", "0.01"))
	assert.False(t, atLeast("-1", "0.01"))
}

func TestProof_encodeDecode(t *testing.T) {
	p := &Proof{Signature: "5xKj789abc", Amount: "0.01", Token: "USDC", Sender: "sender", Memo: "evidence:ab", Timestamp: "2025-11-28T10:00:00Z"}
	header, err := p.Encode()
	require.NoError(t, err)

	got, err := DecodeProof(header)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = DecodeProof("%%%")
	assert.ErrorIs(t, err, ErrInvalidProof)
	_, err = DecodeProof("e30=") // {}
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestSimulate(t *testing.T) {
	f := NewFacilitator(Config{Network: "devnet"}, zap.NewNop())
	ctx := context.Background()

	ok, err := f.Verify(ctx, &Proof{Signature: "s", Amount: "0.01", Memo: "evidence:aa"}, "evidence:aa", "0.01")
	require.NoError(t, err)
	assert.True(t, ok.Valid)

	wrongMemo, err := f.Verify(ctx, &Proof{Signature: "s", Amount: "0.01", Memo: "evidence:bb"}, "evidence:aa", "0.01")
	require.NoError(t, err)
	assert.False(t, wrongMemo.Valid)
	assert.Contains(t, wrongMemo.Error, "memo mismatch")

	short, err := f.Verify(ctx, &Proof{Signature: "s", Amount: "0.001", Memo: "evidence:aa"}, "evidence:aa", "0.01")
	require.NoError(t, err)
	assert.False(t, short.Valid)
	assert.Contains(t, short.Error, "insufficient")
}

func TestFacilitator_http(t *testing.T) {
	var got verifyRequest
	answer := verifyResponse{Valid: true, Amount: "0.05", Block: 42}
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(answer) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewFacilitator(Config{Network: "mainnet-beta", FacilitatorURL: srv.URL + "/", WalletAddress: "Recv1"}, zap.NewNop())
	proof := &Proof{Signature: "sig", Amount: "0.05", Token: "USDC"}

	v, err := f.Verify(context.Background(), proof, "evidence:aa", "0.05")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, uint64(42), v.Block)
	assert.Equal(t, "Recv1", got.ExpectedRecipient)
	assert.Equal(t, "evidence:aa", got.ExpectedMemo)

	answer = verifyResponse{Valid: true, Amount: "0.01"}
	v, err = f.Verify(context.Background(), proof, "evidence:aa", "0.05")
	require.NoError(t, err)
	assert.False(t, v.Valid, "underpayment reported valid by the facilitator must be refused")

	status = http.StatusInternalServerError
	_, err = f.Verify(context.Background(), proof, "evidence:aa", "0.05")
	assert.Error(t, err)
}

func TestAttestor_signAndVerify(t *testing.T) {
	a, err := LoadAttestor("9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60", "Evidence Authority", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a", a.PublicKeyHex())

	att, err := a.Attest("rec-1", "abcd", "anchored", []string{"solana"})
	require.NoError(t, err)
	assert.True(t, VerifyAttestation(a.PublicKeyHex(), att.Signature, "rec-1", "abcd", att.SignedAt))
	assert.False(t, VerifyAttestation(a.PublicKeyHex(), att.Signature, "rec-1", "abce", att.SignedAt))
	assert.False(t, VerifyAttestation(a.PublicKeyHex(), att.Signature, "rec-1", "abcd", att.SignedAt+1))
	assert.False(t, VerifyAttestation(a.PublicKeyHex(), att.Signature[len("ed25519:"):], "rec-1", "abcd", att.SignedAt))

	claims, err := a.VerifyToken(att.Token)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", claims.RecordID)
	assert.Equal(t, "abcd", claims.Digest)
	assert.Equal(t, []string{"solana"}, claims.Ledgers)

	other, err := EphemeralAttestor("Evidence Authority")
	require.NoError(t, err)
	_, err = other.VerifyToken(att.Token)
	assert.Error(t, err)

	_, err = LoadAttestor("abcd", "x", 0)
	assert.Error(t, err)
}

func TestMemoryReceipts_replay(t *testing.T) {
	r := NewMemoryReceipts()
	ctx := context.Background()
	require.NoError(t, r.Redeem(ctx, Receipt{Signature: "s1"}))
	assert.ErrorIs(t, r.Redeem(ctx, Receipt{Signature: "s1"}), ErrReplay)
	used, err := r.Redeemed(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, used)
}

// ── Middleware ──────────────────────────────────────────────────────────────

const testDigest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func newGateRouter(cfg Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	gate := NewGate(cfg, NewFacilitator(cfg, zap.NewNop()), NewMemoryReceipts(), zap.NewNop())
	r := gin.New()
	r.GET("/verify/:digest/premium", gate.RequirePayment(func(c *gin.Context) (string, bool) {
		d := c.Param("digest")
		return d, len(d) == 64
	}), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tier": TierFrom(c), "paid": VerificationFrom(c).Amount})
	})
	return r
}

func premium(t *testing.T, r *gin.Engine, query string, proof *Proof) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/verify/"+testDigest+"/premium"+query, nil)
	if proof != nil {
		h, err := proof.Encode()
		require.NoError(t, err)
		req.Header.Set(PaymentHeader, h)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestRequirePayment(t *testing.T) {
	r := newGateRouter(Config{Enabled: true, WalletAddress: "Recv1", Network: "devnet"})
	good := &Proof{Signature: "sig-1", Amount: "0.05", Token: "USDC", Memo: Memo(testDigest)}

	w, body := premium(t, r, "?tier=multi_chain", nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "payment_required", body["error"])
	quote := body["payment"].(map[string]any)
	assert.Equal(t, "0.05", quote["price"])
	assert.Equal(t, "evidence:"+testDigest, quote["memo"])

	req := httptest.NewRequest(http.MethodGet, "/verify/"+testDigest+"/premium", nil)
	req.Header.Set(PaymentHeader, "not base64!")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "payment_invalid")

	cheap := *good
	cheap.Signature, cheap.Amount = "sig-cheap", "0.01"
	w, body = premium(t, r, "?tier=multi_chain", &cheap)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "payment_invalid", body["error"])

	w, body = premium(t, r, "?tier=multi_chain", good)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "multi_chain", body["tier"])
	assert.NotEmpty(t, w.Header().Get(PaymentResponseHeader))

	w, body = premium(t, r, "?tier=multi_chain", good)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "payment_replayed", body["error"])

	w, _ = premium(t, r, "?tier=gold", good)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequirePayment_disabled(t *testing.T) {
	r := newGateRouter(Config{})
	w, _ := premium(t, r, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
