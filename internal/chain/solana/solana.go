// Package solana anchors digests on Solana as SPL Memo transactions.
package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/chain"
	"github.com/jmerrifield20/evidencekeeper/internal/chain/jsonrpc"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
)

// finalizedConfirmations is reported for finalized transactions, for which
// the RPC no longer returns a count.
const finalizedConfirmations = 32

// JSON-RPC error codes that mean the transaction itself is unacceptable.
var rejectCodes = map[int]string{
	-32002: "preflight_failure",
	-32003: "signature_verification_failure",
	-32602: "invalid_params",
}

// Caller is the JSON-RPC surface the adapter needs. *jsonrpc.Client
// implements it.
type Caller interface {
	Call(ctx context.Context, method string, params any, out any) error
}

// Config tunes the adapter.
type Config struct {
	Commitment string        // default "confirmed"
	DropAfter  time.Duration // unseen transactions older than this are dropped; default 3m
	LookupSize int           // signatures scanned by Lookup; default 100
}

// Adapter implements chain.Adapter, chain.Finder and chain.Pinger.
type Adapter struct {
	rpc    Caller
	key    ed25519.PrivateKey
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ chain.Adapter = (*Adapter)(nil)
	_ chain.Finder  = (*Adapter)(nil)
	_ chain.Pinger  = (*Adapter)(nil)
)

// New creates an Adapter paying fees from key.
func New(rpc Caller, key ed25519.PrivateKey, cfg Config, logger *zap.Logger) *Adapter {
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.DropAfter <= 0 {
		cfg.DropAfter = 3 * time.Minute
	}
	if cfg.LookupSize <= 0 {
		cfg.LookupSize = 100
	}
	return &Adapter{rpc: rpc, key: key, cfg: cfg, logger: logger, now: time.Now}
}

// Ledger implements chain.Adapter.
func (a *Adapter) Ledger() evidence.Ledger { return evidence.LedgerSolana }

// Payer returns the fee payer address.
func (a *Adapter) Payer() string { return Address(a.key) }

type blockhashResult struct {
	Value struct {
		Blockhash string `json:"blockhash"`
	} `json:"value"`
}

// Submit implements chain.Adapter.
func (a *Adapter) Submit(ctx context.Context, req chain.SubmitRequest) (chain.TxHandle, error) {
	var bh blockhashResult
	if err := a.rpc.Call(ctx, "getLatestBlockhash",
		[]any{map[string]string{"commitment": a.cfg.Commitment}}, &bh); err != nil {
		return chain.TxHandle{}, a.classify("getLatestBlockhash", err)
	}
	blockhash, err := base58.Decode(bh.Value.Blockhash)
	if err != nil || len(blockhash) != 32 {
		return chain.TxHandle{}, fmt.Errorf("solana: malformed blockhash %q", bh.Value.Blockhash)
	}

	msg := buildMessage(a.key.Public().(ed25519.PublicKey), blockhash, []byte(req.Memo()))
	wire, sig := signTransaction(a.key, msg)
	txID := base58.Encode(sig)

	var got string
	err = a.rpc.Call(ctx, "sendTransaction", []any{
		base64.StdEncoding.EncodeToString(wire),
		map[string]string{"encoding": "base64", "preflightCommitment": a.cfg.Commitment},
	}, &got)
	if err != nil {
		return chain.TxHandle{}, a.classify("sendTransaction", err)
	}
	if got != "" && got != txID {
		a.logger.Warn("solana returned unexpected signature",
			zap.String("expected", txID), zap.String("got", got))
		txID = got
	}

	a.logger.Info("solana memo submitted",
		zap.String("record_id", req.RecordID.String()),
		zap.String("signature", txID),
	)
	return chain.TxHandle{TxID: txID, SubmittedAt: a.now().UTC()}, nil
}

// classify maps transport failures onto retryable errors and definitive
// refusals onto *chain.RejectedError.
func (a *Adapter) classify(method string, err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if strings.Contains(rpcErr.Message, "Blockhash not found") {
			return fmt.Errorf("solana %s: %w", method, err)
		}
		if reason, ok := rejectCodes[rpcErr.Code]; ok {
			return chain.Reject(evidence.LedgerSolana, reason, err)
		}
		return fmt.Errorf("solana %s: %w", method, err)
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return fmt.Errorf("solana %s: %w", method, err)
		}
		return chain.Reject(evidence.LedgerSolana, "http_"+fmt.Sprint(httpErr.StatusCode), err)
	}
	return fmt.Errorf("solana %s: %w", method, err)
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *int            `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

type statusesResult struct {
	Value []*signatureStatus `json:"value"`
}

// Poll implements chain.Adapter.
func (a *Adapter) Poll(ctx context.Context, h chain.TxHandle) (chain.PollResult, error) {
	var res statusesResult
	if err := a.rpc.Call(ctx, "getSignatureStatuses", []any{
		[]string{h.TxID},
		map[string]bool{"searchTransactionHistory": true},
	}, &res); err != nil {
		return chain.PollResult{}, fmt.Errorf("solana getSignatureStatuses: %w", err)
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		if !h.SubmittedAt.IsZero() && a.now().Sub(h.SubmittedAt) > a.cfg.DropAfter {
			return chain.Dropped("transaction expired before landing"), nil
		}
		return chain.Unconfirmed(), nil
	}

	st := res.Value[0]
	if len(st.Err) > 0 && string(st.Err) != "null" {
		return chain.Rejected("transaction error: " + string(st.Err)), nil
	}
	switch st.ConfirmationStatus {
	case "finalized":
		return chain.Confirmed(finalizedConfirmations, true), nil
	case "confirmed":
		n := 1
		if st.Confirmations != nil && *st.Confirmations > n {
			n = *st.Confirmations
		}
		return chain.Confirmed(n, false), nil
	default:
		return chain.Unconfirmed(), nil
	}
}

type signatureInfo struct {
	Signature string          `json:"signature"`
	Memo      *string         `json:"memo"`
	Err       json.RawMessage `json:"err"`
}

// Lookup implements chain.Finder by scanning the payer's recent signatures
// for a memo carrying tag.
func (a *Adapter) Lookup(ctx context.Context, tag string) (chain.TxHandle, bool, error) {
	var sigs []signatureInfo
	if err := a.rpc.Call(ctx, "getSignaturesForAddress", []any{
		a.Payer(),
		map[string]any{"limit": a.cfg.LookupSize, "commitment": a.cfg.Commitment},
	}, &sigs); err != nil {
		return chain.TxHandle{}, false, fmt.Errorf("solana getSignaturesForAddress: %w", err)
	}
	for _, s := range sigs {
		if s.Memo == nil || (len(s.Err) > 0 && string(s.Err) != "null") {
			continue
		}
		if memoHasTag(*s.Memo, tag) {
			return chain.TxHandle{TxID: s.Signature, SubmittedAt: a.now().UTC()}, true, nil
		}
	}
	return chain.TxHandle{}, false, nil
}

// memoHasTag matches RPC memo strings, which are reported as "[len] text"
// and joined with "; " when a transaction carries several memos.
func memoHasTag(memo, tag string) bool {
	for _, part := range strings.Split(memo, "; ") {
		if i := strings.Index(part, "] "); strings.HasPrefix(part, "[") && i > 0 {
			part = part[i+2:]
		}
		if _, got, err := chain.ParseMemo(part); err == nil && got == tag {
			return true
		}
	}
	return false
}

// Ping implements chain.Pinger.
func (a *Adapter) Ping(ctx context.Context) error {
	var health string
	if err := a.rpc.Call(ctx, "getHealth", nil, &health); err != nil {
		return fmt.Errorf("solana getHealth: %w", err)
	}
	if health != "ok" {
		return fmt.Errorf("solana node unhealthy: %s", health)
	}
	return nil
}
