// Package etherlink anchors digests on Etherlink (an EVM chain) as zero-value
// self-transactions whose calldata is the anchor memo.
package etherlink

import (
	"cmp"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/chain"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
)

// Client is the subset of *ethclient.Client the adapter uses.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// Config tunes the adapter.
type Config struct {
	DropAfter    time.Duration // unseen transactions older than this are dropped; default 10m
	LookupBlocks int           // blocks scanned back from head by Lookup; default 256
}

// Node error fragments that mean the transaction can never be accepted as
// built. Everything else is treated as transient.
var rejectFragments = map[string]string{
	"insufficient funds": "insufficient_funds",
	"intrinsic gas":      "intrinsic_gas",
	"invalid sender":     "invalid_sender",
	"nonce too low":      "nonce_too_low",
	"exceeds block gas":  "gas_limit",
}

// Adapter implements chain.Adapter, chain.Finder and chain.Pinger.
type Adapter struct {
	client Client
	key    *ecdsa.PrivateKey
	from   common.Address
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// mu serialises nonce assignment so concurrent submissions from one
	// keeper never reuse a nonce. It also guards the in-flight index.
	mu        sync.Mutex
	chainID   *big.Int
	nextNonce uint64
	inflight  map[string]sentTx // by ref tag, until mined or dropped
	tagOf     map[string]string // tx hash → ref tag
	reuse     []sentTx          // nonces freed by dropped transactions
}

// sentTx is a transaction broadcast by this process that has not been seen
// in a block yet.
type sentTx struct {
	handle   chain.TxHandle
	nonce    uint64
	gasPrice *big.Int
}

// replacementPrice is the lowest gas price a node accepts for a second
// transaction on the same nonce: 10% above the first.
func replacementPrice(prev *big.Int) *big.Int {
	p := new(big.Int).Mul(prev, big.NewInt(11))
	p.Div(p, big.NewInt(10))
	return p.Add(p, big.NewInt(1))
}

var (
	_ chain.Adapter = (*Adapter)(nil)
	_ chain.Finder  = (*Adapter)(nil)
	_ chain.Pinger  = (*Adapter)(nil)
)

// New creates an Adapter sending from key's address.
func New(client Client, key *ecdsa.PrivateKey, cfg Config, logger *zap.Logger) *Adapter {
	if cfg.DropAfter <= 0 {
		cfg.DropAfter = 10 * time.Minute
	}
	if cfg.LookupBlocks <= 0 {
		cfg.LookupBlocks = 256
	}
	return &Adapter{
		client:   client,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]sentTx),
		tagOf:    make(map[string]string),
	}
}

// LoadKey parses a hex secp256k1 private key, with or without 0x.
func LoadKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse etherlink key: %w", err)
	}
	return key, nil
}

// Ledger implements chain.Adapter.
func (a *Adapter) Ledger() evidence.Ledger { return evidence.LedgerEtherlink }

// From returns the sending address.
func (a *Adapter) From() common.Address { return a.from }

// Submit implements chain.Adapter. A nonce freed by a dropped transaction
// is reused before a fresh one, so the replacement and the original can
// never both land. The replacement is priced above the original, which
// also gives it a different hash.
func (a *Adapter) Submit(ctx context.Context, req chain.SubmitRequest) (chain.TxHandle, error) {
	data := []byte(req.Memo())

	a.mu.Lock()
	defer a.mu.Unlock()

	chainID, err := a.chainIDLocked(ctx)
	if err != nil {
		return chain.TxHandle{}, err
	}

	freed, reused, err := a.takeNonceLocked(ctx)
	if err != nil {
		return chain.TxHandle{}, err
	}
	nonce := freed.nonce
	sent := false
	defer func() {
		if reused && !sent {
			a.reuse = append(a.reuse, freed)
		}
	}()

	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return chain.TxHandle{}, fmt.Errorf("etherlink gas price: %w", err)
	}
	if reused && freed.gasPrice != nil {
		if floor := replacementPrice(freed.gasPrice); gasPrice.Cmp(floor) < 0 {
			gasPrice = floor
		}
	}
	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{From: a.from, To: &a.from, Data: data})
	if err != nil {
		return chain.TxHandle{}, classify("estimate gas", err)
	}

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &a.from,
		Value:    big.NewInt(0),
		Data:     data,
	}), types.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return chain.TxHandle{}, fmt.Errorf("sign etherlink tx: %w", err)
	}

	if err := a.client.SendTransaction(ctx, tx); err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "already known"):
			a.logger.Debug("etherlink tx already known", zap.String("tx_hash", tx.Hash().Hex()))
		case reused && strings.Contains(msg, "nonce too low"):
			// The freed nonce was spent after all; retry on a fresh one.
			sent = true
			return chain.TxHandle{}, fmt.Errorf("etherlink: reused nonce %d already spent: %w", nonce, err)
		default:
			return chain.TxHandle{}, classify("send", err)
		}
	}
	sent = true
	if nonce >= a.nextNonce {
		a.nextNonce = nonce + 1
	}

	h := chain.TxHandle{TxID: tx.Hash().Hex(), SubmittedAt: a.now().UTC()}
	a.inflight[req.Tag] = sentTx{handle: h, nonce: nonce, gasPrice: gasPrice}
	a.tagOf[h.TxID] = req.Tag

	a.logger.Info("etherlink anchor submitted",
		zap.String("record_id", req.RecordID.String()),
		zap.String("tx_hash", h.TxID),
		zap.Uint64("nonce", nonce),
		zap.Bool("reused_nonce", reused),
		zap.String("gas_price", gasPrice.String()),
	)
	return h, nil
}

// takeNonceLocked returns the lowest freed nonce with the price it was
// last sent at, or the next fresh one.
func (a *Adapter) takeNonceLocked(ctx context.Context) (sentTx, bool, error) {
	if len(a.reuse) > 0 {
		slices.SortFunc(a.reuse, func(x, y sentTx) int { return cmp.Compare(x.nonce, y.nonce) })
		f := a.reuse[0]
		a.reuse = a.reuse[1:]
		return f, true, nil
	}
	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return sentTx{}, false, fmt.Errorf("etherlink nonce: %w", err)
	}
	if nonce < a.nextNonce {
		nonce = a.nextNonce
	}
	return sentTx{nonce: nonce}, false, nil
}

func (a *Adapter) chainIDLocked(ctx context.Context) (*big.Int, error) {
	if a.chainID == nil {
		id, err := a.client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("etherlink chain id: %w", err)
		}
		a.chainID = id
	}
	return a.chainID, nil
}

// forget drops a mined transaction from the in-flight index.
func (a *Adapter) forget(txID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forgetLocked(txID)
}

func (a *Adapter) forgetLocked(txID string) (sentTx, bool) {
	tag, ok := a.tagOf[txID]
	if !ok {
		return sentTx{}, false
	}
	delete(a.tagOf, txID)
	s := a.inflight[tag]
	if s.handle.TxID != txID {
		return sentTx{}, false
	}
	delete(a.inflight, tag)
	return s, true
}

// release forgets a dropped transaction and frees its nonce.
func (a *Adapter) release(txID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.forgetLocked(txID); ok {
		a.reuse = append(a.reuse, s)
	}
}

// Poll implements chain.Adapter.
func (a *Adapter) Poll(ctx context.Context, h chain.TxHandle) (chain.PollResult, error) {
	hash := common.HexToHash(h.TxID)
	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return a.unmined(ctx, h)
	}
	if err != nil {
		return chain.PollResult{}, fmt.Errorf("etherlink receipt %s: %w", h.TxID, err)
	}
	a.forget(h.TxID)
	if receipt.Status == types.ReceiptStatusFailed {
		return chain.Rejected("transaction reverted"), nil
	}

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return chain.PollResult{}, fmt.Errorf("etherlink head: %w", err)
	}
	block := receipt.BlockNumber.Uint64()
	if head < block {
		return chain.Confirmed(1, false), nil
	}
	return chain.Confirmed(int(head-block+1), false), nil
}

// unmined classifies a transaction without a receipt. One the node still
// holds is unconfirmed however old it is; one the node has never heard of
// is dropped once DropAfter has passed since submission.
func (a *Adapter) unmined(ctx context.Context, h chain.TxHandle) (chain.PollResult, error) {
	_, _, err := a.client.TransactionByHash(ctx, common.HexToHash(h.TxID))
	if err == nil {
		return chain.Unconfirmed(), nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return chain.PollResult{}, fmt.Errorf("etherlink tx %s: %w", h.TxID, err)
	}
	if h.SubmittedAt.IsZero() || a.now().Sub(h.SubmittedAt) <= a.cfg.DropAfter {
		return chain.Unconfirmed(), nil
	}
	a.release(h.TxID)
	return chain.Dropped(fmt.Sprintf("transaction unknown to node %s after submission", a.cfg.DropAfter)), nil
}

// Lookup implements chain.Finder. It checks transactions this process
// broadcast, then scans the last LookupBlocks blocks for a self-transaction
// from the sender whose calldata carries tag. A transaction still in the
// mempool cannot be read back by tag, so while any nonce between the mined
// and pending counts belongs to an unknown transaction Lookup returns an
// error and the caller retries later instead of anchoring twice.
func (a *Adapter) Lookup(ctx context.Context, tag string) (chain.TxHandle, bool, error) {
	a.mu.Lock()
	sent, ok := a.inflight[tag]
	chainID, err := a.chainIDLocked(ctx)
	a.mu.Unlock()
	if ok {
		return sent.handle, true, nil
	}
	if err != nil {
		return chain.TxHandle{}, false, err
	}
	signer := types.LatestSignerForChainID(chainID)

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return chain.TxHandle{}, false, fmt.Errorf("etherlink head: %w", err)
	}
	var floor uint64
	if depth := uint64(a.cfg.LookupBlocks); head >= depth {
		floor = head - depth + 1
	}
	for n := head; ; n-- {
		block, err := a.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return chain.TxHandle{}, false, fmt.Errorf("etherlink block %d: %w", n, err)
		}
		for _, tx := range block.Transactions() {
			if !a.carriesTag(signer, tx, tag) {
				continue
			}
			receipt, err := a.client.TransactionReceipt(ctx, tx.Hash())
			if err != nil {
				return chain.TxHandle{}, false, fmt.Errorf("etherlink receipt %s: %w", tx.Hash().Hex(), err)
			}
			if receipt.Status == types.ReceiptStatusSuccessful {
				return chain.TxHandle{
					TxID:        tx.Hash().Hex(),
					SubmittedAt: time.Unix(int64(block.Time()), 0).UTC(),
				}, true, nil
			}
		}
		if n == floor {
			break
		}
	}

	mined, err := a.client.NonceAt(ctx, a.from, nil)
	if err != nil {
		return chain.TxHandle{}, false, fmt.Errorf("etherlink nonce: %w", err)
	}
	pending, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return chain.TxHandle{}, false, fmt.Errorf("etherlink pending nonce: %w", err)
	}
	if unknown := a.unknownPending(mined, pending); unknown > 0 {
		return chain.TxHandle{}, false, fmt.Errorf("etherlink: %d pending transactions from %s not broadcast by this keeper", unknown, a.from.Hex())
	}
	return chain.TxHandle{}, false, nil
}

// carriesTag reports whether tx is a self-transaction from the sender whose
// calldata is an anchor memo for tag.
func (a *Adapter) carriesTag(signer types.Signer, tx *types.Transaction, tag string) bool {
	if tx.To() == nil || *tx.To() != a.from {
		return false
	}
	_, got, err := chain.ParseMemo(string(tx.Data()))
	if err != nil || got != tag {
		return false
	}
	sender, err := types.Sender(signer, tx)
	return err == nil && sender == a.from
}

// unknownPending counts nonces in [mined, pending) that this process did not
// broadcast.
func (a *Adapter) unknownPending(mined, pending uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	known := make(map[uint64]bool, len(a.inflight))
	for _, s := range a.inflight {
		known[s.nonce] = true
	}
	var n uint64
	for nonce := mined; nonce < pending; nonce++ {
		if !known[nonce] {
			n++
		}
	}
	return n
}

// Ping implements chain.Pinger.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("etherlink head: %w", err)
	}
	return nil
}
