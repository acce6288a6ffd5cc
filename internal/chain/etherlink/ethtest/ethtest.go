// Package ethtest provides an in-memory EVM node for exercising the
// etherlink adapter. Sent transactions wait in a mempool until Mine.
package ethtest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Node implements the etherlink.Client surface.
type Node struct {
	mu sync.Mutex

	chainID  *big.Int
	signer   types.Signer
	mempool  []*types.Transaction
	blocks   []*types.Block
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	sendErr  error
	lagging  bool
	clock    uint64
}

// New creates a node holding only a genesis block.
func New(chainID int64) *Node {
	id := big.NewInt(chainID)
	n := &Node{
		chainID:  id,
		signer:   types.LatestSignerForChainID(id),
		receipts: make(map[common.Hash]*types.Receipt),
		clock:    1_700_000_000,
	}
	n.blocks = append(n.blocks, types.NewBlockWithHeader(&types.Header{Number: big.NewInt(0), Time: n.clock}))
	return n
}

// SetSendErr makes every SendTransaction fail with err until cleared.
func (n *Node) SetSendErr(err error) {
	n.mu.Lock()
	n.sendErr = err
	n.mu.Unlock()
}

// SetPendingLag makes PendingNonceAt ignore the mempool, as a lagging
// load-balanced endpoint does.
func (n *Node) SetPendingLag(lag bool) {
	n.mu.Lock()
	n.lagging = lag
	n.mu.Unlock()
}

// Sent returns every transaction the node accepted, in order.
func (n *Node) Sent() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.Transaction(nil), n.sent...)
}

// Mempool returns the number of unmined transactions.
func (n *Node) Mempool() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.mempool)
}

// Mine seals the mempool into a new block and returns its number.
func (n *Node) Mine() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mineLocked()
}

// MineEmpty appends count empty blocks.
func (n *Node) MineEmpty(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pool := n.mempool
	n.mempool = nil
	for i := 0; i < count; i++ {
		n.mineLocked()
	}
	n.mempool = pool
}

func (n *Node) mineLocked() uint64 {
	num := uint64(len(n.blocks))
	n.clock += 2
	txs := n.mempool
	n.mempool = nil
	block := types.NewBlockWithHeader(&types.Header{Number: new(big.Int).SetUint64(num), Time: n.clock}).
		WithBody(types.Body{Transactions: txs})
	n.blocks = append(n.blocks, block)
	for i, tx := range txs {
		n.receipts[tx.Hash()] = &types.Receipt{
			Status:           types.ReceiptStatusSuccessful,
			TxHash:           tx.Hash(),
			BlockNumber:      new(big.Int).SetUint64(num),
			BlockHash:        block.Hash(),
			TransactionIndex: uint(i),
		}
	}
	return num
}

// Revert marks a mined transaction as failed.
func (n *Node) Revert(hash common.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.receipts[hash]; ok {
		r.Status = types.ReceiptStatusFailed
	}
}

// Drop evicts a transaction from the mempool, as a node does for an
// underpriced or replaced transaction.
func (n *Node) Drop(hash common.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, tx := range n.mempool {
		if tx.Hash() == hash {
			n.mempool = append(n.mempool[:i], n.mempool[i+1:]...)
			return
		}
	}
}

// CountMemo returns how many accepted transactions carry data containing s.
func (n *Node) CountMemo(s string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, tx := range n.sent {
		if strings.Contains(string(tx.Data()), s) {
			c++
		}
	}
	return c
}

func (n *Node) minedNonce(addr common.Address) uint64 {
	var nonce uint64
	for _, b := range n.blocks {
		for _, tx := range b.Transactions() {
			if from, err := types.Sender(n.signer, tx); err == nil && from == addr {
				nonce++
			}
		}
	}
	return nonce
}

// ChainID returns the chain id.
func (n *Node) ChainID(context.Context) (*big.Int, error) { return new(big.Int).Set(n.chainID), nil }

// PendingNonceAt counts mined and mempool transactions from account.
func (n *Node) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nonce := n.minedNonce(account)
	if n.lagging {
		return nonce, nil
	}
	for _, tx := range n.mempool {
		if from, err := types.Sender(n.signer, tx); err == nil && from == account {
			nonce++
		}
	}
	return nonce, nil
}

// NonceAt counts mined transactions from account.
func (n *Node) NonceAt(_ context.Context, account common.Address, _ *big.Int) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.minedNonce(account), nil
}

// SuggestGasPrice returns 1 gwei.
func (n *Node) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

// EstimateGas charges intrinsic gas plus 16 per calldata byte.
func (n *Node) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000 + uint64(len(msg.Data))*16, nil
}

// SendTransaction admits tx to the mempool.
func (n *Node) SendTransaction(_ context.Context, tx *types.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sendErr != nil {
		return n.sendErr
	}
	from, err := types.Sender(n.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if _, ok := n.receipts[tx.Hash()]; ok {
		return fmt.Errorf("already known")
	}
	for _, p := range n.mempool {
		if p.Hash() == tx.Hash() {
			return fmt.Errorf("already known")
		}
	}
	if tx.Nonce() < n.minedNonce(from) {
		return fmt.Errorf("nonce too low")
	}
	n.mempool = append(n.mempool, tx)
	n.sent = append(n.sent, tx)
	return nil
}

// TransactionReceipt returns the receipt of a mined transaction.
func (n *Node) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.receipts[hash]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, ethereum.NotFound
}

// TransactionByHash finds a mempool or mined transaction.
func (n *Node) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, tx := range n.mempool {
		if tx.Hash() == hash {
			return tx, true, nil
		}
	}
	for _, b := range n.blocks {
		if tx := b.Transaction(hash); tx != nil {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}

// BlockNumber returns the head block number.
func (n *Node) BlockNumber(context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return uint64(len(n.blocks) - 1), nil
}

// BlockByNumber returns a block, or the head for a nil number.
func (n *Node) BlockByNumber(_ context.Context, number *big.Int) (*types.Block, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if number == nil {
		return n.blocks[len(n.blocks)-1], nil
	}
	if !number.IsUint64() || number.Uint64() >= uint64(len(n.blocks)) {
		return nil, ethereum.NotFound
	}
	return n.blocks[number.Uint64()], nil
}
