package etherlink

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/chain"
	"github.com/jmerrifield20/evidencekeeper/internal/chain/etherlink/ethtest"
	"github.com/jmerrifield20/evidencekeeper/internal/digest"
)

const testChainID = 128123

var _ Client = (*ethtest.Node)(nil)

func newTestAdapter(t *testing.T) (*Adapter, *ethtest.Node) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	node := ethtest.New(testChainID)
	return New(node, key, Config{}, zap.NewNop()), node
}

func testRequest() chain.SubmitRequest {
	return chain.NewSubmitRequest(uuid.New(), digest.Sum([]byte("evidence")))
}

func TestSubmit_selfTransactionWithMemo(t *testing.T) {
	a, node := newTestAdapter(t)
	req := testRequest()

	h, err := a.Submit(context.Background(), req)
	require.NoError(t, err)
	sent := node.Sent()
	require.Len(t, sent, 1)

	tx := sent[0]
	assert.Equal(t, tx.Hash().Hex(), h.TxID)
	assert.Equal(t, uint64(0), tx.Nonce())
	assert.Equal(t, int64(0), tx.Value().Int64())
	assert.Equal(t, []byte(req.Memo()), tx.Data())
	require.NotNil(t, tx.To())
	assert.Equal(t, a.From(), *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(testChainID)), tx)
	require.NoError(t, err)
	assert.Equal(t, a.From(), sender)
}

func TestSubmit_neverReusesNonce(t *testing.T) {
	a, node := newTestAdapter(t)
	node.SetPendingLag(true)
	for i := 0; i < 3; i++ {
		_, err := a.Submit(context.Background(), testRequest())
		require.NoError(t, err)
	}
	sent := node.Sent()
	require.Len(t, sent, 3)
	for i, tx := range sent {
		assert.Equal(t, uint64(i), tx.Nonce())
	}
}

func TestSubmit_errors(t *testing.T) {
	cases := []struct {
		err      error
		ok       bool
		rejected bool
	}{
		{errors.New("already known"), true, false},
		{errors.New("insufficient funds for gas * price + value"), false, true},
		{errors.New("nonce too low"), false, true},
		{errors.New("connection reset by peer"), false, false},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			a, node := newTestAdapter(t)
			node.SetSendErr(tc.err)
			h, err := a.Submit(context.Background(), testRequest())
			if tc.ok {
				require.NoError(t, err)
				assert.NotEmpty(t, h.TxID)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.rejected, chain.IsRejected(err))
		})
	}
}

func TestPoll(t *testing.T) {
	a, node := newTestAdapter(t)
	ctx := context.Background()

	h, err := a.Submit(ctx, testRequest())
	require.NoError(t, err)

	res, err := a.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusUnconfirmed, res.Status, "in mempool")

	node.Mine()
	node.MineEmpty(4)
	res, err = a.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, chain.Confirmed(5, false), res)

	node.Revert(common.HexToHash(h.TxID))
	res, _ = a.Poll(ctx, h)
	assert.Equal(t, chain.StatusRejected, res.Status)
	assert.False(t, res.Retryable)
}

func TestPoll_dropsUnknownTransactionAfterDeadline(t *testing.T) {
	a, node := newTestAdapter(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	req := testRequest()
	h, err := a.Submit(ctx, req)
	require.NoError(t, err)
	node.Drop(common.HexToHash(h.TxID))

	res, err := a.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusUnconfirmed, res.Status, "within DropAfter")

	now = now.Add(11 * time.Minute)
	res, err = a.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusRejected, res.Status)
	assert.True(t, res.Retryable, "a dropped transaction is resubmitted")

	_, found, err := a.Lookup(ctx, req.Tag)
	require.NoError(t, err)
	assert.False(t, found, "a dropped transaction is not adopted")

	_, err = a.Submit(ctx, testRequest())
	require.NoError(t, err)
	sent := node.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].Nonce(), sent[1].Nonce(), "freed nonce is reused")
	assert.Positive(t, sent[1].GasPrice().Cmp(sent[0].GasPrice()), "replacement is priced above the original")
}

func TestPoll_oldButPendingStaysUnconfirmed(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	h, err := a.Submit(ctx, testRequest())
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	res, err := a.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusUnconfirmed, res.Status)
}

func TestLookup_findsOwnBroadcast(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	req := testRequest()

	h, err := a.Submit(ctx, req)
	require.NoError(t, err)

	got, found, err := a.Lookup(ctx, req.Tag)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, h.TxID, got.TxID)
}

func TestLookup_scansBlocksAfterRestart(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	node := ethtest.New(testChainID)
	ctx := context.Background()
	req := testRequest()

	before := New(node, key, Config{}, zap.NewNop())
	h, err := before.Submit(ctx, req)
	require.NoError(t, err)
	node.Mine()
	node.MineEmpty(10)

	after := New(node, key, Config{}, zap.NewNop())
	got, found, err := after.Lookup(ctx, req.Tag)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, h.TxID, got.TxID)

	_, found, err = after.Lookup(ctx, testRequest().Tag)
	require.NoError(t, err)
	assert.False(t, found, "other tags must not match")

	shallow := New(node, key, Config{LookupBlocks: 5}, zap.NewNop())
	_, found, err = shallow.Lookup(ctx, req.Tag)
	require.NoError(t, err)
	assert.False(t, found, "transaction below the scan window")
}

func TestLookup_skipsRevertedTransaction(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	node := ethtest.New(testChainID)
	ctx := context.Background()
	req := testRequest()

	h, err := New(node, key, Config{}, zap.NewNop()).Submit(ctx, req)
	require.NoError(t, err)
	node.Mine()
	node.Revert(common.HexToHash(h.TxID))

	_, found, err := New(node, key, Config{}, zap.NewNop()).Lookup(ctx, req.Tag)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLookup_ignoresForeignSender(t *testing.T) {
	a, node := newTestAdapter(t)
	ctx := context.Background()
	req := testRequest()

	// Someone else replays our memo to our address.
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := a.From()
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce: 0, GasPrice: big.NewInt(1e9), Gas: 30000, To: &to, Value: big.NewInt(0), Data: []byte(req.Memo()),
	}), types.LatestSignerForChainID(big.NewInt(testChainID)), other)
	require.NoError(t, err)
	require.NoError(t, node.SendTransaction(ctx, tx))
	node.Mine()

	_, found, err := a.Lookup(ctx, req.Tag)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLookup_refusesWhileUnknownTransactionsPending(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	node := ethtest.New(testChainID)
	ctx := context.Background()
	req := testRequest()

	crashed := New(node, key, Config{}, zap.NewNop())
	_, err = crashed.Submit(ctx, req)
	require.NoError(t, err)

	restarted := New(node, key, Config{}, zap.NewNop())
	_, found, err := restarted.Lookup(ctx, req.Tag)
	require.Error(t, err, "an unmined transaction of unknown content may carry the tag")
	assert.False(t, found)

	node.Mine()
	_, found, err = restarted.Lookup(ctx, req.Tag)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestLoadKey(t *testing.T) {
	key, err := LoadKey("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", crypto.PubkeyToAddress(key.PublicKey).Hex())

	_, err = LoadKey("zz")
	assert.Error(t, err)
}
