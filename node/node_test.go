package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pqcoin/pqnode/block"
	"github.com/pqcoin/pqnode/chain"
	"github.com/pqcoin/pqnode/mempool"
	"github.com/pqcoin/pqnode/txmodel"
)

func hashLessThanTarget(hash, target [32]byte) bool {
	for i := 0; i < 32; i++ {
		if hash[i] != target[i] {
			return hash[i] < target[i]
		}
	}
	return false
}

func mineBlock(t *testing.T, prev *block.Block, target [32]byte, txs []*txmodel.Transaction, timestamp, height uint64) *block.Block {
	t.Helper()
	ids := make([][32]byte, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	h := block.Header{
		Version:      1,
		PreviousHash: prev.Hash,
		MerkleRoot:   block.MerkleRoot(ids),
		Timestamp:    timestamp,
		Target:       target,
	}
	for nonce := uint32(0); ; nonce++ {
		h.Nonce = nonce
		hash := h.Hash()
		if hashLessThanTarget(hash, target) {
			return &block.Block{Header: h, Hash: hash, Transactions: txs, Height: height}
		}
		require.NotEqual(t, ^uint32(0), nonce, "exhausted nonce space in test")
	}
}

func newTestNode(t *testing.T) (*Node, *txmodel.Wallet, [32]byte) {
	t.Helper()
	wallet, err := txmodel.NewWallet()
	require.NoError(t, err)
	target := chain.StartingDifficulty
	genesis := chain.BuildGenesis(wallet.Address, 1000, target, 1)
	st, err := chain.NewState(genesis, target, nil, nil)
	require.NoError(t, err)
	pool := mempool.New()
	n := New(st, pool, genesis, target, 1)
	return n, wallet, target
}

func TestReceiveBlockReconcilesMempool(t *testing.T) {
	n, wallet, target := newTestNode(t)

	// Mature one coinbase so wallet has a spendable UTXO.
	ts := uint64(2000)
	for h := uint64(1); h <= 100; h++ {
		ts += 60000
		coinbase := txmodel.CreateCoinbase(wallet.Address, h, 0, ts)
		b := mineBlock(t, n.chain.Tip(), target, []*txmodel.Transaction{coinbase}, ts, h)
		require.NoError(t, n.ReceiveBlock(b))
	}

	other, err := txmodel.NewWallet()
	require.NoError(t, err)
	var utxos []txmodel.UTXO
	for _, u := range n.FindUTXOs(wallet.Address, 0) {
		if u.Height == 0 {
			utxos = append(utxos, u) // the genesis coinbase is mature at height 101
		}
	}
	require.NotEmpty(t, utxos)

	ts += 60000
	// ~5.4 KB transfer; a fee of 6000 clears the 1 sat/byte relay minimum.
	transfer, err := txmodel.CreateTransfer(wallet, utxos[:1], []txmodel.Recipient{{Address: other.Address, Amount: 1}}, 6000, ts)
	require.NoError(t, err)
	require.NoError(t, n.ReceiveTransaction(transfer))
	require.Equal(t, 1, n.pool.Size())

	ts += 60000
	coinbase101 := txmodel.CreateCoinbase(other.Address, 101, 6000, ts)
	b101 := mineBlock(t, n.chain.Tip(), target, []*txmodel.Transaction{coinbase101, transfer}, ts, 101)
	require.NoError(t, n.ReceiveBlock(b101))

	require.Equal(t, 0, n.pool.Size(), "confirmed transaction should be dropped from the pool")
	_, height, found := n.TransactionByID(transfer.ID)
	require.True(t, found)
	require.Equal(t, uint64(101), height)
}

func TestStartMiningMinesBlocks(t *testing.T) {
	n, wallet, _ := newTestNode(t)

	n.StartMining(wallet.Address)
	require.Eventually(t, func() bool {
		return n.GetState().Height >= 1
	}, 5*time.Second, 5*time.Millisecond, "mining should produce at least one block")

	require.True(t, n.GetState().Mining)
	n.StopMining()
	require.False(t, n.GetState().Mining)
}

func TestPauseMiningBlocksProgressUntilResumed(t *testing.T) {
	n, wallet, _ := newTestNode(t)

	n.PauseMining()
	n.StartMining(wallet.Address)
	require.False(t, n.GetState().Mining, "mining must stay paused while a peer is in IBD")

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, uint64(0), n.GetState().Height)

	n.ResumeMining()
	require.Eventually(t, func() bool {
		return n.GetState().Height >= 1
	}, 5*time.Second, 5*time.Millisecond)
}
