package syncrelay

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pqcoin/pqnode/block"
	"github.com/pqcoin/pqnode/chain"
	"github.com/pqcoin/pqnode/mempool"
	"github.com/pqcoin/pqnode/p2ptransport"
	"github.com/pqcoin/pqnode/txmodel"
)

// mineBlock mirrors chain's own test helper: mine a block under target by
// brute-forcing the nonce, for fast deterministic tests under an easy target.
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

func hashLessThanTarget(hash, target [32]byte) bool {
	for i := 0; i < 32; i++ {
		if hash[i] != target[i] {
			return hash[i] < target[i]
		}
	}
	return false
}

type recordingMiningControl struct {
	paused   int32
	resumed  int32
	restarts int32
}

func (m *recordingMiningControl) PauseMining()    { atomic.AddInt32(&m.paused, 1) }
func (m *recordingMiningControl) ResumeMining()   { atomic.AddInt32(&m.resumed, 1) }
func (m *recordingMiningControl) RestartOnNewTip() { atomic.AddInt32(&m.restarts, 1) }

func newTestNode(t *testing.T, genesis *block.Block, target [32]byte, listen bool) (*chain.State, *Dispatcher, *p2ptransport.Transport, *recordingMiningControl) {
	t.Helper()
	st, err := chain.NewState(genesis, target, nil, nil)
	require.NoError(t, err)

	pool := mempool.New()
	mining := &recordingMiningControl{}

	cfg := p2ptransport.Config{GenesisHash: genesis.Hash, Version: 1}
	if listen {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	transport := p2ptransport.New(cfg, st.Height)

	d := New(st, pool, mining, transport, genesis, target)
	transport.SetHandler(d)
	return st, d, transport, mining
}

// TestDispatcherIBDCatchesUpShorterChain wires two real chain.State instances
// sharing the same genesis, one three blocks ahead, through real
// p2ptransport.Transport connections with Dispatcher as the handler on both
// ends, and asserts the behind chain syncs up via the IBD path.
func TestDispatcherIBDCatchesUpShorterChain(t *testing.T) {
	wallet, err := txmodel.NewWallet()
	require.NoError(t, err)
	target := chain.StartingDifficulty
	genesis := chain.BuildGenesis(wallet.Address, 1000, target, 1)

	behindState, _, behindTransport, behindMining := newTestNode(t, genesis, target, true)
	require.NoError(t, behindTransport.Start())
	defer behindTransport.Stop()

	aheadState, _, aheadTransport, _ := newTestNode(t, genesis, target, false)

	ts := uint64(2000)
	for h := uint64(1); h <= 3; h++ {
		ts += 60000
		coinbase := txmodel.CreateCoinbase(wallet.Address, h, 0, ts)
		b := mineBlock(t, aheadState.Tip(), target, []*txmodel.Transaction{coinbase}, ts, h)
		require.NoError(t, aheadState.AddBlock(b))
	}
	require.Equal(t, uint64(3), aheadState.Height())
	require.Equal(t, uint64(0), behindState.Height())

	// Dial runs the peer loop until disconnect, so it runs in its own goroutine.
	dialErr := make(chan error, 1)
	go func() { dialErr <- aheadTransport.Dial(behindTransport.ListenAddr()) }()

	require.Eventually(t, func() bool {
		return behindState.Height() == 3
	}, 5*time.Second, 10*time.Millisecond, "behind chain should catch up to height 3 via IBD")

	require.True(t, atomic.LoadInt32(&behindMining.restarts) > 0, "mining should restart after new blocks arrive")

	aheadTransport.Stop()
	require.NoError(t, <-dialErr)
}
