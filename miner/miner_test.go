package miner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pqcoin/pqnode/block"
	"github.com/pqcoin/pqnode/txmodel"
)

var easyTarget = [32]byte{
	0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// fakeChain is a minimal ChainView backed by a single genesis block.
type fakeChain struct {
	tip    *block.Block
	target [32]byte
}

func (c *fakeChain) Height() uint64             { return c.tip.Height }
func (c *fakeChain) Tip() *block.Block           { return c.tip }
func (c *fakeChain) Target() [32]byte            { return c.target }
func (c *fakeChain) RecentTimestamps() []uint64  { return []uint64{c.tip.Header.Timestamp} }
func (c *fakeChain) LookupUTXO(op txmodel.Outpoint) (*txmodel.UTXO, bool) {
	return nil, false
}

type fakePool struct{}

func (fakePool) GetBlockCandidate(maxBytes int) []*txmodel.Transaction { return nil }

func newGenesis(t *testing.T, target [32]byte) *block.Block {
	t.Helper()
	coinbase := txmodel.CreateCoinbase([32]byte{1}, 0, 0, 1000)
	h := block.Header{Version: 1, Timestamp: 1000, Target: target}
	h.MerkleRoot = block.MerkleRoot([][32]byte{coinbase.ID})
	for {
		hash := h.Hash()
		if hashLessThanTarget(hash, target) {
			return &block.Block{Header: h, Hash: hash, Transactions: []*txmodel.Transaction{coinbase}, Height: 0}
		}
		h.Nonce++
	}
}

func TestMinerFindsBlockUnderEasyTarget(t *testing.T) {
	genesis := newGenesis(t, easyTarget)
	chain := &fakeChain{tip: genesis, target: easyTarget}

	found := make(chan *block.Block, 1)
	sink := func(b *block.Block) error {
		select {
		case found <- b:
		default:
		}
		return nil
	}

	m := New(chain, fakePool{}, sink, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, [32]byte{2})
		close(done)
	}()

	var mined *block.Block
	select {
	case mined = <-found:
	case <-done:
		t.Fatal("miner loop exited before finding a block")
	}
	cancel()
	<-done

	require.NotNil(t, mined)
	require.True(t, hashLessThanTarget(mined.Hash, easyTarget))
	require.Equal(t, uint64(1), mined.Height)
	require.True(t, mined.Transactions[0].IsCoinbase())
}

func TestHashLessThanTarget(t *testing.T) {
	require.True(t, hashLessThanTarget([32]byte{0x00}, [32]byte{0x01}))
	require.False(t, hashLessThanTarget([32]byte{0x02}, [32]byte{0x01}))
	require.False(t, hashLessThanTarget([32]byte{0x01}, [32]byte{0x01}))
}
