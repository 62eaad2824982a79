// Package miner implements the cooperative nonce-search loop from spec
// §4.8: candidate assembly, batch-based nonce search with cancellation,
// and handoff of successfully mined blocks back to the chain.
package miner

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/pqcoin/pqnode/block"
	"github.com/pqcoin/pqnode/logger"
	"github.com/pqcoin/pqnode/txmodel"
)

var log = logger.Subsystem("MINR")

// NonceBatchSize is how many nonces are tried between cooperative yields,
// spec §4.8 step 3 / §5.
const NonceBatchSize = 5000

// ChainView is the minimal read surface the miner needs from chain.State.
type ChainView interface {
	Height() uint64
	Tip() *block.Block
	Target() [32]byte
	RecentTimestamps() []uint64
	txmodel.UTXOView
}

// MempoolView is the minimal read surface the miner needs from mempool.Pool.
type MempoolView interface {
	GetBlockCandidate(maxBytes int) []*txmodel.Transaction
}

// BlockSink is how a successfully mined block is handed back, normally
// chain.State.AddBlock.
type BlockSink func(b *block.Block) error

// Miner runs the cooperative mining loop for one address at a time.
type Miner struct {
	chain   ChainView
	pool    MempoolView
	sink    BlockSink
	version uint32

	nonceAttempts uint64 // lifetime counter, used for the hash-rate estimate
}

// New creates a Miner wired to chain, pool, and sink.
func New(chain ChainView, pool MempoolView, sink BlockSink, version uint32) *Miner {
	return &Miner{chain: chain, pool: pool, sink: sink, version: version}
}

// NonceAttempts returns the lifetime nonce-attempt counter, used by
// node.GetState's hash-rate estimate.
func (m *Miner) NonceAttempts() uint64 { return m.nonceAttempts }

// Run mines continuously against address until ctx is cancelled. Sources
// of cancellation per spec §4.8.4 are the caller's responsibility: stop a
// mining session by cancelling ctx, then call Run again to restart on a
// new tip after a re-assemble is needed.
func (m *Miner) Run(ctx context.Context, address [32]byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		candidate, err := m.assemble(address)
		if err != nil {
			return errors.Wrap(err, "failed to assemble mining candidate")
		}

		mined, err := m.searchNonce(ctx, candidate)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return errors.Wrap(err, "nonce search failed")
		}
		if mined == nil {
			// Context was cancelled mid-batch; loop will observe it above.
			continue
		}

		if err := m.sink(mined); err != nil {
			log.Warnf("mined block rejected by chain: %v", err)
			continue
		}
		log.Infof("mined block %x at height %d", mined.Hash, mined.Height)
	}
}

// assemble builds one mining candidate block (unmined: nonce not yet
// found), spec §4.8 steps 1-2.
func (m *Miner) assemble(address [32]byte) (*block.Block, error) {
	height := m.chain.Height() + 1
	txs := m.pool.GetBlockCandidate(block.MaxBlockSize - 4096) // reserve room for coinbase + header

	var totalFees int64
	for _, tx := range txs {
		fee, err := txmodel.ComputeFee(tx, m.chain)
		if err != nil {
			return nil, errors.Wrap(err, "failed to compute fee for pooled transaction")
		}
		totalFees += fee
	}

	now := uint64(time.Now().UnixMilli())
	mtp := block.MedianTimePast(m.chain.RecentTimestamps())
	timestamp := now
	if timestamp <= mtp {
		timestamp = mtp + 1
	}

	coinbase := txmodel.CreateCoinbase(address, height, totalFees, timestamp)
	allTxs := append([]*txmodel.Transaction{coinbase}, txs...)

	ids := make([][32]byte, len(allTxs))
	for i, tx := range allTxs {
		ids[i] = tx.ID
	}

	h := block.Header{
		Version:      m.version,
		PreviousHash: m.chain.Tip().Hash,
		MerkleRoot:   block.MerkleRoot(ids),
		Timestamp:    timestamp,
		Target:       m.chain.Target(),
		Nonce:        0,
	}

	return &block.Block{Header: h, Transactions: allTxs, Height: height}, nil
}

// searchNonce tries nonces in batches of NonceBatchSize, yielding to the
// caller (and checking ctx) between batches, per spec §4.8 step 3 / §5.
// Returns (nil, nil) if ctx was cancelled before success.
func (m *Miner) searchNonce(ctx context.Context, candidate *block.Block) (*block.Block, error) {
	h := candidate.Header
	for {
		for i := 0; i < NonceBatchSize; i++ {
			select {
			case <-ctx.Done():
				return nil, nil
			default:
			}

			hash := h.Hash()
			m.nonceAttempts++
			if hashLessThanTarget(hash, h.Target) {
				candidate.Header = h
				candidate.Hash = hash
				return candidate, nil
			}

			if h.Nonce == ^uint32(0) {
				h.Nonce = 0
				h.Timestamp++
			} else {
				h.Nonce++
			}
		}

		select {
		case <-ctx.Done():
			return nil, nil
		default:
		}
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
