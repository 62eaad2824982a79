package chain

import (
	"github.com/pqcoin/pqnode/block"
	"github.com/pqcoin/pqnode/txmodel"
)

// GenesisTimestamp is the fixed timestamp pqnoded builds its genesis block
// with, so independently-started nodes sharing a wallet address converge on
// the same genesis hash without needing to persist the genesis block itself.
const GenesisTimestamp = 1700000000000

// BuildGenesis constructs the genesis block: a single coinbase transaction
// minting the height-0 subsidy to address, mined against startingTarget.
// version is 1 for the primary chain, 2 for a local/simulation fork
// genesis, per spec §4.8 step 2.
func BuildGenesis(address [32]byte, timestamp uint64, startingTarget [32]byte, version uint32) *block.Block {
	coinbase := txmodel.CreateCoinbase(address, 0, 0, timestamp)
	h := block.Header{
		Version:      version,
		PreviousHash: [32]byte{},
		MerkleRoot:   block.MerkleRoot([][32]byte{coinbase.ID}),
		Timestamp:    timestamp,
		Target:       startingTarget,
		Nonce:        0,
	}
	mineNonce(&h)
	return &block.Block{
		Header:       h,
		Hash:         h.Hash(),
		Transactions: []*txmodel.Transaction{coinbase},
		Height:       0,
	}
}

// mineNonce performs an in-process nonce search for genesis construction;
// production mining lives in the miner package, which yields cooperatively
// between batches — genesis construction happens once at startup and is
// allowed to block.
func mineNonce(h *block.Header) {
	for nonce := uint32(0); ; nonce++ {
		h.Nonce = nonce
		hash := h.Hash()
		if hashLessThanTarget(hash, h.Target) {
			return
		}
		if nonce == ^uint32(0) {
			h.Timestamp++
			nonce = 0
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
