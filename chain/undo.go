package chain

import (
	"math/big"

	"github.com/pqcoin/pqnode/txmodel"
)

// SpentEntry is one (outpoint, UTXO) pair removed by applying a block,
// recorded so disconnecting the block can restore it.
type SpentEntry struct {
	Outpoint txmodel.Outpoint
	UTXO     txmodel.UTXO
}

// BlockUndo holds everything needed to reverse applyBlock for one
// non-genesis block in O(|block|) time, spec §3.
type BlockUndo struct {
	SpentUTXOs        []SpentEntry
	CreatedKeys       []txmodel.Outpoint
	ClaimedAddresses  [][20]byte
	PreviousTarget    [32]byte
	// Work is the cumulative work contributed by the undone block, so
	// disconnecting can subtract it back out of the running total.
	Work *big.Int
}
