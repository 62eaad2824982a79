package block

import "github.com/pqcoin/pqnode/crypto"

// MerkleRoot computes the merkle root over txids, pairing consecutive
// txids under double-SHA-256 and duplicating the last leaf when a level
// has odd cardinality. A 0-tx block's root is 32 zero bytes; a 1-tx
// block's root equals that single txid.
func MerkleRoot(txids [][32]byte) [32]byte {
	if len(txids) == 0 {
		return [32]byte{}
	}
	level := make([][32]byte, len(txids))
	copy(level, txids)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(next); i++ {
			var pair [64]byte
			copy(pair[:32], level[2*i][:])
			copy(pair[32:], level[2*i+1][:])
			next[i] = crypto.DoubleSha256(pair[:])
		}
		level = next
	}
	return level[0]
}
