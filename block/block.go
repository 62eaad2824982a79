package block

import (
	"math/big"
	"sort"
	"time"

	"github.com/pqcoin/pqnode/txmodel"
)

// MaxBlockSize is the serialized-size ceiling from spec §4.3.
const MaxBlockSize = 1000000

// MaxFutureBlockTime bounds how far into the future a block's timestamp
// may sit relative to the validator's clock, spec §4.3.
const MaxFutureBlockTime = 2 * time.Hour

// MedianTimeSpan is the number of trailing blocks MTP is computed over.
const MedianTimeSpan = 11

// Block is the full block: header, hash, transactions, height.
type Block struct {
	Header       Header
	Hash         [32]byte
	Transactions []*txmodel.Transaction
	Height       uint64
}

// ApproxSize estimates the serialized byte size of the block for the
// MaxBlockSize accounting in step 6 of static validation.
func (b *Block) ApproxSize() int {
	size := HeaderSize
	for _, tx := range b.Transactions {
		size += tx.ApproxSize()
	}
	return size
}

// TxIDs returns the ordered list of transaction ids in the block.
func (b *Block) TxIDs() [][32]byte {
	ids := make([][32]byte, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.ID
	}
	return ids
}

// PrevBlockInfo is the minimal view of the chain tip static validation
// needs: its hash and the trailing timestamps for MTP.
type PrevBlockInfo struct {
	Hash               [32]byte
	IsGenesis          bool
	RecentTimestamps   []uint64 // most-recent-last, up to MedianTimeSpan entries (not including the candidate)
}

// MedianTimePast computes the median of up to MedianTimeSpan trailing
// timestamps (the candidate's own timestamp is not included).
func MedianTimePast(recent []uint64) uint64 {
	if len(recent) == 0 {
		return 0
	}
	n := len(recent)
	start := 0
	if n > MedianTimeSpan {
		start = n - MedianTimeSpan
	}
	window := append([]uint64{}, recent[start:]...)
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	return window[len(window)/2]
}

// Validate runs the full static block validation from spec §4.3, steps
// 1-2 and 4-11. Step 3 (target == chain.currentTarget) is the chain's
// responsibility, since only the chain owns the retarget schedule.
func Validate(b *Block, prev *PrevBlockInfo, utxos txmodel.UTXOView, now time.Time) error {
	computedHash := b.Header.Hash()
	if computedHash != b.Hash {
		return newErr(ErrHashMismatch, "doubleSha256(header) does not equal block.Hash")
	}

	targetInt := new(big.Int).SetBytes(b.Header.Target[:])
	hashInt := new(big.Int).SetBytes(b.Hash[:])
	if targetInt.Sign() == 0 || hashInt.Cmp(targetInt) >= 0 {
		return newErr(ErrPowInsufficient, "block hash does not satisfy proof-of-work target")
	}

	if prev.IsGenesis {
		if b.Header.PreviousHash != ([32]byte{}) {
			return newErr(ErrPrevHashMismatch, "genesis block must have all-zero previousHash")
		}
	} else if b.Header.PreviousHash != prev.Hash {
		return newErr(ErrPrevHashMismatch, "previousHash does not match chain tip")
	}

	if MerkleRoot(b.TxIDs()) != b.Header.MerkleRoot {
		return newErr(ErrMerkleMismatch, "merkle root does not recompute")
	}

	if b.ApproxSize() > MaxBlockSize {
		return newErr(ErrOversizeBlock, "block exceeds MaxBlockSize")
	}

	if len(b.Transactions) == 0 || !b.Transactions[0].IsCoinbase() {
		return newErr(ErrBadCoinbase, "first transaction must be a coinbase")
	}
	for _, tx := range b.Transactions[1:] {
		if tx.IsCoinbase() {
			return newErr(ErrBadCoinbase, "only the first transaction may be a coinbase")
		}
	}

	seenTxIDs := make(map[[32]byte]struct{}, len(b.Transactions))
	for _, tx := range b.Transactions {
		if _, dup := seenTxIDs[tx.ID]; dup {
			return newErr(ErrDuplicateTxid, "duplicate transaction id within block")
		}
		seenTxIDs[tx.ID] = struct{}{}
	}

	mtp := MedianTimePast(prev.RecentTimestamps)
	if !prev.IsGenesis && b.Header.Timestamp <= mtp {
		return newErr(ErrTimestampTooOld, "timestamp does not exceed median time past")
	}
	if b.Header.Timestamp > uint64(now.Add(MaxFutureBlockTime).UnixMilli()) {
		return newErr(ErrTimestampTooNew, "timestamp too far in the future")
	}

	seenOutpoints := make(map[txmodel.Outpoint]struct{})
	var totalFees int64
	for _, tx := range b.Transactions[1:] {
		if tx.IsClaim() {
			if len(tx.Outputs) != 1 || tx.Outputs[0].Amount <= 0 || tx.ClaimData == nil {
				return wrapErr(ErrTxValidation, "claim transaction malformed", nil)
			}
			continue
		}
		for _, in := range tx.Inputs {
			op := in.Outpoint()
			if _, dup := seenOutpoints[op]; dup {
				return wrapErr(ErrTxValidation, "outpoint spent twice within block", nil)
			}
			seenOutpoints[op] = struct{}{}
		}
		if err := txmodel.Validate(tx, utxos, b.Height); err != nil {
			return wrapErr(ErrTxValidation, "contained transaction failed validation", err)
		}
		fee, err := txmodel.ComputeFee(tx, utxos)
		if err != nil {
			return wrapErr(ErrTxValidation, "failed to compute contained transaction fee", err)
		}
		totalFees += fee
	}

	coinbaseOut := txmodel.TotalOutputAmount(b.Transactions[0])
	if coinbaseOut > txmodel.BlockSubsidy(b.Height)+totalFees {
		return newErr(ErrCoinbaseOverpay, "coinbase pays more than subsidy plus fees")
	}

	return nil
}
