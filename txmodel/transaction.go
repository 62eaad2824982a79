// Package txmodel implements the transaction data model and per-transaction
// validation from spec §3 and §4.2: the UTXO model, sighash construction,
// signing, fee calculation, and structural + signature validation.
package txmodel

import (
	"bytes"
	"encoding/binary"

	"github.com/pqcoin/pqnode/crypto"
)

// Sentinel outpoints identifying the two transaction kinds that bypass
// normal input-spending rules.
var (
	CoinbasePrevTxID = [32]byte{} // all-zero
	ClaimPrevTxID    = [32]byte{0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc,
		0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc,
		0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc,
		0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc}
	CoinbasePrevIndex uint32 = 0xFFFFFFFF
)

// Outpoint uniquely identifies a UTXO.
type Outpoint struct {
	TxID  [32]byte
	Index uint32
}

// Input references a previous output and, for regular spends, carries the
// PQ public key and signature authorizing the spend.
type Input struct {
	PrevTxID  [32]byte
	PrevIndex uint32
	PubKey    []byte // empty for coinbase/claim
	Signature []byte // empty for coinbase/claim
}

// Outpoint returns the outpoint this input references.
func (in *Input) Outpoint() Outpoint {
	return Outpoint{TxID: in.PrevTxID, Index: in.PrevIndex}
}

// Output pays an amount to an address (SHA-256 of a PQ public key, or the
// all-zero burn address).
type Output struct {
	Address [32]byte
	Amount  int64
}

// ClaimData is present iff this transaction is a one-shot snapshot claim.
type ClaimData struct {
	BtcAddress      [20]byte
	EcdsaPubKey     [33]byte
	EcdsaSignature  [64]byte
	PqAddress       [32]byte
}

// Transaction is the full data model from spec §3.
type Transaction struct {
	ID        [32]byte
	Inputs    []Input
	Outputs   []Output
	Timestamp uint64 // ms
	ClaimData *ClaimData
}

// IsCoinbase reports whether tx is the block-reward-minting transaction.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 &&
		tx.Inputs[0].PrevTxID == CoinbasePrevTxID &&
		tx.Inputs[0].PrevIndex == CoinbasePrevIndex
}

// IsClaim reports whether tx is a one-shot snapshot claim.
func (tx *Transaction) IsClaim() bool {
	return len(tx.Inputs) == 1 &&
		tx.Inputs[0].PrevTxID == ClaimPrevTxID &&
		tx.ClaimData != nil
}

// SerializeForSigning produces the deterministic digest input covering only
// outpoints, outputs, timestamp, and claim data — never the inputs' PQ
// signatures or pubkeys, so that signing a transaction never changes its ID.
func SerializeForSigning(inputs []Input, outputs []Output, timestamp uint64, claim *ClaimData) []byte {
	buf := new(bytes.Buffer)
	writeU32(buf, uint32(len(inputs)))
	for _, in := range inputs {
		buf.Write(in.PrevTxID[:])
		writeU32(buf, in.PrevIndex)
	}
	writeU32(buf, uint32(len(outputs)))
	for _, out := range outputs {
		buf.Write(out.Address[:])
		writeU64(buf, uint64(out.Amount))
	}
	writeU64(buf, timestamp)
	if claim != nil {
		buf.WriteByte(1)
		buf.Write(claim.BtcAddress[:])
		buf.Write(claim.EcdsaPubKey[:])
		buf.Write(claim.EcdsaSignature[:])
		buf.Write(claim.PqAddress[:])
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// ComputeID computes the deterministic transaction ID, deliberately
// excluding signatures/pubkeys so they are non-malleable w.r.t. the txid.
func ComputeID(inputs []Input, outputs []Output, timestamp uint64, claim *ClaimData) [32]byte {
	return crypto.DoubleSha256(SerializeForSigning(inputs, outputs, timestamp, claim))
}

// SigningDigest is the message each regular input's PQ signature is taken
// over: the double-SHA-256 of the signing serialization.
func SigningDigest(inputs []Input, outputs []Output, timestamp uint64, claim *ClaimData) [32]byte {
	return crypto.DoubleSha256(SerializeForSigning(inputs, outputs, timestamp, claim))
}

// Fee returns totalIn - totalOut; callers must ensure it is non-negative.
func Fee(totalIn, totalOut int64) int64 {
	return totalIn - totalOut
}

// ApproxSize estimates the serialized byte size of tx for fee-rate and
// mempool/block-budget accounting.
func (tx *Transaction) ApproxSize() int {
	size := 32 + 8 + 1 // id + timestamp + claim-presence flag
	for _, in := range tx.Inputs {
		size += 32 + 4 + len(in.PubKey) + len(in.Signature)
	}
	for range tx.Outputs {
		size += 32 + 8
	}
	if tx.ClaimData != nil {
		size += 20 + 33 + 64 + 32
	}
	return size
}
