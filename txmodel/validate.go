package txmodel

import (
	"github.com/pqcoin/pqnode/crypto"
)

// Maturity gates, spec §4.6.
const (
	CoinbaseMaturity = 100
	ClaimMaturity    = 10
)

// Validate runs the full §4.2 validation pipeline for a non-coinbase,
// non-claim transaction against utxos at currentHeight (the height of the
// block, or chainTip+1 for mempool admission, that would contain the
// spend). Coinbase and claim transactions are validated by their own
// callers (block assembly / claim engine) and must not be passed here.
func Validate(tx *Transaction, utxos UTXOView, currentHeight uint64) error {
	if len(tx.Inputs) == 0 || len(tx.Outputs) == 0 {
		return NewValidationError(ErrInvalidStructure, "transaction must have at least one input and one output")
	}

	seen := make(map[Outpoint]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		op := in.Outpoint()
		if _, dup := seen[op]; dup {
			return NewValidationError(ErrDuplicateOutpoint, "duplicate outpoint within transaction inputs")
		}
		seen[op] = struct{}{}
	}

	digest := SigningDigest(tx.Inputs, tx.Outputs, tx.Timestamp, tx.ClaimData)

	var totalIn int64
	for _, in := range tx.Inputs {
		utxo, ok := utxos.LookupUTXO(in.Outpoint())
		if !ok {
			return NewValidationError(ErrMissingUtxo, "referenced UTXO does not exist")
		}
		if crypto.DeriveAddress(in.PubKey) != utxo.Address {
			return NewValidationError(ErrAddressMismatch, "input public key does not hash to the UTXO's address")
		}
		if !crypto.PqVerify(in.Signature, digest[:], in.PubKey) {
			return NewValidationError(ErrBadSignature, "PQ signature verification failed")
		}
		if utxo.IsCoinbase && currentHeight-utxo.Height < CoinbaseMaturity {
			return NewValidationError(ErrImmatureUtxo, "coinbase UTXO has not reached maturity")
		}
		if utxo.IsClaim && currentHeight-utxo.Height < ClaimMaturity {
			return NewValidationError(ErrImmatureUtxo, "claim UTXO has not reached maturity")
		}
		totalIn += utxo.Amount
	}

	var totalOut int64
	for _, out := range tx.Outputs {
		if out.Amount <= 0 {
			return NewValidationError(ErrInvalidStructure, "output amount must be positive")
		}
		totalOut += out.Amount
	}

	if totalIn < totalOut {
		return NewValidationError(ErrFeeNegative, "total input is less than total output")
	}

	recomputedID := ComputeID(tx.Inputs, tx.Outputs, tx.Timestamp, tx.ClaimData)
	if recomputedID != tx.ID {
		return NewValidationError(ErrIdMismatch, "recomputed transaction id does not match tx.ID")
	}

	return nil
}

// TotalOutputAmount sums a transaction's output amounts.
func TotalOutputAmount(tx *Transaction) int64 {
	var total int64
	for _, out := range tx.Outputs {
		total += out.Amount
	}
	return total
}

// TotalInputAmount sums the amounts of the UTXOs tx's inputs reference.
// Returns an error if any referenced UTXO is missing.
func TotalInputAmount(tx *Transaction, utxos UTXOView) (int64, error) {
	var total int64
	for _, in := range tx.Inputs {
		utxo, ok := utxos.LookupUTXO(in.Outpoint())
		if !ok {
			return 0, NewValidationError(ErrMissingUtxo, "referenced UTXO does not exist")
		}
		total += utxo.Amount
	}
	return total, nil
}

// ComputeFee returns totalIn - totalOut for tx against utxos.
func ComputeFee(tx *Transaction, utxos UTXOView) (int64, error) {
	in, err := TotalInputAmount(tx, utxos)
	if err != nil {
		return 0, err
	}
	return in - TotalOutputAmount(tx), nil
}
