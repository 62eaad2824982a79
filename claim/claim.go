package claim

import (
	"bytes"
	"encoding/hex"

	"github.com/pqcoin/pqnode/crypto"
	"github.com/pqcoin/pqnode/snapshot"
	"github.com/pqcoin/pqnode/txmodel"
)

// SnapshotLookup is the minimal read surface VerifyProof needs from a
// loaded snapshot.
type SnapshotLookup interface {
	Lookup(addr [20]byte) (snapshot.Entry, bool)
}

// BuildMessage reconstructs the canonical claim message,
// "CLAIM:"‖btcAddress‖":"‖pqAddress‖":"‖snapshotBlockHash, as raw bytes
// ready for double-SHA-256 hashing before ECDSA verification.
func BuildMessage(btcAddress [20]byte, pqAddress [32]byte, snapshotBlockHash [32]byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString("CLAIM:")
	buf.WriteString(hex.EncodeToString(btcAddress[:]))
	buf.WriteString(":")
	buf.WriteString(hex.EncodeToString(pqAddress[:]))
	buf.WriteString(":")
	buf.WriteString(hex.EncodeToString(snapshotBlockHash[:]))
	return buf.Bytes()
}

// derivedAddress computes the 20-byte address a claim's ECDSA public key
// must hash to, given the snapshot entry's script type — the one place a
// divergence from the original would silently invalidate user claims
// (spec §9).
func derivedAddress(scriptType snapshot.ScriptType, ecdsaPubKey []byte) ([20]byte, error) {
	switch scriptType {
	case snapshot.P2PKH, snapshot.P2WPKH:
		return crypto.Hash160(ecdsaPubKey), nil
	case snapshot.P2SHP2WPKH:
		witnessProgram := crypto.Hash160(ecdsaPubKey)
		script := make([]byte, 0, 22)
		script = append(script, 0x00, 0x14)
		script = append(script, witnessProgram[:]...)
		return crypto.Hash160(script), nil
	default:
		return [20]byte{}, errUnsupportedType
	}
}

var errUnsupportedType = &VerificationError{Kind: ErrUnsupportedType, Detail: "script type is not claimable"}

// VerifyProof runs the full §4.4 per-claim verification of tx against the
// snapshot. Its caller, chain.AddBlock, makes the separate AlreadyClaimed
// check against claimedBtc, since that requires cross-transaction state
// this function does not see. mempool.AddTransaction does not call it.
func VerifyProof(tx *txmodel.Transaction, snap SnapshotLookup, snapshotBlockHash [32]byte) error {
	cd := tx.ClaimData

	entry, ok := snap.Lookup(cd.BtcAddress)
	if !ok {
		return newErr(ErrNoSuchEntry, cd.BtcAddress, "no snapshot entry for this address")
	}

	if len(tx.Outputs) != 1 || tx.Outputs[0].Amount != entry.Amount || tx.Outputs[0].Address != cd.PqAddress {
		return newErr(ErrAmountMismatch, cd.BtcAddress, "claim output does not match snapshot entry")
	}

	expectedAddr, err := derivedAddress(entry.Type, cd.EcdsaPubKey[:])
	if err != nil {
		return newErr(ErrUnsupportedType, cd.BtcAddress, "snapshot entry has an unsupported script type")
	}
	if expectedAddr != cd.BtcAddress {
		return newErr(ErrWrongKey, cd.BtcAddress, "ecdsa public key does not derive the claimed btcAddress")
	}

	message := BuildMessage(cd.BtcAddress, cd.PqAddress, snapshotBlockHash)
	digest := crypto.DoubleSha256(message)

	ok, err = crypto.EcdsaVerify(cd.EcdsaSignature[:], digest[:], cd.EcdsaPubKey[:])
	if err != nil {
		return newErr(ErrBadProof, cd.BtcAddress, err.Error())
	}
	if !ok {
		return newErr(ErrBadProof, cd.BtcAddress, "ecdsa signature verification failed")
	}

	return nil
}
