package claim

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/require"

	"github.com/pqcoin/pqnode/crypto"
	"github.com/pqcoin/pqnode/snapshot"
	"github.com/pqcoin/pqnode/txmodel"
)

type fakeSnapshot struct {
	entries map[[20]byte]snapshot.Entry
}

func (f fakeSnapshot) Lookup(addr [20]byte) (snapshot.Entry, bool) {
	e, ok := f.entries[addr]
	return e, ok
}

func buildValidClaim(t *testing.T, scriptType snapshot.ScriptType, snapshotBlockHash [32]byte) (*txmodel.Transaction, fakeSnapshot) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	compressedPub := priv.PubKey().SerializeCompressed()

	var pqAddr [32]byte
	copy(pqAddr[:], []byte("pq-address-placeholder-32-bytes"))

	var btcAddr [20]byte
	switch scriptType {
	case snapshot.P2PKH, snapshot.P2WPKH:
		btcAddr = crypto.Hash160(compressedPub)
	case snapshot.P2SHP2WPKH:
		wp := crypto.Hash160(compressedPub)
		script := append([]byte{0x00, 0x14}, wp[:]...)
		btcAddr = crypto.Hash160(script)
	}

	amount := int64(50000)
	snap := fakeSnapshot{entries: map[[20]byte]snapshot.Entry{
		btcAddr: {Addr: btcAddr, Amount: amount, Type: scriptType},
	}}

	msg := BuildMessage(btcAddr, pqAddr, snapshotBlockHash)
	digest := crypto.DoubleSha256(msg)

	sig, err := btcecdsa.SignCompact(priv, digest[:], false)
	require.NoError(t, err)
	// SignCompact prepends a recovery byte; convert to raw (r||s) for our 64-byte wire format.
	r := sig[1:33]
	s := sig[33:65]
	var sig64 [64]byte
	copy(sig64[:32], r)
	copy(sig64[32:], s)

	ok, err := crypto.EcdsaVerify(sig64[:], digest[:], compressedPub)
	require.NoError(t, err)
	require.True(t, ok, "sanity: self-check signature must verify before building tx")

	var cd txmodel.ClaimData
	cd.BtcAddress = btcAddr
	copy(cd.EcdsaPubKey[:], compressedPub)
	cd.EcdsaSignature = sig64
	cd.PqAddress = pqAddr

	inputs := []txmodel.Input{{PrevTxID: txmodel.ClaimPrevTxID}}
	outputs := []txmodel.Output{{Address: pqAddr, Amount: amount}}
	tx := &txmodel.Transaction{
		ID:        txmodel.ComputeID(inputs, outputs, 1000, &cd),
		Inputs:    inputs,
		Outputs:   outputs,
		Timestamp: 1000,
		ClaimData: &cd,
	}
	return tx, snap
}

func TestVerifyProofValidP2PKH(t *testing.T) {
	var snapshotHash [32]byte
	copy(snapshotHash[:], []byte("snapshot-block-hash-placeholder"))
	tx, snap := buildValidClaim(t, snapshot.P2PKH, snapshotHash)
	err := VerifyProof(tx, snap, snapshotHash)
	require.NoError(t, err)
}

func TestVerifyProofValidP2SHP2WPKH(t *testing.T) {
	var snapshotHash [32]byte
	copy(snapshotHash[:], []byte("snapshot-block-hash-placeholder"))
	tx, snap := buildValidClaim(t, snapshot.P2SHP2WPKH, snapshotHash)
	err := VerifyProof(tx, snap, snapshotHash)
	require.NoError(t, err)
}

func TestVerifyProofNoSuchEntry(t *testing.T) {
	var snapshotHash [32]byte
	tx, _ := buildValidClaim(t, snapshot.P2PKH, snapshotHash)
	empty := fakeSnapshot{entries: map[[20]byte]snapshot.Entry{}}
	err := VerifyProof(tx, empty, snapshotHash)
	require.True(t, IsErrorKind(err, ErrNoSuchEntry))
}

func TestVerifyProofAmountMismatch(t *testing.T) {
	var snapshotHash [32]byte
	tx, snap := buildValidClaim(t, snapshot.P2PKH, snapshotHash)
	tx.Outputs[0].Amount++
	err := VerifyProof(tx, snap, snapshotHash)
	require.True(t, IsErrorKind(err, ErrAmountMismatch))
}

func TestVerifyProofBadProof(t *testing.T) {
	var snapshotHash [32]byte
	tx, snap := buildValidClaim(t, snapshot.P2PKH, snapshotHash)
	tx.ClaimData.EcdsaSignature[0] ^= 0xFF
	err := VerifyProof(tx, snap, snapshotHash)
	require.True(t, IsErrorKind(err, ErrBadProof))
}
