package block

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pqcoin/pqnode/txmodel"
)

func easyTarget() [32]byte {
	var t [32]byte
	for i := range t {
		t[i] = 0x0f
	}
	return t
}

func mineHeader(t *testing.T, h Header) Header {
	t.Helper()
	for nonce := uint32(0); ; nonce++ {
		h.Nonce = nonce
		hash := h.Hash()
		if lessThanTarget(hash, h.Target) {
			return h
		}
		if nonce == ^uint32(0) {
			t.Fatalf("exhausted nonce space mining test header")
		}
	}
}

func lessThanTarget(hash, target [32]byte) bool {
	for i := 0; i < 32; i++ {
		if hash[i] != target[i] {
			return hash[i] < target[i]
		}
	}
	return false
}

func TestMerkleRootEmptyAndSingle(t *testing.T) {
	require.Equal(t, [32]byte{}, MerkleRoot(nil))
	id := [32]byte{1, 2, 3}
	require.Equal(t, id, MerkleRoot([][32]byte{id}))
}

func TestMerkleRootOddDuplicatesLast(t *testing.T) {
	a := [32]byte{1}
	b := [32]byte{2}
	c := [32]byte{3}
	root3 := MerkleRoot([][32]byte{a, b, c})
	root4 := MerkleRoot([][32]byte{a, b, c, c})
	require.Equal(t, root4, root3)
}

func TestHeaderSerializeRoundTrip(t *testing.T) {
	h := Header{
		Version:      1,
		PreviousHash: [32]byte{1, 2, 3},
		MerkleRoot:   [32]byte{4, 5, 6},
		Timestamp:    1234567890,
		Target:       easyTarget(),
		Nonce:        42,
	}
	data := h.Serialize()
	require.Len(t, data, HeaderSize)
	h2, err := DeserializeHeader(data)
	require.NoError(t, err)
	require.Equal(t, h, *h2)
}

func TestValidateGenesisBlock(t *testing.T) {
	wallet := genWallet(t)
	coinbase := txmodel.CreateCoinbase(wallet.Address, 0, 0, 1000)

	h := Header{
		Version:    1,
		Timestamp:  1000,
		Target:     easyTarget(),
		MerkleRoot: MerkleRoot([][32]byte{coinbase.ID}),
	}
	h = mineHeader(t, h)

	b := &Block{Header: h, Hash: h.Hash(), Transactions: []*txmodel.Transaction{coinbase}, Height: 0}
	prev := &PrevBlockInfo{IsGenesis: true}

	err := Validate(b, prev, txmodel.MapUTXOView{}, time.Now())
	require.NoError(t, err)
}

func TestValidateRejectsBadMerkle(t *testing.T) {
	wallet := genWallet(t)
	coinbase := txmodel.CreateCoinbase(wallet.Address, 0, 0, 1000)

	h := Header{Version: 1, Timestamp: 1000, Target: easyTarget(), MerkleRoot: [32]byte{9, 9, 9}}
	h = mineHeader(t, h)

	b := &Block{Header: h, Hash: h.Hash(), Transactions: []*txmodel.Transaction{coinbase}, Height: 0}
	prev := &PrevBlockInfo{IsGenesis: true}

	err := Validate(b, prev, txmodel.MapUTXOView{}, time.Now())
	require.True(t, IsErrorKind(err, ErrMerkleMismatch))
}

func genWallet(t *testing.T) *txmodel.Wallet {
	t.Helper()
	w, err := txmodel.NewWallet()
	require.NoError(t, err)
	return w
}
