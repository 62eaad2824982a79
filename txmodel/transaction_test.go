package txmodel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockSubsidyHalving(t *testing.T) {
	require.Equal(t, int64(InitialSubsidy), BlockSubsidy(0))
	require.Equal(t, int64(InitialSubsidy/2), BlockSubsidy(HalvingInterval))
	require.Equal(t, int64(InitialSubsidy/4), BlockSubsidy(2*HalvingInterval))
	require.Equal(t, int64(0), BlockSubsidy(MaxHalvings*HalvingInterval))
}

func TestCreateTransferAndValidate(t *testing.T) {
	wallet, err := NewWallet()
	require.NoError(t, err)
	recipient, err := NewWallet()
	require.NoError(t, err)

	fundingTxID := [32]byte{1, 2, 3}
	utxo := UTXO{TxID: fundingTxID, Index: 0, Address: wallet.Address, Amount: 10, Height: 0}

	tx, err := CreateTransfer(wallet, []UTXO{utxo}, []Recipient{{Address: recipient.Address, Amount: 4}}, 1, 1000)
	require.NoError(t, err)
	require.Len(t, tx.Outputs, 2) // payment + change

	view := MapUTXOView{utxo.Outpoint(): &utxo}
	err = Validate(tx, view, 1000)
	require.NoError(t, err)
}

func TestValidateRejectsBadSignature(t *testing.T) {
	wallet, err := NewWallet()
	require.NoError(t, err)
	other, err := NewWallet()
	require.NoError(t, err)

	utxo := UTXO{TxID: [32]byte{9}, Index: 0, Address: wallet.Address, Amount: 5}
	tx, err := CreateTransfer(wallet, []UTXO{utxo}, []Recipient{{Address: other.Address, Amount: 4}}, 1, 1000)
	require.NoError(t, err)

	tx.Inputs[0].Signature[0] ^= 0xFF // corrupt signature

	view := MapUTXOView{utxo.Outpoint(): &utxo}
	err = Validate(tx, view, 1000)
	require.True(t, IsErrorKind(err, ErrBadSignature))
}

func TestValidateMaturityGates(t *testing.T) {
	wallet, err := NewWallet()
	require.NoError(t, err)
	recipient, err := NewWallet()
	require.NoError(t, err)

	utxo := UTXO{TxID: [32]byte{7}, Index: 0, Address: wallet.Address, Amount: 5, Height: 0, IsCoinbase: true}
	tx, err := CreateTransfer(wallet, []UTXO{utxo}, []Recipient{{Address: recipient.Address, Amount: 4}}, 1, 1000)
	require.NoError(t, err)

	view := MapUTXOView{utxo.Outpoint(): &utxo}

	err = Validate(tx, view, 99)
	require.True(t, IsErrorKind(err, ErrImmatureUtxo))

	err = Validate(tx, view, 100)
	require.NoError(t, err)
}

func TestCreateTransferInsufficientFunds(t *testing.T) {
	wallet, err := NewWallet()
	require.NoError(t, err)
	recipient, err := NewWallet()
	require.NoError(t, err)

	utxo := UTXO{TxID: [32]byte{3}, Index: 0, Address: wallet.Address, Amount: 1}
	_, err = CreateTransfer(wallet, []UTXO{utxo}, []Recipient{{Address: recipient.Address, Amount: 5}}, 0, 1000)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}
