package mempool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pqcoin/pqnode/txmodel"
)

func fundedUTXO(t *testing.T, owner *txmodel.Wallet, amount int64, seed byte) txmodel.UTXO {
	t.Helper()
	return txmodel.UTXO{TxID: [32]byte{seed}, Index: 0, Address: owner.Address, Amount: amount}
}

func buildTx(t *testing.T, owner *txmodel.Wallet, utxo txmodel.UTXO, fee int64, ts uint64) *txmodel.Transaction {
	t.Helper()
	recipient, err := txmodel.NewWallet()
	require.NoError(t, err)
	tx, err := txmodel.CreateTransfer(owner, []txmodel.UTXO{utxo}, []txmodel.Recipient{{Address: recipient.Address, Amount: utxo.Amount - fee}}, fee, ts)
	require.NoError(t, err)
	return tx
}

func TestAddTransactionAcceptsAboveMinFeeRate(t *testing.T) {
	owner, err := txmodel.NewWallet()
	require.NoError(t, err)
	utxo := fundedUTXO(t, owner, 100000, 1)
	tx := buildTx(t, owner, utxo, 6000, 1000) // ~5.4 KB tx, just over 1 sat/byte

	p := New()
	view := txmodel.MapUTXOView{utxo.Outpoint(): &utxo}
	err = p.AddTransaction(tx, view, 10)
	require.NoError(t, err)
	require.Equal(t, 1, p.Size())
}

func TestAddTransactionRejectsMempoolDoubleSpend(t *testing.T) {
	owner, err := txmodel.NewWallet()
	require.NoError(t, err)
	utxo := fundedUTXO(t, owner, 100000, 1)
	tx1 := buildTx(t, owner, utxo, 6000, 1000)
	tx2 := buildTx(t, owner, utxo, 7000, 1001)

	p := New()
	view := txmodel.MapUTXOView{utxo.Outpoint(): &utxo}
	require.NoError(t, p.AddTransaction(tx1, view, 10))
	err = p.AddTransaction(tx2, view, 10)
	require.True(t, IsErrorKind(err, ErrMempoolDoubleSpend))
}

func TestAddTransactionRejectsLowFeeRate(t *testing.T) {
	owner, err := txmodel.NewWallet()
	require.NoError(t, err)
	utxo := fundedUTXO(t, owner, 1000, 1)
	tx := buildTx(t, owner, utxo, 0, 1000) // fee 0 below MinRelayFeeRate

	p := New()
	view := txmodel.MapUTXOView{utxo.Outpoint(): &utxo}
	err = p.AddTransaction(tx, view, 10)
	require.True(t, IsErrorKind(err, ErrFeeTooLow))
}

func TestEvictionPrefersHigherFeeRate(t *testing.T) {
	p := New()
	owner, err := txmodel.NewWallet()
	require.NoError(t, err)

	// Fill the pool close to capacity with low-fee-rate transactions.
	var lowFeeTxIDs [][32]byte
	remaining := MaxMempoolBytes
	index := uint32(0)
	for remaining > 2000 {
		utxo := fundedUTXO(t, owner, 100000, 1)
		utxo.Index = index                                 // distinct outpoint per transaction
		tx := buildTx(t, owner, utxo, 6000, uint64(index)) // low fee rate, just over the relay minimum
		view := txmodel.MapUTXOView{utxo.Outpoint(): &utxo}
		err := p.AddTransaction(tx, view, 10)
		if err != nil {
			break
		}
		lowFeeTxIDs = append(lowFeeTxIDs, tx.ID)
		remaining -= tx.ApproxSize()
		index++
	}
	require.NotEmpty(t, lowFeeTxIDs)

	highUTXO := fundedUTXO(t, owner, 100000, 250)
	highTx := buildTx(t, owner, highUTXO, 90000, 9999) // very high fee rate
	view := txmodel.MapUTXOView{highUTXO.Outpoint(): &highUTXO}
	err = p.AddTransaction(highTx, view, 10)
	require.NoError(t, err)
	require.LessOrEqual(t, p.TotalBytes(), MaxMempoolBytes)

	_, ok := p.Get(highTx.ID)
	require.True(t, ok)
}
