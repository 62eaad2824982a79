package txmodel

import (
	"github.com/pkg/errors"
	"github.com/pqcoin/pqnode/crypto"
)

// Subsidy schedule, spec §4.2.
const (
	InitialSubsidy   = 312500000 // 3.125 coins at 1e8 satoshi-like units
	HalvingInterval  = 210000
	MaxHalvings      = 26
)

// BlockSubsidy returns the block reward at height, halving every
// HalvingInterval blocks and going to zero after MaxHalvings halvings.
func BlockSubsidy(height uint64) int64 {
	halvings := height / HalvingInterval
	if halvings >= MaxHalvings {
		return 0
	}
	return InitialSubsidy >> halvings
}

// ErrInsufficientFunds is returned by CreateTransfer when the selected
// UTXOs do not cover the requested outputs plus fee.
var ErrInsufficientFunds = errors.New("insufficient funds")

// CreateCoinbase builds the block-reward-minting transaction for height,
// paying blockSubsidy(height)+fees to address.
func CreateCoinbase(address [32]byte, height uint64, fees int64, timestamp uint64) *Transaction {
	inputs := []Input{{PrevTxID: CoinbasePrevTxID, PrevIndex: CoinbasePrevIndex}}
	outputs := []Output{{Address: address, Amount: BlockSubsidy(height) + fees}}
	return &Transaction{
		ID:        ComputeID(inputs, outputs, timestamp, nil),
		Inputs:    inputs,
		Outputs:   outputs,
		Timestamp: timestamp,
	}
}

// Wallet is the minimal signing identity CreateTransfer needs: a PQ
// keypair and the address derived from its public key.
type Wallet struct {
	KeyPair *crypto.PQKeyPair
	Address [32]byte
}

// NewWallet generates a fresh PQ keypair and its derived address.
func NewWallet() (*Wallet, error) {
	kp, err := crypto.PqKeygen()
	if err != nil {
		return nil, err
	}
	return &Wallet{KeyPair: kp, Address: crypto.DeriveAddress(kp.PublicKey)}, nil
}

// Recipient is a single payment destination for CreateTransfer.
type Recipient struct {
	Address [32]byte
	Amount  int64
}

// CreateTransfer spends utxos (all assumed owned by wallet) to recipients,
// paying fee to the miner and any remainder back to wallet as change.
// Every input is signed over the digest covering only outpoints, outputs,
// timestamp, and claim data (always nil here).
func CreateTransfer(wallet *Wallet, utxos []UTXO, recipients []Recipient, fee int64, timestamp uint64) (*Transaction, error) {
	var totalIn int64
	inputs := make([]Input, len(utxos))
	for i, u := range utxos {
		inputs[i] = Input{PrevTxID: u.TxID, PrevIndex: u.Index}
		totalIn += u.Amount
	}

	var totalOut int64
	outputs := make([]Output, 0, len(recipients)+1)
	for _, r := range recipients {
		outputs = append(outputs, Output{Address: r.Address, Amount: r.Amount})
		totalOut += r.Amount
	}

	change := totalIn - totalOut - fee
	if change < 0 {
		return nil, ErrInsufficientFunds
	}
	if change > 0 {
		outputs = append(outputs, Output{Address: wallet.Address, Amount: change})
	}

	digest := SigningDigest(inputs, outputs, timestamp, nil)
	sigsPubkeys := make([][]byte, len(inputs))
	for i := range inputs {
		sig, err := crypto.PqSign(digest[:], wallet.KeyPair.PrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to sign transfer input")
		}
		inputs[i].PubKey = wallet.KeyPair.PublicKey
		inputs[i].Signature = sig
		sigsPubkeys[i] = sig
	}

	return &Transaction{
		ID:        ComputeID(inputs, outputs, timestamp, nil),
		Inputs:    inputs,
		Outputs:   outputs,
		Timestamp: timestamp,
	}, nil
}
