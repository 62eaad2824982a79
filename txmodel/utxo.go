package txmodel

// UTXO is an unspent transaction output plus the bookkeeping needed to
// enforce maturity gates, per spec §3.
type UTXO struct {
	TxID       [32]byte
	Index      uint32
	Address    [32]byte
	Amount     int64
	Height     uint64
	IsCoinbase bool
	IsClaim    bool
}

// Outpoint returns the outpoint this UTXO is keyed by.
func (u UTXO) Outpoint() Outpoint {
	return Outpoint{TxID: u.TxID, Index: u.Index}
}

// UTXOView is the minimal read surface validation needs; chain.State
// and mempool-local overlay views both implement it.
type UTXOView interface {
	LookupUTXO(op Outpoint) (*UTXO, bool)
}

// MapUTXOView is a simple map-backed UTXOView, handy for tests.
type MapUTXOView map[Outpoint]*UTXO

func (m MapUTXOView) LookupUTXO(op Outpoint) (*UTXO, bool) {
	u, ok := m[op]
	return u, ok
}
