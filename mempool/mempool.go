package mempool

import (
	"sort"
	"sync"

	"github.com/pqcoin/pqnode/logger"
	"github.com/pqcoin/pqnode/txmodel"
)

var log = logger.Subsystem("MPOL")

// MaxMempoolBytes bounds total pool size, spec §4.7.
const MaxMempoolBytes = 50 * 1024 * 1024

// MinRelayFeeRate is the minimum sat/byte a non-claim tx must pay, spec §4.7.
const MinRelayFeeRate = 1.0

// entry is a pool-resident transaction plus its cached accounting fields.
type entry struct {
	tx      *txmodel.Transaction
	isClaim bool
	feeRate float64 // 0 for claims
	size    int
}

// Pool is the mempool from spec §3/§4.7. It is safe for concurrent use;
// the node facade is still the single logical writer (spec §5), but the
// mutex lets read-mostly accessors (HTTP projections) run without routing
// through the event loop.
type Pool struct {
	mu                sync.RWMutex
	txs               map[[32]byte]*entry
	claimedOutpoints  map[txmodel.Outpoint]struct{}
	pendingBtcClaims  map[[20]byte]struct{}
	poolOutputs       map[txmodel.Outpoint]*txmodel.UTXO // outputs produced by pool txs, for same-pool chaining
	totalBytes        int
}

// New creates an empty mempool.
func New() *Pool {
	return &Pool{
		txs:              make(map[[32]byte]*entry),
		claimedOutpoints: make(map[txmodel.Outpoint]struct{}),
		pendingBtcClaims: make(map[[20]byte]struct{}),
		poolOutputs:      make(map[txmodel.Outpoint]*txmodel.UTXO),
	}
}

// chainUTXOView composes the chain's UTXO view with this pool's own
// not-yet-confirmed outputs, so a transaction may spend an output
// produced earlier in the same pool.
type chainUTXOView struct {
	chain txmodel.UTXOView
	pool  map[txmodel.Outpoint]*txmodel.UTXO
}

func (v chainUTXOView) LookupUTXO(op txmodel.Outpoint) (*txmodel.UTXO, bool) {
	if u, ok := v.pool[op]; ok {
		return u, true
	}
	return v.chain.LookupUTXO(op)
}

// AddTransaction runs the §4.7 admission pipeline. A claim transaction is
// checked only against the claims already pending in the pool: its proof
// is not verified and the chain's set of claimed addresses is not consulted.
func (p *Pool) AddTransaction(tx *txmodel.Transaction, chainUTXOs txmodel.UTXOView, chainTipHeight uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	view := chainUTXOView{chain: chainUTXOs, pool: p.poolOutputs}

	isClaim := tx.IsClaim()
	if !isClaim {
		if err := txmodel.Validate(tx, view, chainTipHeight+1); err != nil {
			return err
		}
	}

	for _, in := range tx.Inputs {
		if _, dup := p.claimedOutpoints[in.Outpoint()]; dup {
			return newErr(ErrMempoolDoubleSpend, "input outpoint already spent by another pool transaction")
		}
	}

	if isClaim {
		if _, pending := p.pendingBtcClaims[tx.ClaimData.BtcAddress]; pending {
			return newErr(ErrMempoolDoubleSpend, "btcAddress already has a pending claim in the pool")
		}
	}

	size := tx.ApproxSize()
	var feeRate float64
	if !isClaim {
		fee, err := txmodel.ComputeFee(tx, view)
		if err != nil {
			return err
		}
		feeRate = float64(fee) / float64(size)
		if feeRate < MinRelayFeeRate {
			return newErr(ErrFeeTooLow, "fee rate below minimum relay fee rate")
		}
	}

	if p.totalBytes+size > MaxMempoolBytes {
		if err := p.evictToFit(size, feeRate, isClaim); err != nil {
			return err
		}
	}

	e := &entry{tx: tx, isClaim: isClaim, feeRate: feeRate, size: size}
	p.txs[tx.ID] = e
	p.totalBytes += size
	for _, in := range tx.Inputs {
		p.claimedOutpoints[in.Outpoint()] = struct{}{}
	}
	if isClaim {
		p.pendingBtcClaims[tx.ClaimData.BtcAddress] = struct{}{}
	}
	for i, out := range tx.Outputs {
		op := txmodel.Outpoint{TxID: tx.ID, Index: uint32(i)}
		p.poolOutputs[op] = &txmodel.UTXO{
			TxID: tx.ID, Index: uint32(i), Address: out.Address, Amount: out.Amount,
			Height: chainTipHeight + 1, IsClaim: isClaim,
		}
	}

	log.Debugf("accepted tx %x into mempool (claim=%v, feeRate=%.4f, bytes=%d)", tx.ID, isClaim, feeRate, size)
	return nil
}

// evictToFit evicts ascending-fee-rate entries (claims evicted last) until
// the incoming transaction of the given size/feeRate/isClaim fits. The
// caller must hold p.mu.
func (p *Pool) evictToFit(incomingSize int, incomingFeeRate float64, incomingIsClaim bool) error {
	candidates := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].isClaim != candidates[j].isClaim {
			// Non-claims evict before claims: a claim sorts "higher" here.
			return !candidates[i].isClaim
		}
		return candidates[i].feeRate < candidates[j].feeRate
	})

	needed := p.totalBytes + incomingSize - MaxMempoolBytes
	freed := 0
	var toEvict []*entry
	for _, e := range candidates {
		if freed >= needed {
			break
		}
		if !incomingIsClaim && !e.isClaim && e.feeRate >= incomingFeeRate {
			// The incoming tx can't outrank this entry; if it's the
			// cheapest evictable remaining, reject the incomer instead.
			return newErr(ErrFeeTooLow, "incoming fee rate is not high enough to evict room for it")
		}
		toEvict = append(toEvict, e)
		freed += e.size
	}
	if freed < needed {
		return newErr(ErrPoolFull, "not enough evictable bytes to admit the incoming transaction")
	}

	for _, e := range toEvict {
		p.removeLocked(e.tx.ID)
	}
	return nil
}

func (p *Pool) removeLocked(txID [32]byte) {
	e, ok := p.txs[txID]
	if !ok {
		return
	}
	delete(p.txs, txID)
	p.totalBytes -= e.size
	for _, in := range e.tx.Inputs {
		delete(p.claimedOutpoints, in.Outpoint())
	}
	if e.isClaim {
		delete(p.pendingBtcClaims, e.tx.ClaimData.BtcAddress)
	}
	for i := range e.tx.Outputs {
		delete(p.poolOutputs, txmodel.Outpoint{TxID: txID, Index: uint32(i)})
	}
}

// Remove drops a transaction from the pool, e.g. after block inclusion.
func (p *Pool) Remove(txID [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txID)
}

// Get returns a pooled transaction by id.
func (p *Pool) Get(txID [32]byte) (*txmodel.Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.txs[txID]
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// Size returns the number of pooled transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// TotalBytes returns the pool's current byte footprint.
func (p *Pool) TotalBytes() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalBytes
}

// GetBlockCandidate returns pooled transactions sorted by descending fee
// rate, truncated to fit maxBytes.
func (p *Pool) GetBlockCandidate(maxBytes int) []*txmodel.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	candidates := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].feeRate > candidates[j].feeRate })

	var out []*txmodel.Transaction
	used := 0
	seenClaimAddr := make(map[[20]byte]struct{})
	for _, e := range candidates {
		if e.isClaim {
			if _, dup := seenClaimAddr[e.tx.ClaimData.BtcAddress]; dup {
				continue // block assembly never includes two claims for the same address
			}
		}
		if used+e.size > maxBytes {
			continue
		}
		out = append(out, e.tx)
		used += e.size
		if e.isClaim {
			seenClaimAddr[e.tx.ClaimData.BtcAddress] = struct{}{}
		}
	}
	return out
}

// RevalidateAgainst re-runs validation for every pooled transaction
// against the post-reorg chain state, dropping anything that no longer
// holds. Called after chain.ResetToHeight, spec §4.7.
func (p *Pool) RevalidateAgainst(chainUTXOs txmodel.UTXOView, tipHeight uint64, isClaimed func([20]byte) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for txID, e := range p.txs {
		if e.isClaim {
			if isClaimed(e.tx.ClaimData.BtcAddress) {
				p.removeLocked(txID)
			}
			continue
		}
		view := chainUTXOView{chain: chainUTXOs, pool: p.poolOutputs}
		if err := txmodel.Validate(e.tx, view, tipHeight+1); err != nil {
			p.removeLocked(txID)
		}
	}
}
