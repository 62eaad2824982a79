// Package node implements the facade from spec §4.12: it composes chain
// state, mempool, miner, storage, and sync/relay into the single logical
// writer spec §5 describes, and exposes the read/write operations the
// HTTP and CLI collaborators (outside this module) drive.
package node

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/pqcoin/pqnode/block"
	"github.com/pqcoin/pqnode/chain"
	"github.com/pqcoin/pqnode/logger"
	"github.com/pqcoin/pqnode/mempool"
	"github.com/pqcoin/pqnode/miner"
	"github.com/pqcoin/pqnode/p2ptransport"
	"github.com/pqcoin/pqnode/syncrelay"
	"github.com/pqcoin/pqnode/txmodel"
)

var log = logger.Subsystem("NODE")

// State is the snapshot returned by GetState, spec §4.12.
type State struct {
	Height         uint64
	CumulativeWork string // decimal string; big.Int doesn't fit a plain struct field cleanly for JSON callers
	PeerCount      int
	MempoolSize    int
	HashRateHps    float64
	Mining         bool
}

// Node wires chain.State, mempool.Pool, miner.Miner, p2ptransport.Transport
// and syncrelay.Dispatcher together. Persistence is chain.State's own
// concern (it holds the Storage given to chain.NewState or SetStorage); the facade
// itself holds no storage handle. It is the single logical writer spec §5
// requires: every exported method that mutates state takes mu, matching
// the teacher's single-event-loop style expressed with a mutex instead of
// a literal goroutine-per-conn actor.
type Node struct {
	mu sync.Mutex

	chain     *chain.State
	pool      *mempool.Pool
	transport *p2ptransport.Transport
	sync      *syncrelay.Dispatcher
	miner     *miner.Miner
	hashrate  *hashRateEstimator

	genesis        *block.Block
	startingTarget [32]byte
	version        uint32

	txIndex map[[32]byte]uint64 // confirmed tx id -> containing block height

	miningWanted bool
	miningAddr   [32]byte
	miningCancel context.CancelFunc
	ibdPeers     int
}

// New creates a Node over already-constructed chain/pool state. The
// caller is responsible for building transport and calling SetTransport
// before Start, mirroring how p2ptransport.Transport itself takes its
// Handler after construction.
func New(chainState *chain.State, pool *mempool.Pool, genesis *block.Block, startingTarget [32]byte, version uint32) *Node {
	n := &Node{
		chain:          chainState,
		pool:           pool,
		genesis:        genesis,
		startingTarget: startingTarget,
		version:        version,
		hashrate:       newHashRateEstimator(),
		txIndex:        make(map[[32]byte]uint64),
	}
	n.miner = miner.New(lockedChainView{node: n}, pool, n.acceptMinedBlock, version)
	for h := uint64(1); h <= chainState.Height(); h++ {
		if b, ok := chainState.BlockByHeight(h); ok {
			n.indexBlock(b)
		}
	}
	return n
}

// SetTransport wires the P2P transport and builds the sync/relay
// dispatcher over it. Must be called once before Start.
func (n *Node) SetTransport(transport *p2ptransport.Transport) {
	n.transport = transport
	n.sync = syncrelay.New(n.chain, n.pool, n, transport, n.genesis, n.startingTarget)
	transport.SetHandler(n.sync)
}

// Start begins listening for inbound P2P connections.
func (n *Node) Start() error {
	if n.transport == nil {
		return errors.New("node: SetTransport must be called before Start")
	}
	return n.transport.Start()
}

// Stop tears down the P2P transport and any in-progress mining.
func (n *Node) Stop() error {
	n.StopMining()
	if n.transport == nil {
		return nil
	}
	return n.transport.Stop()
}

// lockedChainView wraps chain.State so the miner's background goroutine
// never touches chain state without holding n.mu, per spec §5: chain
// state has exactly one writer and reads must be serialized against it
// the same way mutations are.
type lockedChainView struct{ node *Node }

func (v lockedChainView) Height() uint64 {
	v.node.mu.Lock()
	defer v.node.mu.Unlock()
	return v.node.chain.Height()
}

func (v lockedChainView) Tip() *block.Block {
	v.node.mu.Lock()
	defer v.node.mu.Unlock()
	return v.node.chain.Tip()
}

func (v lockedChainView) Target() [32]byte {
	v.node.mu.Lock()
	defer v.node.mu.Unlock()
	return v.node.chain.Target()
}

func (v lockedChainView) RecentTimestamps() []uint64 {
	v.node.mu.Lock()
	defer v.node.mu.Unlock()
	return v.node.chain.RecentTimestamps()
}

func (v lockedChainView) LookupUTXO(op txmodel.Outpoint) (*txmodel.UTXO, bool) {
	v.node.mu.Lock()
	defer v.node.mu.Unlock()
	return v.node.chain.LookupUTXO(op)
}

func (n *Node) indexBlock(b *block.Block) {
	for _, tx := range b.Transactions {
		n.txIndex[tx.ID] = b.Height
	}
}

// ReceiveBlock validates and applies a block arriving from either the
// miner or sync/relay, spec §4.12. On success it reconciles the mempool
// (dropping now-confirmed transactions) and restarts mining on the new
// tip.
func (n *Node) ReceiveBlock(b *block.Block) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.receiveBlockLocked(b)
}

func (n *Node) receiveBlockLocked(b *block.Block) error {
	if err := n.chain.AddBlock(b); err != nil {
		return err
	}
	for _, tx := range b.Transactions {
		n.pool.Remove(tx.ID)
	}
	n.indexBlock(b)
	n.restartMiningLocked()
	return nil
}

// ReceiveTransaction admits a transaction into the mempool, spec §4.12.
func (n *Node) ReceiveTransaction(tx *txmodel.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pool.AddTransaction(tx, n.chain, n.chain.Height())
}

// ResetToHeight performs a reorg to an ancestor height, spec §4.5/§4.12,
// then revalidates the mempool against the new tip.
func (n *Node) ResetToHeight(h uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.chain.ResetToHeight(h, n.genesis, n.startingTarget); err != nil {
		return err
	}
	n.pool.RevalidateAgainst(n.chain, n.chain.Height(), n.chain.IsClaimed)
	n.rebuildTxIndexLocked()
	n.restartMiningLocked()
	return nil
}

func (n *Node) rebuildTxIndexLocked() {
	n.txIndex = make(map[[32]byte]uint64)
	for h := uint64(1); h <= n.chain.Height(); h++ {
		if b, ok := n.chain.BlockByHeight(h); ok {
			n.indexBlock(b)
		}
	}
}

// StartMining begins mining to address. Mining stays paused while any
// peer is mid-IBD (§4.11); it resumes automatically once the last such
// peer leaves IBD.
func (n *Node) StartMining(address [32]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.miningWanted = true
	n.miningAddr = address
	n.applyMiningStateLocked()
}

// StopMining cancels any in-progress mining and stops wanting to mine.
func (n *Node) StopMining() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.miningWanted = false
	n.applyMiningStateLocked()
}

// applyMiningStateLocked starts or cancels the mining goroutine so that
// it runs iff miningWanted and no peer is mid-IBD. Caller holds n.mu.
func (n *Node) applyMiningStateLocked() {
	shouldRun := n.miningWanted && n.ibdPeers == 0
	running := n.miningCancel != nil
	if shouldRun == running {
		return
	}
	if shouldRun {
		ctx, cancel := context.WithCancel(context.Background())
		n.miningCancel = cancel
		addr := n.miningAddr
		go func() {
			if err := n.miner.Run(ctx, addr); err != nil && ctx.Err() == nil {
				log.Warnf("mining loop exited: %v", err)
			}
		}()
		return
	}
	n.miningCancel()
	n.miningCancel = nil
}

// restartMiningLocked cancels and immediately relaunches mining so the
// next candidate is assembled on the new tip, spec §4.8.4/§4.11. Caller
// holds n.mu.
func (n *Node) restartMiningLocked() {
	if n.miningCancel != nil {
		n.miningCancel()
		n.miningCancel = nil
	}
	n.applyMiningStateLocked()
}

// acceptMinedBlock is the miner's BlockSink: apply the locally-mined
// block through the same path as a network-received one, then announce
// it to peers.
func (n *Node) acceptMinedBlock(b *block.Block) error {
	n.mu.Lock()
	err := n.receiveBlockLocked(b)
	n.mu.Unlock()
	if err != nil {
		return err
	}
	n.hashrate.recordBlock(n.miner.NonceAttempts())
	if n.sync != nil {
		n.sync.AnnounceBlock(b)
	}
	return nil
}

// PauseMining and ResumeMining implement syncrelay.MiningControl: mining
// is paused while any peer session is in IBD and resumes once none are.
func (n *Node) PauseMining() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ibdPeers++
	n.applyMiningStateLocked()
}

func (n *Node) ResumeMining() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ibdPeers > 0 {
		n.ibdPeers--
	}
	n.applyMiningStateLocked()
}

// RestartOnNewTip implements syncrelay.MiningControl: a peer-delivered
// block already routes through receiveBlockLocked, which calls
// restartMiningLocked; this is for the fork-resolution reset path, which
// mutates the chain without going through ReceiveBlock.
func (n *Node) RestartOnNewTip() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.restartMiningLocked()
}

// GetState returns the node's current summary, spec §4.12.
func (n *Node) GetState() State {
	n.mu.Lock()
	defer n.mu.Unlock()

	peerCount := 0
	if n.transport != nil {
		peerCount = n.transport.PeerCount()
	}
	return State{
		Height:         n.chain.Height(),
		CumulativeWork: n.chain.CumulativeWork().String(),
		PeerCount:      peerCount,
		MempoolSize:    n.pool.Size(),
		HashRateHps:    n.hashrate.estimate(),
		Mining:         n.miningCancel != nil,
	}
}

// GetBalance returns the confirmed balance for address.
func (n *Node) GetBalance(address [32]byte) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chain.GetBalance(address)
}

// FindUTXOs returns confirmed UTXOs owned by address with amount >= minAmount.
func (n *Node) FindUTXOs(address [32]byte, minAmount int64) []txmodel.UTXO {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chain.FindUtxos(address, minAmount)
}

// BlockByHash returns a confirmed block by hash.
func (n *Node) BlockByHash(hash [32]byte) (*block.Block, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chain.BlockByHash(hash)
}

// BlockByHeight returns a confirmed block by height.
func (n *Node) BlockByHeight(h uint64) (*block.Block, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chain.BlockByHeight(h)
}

// TransactionByID returns a transaction by id, checking the mempool
// first and then the confirmed chain via the node's own tx index (chain
// state keeps no such index itself, spec §4.5 scopes it to the UTXO and
// claimed-address sets only).
func (n *Node) TransactionByID(id [32]byte) (*txmodel.Transaction, uint64, bool) {
	if tx, ok := n.pool.Get(id); ok {
		return tx, 0, true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	height, ok := n.txIndex[id]
	if !ok {
		return nil, 0, false
	}
	b, ok := n.chain.BlockByHeight(height)
	if !ok {
		return nil, 0, false
	}
	for _, tx := range b.Transactions {
		if tx.ID == id {
			return tx, height, true
		}
	}
	return nil, 0, false
}
