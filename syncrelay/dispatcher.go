// Package syncrelay implements the peer session state machine, block/tx
// gossip, and mining pause/resume integration from spec §4.11, layered on
// top of the wire handshake and framing p2ptransport provides.
package syncrelay

import (
	"encoding/json"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"github.com/pqcoin/pqnode/block"
	"github.com/pqcoin/pqnode/logger"
	"github.com/pqcoin/pqnode/p2ptransport"
	"github.com/pqcoin/pqnode/txmodel"
)

var log = logger.Subsystem("SYNC")

// MaxForkDepth bounds how far back a fork point may sit before resolution
// is abandoned in favor of staying on our own chain, spec §4.11. Mirrors
// chain.MaxReorgDepth; the sync layer enforces it here before ever calling
// ResetToHeight, which re-checks it defensively on its own.
const MaxForkDepth = 100

// OverclaimRatio is the 1.5x gate from spec §4.5/§4.11: a peer claiming
// more cumulative work than this multiple of our own work since the fork
// point, while its delivered headers carry no more work than ours, is
// banned outright rather than merely distrusted.
const OverclaimRatio = 3 // compared as claimedWork*2 > ourWork*OverclaimRatio, i.e. 1.5x

// Chain is the read/write surface the dispatcher drives; chain.State
// implements it.
type Chain interface {
	txmodel.UTXOView
	Height() uint64
	GetBlockHash(h uint64) ([32]byte, bool)
	BlockByHeight(h uint64) (*block.Block, bool)
	BlockByHash(hash [32]byte) (*block.Block, bool)
	AddBlock(b *block.Block) error
	ResetToHeight(h uint64, genesis *block.Block, startingTarget [32]byte) error
}

// Mempool is the read/write surface the dispatcher drives; mempool.Pool
// implements it.
type Mempool interface {
	AddTransaction(tx *txmodel.Transaction, chainUTXOs txmodel.UTXOView, chainTipHeight uint64) error
	Get(txID [32]byte) (*txmodel.Transaction, bool)
}

// MiningControl is the mining lifecycle surface the dispatcher drives,
// implemented by the node facade. Mining is paused while any session is
// in IBD and resumed once none are; a newly accepted block restarts the
// in-progress candidate on the new tip (spec §4.11).
type MiningControl interface {
	PauseMining()
	ResumeMining()
	RestartOnNewTip()
}

// Dispatcher implements p2ptransport.Handler, running the §4.11 protocol
// for every connected peer.
type Dispatcher struct {
	chain          Chain
	pool           Mempool
	mining         MiningControl
	transport      *p2ptransport.Transport
	genesis        *block.Block
	startingTarget [32]byte

	seen *seenCache

	mu                       sync.Mutex
	sessions                 map[uuid.UUID]*session
	ibdCount                 int
	forkResolutionInProgress bool
}

// New creates a Dispatcher wired to chain, pool, mining control, and the
// transport it will be registered on as a Handler.
func New(chain Chain, pool Mempool, mining MiningControl, transport *p2ptransport.Transport, genesis *block.Block, startingTarget [32]byte) *Dispatcher {
	return &Dispatcher{
		chain:          chain,
		pool:           pool,
		mining:         mining,
		transport:      transport,
		genesis:        genesis,
		startingTarget: startingTarget,
		seen:           newSeenCache(),
		sessions:       make(map[uuid.UUID]*session),
	}
}

// AnnounceBlock gossips a locally mined block to every connected peer,
// marking it seen first so the resulting inv echoed back by peers is
// recognized and not re-requested.
func (d *Dispatcher) AnnounceBlock(b *block.Block) {
	d.seen.MarkSeen(b.Hash)
	d.relayBlock(b, "")
}

// AnnounceTransaction gossips a locally accepted transaction.
func (d *Dispatcher) AnnounceTransaction(tx *txmodel.Transaction) {
	d.seen.MarkSeen(tx.ID)
	d.relayTransaction(tx, "")
}

// relayBlock re-announces a block to every peer except excludeAddr (the
// peer it arrived from, if any), spec §4.11 gossip.
func (d *Dispatcher) relayBlock(b *block.Block, excludeAddr string) {
	env, err := p2ptransport.NewEnvelope(p2ptransport.TypeInv, p2ptransport.InvPayload{Kind: p2ptransport.InvBlock, Hash: b.Hash})
	if err != nil {
		log.Warnf("failed to build inv envelope: %v", err)
		return
	}
	d.transport.Broadcast(env, excludeAddr)
}

// relayTransaction re-announces a transaction to every peer except
// excludeAddr.
func (d *Dispatcher) relayTransaction(tx *txmodel.Transaction, excludeAddr string) {
	env, err := p2ptransport.NewEnvelope(p2ptransport.TypeInv, p2ptransport.InvPayload{Kind: p2ptransport.InvTx, Hash: tx.ID})
	if err != nil {
		log.Warnf("failed to build inv envelope: %v", err)
		return
	}
	d.transport.Broadcast(env, excludeAddr)
}

// OnHandshakeComplete registers a fresh session and kicks off IBD if the
// peer claims to be taller than us.
func (d *Dispatcher) OnHandshakeComplete(p *p2ptransport.Peer) {
	sess := newSession(p)
	d.mu.Lock()
	d.sessions[p.ID] = sess
	d.mu.Unlock()

	if p.RemoteHeight() > d.chain.Height() {
		d.startIBD(sess, p)
	}
}

// OnDisconnected tears down the session, resuming mining and clearing the
// fork-resolution flag if this peer owned either.
func (d *Dispatcher) OnDisconnected(p *p2ptransport.Peer) {
	d.mu.Lock()
	sess, ok := d.sessions[p.ID]
	delete(d.sessions, p.ID)
	if ok {
		if sess.Phase() == PhaseIBD {
			d.leaveIBDLocked()
		}
		if sess.Phase() == PhaseForkResolution {
			d.forkResolutionInProgress = false
		}
	}
	d.mu.Unlock()
}

// HandleMessage dispatches a post-handshake message to its handler.
func (d *Dispatcher) HandleMessage(p *p2ptransport.Peer, env p2ptransport.Envelope) {
	sess := d.sessionFor(p)
	if sess == nil {
		// Handler invoked before OnHandshakeComplete registered a session;
		// cannot happen via the transport's call order, but guard anyway.
		sess = newSession(p)
	}

	switch env.Type {
	case p2ptransport.TypeGetBlocks:
		d.handleGetBlocks(p, env)
	case p2ptransport.TypeBlocks:
		d.handleBlocks(p, sess, env)
	case p2ptransport.TypeInv:
		d.handleInv(p, env)
	case p2ptransport.TypeGetData:
		d.handleGetData(p, env)
	case p2ptransport.TypeTx:
		d.handleTx(p, env)
	case p2ptransport.TypeGetHeaders:
		d.handleGetHeaders(p, env)
	case p2ptransport.TypeHeaders:
		d.handleHeaders(p, sess, env)
	case p2ptransport.TypeGetAddr:
		d.handleGetAddr(p)
	case p2ptransport.TypeAddr:
		d.handleAddr(p, env)
	case p2ptransport.TypeReject:
		d.handleReject(p, env)
	default:
		p.Misbehave(p2ptransport.MisbehaviorUnknownType, "unrecognized message type "+env.Type)
	}
}

func (d *Dispatcher) sessionFor(p *p2ptransport.Peer) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[p.ID]
}

func (d *Dispatcher) decode(p *p2ptransport.Peer, env p2ptransport.Envelope, v interface{}) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		p.Misbehave(p2ptransport.MisbehaviorMalformedPayload, "malformed "+env.Type+" payload")
		return false
	}
	return true
}

func (d *Dispatcher) sendReject(p *p2ptransport.Peer, code, reason string, related *[32]byte) {
	env, err := p2ptransport.NewEnvelope(p2ptransport.TypeReject, p2ptransport.RejectPayload{Code: code, Reason: reason, RelatedHash: related})
	if err != nil {
		return
	}
	p.Send(env)
}

func (d *Dispatcher) handleReject(p *p2ptransport.Peer, env p2ptransport.Envelope) {
	var rp p2ptransport.RejectPayload
	if !d.decode(p, env, &rp) {
		return
	}
	log.Debugf("peer %s rejected our message: %s (%s)", p.Address, rp.Code, rp.Reason)
}

// --- IBD ---

// startIBD transitions sess into IBD and requests the next block batch.
// Must be called without d.mu held.
func (d *Dispatcher) startIBD(sess *session, p *p2ptransport.Peer) {
	d.mu.Lock()
	if sess.Phase() != PhaseIBD {
		d.enterIBDLocked()
	}
	d.mu.Unlock()
	sess.setPhase(PhaseIBD)
	d.requestNextBatch(p)
}

func (d *Dispatcher) requestNextBatch(p *p2ptransport.Peer) {
	env, err := p2ptransport.NewEnvelope(p2ptransport.TypeGetBlocks, p2ptransport.GetBlocksPayload{FromHeight: d.chain.Height() + 1})
	if err != nil {
		return
	}
	p.Send(env)
}

// enterIBDLocked must be called with d.mu held.
func (d *Dispatcher) enterIBDLocked() {
	d.ibdCount++
	if d.ibdCount == 1 {
		d.mining.PauseMining()
	}
}

// leaveIBDLocked must be called with d.mu held.
func (d *Dispatcher) leaveIBDLocked() {
	if d.ibdCount > 0 {
		d.ibdCount--
	}
	if d.ibdCount == 0 {
		d.mining.ResumeMining()
	}
}

func (d *Dispatcher) handleGetBlocks(p *p2ptransport.Peer, env p2ptransport.Envelope) {
	var gb p2ptransport.GetBlocksPayload
	if !d.decode(p, env, &gb) {
		return
	}

	var wire []p2ptransport.BlockWire
	h := gb.FromHeight
	for len(wire) < p2ptransport.MaxBlocksPerBatch {
		b, ok := d.chain.BlockByHeight(h)
		if !ok {
			break
		}
		wire = append(wire, blockToWire(b))
		h++
	}

	respEnv, err := p2ptransport.NewEnvelope(p2ptransport.TypeBlocks, p2ptransport.BlocksPayload{Blocks: wire})
	if err != nil {
		return
	}
	p.Send(respEnv)
}

func (d *Dispatcher) handleBlocks(p *p2ptransport.Peer, sess *session, env p2ptransport.Envelope) {
	var bp p2ptransport.BlocksPayload
	if !d.decode(p, env, &bp) {
		return
	}

	inIBD := sess.Phase() == PhaseIBD
	for _, w := range bp.Blocks {
		b, err := wireToBlock(w)
		if err != nil {
			p.Misbehave(p2ptransport.MisbehaviorMalformedPayload, "undecodable block in blocks batch")
			return
		}

		if err := d.chain.AddBlock(b); err != nil {
			if block.IsErrorKind(err, block.ErrPrevHashMismatch) {
				d.startForkResolution(sess, p)
				return
			}
			log.Debugf("rejected block %x from %s: %v", b.Hash, p.Address, err)
			d.sendReject(p, "invalid-block", err.Error(), &b.Hash)
			continue
		}

		d.seen.MarkSeen(b.Hash)
		d.relayBlock(b, p.Address)
		d.mining.RestartOnNewTip()
	}

	if !inIBD {
		return
	}

	if len(bp.Blocks) == p2ptransport.MaxBlocksPerBatch {
		d.requestNextBatch(p)
		return
	}

	d.mu.Lock()
	d.leaveIBDLocked()
	d.mu.Unlock()
	sess.setPhase(PhaseReady)
}

// --- Fork resolution ---

func (d *Dispatcher) startForkResolution(sess *session, p *p2ptransport.Peer) {
	d.mu.Lock()
	if d.forkResolutionInProgress {
		d.mu.Unlock()
		return
	}
	d.forkResolutionInProgress = true
	if sess.Phase() == PhaseIBD {
		d.leaveIBDLocked()
	}
	d.mu.Unlock()

	sess.setPhase(PhaseForkResolution)
	locator := buildLocator(d.chain)
	env, err := p2ptransport.NewEnvelope(p2ptransport.TypeGetHeaders, p2ptransport.GetHeadersPayload{LocatorHashes: locator})
	if err != nil {
		d.abortForkResolution(sess)
		return
	}
	p.Send(env)
}

func (d *Dispatcher) abortForkResolution(sess *session) {
	d.mu.Lock()
	d.forkResolutionInProgress = false
	d.mu.Unlock()
	sess.setPhase(PhaseReady)
}

func (d *Dispatcher) handleGetHeaders(p *p2ptransport.Peer, env p2ptransport.Envelope) {
	var gh p2ptransport.GetHeadersPayload
	if !d.decode(p, env, &gh) {
		return
	}

	var forkPoint uint64
	for _, hash := range gh.LocatorHashes {
		if h, ok := findForkPoint(d.chain, hash); ok {
			forkPoint = h
			break
		}
	}

	var headers []p2ptransport.HeaderWire
	for h := forkPoint + 1; h <= d.chain.Height() && len(headers) < p2ptransport.MaxBlocksPerBatch; h++ {
		b, ok := d.chain.BlockByHeight(h)
		if !ok {
			break
		}
		headers = append(headers, headerToWire(b))
	}

	respEnv, err := p2ptransport.NewEnvelope(p2ptransport.TypeHeaders, p2ptransport.HeadersPayload{Headers: headers})
	if err != nil {
		return
	}
	p.Send(respEnv)
}

func (d *Dispatcher) handleHeaders(p *p2ptransport.Peer, sess *session, env p2ptransport.Envelope) {
	if sess.Phase() != PhaseForkResolution {
		return
	}

	var hp p2ptransport.HeadersPayload
	if !d.decode(p, env, &hp) {
		return
	}
	if len(hp.Headers) == 0 {
		d.abortForkResolution(sess)
		return
	}

	first, err := wireToHeader(hp.Headers[0])
	if err != nil {
		p.Misbehave(p2ptransport.MisbehaviorMalformedPayload, "undecodable header in headers batch")
		return
	}

	forkPoint, ok := findForkPoint(d.chain, first.PreviousHash)
	if !ok || d.chain.Height()-forkPoint > MaxForkDepth {
		d.abortForkResolution(sess)
		return
	}

	headerWork := big.NewInt(0)
	for _, hw := range hp.Headers {
		h, err := wireToHeader(hw)
		if err != nil {
			p.Misbehave(p2ptransport.MisbehaviorMalformedPayload, "undecodable header in headers batch")
			return
		}
		headerWork.Add(headerWork, workForTarget(h.Target))
	}

	ourWork := big.NewInt(0)
	for h := forkPoint + 1; h <= d.chain.Height(); h++ {
		b, ok := d.chain.BlockByHeight(h)
		if !ok {
			break
		}
		ourWork.Add(ourWork, workForTarget(b.Header.Target))
	}

	remoteHeight := p.RemoteHeight()
	if remoteHeight > forkPoint && len(hp.Headers) > 0 {
		if claimedBlocks := remoteHeight - forkPoint; claimedBlocks > uint64(len(hp.Headers)) {
			avgWork := new(big.Int).Div(headerWork, big.NewInt(int64(len(hp.Headers))))
			claimedWork := new(big.Int).Mul(avgWork, big.NewInt(int64(claimedBlocks)))
			threshold := new(big.Int).Mul(ourWork, big.NewInt(OverclaimRatio))
			if new(big.Int).Mul(claimedWork, big.NewInt(2)).Cmp(threshold) > 0 && headerWork.Cmp(ourWork) <= 0 {
				p.Misbehave(p2ptransport.MisbehaviorBanThreshold, "claimed chain work exceeds 1.5x our work without delivering supporting headers")
				d.abortForkResolution(sess)
				return
			}
		}
	}

	if headerWork.Cmp(ourWork) <= 0 {
		d.abortForkResolution(sess)
		return
	}

	if err := d.chain.ResetToHeight(forkPoint, d.genesis, d.startingTarget); err != nil {
		log.Warnf("reorg to height %d failed: %v", forkPoint, err)
		d.abortForkResolution(sess)
		return
	}

	d.mu.Lock()
	d.forkResolutionInProgress = false
	d.enterIBDLocked()
	d.mu.Unlock()

	sess.setPhase(PhaseIBD)
	d.mining.RestartOnNewTip()
	d.requestNextBatch(p)
}

// workForTarget mirrors chain.WorkForTarget without importing chain, to
// keep this package decoupled from the concrete chain state type.
func workForTarget(target [32]byte) *big.Int {
	t := new(big.Int).SetBytes(target[:])
	if t.Sign() == 0 {
		return big.NewInt(0)
	}
	maxWork := new(big.Int).Lsh(big.NewInt(1), 256)
	denom := new(big.Int).Add(t, big.NewInt(1))
	return new(big.Int).Div(maxWork, denom)
}

// --- Gossip ---

func (d *Dispatcher) handleInv(p *p2ptransport.Peer, env p2ptransport.Envelope) {
	var inv p2ptransport.InvPayload
	if !d.decode(p, env, &inv) {
		return
	}
	if !d.seen.MarkSeen(inv.Hash) {
		return
	}
	reqEnv, err := p2ptransport.NewEnvelope(p2ptransport.TypeGetData, p2ptransport.GetDataPayload{Kind: inv.Kind, Hash: inv.Hash})
	if err != nil {
		return
	}
	p.Send(reqEnv)
}

func (d *Dispatcher) handleGetData(p *p2ptransport.Peer, env p2ptransport.Envelope) {
	var gd p2ptransport.GetDataPayload
	if !d.decode(p, env, &gd) {
		return
	}

	switch gd.Kind {
	case p2ptransport.InvBlock:
		b, ok := d.chain.BlockByHash(gd.Hash)
		if !ok {
			return
		}
		respEnv, err := p2ptransport.NewEnvelope(p2ptransport.TypeBlocks, p2ptransport.BlocksPayload{Blocks: []p2ptransport.BlockWire{blockToWire(b)}})
		if err != nil {
			return
		}
		p.Send(respEnv)
	case p2ptransport.InvTx:
		tx, ok := d.pool.Get(gd.Hash)
		if !ok {
			return
		}
		respEnv, err := p2ptransport.NewEnvelope(p2ptransport.TypeTx, p2ptransport.TxPayload{Tx: tx})
		if err != nil {
			return
		}
		p.Send(respEnv)
	default:
		p.Misbehave(p2ptransport.MisbehaviorMalformedPayload, "unknown getdata kind")
	}
}

func (d *Dispatcher) handleTx(p *p2ptransport.Peer, env p2ptransport.Envelope) {
	var tp p2ptransport.TxPayload
	if !d.decode(p, env, &tp) {
		return
	}
	if tp.Tx == nil {
		p.Misbehave(p2ptransport.MisbehaviorMalformedPayload, "nil transaction in tx message")
		return
	}
	if !d.seen.MarkSeen(tp.Tx.ID) {
		return
	}

	if err := d.pool.AddTransaction(tp.Tx, d.chain, d.chain.Height()); err != nil {
		log.Debugf("rejected tx %x from %s: %v", tp.Tx.ID, p.Address, err)
		d.sendReject(p, "invalid-tx", err.Error(), &tp.Tx.ID)
		return
	}
	d.relayTransaction(tp.Tx, p.Address)
}

// --- Address gossip ---

func (d *Dispatcher) handleGetAddr(p *p2ptransport.Peer) {
	if p.ShouldThrottleGetaddr() {
		return
	}
	p.MarkGetaddrResponded()
	env, err := p2ptransport.NewEnvelope(p2ptransport.TypeAddr, p2ptransport.AddrPayload{Peers: d.transport.AddressBook().Snapshot()})
	if err != nil {
		return
	}
	p.Send(env)
}

func (d *Dispatcher) handleAddr(p *p2ptransport.Peer, env p2ptransport.Envelope) {
	var ap p2ptransport.AddrPayload
	if !d.decode(p, env, &ap) {
		return
	}
	d.transport.AddressBook().AddMany(ap.Peers)
}
