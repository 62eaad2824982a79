package p2ptransport

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// MaxInboundPeers and MaxOutboundPeers are the connection caps, spec §4.10.
const (
	MaxInboundPeers  = 25
	MaxOutboundPeers = 25
)

// PeerStore is the persistence surface the transport needs for bans and
// outbound anchors; storage.Store implements it.
type PeerStore interface {
	IsBanned(ip string) (bool, error)
	Ban(ip string) error
	RecordAnchor(address string) error
}

// Config configures a Transport.
type Config struct {
	ListenAddr  string
	LocalMode   bool
	GenesisHash [32]byte
	Version     uint32
	Store       PeerStore
}

// HeightFunc returns the node's current chain height, consulted on every
// handshake.
type HeightFunc func() uint64

// Transport owns the listener, outbound dialing, and the live peer set,
// enforcing the connection caps and ban list from spec §4.10.
type Transport struct {
	cfg        Config
	handler    Handler
	heightFunc HeightFunc
	addrBook   *AddressBook

	listener net.Listener

	mu       sync.Mutex
	peers    map[string]*Peer // keyed by Address
	inbound  int
	outbound int
	stopped  bool
}

// New creates a Transport. Call SetHandler before Start.
func New(cfg Config, heightFunc HeightFunc) *Transport {
	return &Transport{
		cfg:        cfg,
		heightFunc: heightFunc,
		addrBook:   NewAddressBook(cfg.LocalMode),
		peers:      make(map[string]*Peer),
	}
}

// SetHandler wires the message/lifecycle handler (normally syncrelay.Dispatcher).
func (t *Transport) SetHandler(h Handler) { t.handler = h }

// AddressBook exposes the address book for seeding from anchors/seeds/getaddr.
func (t *Transport) AddressBook() *AddressBook { return t.addrBook }

// ListenAddr returns the address Start bound to, e.g. for advertising this
// node's own address via addr gossip. Empty until Start has succeeded.
func (t *Transport) ListenAddr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Start begins listening for inbound connections.
func (t *Transport) Start() error {
	l, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	t.listener = l
	go t.acceptLoop()
	return nil
}

// Stop closes the listener and every live peer connection.
func (t *Transport) Stop() error {
	t.mu.Lock()
	t.stopped = true
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for _, p := range peers {
		p.Close()
	}
	return err
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			stopped := t.stopped
			t.mu.Unlock()
			if stopped {
				return
			}
			log.Warnf("accept failed: %v", err)
			continue
		}
		go t.handleInbound(conn)
	}
}

func (t *Transport) handleInbound(conn net.Conn) {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if t.cfg.Store != nil {
		banned, err := t.cfg.Store.IsBanned(host)
		if err == nil && banned {
			conn.Close()
			return
		}
	}

	t.mu.Lock()
	if t.inbound >= MaxInboundPeers {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.inbound++
	t.mu.Unlock()

	t.runPeer(conn, true)

	t.mu.Lock()
	t.inbound--
	t.mu.Unlock()
}

// Dial establishes an outbound connection to addr and runs its peer
// lifecycle until disconnect. Blocks the caller's goroutine; callers
// should invoke it via go t.Dial(addr).
func (t *Transport) Dial(addr string) error {
	t.mu.Lock()
	if t.outbound >= MaxOutboundPeers {
		t.mu.Unlock()
		return errors.New("outbound connection cap reached")
	}
	if _, already := t.peers[addr]; already {
		t.mu.Unlock()
		return errors.New("already connected to this address")
	}
	t.outbound++
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.outbound--
		t.mu.Unlock()
		t.addrBook.MarkDisconnected(addr)
	}()

	conn, err := net.DialTimeout("tcp", addr, HandshakeTimeout)
	if err != nil {
		return errors.Wrapf(err, "failed to dial %s", addr)
	}
	t.addrBook.MarkDialed(addr)

	t.runPeer(conn, false)

	if t.cfg.Store != nil {
		if err := t.cfg.Store.RecordAnchor(addr); err != nil {
			log.Warnf("failed to record anchor for %s: %v", addr, err)
		}
	}
	return nil
}

func (t *Transport) runPeer(conn net.Conn, inbound bool) {
	p := newPeer(conn, inbound, t.handler, t.banPeer)

	if err := p.handshake(t.heightFunc(), t.cfg.GenesisHash, t.cfg.Version); err != nil {
		log.Debugf("handshake with %s failed: %v", p.Address, err)
		conn.Close()
		return
	}

	t.mu.Lock()
	t.peers[p.Address] = p
	t.mu.Unlock()

	p.run()

	t.mu.Lock()
	delete(t.peers, p.Address)
	t.mu.Unlock()
}

func (t *Transport) banPeer(p *Peer) {
	if t.cfg.Store == nil {
		return
	}
	host, _, err := net.SplitHostPort(p.Address)
	if err != nil {
		host = p.Address
	}
	if err := t.cfg.Store.Ban(host); err != nil {
		log.Warnf("failed to persist ban for %s: %v", host, err)
	}
}

// Broadcast sends env to every currently connected, handshaked peer except
// the one named in exclude (pass "" to exclude none), per spec §4.11 gossip.
func (t *Transport) Broadcast(env Envelope, exclude string) {
	t.mu.Lock()
	peers := make([]*Peer, 0, len(t.peers))
	for addr, p := range t.peers {
		if addr == exclude {
			continue
		}
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		if p.HandshakeComplete() {
			p.Send(env)
		}
	}
}

// PeerCount returns the number of live connections (both directions).
func (t *Transport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Peers returns a snapshot of the currently live peers.
func (t *Transport) Peers() []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}
