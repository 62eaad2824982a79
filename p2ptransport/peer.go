package p2ptransport

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/pqcoin/pqnode/logger"
)

var log = logger.Subsystem("P2P ")

// Misbehavior point costs and thresholds, spec §4.10.
const (
	MisbehaviorDecodeFailure      = 25
	MisbehaviorUnknownType        = 10
	MisbehaviorPreHandshakeMsg    = 10
	MisbehaviorMalformedPayload   = 10
	MisbehaviorOversizeFrame      = 25
	MisbehaviorBanThreshold       = 100
	MisbehaviorDecayPerMinute     = 1
	BanDuration                   = 24 * time.Hour
	HandshakeTimeout              = 10 * time.Second
	IdleTimeout                   = 2 * time.Minute
	PongDeadline                  = 30 * time.Second
	RateLimitBurst                = 200
	RateLimitRefillPerSecond      = 100
)

// Handler receives dispatched post-handshake messages and lifecycle
// events. syncrelay implements this to run the §4.11 protocol on top of
// the transport.
type Handler interface {
	HandleMessage(p *Peer, env Envelope)
	OnHandshakeComplete(p *Peer)
	OnDisconnected(p *Peer)
}

// Peer is one TCP connection's protocol state, spec §4.10's per-connection
// state block.
type Peer struct {
	ID       uuid.UUID
	Inbound  bool
	Address  string
	conn     net.Conn
	handler  Handler

	mu                   sync.Mutex
	handshakeComplete    bool
	remoteHeight         uint64
	remoteGenesisHash    [32]byte
	misbehaviorScore     int
	lastMisbehaviorDecay time.Time
	lastGetaddrResponse  time.Time

	limiter *rate.Limiter

	sendCh    chan Envelope
	closeOnce sync.Once
	closed    chan struct{}

	onBan func(p *Peer)
}

func newPeer(conn net.Conn, inbound bool, handler Handler, onBan func(p *Peer)) *Peer {
	return &Peer{
		ID:                   uuid.New(),
		Inbound:              inbound,
		Address:              conn.RemoteAddr().String(),
		conn:                 conn,
		handler:              handler,
		lastMisbehaviorDecay: time.Now(),
		limiter:              rate.NewLimiter(rate.Limit(RateLimitRefillPerSecond), RateLimitBurst),
		sendCh:               make(chan Envelope, 64),
		closed:               make(chan struct{}),
		onBan:                onBan,
	}
}

// RemoteHeight returns the peer's last-announced chain height.
func (p *Peer) RemoteHeight() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteHeight
}

// RemoteGenesisHash returns the peer's announced genesis hash.
func (p *Peer) RemoteGenesisHash() [32]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteGenesisHash
}

// HandshakeComplete reports whether both sides have exchanged verack.
func (p *Peer) HandshakeComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshakeComplete
}

// Misbehave adds points to the peer's score, banning and disconnecting it
// once the threshold is crossed. Exported for use by syncrelay.
func (p *Peer) Misbehave(points int, reason string) { p.misbehave(points, reason) }

// ShouldThrottleGetaddr reports whether this peer has been answered a
// getaddr within the last 24h, spec §9's getaddr throttling rule.
func (p *Peer) ShouldThrottleGetaddr() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastGetaddrResponse) < 24*time.Hour
}

// MarkGetaddrResponded records that this peer was just answered a getaddr.
func (p *Peer) MarkGetaddrResponded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastGetaddrResponse = time.Now()
}

// Send queues env for the peer's write loop; it never blocks the caller's
// event-loop thread for longer than the channel buffer allows.
func (p *Peer) Send(env Envelope) {
	select {
	case p.sendCh <- env:
	case <-p.closed:
	default:
		log.Warnf("peer %s send buffer full, dropping message %s", p.Address, env.Type)
	}
}

// Close terminates the connection and its loops exactly once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}

// misbehave adds points to the peer's score, decaying first, and bans +
// disconnects once the threshold is crossed.
func (p *Peer) misbehave(points int, reason string) {
	p.mu.Lock()
	p.decayLocked()
	p.misbehaviorScore += points
	score := p.misbehaviorScore
	p.mu.Unlock()

	log.Debugf("peer %s misbehavior +%d (%s), score=%d", p.Address, points, reason, score)
	if score >= MisbehaviorBanThreshold {
		log.Warnf("peer %s exceeded misbehavior threshold, banning", p.Address)
		if p.onBan != nil {
			p.onBan(p)
		}
		p.Close()
	}
}

func (p *Peer) decayLocked() {
	now := time.Now()
	elapsedMinutes := int(now.Sub(p.lastMisbehaviorDecay) / time.Minute)
	if elapsedMinutes <= 0 {
		return
	}
	p.misbehaviorScore -= elapsedMinutes * MisbehaviorDecayPerMinute
	if p.misbehaviorScore < 0 {
		p.misbehaviorScore = 0
	}
	p.lastMisbehaviorDecay = now
}

// handshake performs the version/verack exchange, spec §4.10.
func (p *Peer) handshake(localHeight uint64, localGenesis [32]byte, version uint32) error {
	p.conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer p.conn.SetDeadline(time.Time{})

	ourVersion, err := NewEnvelope(TypeVersion, VersionPayload{Height: localHeight, GenesisHash: localGenesis, Version: version})
	if err != nil {
		return err
	}
	if err := writeEnvelope(p.conn, ourVersion); err != nil {
		return errors.Wrap(err, "failed to send version")
	}

	env, err := readEnvelope(p.conn)
	if err != nil {
		return errors.Wrap(err, "failed to read peer version")
	}
	if env.Type != TypeVersion {
		return errors.Errorf("expected version, got %s", env.Type)
	}
	var vp VersionPayload
	if err := json.Unmarshal(env.Payload, &vp); err != nil {
		return errors.Wrap(err, "failed to decode version payload")
	}

	freshPeer := vp.Height == 0
	freshUs := localHeight == 0
	if vp.GenesisHash != localGenesis && !freshPeer && !freshUs {
		return errors.New("genesis hash mismatch")
	}

	if err := writeEnvelope(p.conn, Envelope{Type: TypeVerack}); err != nil {
		return errors.Wrap(err, "failed to send verack")
	}
	env, err = readEnvelope(p.conn)
	if err != nil {
		return errors.Wrap(err, "failed to read peer verack")
	}
	if env.Type != TypeVerack {
		return errors.Errorf("expected verack, got %s", env.Type)
	}

	p.mu.Lock()
	p.remoteHeight = vp.Height
	p.remoteGenesisHash = vp.GenesisHash
	p.handshakeComplete = true
	p.mu.Unlock()
	return nil
}

// run drives the peer's read and write loops until closed. Call after a
// successful handshake.
func (p *Peer) run() {
	go p.writeLoop()
	p.handler.OnHandshakeComplete(p)
	p.readLoop()
	p.handler.OnDisconnected(p)
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.closed:
			return
		case env := <-p.sendCh:
			if err := writeEnvelope(p.conn, env); err != nil {
				log.Debugf("peer %s write failed: %v", p.Address, err)
				p.Close()
				return
			}
		}
	}
}

func (p *Peer) readLoop() {
	awaitingPong := false
	for {
		select {
		case <-p.closed:
			return
		default:
		}

		deadline := IdleTimeout
		if awaitingPong {
			deadline = PongDeadline
		}
		p.conn.SetReadDeadline(time.Now().Add(deadline))

		env, err := readEnvelope(p.conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if awaitingPong {
					log.Debugf("peer %s missed pong deadline, disconnecting", p.Address)
					p.Close()
					return
				}
				p.Send(Envelope{Type: TypePing})
				awaitingPong = true
				continue
			}
			if errors.Is(err, ErrFrameTooLarge) {
				p.misbehave(MisbehaviorOversizeFrame, "oversize frame")
				p.Close()
				return
			}
			return
		}
		awaitingPong = false

		if !p.limiter.Allow() {
			log.Debugf("peer %s exceeded rate limit, disconnecting", p.Address)
			p.Close()
			return
		}

		if env.Type == TypePong {
			continue
		}
		if env.Type == TypePing {
			p.Send(Envelope{Type: TypePong})
			continue
		}
		if env.Type == TypeVerack || env.Type == TypeVersion {
			p.misbehave(MisbehaviorPreHandshakeMsg, "handshake message after handshake complete")
			continue
		}

		p.handler.HandleMessage(p, env)
	}
}
