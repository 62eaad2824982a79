package syncrelay

import (
	"sync"

	"github.com/pqcoin/pqnode/p2ptransport"
)

// Phase is a peer session's place in the §4.11 state machine. Handshaking
// is implicit: a session only exists once the transport layer has already
// completed the version/verack exchange.
type Phase int

const (
	PhaseReady Phase = iota
	PhaseIBD
	PhaseForkResolution
)

func (p Phase) String() string {
	switch p {
	case PhaseReady:
		return "Ready"
	case PhaseIBD:
		return "IBD"
	case PhaseForkResolution:
		return "ForkResolution"
	default:
		return "Unknown"
	}
}

// session is the per-peer protocol state layered on top of a transport Peer.
type session struct {
	peer *p2ptransport.Peer

	mu    sync.Mutex
	phase Phase
}

func newSession(peer *p2ptransport.Peer) *session {
	return &session{peer: peer, phase: PhaseReady}
}

func (s *session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *session) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}
