package p2ptransport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	env, err := NewEnvelope(TypePing, struct{}{})
	require.NoError(t, err)

	go func() {
		_ = writeEnvelope(client, env)
	}()

	got, err := readEnvelope(server)
	require.NoError(t, err)
	require.Equal(t, TypePing, got.Type)
}

func TestReadEnvelopeRejectsOversizeFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		var lenPrefix [4]byte
		lenPrefix[0] = 0xFF // frame length far above MaxFrameSize
		client.Write(lenPrefix[:])
	}()

	_, err := readEnvelope(server)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestIsRoutableFiltersPrivateRanges(t *testing.T) {
	require.False(t, isRoutable("10.0.0.5:8333"))
	require.False(t, isRoutable("192.168.1.1:8333"))
	require.False(t, isRoutable("127.0.0.1:8333"))
	require.True(t, isRoutable("203.0.113.5:8333"))
}

func TestSubnetKeyGroupsByIPv4Slash16(t *testing.T) {
	require.Equal(t, subnetKey("203.0.113.5:8333"), subnetKey("203.0.99.9:8333"))
	require.NotEqual(t, subnetKey("203.0.113.5:8333"), subnetKey("198.51.100.1:8333"))
}

func TestAddressBookDiversifiesBySubnet(t *testing.T) {
	book := NewAddressBook(false)
	book.AddMany([]string{"203.0.113.1:8333", "203.0.113.2:8333", "203.0.113.3:8333", "198.51.100.1:8333"})

	inUse := map[string]struct{}{}
	first, ok := book.NextDialCandidate(inUse)
	require.True(t, ok)
	book.MarkDialed(first)
	inUse[first] = struct{}{}

	second, ok := book.NextDialCandidate(inUse)
	require.True(t, ok)
	require.NotEqual(t, first, second)
	book.MarkDialed(second)
	inUse[second] = struct{}{}

	// Both 203.0.113.0/16 slots should now be saturated if first two picks
	// landed in the same subnet; regardless, a third candidate must still
	// be offered thanks to the starvation-avoidance fallback.
	third, ok := book.NextDialCandidate(inUse)
	require.True(t, ok)
	require.NotEqual(t, first, third)
}

type recordingHandler struct {
	connected    chan *Peer
	disconnected chan *Peer
	messages     chan Envelope
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connected:    make(chan *Peer, 4),
		disconnected: make(chan *Peer, 4),
		messages:     make(chan Envelope, 16),
	}
}

func (h *recordingHandler) HandleMessage(p *Peer, env Envelope) { h.messages <- env }
func (h *recordingHandler) OnHandshakeComplete(p *Peer)         { h.connected <- p }
func (h *recordingHandler) OnDisconnected(p *Peer)              { h.disconnected <- p }

func TestHandshakeCompletesOnBothSides(t *testing.T) {
	genesis := [32]byte{0xaa}

	serverHandler := newRecordingHandler()
	server := New(Config{ListenAddr: "127.0.0.1:0", GenesisHash: genesis, Version: 1}, func() uint64 { return 10 })
	server.SetHandler(serverHandler)
	require.NoError(t, server.Start())
	defer server.Stop()

	clientHandler := newRecordingHandler()
	client := New(Config{GenesisHash: genesis, Version: 1}, func() uint64 { return 10 })
	client.SetHandler(clientHandler)

	go client.Dial(server.listener.Addr().String())

	select {
	case p := <-serverHandler.connected:
		require.True(t, p.HandshakeComplete())
		require.Equal(t, uint64(10), p.RemoteHeight())
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed handshake completion")
	}

	select {
	case p := <-clientHandler.connected:
		require.True(t, p.HandshakeComplete())
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed handshake completion")
	}
}

func TestMisbehaviorThresholdTriggersBanAndClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	var banned bool
	p := newPeer(server, true, newRecordingHandler(), func(p *Peer) { banned = true })

	p.misbehave(MisbehaviorDecodeFailure, "test")
	p.misbehave(MisbehaviorDecodeFailure, "test")
	p.misbehave(MisbehaviorDecodeFailure, "test")
	require.False(t, banned)

	p.misbehave(MisbehaviorDecodeFailure, "test") // 100 total, crosses threshold
	require.True(t, banned)

	select {
	case <-p.closed:
	case <-time.After(time.Second):
		t.Fatal("peer was not closed after crossing misbehavior threshold")
	}
}

func TestHandshakeRejectsGenesisMismatch(t *testing.T) {
	serverHandler := newRecordingHandler()
	server := New(Config{ListenAddr: "127.0.0.1:0", GenesisHash: [32]byte{0x01}, Version: 1}, func() uint64 { return 10 })
	server.SetHandler(serverHandler)
	require.NoError(t, server.Start())
	defer server.Stop()

	clientHandler := newRecordingHandler()
	client := New(Config{GenesisHash: [32]byte{0x02}, Version: 1}, func() uint64 { return 10 })
	client.SetHandler(clientHandler)

	err := client.Dial(server.listener.Addr().String())
	require.NoError(t, err) // Dial itself only reports dial-level failures

	select {
	case <-serverHandler.connected:
		t.Fatal("handshake should not have completed on genesis mismatch")
	case <-time.After(200 * time.Millisecond):
	}
}
