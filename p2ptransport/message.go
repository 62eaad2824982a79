// Package p2ptransport implements the wire framing, handshake, rate
// limiting, misbehavior scoring, and address book from spec §4.10. The
// higher-level sync/relay protocol (§4.11) is layered on top by the
// syncrelay package, which consumes the Peer and Handler types here.
package p2ptransport

import (
	"encoding/json"

	"github.com/pqcoin/pqnode/txmodel"
)

// MaxFrameSize bounds a single wire frame; larger frames are rejected and
// cost the sender +25 misbehavior.
const MaxFrameSize = 5 * 1024 * 1024

// Message type tags, spec §4.10.
const (
	TypeVersion    = "version"
	TypeVerack     = "verack"
	TypeReject     = "reject"
	TypeGetBlocks  = "getblocks"
	TypeBlocks     = "blocks"
	TypeInv        = "inv"
	TypeGetData    = "getdata"
	TypeTx         = "tx"
	TypeGetHeaders = "getheaders"
	TypeHeaders    = "headers"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeGetAddr    = "getaddr"
	TypeAddr       = "addr"
)

// Envelope is the `{type, payload}` wire message, spec §4.10.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(msgType string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: data}, nil
}

// VersionPayload is exchanged during the handshake.
type VersionPayload struct {
	Height      uint64   `json:"height"`
	GenesisHash [32]byte `json:"genesisHash"`
	Version     uint32   `json:"version"`
}

// RejectPayload explains why a message or block/tx was rejected.
type RejectPayload struct {
	Code        string    `json:"code"`
	Reason      string    `json:"reason"`
	RelatedHash *[32]byte `json:"relatedHash,omitempty"`
}

// GetBlocksPayload requests blocks starting at fromHeight, spec §4.11 IBD.
type GetBlocksPayload struct {
	FromHeight uint64 `json:"fromHeight"`
}

// BlockWire is the on-wire block shape: a serialized header plus its
// transactions, re-derived into a *block.Block by the receiver.
type BlockWire struct {
	Header       []byte                 `json:"header"`
	Hash         [32]byte               `json:"hash"`
	Height       uint64                 `json:"height"`
	Transactions []*txmodel.Transaction `json:"transactions"`
}

// BlocksPayload is the response to getblocks, capped at 50 blocks per
// batch (spec §4.11).
type BlocksPayload struct {
	Blocks []BlockWire `json:"blocks"`
}

// MaxBlocksPerBatch bounds an IBD response batch, spec §4.11.
const MaxBlocksPerBatch = 50

// InvKind distinguishes the two inventory kinds gossiped over inv/getdata.
type InvKind string

const (
	InvBlock InvKind = "block"
	InvTx    InvKind = "tx"
)

// InvPayload announces a new block or transaction hash.
type InvPayload struct {
	Kind InvKind  `json:"type"`
	Hash [32]byte `json:"hash"`
}

// GetDataPayload requests the full contents behind a previously announced
// inventory item.
type GetDataPayload struct {
	Kind InvKind  `json:"type"`
	Hash [32]byte `json:"hash"`
}

// TxPayload carries a single transaction.
type TxPayload struct {
	Tx *txmodel.Transaction `json:"tx"`
}

// MaxLocatorHashes bounds a getheaders block locator, spec §4.10.
const MaxLocatorHashes = 101

// GetHeadersPayload requests headers following a block locator, used for
// fork-point discovery (spec §4.11).
type GetHeadersPayload struct {
	LocatorHashes [][32]byte `json:"locatorHashes"`
}

// HeaderWire is a single serialized block header plus its height.
type HeaderWire struct {
	Header []byte `json:"header"`
	Height uint64 `json:"height"`
}

// HeadersPayload is the response to getheaders.
type HeadersPayload struct {
	Headers []HeaderWire `json:"headers"`
}

// AddrPayload carries a batch of peer addresses for address-book gossip.
type AddrPayload struct {
	Peers []string `json:"peers"`
}
