// Package block implements the block header, merkle tree, and static
// block validation from spec §3 and §4.3.
package block

import (
	"bytes"
	"encoding/binary"

	"github.com/pqcoin/pqnode/crypto"
)

// HeaderSize is the fixed little-endian serialized size of a BlockHeader:
// version(4) ‖ previousHash(32) ‖ merkleRoot(32) ‖ timestamp(8) ‖ target(32) ‖ nonce(4).
const HeaderSize = 4 + 32 + 32 + 8 + 32 + 4

// Header is the 112-byte block header, spec §3.
type Header struct {
	Version      uint32
	PreviousHash [32]byte
	MerkleRoot   [32]byte
	Timestamp    uint64
	Target       [32]byte
	Nonce        uint32
}

// Serialize produces the canonical little-endian byte encoding whose
// double-SHA-256 is the block hash. This encoding is the one place byte-
// identical compatibility across implementations is mandatory (spec §6).
func (h *Header) Serialize() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(HeaderSize)
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], h.Version)
	buf.Write(v[:])
	buf.Write(h.PreviousHash[:])
	buf.Write(h.MerkleRoot[:])
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], h.Timestamp)
	buf.Write(ts[:])
	buf.Write(h.Target[:])
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], h.Nonce)
	buf.Write(n[:])
	return buf.Bytes()
}

// DeserializeHeader is the inverse of Serialize.
func DeserializeHeader(data []byte) (*Header, error) {
	if len(data) != HeaderSize {
		return nil, errInvalidHeaderSize(len(data))
	}
	h := &Header{}
	h.Version = binary.LittleEndian.Uint32(data[0:4])
	copy(h.PreviousHash[:], data[4:36])
	copy(h.MerkleRoot[:], data[36:68])
	h.Timestamp = binary.LittleEndian.Uint64(data[68:76])
	copy(h.Target[:], data[76:108])
	h.Nonce = binary.LittleEndian.Uint32(data[108:112])
	return h, nil
}

// Hash computes the block hash: doubleSHA256(serialized header).
func (h *Header) Hash() [32]byte {
	return crypto.DoubleSha256(h.Serialize())
}

type invalidHeaderSizeError struct{ got int }

func (e invalidHeaderSizeError) Error() string {
	return "invalid header size"
}

func errInvalidHeaderSize(got int) error {
	return invalidHeaderSizeError{got: got}
}
