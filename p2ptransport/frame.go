package p2ptransport

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// ErrFrameTooLarge is returned by readFrame when a peer's declared frame
// length exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds MaxFrameSize")

// writeEnvelope writes one `u32 big-endian length ‖ utf-8 JSON` frame.
func writeEnvelope(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "failed to marshal envelope")
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return errors.Wrap(err, "failed to write frame length")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "failed to write frame body")
	}
	return nil
}

// readEnvelope reads and decodes one length-prefixed frame.
func readEnvelope(r io.Reader) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, err
	}
	frameLen := binary.BigEndian.Uint32(lenPrefix[:])
	if frameLen > MaxFrameSize {
		return Envelope{}, ErrFrameTooLarge
	}
	buf := make([]byte, frameLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, errors.Wrap(err, "failed to read frame body")
	}
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "failed to decode envelope")
	}
	return env, nil
}
