package session

import (
	"encoding/binary"
	"errors"

	"github.com/nightglass/solace/internal/ratchet"
)

// encodeMessage serializes a ratchet.Message as a length-prefixed header
// followed by the raw ciphertext, the shape SignedRatchetMessage.Data
// carries on the wire.
func encodeMessage(msg ratchet.Message) []byte {
	hdr := msg.Header.Append(nil)
	buf := make([]byte, 0, 8+len(hdr)+len(msg.Ciphertext))
	var l [8]byte
	binary.BigEndian.PutUint64(l[:], uint64(len(hdr)))
	buf = append(buf, l[:]...)
	buf = append(buf, hdr...)
	buf = append(buf, msg.Ciphertext...)
	return buf
}

func decodeMessage(data []byte) (ratchet.Message, error) {
	if len(data) < 8 {
		return ratchet.Message{}, errors.New("session: truncated message")
	}
	hlen := binary.BigEndian.Uint64(data[:8])
	data = data[8:]
	if uint64(len(data)) < hlen {
		return ratchet.Message{}, errors.New("session: truncated message header")
	}
	var h ratchet.Header
	if err := h.Decode(data[:hlen]); err != nil {
		return ratchet.Message{}, err
	}
	return ratchet.Message{
		Header:     h,
		Ciphertext: append([]byte(nil), data[hlen:]...),
	}, nil
}
