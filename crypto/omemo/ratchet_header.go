package omemo

import (
	"encoding/binary"
	"fmt"
)

// RatchetHeader carries the public information sent with each ratchet
// message: the sender's current DH ratchet public key, its message number
// within the current sending chain, and the length of the previous sending
// chain (spec.md §4.3).
type RatchetHeader struct {
	DHPub []byte // 32 bytes, X25519 public ratchet key
	N     uint32 // message number in sending chain
	PN    uint32 // previous sending chain length
}

const ratchetHeaderSize = 32 + 4 + 4

func (h *RatchetHeader) MarshalBinary() ([]byte, error) {
	if len(h.DHPub) != 32 {
		return nil, ErrInvalidKeyLength
	}
	buf := make([]byte, ratchetHeaderSize)
	copy(buf[:32], h.DHPub)
	binary.BigEndian.PutUint32(buf[32:36], h.N)
	binary.BigEndian.PutUint32(buf[36:40], h.PN)
	return buf, nil
}

func (h *RatchetHeader) UnmarshalBinary(data []byte) error {
	if len(data) != ratchetHeaderSize {
		return fmt.Errorf("%w: header size %d, expected %d", ErrWireFormatError, len(data), ratchetHeaderSize)
	}
	h.DHPub = make([]byte, 32)
	copy(h.DHPub, data[:32])
	h.N = binary.BigEndian.Uint32(data[32:36])
	h.PN = binary.BigEndian.Uint32(data[36:40])
	return nil
}
