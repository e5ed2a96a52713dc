package omemo

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
)

const x25519KeyTypePrefix = 0x05

// encodeKey prepends the Curve25519 type byte to a 32-byte raw key,
// producing the 33-byte encoding spec.md §4.4 requires on the wire.
func encodeKey(raw []byte) ([]byte, error) {
	if len(raw) != 32 {
		return nil, ErrInvalidKeyLength
	}
	out := make([]byte, 33)
	out[0] = x25519KeyTypePrefix
	copy(out[1:], raw)
	return out, nil
}

// decodeKey strips and validates the type byte from a 33-byte wire key.
func decodeKey(encoded []byte) ([]byte, error) {
	if len(encoded) != 33 {
		return nil, fmt.Errorf("%w: key length %d, expected 33", ErrWireFormatError, len(encoded))
	}
	if encoded[0] != x25519KeyTypePrefix {
		return nil, fmt.Errorf("%w: unexpected key type byte 0x%02x", ErrWireFormatError, encoded[0])
	}
	return append([]byte(nil), encoded[1:]...), nil
}

// versionByte packs a backend's major/minor version per spec.md §4.4.
func versionByte(major, minor byte) byte {
	return (major << 4) | minor
}

func splitVersionByte(b byte) (major, minor byte) {
	return b >> 4, b & 0x0F
}

const wireMACSize = 8

// EncodeRatchetMessage frames a ratchet message for the wire: version
// byte, structured payload (header + ciphertext), and an 8-byte truncated
// HMAC-SHA-256 over (IK_sender || IK_receiver || version || payload),
// keyed by the ratchet-derived MAC key (spec.md §4.4). The MAC key must
// come from RatchetState.Encrypt or PrepareDecrypt -- never computed
// independently -- so that it is always tied to the exact chain position
// the header advertises.
func EncodeRatchetMessage(version byte, header *RatchetHeader, ciphertext, ikSender, ikReceiver, macKey []byte) ([]byte, error) {
	headerBytes, err := header.MarshalBinary()
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 0, len(headerBytes)+len(ciphertext))
	payload = append(payload, headerBytes...)
	payload = append(payload, ciphertext...)

	framed := make([]byte, 1+len(payload))
	framed[0] = version
	copy(framed[1:], payload)

	macInput := concat(ikSender, ikReceiver, []byte{version}, payload)
	mac := truncatedHMAC(macKey, macInput, wireMACSize)

	out := make([]byte, 0, len(framed)+wireMACSize)
	out = append(out, framed...)
	out = append(out, mac...)
	return out, nil
}

// DecodeRatchetMessage splits a framed ratchet message into its version
// byte, header, ciphertext, and the trailing MAC, without verifying the
// MAC -- the caller must derive the MAC key from the ratchet (which may
// require an as-yet-unverified DH step) before it can check the MAC, per
// the two-phase decrypt flow in RatchetState.PrepareDecrypt.
func DecodeRatchetMessage(wire []byte) (version byte, header *RatchetHeader, ciphertext, mac []byte, err error) {
	if len(wire) < 1+ratchetHeaderSize+wireMACSize {
		return 0, nil, nil, nil, fmt.Errorf("%w: message too short", ErrWireFormatError)
	}
	version = wire[0]
	payload := wire[1 : len(wire)-wireMACSize]
	mac = wire[len(wire)-wireMACSize:]

	h := &RatchetHeader{}
	if err := h.UnmarshalBinary(payload[:ratchetHeaderSize]); err != nil {
		return 0, nil, nil, nil, err
	}
	ciphertext = payload[ratchetHeaderSize:]
	return version, h, ciphertext, mac, nil
}

// VerifyRatchetMessageMAC recomputes and checks the wire-level MAC; callers
// must do this before decrypting the ciphertext DecodeRatchetMessage
// returned.
func VerifyRatchetMessageMAC(version byte, payload, ikSender, ikReceiver, macKey, wantMAC []byte) bool {
	macInput := concat(ikSender, ikReceiver, []byte{version}, payload)
	got := truncatedHMAC(macKey, macInput, wireMACSize)
	return constantTimeEqual(got, wantMAC)
}

// PreKeyMessage is the full pre-key message framing of spec.md §4.4: a
// version byte, a structured payload naming the pre-key material used,
// and a complete embedded ratchet message authenticated with its own MAC.
type PreKeyMessage struct {
	Version       byte
	RegistrationID uint32 // always 0; carried for forward-compat with the wire shape
	OTPKID        uint32
	SPKID         uint32
	EphemeralKey  []byte // 32 bytes raw
	IdentityKey   ed25519.PublicKey
	InnerMessage  []byte // complete framed ratchet message, see EncodeRatchetMessage
}

// Marshal encodes a pre-key message for the wire.
func (m *PreKeyMessage) Marshal() ([]byte, error) {
	ephemeral, err := encodeKey(m.EphemeralKey)
	if err != nil {
		return nil, err
	}
	identity, err := encodeKey(ed25519PublicToX25519RawOrSelf(m.IdentityKey))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 1+4+4+4+len(ephemeral)+len(identity)+4+len(m.InnerMessage))
	buf = append(buf, m.Version)

	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], m.RegistrationID)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], m.OTPKID)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], m.SPKID)
	buf = append(buf, tmp[:]...)

	buf = append(buf, ephemeral...)
	buf = append(buf, identity...)

	binary.BigEndian.PutUint32(tmp[:], uint32(len(m.InnerMessage)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, m.InnerMessage...)
	return buf, nil
}

// UnmarshalPreKeyMessage decodes a pre-key message from the wire.
func UnmarshalPreKeyMessage(data []byte) (*PreKeyMessage, error) {
	if len(data) < 1+4+4+4+33+33+4 {
		return nil, fmt.Errorf("%w: pre-key message too short", ErrWireFormatError)
	}
	m := &PreKeyMessage{Version: data[0]}
	off := 1

	m.RegistrationID = binary.BigEndian.Uint32(data[off:])
	off += 4
	m.OTPKID = binary.BigEndian.Uint32(data[off:])
	off += 4
	m.SPKID = binary.BigEndian.Uint32(data[off:])
	off += 4

	ephemeral, err := decodeKey(data[off : off+33])
	if err != nil {
		return nil, err
	}
	off += 33
	m.EphemeralKey = ephemeral

	identityRaw, err := decodeKey(data[off : off+33])
	if err != nil {
		return nil, err
	}
	off += 33
	m.IdentityKey = ed25519.PublicKey(identityRaw)

	innerLen := binary.BigEndian.Uint32(data[off:])
	off += 4
	if off+int(innerLen) != len(data) {
		return nil, fmt.Errorf("%w: inner message length mismatch", ErrWireFormatError)
	}
	m.InnerMessage = append([]byte(nil), data[off:]...)
	return m, nil
}

// ed25519PublicToX25519RawOrSelf exists because the pre-key message
// embeds the sender's Ed25519 identity key using the same 0x05-prefixed
// 33-byte encoding as X25519 keys (spec.md §4.4): the raw 32 bytes
// carried are the Ed25519 public key bytes themselves, not an X25519
// conversion, since the receiver needs the Ed25519 key to verify
// signatures and re-derives X25519 material itself when needed.
func ed25519PublicToX25519RawOrSelf(pub ed25519.PublicKey) []byte {
	return []byte(pub)
}
