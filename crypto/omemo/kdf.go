package omemo

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfSHA256 derives a key of the given length using HKDF-SHA-256.
func hkdfSHA256(salt, ikm, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// chainKDF derives a message key and the next chain key from a chain key,
// per spec.md §4.3: HMAC-SHA-256 with constants 0x01 (message key) and 0x02
// (chain key advance).
func chainKDF(chainKey []byte) (messageKey, nextChainKey []byte) {
	mk := hmac.New(sha256.New, chainKey)
	mk.Write([]byte{0x01})
	messageKey = mk.Sum(nil)

	ck := hmac.New(sha256.New, chainKey)
	ck.Write([]byte{0x02})
	nextChainKey = ck.Sum(nil)

	return messageKey, nextChainKey
}

// rootKDF derives a new root key and chain key from the current root key and
// a DH output, using the backend's root-chain info string.
func rootKDF(rootKey, dhOutput []byte, info string) (newRootKey, newChainKey []byte, err error) {
	out, err := hkdfSHA256(rootKey, dhOutput, []byte(info), 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// messageKeyMaterial derives the encryption key, MAC key, and IV for a
// ratchet message's CBC+HMAC AEAD from a message key, per spec.md §4.3:
// 80 bytes of HKDF-SHA-256 output split 32||32||16.
func messageKeyMaterial(messageKey []byte, info string) (encKey, macKey, iv []byte, err error) {
	out, err := hkdfSHA256(make([]byte, 32), messageKey, []byte(info), 80)
	if err != nil {
		return nil, nil, nil, err
	}
	return out[:32], out[32:64], out[64:80], nil
}
