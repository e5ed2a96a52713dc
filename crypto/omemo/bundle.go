package omemo

import "crypto/ed25519"

// Bundle is the public key material a device publishes so others can
// initiate X3DH key agreement with it (spec.md §3, §4.2).
type Bundle struct {
	IdentityKey           ed25519.PublicKey
	SignedPreKey          []byte // 32 bytes, X25519 public key
	SignedPreKeyID        uint32
	SignedPreKeySignature []byte // Ed25519 signature over SignedPreKey
	PreKeys               []BundlePreKey
}

// BundlePreKey is one published one-time pre-key.
type BundlePreKey struct {
	ID        uint32
	PublicKey []byte // 32 bytes, X25519
}
