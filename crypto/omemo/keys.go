package omemo

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"math/big"

	"filippo.io/edwards25519"
)

// IdentityKeyPair is the single long-lived Ed25519 identity key pair shared
// by every backend for an account (spec.md §3, §4.1). It also offers
// X25519-compatible Diffie-Hellman via the Ed25519/X25519 birational
// equivalence, so X3DH can tie its key agreement to the same identity that
// signs bundles.
type IdentityKeyPair struct {
	isSeed bool
	seed   []byte // present when isSeed
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
}

const (
	storageKeyIsSeed = "/ik/is_seed"
	storageKeyIKBytes = "/ik/key"
)

// ObtainIdentityKeyPair returns the unique identity key pair for this
// storage, generating and persisting a fresh one on first use. There is
// only one identity key pair per account; every call against the same
// storage returns the same key (spec.md §4.1, §8 "Identity-key stability").
func ObtainIdentityKeyPair(ctx context.Context, storage Storage) (*IdentityKeyPair, error) {
	isSeedOpt, err := storage.LoadBool(ctx, storageKeyIsSeed)
	if err != nil {
		return nil, err
	}

	isSeed, present := isSeedOpt.Get()
	if !present {
		isSeed = true
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
		if err := storage.StoreBool(ctx, storageKeyIsSeed, true); err != nil {
			return nil, err
		}
		if err := storage.StoreBytes(ctx, storageKeyIKBytes, seed); err != nil {
			return nil, err
		}
	}

	keyOpt, err := storage.LoadBytes(ctx, storageKeyIKBytes)
	if err != nil {
		return nil, err
	}
	key, present := keyOpt.Get()
	if !present {
		return nil, ErrInvalidKeyLength
	}

	ikp := &IdentityKeyPair{isSeed: isSeed}
	if isSeed {
		ikp.seed = key
		ikp.priv = ed25519.NewKeyFromSeed(key)
	} else {
		ikp.priv = ed25519.PrivateKey(key)
	}
	ikp.pub = ikp.priv.Public().(ed25519.PublicKey)
	return ikp, nil
}

// IdentityKey returns the Ed25519 public identity key.
func (ikp *IdentityKeyPair) IdentityKey() ed25519.PublicKey {
	return ikp.pub
}

// Sign produces a 64-byte Ed25519 signature over message.
//
// When enforceSign is nil, standard deterministic EdDSA signing is used.
// When non-nil, the sign bit of the public key used for verification is
// forced to the given value before signing (XEdDSA-compatible, required so
// that a signed pre-key's signature and its later use as an X25519 key via
// the birational conversion agree on the same curve point -- see
// SPEC_FULL.md §7 and the "enforce_ed25519_pub_sign" parameter of the
// original python-omemo identity_key_pair.py this core was distilled from).
func (ikp *IdentityKeyPair) Sign(message []byte, enforceSign *bool) ([]byte, error) {
	if enforceSign == nil {
		return ed25519.Sign(ikp.priv, message), nil
	}

	seed := ikp.seedBytes()
	h := sha512.Sum512(seed)

	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, err
	}
	prefix := h[32:64]

	pubPoint := edwards25519.NewIdentityPoint().ScalarBaseMult(scalar)
	pubBytes := pubPoint.Bytes()

	wantBit := byte(0)
	if *enforceSign {
		wantBit = 0x80
	}
	if pubBytes[31]&0x80 != wantBit {
		scalar = edwards25519.NewScalar().Negate(scalar)
		pubPoint = edwards25519.NewIdentityPoint().ScalarBaseMult(scalar)
		pubBytes = pubPoint.Bytes()
	}

	nonceHash := sha512.Sum512(append(append([]byte{}, prefix...), message...))
	nonce, err := edwards25519.NewScalar().SetUniformBytes(nonceHash[:])
	if err != nil {
		return nil, err
	}
	r := edwards25519.NewIdentityPoint().ScalarBaseMult(nonce)
	rBytes := r.Bytes()

	kHash := sha512.Sum512(concat(rBytes, pubBytes, message))
	k, err := edwards25519.NewScalar().SetUniformBytes(kHash[:])
	if err != nil {
		return nil, err
	}

	s := edwards25519.NewScalar().MultiplyAdd(k, scalar, nonce)

	sig := make([]byte, 64)
	copy(sig[:32], rBytes)
	copy(sig[32:], s.Bytes())
	return sig, nil
}

// seedBytes returns the 32-byte seed backing this key pair, deriving it is
// not possible if the pair was loaded from a raw scalar rather than a seed;
// enforceSign signing requires a seed-backed pair, which is always the case
// for pairs created by ObtainIdentityKeyPair.
func (ikp *IdentityKeyPair) seedBytes() []byte {
	if ikp.isSeed {
		return ikp.seed
	}
	return ikp.priv.Seed()
}

// Verify checks a standard Ed25519 signature.
func Verify(message, signature, identityKey []byte) bool {
	return ed25519.Verify(identityKey, message, signature)
}

// GenerateX25519KeyPair generates a fresh X25519 key pair (used for
// ephemeral keys, signed pre-keys, and one-time pre-keys).
func GenerateX25519KeyPair() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

// p is the field prime 2^255 - 19, used by the birational conversion below.
var curve25519FieldPrime = func() *big.Int {
	p := new(big.Int).SetBit(new(big.Int), 255, 1)
	p.Sub(p, big.NewInt(19))
	return p
}()

// Ed25519PrivateKeyToX25519 converts an Ed25519 seed to an X25519 private
// key: hash the seed with SHA-512, clamp the first 32 bytes, use as scalar.
func Ed25519PrivateKeyToX25519(edPriv ed25519.PrivateKey) (*ecdh.PrivateKey, error) {
	seed := edPriv.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return ecdh.X25519().NewPrivateKey(h[:32])
}

// Ed25519PublicKeyToX25519 converts an Ed25519 public key to its X25519
// Montgomery-form public key via u = (1+y)/(1-y) mod p.
func Ed25519PublicKeyToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	if len(edPub) != ed25519.PublicKeySize {
		return nil, ErrInvalidKeyLength
	}

	yBytes := make([]byte, 32)
	copy(yBytes, edPub)
	yBytes[31] &= 0x7F

	reversed := make([]byte, 32)
	for i := range 32 {
		reversed[i] = yBytes[31-i]
	}
	y := new(big.Int).SetBytes(reversed)

	one := big.NewInt(1)
	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, curve25519FieldPrime)

	denominator := new(big.Int).Sub(new(big.Int).Set(one), y)
	denominator.Mod(denominator, curve25519FieldPrime)

	denomInv := new(big.Int).ModInverse(denominator, curve25519FieldPrime)
	if denomInv == nil {
		return nil, ErrInvalidKeyLength
	}

	u := new(big.Int).Mul(numerator, denomInv)
	u.Mod(u, curve25519FieldPrime)

	uBytes := make([]byte, 32)
	uBig := u.Bytes()
	for i, b := range uBig {
		uBytes[len(uBig)-1-i] = b
	}
	return uBytes, nil
}

// x25519DH performs an X25519 Diffie-Hellman exchange.
func x25519DH(privateKey *ecdh.PrivateKey, publicKeyBytes []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(publicKeyBytes)
	if err != nil {
		return nil, err
	}
	return privateKey.ECDH(pub)
}

// DiffieHellman computes X25519(own scalar, curve25519(other ed25519 pub)),
// tying X3DH's use of identity keys to the shared Ed25519 identity.
func (ikp *IdentityKeyPair) DiffieHellman(otherIdentityKey ed25519.PublicKey) ([]byte, error) {
	localX25519, err := ikp.x25519Private()
	if err != nil {
		return nil, err
	}
	remoteX25519Pub, err := Ed25519PublicKeyToX25519(otherIdentityKey)
	if err != nil {
		return nil, err
	}
	return x25519DH(localX25519, remoteX25519Pub)
}

func (ikp *IdentityKeyPair) x25519Private() (*ecdh.PrivateKey, error) {
	return Ed25519PrivateKeyToX25519(ikp.priv)
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
