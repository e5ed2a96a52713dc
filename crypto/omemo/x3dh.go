package omemo

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"fmt"
)

var x3dhPad = func() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}()

// X3DHParams configures one backend's X3DH pre-key economy (spec.md §4.2,
// §7, supplemented from the min_num_otpks/max_num_otpks naming of the
// original python-omemo x3dh config this core was distilled from).
type X3DHParams struct {
	Info              string // HKDF info string for the shared-secret derivation
	MinOTPKs          int    // refill threshold
	MaxOTPKs          int    // target pool size
	SPKRotationPeriod int64  // seconds; 0 disables automatic rotation
}

// DefaultX3DHParams mirrors the legacy-backend constants: a pool of 100
// one-time pre-keys refilled once it drops to 99, and weekly SPK rotation.
func DefaultX3DHParams() *X3DHParams {
	return &X3DHParams{
		Info:              "OMEMO X3DH",
		MinOTPKs:          99,
		MaxOTPKs:          100,
		SPKRotationPeriod: 7 * 24 * 60 * 60,
	}
}

// SignedPreKeyRecord is a signed pre-key together with its private scalar.
type SignedPreKeyRecord struct {
	ID         uint32
	PrivateKey *ecdh.PrivateKey
	PublicKey  []byte
	Signature  []byte
	CreatedAt  int64
}

// PreKeyRecord is a one-time pre-key together with its private scalar.
type PreKeyRecord struct {
	ID         uint32
	PrivateKey *ecdh.PrivateKey
	PublicKey  []byte
}

// otpkBindingState is the lifecycle of a one-time pre-key, per spec.md
// §4.2's OTPK release policy: AVAILABLE keys sit in the pool and are
// offered in the published bundle; an incoming pre-key message that uses
// one moves it to BOUND (InitSessionPassive); the policy later resolves a
// BOUND key to either RELEASED (deleted) or KEPT (retained for
// hidden/replay-tolerant decryption).
type otpkBindingState int

const (
	otpkAvailable otpkBindingState = iota
	otpkBound
	otpkReleased
	otpkKept
)

type otpkBinding struct {
	state otpkBindingState
}

// X3DHState is one backend's pre-key material for one local account:
// the current (and recently retired) signed pre-keys, the one-time
// pre-key pool, and the binding table tracking which OTPKs have been
// used by incoming pre-key messages and whether they are safe to release
// (spec.md §4.2).
type X3DHState struct {
	Params *X3DHParams

	identity *IdentityKeyPair

	currentSPK *SignedPreKeyRecord
	oldSPKs    map[uint32]*SignedPreKeyRecord

	otpks       map[uint32]*PreKeyRecord
	bindings    map[uint32]*otpkBinding
	hiddenOTPKs map[uint32]bool

	nextSPKID  uint32
	nextOTPKID uint32
}

// NewX3DHState generates an initial signed pre-key and a full pool of
// one-time pre-keys for a freshly provisioned backend.
func NewX3DHState(identity *IdentityKeyPair, params *X3DHParams) (*X3DHState, error) {
	s := &X3DHState{
		Params:      params,
		identity:    identity,
		oldSPKs:     make(map[uint32]*SignedPreKeyRecord),
		otpks:       make(map[uint32]*PreKeyRecord),
		bindings:    make(map[uint32]*otpkBinding),
		hiddenOTPKs: make(map[uint32]bool),
		nextSPKID:   1,
		nextOTPKID:  1,
	}
	if _, err := s.rotateSPK(0, false); err != nil {
		return nil, err
	}
	if err := s.refillOTPKs(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *X3DHState) generateSignedPreKey(id uint32, now int64) (*SignedPreKeyRecord, error) {
	key, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	pub := key.PublicKey().Bytes()
	enforce := true
	sig, err := s.identity.Sign(pub, &enforce)
	if err != nil {
		return nil, err
	}
	return &SignedPreKeyRecord{ID: id, PrivateKey: key, PublicKey: pub, Signature: sig, CreatedAt: now}, nil
}

// rotateSPK replaces the current signed pre-key with a fresh one, retiring
// the old one into oldSPKs so in-flight pre-key messages that reference it
// can still be answered. If deferred is true (a history sync is in
// progress, spec.md §4.7 before_history_sync) the caller should not invoke
// this even when the rotation period has elapsed.
func (s *X3DHState) rotateSPK(now int64, deferred bool) (*SignedPreKeyRecord, error) {
	if deferred {
		return s.currentSPK, nil
	}
	spk, err := s.generateSignedPreKey(s.nextSPKID, now)
	if err != nil {
		return nil, err
	}
	s.nextSPKID++
	if s.currentSPK != nil {
		s.oldSPKs[s.currentSPK.ID] = s.currentSPK
	}
	s.currentSPK = spk
	return spk, nil
}

// SPKPrivate returns the private key for a signed pre-key by ID, looking
// in the current key first and then the retired ones, so a pre-key
// message referencing a just-rotated SPK can still be answered.
func (s *X3DHState) SPKPrivate(id uint32) (*ecdh.PrivateKey, error) {
	if s.currentSPK != nil && s.currentSPK.ID == id {
		return s.currentSPK.PrivateKey, nil
	}
	if spk, ok := s.oldSPKs[id]; ok {
		return spk.PrivateKey, nil
	}
	return nil, fmt.Errorf("%w: spk id %d", ErrUnknownSignedPreKey, id)
}

// MaybeRotateSPK rotates the signed pre-key if SPKRotationPeriod has
// elapsed since it was created, unless deferred (a history sync is in
// progress).
func (s *X3DHState) MaybeRotateSPK(now int64, deferred bool) error {
	if s.Params.SPKRotationPeriod <= 0 || s.currentSPK == nil {
		return nil
	}
	if deferred {
		return nil
	}
	if now-s.currentSPK.CreatedAt < s.Params.SPKRotationPeriod {
		return nil
	}
	_, err := s.rotateSPK(now, false)
	return err
}

func (s *X3DHState) refillOTPKs() error {
	for s.availableOTPKCount() < s.Params.MaxOTPKs {
		key, err := GenerateX25519KeyPair()
		if err != nil {
			return err
		}
		id := s.nextOTPKID
		s.nextOTPKID++
		s.otpks[id] = &PreKeyRecord{ID: id, PrivateKey: key, PublicKey: key.PublicKey().Bytes()}
		s.bindings[id] = &otpkBinding{state: otpkAvailable}
	}
	return nil
}

func (s *X3DHState) availableOTPKCount() int {
	n := 0
	for id, b := range s.bindings {
		if b.state == otpkAvailable {
			if _, ok := s.otpks[id]; ok {
				n++
			}
		}
	}
	return n
}

// GetPublicBundle returns the public-key bundle to publish, refilling the
// one-time pre-key pool first if it has dropped to Params.MinOTPKs
// (spec.md §4.2).
func (s *X3DHState) GetPublicBundle() (*Bundle, error) {
	if s.availableOTPKCount() <= s.Params.MinOTPKs {
		if err := s.refillOTPKs(); err != nil {
			return nil, err
		}
	}

	preKeys := make([]BundlePreKey, 0, s.availableOTPKCount())
	for id, b := range s.bindings {
		if b.state != otpkAvailable {
			continue
		}
		pk, ok := s.otpks[id]
		if !ok {
			continue
		}
		preKeys = append(preKeys, BundlePreKey{ID: pk.ID, PublicKey: pk.PublicKey})
	}

	return &Bundle{
		IdentityKey:           s.identity.IdentityKey(),
		SignedPreKey:          s.currentSPK.PublicKey,
		SignedPreKeyID:        s.currentSPK.ID,
		SignedPreKeySignature: s.currentSPK.Signature,
		PreKeys:               preKeys,
	}, nil
}

// bindOTPK marks a one-time pre-key as consumed by an incoming pre-key
// message, starting the release-policy clock (spec.md §4.2).
func (s *X3DHState) bindOTPK(id uint32) {
	if b, ok := s.bindings[id]; ok {
		b.state = otpkBound
	}
}

// ReleaseOTPK deletes a bound one-time pre-key's private material,
// invoked once the OTPKPolicy decides it is safe to forget
// (spec.md §4.2, §7).
func (s *X3DHState) ReleaseOTPK(id uint32) {
	delete(s.otpks, id)
	if b, ok := s.bindings[id]; ok {
		b.state = otpkReleased
	}
}

// KeepOTPK marks a bound one-time pre-key as retained rather than
// released, e.g. because the policy has not yet decided, or the host asked
// to keep it for a hidden/replay-tolerant session.
func (s *X3DHState) KeepOTPK(id uint32) {
	if b, ok := s.bindings[id]; ok {
		b.state = otpkKept
	}
}

// X3DHResult is the outcome of a completed key agreement: the derived
// shared secret plus whatever wire-visible material the other side needs
// to perform the same computation.
type X3DHResult struct {
	SharedSecret    []byte
	EphemeralPubKey []byte
	UsedSPKID       uint32
	UsedOTPKID      *uint32
}

// InitSessionActive performs the active (initiating) side of X3DH against
// a peer's fetched bundle (spec.md §4.2, DH1..DH4). It verifies the
// signed pre-key's signature before using it.
func InitSessionActive(localIdentity *IdentityKeyPair, remoteBundle *Bundle, params *X3DHParams) (*X3DHResult, error) {
	// generateSignedPreKey signs with the public key's sign bit forced to 1,
	// so such a signature verifies against the identity key with that bit set.
	signBitKey := append([]byte(nil), remoteBundle.IdentityKey...)
	if len(signBitKey) == ed25519.PublicKeySize {
		signBitKey[31] |= 0x80
	}
	if !Verify(remoteBundle.SignedPreKey, remoteBundle.SignedPreKeySignature, remoteBundle.IdentityKey) &&
		!Verify(remoteBundle.SignedPreKey, remoteBundle.SignedPreKeySignature, signBitKey) {
		return nil, ErrInvalidSignature
	}

	ephemeral, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	localX25519, err := localIdentity.x25519Private()
	if err != nil {
		return nil, err
	}
	remoteX25519Pub, err := Ed25519PublicKeyToX25519(remoteBundle.IdentityKey)
	if err != nil {
		return nil, err
	}

	dh1, err := x25519DH(localX25519, remoteBundle.SignedPreKey)
	if err != nil {
		return nil, err
	}
	dh2, err := x25519DH(ephemeral, remoteX25519Pub)
	if err != nil {
		return nil, err
	}
	dh3, err := x25519DH(ephemeral, remoteBundle.SignedPreKey)
	if err != nil {
		return nil, err
	}

	ikm := concat(x3dhPad, dh1, dh2, dh3)

	var usedOTPK *uint32
	if len(remoteBundle.PreKeys) > 0 {
		opk := remoteBundle.PreKeys[0]
		dh4, err := x25519DH(ephemeral, opk.PublicKey)
		if err != nil {
			return nil, err
		}
		ikm = concat(ikm, dh4)
		id := opk.ID
		usedOTPK = &id
	}

	sk, err := hkdfSHA256(make([]byte, 32), ikm, []byte(params.Info), 32)
	if err != nil {
		return nil, err
	}

	return &X3DHResult{
		SharedSecret:    sk,
		EphemeralPubKey: ephemeral.PublicKey().Bytes(),
		UsedSPKID:       remoteBundle.SignedPreKeyID,
		UsedOTPKID:      usedOTPK,
	}, nil
}

// InitSessionPassive performs the passive (responding) side of X3DH using
// the backend's own pre-key state and the key-exchange material the
// initiator sent. It returns ErrUnknownSignedPreKey or ErrOTPKNotFound if
// the initiator referenced pre-keys this state no longer has, which can
// legitimately happen after an SPK rotation or OTPK release raced the
// incoming message.
func (s *X3DHState) InitSessionPassive(remoteIdentityKey ed25519.PublicKey, ephemeralPubKey []byte, spkID uint32, otpkID *uint32) (*X3DHResult, error) {
	spk := s.currentSPK
	if spk == nil || spk.ID != spkID {
		var ok bool
		spk, ok = s.oldSPKs[spkID]
		if !ok {
			return nil, fmt.Errorf("%w: spk id %d", ErrUnknownSignedPreKey, spkID)
		}
	}

	remoteX25519Pub, err := Ed25519PublicKeyToX25519(remoteIdentityKey)
	if err != nil {
		return nil, err
	}
	localX25519, err := s.identity.x25519Private()
	if err != nil {
		return nil, err
	}

	dh1, err := x25519DH(spk.PrivateKey, remoteX25519Pub)
	if err != nil {
		return nil, err
	}
	dh2, err := x25519DH(localX25519, ephemeralPubKey)
	if err != nil {
		return nil, err
	}
	dh3, err := x25519DH(spk.PrivateKey, ephemeralPubKey)
	if err != nil {
		return nil, err
	}

	ikm := concat(x3dhPad, dh1, dh2, dh3)

	if otpkID != nil {
		otpk, ok := s.otpks[*otpkID]
		if !ok {
			return nil, fmt.Errorf("%w: otpk id %d", ErrOTPKNotFound, *otpkID)
		}
		dh4, err := x25519DH(otpk.PrivateKey, ephemeralPubKey)
		if err != nil {
			return nil, err
		}
		ikm = concat(ikm, dh4)
		s.bindOTPK(*otpkID)
	}

	sk, err := hkdfSHA256(make([]byte, 32), ikm, []byte(s.Params.Info), 32)
	if err != nil {
		return nil, err
	}

	return &X3DHResult{SharedSecret: sk, EphemeralPubKey: ephemeralPubKey, UsedSPKID: spkID, UsedOTPKID: otpkID}, nil
}
