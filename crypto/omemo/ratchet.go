package omemo

import (
	"crypto/ecdh"
)

// RatchetParams configures a Double Ratchet instance per backend
// (spec.md §4.3, Open Question on per-backend KDF parameterization). Two
// backends running inside the same SessionManager use distinct info
// strings so their derived keys never collide even when, improbably, a
// root key were ever reused.
type RatchetParams struct {
	RootInfo        string
	MessageKeyInfo  string
	MaxSkipPerMsg   int // max chain steps skipped to satisfy a single header
	MaxSkipPerChain int // max skipped-key entries retained for the whole session
}

// DefaultRatchetParams mirrors the legacy backend constants.
func DefaultRatchetParams() *RatchetParams {
	return &RatchetParams{
		RootInfo:        "OMEMO Root Chain",
		MessageKeyInfo:  "OMEMO Message Key Material",
		MaxSkipPerMsg:   1000,
		MaxSkipPerChain: 1000,
	}
}

type skippedKeyID struct {
	dhPub [32]byte
	n     uint32
}

// RatchetState is the Double Ratchet state for one session (spec.md §4.3):
// a DH ratchet producing fresh root/chain keys on every direction change,
// layered over two symmetric KDF chains (sending and receiving).
type RatchetState struct {
	Params *RatchetParams

	DHs *ecdh.PrivateKey // our current ratchet key pair
	DHr []byte           // their current ratchet public key, nil before first receive

	RK  []byte // 32 bytes
	CKs []byte // sending chain key, nil until first DH ratchet step as sender
	CKr []byte // receiving chain key, nil until first DH ratchet step as receiver

	Ns, Nr uint32 // next message number in sending / receiving chain
	PN     uint32 // length of previous sending chain

	skipped      map[skippedKeyID][]byte
	skippedOrder []skippedKeyID // oldest-first, for MaxSkipPerChain eviction
}

// NewRatchetAsInitiator initializes the ratchet for the party that
// performed the active X3DH role: it already knows the responder's signed
// pre-key and immediately generates its own first DH ratchet key pair so
// the first message it sends carries a fresh DH public key.
func NewRatchetAsInitiator(params *RatchetParams, sharedSecret, theirRatchetPub []byte) (*RatchetState, error) {
	dhs, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	dhOut, err := x25519DH(dhs, theirRatchetPub)
	if err != nil {
		return nil, err
	}
	rk, cks, err := rootKDF(sharedSecret, dhOut, params.RootInfo)
	if err != nil {
		return nil, err
	}
	return &RatchetState{
		Params:  params,
		DHs:     dhs,
		DHr:     append([]byte(nil), theirRatchetPub...),
		RK:      rk,
		CKs:     cks,
		skipped: make(map[skippedKeyID][]byte),
	}, nil
}

// NewRatchetAsResponder initializes the ratchet for the party that
// performed the passive X3DH role, reusing its signed pre-key pair as the
// initial DH ratchet key. It has no sending chain until it receives the
// initiator's first message and performs its own DH ratchet step.
func NewRatchetAsResponder(params *RatchetParams, sharedSecret []byte, ownRatchetKey *ecdh.PrivateKey) *RatchetState {
	return &RatchetState{
		Params:  params,
		DHs:     ownRatchetKey,
		RK:      append([]byte(nil), sharedSecret...),
		skipped: make(map[skippedKeyID][]byte),
	}
}

// Encrypt advances the sending chain by one step and returns the header and
// CBC-encrypted (unauthenticated) ciphertext plus the MAC key the caller
// must use to authenticate the framed wire message (spec.md §4.3/§4.4).
func (s *RatchetState) Encrypt(plaintext []byte) (header *RatchetHeader, ciphertext, macKey []byte, err error) {
	if s.CKs == nil {
		return nil, nil, nil, ErrNoSession
	}

	mk, nextCK := chainKDF(s.CKs)
	s.CKs = nextCK

	pub := s.DHs.PublicKey().Bytes()
	header = &RatchetHeader{DHPub: append([]byte(nil), pub...), N: s.Ns, PN: s.PN}
	s.Ns++

	encKey, mKey, iv, err := messageKeyMaterial(mk, s.Params.MessageKeyInfo)
	if err != nil {
		return nil, nil, nil, err
	}
	ciphertext, err = cbcEncrypt(encKey, iv, plaintext)
	if err != nil {
		return nil, nil, nil, err
	}
	return header, ciphertext, mKey, nil
}

// decryptPlan is the result of walking the ratchet forward to the point
// needed to satisfy an incoming header, without committing any state
// change -- spec.md §7 requires that an authentication failure leave the
// session untouched, so all mutation is staged here and applied only by
// Open, which PrepareDecrypt's caller invokes after the wire-level MAC
// (keyed by MACKey) has been verified.
type decryptPlan struct {
	state    *RatchetState
	encKey   []byte
	iv       []byte
	fromSkip bool
	skipID   skippedKeyID
}

// preparedDecrypt is staged ratchet state plus the MAC key the caller must
// use to verify the wire-level truncated HMAC before calling Open.
type preparedDecrypt struct {
	decryptPlan
	macKey []byte
}

// MACKey is the key the caller must use to verify the wire-level truncated
// HMAC before calling Open.
func (p *preparedDecrypt) MACKey() []byte { return p.macKey }

// PrepareDecrypt walks the ratchet (performing a DH step and/or skipping
// messages as needed) far enough to derive the keys for header, without
// mutating the live state. Call Open on the returned plan only after the
// wire-level MAC has verified.
func (s *RatchetState) PrepareDecrypt(header *RatchetHeader) (*preparedDecrypt, error) {
	if existing, ok := s.skipped[skippedKeyID{dhPub32(header.DHPub), header.N}]; ok {
		encKey, macKey, iv, err := messageKeyMaterial(existing, s.Params.MessageKeyInfo)
		if err != nil {
			return nil, err
		}
		clone := s.clone()
		return &preparedDecrypt{
			decryptPlan: decryptPlan{state: clone, encKey: encKey, iv: iv, fromSkip: true, skipID: skippedKeyID{dhPub32(header.DHPub), header.N}},
			macKey:      macKey,
		}, nil
	}

	clone := s.clone()

	if clone.DHr == nil || !constantTimeEqual(clone.DHr, header.DHPub) {
		if clone.CKr != nil {
			if err := clone.skipChainKeys(clone.CKr, clone.Nr, header.PN); err != nil {
				return nil, err
			}
		}
		if err := clone.dhRatchetStep(header.DHPub); err != nil {
			return nil, err
		}
	}

	if err := clone.skipChainKeys(clone.CKr, clone.Nr, header.N); err != nil {
		return nil, err
	}

	mk, nextCK := chainKDF(clone.CKr)
	clone.CKr = nextCK
	clone.Nr = header.N + 1

	encKey, macKey, iv, err := messageKeyMaterial(mk, clone.Params.MessageKeyInfo)
	if err != nil {
		return nil, err
	}
	return &preparedDecrypt{
		decryptPlan: decryptPlan{state: clone, encKey: encKey, iv: iv},
		macKey:      macKey,
	}, nil
}

// Open decrypts ciphertext using the keys staged by PrepareDecrypt and, on
// success, commits the staged ratchet state change into the live
// RatchetState. Call this only after the wire-level MAC verified.
func (p *preparedDecrypt) Open(live *RatchetState, ciphertext []byte) ([]byte, error) {
	plaintext, err := cbcDecrypt(p.encKey, p.iv, ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if p.fromSkip {
		delete(live.skipped, p.skipID)
		live.removeFromSkipOrder(p.skipID)
		return plaintext, nil
	}
	live.commit(p.state)
	return plaintext, nil
}

func (s *RatchetState) clone() *RatchetState {
	cp := &RatchetState{
		Params: s.Params,
		DHs:    s.DHs,
		Ns:     s.Ns,
		Nr:     s.Nr,
		PN:     s.PN,
	}
	cp.DHr = append([]byte(nil), s.DHr...)
	cp.RK = append([]byte(nil), s.RK...)
	cp.CKs = append([]byte(nil), s.CKs...)
	cp.CKr = append([]byte(nil), s.CKr...)
	cp.skipped = make(map[skippedKeyID][]byte, len(s.skipped))
	for k, v := range s.skipped {
		cp.skipped[k] = v
	}
	cp.skippedOrder = append([]skippedKeyID(nil), s.skippedOrder...)
	return cp
}

func (s *RatchetState) commit(from *RatchetState) {
	s.DHs = from.DHs
	s.DHr = from.DHr
	s.RK = from.RK
	s.CKs = from.CKs
	s.CKr = from.CKr
	s.Ns = from.Ns
	s.Nr = from.Nr
	s.PN = from.PN
	s.skipped = from.skipped
	s.skippedOrder = from.skippedOrder
}

// dhRatchetStep performs a DH ratchet step on receipt of a new ratchet
// public key: closes out the current sending chain length into PN, derives
// a fresh receiving chain from the incoming key, generates a new local key
// pair, and derives a fresh sending chain from it (spec.md §4.3).
func (s *RatchetState) dhRatchetStep(theirNewDHPub []byte) error {
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHr = append([]byte(nil), theirNewDHPub...)

	dhOut, err := x25519DH(s.DHs, s.DHr)
	if err != nil {
		return err
	}
	rk, ckr, err := rootKDF(s.RK, dhOut, s.Params.RootInfo)
	if err != nil {
		return err
	}
	s.RK, s.CKr = rk, ckr

	newDHs, err := GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	s.DHs = newDHs

	dhOut2, err := x25519DH(s.DHs, s.DHr)
	if err != nil {
		return err
	}
	rk2, cks, err := rootKDF(s.RK, dhOut2, s.Params.RootInfo)
	if err != nil {
		return err
	}
	s.RK, s.CKs = rk2, cks
	return nil
}

// skipChainKeys derives and stores message keys for every message number in
// [from, until) of the chain keyed by ck, so that out-of-order delivery
// within MaxSkipPerMsg/MaxSkipPerChain bounds can still be decrypted later
// (spec.md §4.3, §8 "out-of-order delivery").
func (s *RatchetState) skipChainKeys(ck []byte, from, until uint32) error {
	if ck == nil {
		return nil
	}
	if until < from {
		return ErrWireFormatError
	}
	if int(until-from) > s.Params.MaxSkipPerMsg {
		return ErrSkippedKeyLimit
	}

	chainKey := ck
	for n := from; n < until; n++ {
		mk, next := chainKDF(chainKey)
		id := skippedKeyID{dhPub32(s.DHr), n}
		s.skipped[id] = mk
		s.skippedOrder = append(s.skippedOrder, id)
		chainKey = next
	}
	s.CKr = chainKey

	for len(s.skippedOrder) > s.Params.MaxSkipPerChain {
		oldest := s.skippedOrder[0]
		s.skippedOrder = s.skippedOrder[1:]
		delete(s.skipped, oldest)
	}
	return nil
}

func (s *RatchetState) removeFromSkipOrder(id skippedKeyID) {
	for i, v := range s.skippedOrder {
		if v == id {
			s.skippedOrder = append(s.skippedOrder[:i], s.skippedOrder[i+1:]...)
			return
		}
	}
}

func dhPub32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}
