package omemo

import (
	"crypto/ecdh"
	"crypto/ed25519"
)

// Session is a Double Ratchet session bound to one backend and one
// remote device (spec.md §3). It is addressed only through the
// SessionManager, which owns the session map and the serialization
// point for all mutation (spec.md §5).
type Session struct {
	Backend           *Backend
	RemoteIdentityKey ed25519.PublicKey
	Ratchet           *RatchetState

	// IsPreKeySession is set once, when the session is created from a
	// pre-key message or a pre-key bundle fetch, and stays true for the
	// lifetime of the session; it is informational only -- SessionManager
	// does not read it, and runs OTPKPolicy for every decrypted pre-key
	// message.
	IsPreKeySession bool
}

// NewSessionActive performs X3DH active initiation against a fetched
// remote bundle and sets up the sending side of the Double Ratchet
// (spec.md §4.2, §4.3).
func NewSessionActive(backend *Backend, localIdentity *IdentityKeyPair, remoteBundle *Bundle) (*Session, *X3DHResult, error) {
	result, err := InitSessionActive(localIdentity, remoteBundle, backend.X3DHParams)
	if err != nil {
		return nil, nil, err
	}

	ratchet, err := NewRatchetAsInitiator(backend.RatchetParams, result.SharedSecret, remoteBundle.SignedPreKey)
	if err != nil {
		return nil, nil, err
	}

	return &Session{
		Backend:           backend,
		RemoteIdentityKey: remoteBundle.IdentityKey,
		Ratchet:           ratchet,
		IsPreKeySession:   true,
	}, result, nil
}

// NewSessionPassive performs X3DH passive initiation from an incoming
// pre-key message and sets up the receiving side of the Double Ratchet,
// reusing the referenced signed pre-key pair as the initial ratchet key
// (the responder's half of the Double Ratchet always starts from the
// same key pair it published in its bundle).
func NewSessionPassive(backend *Backend, x3dh *X3DHState, spkPrivate *ecdh.PrivateKey, remoteIdentityKey ed25519.PublicKey, ephemeralPubKey []byte, spkID uint32, otpkID *uint32) (*Session, *X3DHResult, error) {
	result, err := x3dh.InitSessionPassive(remoteIdentityKey, ephemeralPubKey, spkID, otpkID)
	if err != nil {
		return nil, nil, err
	}

	ratchet := NewRatchetAsResponder(backend.RatchetParams, result.SharedSecret, spkPrivate)

	return &Session{
		Backend:           backend,
		RemoteIdentityKey: remoteIdentityKey,
		Ratchet:           ratchet,
		IsPreKeySession:   true,
	}, result, nil
}
