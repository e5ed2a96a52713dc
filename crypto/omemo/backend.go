package omemo

// Backend binds a namespace string, its X3DH parameters, its Double
// Ratchet parameters, and its wire version together (spec.md §4.5). Every
// account runs all configured backends over the same identity key;
// SessionManager dispatches an incoming message to the backend named by
// its namespace, and sends according to the configured backend priority
// order.
type Backend struct {
	// Namespace identifies the backend on the wire, e.g. in a stanza's
	// xmlns or a pub-sub node name. Hosts own the actual transport framing;
	// the core only uses this string as a dispatch key.
	Namespace string

	VersionMajor byte
	VersionMinor byte

	X3DHParams    *X3DHParams
	RatchetParams *RatchetParams
}

// Version returns the packed version byte this backend expects on the
// wire (spec.md §4.4).
func (b *Backend) Version() byte {
	return versionByte(b.VersionMajor, b.VersionMinor)
}

// AcceptsVersion reports whether a received version byte matches this
// backend's expected major and minor version; neither may differ
// (spec.md §4.4).
func (b *Backend) AcceptsVersion(v byte) bool {
	major, minor := splitVersionByte(v)
	return major == b.VersionMajor && minor == b.VersionMinor
}

const legacyNamespace = "eu.siacs.conversations.axolotl"
const currentNamespace = "urn:xmpp:omemo:2"

// LegacyBackend is OMEMO 1 (XEP-0384 v0.3.0 era): wire version 3.3 and
// its own KDF info strings; its one-time pre-key pool sizes and 7-day SPK
// rotation period are the same as CurrentBackend's.
func LegacyBackend() *Backend {
	return &Backend{
		Namespace:    legacyNamespace,
		VersionMajor: 3,
		VersionMinor: 3,
		X3DHParams: &X3DHParams{
			Info:              "OMEMO X3DH",
			MinOTPKs:          99,
			MaxOTPKs:          100,
			SPKRotationPeriod: 7 * 24 * 60 * 60,
		},
		RatchetParams: &RatchetParams{
			RootInfo:        "OMEMO Root Chain",
			MessageKeyInfo:  "OMEMO Message Key Material",
			MaxSkipPerMsg:   1000,
			MaxSkipPerChain: 1000,
		},
	}
}

// CurrentBackend is OMEMO 2 (urn:xmpp:omemo:2): wire version 4.0, with
// its own KDF info strings so it never shares derived key material with
// LegacyBackend even if, improbably, the same root key were ever reused
// across namespaces.
func CurrentBackend() *Backend {
	return &Backend{
		Namespace:    currentNamespace,
		VersionMajor: 4,
		VersionMinor: 0,
		X3DHParams: &X3DHParams{
			Info:              "OMEMO 2 X3DH",
			MinOTPKs:          99,
			MaxOTPKs:          100,
			SPKRotationPeriod: 7 * 24 * 60 * 60,
		},
		RatchetParams: &RatchetParams{
			RootInfo:        "OMEMO 2 Root Chain",
			MessageKeyInfo:  "OMEMO 2 Message Key Material",
			MaxSkipPerMsg:   1000,
			MaxSkipPerChain: 1000,
		},
	}
}
