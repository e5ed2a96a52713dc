package omemo

import "fmt"

// Address uniquely identifies a device: a bare JID plus a device ID that is
// unique within that JID's account.
type Address struct {
	BareJID  string
	DeviceID uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.BareJID, a.DeviceID)
}

// TrustLevel is a host-defined, opaque name mapped by policy to one of
// Trusted, Undecided, or Distrusted.
type TrustLevel string

// TrustEvaluation is the result of mapping a custom TrustLevel name to the
// three-state model the SessionManager acts on.
type TrustEvaluation int

const (
	Undecided TrustEvaluation = iota
	Trusted
	Distrusted
)

func (e TrustEvaluation) String() string {
	switch e {
	case Trusted:
		return "trusted"
	case Distrusted:
		return "distrusted"
	default:
		return "undecided"
	}
}

// DeviceInformation describes one known device of a contact (or of the
// local account), reconciled across every backend that serves it.
type DeviceInformation struct {
	Namespaces  []string
	BareJID     string
	DeviceID    uint32
	IdentityKey []byte // 32-byte Ed25519 public key
	TrustLevel  TrustLevel
	Active      bool
	LastUsedSec int64 // unix seconds, 0 if never used
	Label       string
}

func (d DeviceInformation) Address() Address {
	return Address{BareJID: d.BareJID, DeviceID: d.DeviceID}
}

// DeviceList is the set of device IDs known for a bare JID under a single
// namespace, with an optional human-readable label per device.
type DeviceList map[uint32]string
