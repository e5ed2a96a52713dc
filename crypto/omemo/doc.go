// Package omemo implements the cryptographic core of the OMEMO family of
// end-to-end encryption protocols for federated chat (XEP-0384 and its
// predecessor).
//
// It provides X3DH asynchronous key agreement, a Double Ratchet session for
// forward-secret symmetric messaging, a SessionManager that coordinates
// sessions across multiple protocol versions ("backends") while preserving a
// single long-lived identity, a trust evaluator hook, and a one-time-prekey
// lifecycle controller.
//
// This is a standalone cryptographic module with no dependency on any
// transport, XML serialization, or persistence implementation -- hosts wire
// it to a concrete XMPP (or other federated chat) stack by implementing
// Storage and the small set of external-interface callbacks SessionManager
// requires (bundle/device-list publish-retrieve, message send, trust
// decisions).
package omemo
