package omemo

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newTestRatchetPair(t *testing.T) (*RatchetState, *RatchetState) {
	t.Helper()
	params := DefaultRatchetParams()

	sharedSecret := make([]byte, 32)
	if _, err := rand.Read(sharedSecret); err != nil {
		t.Fatal(err)
	}

	responderKey, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}

	initiator, err := NewRatchetAsInitiator(params, sharedSecret, responderKey.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("NewRatchetAsInitiator: %v", err)
	}
	responder := NewRatchetAsResponder(params, sharedSecret, responderKey)
	return initiator, responder
}

// decryptHeader runs the two-phase PrepareDecrypt/Open flow a caller would,
// skipping wire-level MAC verification since these tests exercise the
// ratchet directly rather than through WireFormat.
func decryptHeader(t *testing.T, rs *RatchetState, header *RatchetHeader, ciphertext []byte) []byte {
	t.Helper()
	plan, err := rs.PrepareDecrypt(header)
	if err != nil {
		t.Fatalf("PrepareDecrypt: %v", err)
	}
	pt, err := plan.Open(rs, ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return pt
}

func TestRatchetInitialHandshakeRoundTrip(t *testing.T) {
	initiator, responder := newTestRatchetPair(t)

	header, ciphertext, _, err := initiator.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	plaintext := decryptHeader(t, responder, header, ciphertext)
	if string(plaintext) != "hello" {
		t.Fatalf("plaintext = %q, want %q", plaintext, "hello")
	}
}

func TestRatchetBidirectionalExchange(t *testing.T) {
	initiator, responder := newTestRatchetPair(t)

	h1, c1, _, err := initiator.Encrypt([]byte("ping"))
	if err != nil {
		t.Fatalf("initiator Encrypt: %v", err)
	}
	if got := decryptHeader(t, responder, h1, c1); string(got) != "ping" {
		t.Fatalf("responder got %q, want %q", got, "ping")
	}

	h2, c2, _, err := responder.Encrypt([]byte("pong"))
	if err != nil {
		t.Fatalf("responder Encrypt: %v", err)
	}
	if got := decryptHeader(t, initiator, h2, c2); string(got) != "pong" {
		t.Fatalf("initiator got %q, want %q", got, "pong")
	}

	h3, c3, _, err := initiator.Encrypt([]byte("ping again"))
	if err != nil {
		t.Fatalf("initiator Encrypt 2: %v", err)
	}
	if got := decryptHeader(t, responder, h3, c3); string(got) != "ping again" {
		t.Fatalf("responder got %q, want %q", got, "ping again")
	}
}

func TestRatchetOutOfOrderDelivery(t *testing.T) {
	initiator, responder := newTestRatchetPair(t)

	type sent struct {
		header     *RatchetHeader
		ciphertext []byte
		plaintext  string
	}
	var messages []sent
	for _, pt := range []string{"one", "two", "three"} {
		h, c, _, err := initiator.Encrypt([]byte(pt))
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", pt, err)
		}
		messages = append(messages, sent{h, c, pt})
	}

	// Deliver message 3 first: this forces the responder to skip over the
	// keys for messages 1 and 2 in its receiving chain.
	if got := decryptHeader(t, responder, messages[2].header, messages[2].ciphertext); string(got) != "three" {
		t.Fatalf("got %q, want %q", got, "three")
	}

	if got := decryptHeader(t, responder, messages[0].header, messages[0].ciphertext); string(got) != "one" {
		t.Fatalf("got %q, want %q", got, "one")
	}
	if got := decryptHeader(t, responder, messages[1].header, messages[1].ciphertext); string(got) != "two" {
		t.Fatalf("got %q, want %q", got, "two")
	}
}

func TestRatchetSkippedKeyConsumedOnce(t *testing.T) {
	initiator, responder := newTestRatchetPair(t)

	h1, c1, _, _ := initiator.Encrypt([]byte("a"))
	h2, c2, _, _ := initiator.Encrypt([]byte("b"))

	decryptHeader(t, responder, h2, c2)
	decryptHeader(t, responder, h1, c1)

	if _, err := responder.PrepareDecrypt(h1); err == nil {
		t.Fatal("PrepareDecrypt on a replayed skipped message succeeded, want error")
	}
}

func TestRatchetSkipLimitRejected(t *testing.T) {
	params := DefaultRatchetParams()
	params.MaxSkipPerMsg = 2

	sharedSecret := make([]byte, 32)
	rand.Read(sharedSecret)
	responderKey, _ := GenerateX25519KeyPair()
	initiator, err := NewRatchetAsInitiator(params, sharedSecret, responderKey.PublicKey().Bytes())
	if err != nil {
		t.Fatal(err)
	}
	responder := NewRatchetAsResponder(params, sharedSecret, responderKey)

	var last *RatchetHeader
	var lastCT []byte
	for i := 0; i < 5; i++ {
		h, c, _, err := initiator.Encrypt([]byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		last, lastCT = h, c
	}

	if _, err := responder.PrepareDecrypt(last); err == nil {
		t.Fatal("PrepareDecrypt exceeding MaxSkipPerMsg succeeded, want ErrSkippedKeyLimit")
	}
	_ = lastCT
}

func TestRatchetAuthFailureDoesNotMutateState(t *testing.T) {
	initiator, responder := newTestRatchetPair(t)

	header, ciphertext, _, err := initiator.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	snapshotNr := responder.Nr
	snapshotDHr := append([]byte(nil), responder.DHr...)

	plan, err := responder.PrepareDecrypt(header)
	if err != nil {
		t.Fatalf("PrepareDecrypt: %v", err)
	}

	// Simulate a MAC verification failure: the caller must never call Open
	// in that case. Confirm the live state is still untouched.
	if responder.Nr != snapshotNr {
		t.Fatalf("Nr mutated by PrepareDecrypt alone: got %d, want %d", responder.Nr, snapshotNr)
	}
	if !bytes.Equal(responder.DHr, snapshotDHr) {
		t.Fatal("DHr mutated by PrepareDecrypt alone")
	}

	// Now actually commit via Open and confirm the state does change.
	if _, err := plan.Open(responder, ciphertext); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if responder.Nr == snapshotNr {
		t.Fatal("Nr not advanced after Open committed")
	}
}

func TestRatchetTamperedCiphertextFails(t *testing.T) {
	initiator, responder := newTestRatchetPair(t)

	header, ciphertext, _, err := initiator.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xFF

	plan, err := responder.PrepareDecrypt(header)
	if err != nil {
		t.Fatalf("PrepareDecrypt: %v", err)
	}
	if _, err := plan.Open(responder, tampered); err == nil {
		t.Fatal("Open with tampered ciphertext succeeded, want error")
	}
}
