package omemo

import (
	"context"
	"errors"
	"testing"
)

// fakeNetwork is a shared in-memory directory standing in for the pub-sub
// nodes a real XMPP server would host: one published bundle and one device
// list per (namespace, bare JID). Each test account in these tests runs
// exactly one device, so DownloadBundle and DeleteBundle ignore the device
// ID parameter.
type fakeNetwork struct {
	bundles     map[string]map[string]*Bundle
	deviceLists map[string]map[string]DeviceList
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		bundles:     make(map[string]map[string]*Bundle),
		deviceLists: make(map[string]map[string]DeviceList),
	}
}

// fakeEmbedder implements Embedder against a fakeNetwork for one account.
// trust classifies a device by bare JID only, since the device's identity
// key is not yet known before its bundle has been fetched.
type fakeEmbedder struct {
	net        *fakeNetwork
	ownBareJID string
	trust      func(bareJID string) TrustEvaluation
	sent       []Address
}

func (e *fakeEmbedder) UploadBundle(ctx context.Context, backend *Backend, bundle *Bundle) error {
	byJID, ok := e.net.bundles[backend.Namespace]
	if !ok {
		byJID = make(map[string]*Bundle)
		e.net.bundles[backend.Namespace] = byJID
	}
	byJID[e.ownBareJID] = bundle
	return nil
}

func (e *fakeEmbedder) DownloadBundle(ctx context.Context, backend *Backend, bareJID string, deviceID uint32) (*Bundle, error) {
	byJID, ok := e.net.bundles[backend.Namespace]
	if !ok {
		return nil, errors.New("fakeNetwork: no bundles for namespace")
	}
	b, ok := byJID[bareJID]
	if !ok {
		return nil, errors.New("fakeNetwork: no bundle for " + bareJID)
	}
	return b, nil
}

func (e *fakeEmbedder) DeleteBundle(ctx context.Context, backend *Backend, deviceID uint32) error {
	if byJID, ok := e.net.bundles[backend.Namespace]; ok {
		delete(byJID, e.ownBareJID)
	}
	return nil
}

func (e *fakeEmbedder) UploadDeviceList(ctx context.Context, backend *Backend, list DeviceList) error {
	byJID, ok := e.net.deviceLists[backend.Namespace]
	if !ok {
		byJID = make(map[string]DeviceList)
		e.net.deviceLists[backend.Namespace] = byJID
	}
	byJID[e.ownBareJID] = list
	return nil
}

func (e *fakeEmbedder) DownloadDeviceList(ctx context.Context, backend *Backend, bareJID string) (DeviceList, error) {
	byJID, ok := e.net.deviceLists[backend.Namespace]
	if !ok {
		return nil, nil
	}
	return byJID[bareJID], nil
}

func (e *fakeEmbedder) SendMessage(ctx context.Context, backend *Backend, recipient Address, msg *OutgoingMessage) error {
	e.sent = append(e.sent, recipient)
	return nil
}

func (e *fakeEmbedder) EvaluateCustomTrustLevel(ctx context.Context, d DeviceInformation) (TrustEvaluation, error) {
	return e.trust(d.BareJID), nil
}

func (e *fakeEmbedder) MakeTrustDecision(ctx context.Context, mgr *SessionManager, undecided []DeviceInformation, bareJIDs []string) error {
	return nil
}

func trustEveryone(string) TrustEvaluation { return Trusted }

// newTestManagerPair provisions two accounts sharing one fakeNetwork, each
// running CurrentBackend only, with every device trusted by default and
// history-sync mode already exited.
func newTestManagerPair(t *testing.T) (alice, bob *SessionManager, net *fakeNetwork) {
	t.Helper()
	ctx := context.Background()
	net = newFakeNetwork()

	aliceEmbedder := &fakeEmbedder{net: net, ownBareJID: "alice@example.com", trust: trustEveryone}
	bobEmbedder := &fakeEmbedder{net: net, ownBareJID: "bob@example.com", trust: trustEveryone}

	var err error
	alice, err = CreateSessionManager(ctx, NewMemoryStorage(), aliceEmbedder, []*Backend{CurrentBackend()}, "alice@example.com", "alice-laptop", TrustLevel("trusted"), false)
	if err != nil {
		t.Fatalf("CreateSessionManager(alice): %v", err)
	}
	bob, err = CreateSessionManager(ctx, NewMemoryStorage(), bobEmbedder, []*Backend{CurrentBackend()}, "bob@example.com", "bob-phone", TrustLevel("trusted"), false)
	if err != nil {
		t.Fatalf("CreateSessionManager(bob): %v", err)
	}

	if err := alice.AfterHistorySync(ctx); err != nil {
		t.Fatalf("alice.AfterHistorySync: %v", err)
	}
	if err := bob.AfterHistorySync(ctx); err != nil {
		t.Fatalf("bob.AfterHistorySync: %v", err)
	}
	return alice, bob, net
}

const testNow = int64(1_700_000_000)

func TestSessionManagerInitialHandshake(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newTestManagerPair(t)

	messages, encErrs, err := alice.Encrypt(ctx, []string{"bob@example.com"}, []byte("hello bob"), []string{currentNamespace}, testNow)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(encErrs) != 0 {
		t.Fatalf("unexpected encryption errors: %v", encErrs)
	}
	if len(messages) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(messages))
	}
	msg := messages[0]
	if len(msg.Keys) != 1 {
		t.Fatalf("len(msg.Keys) = %d, want 1", len(msg.Keys))
	}
	key := msg.Keys[0]
	if key.KeyExchange == nil {
		t.Fatal("first message to a new device carried no KeyExchange")
	}

	sender := Address{BareJID: "alice@example.com", DeviceID: msg.SenderDeviceID}
	plaintext, info, err := bob.Decrypt(ctx, msg.Namespace, sender, key.KeyExchange, key.Ratchet, msg.Nonce, msg.Payload, testNow, false)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("plaintext = %q, want %q", plaintext, "hello bob")
	}
	if info.BareJID != "alice@example.com" {
		t.Fatalf("info.BareJID = %q, want alice@example.com", info.BareJID)
	}
}

// TestSessionManagerEncryptDefaultsEmptyPriorityOrder covers a caller that
// passes a nil backendPriorityOrder, as cmd/omemo-demo does: Encrypt must
// fall back to the manager's own backend registration order rather than
// dropping every device for lack of a ranked namespace.
func TestSessionManagerEncryptDefaultsEmptyPriorityOrder(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newTestManagerPair(t)

	messages, encErrs, err := alice.Encrypt(ctx, []string{"bob@example.com"}, []byte("hello bob"), nil, testNow)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(encErrs) != 0 {
		t.Fatalf("unexpected encryption errors: %v", encErrs)
	}
	if len(messages) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(messages))
	}
	msg := messages[0]
	if len(msg.Keys) != 1 {
		t.Fatalf("len(msg.Keys) = %d, want 1", len(msg.Keys))
	}

	key := msg.Keys[0]
	sender := Address{BareJID: "alice@example.com", DeviceID: msg.SenderDeviceID}
	plaintext, _, err := bob.Decrypt(ctx, msg.Namespace, sender, key.KeyExchange, key.Ratchet, msg.Nonce, msg.Payload, testNow, false)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("plaintext = %q, want %q", plaintext, "hello bob")
	}
}

func TestSessionManagerGetOwnBundle(t *testing.T) {
	ctx := context.Background()
	alice, _, _ := newTestManagerPair(t)

	bundle, trust, err := alice.GetOwnBundle(ctx, currentNamespace, testNow)
	if err != nil {
		t.Fatalf("GetOwnBundle: %v", err)
	}
	if bundle == nil {
		t.Fatal("GetOwnBundle returned a nil bundle")
	}
	if len(bundle.IdentityKey) == 0 {
		t.Fatal("GetOwnBundle bundle has no identity key")
	}
	if trust != TrustLevel("trusted") {
		t.Fatalf("trust = %q, want %q", trust, "trusted")
	}

	if _, _, err := alice.GetOwnBundle(ctx, "bogus-namespace", testNow); err == nil {
		t.Fatal("GetOwnBundle with unknown namespace returned no error")
	}
}

func TestSessionManagerKeyTransportEmptyPayload(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newTestManagerPair(t)

	messages, _, err := alice.Encrypt(ctx, []string{"bob@example.com"}, nil, []string{currentNamespace}, testNow)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	msg := messages[0]
	sender := Address{BareJID: "alice@example.com", DeviceID: msg.SenderDeviceID}
	plaintext, _, err := bob.Decrypt(ctx, msg.Namespace, sender, msg.Keys[0].KeyExchange, msg.Keys[0].Ratchet, msg.Nonce, msg.Payload, testNow, false)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(plaintext) != 0 {
		t.Fatalf("plaintext = %q, want empty", plaintext)
	}
}

func TestSessionManagerOutOfOrderDelivery(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newTestManagerPair(t)

	// Establish the session first.
	first, _, err := alice.Encrypt(ctx, []string{"bob@example.com"}, []byte("hi"), []string{currentNamespace}, testNow)
	if err != nil {
		t.Fatal(err)
	}
	sender := Address{BareJID: "alice@example.com", DeviceID: first[0].SenderDeviceID}
	if _, _, err := bob.Decrypt(ctx, first[0].Namespace, sender, first[0].Keys[0].KeyExchange, first[0].Keys[0].Ratchet, first[0].Nonce, first[0].Payload, testNow, false); err != nil {
		t.Fatalf("establishing Decrypt: %v", err)
	}

	type wire struct {
		namespace string
		nonce     []byte
		payload   []byte
		ratchet   []byte
		plaintext string
	}
	var msgs []wire
	for _, pt := range []string{"one", "two", "three"} {
		m, _, err := alice.Encrypt(ctx, []string{"bob@example.com"}, []byte(pt), []string{currentNamespace}, testNow)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", pt, err)
		}
		if m[0].Keys[0].KeyExchange != nil {
			t.Fatalf("Encrypt(%q) unexpectedly re-keyed an established session", pt)
		}
		msgs = append(msgs, wire{m[0].Namespace, m[0].Nonce, m[0].Payload, m[0].Keys[0].Ratchet, pt})
	}

	order := []int{2, 0, 1}
	for _, i := range order {
		m := msgs[i]
		pt, _, err := bob.Decrypt(ctx, m.namespace, sender, nil, m.ratchet, m.nonce, m.payload, testNow, false)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", m.plaintext, err)
		}
		if string(pt) != m.plaintext {
			t.Fatalf("Decrypt out of order: got %q, want %q", pt, m.plaintext)
		}
	}
}

func TestSessionManagerReplayRejected(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newTestManagerPair(t)

	m, _, err := alice.Encrypt(ctx, []string{"bob@example.com"}, []byte("once"), []string{currentNamespace}, testNow)
	if err != nil {
		t.Fatal(err)
	}
	sender := Address{BareJID: "alice@example.com", DeviceID: m[0].SenderDeviceID}

	if _, _, err := bob.Decrypt(ctx, m[0].Namespace, sender, m[0].Keys[0].KeyExchange, m[0].Keys[0].Ratchet, m[0].Nonce, m[0].Payload, testNow, false); err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}

	// Re-deliver the exact same pre-key message and ratchet payload: the
	// session now exists, so this replays the inner ratchet message
	// against a ratchet that has already moved past message 0.
	if _, _, err := bob.Decrypt(ctx, m[0].Namespace, sender, nil, m[0].Keys[0].Ratchet, m[0].Nonce, m[0].Payload, testNow, false); err == nil {
		t.Fatal("replayed ratchet message decrypted successfully, want error")
	}
}

func TestSessionManagerTrustGateExcludesDistrustedRecipient(t *testing.T) {
	ctx := context.Background()
	net := newFakeNetwork()

	aliceEmbedder := &fakeEmbedder{net: net, ownBareJID: "alice@example.com", trust: trustEveryone}
	carolEmbedder := &fakeEmbedder{net: net, ownBareJID: "carol@example.com", trust: func(string) TrustEvaluation { return Distrusted }}

	alice, err := CreateSessionManager(ctx, NewMemoryStorage(), aliceEmbedder, []*Backend{CurrentBackend()}, "alice@example.com", "alice-laptop", TrustLevel("trusted"), false)
	if err != nil {
		t.Fatal(err)
	}
	carol, err := CreateSessionManager(ctx, NewMemoryStorage(), carolEmbedder, []*Backend{CurrentBackend()}, "carol@example.com", "carol-phone", TrustLevel("trusted"), false)
	if err != nil {
		t.Fatal(err)
	}
	alice.AfterHistorySync(ctx)
	carol.AfterHistorySync(ctx)

	// Alice's own trust evaluator distrusts carol's device.
	aliceEmbedder.trust = func(bareJID string) TrustEvaluation {
		if bareJID == "carol@example.com" {
			return Distrusted
		}
		return Trusted
	}

	_, _, err = alice.Encrypt(ctx, []string{"carol@example.com"}, []byte("secret"), []string{currentNamespace}, testNow)
	if !errors.Is(err, ErrNoEligibleDevices) {
		t.Fatalf("Encrypt to a fully distrusted recipient: err = %v, want %v", err, ErrNoEligibleDevices)
	}
}

func TestSessionManagerOTPKReleasePolicy(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newTestManagerPair(t)

	m, _, err := alice.Encrypt(ctx, []string{"bob@example.com"}, []byte("hi"), []string{currentNamespace}, testNow)
	if err != nil {
		t.Fatal(err)
	}
	kex := m[0].Keys[0].KeyExchange
	if kex.OTPKID == 0 {
		t.Fatal("expected the first message to a fresh bundle to consume a one-time pre-key")
	}
	sender := Address{BareJID: "alice@example.com", DeviceID: m[0].SenderDeviceID}

	if _, _, err := bob.Decrypt(ctx, m[0].Namespace, sender, kex, m[0].Keys[0].Ratchet, m[0].Nonce, m[0].Payload, testNow, false); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	x3dh := bob.x3dh[currentNamespace]
	if _, stillPresent := x3dh.otpks[kex.OTPKID]; !stillPresent {
		t.Fatal("OTPK released after a single answer, want kept until the 24h answer-spread threshold")
	}

	// Simulate a second answer sent a day later: the policy should now
	// release the pre-key's private material.
	bob.recordPreKeyAnswer(sender, testNow+25*60*60, false)
	bob.runOTPKPolicy(currentNamespace, sender, kex.OTPKID)

	if _, stillPresent := x3dh.otpks[kex.OTPKID]; stillPresent {
		t.Fatal("OTPK not released after two answers spread over 24h")
	}
}

func TestSessionManagerSetTrustAffectsFutureEvaluation(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newTestManagerPair(t)

	m, _, err := alice.Encrypt(ctx, []string{"bob@example.com"}, []byte("hi"), []string{currentNamespace}, testNow)
	if err != nil {
		t.Fatal(err)
	}
	sender := Address{BareJID: "alice@example.com", DeviceID: m[0].SenderDeviceID}
	if _, _, err := bob.Decrypt(ctx, m[0].Namespace, sender, m[0].Keys[0].KeyExchange, m[0].Keys[0].Ratchet, m[0].Nonce, m[0].Payload, testNow, false); err != nil {
		t.Fatal(err)
	}

	devices, err := bob.GetDeviceInformation(ctx, "alice@example.com", testNow)
	if err != nil {
		t.Fatalf("GetDeviceInformation: %v", err)
	}
	var aliceDevice *DeviceInformation
	for i := range devices {
		if len(devices[i].IdentityKey) > 0 {
			aliceDevice = &devices[i]
		}
	}
	if aliceDevice == nil {
		t.Fatal("bob never learned alice's identity key from the pre-key message")
	}

	if err := bob.SetTrust(ctx, "alice@example.com", aliceDevice.IdentityKey, TrustLevel("verified")); err != nil {
		t.Fatalf("SetTrust: %v", err)
	}

	updated, err := bob.GetDeviceInformation(ctx, "alice@example.com", testNow)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range updated {
		if string(d.IdentityKey) == string(aliceDevice.IdentityKey) {
			found = true
			if d.TrustLevel != "verified" {
				t.Fatalf("TrustLevel after SetTrust = %q, want %q", d.TrustLevel, "verified")
			}
		}
	}
	if !found {
		t.Fatal("alice's device missing after SetTrust")
	}
}
