package omemo

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

func randomDeviceID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	id := binary.BigEndian.Uint32(buf[:])
	if id == 0 {
		id = 1
	}
	return id, nil
}

// OutgoingMessage is a message the SessionManager hands to the embedder's
// SendMessage for transport: either a normal ratchet message or a
// pre-key message establishing a brand new session, always with an empty
// plaintext payload (heartbeat, handshake response, or re-init request).
type OutgoingMessage struct {
	KeyExchange    *PreKeyMessage // non-nil when this establishes a new session
	RatchetMessage []byte         // framed wire bytes, see EncodeRatchetMessage
}

// EncryptedMessage is the result of one SessionManager.Encrypt call for
// one backend: a shared AEAD payload plus a per-device wrapped content
// key (spec.md §4.7 step 6).
type EncryptedMessage struct {
	Namespace      string
	SenderDeviceID uint32
	Nonce          []byte
	Payload        []byte
	Keys           []DeviceMessageKey
}

// DeviceMessageKey is one recipient device's ratchet-wrapped content key.
type DeviceMessageKey struct {
	Device      Address
	KeyExchange *PreKeyMessage
	Ratchet     []byte // framed wire bytes when KeyExchange is nil
}

// EncryptionError records a per-device failure that does not abort the
// whole Encrypt call (spec.md §4.7 step 6: "record an encryption error
// for that device and exclude it").
type EncryptionError struct {
	Device Address
	Err    error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("omemo: encrypt for %s: %v", e.Device, e.Err)
}

// Encrypt implements spec.md §4.7's encrypt operation: it resolves
// eligible devices for every recipient bare JID (own device and inactive
// or out-of-priority devices excluded), runs the trust gate, and for
// every backend with at least one eligible device produces one
// EncryptedMessage whose payload is shared and whose per-device keys
// each wrap the same content key through that device's session.
// backendPriorityOrder ranks namespaces for devices that publish more
// than one; a nil or empty order falls back to m.backendOrder (the
// order backends were registered in at CreateSessionManager) so callers
// with only one backend don't need to pass anything.
func (m *SessionManager) Encrypt(ctx context.Context, bareJIDs []string, plaintext []byte, backendPriorityOrder []string, now int64) ([]*EncryptedMessage, []*EncryptionError, error) {
	recipients := append([]string(nil), bareJIDs...)
	if !containsString(recipients, m.ownBareJID) {
		recipients = append(recipients, m.ownBareJID)
	}

	var allDevices []DeviceInformation
	for _, jid := range recipients {
		devices, err := m.GetDeviceInformation(ctx, jid, now)
		if err != nil {
			return nil, nil, err
		}
		allDevices = append(allDevices, devices...)
	}

	priority := backendPriorityOrder
	if len(priority) == 0 {
		priority = m.backendOrder
	}
	targets := m.selectTargetDevices(allDevices, priority)

	if err := m.runTrustGate(ctx, targets, recipients); err != nil {
		return nil, nil, err
	}

	targets = m.dropDistrusted(ctx, targets)
	if err := m.requireEligibleDevice(recipients, targets); err != nil {
		return nil, nil, err
	}

	byBackend := make(map[string][]DeviceInformation)
	for _, d := range targets {
		byBackend[d.Namespaces[0]] = append(byBackend[d.Namespaces[0]], d)
	}

	var messages []*EncryptedMessage
	var encErrors []*EncryptionError

	for namespace, devices := range byBackend {
		backend := m.backends[namespace]

		contentKey := make([]byte, 32)
		if _, err := rand.Read(contentKey); err != nil {
			return nil, nil, err
		}
		nonce, ciphertext, err := aesGCMEncrypt(contentKey, plaintext, []byte(namespace))
		if err != nil {
			return nil, nil, err
		}

		var keys []DeviceMessageKey
		for _, d := range devices {
			addr := d.Address()
			wrapped, kex, err := m.wrapContentKeyForDevice(ctx, backend, addr, contentKey)
			if err != nil {
				encErrors = append(encErrors, &EncryptionError{Device: addr, Err: err})
				continue
			}
			keys = append(keys, DeviceMessageKey{Device: addr, KeyExchange: kex, Ratchet: wrapped})
		}

		if len(keys) == 0 {
			continue
		}

		messages = append(messages, &EncryptedMessage{
			Namespace:      namespace,
			SenderDeviceID: m.ownDeviceID,
			Nonce:          nonce,
			Payload:        ciphertext,
			Keys:           keys,
		})
	}

	return messages, encErrors, nil
}

func (m *SessionManager) selectTargetDevices(devices []DeviceInformation, priority []string) []DeviceInformation {
	priorityRank := make(map[string]int, len(priority))
	for i, ns := range priority {
		priorityRank[ns] = i
	}

	var out []DeviceInformation
	for _, d := range devices {
		if d.BareJID == m.ownBareJID && d.DeviceID == m.ownDeviceID {
			continue
		}
		if !d.Active {
			continue
		}
		best := -1
		bestNS := ""
		for _, ns := range d.Namespaces {
			if rank, ok := priorityRank[ns]; ok {
				if best == -1 || rank < best {
					best = rank
					bestNS = ns
				}
			}
		}
		if best == -1 {
			continue
		}
		d.Namespaces = []string{bestNS}
		out = append(out, d)
	}
	return out
}

func (m *SessionManager) runTrustGate(ctx context.Context, devices []DeviceInformation, bareJIDs []string) error {
	var undecided []DeviceInformation
	for _, d := range devices {
		eval, err := m.evaluateTrust(ctx, d)
		if err != nil {
			return err
		}
		if eval == Undecided {
			undecided = append(undecided, d)
		}
	}
	if len(undecided) == 0 {
		return nil
	}

	if err := m.embedder.MakeTrustDecision(ctx, m, undecided, bareJIDs); err != nil {
		return fmt.Errorf("%w: %w", ErrTrustDecisionFailed, err)
	}

	for _, d := range undecided {
		eval, err := m.evaluateTrust(ctx, d)
		if err != nil {
			return err
		}
		if eval == Undecided {
			return ErrStillUndecided
		}
	}
	return nil
}

func (m *SessionManager) evaluateTrust(ctx context.Context, d DeviceInformation) (TrustEvaluation, error) {
	return m.embedder.EvaluateCustomTrustLevel(ctx, d)
}

func (m *SessionManager) dropDistrusted(ctx context.Context, devices []DeviceInformation) []DeviceInformation {
	var out []DeviceInformation
	for _, d := range devices {
		eval, err := m.embedder.EvaluateCustomTrustLevel(ctx, d)
		if err == nil && eval == Distrusted {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (m *SessionManager) requireEligibleDevice(bareJIDs []string, targets []DeviceInformation) error {
	covered := make(map[string]bool)
	for _, d := range targets {
		covered[d.BareJID] = true
	}
	var missing []string
	for _, jid := range bareJIDs {
		if jid == m.ownBareJID {
			continue
		}
		if !covered[jid] {
			missing = append(missing, jid)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrNoEligibleDevices, missing)
	}
	return nil
}

// wrapContentKeyForDevice ensures a session exists with addr (fetching a
// bundle and performing X3DH active initiation if needed) and ratchet-
// encrypts the content key through it.
func (m *SessionManager) wrapContentKeyForDevice(ctx context.Context, backend *Backend, addr Address, contentKey []byte) ([]byte, *PreKeyMessage, error) {
	m.mu.Lock()
	session, ok := m.sessions[backend.Namespace][addr]
	m.mu.Unlock()

	var newSessionResult *X3DHResult
	if !ok {
		bundle, err := m.embedder.DownloadBundle(ctx, backend, addr.BareJID, addr.DeviceID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrBundleDownloadFailed, err)
		}
		s, result, err := NewSessionActive(backend, m.identity, bundle)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrKeyExchangeFailed, err)
		}
		session = s
		newSessionResult = result
		m.recordIdentityKey(backend.Namespace, addr.BareJID, addr.DeviceID, bundle.IdentityKey)

		m.mu.Lock()
		m.sessions[backend.Namespace][addr] = session
		m.mu.Unlock()
	}

	header, ciphertext, macKey, err := session.Ratchet.Encrypt(contentKey)
	if err != nil {
		return nil, nil, err
	}
	wire, err := EncodeRatchetMessage(backend.Version(), header, ciphertext, []byte(m.identity.IdentityKey()), []byte(session.RemoteIdentityKey), macKey)
	if err != nil {
		return nil, nil, err
	}

	if newSessionResult == nil {
		return wire, nil, nil
	}

	var otpkID uint32
	hasOTPK := newSessionResult.UsedOTPKID != nil
	if hasOTPK {
		otpkID = *newSessionResult.UsedOTPKID
	}
	kex := &PreKeyMessage{
		Version:      backend.Version(),
		OTPKID:       otpkID,
		SPKID:        newSessionResult.UsedSPKID,
		EphemeralKey: newSessionResult.EphemeralPubKey,
		IdentityKey:  m.identity.IdentityKey(),
		InnerMessage: wire,
	}
	return wire, kex, nil
}

// Decrypt implements spec.md §4.7's decrypt operation.
func (m *SessionManager) Decrypt(ctx context.Context, namespace string, sender Address, pkm *PreKeyMessage, ratchetWire []byte, nonce, payload []byte, now int64, fromStorage bool) ([]byte, DeviceInformation, error) {
	backend, err := m.backendFor(namespace)
	if err != nil {
		return nil, DeviceInformation{}, err
	}

	info, err := m.deviceInfoFor(sender)
	if err != nil {
		return nil, DeviceInformation{}, err
	}
	eval, err := m.embedder.EvaluateCustomTrustLevel(ctx, info)
	if err != nil {
		return nil, DeviceInformation{}, err
	}
	if eval == Distrusted {
		return nil, info, ErrKeyExchangeFailed
	}
	if eval == Undecided && !m.decryptWhenUndecided {
		return nil, info, ErrKeyExchangeFailed
	}

	var session *Session
	var usedOTPK *uint32

	if pkm != nil {
		ratchetWire = pkm.InnerMessage

		m.mu.Lock()
		x3dh := m.x3dh[namespace]
		m.mu.Unlock()

		spkPrivate, err := x3dh.SPKPrivate(pkm.SPKID)
		if err != nil {
			return nil, info, err
		}

		var otpkID *uint32
		if pkm.OTPKID != 0 {
			id := pkm.OTPKID
			otpkID = &id
		}

		s, result, err := NewSessionPassive(backend, x3dh, spkPrivate, pkm.IdentityKey, pkm.EphemeralKey, pkm.SPKID, otpkID)
		if err != nil {
			return nil, info, fmt.Errorf("%w: %w", ErrKeyExchangeFailed, err)
		}
		session = s
		usedOTPK = result.UsedOTPKID
		m.recordIdentityKey(namespace, sender.BareJID, sender.DeviceID, pkm.IdentityKey)

		m.mu.Lock()
		m.sessions[namespace][sender] = session
		m.mu.Unlock()
	} else {
		m.mu.Lock()
		s, ok := m.sessions[namespace][sender]
		m.mu.Unlock()
		if !ok {
			_ = m.sendReInitRequest(ctx, backend, sender)
			return nil, info, ErrNoSession
		}
		session = s
	}

	ratchet := session.Ratchet
	v, hdr, ct, macBytes, err := DecodeRatchetMessage(ratchetWire)
	if err != nil {
		return nil, info, err
	}
	if !backend.AcceptsVersion(v) {
		return nil, info, fmt.Errorf("%w: version 0x%02x", ErrWireFormatError, v)
	}

	plan, err := ratchet.PrepareDecrypt(hdr)
	if err != nil {
		return nil, info, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	framedPayload := ratchetWire[1 : len(ratchetWire)-wireMACSize]
	if !VerifyRatchetMessageMAC(v, framedPayload, []byte(session.RemoteIdentityKey), []byte(m.identity.IdentityKey()), plan.MACKey(), macBytes) {
		return nil, info, ErrDecryptionFailed
	}

	contentKey, err := plan.Open(ratchet, ct)
	if err != nil {
		return nil, info, err
	}

	plaintext, err := aesGCMDecrypt(contentKey, nonce, payload, []byte(namespace))
	if err != nil {
		return nil, info, err
	}

	m.mu.Lock()
	if !m.historySyncMode {
		if byJID, ok := m.deviceLists[namespace][sender.BareJID]; ok {
			if st, ok := byJID[sender.DeviceID]; ok {
				st.lastUsedSec = now
			}
		}
	}
	// A brand new session established from a pre-key message always
	// heartbeats once it can -- now that Open has run the first DH
	// ratchet step, the sending chain exists -- so the peer learns the
	// responder's new ratchet key without waiting for real traffic.
	needsHeartbeat := pkm != nil || ratchet.Nr >= HeartbeatMessageTrigger
	if needsHeartbeat && m.historySyncMode {
		m.pendingHeartbeats[sender] = namespace
	}
	m.mu.Unlock()

	if needsHeartbeat && !m.historySyncMode {
		if err := m.sendHeartbeat(ctx, backend, sender); err != nil {
			return nil, info, err
		}
	}

	if pkm != nil {
		m.recordPreKeyAnswer(sender, now, fromStorage)
		if usedOTPK != nil {
			m.runOTPKPolicy(namespace, sender, *usedOTPK)
		}
	}

	return plaintext, info, nil
}

func (m *SessionManager) deviceInfoFor(addr Address) (DeviceInformation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for namespace, byJID := range m.deviceLists {
		devices, ok := byJID[addr.BareJID]
		if !ok {
			continue
		}
		if st, ok := devices[addr.DeviceID]; ok {
			return DeviceInformation{
				Namespaces:  []string{namespace},
				BareJID:     addr.BareJID,
				DeviceID:    addr.DeviceID,
				IdentityKey: st.identityKey,
				TrustLevel:  st.trustLevel,
				Active:      st.active,
				LastUsedSec: st.lastUsedSec,
				Label:       st.label,
			}, nil
		}
	}
	return DeviceInformation{BareJID: addr.BareJID, DeviceID: addr.DeviceID, TrustLevel: m.undecidedTrustLevel, Active: true}, nil
}

func (m *SessionManager) recordPreKeyAnswer(sender Address, now int64, fromStorage bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preKeyHistory[sender] = append(m.preKeyHistory[sender], PreKeyMessageRecord{
		Timestamp:   now,
		FromStorage: fromStorage,
		Answers:     []int64{now},
	})
}

// pendingOTPKRelease is an OTPK release-policy re-check deferred because
// it was bound during history-sync mode; spec.md §4.7 requires OTPKs
// bound during passive handshakes to be retained until sync exits.
type pendingOTPKRelease struct {
	namespace string
	sender    Address
	otpkID    uint32
}

func (m *SessionManager) runOTPKPolicy(namespace string, sender Address, otpkID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.historySyncMode {
		m.pendingOTPKReleases = append(m.pendingOTPKReleases, pendingOTPKRelease{namespace, sender, otpkID})
		return
	}

	records := m.preKeyHistory[sender]
	x3dh, ok := m.x3dh[namespace]
	if !ok {
		return
	}
	if !m.otpkPolicy.Keep(records) {
		x3dh.ReleaseOTPK(otpkID)
	} else {
		x3dh.KeepOTPK(otpkID)
	}
}

func (m *SessionManager) sendHeartbeat(ctx context.Context, backend *Backend, addr Address) error {
	return m.sendEmptyMessage(ctx, backend, addr)
}

func (m *SessionManager) sendReInitRequest(ctx context.Context, backend *Backend, addr Address) error {
	return m.sendEmptyMessage(ctx, backend, addr)
}

func (m *SessionManager) sendEmptyMessage(ctx context.Context, backend *Backend, addr Address) error {
	wire, kex, err := m.wrapContentKeyForDevice(ctx, backend, addr, make([]byte, 32))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMessageSendingFailed, err)
	}
	if err := m.embedder.SendMessage(ctx, backend, addr, &OutgoingMessage{KeyExchange: kex, RatchetMessage: wire}); err != nil {
		return fmt.Errorf("%w: %w", ErrMessageSendingFailed, err)
	}
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
