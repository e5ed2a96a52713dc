package omemo

import (
	"context"
	"fmt"
)

// UpdateDeviceList reconciles a freshly downloaded device list against the
// cache: when bareJID is the own account and the own device ID is
// missing, it is re-published; devices that left the list are marked
// inactive with a last_used timestamp rather than forgotten outright
// (spec.md §4.7).
func (m *SessionManager) UpdateDeviceList(ctx context.Context, namespace, bareJID string, list DeviceList, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	backend, ok := m.backends[namespace]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}

	if bareJID == m.ownBareJID {
		if _, present := list[m.ownDeviceID]; !present {
			republished := DeviceList{}
			for id, label := range list {
				republished[id] = label
			}
			republished[m.ownDeviceID] = m.ownLabel
			if err := m.embedder.UploadDeviceList(ctx, backend, republished); err != nil {
				return fmt.Errorf("%w: %w", ErrDeviceListUploadFailed, err)
			}
			list = republished
		}
	}

	m.mergeDeviceListWithExpiry(namespace, bareJID, list, now)
	return nil
}

// RefreshDeviceList forces a fresh download and reconciliation for
// (namespace, bareJID).
func (m *SessionManager) RefreshDeviceList(ctx context.Context, namespace, bareJID string, now int64) error {
	backend, err := m.backendFor(namespace)
	if err != nil {
		return err
	}
	list, err := m.embedder.DownloadDeviceList(ctx, backend, bareJID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceListDownloadFailed, err)
	}
	return m.UpdateDeviceList(ctx, namespace, bareJID, list, now)
}

func (m *SessionManager) backendFor(namespace string) (*Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backends[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}
	return b, nil
}

// mergeDeviceList is used during Create, before any device has activity
// history to preserve.
func (m *SessionManager) mergeDeviceList(namespace, bareJID string, list DeviceList) {
	m.mergeDeviceListWithExpiry(namespace, bareJID, list, 0)
}

func (m *SessionManager) mergeDeviceListWithExpiry(namespace, bareJID string, list DeviceList, now int64) {
	byJID, ok := m.deviceLists[namespace]
	if !ok {
		byJID = make(map[string]map[uint32]*deviceState)
		m.deviceLists[namespace] = byJID
	}
	existing, ok := byJID[bareJID]
	if !ok {
		existing = make(map[uint32]*deviceState)
		byJID[bareJID] = existing
	}

	for id, label := range list {
		st, ok := existing[id]
		if !ok {
			st = &deviceState{active: true, trustLevel: m.undecidedTrustLevel}
			existing[id] = st
		}
		st.active = true
		st.label = label
	}

	for id, st := range existing {
		if _, present := list[id]; !present && st.active {
			st.active = false
			st.lastUsedSec = now
		}
	}
}

// recordIdentityKey caches a device's identity key the first time it is
// learned -- from a fetched bundle, or from a decrypted pre-key message --
// since the device list itself carries only device IDs and labels
// (spec.md §4.1, §4.7: trust is keyed by identity key, not device ID alone).
func (m *SessionManager) recordIdentityKey(namespace, bareJID string, deviceID uint32, identityKey []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byJID, ok := m.deviceLists[namespace]
	if !ok {
		byJID = make(map[string]map[uint32]*deviceState)
		m.deviceLists[namespace] = byJID
	}
	existing, ok := byJID[bareJID]
	if !ok {
		existing = make(map[uint32]*deviceState)
		byJID[bareJID] = existing
	}
	st, ok := existing[deviceID]
	if !ok {
		st = &deviceState{active: true, trustLevel: m.undecidedTrustLevel}
		existing[deviceID] = st
	}
	st.identityKey = append([]byte(nil), identityKey...)
}

// SetTrust persists a custom trust level for the (bareJID, identityKey)
// pair (spec.md §4.7).
func (m *SessionManager) SetTrust(ctx context.Context, bareJID string, identityKey []byte, level TrustLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, byJID := range m.deviceLists {
		devices, ok := byJID[bareJID]
		if !ok {
			continue
		}
		for _, st := range devices {
			if constantTimeEqual(st.identityKey, identityKey) {
				st.trustLevel = level
				key := fmt.Sprintf("/SessionManager/devices/%s/%x/trust_level_name", bareJID, identityKey)
				if err := m.storage.StoreString(ctx, key, string(level)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// GetDeviceInformation returns the reconciled device set for bareJID
// across every backend, triggering a refresh if no backend has a cached
// device list for it yet.
func (m *SessionManager) GetDeviceInformation(ctx context.Context, bareJID string, now int64) ([]DeviceInformation, error) {
	m.mu.Lock()
	needsRefresh := true
	for namespace := range m.backends {
		if byJID, ok := m.deviceLists[namespace]; ok {
			if _, ok := byJID[bareJID]; ok {
				needsRefresh = false
			}
		}
	}
	namespaces := append([]string(nil), m.backendOrder...)
	m.mu.Unlock()

	if needsRefresh {
		for _, ns := range namespaces {
			if err := m.RefreshDeviceList(ctx, ns, bareJID, now); err != nil {
				return nil, err
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []DeviceInformation
	for namespace, byJID := range m.deviceLists {
		devices, ok := byJID[bareJID]
		if !ok {
			continue
		}
		for id, st := range devices {
			out = append(out, DeviceInformation{
				Namespaces:  []string{namespace},
				BareJID:     bareJID,
				DeviceID:    id,
				IdentityKey: st.identityKey,
				TrustLevel:  st.trustLevel,
				Active:      st.active,
				LastUsedSec: st.lastUsedSec,
				Label:       st.label,
			})
		}
	}
	return out, nil
}

// GetOwnDeviceInformation is GetDeviceInformation for the local account.
func (m *SessionManager) GetOwnDeviceInformation(ctx context.Context, now int64) ([]DeviceInformation, error) {
	return m.GetDeviceInformation(ctx, m.ownBareJID, now)
}

// GetOwnBundle returns the bundle currently published for namespace
// together with the own device's trust level, so a caller displaying or
// manually verifying its own key material doesn't have to cross-reference
// GetOwnDeviceInformation separately.
func (m *SessionManager) GetOwnBundle(ctx context.Context, namespace string, now int64) (*Bundle, TrustLevel, error) {
	m.mu.Lock()
	x3dh, ok := m.x3dh[namespace]
	m.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}

	bundle, err := x3dh.GetPublicBundle()
	if err != nil {
		return nil, "", err
	}

	trust := m.undecidedTrustLevel
	devices, err := m.GetOwnDeviceInformation(ctx, now)
	if err != nil {
		return nil, "", err
	}
	for _, d := range devices {
		if d.DeviceID == m.ownDeviceID && containsString(d.Namespaces, namespace) {
			trust = d.TrustLevel
			break
		}
	}

	return bundle, trust, nil
}

// SetOwnLabel updates the label used in the own device-list entry of
// every backend that supports labels, republishing each list.
func (m *SessionManager) SetOwnLabel(ctx context.Context, label string) error {
	m.mu.Lock()
	m.ownLabel = label
	namespaces := append([]string(nil), m.backendOrder...)
	m.mu.Unlock()

	for _, ns := range namespaces {
		backend, err := m.backendFor(ns)
		if err != nil {
			return err
		}
		if err := m.addOwnDeviceToList(ctx, backend); err != nil {
			return err
		}
	}
	return nil
}

// PurgeBareJID removes the device list, trust cache, and sessions for
// bareJID across every backend (spec.md §4.7).
func (m *SessionManager) PurgeBareJID(bareJID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for namespace, byJID := range m.deviceLists {
		delete(byJID, bareJID)
		for addr := range m.sessions[namespace] {
			if addr.BareJID == bareJID {
				delete(m.sessions[namespace], addr)
			}
		}
	}
}

// PurgeBackend deletes the uploaded bundle, removes the own device from
// the backend's device list, and drops its stored state and sessions
// (spec.md §4.7).
func (m *SessionManager) PurgeBackend(ctx context.Context, namespace string) error {
	backend, err := m.backendFor(namespace)
	if err != nil {
		return err
	}

	if err := m.embedder.DeleteBundle(ctx, backend, m.ownDeviceID); err != nil {
		return fmt.Errorf("%w: %w", ErrBundleDeletionFailed, err)
	}

	list, err := m.embedder.DownloadDeviceList(ctx, backend, m.ownBareJID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceListDownloadFailed, err)
	}
	if _, present := list[m.ownDeviceID]; present {
		delete(list, m.ownDeviceID)
		if err := m.embedder.UploadDeviceList(ctx, backend, list); err != nil {
			return fmt.Errorf("%w: %w", ErrDeviceListUploadFailed, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if byJID, ok := m.deviceLists[namespace]; ok {
		if devices, ok := byJID[m.ownBareJID]; ok {
			delete(devices, m.ownDeviceID)
		}
	}
	delete(m.backends, namespace)
	delete(m.x3dh, namespace)
	delete(m.sessions, namespace)
	delete(m.deviceLists, namespace)
	for i, ns := range m.backendOrder {
		if ns == namespace {
			m.backendOrder = append(m.backendOrder[:i], m.backendOrder[i+1:]...)
			break
		}
	}
	return nil
}

// ReplaceSessions discards every known session for bareJID and notifies
// each peer device with an empty backend-dependent message that triggers
// passive re-initiation on their side.
func (m *SessionManager) ReplaceSessions(ctx context.Context, bareJID string) error {
	type target struct {
		backend *Backend
		addr    Address
	}

	m.mu.Lock()
	var toNotify []target
	for namespace, sessions := range m.sessions {
		for addr := range sessions {
			if addr.BareJID == bareJID {
				delete(sessions, addr)
				toNotify = append(toNotify, target{backend: m.backends[namespace], addr: addr})
			}
		}
	}
	m.mu.Unlock()

	for _, t := range toNotify {
		if err := m.sendReInitRequest(ctx, t.backend, t.addr); err != nil {
			return err
		}
	}
	return nil
}
