package omemo

import (
	"context"
	"fmt"
	"sync"
)

// HeartbeatMessageTrigger is the number of received ratchet messages
// since the last outgoing message after which SessionManager schedules
// an automatic heartbeat to force a DH step (spec.md §4.7).
const HeartbeatMessageTrigger = 53

// Embedder is the set of operations the host must implement so
// SessionManager can publish bundles and device lists, transport
// automatically generated messages, and make trust decisions
// (spec.md §6).
type Embedder interface {
	UploadBundle(ctx context.Context, backend *Backend, bundle *Bundle) error
	DownloadBundle(ctx context.Context, backend *Backend, bareJID string, deviceID uint32) (*Bundle, error)
	DeleteBundle(ctx context.Context, backend *Backend, deviceID uint32) error

	UploadDeviceList(ctx context.Context, backend *Backend, list DeviceList) error
	DownloadDeviceList(ctx context.Context, backend *Backend, bareJID string) (DeviceList, error)

	// SendMessage transports an automatically generated empty message
	// (heartbeat, handshake response, or session re-init request).
	SendMessage(ctx context.Context, backend *Backend, recipient Address, msg *OutgoingMessage) error

	EvaluateCustomTrustLevel(ctx context.Context, device DeviceInformation) (TrustEvaluation, error)

	// MakeTrustDecision must call SessionManager.SetTrust for each device
	// it decides, before returning.
	MakeTrustDecision(ctx context.Context, mgr *SessionManager, undecided []DeviceInformation, bareJIDs []string) error
}

// deviceState is what SessionManager tracks per known (backend, bare JID,
// device ID) beyond the device list entry itself: its trust level name
// and activity bookkeeping (spec.md §4.7, §6 persisted-state layout).
type deviceState struct {
	identityKey []byte
	trustLevel  TrustLevel
	active      bool
	lastUsedSec int64
	label       string
}

// SessionManager is the orchestration layer spec.md §4.7 describes: it
// owns the OTPK pools, the session map, and the device-list/trust cache
// for one local account across every configured backend. Every public
// method takes the manager's single mutex, matching the single-threaded
// cooperative scheduling model of spec.md §5 -- implementations sharing a
// SessionManager across goroutines still see totally ordered operations.
type SessionManager struct {
	mu sync.Mutex

	storage  Storage
	embedder Embedder
	identity *IdentityKeyPair

	backends       map[string]*Backend // by namespace
	backendOrder   []string            // priority order, highest first
	x3dh           map[string]*X3DHState
	otpkPolicy     OTPKPolicy

	ownBareJID          string
	ownDeviceID         uint32
	ownLabel            string
	undecidedTrustLevel TrustLevel
	decryptWhenUndecided bool

	// sessions[namespace][Address] is the live ratchet session.
	sessions map[string]map[Address]*Session

	// deviceLists[namespace][bareJID][deviceID] = state.
	deviceLists map[string]map[string]map[uint32]*deviceState

	preKeyHistory map[Address][]PreKeyMessageRecord

	historySyncMode bool
	pendingHeartbeats map[Address]string // addr -> namespace
	pendingOTPKReleases []pendingOTPKRelease
}

// CreateSessionManager is spec.md §4.7's `create`: it loads or generates
// the identity key, then for each backend in priority order creates a
// fresh X3DH state, uploads its bundle, and adds the own device to the
// device list -- the device-list update is always the LAST step for a
// backend so a failure partway through never advertises an inconsistent
// device. Only the identity key and the own device ID are loaded from and
// stored in Storage; X3DH state is neither loaded nor persisted, so every
// call publishes a new signed pre-key and one-time pre-key pool. The
// manager starts in history-synchronization mode; call AfterHistorySync
// once the embedder has caught up.
func CreateSessionManager(ctx context.Context, storage Storage, embedder Embedder, backends []*Backend, ownBareJID, initialOwnLabel string, undecidedTrustLevel TrustLevel, decryptWhenUndecided bool) (*SessionManager, error) {
	identity, err := ObtainIdentityKeyPair(ctx, storage)
	if err != nil {
		return nil, err
	}

	ownDeviceID, err := obtainOwnDeviceID(ctx, storage)
	if err != nil {
		return nil, err
	}

	mgr := &SessionManager{
		storage:              storage,
		embedder:             embedder,
		identity:             identity,
		backends:             make(map[string]*Backend, len(backends)),
		x3dh:                 make(map[string]*X3DHState, len(backends)),
		otpkPolicy:           DefaultOTPKPolicy{},
		ownBareJID:           ownBareJID,
		ownDeviceID:          ownDeviceID,
		ownLabel:             initialOwnLabel,
		undecidedTrustLevel:  undecidedTrustLevel,
		decryptWhenUndecided: decryptWhenUndecided,
		sessions:             make(map[string]map[Address]*Session),
		deviceLists:          make(map[string]map[string]map[uint32]*deviceState),
		preKeyHistory:        make(map[Address][]PreKeyMessageRecord),
		historySyncMode:      true,
		pendingHeartbeats:    make(map[Address]string),
	}

	for _, backend := range backends {
		mgr.backends[backend.Namespace] = backend
		mgr.backendOrder = append(mgr.backendOrder, backend.Namespace)
		mgr.sessions[backend.Namespace] = make(map[Address]*Session)
		mgr.deviceLists[backend.Namespace] = make(map[string]map[uint32]*deviceState)

		x3dh, err := mgr.loadOrCreateX3DHState(ctx, backend)
		if err != nil {
			return nil, err
		}
		mgr.x3dh[backend.Namespace] = x3dh

		bundle, err := x3dh.GetPublicBundle()
		if err != nil {
			return nil, err
		}
		if err := embedder.UploadBundle(ctx, backend, bundle); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBundleUploadFailed, err)
		}

		if err := mgr.addOwnDeviceToList(ctx, backend); err != nil {
			return nil, err
		}
	}

	return mgr, nil
}

func obtainOwnDeviceID(ctx context.Context, storage Storage) (uint32, error) {
	const key = "/SessionManager/own_device_id"
	existing, err := storage.LoadInt(ctx, key)
	if err != nil {
		return 0, err
	}
	if v, ok := existing.Get(); ok {
		return uint32(v), nil
	}

	id, err := randomDeviceID()
	if err != nil {
		return 0, err
	}
	if err := storage.StoreInt(ctx, key, int64(id)); err != nil {
		return 0, err
	}
	return id, nil
}

func (m *SessionManager) addOwnDeviceToList(ctx context.Context, backend *Backend) error {
	list, err := m.embedder.DownloadDeviceList(ctx, backend, m.ownBareJID)
	if err != nil {
		list = DeviceList{}
	}
	if list == nil {
		list = DeviceList{}
	}
	list[m.ownDeviceID] = m.ownLabel

	if err := m.embedder.UploadDeviceList(ctx, backend, list); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceListUploadFailed, err)
	}

	m.mergeDeviceList(backend.Namespace, m.ownBareJID, list)
	return nil
}

// BeforeHistorySync enters synchronization mode: OTPKs bound during
// passive handshakes are retained rather than released, decrypts do not
// advance last_used, and automatic heartbeat responses are coalesced
// (spec.md §4.7). SessionManager never rotates signed pre-keys itself (it
// does not call X3DHState.MaybeRotateSPK), in or out of this mode.
func (m *SessionManager) BeforeHistorySync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historySyncMode = true
}

// AfterHistorySync exits synchronization mode and flushes at most one
// coalesced heartbeat per (backend, peer device).
func (m *SessionManager) AfterHistorySync(ctx context.Context) error {
	m.mu.Lock()
	pending := m.pendingHeartbeats
	m.pendingHeartbeats = make(map[Address]string)
	releases := m.pendingOTPKReleases
	m.pendingOTPKReleases = nil
	m.historySyncMode = false
	backends := m.backends
	m.mu.Unlock()

	for addr, namespace := range pending {
		if err := m.sendHeartbeat(ctx, backends[namespace], addr); err != nil {
			return err
		}
	}

	for _, r := range releases {
		m.runOTPKPolicy(r.namespace, r.sender, r.otpkID)
	}
	return nil
}

func (m *SessionManager) loadOrCreateX3DHState(ctx context.Context, backend *Backend) (*X3DHState, error) {
	// X3DHState is not read from or written to Storage: a fresh state
	// (new SPK, new OTPK pool) is built on every call.
	return NewX3DHState(m.identity, backend.X3DHParams)
}
