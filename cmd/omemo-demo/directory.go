package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/corvid-chat/omemo-core/crypto/omemo"
)

// directory is a process-local stand-in for the pub-sub transport a real
// XMPP server provides: it holds every published bundle and device list,
// keyed by namespace then bare JID, so the two demo accounts can publish
// to and fetch from the same place.
type directory struct {
	mu          sync.Mutex
	bundles     map[string]map[string]*omemo.Bundle
	deviceLists map[string]map[string]omemo.DeviceList
}

func newDirectory() *directory {
	return &directory{
		bundles:     make(map[string]map[string]*omemo.Bundle),
		deviceLists: make(map[string]map[string]omemo.DeviceList),
	}
}

// account binds a directory to one local bare JID and reports every
// message it is asked to transport, so the demo can print a trace of
// what actually happened on the wire.
type account struct {
	dir        *directory
	ownBareJID string
	trustAll   bool
}

func (a *account) UploadBundle(_ context.Context, backend *omemo.Backend, bundle *omemo.Bundle) error {
	a.dir.mu.Lock()
	defer a.dir.mu.Unlock()
	if a.dir.bundles[backend.Namespace] == nil {
		a.dir.bundles[backend.Namespace] = make(map[string]*omemo.Bundle)
	}
	a.dir.bundles[backend.Namespace][a.ownBareJID] = bundle
	return nil
}

func (a *account) DownloadBundle(_ context.Context, backend *omemo.Backend, bareJID string, _ uint32) (*omemo.Bundle, error) {
	a.dir.mu.Lock()
	defer a.dir.mu.Unlock()
	byJID, ok := a.dir.bundles[backend.Namespace]
	if !ok {
		return nil, fmt.Errorf("no bundle published for namespace %s", backend.Namespace)
	}
	b, ok := byJID[bareJID]
	if !ok {
		return nil, fmt.Errorf("no bundle published for %s", bareJID)
	}
	return b, nil
}

func (a *account) DeleteBundle(_ context.Context, backend *omemo.Backend, _ uint32) error {
	a.dir.mu.Lock()
	defer a.dir.mu.Unlock()
	if byJID, ok := a.dir.bundles[backend.Namespace]; ok {
		delete(byJID, a.ownBareJID)
	}
	return nil
}

func (a *account) UploadDeviceList(_ context.Context, backend *omemo.Backend, list omemo.DeviceList) error {
	a.dir.mu.Lock()
	defer a.dir.mu.Unlock()
	if a.dir.deviceLists[backend.Namespace] == nil {
		a.dir.deviceLists[backend.Namespace] = make(map[string]omemo.DeviceList)
	}
	a.dir.deviceLists[backend.Namespace][a.ownBareJID] = list
	return nil
}

func (a *account) DownloadDeviceList(_ context.Context, backend *omemo.Backend, bareJID string) (omemo.DeviceList, error) {
	a.dir.mu.Lock()
	defer a.dir.mu.Unlock()
	byJID, ok := a.dir.deviceLists[backend.Namespace]
	if !ok {
		return omemo.DeviceList{}, nil
	}
	return byJID[bareJID], nil
}

func (a *account) SendMessage(_ context.Context, _ *omemo.Backend, recipient omemo.Address, msg *omemo.OutgoingMessage) error {
	kind := "heartbeat"
	if msg.KeyExchange != nil {
		kind = "pre-key"
	}
	fmt.Printf("  [%s -> %s] automatic %s message\n", a.ownBareJID, recipient, kind)
	return nil
}

func (a *account) EvaluateCustomTrustLevel(_ context.Context, _ omemo.DeviceInformation) (omemo.TrustEvaluation, error) {
	if a.trustAll {
		return omemo.Trusted, nil
	}
	return omemo.Undecided, nil
}

func (a *account) MakeTrustDecision(ctx context.Context, mgr *omemo.SessionManager, undecided []omemo.DeviceInformation, _ []string) error {
	if !a.trustAll {
		return nil
	}
	for _, d := range undecided {
		if err := mgr.SetTrust(ctx, d.BareJID, d.IdentityKey, "trusted"); err != nil {
			return err
		}
	}
	return nil
}

var _ omemo.Embedder = (*account)(nil)
