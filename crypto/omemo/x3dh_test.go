package omemo

import (
	"context"
	"testing"
)

func newTestIdentity(t *testing.T) *IdentityKeyPair {
	t.Helper()
	identity, err := ObtainIdentityKeyPair(context.Background(), NewMemoryStorage())
	if err != nil {
		t.Fatalf("ObtainIdentityKeyPair: %v", err)
	}
	return identity
}

func TestX3DHActivePassiveAgree(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	params := DefaultX3DHParams()
	bobState, err := NewX3DHState(bob, params)
	if err != nil {
		t.Fatalf("NewX3DHState: %v", err)
	}

	bundle, err := bobState.GetPublicBundle()
	if err != nil {
		t.Fatalf("GetPublicBundle: %v", err)
	}

	result, err := InitSessionActive(alice, bundle, params)
	if err != nil {
		t.Fatalf("InitSessionActive: %v", err)
	}
	if result.UsedOTPKID == nil {
		t.Fatal("expected an OTPK to be consumed from a freshly provisioned bundle")
	}

	passiveResult, err := bobState.InitSessionPassive(alice.IdentityKey(), result.EphemeralPubKey, result.UsedSPKID, result.UsedOTPKID)
	if err != nil {
		t.Fatalf("InitSessionPassive: %v", err)
	}

	if string(result.SharedSecret) != string(passiveResult.SharedSecret) {
		t.Fatal("active and passive shared secrets disagree")
	}
}

func TestX3DHWithoutOneTimePreKey(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	params := DefaultX3DHParams()
	bobState, err := NewX3DHState(bob, params)
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := bobState.GetPublicBundle()
	if err != nil {
		t.Fatal(err)
	}
	bundle.PreKeys = nil

	result, err := InitSessionActive(alice, bundle, params)
	if err != nil {
		t.Fatalf("InitSessionActive: %v", err)
	}
	if result.UsedOTPKID != nil {
		t.Fatal("expected no OTPK to be used when the bundle has none")
	}

	passiveResult, err := bobState.InitSessionPassive(alice.IdentityKey(), result.EphemeralPubKey, result.UsedSPKID, nil)
	if err != nil {
		t.Fatalf("InitSessionPassive: %v", err)
	}
	if string(result.SharedSecret) != string(passiveResult.SharedSecret) {
		t.Fatal("active and passive shared secrets disagree")
	}
}

func TestX3DHRejectsBadSignature(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	params := DefaultX3DHParams()
	bobState, err := NewX3DHState(bob, params)
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := bobState.GetPublicBundle()
	if err != nil {
		t.Fatal(err)
	}
	bundle.SignedPreKeySignature = append([]byte(nil), bundle.SignedPreKeySignature...)
	bundle.SignedPreKeySignature[0] ^= 0xFF

	_, err = InitSessionActive(alice, bundle, params)
	if err == nil {
		t.Fatal("InitSessionActive accepted a bundle with a tampered SPK signature")
	}
	if err != ErrInvalidSignature {
		t.Fatalf("error = %v, want %v", err, ErrInvalidSignature)
	}
}

func TestX3DHOTPKBindingTransitionsOnUse(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	params := DefaultX3DHParams()
	bobState, err := NewX3DHState(bob, params)
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := bobState.GetPublicBundle()
	if err != nil {
		t.Fatal(err)
	}
	before := bobState.availableOTPKCount()

	result, err := InitSessionActive(alice, bundle, params)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bobState.InitSessionPassive(alice.IdentityKey(), result.EphemeralPubKey, result.UsedSPKID, result.UsedOTPKID); err != nil {
		t.Fatal(err)
	}

	after := bobState.availableOTPKCount()
	if after != before-1 {
		t.Fatalf("availableOTPKCount after consuming one OTPK = %d, want %d", after, before-1)
	}

	// A bundle fetched now must not offer the consumed key again.
	bundle2, err := bobState.GetPublicBundle()
	if err != nil {
		t.Fatal(err)
	}
	for _, pk := range bundle2.PreKeys {
		if result.UsedOTPKID != nil && pk.ID == *result.UsedOTPKID {
			t.Fatal("consumed OTPK re-offered in a later bundle")
		}
	}
}

func TestX3DHReleaseAndKeepOTPK(t *testing.T) {
	bob := newTestIdentity(t)
	params := DefaultX3DHParams()
	bobState, err := NewX3DHState(bob, params)
	if err != nil {
		t.Fatal(err)
	}

	var someID uint32
	for id, b := range bobState.bindings {
		if b.state == otpkAvailable {
			someID = id
			break
		}
	}
	bobState.bindOTPK(someID)
	bobState.ReleaseOTPK(someID)
	if _, stillPresent := bobState.otpks[someID]; stillPresent {
		t.Fatal("ReleaseOTPK did not delete the private key material")
	}
	if bobState.bindings[someID].state != otpkReleased {
		t.Fatalf("binding state = %v, want otpkReleased", bobState.bindings[someID].state)
	}

	var keptID uint32
	for id, b := range bobState.bindings {
		if b.state == otpkAvailable {
			keptID = id
			break
		}
	}
	bobState.bindOTPK(keptID)
	bobState.KeepOTPK(keptID)
	if _, stillPresent := bobState.otpks[keptID]; !stillPresent {
		t.Fatal("KeepOTPK deleted the private key material")
	}
	if bobState.bindings[keptID].state != otpkKept {
		t.Fatalf("binding state = %v, want otpkKept", bobState.bindings[keptID].state)
	}
}

func TestX3DHSPKRotationRetainsOldForPendingMessages(t *testing.T) {
	bob := newTestIdentity(t)
	params := DefaultX3DHParams()
	bobState, err := NewX3DHState(bob, params)
	if err != nil {
		t.Fatal(err)
	}
	oldID := bobState.currentSPK.ID

	if _, err := bobState.rotateSPK(1000, false); err != nil {
		t.Fatal(err)
	}
	if bobState.currentSPK.ID == oldID {
		t.Fatal("rotateSPK did not advance the current SPK id")
	}

	if _, err := bobState.SPKPrivate(oldID); err != nil {
		t.Fatalf("SPKPrivate(oldID) after rotation: %v", err)
	}
	if _, err := bobState.SPKPrivate(9999); err == nil {
		t.Fatal("SPKPrivate with an unknown id succeeded, want error")
	}
}

func TestX3DHSPKRotationDeferredDuringHistorySync(t *testing.T) {
	bob := newTestIdentity(t)
	params := DefaultX3DHParams()
	params.SPKRotationPeriod = 10
	bobState, err := NewX3DHState(bob, params)
	if err != nil {
		t.Fatal(err)
	}
	oldID := bobState.currentSPK.ID

	if err := bobState.MaybeRotateSPK(1_000_000, true); err != nil {
		t.Fatal(err)
	}
	if bobState.currentSPK.ID != oldID {
		t.Fatal("MaybeRotateSPK rotated despite deferred=true")
	}

	if err := bobState.MaybeRotateSPK(1_000_000, false); err != nil {
		t.Fatal(err)
	}
	if bobState.currentSPK.ID == oldID {
		t.Fatal("MaybeRotateSPK did not rotate once the period elapsed and deferred=false")
	}
}
