// Command omemo-demo runs a two-party OMEMO handshake entirely in one
// process: it provisions two SessionManagers sharing a fake publish
// directory in place of a real XMPP server, exchanges a pre-key message
// and a reply, then prints a short report of what each side now knows
// about the other's devices (identity key, trust level, active flag).
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/corvid-chat/omemo-core/crypto/omemo"
	"github.com/corvid-chat/omemo-core/jid"
	"github.com/corvid-chat/omemo-core/storage/memory"
)

func main() {
	cfg := loadConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("omemo-demo: %v", err)
	}
}

func run(cfg Config) error {
	ctx := context.Background()
	now := time.Now().Unix()

	aliceJID, err := jid.Parse(cfg.AliceJID)
	if err != nil {
		return fmt.Errorf("OMEMO_ALICE_JID: %w", err)
	}
	bobJID, err := jid.Parse(cfg.BobJID)
	if err != nil {
		return fmt.Errorf("OMEMO_BOB_JID: %w", err)
	}
	cfg.AliceJID = aliceJID.Bare().String()
	cfg.BobJID = bobJID.Bare().String()

	backend := omemo.CurrentBackend()
	if cfg.Legacy {
		backend = omemo.LegacyBackend()
	}

	dir := newDirectory()

	aliceStore, err := openStorage(cfg, "alice")
	if err != nil {
		return fmt.Errorf("alice storage: %w", err)
	}
	bobStore, err := openStorage(cfg, "bob")
	if err != nil {
		return fmt.Errorf("bob storage: %w", err)
	}

	aliceAccount := &account{dir: dir, ownBareJID: cfg.AliceJID, trustAll: cfg.TrustOnSight}
	bobAccount := &account{dir: dir, ownBareJID: cfg.BobJID, trustAll: cfg.TrustOnSight}

	alice, err := omemo.CreateSessionManager(ctx, aliceStore, aliceAccount, []*omemo.Backend{backend}, cfg.AliceJID, "demo-alice", "undecided", false)
	if err != nil {
		return fmt.Errorf("create alice: %w", err)
	}
	bob, err := omemo.CreateSessionManager(ctx, bobStore, bobAccount, []*omemo.Backend{backend}, cfg.BobJID, "demo-bob", "undecided", false)
	if err != nil {
		return fmt.Errorf("create bob: %w", err)
	}

	if err := alice.AfterHistorySync(ctx); err != nil {
		return fmt.Errorf("alice AfterHistorySync: %w", err)
	}
	if err := bob.AfterHistorySync(ctx); err != nil {
		return fmt.Errorf("bob AfterHistorySync: %w", err)
	}

	fmt.Printf("backend: %s (namespace %s)\n\n", backendLabel(cfg.Legacy), backend.Namespace)

	fmt.Println("Alice encrypts a message to Bob:")
	plaintext := []byte("omemo-demo handshake payload")
	messages, encErrors, err := alice.Encrypt(ctx, []string{cfg.BobJID}, plaintext, nil, now)
	if err != nil {
		return fmt.Errorf("alice encrypt: %w", err)
	}
	for _, e := range encErrors {
		fmt.Printf("  encryption error for %s: %v\n", e.Device, e.Err)
	}
	if len(messages) == 0 {
		return fmt.Errorf("alice produced no encrypted messages")
	}

	for _, msg := range messages {
		for _, key := range msg.Keys {
			fmt.Printf("  -> %s: %s\n", key.Device, describeKeyExchange(key))
			got, info, err := bob.Decrypt(ctx, msg.Namespace, omemo.Address{BareJID: cfg.AliceJID, DeviceID: msg.SenderDeviceID}, key.KeyExchange, key.Ratchet, msg.Nonce, msg.Payload, now, false)
			if err != nil {
				return fmt.Errorf("bob decrypt: %w", err)
			}
			fmt.Printf("  bob decrypted: %q (from device %s, trust=%s)\n", got, info.Address(), info.TrustLevel)
		}
	}

	fmt.Println("\nBob replies to Alice:")
	reply := []byte("got it, replying now")
	replyMessages, replyErrors, err := bob.Encrypt(ctx, []string{cfg.AliceJID}, reply, nil, now+1)
	if err != nil {
		return fmt.Errorf("bob encrypt: %w", err)
	}
	for _, e := range replyErrors {
		fmt.Printf("  encryption error for %s: %v\n", e.Device, e.Err)
	}
	for _, msg := range replyMessages {
		for _, key := range msg.Keys {
			fmt.Printf("  -> %s: %s\n", key.Device, describeKeyExchange(key))
			got, info, err := alice.Decrypt(ctx, msg.Namespace, omemo.Address{BareJID: cfg.BobJID, DeviceID: msg.SenderDeviceID}, key.KeyExchange, key.Ratchet, msg.Nonce, msg.Payload, now+1, false)
			if err != nil {
				return fmt.Errorf("alice decrypt: %w", err)
			}
			fmt.Printf("  alice decrypted: %q (from device %s, trust=%s)\n", got, info.Address(), info.TrustLevel)
		}
	}

	fmt.Println("\nfinal device information:")
	if err := printDeviceInfo(ctx, "alice's view of bob", alice, cfg.BobJID, now); err != nil {
		return err
	}
	if err := printDeviceInfo(ctx, "bob's view of alice", bob, cfg.AliceJID, now); err != nil {
		return err
	}

	return nil
}

func backendLabel(legacy bool) string {
	if legacy {
		return "legacy (eu.siacs.conversations.axolotl v3.3)"
	}
	return "current (urn:xmpp:omemo:2 v4.0)"
}

func describeKeyExchange(key omemo.DeviceMessageKey) string {
	if key.KeyExchange == nil {
		return "ratchet message (existing session)"
	}
	otpk := "no one-time pre-key"
	if key.KeyExchange.OTPKID != 0 {
		otpk = fmt.Sprintf("one-time pre-key #%d", key.KeyExchange.OTPKID)
	}
	return fmt.Sprintf("pre-key message (new session, %s)", otpk)
}

func printDeviceInfo(ctx context.Context, label string, mgr *omemo.SessionManager, bareJID string, now int64) error {
	devices, err := mgr.GetDeviceInformation(ctx, bareJID, now)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	fmt.Printf("  %s:\n", label)
	for _, d := range devices {
		fmt.Printf("    device %d: identity_key=%s trust=%s active=%v\n", d.DeviceID, hex.EncodeToString(d.IdentityKey), d.TrustLevel, d.Active)
	}
	return nil
}

func openStorage(cfg Config, who string) (omemo.Storage, error) {
	switch cfg.Storage {
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported OMEMO_STORAGE %q for %s (demo supports: memory)", cfg.Storage, who)
	}
}
