package main

import (
	"os"
	"strconv"
	"strings"
)

// Config controls the two-party handshake the demo runs before exiting.
type Config struct {
	AliceJID    string
	BobJID      string
	Storage     string
	StorageDSN  string
	Legacy      bool
	TrustOnSight bool
}

func loadConfig() Config {
	cfg := Config{}
	cfg.AliceJID = getenv("OMEMO_ALICE_JID", "alice@example.com")
	cfg.BobJID = getenv("OMEMO_BOB_JID", "bob@example.com")
	cfg.Storage = strings.ToLower(getenv("OMEMO_STORAGE", "memory"))
	cfg.StorageDSN = os.Getenv("OMEMO_STORAGE_DSN")
	cfg.Legacy = getenvBool("OMEMO_LEGACY_BACKEND", false)
	cfg.TrustOnSight = getenvBool("OMEMO_TRUST_ON_SIGHT", true)
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
