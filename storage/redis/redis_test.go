//go:build integration

package redis_test

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/corvid-chat/omemo-core/storage/redis"
)

func TestRedisStorageRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping integration test")
	}

	ctx := context.Background()
	s := redis.New(&goredis.Options{Addr: addr})
	defer s.Close()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	if err := s.StoreBool(ctx, "history_synced", true); err != nil {
		t.Fatalf("StoreBool: %v", err)
	}
	got, err := s.LoadBool(ctx, "history_synced")
	if err != nil {
		t.Fatalf("LoadBool: %v", err)
	}
	if v, ok := got.Get(); !ok || !v {
		t.Fatalf("LoadBool = %v, %v", v, ok)
	}

	if err := s.Delete(ctx, "history_synced"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = s.LoadBool(ctx, "history_synced")
	if err != nil {
		t.Fatalf("LoadBool after delete: %v", err)
	}
	if _, ok := got.Get(); ok {
		t.Fatal("LoadBool after Delete still present")
	}
}
