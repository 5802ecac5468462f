package redis

import (
	"context"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/meetingscribe/storage"
	"github.com/ggoodman/meetingscribe/storage/storagetest"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()

	// Skip test if Redis is not available
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2, // Use separate DB for storage tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return client
}

func TestRedisStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		client := newTestClient(t)
		s, err := New(Config{
			Client: client,
			Links:  storage.LinkBuilder{BaseURL: "http://scribe.test"},
		})
		if err != nil {
			t.Fatalf("Failed to create Redis store: %v", err)
		}
		t.Cleanup(func() {
			client.FlushDB(context.Background())
			_ = s.Close()
		})
		return s
	})
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a client")
	}
}

func TestKeyPrefix(t *testing.T) {
	client := newTestClient(t)
	s, err := New(Config{Client: client, KeyPrefix: "test:"})
	if err != nil {
		t.Fatalf("Failed to create Redis store: %v", err)
	}
	defer func() {
		client.FlushDB(context.Background())
		_ = s.Close()
	}()

	ctx := context.Background()
	if err := s.CreateMeeting(ctx, "m-prefix", "host-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	keys, err := client.Keys(ctx, "*").Result()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) == 0 {
		t.Fatal("expected keys to be written")
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, "test:") {
			t.Errorf("key %q does not carry the configured prefix", k)
		}
	}
}
