package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis starts an in-memory Redis for unit tests. Integration tests
// under tests/integration use testcontainers-go with a real Redis instead.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		client.Close()
	})

	return client, mr
}

func testKey(data string) CacheKey {
	return CacheKey{
		Method: "eth_call",
		To:     "0x4E1f41613c9084FdB9E34E11fAE9412427480e56",
		Data:   []byte(data),
	}
}

func TestNewManager(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	manager := NewManager(client, 0)
	if manager == nil {
		t.Fatal("NewManager returned nil")
	}
	if manager.redis != client {
		t.Error("Manager redis client not set correctly")
	}
	if manager.TTL() != DefaultTTL {
		t.Errorf("TTL = %v, want %v", manager.TTL(), DefaultTTL)
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil, time.Minute)
}

func TestManager_PutAndGet(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	key := testKey("totalSupply")
	if err := manager.Put(ctx, key, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entry, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(entry.Data) != string([]byte{0x01, 0x02}) {
		t.Errorf("Data mismatch: got %x", entry.Data)
	}
	if entry.TTL() <= 0 || entry.TTL() > time.Hour {
		t.Errorf("unexpected TTL %v", entry.TTL())
	}
}

func TestManager_Get_CacheMiss(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	_, err := manager.Get(context.Background(), testKey("nothing"))
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_Set_ExpiredEntryNotStored(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	key := testKey("stale")
	entry := &CacheEntry{
		Data:    []byte("x"),
		Expires: time.Now().Add(-1 * time.Hour),
	}
	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if mr.Exists(key.String()) {
		t.Error("expired entry should not be written")
	}
}

func TestManager_Get_InvalidEntry(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	key := testKey("garbage")
	if err := mr.Set(key.String(), "{not json"); err != nil {
		t.Fatal(err)
	}

	_, err := manager.Get(context.Background(), key)
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Expected ErrInvalidEntry, got %v", err)
	}
}

func TestManager_TTLExpiry(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client, time.Minute)
	ctx := context.Background()

	key := testKey("expiring")
	if err := manager.Put(ctx, key, []byte("v")); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after TTL, got %v", err)
	}
}

func TestManager_Delete(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	key := testKey("delete-me")
	if err := manager.Put(ctx, key, []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
}

func TestManager_Set_NilEntry(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	if err := manager.Set(context.Background(), testKey("nil"), nil); err == nil {
		t.Error("Set with nil entry should return error")
	}
}
