package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStore_SetGet(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	if err := store.Set(ctx, "k1", "v1", 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	value, found, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !found || value != "v1" {
		t.Errorf("expected v1, got %q (found=%v)", value, found)
	}

	_, found, _ = store.Get(ctx, "missing")
	if found {
		t.Error("absent key reported as present")
	}
}

func TestMemoryStore_Overwrite(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	_ = store.Set(ctx, "k1", "v1", 0)
	_ = store.Set(ctx, "k1", "v2", 0)

	value, _, _ := store.Get(ctx, "k1")
	if value != "v2" {
		t.Errorf("expected v2, got %q", value)
	}
	if store.Size() != 1 {
		t.Errorf("overwrite should not grow the store, size=%d", store.Size())
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	_ = store.Set(ctx, "ephemeral", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, found, _ := store.Get(ctx, "ephemeral")
	if found {
		t.Error("expired key reported as present")
	}
}

func TestMemoryStore_ZeroTTLNeverExpires(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	_ = store.Set(ctx, "durable", "v", 0)
	store.Cleanup()

	_, found, _ := store.Get(ctx, "durable")
	if !found {
		t.Error("zero-TTL key should survive cleanup")
	}
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_ = store.Set(ctx, fmt.Sprintf("k%d", i), "v", 0)
	}

	// Touch k1 so k2 becomes the least recently used.
	_, _, _ = store.Get(ctx, "k1")

	_ = store.Set(ctx, "k4", "v", 0)

	if _, found, _ := store.Get(ctx, "k2"); found {
		t.Error("expected k2 to be evicted")
	}
	if _, found, _ := store.Get(ctx, "k1"); !found {
		t.Error("recently used k1 should survive")
	}
	if store.Size() != 3 {
		t.Errorf("size should stay at cap, got %d", store.Size())
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	_ = store.Set(ctx, "k1", "v1", 0)
	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, found, _ := store.Get(ctx, "k1"); found {
		t.Error("deleted key reported as present")
	}

	if err := store.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("deleting an absent key should not error: %v", err)
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	_ = store.Set(ctx, "gone", "v", time.Millisecond)
	_ = store.Set(ctx, "stays", "v", time.Hour)
	time.Sleep(5 * time.Millisecond)

	store.Cleanup()

	if store.Size() != 1 {
		t.Errorf("expected one live key after cleanup, got %d", store.Size())
	}
}
