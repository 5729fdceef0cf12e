package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	key         string
	value       string
	expiresAt   time.Time
	listElement *list.Element
}

// MemoryStore is an LRU-bounded, TTL-aware in-process Store. It carries the
// same contract as RedisStore so services never branch on the backend.
type MemoryStore struct {
	entries     map[string]*memoryEntry
	accessOrder *list.List
	maxSize     int
	mu          sync.Mutex
}

// NewMemoryStore creates an in-memory store holding at most maxSize keys.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryStore{
		entries:     make(map[string]*memoryEntry),
		accessOrder: list.New(),
		maxSize:     maxSize,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		return "", false, nil
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.deleteEntryUnsafe(entry)
		return "", false, nil
	}

	s.accessOrder.MoveToFront(entry.listElement)
	return entry.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.entries[key]; exists {
		entry.value = value
		entry.expiresAt = expiresAt
		s.accessOrder.MoveToFront(entry.listElement)
		return nil
	}

	if len(s.entries) >= s.maxSize {
		s.evictLRUUnsafe()
	}

	entry := &memoryEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	}
	entry.listElement = s.accessOrder.PushFront(entry)
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.entries[key]; exists {
		s.deleteEntryUnsafe(entry)
	}
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*memoryEntry)
	s.accessOrder = list.New()
	return nil
}

// Cleanup removes expired entries eagerly.
func (s *MemoryStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []*memoryEntry
	for _, entry := range s.entries {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		s.deleteEntryUnsafe(entry)
	}
}

// Size returns the current number of live keys.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) evictLRUUnsafe() {
	lruElement := s.accessOrder.Back()
	if lruElement == nil {
		return
	}
	s.deleteEntryUnsafe(lruElement.Value.(*memoryEntry))
}

func (s *MemoryStore) deleteEntryUnsafe(entry *memoryEntry) {
	delete(s.entries, entry.key)
	if entry.listElement != nil {
		s.accessOrder.Remove(entry.listElement)
	}
}
