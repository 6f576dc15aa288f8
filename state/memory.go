package state

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/util/goroutine"
)

// MemoryStore is a process-local Store for tests and single-node runs.
// Expired keys are dropped lazily on access and swept by a cleanup loop.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	logger  *zap.SugaredLogger

	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup
}

type memoryEntry struct {
	value     []byte
	version   uint64
	expiresAt time.Time
}

// NewMemoryStore creates a memory store and starts its cleanup goroutine
func NewMemoryStore(logger *zap.SugaredLogger) *MemoryStore {
	ms := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		logger:  logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	ms.cleanupCancel = cancel
	ms.cleanupWg.Add(1)
	go ms.cleanupLoop(ctx)

	return ms
}

// Get returns the entry and whether the key exists
func (ms *MemoryStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[key]
	if !ok || ms.expiredLocked(e) {
		delete(ms.entries, key)
		return Entry{}, false, nil
	}

	value := make([]byte, len(e.value))
	copy(value, e.value)
	return Entry{Value: value, Version: e.version}, true, nil
}

// Put writes unconditionally and returns the new version
func (ms *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var version uint64 = 1
	if e, ok := ms.entries[key]; ok && !ms.expiredLocked(e) {
		version = e.version + 1
	}
	ms.setLocked(key, value, version, ttl)
	return version, nil
}

// CompareAndSwap writes only if the current version matches expectedVersion
func (ms *MemoryStore) CompareAndSwap(ctx context.Context, key string, value []byte, expectedVersion uint64, ttl time.Duration) (uint64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[key]
	if ok && ms.expiredLocked(e) {
		delete(ms.entries, key)
		ok = false
	}

	var current uint64
	if ok {
		current = e.version
	}
	if current != expectedVersion {
		return 0, ErrConflict
	}

	version := expectedVersion + 1
	ms.setLocked(key, value, version, ttl)
	return version, nil
}

// Delete removes a key
func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.entries, key)
	return nil
}

// Close stops the cleanup goroutine
func (ms *MemoryStore) Close() error {
	if ms.cleanupCancel != nil {
		ms.cleanupCancel()
	}
	ms.cleanupWg.Wait()
	return nil
}

func (ms *MemoryStore) setLocked(key string, value []byte, version uint64, ttl time.Duration) {
	buf := make([]byte, len(value))
	copy(buf, value)
	entry := &memoryEntry{value: buf, version: version}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	ms.entries[key] = entry
}

func (ms *MemoryStore) expiredLocked(e *memoryEntry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func (ms *MemoryStore) cleanupLoop(ctx context.Context) {
	defer ms.cleanupWg.Done()
	defer goroutine.Recover("state-cleanup", ms.logger)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ms.sweepExpired()
		}
	}
}

func (ms *MemoryStore) sweepExpired() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	for key, e := range ms.entries {
		if ms.expiredLocked(e) {
			delete(ms.entries, key)
			removed++
		}
	}
	if removed > 0 && ms.logger != nil {
		ms.logger.Debugw("Swept expired state entries", "removed", removed, "remaining", len(ms.entries))
	}
}
