package counter

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// MemoryStore is a process-local Store for tests and single-node
// deployments without redis. Increments are atomic under the mutex.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryEntry
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) IncrementAndGet(_ context.Context, tenantID snowflake.ID, limitKey string, windowStart time.Time, window time.Duration) (int64, error) {
	key := counterKey(tenantID, limitKey, windowStart)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)

	entry, ok := s.counters[key]
	if !ok {
		entry = &memoryEntry{expiresAt: windowStart.Add(2 * window)}
		s.counters[key] = entry
	}
	entry.count++
	return entry.count, nil
}

// sweepLocked drops counters past their retention horizon. Entries are
// keyed by window start, so an expired entry can never be the active
// window's counter.
func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, entry := range s.counters {
		if now.After(entry.expiresAt) {
			delete(s.counters, key)
		}
	}
}
