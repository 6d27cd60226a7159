package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	record  *Record
	expires time.Time
}

// MemoryStore is the in-process Store used in memory storage mode and tests.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	retention time.Duration
	lockTTL   time.Duration
	now       func() time.Time
}

func NewMemoryStore(retention, lockTTL time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &MemoryStore{
		entries:   make(map[string]memoryEntry),
		retention: retention,
		lockTTL:   lockTTL,
		now:       time.Now,
	}
}

func (s *MemoryStore) Begin(_ context.Context, scope, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := storageKey(scope, key)
	now := s.now()
	if e, ok := s.entries[k]; ok && now.Before(e.expires) {
		if e.record == nil {
			return nil, ErrInProgress
		}
		rec := *e.record
		return &rec, nil
	}
	s.entries[k] = memoryEntry{expires: now.Add(s.lockTTL)}
	s.sweep(now)
	return nil, nil
}

func (s *MemoryStore) Complete(_ context.Context, scope, key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[storageKey(scope, key)] = memoryEntry{record: &rec, expires: s.now().Add(s.retention)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := storageKey(scope, key)
	if e, ok := s.entries[k]; ok && e.record == nil {
		delete(s.entries, k)
	}
	return nil
}

// sweep drops expired entries. Called with mu held.
func (s *MemoryStore) sweep(now time.Time) {
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
}
