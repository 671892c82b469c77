package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process. Used by tests and local runs without Firestore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Claim(_ context.Context, scope, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[scope]
	if !ok || entry.expired(now) {
		entry = Entry{Scope: scope, Fingerprint: fingerprint, ClaimedAt: now, ExpiresAt: now.Add(normaliseTTL(ttl))}
		s.entries[scope] = entry
		return Claimed, entry, nil
	}
	if entry.Fingerprint != fingerprint {
		return 0, Entry{}, ErrKeyReused
	}
	if entry.Done {
		return Replay, entry, nil
	}
	return InFlight, entry, nil
}

func (s *MemoryStore) Complete(_ context.Context, scope, fingerprint string, reply Reply, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[scope]
	if ok && entry.Fingerprint != fingerprint {
		return ErrKeyReused
	}
	if !ok {
		entry = Entry{Scope: scope, Fingerprint: fingerprint, ClaimedAt: now}
	}
	reply.Body = append([]byte(nil), reply.Body...)
	entry.Done = true
	entry.Reply = reply
	entry.ExpiresAt = now.Add(normaliseTTL(ttl))
	s.entries[scope] = entry
	return nil
}

func (s *MemoryStore) Release(_ context.Context, scope string) error {
	s.mu.Lock()
	delete(s.entries, scope)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for scope, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if entry.expired(now) {
			delete(s.entries, scope)
			removed++
		}
	}
	return removed, nil
}
