package memory

import (
	"context"
	"sync"
	"time"
)

// EventStore records processed webhook event IDs.
type EventStore struct {
	mu     sync.RWMutex
	events map[string]time.Time
}

func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string]time.Time)}
}

func (s *EventStore) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *EventStore) MarkProcessed(_ context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		s.events[eventID] = at
	}
	return nil
}

func (s *EventStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, at := range s.events {
		if at.Before(cutoff) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// EventLocker is the single-process fallback for the Redis event lock.
type EventLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

func NewEventLocker() *EventLocker {
	return &EventLocker{locks: make(map[string]time.Time), now: time.Now}
}

func (l *EventLocker) Acquire(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.locks[eventID]; ok && now.Before(exp) {
		return false, nil
	}
	l.locks[eventID] = now.Add(ttl)
	return true, nil
}

func (l *EventLocker) Release(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, eventID)
	return nil
}

// ProcessedCache is the single-process fallback for the Redis processed-event cache.
type ProcessedCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewProcessedCache() *ProcessedCache {
	return &ProcessedCache{entries: make(map[string]time.Time), now: time.Now}
}

func (c *ProcessedCache) IsProcessed(_ context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[eventID]
	if !ok {
		return false, nil
	}
	if !c.now().Before(exp) {
		delete(c.entries, eventID)
		return false, nil
	}
	return true, nil
}

func (c *ProcessedCache) MarkProcessed(_ context.Context, eventID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[eventID] = c.now().Add(ttl)
	return nil
}
