package quota

import (
	"context"
	"sync"
	"time"
)

type usageKey struct {
	Scope      Scope
	Identifier string
	Window     TimeWindow
}

type usageRecord struct {
	Amount    int64
	WindowEnd time.Time
}

// MemoryStore is an in-memory Store for single-instance deployments and tests.
type MemoryStore struct {
	data map[usageKey]*usageRecord
	mu   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[usageKey]*usageRecord),
	}
}

func (s *MemoryStore) GetUsage(_ context.Context, scope Scope, identifier string, window TimeWindow, now time.Time) (int64, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.data[usageKey{Scope: scope, Identifier: identifier, Window: window}]
	if !exists || !record.WindowEnd.After(now) {
		return 0, now.Add(window.Duration()), nil
	}

	return record.Amount, record.WindowEnd, nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, scope Scope, identifier string, window TimeWindow, amount int64, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey{Scope: scope, Identifier: identifier, Window: window}
	record, exists := s.data[key]

	if !exists || !record.WindowEnd.After(now) {
		record = &usageRecord{
			Amount:    amount,
			WindowEnd: now.Add(window.Duration()),
		}
		s.data[key] = record
		return record.Amount, record.WindowEnd, nil
	}

	record.Amount += amount
	return record.Amount, record.WindowEnd, nil
}

func (s *MemoryStore) DeleteUsage(_ context.Context, scope Scope, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.data {
		if key.Scope == scope && key.Identifier == identifier {
			delete(s.data, key)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, record := range s.data {
		if record.WindowEnd.Before(before) {
			delete(s.data, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[usageKey]*usageRecord)
	return nil
}

// Size returns the number of records in the store.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
