package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore хранит отметки в памяти процесса. Подходит для одного экземпляра и тестов.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// MarkProcessed отмечает событие. Возвращает false, если действующая отметка уже есть.
// Заодно удаляет истёкшие отметки.
func (s *MemoryStore) MarkProcessed(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, id)
		}
	}

	if _, ok := s.entries[eventID]; ok {
		return false, nil
	}
	s.entries[eventID] = now.Add(ttl)
	return true, nil
}

// Forget снимает отметку.
func (s *MemoryStore) Forget(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, eventID)
	return nil
}

// Close ничего не делает.
func (s *MemoryStore) Close() error {
	return nil
}
