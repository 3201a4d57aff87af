package settings

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository keeps settings in process memory.
type MemoryRepository struct {
	mu   sync.RWMutex
	data map[string]CalibrationSettings
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: make(map[string]CalibrationSettings)}
}

func (m *MemoryRepository) Get(ctx context.Context, productID string) (CalibrationSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.data[productID]
	if !ok {
		return CalibrationSettings{}, ErrNotFound
	}
	return cs.Normalize(), nil
}

func (m *MemoryRepository) Upsert(ctx context.Context, productID string, cs CalibrationSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[productID] = cs.Normalize()
	return nil
}

func (m *MemoryRepository) Delete(ctx context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[productID]; !ok {
		return ErrNotFound
	}
	delete(m.data, productID)
	return nil
}

func (m *MemoryRepository) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
