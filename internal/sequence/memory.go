package sequence

import (
	"context"
	"sync"
)

// MemoryCounter - CounterStore в памяти процесса для тестов и локального запуска.
// Err, если задан, возвращается из каждого Increment и имитирует недоступное хранилище.
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
	Err    error
}

// NewMemoryCounter создаёт пустой счётчик в памяти.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: make(map[string]int64)}
}

// Increment увеличивает значение ключа под мьютексом.
func (m *MemoryCounter) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return 0, m.Err
	}
	if m.values == nil {
		m.values = make(map[string]int64)
	}
	m.values[key]++
	return m.values[key], nil
}

// Set задаёт текущее значение ключа.
func (m *MemoryCounter) Set(key string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.values == nil {
		m.values = make(map[string]int64)
	}
	m.values[key] = value
}

// Value возвращает текущее значение ключа.
func (m *MemoryCounter) Value(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}
