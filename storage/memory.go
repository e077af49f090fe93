package storage

import (
	"context"
	"sync"
)

// Memory keeps values in process memory only, nothing survives a restart.
type Memory struct {
	values     map[string]string
	valuesLock sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{values: map[string]string{}}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.valuesLock.RLock()
	defer m.valuesLock.RUnlock()

	val, ok := m.values[key]
	return val, ok, nil
}

func (m *Memory) Set(_ context.Context, values map[string]string) error {
	m.valuesLock.Lock()
	defer m.valuesLock.Unlock()

	for k, v := range values {
		m.values[k] = v
	}

	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.valuesLock.Lock()
	defer m.valuesLock.Unlock()

	for _, k := range keys {
		delete(m.values, k)
	}

	return nil
}

func (m *Memory) Close() error {
	return nil
}
