package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-memory Store, safe for concurrent use. It backs every
// kernel test in this module and is suitable for small single-process
// deployments that don't need the PocketBase-backed adapter.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
	logs  map[string][][]byte
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		blobs: make(map[string][]byte),
		logs:  make(map[string][][]byte),
	}
}

func (m *Memory) GetJSON(_ context.Context, key string, out any) (bool, error) {
	m.mu.Lock()
	raw, ok := m.blobs[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) PutJSON(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blobs[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendJSONLine(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.logs[key] = append(m.logs[key], raw)
	m.mu.Unlock()
	return nil
}

// Lines returns a copy of every line appended to key, for test assertions.
func (m *Memory) Lines(key string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.logs[key]))
	copy(out, m.logs[key])
	return out
}
