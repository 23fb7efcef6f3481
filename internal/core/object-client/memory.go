package objectclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/markdave123-py/pdfrag/internal/core"
)

// MemoryClient keeps objects in a map. Used by tests and OBJECT_STORE=memory.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string][]byte)}
}

func (m *MemoryClient) UploadFile(_ context.Context, bucket, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return "mem://" + bucket + "/" + escapeKey(key), nil
}

func (m *MemoryClient) DeleteFile(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	return nil
}

func (m *MemoryClient) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%w: object %s/%s", core.ErrNotFound, bucket, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryClient) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ core.ObjectClient = (*MemoryClient)(nil)
