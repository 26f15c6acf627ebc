package blobstore

import (
	"context"
	"sync"
	"sync/atomic"
)

// Compile-time interface satisfaction checks.
var (
	_ Store  = (*MemoryStore)(nil)
	_ Writer = (*MemoryStore)(nil)
)

type memoryObject struct {
	body      []byte
	validator string
}

// MemoryStore is an in-process Store. It is used for local development and as
// the backend in tests, and it counts the requests it serves.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	gets    atomic.Int64
	fetches atomic.Int64

	// failures, when non-nil, is consulted on every Get; a non-nil error
	// turns that Get into a Failed result.
	failures func(key string) error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key, validator string) Result {
	m.gets.Add(1)

	m.mu.RLock()
	obj, ok := m.objects[key]
	fail := m.failures
	m.mu.RUnlock()

	if fail != nil {
		if err := fail(key); err != nil {
			return FailedResult(err)
		}
	}
	if !ok {
		return NotFoundResult()
	}
	if validator != "" && validator == obj.validator {
		return NotModifiedResult()
	}
	m.fetches.Add(1)
	body := make([]byte, len(obj.body))
	copy(body, obj.body)
	return FetchedResult(body, obj.validator)
}

// Put implements Writer. The validator is derived from the body content.
func (m *MemoryStore) Put(_ context.Context, key string, body []byte) (string, error) {
	return m.PutWithValidator(key, body, ContentValidator(body)), nil
}

// PutWithValidator stores body under key with an explicit validator.
func (m *MemoryStore) PutWithValidator(key string, body []byte, validator string) string {
	cp := make([]byte, len(body))
	copy(cp, body)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{body: cp, validator: validator}
	return validator
}

// Delete removes key.
func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// SetFailure installs a hook that can fail individual Gets. Pass nil to clear.
func (m *MemoryStore) SetFailure(fn func(key string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = fn
}

// Gets returns the number of Get calls served.
func (m *MemoryStore) Gets() int64 {
	return m.gets.Load()
}

// Fetches returns the number of Get calls that returned a body.
func (m *MemoryStore) Fetches() int64 {
	return m.fetches.Load()
}
