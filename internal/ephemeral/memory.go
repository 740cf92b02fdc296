package ephemeral

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

// MemoryStore keeps ephemeral entries in process memory. Expired entries are
// dropped lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryStore) put(key string, v any, ttl time.Duration) {
	e := memoryEntry{value: v}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
}

func (m *MemoryStore) get(key string) (any, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

func (m *MemoryStore) PublishSession(ctx context.Context, d Descriptor, b DeviceBinding, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(SessionKey(d.SessionID), d, ttl)
	m.put(DeviceKey(b.DeviceID), b, ttl)
	return nil
}

func (m *MemoryStore) GetDescriptor(ctx context.Context, sessionID string) (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(SessionKey(sessionID))
	if !ok {
		return nil, ErrNotFound
	}
	d := v.(Descriptor)
	return &d, nil
}

func (m *MemoryStore) GetDeviceBinding(ctx context.Context, deviceID string) (*DeviceBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(DeviceKey(deviceID))
	if !ok {
		return nil, ErrNotFound
	}
	b := v.(DeviceBinding)
	return &b, nil
}

func (m *MemoryStore) PutImage(ctx context.Context, ref string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(ref, append([]byte(nil), data...), ttl)
	return nil
}

func (m *MemoryStore) GetImage(ctx context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(ref)
	if !ok {
		return nil, ErrNotFound
	}
	return v.([]byte), nil
}

func (m *MemoryStore) DeleteImage(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, ref)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
