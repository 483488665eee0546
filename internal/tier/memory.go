package tier

import (
	"context"
	"sync"
	"time"
)

// Memory is the ephemeral tier: a TTL map overlay consulted first on every
// read. Call Close to stop the background eviction goroutine.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]memEntry
	defaultTTL time.Duration
	maxEntries int
	done       chan struct{}
	closeOnce  sync.Once
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory creates the ephemeral tier. maxEntries of 0 means unbounded.
func NewMemory(defaultTTL time.Duration, maxEntries int) *Memory {
	m := &Memory{
		entries:    make(map[string]memEntry),
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

func (m *Memory) Kind() Kind   { return KindEphemeral }
func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, ErrMiss
	}
	return e.value, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	if ttl < 0 {
		// No expiry: an ephemeral entry still ages out of the map
		// eventually, just not on a caller-visible horizon.
		ttl = 365 * 24 * time.Hour
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		if _, exists := m.entries[key]; !exists {
			m.evictSoonestLocked()
		}
	}
	m.entries[key] = memEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Healthy(ctx context.Context) error { return nil }

func (m *Memory) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// Len returns the current entry count, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// evictSoonestLocked drops the entry closest to expiry. Caller must hold m.mu.
func (m *Memory) evictSoonestLocked() {
	var (
		victim string
		oldest time.Time
		first  = true
	)
	for k, e := range m.entries {
		if first || e.expiresAt.Before(oldest) {
			victim = k
			oldest = e.expiresAt
			first = false
		}
	}
	if !first {
		delete(m.entries, victim)
	}
}

func (m *Memory) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Memory) evictExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
