package kvstore

import (
	"context"
	"sync"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process store. It backs the tab-scoped store and can stand
// in for a profile-scoped store when several clients share one process.
type Memory struct {
	mu sync.RWMutex

	values   map[string]string
	watchers map[chan Change]struct{}
	closed   bool
	done     chan struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string]string),
		watchers: make(map[chan Change]struct{}),
		done:     make(chan struct{}),
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
	m.publishLocked(Change{Key: key, Value: value})
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.values[key]; !ok {
		return nil
	}
	delete(m.values, key)
	m.publishLocked(Change{Key: key, Deleted: true})
	return nil
}

func (m *Memory) Watch(ctx context.Context) (<-chan Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Change, watchBuffer)
	if m.closed {
		close(ch)
		return ch, nil
	}
	m.watchers[ch] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
	}()

	return ch, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	for ch := range m.watchers {
		delete(m.watchers, ch)
		close(ch)
	}
	return nil
}

// publishLocked fans a change out to watchers, dropping it for any watcher
// whose buffer is full.
func (m *Memory) publishLocked(change Change) {
	for ch := range m.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}
