// Package blobstore is the host key-value storage the identity and delivery
// stores persist their JSON blobs into. Backends are selected by DSN.
package blobstore

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrNotFound       = errors.New("blob not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, blob []byte) error
	Remove(ctx context.Context, key string) error
}

// Watcher is implemented by backends that can report which keys changed,
// including changes made by another process.
type Watcher interface {
	Watch(ctx context.Context) (<-chan string, error)
}

type closer interface {
	Close() error
}

// Close releases backend resources when the backend holds any.
func Close(store Store) error {
	if c, ok := store.(closer); ok {
		return c.Close()
	}
	return nil
}

type MemoryStore struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	watchers []chan string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, blob []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), blob...)
	m.notifyLocked(key)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; !ok {
		return nil
	}
	delete(m.blobs, key)
	m.notifyLocked(key)
	return nil
}

func (m *MemoryStore) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w == ch {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// notifyLocked drops notifications for slow watchers; a watcher only needs
// to know that a key changed at least once since it last looked.
func (m *MemoryStore) notifyLocked(key string) {
	for _, ch := range m.watchers {
		select {
		case ch <- key:
		default:
		}
	}
}
