// Package memstore is an in-process store.KV used by tests and by local
// development when no Redis address is configured.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/opsdeck/authcore/store"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// Store is a mutex-guarded map implementing store.KV.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	nowFunc func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNowFunc sets the clock (for expiry tests).
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

func New(options ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !e.expiresAt.IsZero() && s.nowFunc().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, store.ErrNotFound
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.newEntry(value, ttl)
	return nil
}

func (s *Store) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		if e.expiresAt.IsZero() || s.nowFunc().Before(e.expiresAt) {
			return false, nil
		}
		// Expired entry still in the map: treat as absent.
	}
	s.entries[key] = s.newEntry(value, ttl)
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *Store) newEntry(value []byte, ttl time.Duration) entry {
	stored := make([]byte, len(value))
	copy(stored, value)
	e := entry{value: stored}
	if ttl > 0 {
		e.expiresAt = s.nowFunc().Add(ttl)
	}
	return e
}

var _ store.KV = (*Store)(nil)
