// Package memstore is the in-memory reference implementation of
// kvstore.Store.
package memstore

import (
	"sync"

	"kvsync/internal/kvstore"
)

type namespace struct {
	primary, secondary string
}

// Store keeps every record in a map guarded by a RWMutex. It is safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[namespace]map[string][]byte
	closed  bool
}

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[namespace]map[string][]byte)}
}

func (s *Store) Read(primary, secondary, key string) ([]byte, error) {
	if err := kvstore.CheckKey("read", primary, secondary, key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kvstore.ErrClosed
	}
	v, ok := s.records[namespace{primary, secondary}][key]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Write(primary, secondary, key string, data []byte) error {
	if err := kvstore.CheckKey("write", primary, secondary, key); err != nil {
		return err
	}
	v := make([]byte, len(data))
	copy(v, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kvstore.ErrClosed
	}
	ns := namespace{primary, secondary}
	keys, ok := s.records[ns]
	if !ok {
		keys = make(map[string][]byte)
		s.records[ns] = keys
	}
	keys[key] = v
	return nil
}

// Remove deletes the record. Memory is reclaimed immediately regardless
// of lazy.
func (s *Store) Remove(primary, secondary, key string, _ bool) error {
	if err := kvstore.CheckKey("remove", primary, secondary, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kvstore.ErrClosed
	}
	ns := namespace{primary, secondary}
	keys, ok := s.records[ns]
	if !ok {
		return nil
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(s.records, ns)
	}
	return nil
}

func (s *Store) List(primary, secondary string) ([]string, error) {
	if err := kvstore.CheckNamespace("list", primary, secondary); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kvstore.ErrClosed
	}
	keys := s.records[namespace{primary, secondary}]
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out, nil
}

// Close drops all records. Later operations return kvstore.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}

var _ kvstore.Store = (*Store)(nil)
