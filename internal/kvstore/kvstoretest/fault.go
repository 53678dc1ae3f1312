package kvstoretest

import (
	"sync"

	"kvsync/internal/kvstore"
)

// Op names accepted by FaultStore.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpRemove = "remove"
	OpList   = "list"
)

// FaultStore wraps a backend and misbehaves on request. It is used to
// prove that divergence between backends is detected.
type FaultStore struct {
	kvstore.Store

	mu           sync.Mutex
	failNext     map[string]error
	corruptReads bool
	dropWrites   bool
	hidden       map[string]bool
	calls        map[string]int
}

// NewFaultStore wraps s. With no faults configured it is transparent.
func NewFaultStore(s kvstore.Store) *FaultStore {
	return &FaultStore{
		Store:    s,
		failNext: make(map[string]error),
		hidden:   make(map[string]bool),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next call of op return err without reaching the
// wrapped store.
func (f *FaultStore) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

// CorruptReads flips the first byte of every successful read.
func (f *FaultStore) CorruptReads(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corruptReads = on
}

// DropWrites makes writes report success without storing anything.
func (f *FaultStore) DropWrites(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropWrites = on
}

// Hide omits key from every listing.
func (f *FaultStore) Hide(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hidden[key] = true
}

// Calls returns how many times op was invoked, faulted or not.
func (f *FaultStore) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultStore) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	err := f.failNext[op]
	delete(f.failNext, op)
	return err
}

func (f *FaultStore) Read(primary, secondary, key string) ([]byte, error) {
	if err := f.take(OpRead); err != nil {
		return nil, err
	}
	v, err := f.Store.Read(primary, secondary, key)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	corrupt := f.corruptReads
	f.mu.Unlock()
	if corrupt {
		if len(v) == 0 {
			v = []byte{0}
		} else {
			v[0] ^= 0xff
		}
	}
	return v, nil
}

func (f *FaultStore) Write(primary, secondary, key string, data []byte) error {
	if err := f.take(OpWrite); err != nil {
		return err
	}
	f.mu.Lock()
	drop := f.dropWrites
	f.mu.Unlock()
	if drop {
		return nil
	}
	return f.Store.Write(primary, secondary, key, data)
}

func (f *FaultStore) Remove(primary, secondary, key string, lazy bool) error {
	if err := f.take(OpRemove); err != nil {
		return err
	}
	return f.Store.Remove(primary, secondary, key, lazy)
}

func (f *FaultStore) List(primary, secondary string) ([]string, error) {
	if err := f.take(OpList); err != nil {
		return nil, err
	}
	keys, err := f.Store.List(primary, secondary)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := keys[:0]
	for _, k := range keys {
		if !f.hidden[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

var _ kvstore.Store = (*FaultStore)(nil)
