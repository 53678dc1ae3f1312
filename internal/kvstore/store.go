// Package kvstore defines the namespaced key-value contract that every
// persistence backend implements.
//
// A record is addressed by a (primary namespace, secondary namespace, key)
// triple. The namespace pair partitions the keyspace; List operates on one
// pair at a time. Backends are interchangeable: they must agree on
// validation, error classification and visibility ordering, so a caller
// cannot tell which one it is talking to.
package kvstore

import "errors"

// MaxNamespaceKeyLen is the maximum length in bytes of each of the primary
// namespace, the secondary namespace and the key.
const MaxNamespaceKeyLen = 120

// Store is the contract implemented by every backend.
//
// Identifiers are validated with CheckKey (CheckNamespace for List) before
// any I/O is attempted.
type Store interface {
	// Read returns the bytes last written at the identifier, or ErrNotFound.
	Read(primary, secondary, key string) ([]byte, error)

	// Write persists data at the identifier, replacing any prior record.
	// The write is durable when Write returns nil.
	Write(primary, secondary, key string, data []byte) error

	// Remove deletes the record if present. Removing an absent record
	// succeeds. With lazy set the backend may defer physical reclamation,
	// but the key is absent from every Read and List issued afterwards.
	Remove(primary, secondary, key string, lazy bool) error

	// List returns the keys stored under the namespace pair in no
	// particular order. An unknown pair yields an empty result.
	List(primary, secondary string) ([]string, error)
}

// Closer is implemented by backends that own a resource.
type Closer interface {
	Close() error
}

// Snapshotter is implemented by backends that can copy a whole namespace
// pair in one consistent view.
type Snapshotter interface {
	Snapshot(primary, secondary string) (map[string][]byte, error)
}

// Snapshot returns every record under the namespace pair. Backends that
// are not Snapshotters are read key by key, so a concurrent writer may
// be observed half way. A key removed between the listing and its read
// is left out.
func Snapshot(s Store, primary, secondary string) (map[string][]byte, error) {
	if sn, ok := s.(Snapshotter); ok {
		return sn.Snapshot(primary, secondary)
	}
	keys, err := s.List(primary, secondary)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		data, err := s.Read(primary, secondary, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = data
	}
	return out, nil
}
