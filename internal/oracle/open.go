package oracle

import (
	"fmt"
	"path/filepath"

	"kvsync/internal/backend"
)

// DefaultBackends is the canonical oracle: the filesystem store as
// primary, checked against SQLite and the in-memory reference.
var DefaultBackends = []string{backend.FS, backend.SQLite, backend.Memory}

// OpenDir builds the canonical three-backend oracle, each backend in its
// own sub-directory of dir.
func OpenDir(dir string, opts ...Option) (*Oracle, error) {
	return OpenBackends(dir, DefaultBackends, backend.Options{}, opts...)
}

// OpenBackends opens the named backends under dir/<name>_store and wraps
// them in an Oracle. names[0] becomes the primary.
func OpenBackends(dir string, names []string, bopts backend.Options, opts ...Option) (*Oracle, error) {
	members := make([]Backend, 0, len(names))
	closeAll := func() {
		for _, m := range members {
			backend.Close(m.Store)
		}
	}
	for _, name := range names {
		s, err := backend.Open(name, filepath.Join(dir, name+"_store"), bopts)
		if err != nil {
			closeAll()
			return nil, err
		}
		members = append(members, Backend{Name: name, Store: s})
	}
	o, err := New(members, opts...)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("building oracle: %w", err)
	}
	return o, nil
}
