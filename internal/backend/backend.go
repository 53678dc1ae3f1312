// Package backend names the available kvstore.Store implementations and
// opens them inside a directory.
package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"kvsync/internal/kvstore"
	"kvsync/internal/kvstore/boltstore"
	"kvsync/internal/kvstore/fsstore"
	"kvsync/internal/kvstore/memstore"
	"kvsync/internal/kvstore/sqlstore"
)

// Backend names.
const (
	FS     = "fs"
	SQLite = "sqlite"
	Memory = "memory"
	Bolt   = "bolt"
)

// Options carries backend-specific settings. Unused fields are ignored.
type Options struct {
	SQLiteFile  string
	SQLiteTable string
	BoltFile    string
}

// Plugin builds one kind of backend.
type Plugin interface {
	// Name returns the name of the backend
	Name() string
	// Open returns a backend whose resources live under dir
	Open(dir string, opts Options) (kvstore.Store, error)
}

type plugin struct {
	name string
	open func(dir string, opts Options) (kvstore.Store, error)
}

func (p plugin) Name() string { return p.name }

func (p plugin) Open(dir string, opts Options) (kvstore.Store, error) {
	s, err := p.open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", p.name, err)
	}
	return s, nil
}

var plugins = []Plugin{
	plugin{FS, func(dir string, _ Options) (kvstore.Store, error) {
		return fsstore.Open(dir)
	}},
	plugin{SQLite, func(dir string, opts Options) (kvstore.Store, error) {
		return sqlstore.Open(dir, sqlstore.Options{FileName: opts.SQLiteFile, TableName: opts.SQLiteTable})
	}},
	plugin{Memory, func(string, Options) (kvstore.Store, error) {
		return memstore.New(), nil
	}},
	plugin{Bolt, func(dir string, opts Options) (kvstore.Store, error) {
		name := opts.BoltFile
		if name == "" {
			name = "kvsync.db"
		}
		if err := ensureDir(dir); err != nil {
			return nil, err
		}
		return boltstore.Open(filepath.Join(dir, name))
	}},
}

// Plugins lists every available backend, in a stable order.
func Plugins() []Plugin {
	out := make([]Plugin, len(plugins))
	copy(out, plugins)
	return out
}

// Names lists the names of every available backend.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name()
	}
	return names
}

// Lookup returns the plugin whose name matches the given name.
// It returns nil if no such plugin is found.
func Lookup(name string) Plugin {
	for _, p := range plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Open opens the named backend under dir.
func Open(name, dir string, opts Options) (kvstore.Store, error) {
	p := Lookup(name)
	if p == nil {
		return nil, fmt.Errorf("unknown backend %q (available: %v)", name, Names())
	}
	return p.Open(dir, opts)
}

// Close closes s if it owns a resource.
func Close(s kvstore.Store) error {
	if c, ok := s.(kvstore.Closer); ok {
		return c.Close()
	}
	return nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating backend dir: %w", err)
	}
	return nil
}
