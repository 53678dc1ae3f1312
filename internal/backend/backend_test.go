package backend_test

import (
	"path/filepath"
	"testing"

	"kvsync/internal/backend"
	"kvsync/internal/kvstore"
	"kvsync/internal/kvstore/kvstoretest"
)

func tempBackend(t *testing.T, p backend.Plugin) kvstore.Store {
	t.Helper()
	s, err := p.Open(filepath.Join(t.TempDir(), p.Name()), backend.Options{})
	if err != nil {
		t.Fatalf("Could not build a %s store: %v", p.Name(), err)
	}
	t.Cleanup(func() { backend.Close(s) })
	return s
}

func TestDrivers(t *testing.T) {
	for _, p := range backend.Plugins() {
		t.Run(p.Name(), func(t *testing.T) {
			kvstoretest.Run(t, func(t *testing.T) kvstore.Store { return tempBackend(t, p) })
		})
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{backend.FS, backend.SQLite, backend.Memory, backend.Bolt} {
		p := backend.Lookup(name)
		if p == nil {
			t.Fatalf("plugin %q not registered", name)
		}
		if p.Name() != name {
			t.Fatalf("Lookup(%q).Name() = %q", name, p.Name())
		}
	}
	if backend.Lookup("nope") != nil {
		t.Fatal("unknown plugin should be nil")
	}
}

func TestOpenUnknown(t *testing.T) {
	if _, err := backend.Open("nope", t.TempDir(), backend.Options{}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpenPassesOptions(t *testing.T) {
	_, err := backend.Open(backend.SQLite, t.TempDir(), backend.Options{SQLiteTable: "bad name"})
	if err == nil {
		t.Fatal("sqlite options should reach the backend")
	}
}

func TestNames(t *testing.T) {
	names := backend.Names()
	if len(names) != len(backend.Plugins()) {
		t.Fatalf("Names() and Plugins() disagree: %v", names)
	}
	if names[0] != backend.FS {
		t.Fatalf("fs should be listed first, got %v", names)
	}
}
