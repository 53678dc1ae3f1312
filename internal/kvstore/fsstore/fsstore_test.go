package fsstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"kvsync/internal/kvstore"
	"kvsync/internal/kvstore/kvstoretest"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fs_store"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	kvstoretest.Run(t, func(t *testing.T) kvstore.Store { return tempStore(t) })
}

func TestReopenKeepsRecords(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fs_store")
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write("monitors", "", "abc_0", []byte("state")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.Read("monitors", "", "abc_0")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "state" {
		t.Fatalf("expected state, got %q", got)
	}
}

func TestLayout(t *testing.T) {
	s := tempStore(t)
	if err := s.Write("ns", "", "key", []byte("v")); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(s.dir, encodeName("ns"), emptyName, encodeName("key"))
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("record file should exist at %s: %v", want, err)
	}
}

func TestListSkipsTempAndForeignFiles(t *testing.T) {
	s := tempStore(t)
	if err := s.Write("ns", "sub", "key", []byte("v")); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(s.dir, encodeName("ns"), encodeName("sub"))
	for _, name := range []string{tmpPrefix + "leftover", "not-hex", emptyName} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, encodeName("subdir")), 0o700); err != nil {
		t.Fatal(err)
	}

	keys, err := s.List("ns", "sub")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "key" {
		t.Fatalf("expected [key], got %v", keys)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	s := tempStore(t)
	for i := range 5 {
		if err := s.Write("ns", "", "key", []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, encodeName("ns"), emptyName))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single record file, got %d entries", len(entries))
	}
}

func TestInvalidWriteCreatesNothing(t *testing.T) {
	s := tempStore(t)
	if err := s.Write("", "sub", "key", []byte("v")); !errors.Is(err, kvstore.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if err := s.Write("ns", "sub", "", []byte("v")); !errors.Is(err, kvstore.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected writes should not touch the disk, found %d entries", len(entries))
	}
}

func TestClosed(t *testing.T) {
	s := tempStore(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if _, err := s.Read("a", "", "k"); !errors.Is(err, kvstore.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Write("a", "", "k", nil); !errors.Is(err, kvstore.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.List("a", ""); !errors.Is(err, kvstore.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestEncodeName(t *testing.T) {
	for _, s := range []string{"", "a", "../x", "ünï"} {
		got, err := decodeName(encodeName(s))
		if err != nil {
			t.Fatalf("decode %q: %v", s, err)
		}
		if got != s {
			t.Fatalf("round trip %q gave %q", s, got)
		}
	}
}
