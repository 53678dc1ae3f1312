// Package kvstoretest holds the conformance checks every kvstore.Store
// backend must pass, plus a fault-injecting wrapper for exercising code
// that compares backends.
package kvstoretest

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvsync/internal/kvstore"
)

// Factory returns a fresh, empty backend. It should register its own
// cleanup with t.
type Factory func(t *testing.T) kvstore.Store

const (
	testPrimary   = "testspace"
	testSecondary = "testsubspace"
	testKey       = "testkey"
)

var testData = []byte(strings.Repeat("*", 32))

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("WriteThenList", func(t *testing.T) { testWriteThenList(t, newStore(t)) })
	t.Run("WriteThenRead", func(t *testing.T) { testWriteThenRead(t, newStore(t)) })
	t.Run("RemoveThenList", func(t *testing.T) { testRemoveThenList(t, newStore(t)) })
	t.Run("Validation", func(t *testing.T) { testValidation(t, newStore(t)) })
	t.Run("MaxLength", func(t *testing.T) { testMaxLength(t, newStore(t)) })
	t.Run("ReadWriteRemoveList", func(t *testing.T) { ReadWriteRemoveList(t, newStore(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, newStore(t)) })
	t.Run("IdempotentWrite", func(t *testing.T) { testIdempotentWrite(t, newStore(t)) })
	t.Run("RemoveAbsent", func(t *testing.T) { testRemoveAbsent(t, newStore(t)) })
	t.Run("LazyRemove", func(t *testing.T) { testLazyRemove(t, newStore(t)) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, newStore(t)) })
	t.Run("EmptyValue", func(t *testing.T) { testEmptyValue(t, newStore(t)) })
	t.Run("ReadMissing", func(t *testing.T) { testReadMissing(t, newStore(t)) })
	t.Run("ListUnknownNamespace", func(t *testing.T) { testListUnknownNamespace(t, newStore(t)) })
	t.Run("AwkwardNames", func(t *testing.T) { testAwkwardNames(t, newStore(t)) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, newStore(t)) })
}

// ReadWriteRemoveList walks one store through the basic lifecycle, the
// validation rules and the maximum-length boundary in a single pass.
func ReadWriteRemoveList(t *testing.T, s kvstore.Store) {
	t.Helper()

	require.NoError(t, s.Write(testPrimary, testSecondary, testKey, testData))

	// The global namespace is allowed, a secondary namespace without a
	// primary one and an empty key are not.
	require.NoError(t, s.Write("", "", testKey, testData))
	requireInvalid(t, s.Write("", testSecondary, testKey, testData))
	requireInvalid(t, s.Write(testPrimary, testSecondary, "", testData))

	keys, err := s.List(testPrimary, testSecondary)
	require.NoError(t, err)
	require.Equal(t, []string{testKey}, keys)

	got, err := s.Read(testPrimary, testSecondary, testKey)
	require.NoError(t, err)
	require.Equal(t, testData, got)

	require.NoError(t, s.Remove(testPrimary, testSecondary, testKey, false))

	keys, err = s.List(testPrimary, testSecondary)
	require.NoError(t, err)
	require.Empty(t, keys)

	long := strings.Repeat("A", kvstore.MaxNamespaceKeyLen)
	require.NoError(t, s.Write(long, long, long, testData))

	keys, err = s.List(long, long)
	require.NoError(t, err)
	require.Equal(t, []string{long}, keys)

	got, err = s.Read(long, long, long)
	require.NoError(t, err)
	require.Equal(t, testData, got)

	require.NoError(t, s.Remove(long, long, long, false))

	keys, err = s.List(long, long)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func testWriteThenList(t *testing.T, s kvstore.Store) {
	require.NoError(t, s.Write(testPrimary, testSecondary, testKey, testData))
	keys, err := s.List(testPrimary, testSecondary)
	require.NoError(t, err)
	require.Equal(t, []string{testKey}, keys)
}

func testWriteThenRead(t *testing.T, s kvstore.Store) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, s.Write(testPrimary, testSecondary, testKey, data))
	got, err := s.Read(testPrimary, testSecondary, testKey)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// The returned slice belongs to the caller.
	got[0] = 0xff
	again, err := s.Read(testPrimary, testSecondary, testKey)
	require.NoError(t, err)
	assert.Equal(t, byte(0), again[0])
}

func testRemoveThenList(t *testing.T, s kvstore.Store) {
	require.NoError(t, s.Write(testPrimary, testSecondary, testKey, testData))
	require.NoError(t, s.Remove(testPrimary, testSecondary, testKey, false))
	keys, err := s.List(testPrimary, testSecondary)
	require.NoError(t, err)
	require.Empty(t, keys)

	_, err = s.Read(testPrimary, testSecondary, testKey)
	require.Equal(t, kvstore.KindNotFound, kvstore.KindOf(err), "read after remove: %v", err)
}

func testValidation(t *testing.T, s kvstore.Store) {
	long := strings.Repeat("A", kvstore.MaxNamespaceKeyLen+1)

	invalid := []struct{ primary, secondary, key string }{
		{"", testSecondary, testKey},
		{testPrimary, testSecondary, ""},
		{"", "", ""},
		{long, testSecondary, testKey},
		{testPrimary, long, testKey},
		{testPrimary, testSecondary, long},
	}
	for _, id := range invalid {
		requireInvalid(t, s.Write(id.primary, id.secondary, id.key, testData))
		_, err := s.Read(id.primary, id.secondary, id.key)
		requireInvalid(t, err)
		requireInvalid(t, s.Remove(id.primary, id.secondary, id.key, false))
		requireInvalid(t, s.Remove(id.primary, id.secondary, id.key, true))
	}
	_, err := s.List("", testSecondary)
	requireInvalid(t, err)

	// Rejected writes must leave no trace anywhere visible.
	for _, ns := range [][2]string{{"", ""}, {testPrimary, testSecondary}, {testPrimary, ""}} {
		keys, err := s.List(ns[0], ns[1])
		require.NoError(t, err)
		require.Empty(t, keys, "namespace %q/%q", ns[0], ns[1])
	}

	// The global namespace is fine.
	require.NoError(t, s.Write("", "", testKey, testData))
	keys, err := s.List("", "")
	require.NoError(t, err)
	require.Equal(t, []string{testKey}, keys)
	got, err := s.Read("", "", testKey)
	require.NoError(t, err)
	require.Equal(t, testData, got)
}

func testMaxLength(t *testing.T, s kvstore.Store) {
	long := strings.Repeat("A", kvstore.MaxNamespaceKeyLen)
	for _, id := range [][3]string{
		{long, long, long},
		{long, "", long},
		{testPrimary, testSecondary, long},
		{long, long, testKey},
	} {
		require.NoError(t, s.Write(id[0], id[1], id[2], testData))
		keys, err := s.List(id[0], id[1])
		require.NoError(t, err)
		require.Equal(t, []string{id[2]}, keys)
		got, err := s.Read(id[0], id[1], id[2])
		require.NoError(t, err)
		require.Equal(t, testData, got)
		require.NoError(t, s.Remove(id[0], id[1], id[2], false))
		keys, err = s.List(id[0], id[1])
		require.NoError(t, err)
		require.Empty(t, keys)
	}
}

func testOverwrite(t *testing.T, s kvstore.Store) {
	require.NoError(t, s.Write(testPrimary, "", testKey, []byte("first")))
	require.NoError(t, s.Write(testPrimary, "", testKey, []byte("second and longer")))
	require.NoError(t, s.Write(testPrimary, "", testKey, []byte("3rd")))

	got, err := s.Read(testPrimary, "", testKey)
	require.NoError(t, err)
	require.Equal(t, []byte("3rd"), got)

	keys, err := s.List(testPrimary, "")
	require.NoError(t, err)
	require.Equal(t, []string{testKey}, keys)
}

func testIdempotentWrite(t *testing.T, s kvstore.Store) {
	for range 2 {
		require.NoError(t, s.Write(testPrimary, testSecondary, testKey, testData))
	}
	got, err := s.Read(testPrimary, testSecondary, testKey)
	require.NoError(t, err)
	require.Equal(t, testData, got)
	keys, err := s.List(testPrimary, testSecondary)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func testRemoveAbsent(t *testing.T, s kvstore.Store) {
	require.NoError(t, s.Remove(testPrimary, testSecondary, "never-written", false))
	require.NoError(t, s.Remove(testPrimary, testSecondary, "never-written", true))

	require.NoError(t, s.Write(testPrimary, testSecondary, testKey, testData))
	require.NoError(t, s.Remove(testPrimary, testSecondary, testKey, false))
	require.NoError(t, s.Remove(testPrimary, testSecondary, testKey, false))
}

func testLazyRemove(t *testing.T, s kvstore.Store) {
	require.NoError(t, s.Write(testPrimary, testSecondary, "a", testData))
	require.NoError(t, s.Write(testPrimary, testSecondary, "b", testData))
	require.NoError(t, s.Remove(testPrimary, testSecondary, "a", true))

	keys, err := s.List(testPrimary, testSecondary)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keys)

	_, err = s.Read(testPrimary, testSecondary, "a")
	require.Equal(t, kvstore.KindNotFound, kvstore.KindOf(err))

	// A lazily removed key can be written again.
	require.NoError(t, s.Write(testPrimary, testSecondary, "a", []byte("again")))
	got, err := s.Read(testPrimary, testSecondary, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("again"), got)
}

func testNamespaceIsolation(t *testing.T, s kvstore.Store) {
	ids := [][3]string{
		{"", "", "k"},
		{"p", "", "k"},
		{"p", "s", "k"},
		{"p", "t", "k"},
		{"q", "s", "k"},
		{"p", "", "s"},
	}
	for i, id := range ids {
		require.NoError(t, s.Write(id[0], id[1], id[2], []byte{byte(i)}))
	}
	for i, id := range ids {
		got, err := s.Read(id[0], id[1], id[2])
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, got, "identifier %q", id)
	}

	keys, err := s.List("p", "")
	require.NoError(t, err)
	slices.Sort(keys)
	require.Equal(t, []string{"k", "s"}, keys)

	require.NoError(t, s.Remove("p", "s", "k", false))
	for _, id := range [][3]string{{"p", "t", "k"}, {"q", "s", "k"}, {"p", "", "k"}, {"", "", "k"}} {
		_, err := s.Read(id[0], id[1], id[2])
		require.NoError(t, err, "identifier %q should survive removal of p/s/k", id)
	}
}

func testEmptyValue(t *testing.T, s kvstore.Store) {
	require.NoError(t, s.Write(testPrimary, testSecondary, testKey, nil))
	got, err := s.Read(testPrimary, testSecondary, testKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)

	keys, err := s.List(testPrimary, testSecondary)
	require.NoError(t, err)
	require.Equal(t, []string{testKey}, keys)
}

func testReadMissing(t *testing.T, s kvstore.Store) {
	_, err := s.Read(testPrimary, testSecondary, testKey)
	require.Equal(t, kvstore.KindNotFound, kvstore.KindOf(err), "got %v", err)

	require.NoError(t, s.Write(testPrimary, testSecondary, "other", testData))
	_, err = s.Read(testPrimary, testSecondary, testKey)
	require.Equal(t, kvstore.KindNotFound, kvstore.KindOf(err), "got %v", err)
}

func testListUnknownNamespace(t *testing.T, s kvstore.Store) {
	for _, ns := range [][2]string{{"", ""}, {"nope", ""}, {"nope", "never"}} {
		keys, err := s.List(ns[0], ns[1])
		require.NoError(t, err)
		require.Empty(t, keys)
	}
}

func testAwkwardNames(t *testing.T, s kvstore.Store) {
	names := []string{"..", ".", "a/b", `c\d`, "_", ".tmp-x", "ünïcødé", "with space", "%2F"}
	for _, n := range names {
		require.NoError(t, s.Write(n, n, n, []byte(n)), "name %q", n)
	}
	for _, n := range names {
		got, err := s.Read(n, n, n)
		require.NoError(t, err, "name %q", n)
		require.Equal(t, []byte(n), got)
		keys, err := s.List(n, n)
		require.NoError(t, err)
		require.Equal(t, []string{n}, keys, "name %q", n)
	}
}

func testConcurrentWriters(t *testing.T, s kvstore.Store) {
	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				key := fmt.Sprintf("w%d-k%d", w, i)
				if err := s.Write(testPrimary, testSecondary, key, []byte(key)); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	keys, err := s.List(testPrimary, testSecondary)
	require.NoError(t, err)
	require.Len(t, keys, writers*perWriter)
	for _, key := range keys {
		got, err := s.Read(testPrimary, testSecondary, key)
		require.NoError(t, err)
		require.Equal(t, []byte(key), got)
	}
}

func requireInvalid(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kvstore.KindInvalid, kvstore.KindOf(err), "expected a validation error, got %v", err)
}
