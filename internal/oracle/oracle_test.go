package oracle

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"kvsync/internal/backend"
	"kvsync/internal/kvstore"
	"kvsync/internal/kvstore/kvstoretest"
	"kvsync/internal/kvstore/memstore"
	"kvsync/internal/logging"
)

func tempOracle(t *testing.T) *Oracle {
	t.Helper()
	o, err := OpenDir(t.TempDir(), WithReporter(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

// faulty builds an oracle over three memory stores wrapped in FaultStores
// and returns the wrappers. Violations are collected, not fatal.
func faulty(t *testing.T) (*Oracle, []*kvstoretest.FaultStore, *[]*Violation) {
	t.Helper()
	var mu sync.Mutex
	var got []*Violation
	faults := make([]*kvstoretest.FaultStore, 3)
	members := make([]Backend, 3)
	for i, name := range []string{"primary", "second", "third"} {
		faults[i] = kvstoretest.NewFaultStore(memstore.New())
		members[i] = Backend{Name: name, Store: faults[i]}
	}
	o, err := New(members, WithViolationHandler(func(v *Violation) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v)
	}))
	if err != nil {
		t.Fatal(err)
	}
	return o, faults, &got
}

func TestConformanceThroughOracle(t *testing.T) {
	kvstoretest.Run(t, func(t *testing.T) kvstore.Store { return tempOracle(t) })
}

func TestOpenDir(t *testing.T) {
	dir := t.TempDir()
	o, err := OpenDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	if got := o.Backends(); !slices.Equal(got, []string{"fs", "sqlite", "memory"}) {
		t.Fatalf("Backends() = %v", got)
	}
	for _, sub := range []string{"fs_store", "sqlite_store"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("expected %s under the oracle dir: %v", sub, err)
		}
	}
}

func TestOpenBackendsUnknown(t *testing.T) {
	_, err := OpenBackends(t.TempDir(), []string{"fs", "tape"}, backend.Options{})
	if err == nil {
		t.Fatal("unknown backend should fail")
	}
}

func TestOpenBackendsSingle(t *testing.T) {
	_, err := OpenBackends(t.TempDir(), []string{"memory"}, backend.Options{})
	if err == nil {
		t.Fatal("a single backend cannot be checked against anything")
	}
}

func TestNewValidation(t *testing.T) {
	s := memstore.New()
	tests := []struct {
		name     string
		backends []Backend
	}{
		{"none", nil},
		{"one", []Backend{{"a", s}}},
		{"nil store", []Backend{{"a", s}, {"b", nil}}},
		{"no name", []Backend{{"a", s}, {"", memstore.New()}}},
		{"duplicate", []Backend{{"a", s}, {"a", memstore.New()}}},
	}
	for _, tt := range tests {
		if _, err := New(tt.backends); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestReadReturnsPrimaryResult(t *testing.T) {
	o := tempOracle(t)
	if err := o.Write("ns", "sub", "k", []byte("value")); err != nil {
		t.Fatal(err)
	}
	got, err := o.Read("ns", "sub", "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestListSorted(t *testing.T) {
	o := tempOracle(t)
	for _, k := range []string{"c", "a", "b"} {
		if err := o.Write("ns", "", k, nil); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := o.List("ns", "")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(keys, []string{"a", "b", "c"}) {
		t.Fatalf("expected sorted keys, got %v", keys)
	}
}

func TestMatchingFailuresPropagate(t *testing.T) {
	o := tempOracle(t)

	_, err := o.Read("ns", "", "missing")
	if !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	err = o.Write("", "sub", "k", []byte("v"))
	if !errors.Is(err, kvstore.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	var ve *kvstore.ValidationError
	if !errors.As(err, &ve) || ve.Op != "write" {
		t.Fatalf("expected the primary's *ValidationError, got %#v", err)
	}
}

func TestDivergentReadDetected(t *testing.T) {
	o, faults, got := faulty(t)
	if err := o.Write("ns", "", "k", []byte("value")); err != nil {
		t.Fatal(err)
	}
	faults[2].CorruptReads(true)

	_, err := o.Read("ns", "", "k")
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	if len(*got) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(*got))
	}
	v := (*got)[0]
	if v.Op != "read" || v.Backend != "third" || v.Reference != "primary" {
		t.Fatalf("unexpected violation: %+v", v)
	}
	if !strings.Contains(v.Detail, "results differ") {
		t.Fatalf("detail should carry a diff: %s", v.Detail)
	}
}

func TestPrimaryFailsAlone(t *testing.T) {
	o, faults, got := faulty(t)
	faults[0].FailNext(kvstoretest.OpWrite, &kvstore.IOError{Backend: "primary", Op: "write", Err: os.ErrPermission})

	err := o.Write("ns", "", "k", []byte("v"))
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	if (*got)[0].Backend != "second" {
		t.Fatalf("the first disagreeing backend should be reported, got %q", (*got)[0].Backend)
	}
}

func TestSecondaryFailsAlone(t *testing.T) {
	o, faults, got := faulty(t)
	faults[1].FailNext(kvstoretest.OpRemove, errors.New("connection reset"))

	err := o.Remove("ns", "", "k", false)
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	if len(*got) != 1 || (*got)[0].Backend != "second" || (*got)[0].Op != "remove" {
		t.Fatalf("unexpected violations: %+v", *got)
	}
}

func TestErrorKindMismatch(t *testing.T) {
	o, faults, got := faulty(t)
	faults[2].FailNext(kvstoretest.OpRead, errors.New("disk on fire"))

	_, err := o.Read("ns", "", "missing")
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	if !strings.Contains((*got)[0].Detail, "error kinds differ") {
		t.Fatalf("unexpected detail: %s", (*got)[0].Detail)
	}
}

func TestAllFailSameKind(t *testing.T) {
	o, faults, got := faulty(t)
	for _, f := range faults {
		f.FailNext(kvstoretest.OpList, &kvstore.IOError{Backend: "x", Op: "list", Err: os.ErrPermission})
	}
	_, err := o.List("ns", "")
	if kvstore.KindOf(err) != kvstore.KindIO {
		t.Fatalf("expected the primary's I/O error, got %v", err)
	}
	if errors.Is(err, ErrConsistency) {
		t.Fatal("matching failures are not a violation")
	}
	if len(*got) != 0 {
		t.Fatalf("expected no violations, got %+v", *got)
	}
}

func TestDroppedWriteDetected(t *testing.T) {
	o, faults, got := faulty(t)
	faults[1].DropWrites(true)

	err := o.Write("ns", "", "k", []byte("v"))
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	v := (*got)[0]
	if v.Op != "list" || v.Backend != "second" {
		t.Fatalf("the post-write listing should expose the lost write: %+v", v)
	}
}

func TestHiddenKeyDetected(t *testing.T) {
	o, faults, got := faulty(t)
	for _, f := range faults {
		f.Hide("k")
	}
	err := o.Write("ns", "", "k", []byte("v"))
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	v := (*got)[0]
	if v.Op != "write" || v.Backend != allBackends || !strings.Contains(v.Detail, "missing from listing") {
		t.Fatalf("unexpected violation: %+v", v)
	}
}

func TestWriteChecksListing(t *testing.T) {
	o, faults, _ := faulty(t)
	if err := o.Write("ns", "", "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := o.Remove("ns", "", "k", true); err != nil {
		t.Fatal(err)
	}
	for i, f := range faults {
		if f.Calls(kvstoretest.OpList) != 2 {
			t.Errorf("backend %d: expected one listing per mutation, got %d", i, f.Calls(kvstoretest.OpList))
		}
	}
}

func TestDefaultHandlerPanics(t *testing.T) {
	f := kvstoretest.NewFaultStore(memstore.New())
	o, err := New([]Backend{{"a", memstore.New()}, {"b", f}})
	if err != nil {
		t.Fatal(err)
	}
	f.FailNext(kvstoretest.OpWrite, errors.New("boom"))

	defer func() {
		r := recover()
		v, ok := r.(*Violation)
		if !ok {
			t.Fatalf("expected a *Violation panic, got %v", r)
		}
		if v.Backend != "b" {
			t.Fatalf("unexpected violation: %+v", v)
		}
	}()
	_ = o.Write("ns", "", "k", nil)
	t.Fatal("write should have panicked")
}

type fakeReporter struct {
	mu       sync.Mutex
	messages []string
}

func (r *fakeReporter) Helper() {}

func (r *fakeReporter) Errorf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, fmt.Sprintf(format, args...))
}

func TestWithReporter(t *testing.T) {
	f := kvstoretest.NewFaultStore(memstore.New())
	r := &fakeReporter{}
	o, err := New([]Backend{{"a", memstore.New()}, {"b", f}}, WithReporter(r))
	if err != nil {
		t.Fatal(err)
	}
	f.FailNext(kvstoretest.OpList, errors.New("boom"))
	if _, err := o.List("ns", ""); !errors.Is(err, ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	if len(r.messages) != 1 || !strings.Contains(r.messages[0], "b disagrees with a") {
		t.Fatalf("unexpected reports: %v", r.messages)
	}
}

func TestViolationLogged(t *testing.T) {
	c := logging.CaptureForTest()
	defer c.Restore()

	o, faults, _ := faulty(t)
	faults[1].FailNext(kvstoretest.OpRead, errors.New("boom"))
	_, _ = o.Read("ns", "", "k")

	if !c.Has(slog.LevelError, "backends diverged") {
		t.Fatal("violation should be logged at error level")
	}
}

// gateStore blocks chosen operations until released.
type gateStore struct {
	kvstore.Store
	entered chan string
	release chan struct{}
	block   map[string]bool
}

func newGateStore(ops ...string) *gateStore {
	g := &gateStore{
		Store:   memstore.New(),
		entered: make(chan string, 16),
		release: make(chan struct{}),
		block:   make(map[string]bool),
	}
	for _, op := range ops {
		g.block[op] = true
	}
	return g
}

func (g *gateStore) wait(op string) {
	if g.block[op] {
		g.entered <- op
		<-g.release
	}
}

func (g *gateStore) Read(p, s, k string) ([]byte, error) {
	g.wait("read")
	return g.Store.Read(p, s, k)
}

func (g *gateStore) Write(p, s, k string, data []byte) error {
	g.wait("write")
	return g.Store.Write(p, s, k, data)
}

func expectEntered(t *testing.T, g *gateStore, op string) {
	t.Helper()
	select {
	case got := <-g.entered:
		if got != op {
			t.Fatalf("expected %s to enter, got %s", op, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", op)
	}
}

func TestWriteExcludesReads(t *testing.T) {
	g := newGateStore("write")
	o, err := New([]Backend{{"gate", g}, {"mem", memstore.New()}}, WithReporter(t))
	if err != nil {
		t.Fatal(err)
	}

	writeDone := make(chan error, 1)
	go func() { writeDone <- o.Write("ns", "", "k", []byte("v")) }()
	expectEntered(t, g, "write")

	readDone := make(chan error, 1)
	go func() {
		_, err := o.Read("ns", "", "k")
		readDone <- err
	}()

	select {
	case <-readDone:
		t.Fatal("read completed while a write held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	if err := <-writeDone; err != nil {
		t.Fatal(err)
	}
	if err := <-readDone; err != nil {
		t.Fatalf("read after write: %v", err)
	}
}

func TestReadsShareLock(t *testing.T) {
	g := newGateStore("read")
	o, err := New([]Backend{{"gate", g}, {"mem", memstore.New()}}, WithReporter(t))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := o.Read("ns", "", "k")
			done <- err
		}()
	}
	// Both readers are inside the oracle at once.
	expectEntered(t, g, "read")
	expectEntered(t, g, "read")
	close(g.release)
	for range 2 {
		if err := <-done; !errors.Is(err, kvstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
}

func TestOraclesHaveIndependentLocks(t *testing.T) {
	g := newGateStore("write")
	a, err := New([]Backend{{"gate", g}, {"mem", memstore.New()}}, WithReporter(t))
	if err != nil {
		t.Fatal(err)
	}
	b, err := New([]Backend{{"m1", memstore.New()}, {"m2", memstore.New()}}, WithReporter(t))
	if err != nil {
		t.Fatal(err)
	}

	writeDone := make(chan error, 1)
	go func() { writeDone <- a.Write("ns", "", "k", nil) }()
	expectEntered(t, g, "write")

	if _, err := b.List("ns", ""); err != nil {
		t.Fatalf("an unrelated oracle should not be blocked: %v", err)
	}
	close(g.release)
	if err := <-writeDone; err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentMixedWorkload(t *testing.T) {
	var mu sync.Mutex
	var violations []*Violation
	o, err := OpenDir(t.TempDir(), WithViolationHandler(func(v *Violation) {
		mu.Lock()
		defer mu.Unlock()
		violations = append(violations, v)
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	const workers = 6
	const rounds = 15
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := fmt.Sprintf("w%d", w)
			for i := range rounds {
				key := fmt.Sprintf("k%d", i%4)
				if err := o.Write("load", sub, key, []byte(fmt.Sprintf("%d", i))); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				if _, err := o.Read("load", sub, key); err != nil {
					t.Errorf("read: %v", err)
					return
				}
				if i%3 == 0 {
					if err := o.Remove("load", sub, key, i%2 == 0); err != nil {
						t.Errorf("remove: %v", err)
						return
					}
				}
				if _, err := o.List("load", sub); err != nil {
					t.Errorf("list: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(violations) != 0 {
		t.Fatalf("backends diverged under concurrency: %v", violations[0])
	}
}

func TestClose(t *testing.T) {
	o, err := OpenDir(t.TempDir(), WithViolationHandler(func(*Violation) {}))
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Close(); err != nil {
		t.Fatal(err)
	}
	_, err = o.Read("ns", "", "k")
	if kvstore.KindOf(err) != kvstore.KindClosed {
		t.Fatalf("expected every backend to report closed, got %v", err)
	}
}
