// Package oracle checks interchangeable kvstore backends against each
// other.
//
// An Oracle is itself a kvstore.Store. Every call is fanned out to all of
// its backends and the outcomes are compared: successful results must be
// equal, failures must share the same kvstore.Kind. The first backend is
// the primary; its result is the one returned. Any disagreement is a
// Violation, which is fatal by default.
//
// Reads and lists hold the oracle's lock shared, writes and removes hold
// it exclusively, so no mutation is ever in flight while a read is being
// compared. After every successful write or remove the oracle lists the
// namespace (still under the exclusive lock) and checks that the key is
// present or absent.
package oracle

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"kvsync/internal/kvstore"
	"kvsync/internal/logging"
)

// Backend is one named member of an Oracle.
type Backend struct {
	Name  string
	Store kvstore.Store
}

// Reporter receives violations when installed with WithReporter.
// *testing.T and *testing.B satisfy it.
type Reporter interface {
	Helper()
	Errorf(format string, args ...any)
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithViolationHandler installs h as the violation handler. If h returns,
// the offending operation returns the *Violation as its error.
func WithViolationHandler(h func(*Violation)) Option {
	return func(o *Oracle) { o.onViolation = h }
}

// WithReporter fails the enclosing test through r.Errorf and returns the
// *Violation from the offending operation. Errorf is safe on the worker
// goroutines of a concurrent test, where FailNow is not.
func WithReporter(r Reporter) Option {
	return WithViolationHandler(func(v *Violation) {
		r.Helper()
		r.Errorf("%v", v)
	})
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) { o.log = l }
}

// Oracle fans every call out to its backends and asserts equivalence.
type Oracle struct {
	mu          sync.RWMutex
	backends    []Backend
	onViolation func(*Violation)
	log         *slog.Logger
}

// New builds an Oracle over backends. backends[0] is the primary. At
// least two backends with distinct names are required.
func New(backends []Backend, opts ...Option) (*Oracle, error) {
	if len(backends) < 2 {
		return nil, fmt.Errorf("oracle needs at least 2 backends, got %d", len(backends))
	}
	seen := make(map[string]bool, len(backends))
	for i, b := range backends {
		if b.Store == nil {
			return nil, fmt.Errorf("backend %d (%q) has no store", i, b.Name)
		}
		if b.Name == "" {
			return nil, fmt.Errorf("backend %d has no name", i)
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
	}

	o := &Oracle{
		backends:    slices.Clone(backends),
		onViolation: panicOnViolation,
		log:         logging.For("oracle"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func panicOnViolation(v *Violation) { panic(v) }

// Backends returns the backend names, primary first.
func (o *Oracle) Backends() []string {
	names := make([]string, len(o.backends))
	for i, b := range o.backends {
		names[i] = b.Name
	}
	return names
}

func (o *Oracle) Read(primary, secondary, key string) ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	c := call{op: "read", primary: primary, secondary: secondary, key: key}
	outs := fanOut(o, c, func(s kvstore.Store) ([]byte, error) {
		return s.Read(primary, secondary, key)
	})
	return settle(o, c, outs, bytes.Equal)
}

func (o *Oracle) List(primary, secondary string) ([]string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.list(primary, secondary)
}

func (o *Oracle) Write(primary, secondary, key string, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	c := call{op: "write", primary: primary, secondary: secondary, key: key}
	outs := fanOut(o, c, func(s kvstore.Store) (struct{}, error) {
		return struct{}{}, s.Write(primary, secondary, key, data)
	})
	if _, err := settle(o, c, outs, sameUnit); err != nil {
		return err
	}
	return o.checkListed(c, true)
}

func (o *Oracle) Remove(primary, secondary, key string, lazy bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	c := call{op: "remove", primary: primary, secondary: secondary, key: key}
	outs := fanOut(o, c, func(s kvstore.Store) (struct{}, error) {
		return struct{}{}, s.Remove(primary, secondary, key, lazy)
	})
	if _, err := settle(o, c, outs, sameUnit); err != nil {
		return err
	}
	return o.checkListed(c, false)
}

// Close closes every backend that owns a resource.
func (o *Oracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for _, b := range o.backends {
		if c, ok := b.Store.(kvstore.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", b.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// list fans out a listing. Callers hold o.mu in either mode.
func (o *Oracle) list(primary, secondary string) ([]string, error) {
	c := call{op: "list", primary: primary, secondary: secondary}
	outs := fanOut(o, c, func(s kvstore.Store) ([]string, error) {
		keys, err := s.List(primary, secondary)
		if err != nil {
			return nil, err
		}
		keys = slices.Clone(keys)
		slices.Sort(keys)
		return keys, nil
	})
	return settle(o, c, outs, sameKeys)
}

// checkListed verifies that a successful write (present) or remove
// (absent) is reflected by every backend's listing.
func (o *Oracle) checkListed(c call, present bool) error {
	keys, err := o.list(c.primary, c.secondary)
	if err != nil {
		return err
	}
	if slices.Contains(keys, c.key) == present {
		return nil
	}
	detail := "key missing from listing after successful write"
	if !present {
		detail = "key still listed after successful remove"
	}
	return o.violate(&Violation{
		Op: c.op, Primary: c.primary, Secondary: c.secondary, Key: c.key,
		Reference: o.backends[0].Name, Backend: allBackends, Detail: detail,
	})
}

func (o *Oracle) violate(v *Violation) error {
	o.log.Error("backends diverged",
		"op", v.Op, "primary", v.Primary, "secondary", v.Secondary, "key", v.Key,
		"backend", v.Backend, "reference", v.Reference, "detail", v.Detail)
	o.onViolation(v)
	return v
}

func sameUnit(struct{}, struct{}) bool { return true }

func sameKeys(a, b []string) bool { return slices.Equal(a, b) }
