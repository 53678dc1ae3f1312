package oracle

import (
	"errors"
	"fmt"

	"github.com/google/go-cmp/cmp"

	"kvsync/internal/kvstore"
)

// ErrConsistency is matched by every *Violation.
var ErrConsistency = errors.New("oracle: backends diverged")

// allBackends marks a violation shared by every backend, such as a failed
// listing post-condition.
const allBackends = "*"

// Violation describes two backends disagreeing on the same call.
type Violation struct {
	Op        string
	Primary   string
	Secondary string
	Key       string
	// Reference is the primary backend, Backend the one that disagreed.
	Reference string
	Backend   string
	Detail    string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("oracle: %s %q/%q/%q: %s disagrees with %s: %s",
		v.Op, v.Primary, v.Secondary, v.Key, v.Backend, v.Reference, v.Detail)
}

func (v *Violation) Unwrap() error { return ErrConsistency }

type call struct {
	op, primary, secondary, key string
}

type outcome[T any] struct {
	backend string
	val     T
	err     error
}

// fanOut invokes fn on every backend in order, primary first.
func fanOut[T any](o *Oracle, c call, fn func(kvstore.Store) (T, error)) []outcome[T] {
	outs := make([]outcome[T], len(o.backends))
	for i, b := range o.backends {
		v, err := fn(b.Store)
		outs[i] = outcome[T]{backend: b.Name, val: v, err: err}
	}
	o.log.Debug("fan-out", "op", c.op, "primary", c.primary, "secondary", c.secondary,
		"key", c.key, "backends", len(outs), "kind", kvstore.KindOf(outs[0].err).String())
	return outs
}

// settle compares every outcome with the primary's and returns the
// primary's result, or raises a violation.
func settle[T any](o *Oracle, c call, outs []outcome[T], equal func(a, b T) bool) (T, error) {
	var zero T
	ref := outs[0]
	for _, out := range outs[1:] {
		detail := diverges(ref, out, equal)
		if detail == "" {
			continue
		}
		return zero, o.violate(&Violation{
			Op: c.op, Primary: c.primary, Secondary: c.secondary, Key: c.key,
			Reference: ref.backend, Backend: out.backend, Detail: detail,
		})
	}
	if ref.err != nil {
		return zero, ref.err
	}
	return ref.val, nil
}

// diverges returns an empty string when out agrees with ref.
func diverges[T any](ref, out outcome[T], equal func(a, b T) bool) string {
	switch {
	case ref.err == nil && out.err != nil:
		return fmt.Sprintf("primary succeeded, backend failed: %v", out.err)
	case ref.err != nil && out.err == nil:
		return fmt.Sprintf("primary failed (%v), backend succeeded", ref.err)
	case ref.err != nil:
		rk, bk := kvstore.KindOf(ref.err), kvstore.KindOf(out.err)
		if rk != bk {
			return fmt.Sprintf("error kinds differ: %s (%v) vs %s (%v)", rk, ref.err, bk, out.err)
		}
		return ""
	case !equal(ref.val, out.val):
		return "results differ (-primary +backend):\n" + cmp.Diff(ref.val, out.val)
	default:
		return ""
	}
}
