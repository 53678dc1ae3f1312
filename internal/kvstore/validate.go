package kvstore

import (
	"fmt"
	"slices"
)

// CheckKey validates a full identifier for op. A valid identifier has a
// non-empty key, no secondary namespace without a primary one, and no
// component longer than MaxNamespaceKeyLen.
func CheckKey(op, primary, secondary, key string) error {
	if key == "" {
		return invalid(op, primary, secondary, key, "empty key")
	}
	if len(key) > MaxNamespaceKeyLen {
		return invalid(op, primary, secondary, key,
			fmt.Sprintf("key length %d exceeds %d", len(key), MaxNamespaceKeyLen))
	}
	return checkNamespace(op, primary, secondary, key)
}

// CheckNamespace validates a namespace pair for op.
func CheckNamespace(op, primary, secondary string) error {
	return checkNamespace(op, primary, secondary, "")
}

func checkNamespace(op, primary, secondary, key string) error {
	if primary == "" && secondary != "" {
		return invalid(op, primary, secondary, key, "secondary namespace without primary namespace")
	}
	if len(primary) > MaxNamespaceKeyLen {
		return invalid(op, primary, secondary, key,
			fmt.Sprintf("primary namespace length %d exceeds %d", len(primary), MaxNamespaceKeyLen))
	}
	if len(secondary) > MaxNamespaceKeyLen {
		return invalid(op, primary, secondary, key,
			fmt.Sprintf("secondary namespace length %d exceeds %d", len(secondary), MaxNamespaceKeyLen))
	}
	return nil
}

func invalid(op, primary, secondary, key, reason string) error {
	return &ValidationError{Op: op, Primary: primary, Secondary: secondary, Key: key, Reason: reason}
}

// Contains reports whether keys has key. Helper for listing checks.
func Contains(keys []string, key string) bool {
	return slices.Contains(keys, key)
}
