// Package kv defines the key-value store the metadata layer persists into.
package kv

import "errors"

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Store is an ordered key-value store with atomic per-key operations.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Iterate calls fn for every key with the given prefix, in key order.
	// Returning an error from fn stops the iteration and is returned.
	Iterate(prefix string, fn func(key string, value []byte) error) error

	// Close releases the store.
	Close() error
}
