// Package kv provides the durable key-value store consumed by the offline
// queue and draft persistence. Backends: pebble, sqlite, in-memory.
package kv

// Entry is a key-value pair returned by prefix listings.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a minimal durable key-value interface. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get returns the value for key; found is false when the key is absent.
	Get(key string) (value []byte, found bool, err error)
	// Set stores value under key, overwriting any previous value.
	Set(key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// List returns all entries whose key starts with prefix, ordered by key.
	List(prefix string) ([]Entry, error)
	Close() error
}
