package kv

import (
	"fmt"
	"path/filepath"
)

// Open constructs the Store selected by backend, placing its files under
// dataDir. Known backends: pebble, sqlite, memory.
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "pebble":
		return OpenPebble(filepath.Join(dataDir, "kv"))
	case "sqlite":
		return OpenSQLite(filepath.Join(dataDir, "chatlink.db"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown kv backend %q", backend)
	}
}
