// Package storage implements the versioned key-value collaborator the
// engine persists lead cards through. Values are wrapped in an envelope
// carrying a schema version; reads migrate old payloads forward and
// rewrite them at the current version.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// SchemaVersion is the current envelope version.
const SchemaVersion = 1

// ErrFutureVersion is returned when a stored value claims a schema
// version newer than this build understands.
var ErrFutureVersion = errors.New("stored value has a future schema version")

// envelope wraps every stored value.
type envelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	Value         json.RawMessage `json:"value"`
}

// Migration transforms a raw value from one schema version to the next.
type Migration func(raw json.RawMessage) (json.RawMessage, error)

// migrations[v] lifts a value from version v to v+1. Version 0 covers
// legacy bare values written before the envelope existed.
var migrations = []Migration{
	func(raw json.RawMessage) (json.RawMessage, error) { return raw, nil },
}

// KV is the raw byte-level backend under a Store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store reads and writes enveloped values over a KV backend.
type Store struct {
	kv     KV
	logger *slog.Logger
}

// NewStore creates a Store over the given backend.
func NewStore(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger}
}

// Load reads the value under key into dest, migrating forward as needed.
// It reports false when the key is absent, leaving dest untouched so the
// caller's default survives.
func (s *Store) Load(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("storage get %q: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	value := json.RawMessage(raw)
	version := 0

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Value != nil && env.SchemaVersion >= 0 {
		version = env.SchemaVersion
		value = env.Value
	}

	if version > SchemaVersion {
		return false, fmt.Errorf("%w: key %q version %d", ErrFutureVersion, key, version)
	}

	if version < SchemaVersion {
		migrated, err := applyMigrations(value, version)
		if err != nil {
			return false, fmt.Errorf("migrating %q from v%d: %w", key, version, err)
		}
		value = migrated
		// Rewrite at the current version so the migration runs once.
		if err := s.write(ctx, key, value); err != nil {
			s.logger.Warn("rewriting migrated value failed", "key", key, "error", err)
		}
	}

	if err := json.Unmarshal(value, dest); err != nil {
		return false, fmt.Errorf("decoding %q: %w", key, err)
	}
	return true, nil
}

// Save writes the value under key at the current schema version.
func (s *Store) Save(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	return s.write(ctx, key, raw)
}

func (s *Store) write(ctx context.Context, key string, value json.RawMessage) error {
	data, err := json.Marshal(envelope{SchemaVersion: SchemaVersion, Value: value})
	if err != nil {
		return fmt.Errorf("encoding envelope for %q: %w", key, err)
	}
	if err := s.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("storage put %q: %w", key, err)
	}
	return nil
}

func applyMigrations(value json.RawMessage, from int) (json.RawMessage, error) {
	current := value
	for v := from; v < SchemaVersion; v++ {
		if v >= len(migrations) {
			break
		}
		next, err := migrations[v](current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// MemKV is an in-memory KV backend for tests and rehearsal runs.
type MemKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemKV creates an empty in-memory backend.
func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string][]byte)}
}

// Get returns the bytes under key.
func (m *MemKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true, nil
}

// Put stores the bytes under key.
func (m *MemKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw := make([]byte, len(value))
	copy(raw, value)
	m.data[key] = raw
	return nil
}

// Delete removes key.
func (m *MemKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
