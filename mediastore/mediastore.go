// Package mediastore provides content-addressed storage of binary
// attachments referenced by opaque ids. It is the local fallback the
// media dispatcher consults when the remote stream cannot produce the
// bytes.
package mediastore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

// Store is the media collaborator surface.
type Store interface {
	// Put stores the payload and returns its id. An empty payload id
	// gets a freshly generated one.
	Put(ctx context.Context, payload core.MediaPayload) (string, error)

	// Get returns the payload stored under id.
	Get(ctx context.Context, id string) (core.MediaPayload, bool, error)

	// Delete removes the payload stored under id.
	Delete(ctx context.Context, id string) error
}

// NewID generates a fresh media id.
func NewID() string {
	return "media-" + uuid.NewString()
}

// MemStore is an in-memory media store.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]core.MediaPayload
}

// NewMemStore creates an empty in-memory media store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]core.MediaPayload)}
}

// Put stores the payload.
func (s *MemStore) Put(_ context.Context, payload core.MediaPayload) (string, error) {
	if payload.ID == "" {
		payload.ID = NewID()
	}
	s.mu.Lock()
	s.data[payload.ID] = payload
	s.mu.Unlock()
	return payload.ID, nil
}

// Get returns the payload stored under id.
func (s *MemStore) Get(_ context.Context, id string) (core.MediaPayload, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.data[id]
	return payload, ok, nil
}

// Delete removes the payload stored under id.
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemStore)(nil)

// now is a test seam for record timestamps.
var now = time.Now
