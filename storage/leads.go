package storage

import (
	"context"
	"sync"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

// Storage keys shared with the rest of the system.
const (
	LeadsKey     = "zopLeadCards"
	FunnelsKey   = "zopFunnels"
	SettingsKey  = "zopIntegrationSettings"
	SchedulesKey = "zopFunnelSchedules"
	APIKeysKey   = "zopApiKeys"
)

// LeadStore persists lead cards as a map under a single storage key.
// Writes are read-modify-write; the mutex serializes writers within this
// process, but concurrent processes racing on the same key remain
// last-writer-wins, as the underlying collaborator has no compare-and-swap.
type LeadStore struct {
	store *Store
	mu    sync.Mutex
}

// NewLeadStore creates a lead store over the given Store.
func NewLeadStore(store *Store) *LeadStore {
	return &LeadStore{store: store}
}

// Save upserts the lead into the stored card map.
func (s *LeadStore) Save(ctx context.Context, lead core.LeadCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cards := make(map[string]core.LeadCard)
	if _, err := s.store.Load(ctx, LeadsKey, &cards); err != nil {
		return err
	}
	cards[lead.Key()] = lead
	return s.store.Save(ctx, LeadsKey, cards)
}

// Get returns the lead stored under id (a lead id or chat id).
func (s *LeadStore) Get(ctx context.Context, id string) (core.LeadCard, bool, error) {
	cards := make(map[string]core.LeadCard)
	if _, err := s.store.Load(ctx, LeadsKey, &cards); err != nil {
		return core.LeadCard{}, false, err
	}
	lead, ok := cards[id]
	return lead, ok, nil
}

// All returns every stored lead keyed by id.
func (s *LeadStore) All(ctx context.Context) (map[string]core.LeadCard, error) {
	cards := make(map[string]core.LeadCard)
	if _, err := s.store.Load(ctx, LeadsKey, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}
