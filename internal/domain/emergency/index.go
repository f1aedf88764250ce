package emergency

import (
	"context"
	"sync"
)

// Candidate is a provider eligible for an escalation alert.
type Candidate struct {
	ProviderID string  `json:"provider_id"`
	DistanceKm float64 `json:"distance_km"`
}

// LocationIndex answers radius queries over available providers.
type LocationIndex interface {
	// SetPresence records where a provider is and whether they take
	// emergencies. Unavailable providers never appear in Nearby.
	SetPresence(ctx context.Context, providerID string, at Point, available bool) error
	// Nearby returns available providers within radiusKm of at, in any order.
	Nearby(ctx context.Context, at Point, radiusKm float64) ([]Candidate, error)
}

// MemoryIndex is a LocationIndex over a map, scanned with haversine.
type MemoryIndex struct {
	mu        sync.RWMutex
	providers map[string]Point
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{providers: make(map[string]Point)}
}

func (m *MemoryIndex) SetPresence(_ context.Context, providerID string, at Point, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !available {
		delete(m.providers, providerID)
		return nil
	}
	m.providers[providerID] = at
	return nil
}

func (m *MemoryIndex) Nearby(_ context.Context, at Point, radiusKm float64) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Candidate
	for id, p := range m.providers {
		if d := DistanceKm(at, p); d <= radiusKm {
			out = append(out, Candidate{ProviderID: id, DistanceKm: d})
		}
	}
	return out, nil
}
