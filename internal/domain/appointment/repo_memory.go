package appointment

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRepo keeps appointments in process. Slot bookkeeping is left to the
// ledger, which is the only copy of slot state in this mode.
type MemoryRepo struct {
	mu    sync.RWMutex
	byID  map[string]*Appointment
	order []string
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]*Appointment)}
}

func (r *MemoryRepo) Get(_ context.Context, id string) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.clone(), nil
}

func (r *MemoryRepo) ListByRequester(_ context.Context, requesterID string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(func(a *Appointment) bool { return a.RequesterID == requesterID }, limit, offset), r.count(func(a *Appointment) bool { return a.RequesterID == requesterID }), nil
}

func (r *MemoryRepo) ListByProvider(_ context.Context, providerID string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(func(a *Appointment) bool { return a.ProviderID == providerID }, limit, offset), r.count(func(a *Appointment) bool { return a.ProviderID == providerID }), nil
}

func (r *MemoryRepo) count(match func(*Appointment) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.byID {
		if match(a) {
			n++
		}
	}
	return n
}

// list returns matches ordered by date and start time, newest first.
func (r *MemoryRepo) list(match func(*Appointment) bool, limit, offset int) []*Appointment {
	r.mu.RLock()
	var out []*Appointment
	for _, id := range r.order {
		if a := r.byID[id]; match(a) {
			out = append(out, a.clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].Start > out[j].Start
	})
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepo) Apply(_ context.Context, w Write) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w.Insert != nil {
		if _, exists := r.byID[w.Insert.ID]; exists {
			return fmt.Errorf("appointment %s already exists", w.Insert.ID)
		}
	}
	if w.Update != nil {
		cur, ok := r.byID[w.Update.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, w.Update.ID)
		}
		if cur.Version != w.Update.Version {
			return fmt.Errorf("%w: appointment %s was modified concurrently", ErrInvalidTransition, w.Update.ID)
		}
	}

	if w.Insert != nil {
		r.byID[w.Insert.ID] = w.Insert.clone()
		r.order = append(r.order, w.Insert.ID)
	}
	if w.Update != nil {
		w.Update.Version++
		r.byID[w.Update.ID] = w.Update.clone()
	}
	return nil
}
