package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo keeps opened windows in process. Booking state lives only in
// the Ledger, so ListDays always reports free slots and a Refresher must not
// run against it.
type MemoryRepo struct {
	mu   sync.Mutex
	days map[cellKey][]Window
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{days: make(map[cellKey][]Window)}
}

func (r *MemoryRepo) ListDays(_ context.Context, from string) ([]DaySlots, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []DaySlots
	for k, ws := range r.days {
		if k.date < from {
			continue
		}
		d := DaySlots{ProviderID: k.providerID, Date: k.date, Slots: make([]TimeSlot, 0, len(ws))}
		for _, w := range ws {
			d.Slots = append(d.Slots, TimeSlot{Start: w.Start, End: w.End})
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].Date < out[j].Date
	})
	return out, nil
}

func (r *MemoryRepo) SaveWindows(_ context.Context, providerID, date string, windows []Window) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := cellKey{providerID, date}
	existing := r.days[k]
	for _, w := range windows {
		dup := false
		for _, e := range existing {
			if e.Start == w.Start {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, w)
		}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Start < existing[j].Start })
	r.days[k] = existing
	return nil
}
