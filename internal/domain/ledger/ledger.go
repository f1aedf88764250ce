// Package ledger keeps the per-provider, per-day slot tables and serializes
// reservations so a slot is never held by two appointments at once.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/medibook/medibook/internal/platform/metrics"
)

type cellKey struct {
	providerID string
	date       string
}

// dayCell is the critical section for one (provider, date). Operations on
// different cells never contend.
type dayCell struct {
	mu    sync.Mutex
	slots []TimeSlot // sorted by Start, disjoint
	gen   uint64     // bumped on every local change to slots
}

func (c *dayCell) find(start Clock) (int, bool) {
	i := sort.Search(len(c.slots), func(i int) bool { return c.slots[i].Start >= start })
	if i < len(c.slots) && c.slots[i].Start == start {
		return i, true
	}
	return i, false
}

// Ledger is the in-memory projection of every provider's open days.
// The zero value is not usable; call New.
type Ledger struct {
	mu        sync.RWMutex
	providers map[string]struct{}
	cells     map[cellKey]*dayCell
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		providers: make(map[string]struct{}),
		cells:     make(map[cellKey]*dayCell),
	}
}

// RegisterProvider makes a provider known to the ledger without opening any day.
func (l *Ledger) RegisterProvider(providerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.providers[providerID] = struct{}{}
}

func (l *Ledger) cell(providerID, date string) (*dayCell, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.providers[providerID]; !ok {
		return nil, ErrProviderNotFound
	}
	c, ok := l.cells[cellKey{providerID, date}]
	if !ok {
		return nil, ErrDateNotOpen
	}
	return c, nil
}

func (l *Ledger) cellOrCreate(providerID, date string) *dayCell {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.providers[providerID] = struct{}{}
	k := cellKey{providerID, date}
	c, ok := l.cells[k]
	if !ok {
		c = &dayCell{}
		l.cells[k] = c
	}
	return c
}

// Reserve claims the slot named by r for r.AppointmentID. Exactly one of any
// set of concurrent callers targeting the same slot succeeds; the others get
// ErrSlotUnavailable.
func (l *Ledger) Reserve(r Reservation) (Handle, error) {
	h, err := l.reserve(r)
	switch {
	case err == nil:
		metrics.SlotReservations.WithLabelValues("reserved").Inc()
	case err == ErrSlotUnavailable:
		metrics.SlotReservations.WithLabelValues("contended").Inc()
	default:
		metrics.SlotReservations.WithLabelValues("rejected").Inc()
	}
	return h, err
}

func (l *Ledger) reserve(r Reservation) (Handle, error) {
	if r.AppointmentID == "" {
		return Handle{}, fmt.Errorf("reserve %s: appointment id is required", r.SlotKey)
	}
	c, err := l.cell(r.ProviderID, r.Date)
	if err != nil {
		return Handle{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.find(r.Start)
	if !ok {
		return Handle{}, ErrSlotNotFound
	}
	s := &c.slots[i]
	if s.IsBooked {
		return Handle{}, ErrSlotUnavailable
	}
	s.IsBooked = true
	s.BookedBy = r.AppointmentID
	s.Mode = r.Mode
	c.gen++

	return Handle{
		SlotKey:       r.SlotKey,
		End:           s.End,
		RequesterID:   r.RequesterID,
		AppointmentID: r.AppointmentID,
		Mode:          r.Mode,
	}, nil
}

// Release frees a slot. Releasing a slot that is already free succeeds.
func (l *Ledger) Release(key SlotKey) error {
	return l.release(key, "")
}

// ReleaseHeld frees a slot only while it is held by appointmentID. A slot
// held by someone else, or already free, is left untouched.
func (l *Ledger) ReleaseHeld(key SlotKey, appointmentID string) error {
	return l.release(key, appointmentID)
}

func (l *Ledger) release(key SlotKey, owner string) error {
	c, err := l.cell(key.ProviderID, key.Date)
	if err != nil {
		metrics.SlotReleases.WithLabelValues("not_found").Inc()
		return fmt.Errorf("%w: %s: %v", ErrSlotNotFound, key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.find(key.Start)
	if !ok {
		metrics.SlotReleases.WithLabelValues("not_found").Inc()
		return fmt.Errorf("%w: %s", ErrSlotNotFound, key)
	}
	s := &c.slots[i]
	if !s.IsBooked || (owner != "" && s.BookedBy != owner) {
		metrics.SlotReleases.WithLabelValues("noop").Inc()
		return nil
	}
	s.IsBooked = false
	s.BookedBy = ""
	s.Mode = ""
	c.gen++
	metrics.SlotReleases.WithLabelValues("released").Inc()
	return nil
}

// OpenDay adds windows to a provider's day. Windows identical to existing
// ones are ignored; windows overlapping existing ones are rejected and
// nothing is added.
func (l *Ledger) OpenDay(providerID, date string, windows []Window) error {
	ws := append([]Window(nil), windows...)
	sort.Slice(ws, func(i, j int) bool { return ws[i].Start < ws[j].Start })
	if err := validateWindows(ws); err != nil {
		return err
	}

	c := l.cellOrCreate(providerID, date)
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := append([]TimeSlot(nil), c.slots...)
	for _, w := range ws {
		i, exists := c.find(w.Start)
		if exists && c.slots[i].End == w.End {
			continue
		}
		if overlaps(c.slots, w) {
			return fmt.Errorf("%w: %s-%s overlaps an existing slot on %s", ErrInvalidWindow, w.Start, w.End, date)
		}
		merged = append(merged, TimeSlot{Start: w.Start, End: w.End})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })
	c.slots = merged
	c.gen++
	return nil
}

func overlaps(slots []TimeSlot, w Window) bool {
	for _, s := range slots {
		if w.Start < s.End && s.Start < w.End {
			return true
		}
	}
	return false
}

// Day returns a copy of one provider's day.
func (l *Ledger) Day(providerID, date string) (DaySlots, error) {
	c, err := l.cell(providerID, date)
	if err != nil {
		return DaySlots{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return DaySlots{
		ProviderID: providerID,
		Date:       date,
		Slots:      append([]TimeSlot(nil), c.slots...),
	}, nil
}

// Slot returns a copy of a single slot.
func (l *Ledger) Slot(key SlotKey) (TimeSlot, error) {
	c, err := l.cell(key.ProviderID, key.Date)
	if err != nil {
		return TimeSlot{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.find(key.Start)
	if !ok {
		return TimeSlot{}, ErrSlotNotFound
	}
	return c.slots[i], nil
}

// Generations records the change counter of every cell at one instant.
// Pass it to LoadSince to discard store reads that raced with local writes.
type Generations map[cellKey]uint64

// Generations snapshots the change counter of every cell.
func (l *Ledger) Generations() Generations {
	l.mu.RLock()
	defer l.mu.RUnlock()
	gens := make(Generations, len(l.cells))
	for k, c := range l.cells {
		c.mu.Lock()
		gens[k] = c.gen
		c.mu.Unlock()
	}
	return gens
}

// Load replaces the projection of the given days with store state.
func (l *Ledger) Load(days []DaySlots) {
	l.LoadSince(days, nil)
}

// LoadSince is Load for days read after seen was taken. A cell changed
// locally since seen keeps its current slots, since the read may predate
// that change; the next reload picks it up. A nil seen loads every day.
// It returns the number of days skipped.
func (l *Ledger) LoadSince(days []DaySlots, seen Generations) int {
	skipped := 0
	for _, d := range days {
		slots := append([]TimeSlot(nil), d.Slots...)
		sort.Slice(slots, func(i, j int) bool { return slots[i].Start < slots[j].Start })

		c := l.cellOrCreate(d.ProviderID, d.Date)
		c.mu.Lock()
		if seen != nil && c.gen != seen[cellKey{d.ProviderID, d.Date}] {
			c.mu.Unlock()
			skipped++
			continue
		}
		c.slots = slots
		c.mu.Unlock()
	}
	return skipped
}
