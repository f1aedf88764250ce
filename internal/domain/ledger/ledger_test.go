package ledger

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	provider = "prov-1"
	day      = "2024-06-01"
)

func openLedger(t *testing.T, windows ...Window) *Ledger {
	t.Helper()
	l := New()
	require.NoError(t, l.OpenDay(provider, day, windows))
	return l
}

func win(start, end string) Window {
	return Window{Start: MustClock(start), End: MustClock(end)}
}

func reservation(start, appt string) Reservation {
	return Reservation{
		SlotKey:       SlotKey{ProviderID: provider, Date: day, Start: MustClock(start)},
		RequesterID:   "pat-" + appt,
		AppointmentID: appt,
		Mode:          ModeInPerson,
	}
}

func TestReserve_Succeeds(t *testing.T) {
	l := openLedger(t, win("09:00", "09:30"), win("09:30", "10:00"))

	h, err := l.Reserve(reservation("09:30", "a1"))
	require.NoError(t, err)
	assert.Equal(t, MustClock("10:00"), h.End)
	assert.Equal(t, "a1", h.AppointmentID)

	s, err := l.Slot(h.SlotKey)
	require.NoError(t, err)
	assert.True(t, s.IsBooked)
	assert.Equal(t, "a1", s.BookedBy)
	assert.Equal(t, ModeInPerson, s.Mode)
}

func TestReserve_Errors(t *testing.T) {
	l := openLedger(t, win("09:00", "09:30"))
	l.RegisterProvider("prov-2")

	tests := []struct {
		name string
		r    Reservation
		want error
	}{
		{"unknown provider", Reservation{SlotKey: SlotKey{ProviderID: "nobody", Date: day, Start: MustClock("09:00")}, AppointmentID: "x"}, ErrProviderNotFound},
		{"date not open", Reservation{SlotKey: SlotKey{ProviderID: "prov-2", Date: day, Start: MustClock("09:00")}, AppointmentID: "x"}, ErrDateNotOpen},
		{"no such window", reservation("09:15", "x"), ErrSlotNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Reserve(tt.r)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReserve_SecondCallerLoses(t *testing.T) {
	l := openLedger(t, win("09:00", "09:30"))

	_, err := l.Reserve(reservation("09:00", "a1"))
	require.NoError(t, err)
	_, err = l.Reserve(reservation("09:00", "a2"))
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	s, _ := l.Slot(SlotKey{ProviderID: provider, Date: day, Start: MustClock("09:00")})
	assert.Equal(t, "a1", s.BookedBy)
}

func TestReserve_ConcurrentExactlyOneWins(t *testing.T) {
	l := openLedger(t, win("09:00", "09:30"))

	const n = 64
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := l.Reserve(reservation("09:00", string(rune('A'+i%26))+string(rune('0'+i/26))))
			if err == nil {
				wins.Add(1)
			} else if assert.ErrorIs(t, err, ErrSlotUnavailable) {
				losses.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), losses.Load())
}

func TestReserve_DifferentCellsIndependent(t *testing.T) {
	l := New()
	require.NoError(t, l.OpenDay("p1", day, []Window{win("09:00", "09:30")}))
	require.NoError(t, l.OpenDay("p2", day, []Window{win("09:00", "09:30")}))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, p := range []string{"p1", "p2"} {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			_, errs[i] = l.Reserve(Reservation{SlotKey: SlotKey{ProviderID: p, Date: day, Start: MustClock("09:00")}, AppointmentID: p + "-appt"})
		}(i, p)
	}
	wg.Wait()
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestRelease_Idempotent(t *testing.T) {
	l := openLedger(t, win("09:00", "09:30"))
	h, err := l.Reserve(reservation("09:00", "a1"))
	require.NoError(t, err)

	require.NoError(t, l.Release(h.SlotKey))
	require.NoError(t, l.Release(h.SlotKey))

	s, _ := l.Slot(h.SlotKey)
	assert.False(t, s.IsBooked)
	assert.Empty(t, s.BookedBy)

	_, err = l.Reserve(reservation("09:00", "a2"))
	assert.NoError(t, err, "released slot should be bookable again")
}

func TestRelease_MissingSlot(t *testing.T) {
	l := openLedger(t, win("09:00", "09:30"))
	err := l.Release(SlotKey{ProviderID: provider, Date: day, Start: MustClock("11:00")})
	assert.ErrorIs(t, err, ErrSlotNotFound)

	err = l.Release(SlotKey{ProviderID: provider, Date: "2024-06-02", Start: MustClock("09:00")})
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestReleaseHeld_OnlyOwner(t *testing.T) {
	l := openLedger(t, win("09:00", "09:30"))
	h, err := l.Reserve(reservation("09:00", "a1"))
	require.NoError(t, err)

	require.NoError(t, l.ReleaseHeld(h.SlotKey, "someone-else"))
	s, _ := l.Slot(h.SlotKey)
	assert.True(t, s.IsBooked, "non-owner release must not free the slot")

	require.NoError(t, l.ReleaseHeld(h.SlotKey, "a1"))
	s, _ = l.Slot(h.SlotKey)
	assert.False(t, s.IsBooked)
}

func TestOpenDay_Validation(t *testing.T) {
	tests := []struct {
		name    string
		windows []Window
	}{
		{"empty window", []Window{{Start: MustClock("09:00"), End: MustClock("09:00")}}},
		{"reversed", []Window{{Start: MustClock("10:00"), End: MustClock("09:00")}}},
		{"overlapping", []Window{win("09:00", "09:45"), win("09:30", "10:00")}},
		{"past midnight", []Window{{Start: MustClock("23:30"), End: 24*60 + 30}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().OpenDay(provider, day, tt.windows)
			assert.ErrorIs(t, err, ErrInvalidWindow)
		})
	}
}

func TestOpenDay_MergesAndSorts(t *testing.T) {
	l := openLedger(t, win("10:00", "10:30"))
	_, err := l.Reserve(reservation("10:00", "a1"))
	require.NoError(t, err)

	// Unsorted input, one identical to an existing window.
	require.NoError(t, l.OpenDay(provider, day, []Window{win("11:00", "11:30"), win("10:00", "10:30"), win("09:00", "09:30")}))

	d, err := l.Day(provider, day)
	require.NoError(t, err)
	require.Len(t, d.Slots, 3)
	assert.Equal(t, MustClock("09:00"), d.Slots[0].Start)
	assert.Equal(t, MustClock("10:00"), d.Slots[1].Start)
	assert.True(t, d.Slots[1].IsBooked, "existing booking must survive a merge")
	assert.Equal(t, MustClock("11:00"), d.Slots[2].Start)
}

func TestOpenDay_RejectsOverlapWithExisting(t *testing.T) {
	l := openLedger(t, win("09:00", "10:00"))
	err := l.OpenDay(provider, day, []Window{win("09:30", "10:30"), win("11:00", "11:30")})
	assert.ErrorIs(t, err, ErrInvalidWindow)

	d, _ := l.Day(provider, day)
	assert.Len(t, d.Slots, 1, "a rejected merge adds nothing")
}

func TestDay_ReturnsCopy(t *testing.T) {
	l := openLedger(t, win("09:00", "09:30"))
	d, err := l.Day(provider, day)
	require.NoError(t, err)
	d.Slots[0].IsBooked = true

	s, _ := l.Slot(SlotKey{ProviderID: provider, Date: day, Start: MustClock("09:00")})
	assert.False(t, s.IsBooked)
}

func TestLoad_ReplacesDays(t *testing.T) {
	l := openLedger(t, win("09:00", "09:30"))
	l.Load([]DaySlots{{
		ProviderID: provider,
		Date:       day,
		Slots: []TimeSlot{
			{Start: MustClock("14:00"), End: MustClock("14:30"), IsBooked: true, BookedBy: "a9", Mode: ModeVideo},
			{Start: MustClock("13:00"), End: MustClock("13:30")},
		},
	}})

	d, err := l.Day(provider, day)
	require.NoError(t, err)
	require.Len(t, d.Slots, 2)
	assert.Equal(t, MustClock("13:00"), d.Slots[0].Start)
	assert.Equal(t, "a9", d.Slots[1].BookedBy)
}

func storeDay(bookedBy string) []DaySlots {
	s := TimeSlot{Start: MustClock("09:00"), End: MustClock("09:30")}
	if bookedBy != "" {
		s.IsBooked, s.BookedBy = true, bookedBy
	}
	return []DaySlots{{ProviderID: provider, Date: day, Slots: []TimeSlot{s}}}
}

func TestLoadSince_KeepsReservationMadeDuringRead(t *testing.T) {
	l := openLedger(t, win("09:00", "09:30"))
	seen := l.Generations()
	days := storeDay("")

	_, err := l.Reserve(reservation("09:00", "a1"))
	require.NoError(t, err)

	assert.Equal(t, 1, l.LoadSince(days, seen))

	s, err := l.Slot(SlotKey{ProviderID: provider, Date: day, Start: MustClock("09:00")})
	require.NoError(t, err)
	assert.Equal(t, "a1", s.BookedBy)
	_, err = l.Reserve(reservation("09:00", "a2"))
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestLoadSince_KeepsReleaseMadeDuringRead(t *testing.T) {
	l := openLedger(t, win("09:00", "09:30"))
	_, err := l.Reserve(reservation("09:00", "a1"))
	require.NoError(t, err)
	seen := l.Generations()
	days := storeDay("a1")

	require.NoError(t, l.Release(SlotKey{ProviderID: provider, Date: day, Start: MustClock("09:00")}))
	assert.Equal(t, 1, l.LoadSince(days, seen))

	_, err = l.Reserve(reservation("09:00", "a2"))
	assert.NoError(t, err)
}

func TestLoadSince_AppliesUnchangedDays(t *testing.T) {
	l := openLedger(t, win("09:00", "09:30"))
	seen := l.Generations()

	// A no-op release is not a change.
	require.NoError(t, l.Release(SlotKey{ProviderID: provider, Date: day, Start: MustClock("09:00")}))
	assert.Zero(t, l.LoadSince(storeDay("a9"), seen))

	s, err := l.Slot(SlotKey{ProviderID: provider, Date: day, Start: MustClock("09:00")})
	require.NoError(t, err)
	assert.Equal(t, "a9", s.BookedBy)
}

func TestLoadSince_SkipsDayOpenedDuringRead(t *testing.T) {
	l := New()
	seen := l.Generations()
	require.NoError(t, l.OpenDay(provider, day, []Window{win("09:00", "09:30"), win("10:00", "10:30")}))

	assert.Equal(t, 1, l.LoadSince(storeDay(""), seen))

	d, err := l.Day(provider, day)
	require.NoError(t, err)
	assert.Len(t, d.Slots, 2)
}
