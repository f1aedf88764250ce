package ledger

import (
	"fmt"
	"time"
)

// DateLayout is the calendar date format used for day keys.
const DateLayout = "2006-01-02"

// Clock is a time of day expressed in minutes since midnight.
type Clock int

// ParseClock parses an "HH:MM" string.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

// MustClock is ParseClock for literals; it panics on malformed input.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Duration returns the offset from midnight.
func (c Clock) Duration() time.Duration {
	return time.Duration(c) * time.Minute
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseDate validates a calendar date and returns it in canonical form.
func ParseDate(s string) (string, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t.Format(DateLayout), nil
}

// Mode is the consultation mode a slot is booked for.
type Mode string

const (
	ModeInPerson Mode = "in-person"
	ModeVideo    Mode = "video"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeInPerson || m == ModeVideo
}

// TimeSlot is a single bookable window on a provider's day.
type TimeSlot struct {
	Start    Clock  `json:"start"`
	End      Clock  `json:"end"`
	IsBooked bool   `json:"is_booked"`
	BookedBy string `json:"booked_by,omitempty"`
	Mode     Mode   `json:"mode,omitempty"`
}

// DaySlots is the ordered slot list of one provider on one date.
type DaySlots struct {
	ProviderID string     `json:"provider_id"`
	Date       string     `json:"date"`
	Slots      []TimeSlot `json:"slots"`
}

// Window is an unbooked [Start, End) interval used to open a day.
type Window struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

// SlotKey identifies a slot by provider, date and start time.
type SlotKey struct {
	ProviderID string `json:"provider_id"`
	Date       string `json:"date"`
	Start      Clock  `json:"start"`
}

func (k SlotKey) String() string {
	return k.ProviderID + "/" + k.Date + "/" + k.Start.String()
}

// Reservation is a request to claim one slot for an appointment.
type Reservation struct {
	SlotKey
	RequesterID   string
	AppointmentID string
	Mode          Mode
}

// Handle describes a slot that was successfully reserved.
type Handle struct {
	SlotKey
	End           Clock  `json:"end"`
	RequesterID   string `json:"requester_id"`
	AppointmentID string `json:"appointment_id"`
	Mode          Mode   `json:"mode"`
}

// validateWindows checks that windows are well formed, sorted by start and
// pairwise disjoint.
func validateWindows(ws []Window) error {
	for i, w := range ws {
		if w.Start < 0 || w.End > 24*60 || w.Start >= w.End {
			return fmt.Errorf("%w: %s-%s", ErrInvalidWindow, w.Start, w.End)
		}
		if i > 0 && ws[i-1].End > w.Start {
			return fmt.Errorf("%w: %s-%s overlaps or precedes %s-%s",
				ErrInvalidWindow, w.Start, w.End, ws[i-1].Start, ws[i-1].End)
		}
	}
	return nil
}
