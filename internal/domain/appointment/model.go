package appointment

import (
	"fmt"
	"time"

	"github.com/medibook/medibook/internal/domain/emergency"
	"github.com/medibook/medibook/internal/domain/ledger"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusConfirmed   Status = "confirmed"
	StatusInProgress  Status = "in-progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusRejected    Status = "rejected"
	StatusNoShow      Status = "no-show"
	StatusRescheduled Status = "rescheduled"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected, StatusNoShow, StatusRescheduled:
		return true
	}
	return false
}

// EmergencyDuration is the nominal length recorded for urgent appointments,
// which have no backing slot.
const EmergencyDuration = 30

// Session is the consultation handle allocated on start-session.
type Session struct {
	RoomID    string     `json:"room_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	RecordID  string     `json:"record_id,omitempty"`
}

type Appointment struct {
	ID                 string           `json:"id"`
	ProviderID         string           `json:"provider_id,omitempty"`
	RequesterID        string           `json:"requester_id"`
	Date               string           `json:"date"`
	Start              ledger.Clock     `json:"start"`
	End                ledger.Clock     `json:"end"`
	Mode               ledger.Mode      `json:"mode"`
	Status             Status           `json:"status"`
	Urgent             bool             `json:"urgent"`
	CancellationReason string           `json:"cancellation_reason,omitempty"`
	PreviousID         string           `json:"previous_id,omitempty"`
	NextID             string           `json:"next_id,omitempty"`
	Session            *Session         `json:"session,omitempty"`
	Location           *emergency.Point `json:"location,omitempty"`
	Candidates         []string         `json:"candidates,omitempty"`
	Version            int              `json:"version"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// SlotKey names the ledger slot backing a. Urgent appointments have none.
func (a *Appointment) SlotKey() ledger.SlotKey {
	return ledger.SlotKey{ProviderID: a.ProviderID, Date: a.Date, Start: a.Start}
}

// HoldsSlot reports whether a is expected to own a booked slot.
func (a *Appointment) HoldsSlot() bool { return !a.Urgent }

// Unassigned reports whether a is an urgent request no provider has taken.
func (a *Appointment) Unassigned() bool { return a.Urgent && a.ProviderID == "" }

// StartsAt resolves the appointment's date and start time in loc.
func (a *Appointment) StartsAt(loc *time.Location) (time.Time, error) {
	return startsAt(a.Date, a.Start, loc)
}

func startsAt(date string, start ledger.Clock, loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation(ledger.DateLayout, date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return day.Add(start.Duration()), nil
}

// Participants lists the user ids involved in a: requester, assigned
// provider and, for urgent requests, the alerted candidates.
func (a *Appointment) Participants() []string {
	ids := []string{a.RequesterID}
	if a.ProviderID != "" {
		ids = append(ids, a.ProviderID)
	}
	for _, c := range a.Candidates {
		if c != a.ProviderID {
			ids = append(ids, c)
		}
	}
	return ids
}

// IsParticipant reports whether userID is one of a's participants.
func (a *Appointment) IsParticipant(userID string) bool {
	for _, id := range a.Participants() {
		if id == userID {
			return true
		}
	}
	return false
}

func (a *Appointment) clone() *Appointment {
	c := *a
	if a.Session != nil {
		s := *a.Session
		if a.Session.EndedAt != nil {
			t := *a.Session.EndedAt
			s.EndedAt = &t
		}
		c.Session = &s
	}
	if a.Location != nil {
		p := *a.Location
		c.Location = &p
	}
	c.Candidates = append([]string(nil), a.Candidates...)
	return &c
}
