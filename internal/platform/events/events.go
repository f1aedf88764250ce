// Package events defines the lifecycle events emitted by the scheduling core
// and the Publisher contract its consumers implement.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of lifecycle event types. Adding a member requires
// a policy entry in the notification dispatcher.
type Type int

const (
	TypeBooked Type = iota
	TypeBookedUrgent
	TypeConfirmed
	TypeCancelled
	TypeSessionStarted
	TypeSessionEnded
	TypeRejected
	TypeRescheduled
	TypeNoShow
	TypeAccepted
	TypeEmergencyAlert

	NumTypes
)

var typeNames = [NumTypes]string{
	TypeBooked:         "book",
	TypeBookedUrgent:   "book-urgent",
	TypeConfirmed:      "provider-confirm",
	TypeCancelled:      "cancel",
	TypeSessionStarted: "start-session",
	TypeSessionEnded:   "end-session",
	TypeRejected:       "reject",
	TypeRescheduled:    "reschedule",
	TypeNoShow:         "no-show",
	TypeAccepted:       "accept",
	TypeEmergencyAlert: "emergency-alert",
}

func (t Type) String() string {
	if t >= 0 && t < NumTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Valid reports whether t is a member of the closed set.
func (t Type) Valid() bool { return t >= 0 && t < NumTypes }

// ParseType resolves an event type by name.
func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if name == s {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid event type %d", int(t))
	}
	return []byte(typeNames[t]), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Event is one lifecycle notification. Topics route realtime delivery;
// Recipients are the user ids that receive off-band (email, SMS) copies.
type Event struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Topics        []string        `json:"topics"`
	AppointmentID string          `json:"appointment_id,omitempty"`
	ProviderID    string          `json:"provider_id,omitempty"`
	RequesterID   string          `json:"requester_id,omitempty"`
	Recipients    []string        `json:"-"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// New builds an event with a fresh id and payload encoded from data.
func New(t Type, at time.Time, data any) (Event, error) {
	ev := Event{ID: uuid.NewString(), Type: t, OccurredAt: at.UTC()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		ev.Data = b
	}
	return ev, nil
}

// Topic constructors.
func UserTopic(id string) string        { return "user:" + id }
func RoleTopic(role string) string      { return "role:" + role }
func AppointmentTopic(id string) string { return "appointment:" + id }
func ProviderTopic(id string) string    { return "provider:" + id }

// Publisher receives lifecycle events. Publish must not block on slow
// consumers and reports failures through its own logging; callers never
// see delivery errors.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Fanout hands every event to each member in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// Recorder is a Publisher that keeps every event. It is safe for
// concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
