package notification

import (
	"strings"

	"github.com/medibook/medibook/internal/platform/events"
)

// Channel is a delivery mechanism. Channels combine as a bit set.
type Channel uint8

const (
	ChannelRealtime Channel = 1 << iota
	ChannelEmail
	ChannelSMS
)

// AllChannels lists every channel in dispatch order.
var AllChannels = []Channel{ChannelRealtime, ChannelEmail, ChannelSMS}

// Has reports whether c includes every channel in other.
func (c Channel) Has(other Channel) bool { return c&other == other }

func (c Channel) String() string {
	var parts []string
	if c.Has(ChannelRealtime) {
		parts = append(parts, "realtime")
	}
	if c.Has(ChannelEmail) {
		parts = append(parts, "email")
	}
	if c.Has(ChannelSMS) {
		parts = append(parts, "sms")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Policy selects the channels and template keys used for one event type.
type Policy struct {
	Channels      Channel
	EmailTemplate string
	SMSTemplate   string
}

// policies is indexed by event type and must have an entry for every member
// of the closed set; the array length enforces it at compile time.
var policies = [events.NumTypes]Policy{
	events.TypeBooked: {
		Channels:      ChannelRealtime | ChannelEmail,
		EmailTemplate: "appointment-booked",
	},
	events.TypeBookedUrgent: {
		Channels:      ChannelRealtime | ChannelEmail | ChannelSMS,
		EmailTemplate: "emergency-booked",
		SMSTemplate:   "emergency-booked",
	},
	events.TypeConfirmed: {
		Channels:      ChannelRealtime | ChannelEmail | ChannelSMS,
		EmailTemplate: "appointment-confirmed",
		SMSTemplate:   "appointment-confirmed",
	},
	events.TypeCancelled: {
		Channels:      ChannelRealtime | ChannelEmail | ChannelSMS,
		EmailTemplate: "appointment-cancelled",
		SMSTemplate:   "appointment-cancelled",
	},
	events.TypeSessionStarted: {
		Channels: ChannelRealtime,
	},
	events.TypeSessionEnded: {
		Channels:      ChannelRealtime | ChannelEmail,
		EmailTemplate: "visit-summary",
	},
	events.TypeRejected: {
		Channels:      ChannelRealtime | ChannelEmail,
		EmailTemplate: "appointment-rejected",
	},
	events.TypeRescheduled: {
		Channels:      ChannelRealtime | ChannelEmail,
		EmailTemplate: "appointment-rescheduled",
	},
	events.TypeNoShow: {
		Channels:      ChannelRealtime | ChannelEmail,
		EmailTemplate: "appointment-no-show",
	},
	events.TypeAccepted: {
		Channels:    ChannelRealtime | ChannelSMS,
		SMSTemplate: "emergency-accepted",
	},
	events.TypeEmergencyAlert: {
		Channels:    ChannelRealtime | ChannelSMS,
		SMSTemplate: "emergency-alert",
	},
}

// PolicyFor returns the policy of t. Types outside the closed set get the
// zero policy, which delivers nothing.
func PolicyFor(t events.Type) Policy {
	if !t.Valid() {
		return Policy{}
	}
	return policies[t]
}
