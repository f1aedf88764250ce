package websocket

import (
	"context"
	"strings"

	"github.com/medibook/medibook/internal/platform/auth"
)

// TopicAuthorizer decides whether a principal may subscribe to a topic.
type TopicAuthorizer interface {
	Authorize(ctx context.Context, p auth.Principal, topic string) bool
}

// ParticipantLookup returns the user ids allowed to follow an appointment.
type ParticipantLookup func(ctx context.Context, appointmentID string) ([]string, error)

// DefaultAuthorizer allows a principal its own user and provider topics, the
// role topics of roles it holds, and appointment topics it participates in.
// Admins may subscribe to anything.
type DefaultAuthorizer struct {
	Participants ParticipantLookup
}

func (a DefaultAuthorizer) Authorize(ctx context.Context, p auth.Principal, topic string) bool {
	if p.IsAdmin() {
		return true
	}
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || id == "" {
		return false
	}
	switch kind {
	case "user":
		return id == p.UserID
	case "provider":
		return id == p.UserID && p.HasRole(auth.RoleDoctor)
	case "role":
		for _, r := range p.Roles {
			if r == id {
				return true
			}
		}
		return false
	case "appointment":
		if a.Participants == nil {
			return false
		}
		ids, err := a.Participants(ctx, id)
		if err != nil {
			return false
		}
		for _, uid := range ids {
			if uid == p.UserID {
				return true
			}
		}
		return false
	}
	return false
}

// defaultTopics are subscribed automatically on connect.
func defaultTopics(p auth.Principal) []string {
	topics := []string{"user:" + p.UserID}
	for _, r := range p.Roles {
		topics = append(topics, "role:"+r)
	}
	for _, r := range p.Roles {
		if r == auth.RoleDoctor {
			topics = append(topics, "provider:"+p.UserID)
			break
		}
	}
	return topics
}
