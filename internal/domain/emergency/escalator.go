package emergency

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/medibook/medibook/internal/platform/events"
	"github.com/medibook/medibook/internal/platform/metrics"
)

const (
	DefaultRadiusKm = 10.0
	DefaultTopN     = 3
)

// Request describes one urgent appointment to escalate.
type Request struct {
	AppointmentID string
	RequesterID   string
	Location      Point
	RadiusKm      float64
	TopN          int
}

// Alert is the payload of an emergency-alert event.
type Alert struct {
	AppointmentID string  `json:"appointment_id"`
	RequesterID   string  `json:"requester_id"`
	Location      Point   `json:"location"`
	DistanceKm    float64 `json:"distance_km"`
	Rank          int     `json:"rank"`
}

type Escalator struct {
	index  LocationIndex
	pub    events.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

func NewEscalator(index LocationIndex, pub events.Publisher, logger zerolog.Logger) *Escalator {
	return &Escalator{
		index:  index,
		pub:    pub,
		logger: logger.With().Str("component", "escalator").Logger(),
		now:    time.Now,
	}
}

// Rank returns up to topN available providers within radiusKm of at, nearest
// first, ties broken by provider id. No providers in range is not an error.
func (e *Escalator) Rank(ctx context.Context, at Point, radiusKm float64, topN int) ([]Candidate, error) {
	if err := at.Validate(); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	if topN <= 0 {
		topN = DefaultTopN
	}

	found, err := e.index.Nearby(ctx, at, radiusKm)
	if err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].DistanceKm != found[j].DistanceKm {
			return found[i].DistanceKm < found[j].DistanceKm
		}
		return found[i].ProviderID < found[j].ProviderID
	})
	if len(found) > topN {
		found = found[:topN]
	}
	return found, nil
}

// Alert emits one emergency-alert event per candidate, in rank order.
func (e *Escalator) Alert(ctx context.Context, req Request, candidates []Candidate) {
	metrics.EscalationCandidates.Observe(float64(len(candidates)))

	for i, c := range candidates {
		ev, err := events.New(events.TypeEmergencyAlert, e.now(), Alert{
			AppointmentID: req.AppointmentID,
			RequesterID:   req.RequesterID,
			Location:      req.Location,
			DistanceKm:    c.DistanceKm,
			Rank:          i + 1,
		})
		if err != nil {
			e.logger.Error().Err(err).Msg("failed to build alert")
			continue
		}
		ev.Topics = []string{events.ProviderTopic(c.ProviderID), events.UserTopic(c.ProviderID)}
		ev.AppointmentID = req.AppointmentID
		ev.ProviderID = c.ProviderID
		ev.RequesterID = req.RequesterID
		ev.Recipients = []string{c.ProviderID}
		e.pub.Publish(ctx, ev)
	}

	e.logger.Info().
		Str("appointment_id", req.AppointmentID).
		Int("alerted", len(candidates)).
		Msg("emergency escalated")
}

// Escalate ranks and alerts in one step.
func (e *Escalator) Escalate(ctx context.Context, req Request) ([]Candidate, error) {
	candidates, err := e.Rank(ctx, req.Location, req.RadiusKm, req.TopN)
	if err != nil {
		return nil, err
	}
	e.Alert(ctx, req, candidates)
	return candidates, nil
}
