// Package appointment runs the appointment lifecycle: booking against the
// slot ledger, guarded state transitions, rescheduling, and emergency
// requests that bypass the ledger and escalate to nearby providers.
package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medibook/medibook/internal/domain/emergency"
	"github.com/medibook/medibook/internal/domain/ledger"
	"github.com/medibook/medibook/internal/platform/apierr"
	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/internal/platform/events"
	"github.com/medibook/medibook/internal/platform/metrics"
)

// DefaultCancellationWindow is how long before the start an appointment can
// still be cancelled.
const DefaultCancellationWindow = 2 * time.Hour

type Config struct {
	CancellationWindow time.Duration
	// Location interprets appointment dates and start times.
	Location *time.Location
	RadiusKm float64
	TopN     int
}

type Service struct {
	ledger    *ledger.Ledger
	repo      Repository
	escalator *emergency.Escalator
	pub       events.Publisher
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

func NewService(l *ledger.Ledger, repo Repository, esc *emergency.Escalator, pub events.Publisher, cfg Config, logger zerolog.Logger) *Service {
	if cfg.CancellationWindow <= 0 {
		cfg.CancellationWindow = DefaultCancellationWindow
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = emergency.DefaultRadiusKm
	}
	if cfg.TopN <= 0 {
		cfg.TopN = emergency.DefaultTopN
	}
	return &Service{
		ledger:    l,
		repo:      repo,
		escalator: esc,
		pub:       pub,
		cfg:       cfg,
		logger:    logger.With().Str("component", "appointment").Logger(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// BookRequest asks for a new appointment. Urgent requests carry the
// requester's location instead of a slot.
type BookRequest struct {
	ProviderID  string           `json:"provider_id"`
	RequesterID string           `json:"requester_id,omitempty"`
	Date        string           `json:"date"`
	Start       string           `json:"start"`
	Mode        ledger.Mode      `json:"mode"`
	Urgent      bool             `json:"urgent"`
	Location    *emergency.Point `json:"location,omitempty"`
	RadiusKm    float64          `json:"radius_km,omitempty"`
}

// TransitionRequest names a provider-driven transition.
type TransitionRequest struct {
	Action   string `json:"action"`
	Reason   string `json:"reason,omitempty"`
	RecordID string `json:"record_id,omitempty"`
}

type RescheduleRequest struct {
	ProviderID string      `json:"provider_id,omitempty"`
	Date       string      `json:"date"`
	Start      string      `json:"start"`
	Mode       ledger.Mode `json:"mode,omitempty"`
}

// EscalationResult is returned by Reescalate.
type EscalationResult struct {
	Appointment *Appointment          `json:"appointment"`
	Candidates  []emergency.Candidate `json:"candidates"`
}

// Book creates an appointment. A non-urgent booking reserves its slot and
// starts pending; an urgent one skips the ledger, starts confirmed and
// alerts the nearest available providers.
func (s *Service) Book(ctx context.Context, caller auth.Principal, req BookRequest) (*Appointment, error) {
	a, err := s.book(ctx, caller, req)
	action := events.TypeBooked
	if req.Urgent {
		action = events.TypeBookedUrgent
	}
	observe(action, err)
	return a, err
}

func (s *Service) book(ctx context.Context, caller auth.Principal, req BookRequest) (*Appointment, error) {
	requester := caller.UserID
	if req.RequesterID != "" && req.RequesterID != requester {
		if !caller.IsAdmin() {
			return nil, fmt.Errorf("%w: cannot book on behalf of %s", ErrNotAuthorized, req.RequesterID)
		}
		requester = req.RequesterID
	}
	if requester == "" {
		return nil, fmt.Errorf("%w: requester id is required", ErrInvalidRequest)
	}
	if req.Urgent {
		return s.bookUrgent(ctx, requester, req)
	}

	key, mode, err := s.parseSlot(req.ProviderID, req.Date, req.Start, req.Mode)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	h, err := s.ledger.Reserve(ledger.Reservation{SlotKey: key, RequesterID: requester, AppointmentID: id, Mode: mode})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	a := &Appointment{
		ID:          id,
		ProviderID:  key.ProviderID,
		RequesterID: requester,
		Date:        key.Date,
		Start:       key.Start,
		End:         h.End,
		Mode:        mode,
		Status:      StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Apply(ctx, Write{Insert: a, ClaimSlot: true}); err != nil {
		s.compensate(key, id)
		return nil, err
	}

	s.emit(ctx, events.TypeBooked, a)
	return a, nil
}

func (s *Service) bookUrgent(ctx context.Context, requester string, req BookRequest) (*Appointment, error) {
	if req.Location == nil {
		return nil, fmt.Errorf("%w: location is required for urgent requests", ErrInvalidRequest)
	}
	if err := req.Location.Validate(); err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = ledger.ModeVideo
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode)
	}
	radius := req.RadiusKm
	if radius <= 0 {
		radius = s.cfg.RadiusKm
	}

	candidates, err := s.escalator.Rank(ctx, *req.Location, radius, s.cfg.TopN)
	if err != nil {
		// The request is still accepted and broadcast to every doctor.
		s.logger.Error().Err(err).Str("requester_id", requester).Msg("failed to rank providers for urgent request")
		candidates = nil
	}

	now := s.now()
	local := now.In(s.cfg.Location)
	start := ledger.Clock(local.Hour()*60 + local.Minute())
	end := start + EmergencyDuration
	if end > 24*60 {
		end = 24 * 60
	}
	loc := *req.Location
	a := &Appointment{
		ID:          s.newID(),
		RequesterID: requester,
		Date:        local.Format(ledger.DateLayout),
		Start:       start,
		End:         end,
		Mode:        mode,
		Status:      StatusConfirmed,
		Urgent:      true,
		Location:    &loc,
		Version:     1,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
	for _, c := range candidates {
		a.Candidates = append(a.Candidates, c.ProviderID)
	}
	if len(candidates) > 0 {
		a.ProviderID = candidates[0].ProviderID
	}

	if err := s.repo.Apply(ctx, Write{Insert: a}); err != nil {
		return nil, err
	}

	s.emit(ctx, events.TypeBookedUrgent, a)
	s.escalator.Alert(ctx, emergency.Request{
		AppointmentID: a.ID,
		RequesterID:   requester,
		Location:      loc,
		RadiusKm:      radius,
		TopN:          s.cfg.TopN,
	}, candidates)
	return a, nil
}

// Cancel moves a pending or confirmed appointment to cancelled. Outside
// emergencies it must happen at least the cancellation window before the
// start; the boundary itself is allowed.
func (s *Service) Cancel(ctx context.Context, caller auth.Principal, id, reason string) (*Appointment, error) {
	a, err := s.cancel(ctx, caller, id, reason)
	observe(events.TypeCancelled, err)
	return a, err
}

func (s *Service) cancel(ctx context.Context, caller auth.Principal, id, reason string) (*Appointment, error) {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && caller.UserID != cur.RequesterID && (cur.ProviderID == "" || caller.UserID != cur.ProviderID) {
		return nil, fmt.Errorf("%w: only the patient or the assigned provider may cancel", ErrNotAuthorized)
	}
	if cur.Status != StatusPending && cur.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: cannot cancel a %s appointment", ErrInvalidTransition, cur.Status)
	}
	if !cur.Urgent {
		startAt, err := cur.StartsAt(s.cfg.Location)
		if err != nil {
			return nil, err
		}
		if s.now().After(startAt.Add(-s.cfg.CancellationWindow)) {
			return nil, fmt.Errorf("%w: appointment starts at %s", ErrCancellationWindowExpired, startAt.Format(time.RFC3339))
		}
	}

	next := cur.clone()
	next.Status = StatusCancelled
	next.CancellationReason = reason
	next.UpdatedAt = s.now().UTC()
	if err := s.commitRelease(ctx, next); err != nil {
		return nil, err
	}

	s.emit(ctx, events.TypeCancelled, next)
	return next, nil
}

// Transition applies a provider-driven action: provider-confirm,
// start-session, end-session, reject, no-show or accept.
func (s *Service) Transition(ctx context.Context, caller auth.Principal, id string, req TransitionRequest) (*Appointment, error) {
	action, err := events.ParseType(req.Action)
	if err != nil || !isTransition(action) {
		err = fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action)
		observeLabel("unknown", err)
		return nil, err
	}
	a, err := s.transition(ctx, caller, id, action, req)
	observe(action, err)
	return a, err
}

func isTransition(t events.Type) bool {
	switch t {
	case events.TypeConfirmed, events.TypeSessionStarted, events.TypeSessionEnded,
		events.TypeRejected, events.TypeNoShow, events.TypeAccepted:
		return true
	}
	return false
}

func (s *Service) transition(ctx context.Context, caller auth.Principal, id string, action events.Type, req TransitionRequest) (*Appointment, error) {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if action == events.TypeAccepted {
		return s.accept(ctx, caller, cur)
	}
	if !caller.IsAdmin() && (cur.ProviderID == "" || caller.UserID != cur.ProviderID) {
		return nil, fmt.Errorf("%w: only the assigned provider may %s", ErrNotAuthorized, action)
	}

	now := s.now().UTC()
	next := cur.clone()
	next.UpdatedAt = now
	release := false

	switch action {
	case events.TypeConfirmed:
		if cur.Status != StatusPending {
			return nil, invalid(action, cur.Status)
		}
		next.Status = StatusConfirmed
	case events.TypeSessionStarted:
		if cur.Status != StatusConfirmed {
			return nil, invalid(action, cur.Status)
		}
		next.Status = StatusInProgress
		next.Session = &Session{RoomID: s.newID(), StartedAt: now}
	case events.TypeSessionEnded:
		if cur.Status != StatusInProgress {
			return nil, invalid(action, cur.Status)
		}
		next.Status = StatusCompleted
		if next.Session == nil {
			next.Session = &Session{RoomID: s.newID(), StartedAt: now}
		}
		next.Session.EndedAt = &now
		next.Session.RecordID = req.RecordID
	case events.TypeRejected:
		if cur.Status != StatusPending && cur.Status != StatusConfirmed {
			return nil, invalid(action, cur.Status)
		}
		next.Status = StatusRejected
		next.CancellationReason = req.Reason
		release = true
	case events.TypeNoShow:
		if cur.Status != StatusConfirmed {
			return nil, invalid(action, cur.Status)
		}
		startAt, err := cur.StartsAt(s.cfg.Location)
		if err != nil {
			return nil, err
		}
		if s.now().Before(startAt) {
			return nil, fmt.Errorf("%w: no-show before the appointment starts", ErrInvalidTransition)
		}
		next.Status = StatusNoShow
	}

	if release {
		err = s.commitRelease(ctx, next)
	} else {
		err = s.repo.Apply(ctx, Write{Update: next})
	}
	if err != nil {
		return nil, err
	}

	s.emit(ctx, action, next)
	return next, nil
}

// accept assigns an unassigned urgent request to the calling doctor. When
// candidates were alerted only they may accept.
func (s *Service) accept(ctx context.Context, caller auth.Principal, cur *Appointment) (*Appointment, error) {
	if !caller.HasRole(auth.RoleDoctor) {
		return nil, fmt.Errorf("%w: only doctors may accept emergencies", ErrNotAuthorized)
	}
	if !cur.Unassigned() || cur.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: appointment is not an unassigned emergency", ErrInvalidTransition)
	}
	if len(cur.Candidates) > 0 && !caller.IsAdmin() && !contains(cur.Candidates, caller.UserID) {
		return nil, fmt.Errorf("%w: %s was not alerted for this emergency", ErrNotAuthorized, caller.UserID)
	}

	next := cur.clone()
	next.ProviderID = caller.UserID
	next.UpdatedAt = s.now().UTC()
	if err := s.repo.Apply(ctx, Write{Update: next}); err != nil {
		return nil, err
	}
	s.emit(ctx, events.TypeAccepted, next)
	return next, nil
}

// Reschedule books a new slot for a live appointment, links the two and
// frees the old slot, all in one store transaction.
func (s *Service) Reschedule(ctx context.Context, caller auth.Principal, id string, req RescheduleRequest) (*Appointment, error) {
	a, err := s.reschedule(ctx, caller, id, req)
	observe(events.TypeRescheduled, err)
	return a, err
}

func (s *Service) reschedule(ctx context.Context, caller auth.Principal, id string, req RescheduleRequest) (*Appointment, error) {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && caller.UserID != cur.RequesterID && (cur.ProviderID == "" || caller.UserID != cur.ProviderID) {
		return nil, fmt.Errorf("%w: only the patient or the assigned provider may reschedule", ErrNotAuthorized)
	}
	if cur.Status.Terminal() {
		return nil, invalid(events.TypeRescheduled, cur.Status)
	}
	if cur.Urgent {
		return nil, fmt.Errorf("%w: emergency appointments cannot be rescheduled", ErrInvalidTransition)
	}

	providerID := req.ProviderID
	if providerID == "" {
		providerID = cur.ProviderID
	}
	mode := req.Mode
	if mode == "" {
		mode = cur.Mode
	}
	key, mode, err := s.parseSlot(providerID, req.Date, req.Start, mode)
	if err != nil {
		return nil, err
	}

	newID := s.newID()
	h, err := s.ledger.Reserve(ledger.Reservation{SlotKey: key, RequesterID: cur.RequesterID, AppointmentID: newID, Mode: mode})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	moved := &Appointment{
		ID:          newID,
		ProviderID:  key.ProviderID,
		RequesterID: cur.RequesterID,
		Date:        key.Date,
		Start:       key.Start,
		End:         h.End,
		Mode:        mode,
		Status:      StatusPending,
		PreviousID:  cur.ID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	old := cur.clone()
	old.Status = StatusRescheduled
	old.NextID = newID
	old.UpdatedAt = now

	oldKey := cur.SlotKey()
	err = s.repo.Apply(ctx, Write{
		Insert:     moved,
		ClaimSlot:  true,
		Update:     old,
		Release:    &oldKey,
		ReleaseFor: cur.ID,
	})
	if err != nil {
		s.compensate(key, newID)
		return nil, err
	}
	s.releaseHeld(oldKey, cur.ID)

	s.emit(ctx, events.TypeRescheduled, moved, events.AppointmentTopic(cur.ID))
	return moved, nil
}

// Reescalate ranks providers again for an unassigned emergency with a
// caller-chosen radius and alerts the new candidates.
func (s *Service) Reescalate(ctx context.Context, caller auth.Principal, id string, radiusKm float64) (*EscalationResult, error) {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && caller.UserID != cur.RequesterID {
		return nil, fmt.Errorf("%w: only the requester may re-escalate", ErrNotAuthorized)
	}
	if !cur.Unassigned() || cur.Status != StatusConfirmed || cur.Location == nil {
		return nil, fmt.Errorf("%w: appointment is not an unassigned emergency", ErrInvalidTransition)
	}
	if radiusKm <= 0 {
		radiusKm = s.cfg.RadiusKm
	}

	candidates, err := s.escalator.Rank(ctx, *cur.Location, radiusKm, s.cfg.TopN)
	if err != nil {
		return nil, err
	}

	next := cur
	if len(candidates) > 0 {
		next = cur.clone()
		for _, c := range candidates {
			if !contains(next.Candidates, c.ProviderID) {
				next.Candidates = append(next.Candidates, c.ProviderID)
			}
		}
		next.UpdatedAt = s.now().UTC()
		if err := s.repo.Apply(ctx, Write{Update: next}); err != nil {
			return nil, err
		}
	}

	s.escalator.Alert(ctx, emergency.Request{
		AppointmentID: cur.ID,
		RequesterID:   cur.RequesterID,
		Location:      *cur.Location,
		RadiusKm:      radiusKm,
		TopN:          s.cfg.TopN,
	}, candidates)
	return &EscalationResult{Appointment: next, Candidates: candidates}, nil
}

// Get returns an appointment visible to caller.
func (s *Service) Get(ctx context.Context, caller auth.Principal, id string) (*Appointment, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && !a.IsParticipant(caller.UserID) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

func (s *Service) ListByRequester(ctx context.Context, caller auth.Principal, requesterID string, limit, offset int) ([]*Appointment, int, error) {
	if !caller.IsAdmin() && caller.UserID != requesterID {
		return nil, 0, fmt.Errorf("%w: cannot list appointments of %s", ErrNotAuthorized, requesterID)
	}
	return s.repo.ListByRequester(ctx, requesterID, limit, offset)
}

func (s *Service) ListByProvider(ctx context.Context, caller auth.Principal, providerID string, limit, offset int) ([]*Appointment, int, error) {
	if !caller.IsAdmin() && caller.UserID != providerID {
		return nil, 0, fmt.Errorf("%w: cannot list appointments of %s", ErrNotAuthorized, providerID)
	}
	return s.repo.ListByProvider(ctx, providerID, limit, offset)
}

// Participants returns the users allowed to follow an appointment's topic.
func (s *Service) Participants(ctx context.Context, id string) ([]string, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Participants(), nil
}

// parseSlot validates the slot part of a booking. The slot must start in
// the future.
func (s *Service) parseSlot(providerID, date, start string, mode ledger.Mode) (ledger.SlotKey, ledger.Mode, error) {
	if providerID == "" {
		return ledger.SlotKey{}, "", fmt.Errorf("%w: provider id is required", ErrInvalidRequest)
	}
	d, err := ledger.ParseDate(date)
	if err != nil {
		return ledger.SlotKey{}, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	clock, err := ledger.ParseClock(start)
	if err != nil {
		return ledger.SlotKey{}, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if mode == "" {
		mode = ledger.ModeInPerson
	}
	if !mode.Valid() {
		return ledger.SlotKey{}, "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode)
	}
	at, err := startsAt(d, clock, s.cfg.Location)
	if err != nil {
		return ledger.SlotKey{}, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !at.After(s.now()) {
		return ledger.SlotKey{}, "", fmt.Errorf("%w: slot %s %s is in the past", ErrInvalidRequest, d, clock)
	}
	return ledger.SlotKey{ProviderID: providerID, Date: d, Start: clock}, mode, nil
}

// commitRelease stores a terminal update that gives the slot back, then
// frees it in the ledger.
func (s *Service) commitRelease(ctx context.Context, a *Appointment) error {
	w := Write{Update: a}
	var key ledger.SlotKey
	if a.HoldsSlot() {
		key = a.SlotKey()
		w.Release, w.ReleaseFor = &key, a.ID
	}
	if err := s.repo.Apply(ctx, w); err != nil {
		return err
	}
	if a.HoldsSlot() {
		s.releaseHeld(key, a.ID)
	}
	return nil
}

// compensate undoes a ledger claim whose store commit failed.
func (s *Service) compensate(key ledger.SlotKey, appointmentID string) {
	if err := s.ledger.ReleaseHeld(key, appointmentID); err != nil {
		s.logger.Error().Err(err).Stringer("slot", key).Str("appointment_id", appointmentID).
			Msg("failed to compensate slot claim")
	}
}

func (s *Service) releaseHeld(key ledger.SlotKey, appointmentID string) {
	if err := s.ledger.ReleaseHeld(key, appointmentID); err != nil {
		// The store is already correct; the next refresh realigns the ledger.
		s.logger.Warn().Err(err).Stringer("slot", key).Str("appointment_id", appointmentID).
			Msg("slot missing from ledger on release")
	}
}

// emit publishes the lifecycle event for a successful transition. The
// payload is the appointment snapshot after the change.
func (s *Service) emit(ctx context.Context, t events.Type, a *Appointment, extraTopics ...string) {
	ev, err := events.New(t, s.now(), a)
	if err != nil {
		s.logger.Error().Err(err).Str("appointment_id", a.ID).Msg("failed to build lifecycle event")
		return
	}
	ev.AppointmentID = a.ID
	ev.ProviderID = a.ProviderID
	ev.RequesterID = a.RequesterID
	ev.Topics = append(topicsFor(a), extraTopics...)
	ev.Recipients = []string{a.RequesterID}
	if a.ProviderID != "" {
		ev.Recipients = append(ev.Recipients, a.ProviderID)
	}
	s.pub.Publish(ctx, ev)

	s.logger.Info().
		Str("appointment_id", a.ID).
		Stringer("event", t).
		Str("status", string(a.Status)).
		Msg("appointment transition")
}

func topicsFor(a *Appointment) []string {
	topics := []string{events.AppointmentTopic(a.ID), events.UserTopic(a.RequesterID)}
	switch {
	case a.ProviderID != "":
		topics = append(topics, events.ProviderTopic(a.ProviderID))
	case a.Urgent:
		topics = append(topics, events.RoleTopic(auth.RoleDoctor))
	}
	return topics
}

func invalid(action events.Type, from Status) error {
	return fmt.Errorf("%w: %s is not allowed from %s", ErrInvalidTransition, action, from)
}

func observe(action events.Type, err error) {
	observeLabel(action.String(), err)
}

func observeLabel(action string, err error) {
	outcome := "ok"
	if err != nil {
		switch Classify(err).Kind {
		case apierr.KindContention:
			outcome = "contended"
		case apierr.KindPolicy:
			outcome = "denied"
		case apierr.KindValidation, apierr.KindNotFound:
			outcome = "rejected"
		default:
			outcome = "failed"
		}
	}
	metrics.Transitions.WithLabelValues(action, outcome).Inc()
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
