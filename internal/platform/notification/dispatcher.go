// Package notification fans lifecycle events out to the realtime hub and to
// the off-band email and SMS channels according to a fixed per-event policy.
// Channel failures are logged and counted; they never fail the caller.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/medibook/medibook/internal/platform/events"
	"github.com/medibook/medibook/internal/platform/metrics"
)

// Outcome reports what one channel did with one event.
type Outcome struct {
	Channel Channel
	Sent    int
	Failed  int
	Skipped int
	Err     error
}

// Result collects the outcomes of every channel selected for an event.
type Result struct {
	EventID  string
	Type     events.Type
	Outcomes []Outcome
}

// Outcome returns the outcome of channel c and whether c was attempted.
func (r Result) Outcome(c Channel) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Channel == c {
			return o, true
		}
	}
	return Outcome{}, false
}

// Config wires the Dispatcher to its sinks. Nil sinks disable their channel.
type Config struct {
	Realtime  Broadcaster
	Email     EmailSender
	SMS       SMSSender
	Directory Directory
	Templates *TemplateEngine
	// OffbandTimeout bounds asynchronous email and SMS delivery.
	OffbandTimeout time.Duration
}

type Dispatcher struct {
	rt       Broadcaster
	email    EmailSender
	sms      SMSSender
	dir      Directory
	tpl      *TemplateEngine
	timeout  time.Duration
	logger   zerolog.Logger
	inflight sync.WaitGroup
}

func NewDispatcher(cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.Templates == nil {
		cfg.Templates = NewTemplateEngine()
	}
	if cfg.Directory == nil {
		cfg.Directory = NewMemoryDirectory()
	}
	if cfg.OffbandTimeout <= 0 {
		cfg.OffbandTimeout = 30 * time.Second
	}
	return &Dispatcher{
		rt:      cfg.Realtime,
		email:   cfg.Email,
		sms:     cfg.SMS,
		dir:     cfg.Directory,
		tpl:     cfg.Templates,
		timeout: cfg.OffbandTimeout,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers ev on every channel of its policy and waits for all of
// them. Sinks run independently; one failing does not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) Result {
	p := PolicyFor(ev.Type)
	res := Result{EventID: ev.ID, Type: ev.Type}
	if p.Channels.Has(ChannelRealtime) {
		res.Outcomes = append(res.Outcomes, d.realtime(ctx, ev))
	}
	res.Outcomes = append(res.Outcomes, d.offband(ctx, ev, p)...)
	return res
}

// Publish implements events.Publisher. Realtime delivery happens before
// Publish returns so per-topic order follows publish order; email and SMS
// complete in the background. Wait blocks until they finish.
func (d *Dispatcher) Publish(ctx context.Context, ev events.Event) {
	p := PolicyFor(ev.Type)
	if p.Channels.Has(ChannelRealtime) {
		d.realtime(ctx, ev)
	}
	if !p.Channels.Has(ChannelEmail) && !p.Channels.Has(ChannelSMS) {
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		d.offband(octx, ev, p)
	}()
}

// Wait blocks until background deliveries started by Publish have finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) realtime(ctx context.Context, ev events.Event) Outcome {
	out := Outcome{Channel: ChannelRealtime}
	if d.rt == nil || len(ev.Topics) == 0 {
		out.Skipped = 1
		d.record(out)
		return out
	}
	msg, err := json.Marshal(ev)
	if err == nil {
		err = d.rt.Broadcast(ctx, ev.Topics, msg)
	}
	if err != nil {
		out.Failed, out.Err = 1, err
		d.logFailure(ev, ChannelRealtime, "", err)
	} else {
		out.Sent = 1
	}
	d.record(out)
	return out
}

func (d *Dispatcher) offband(ctx context.Context, ev events.Event, p Policy) []Outcome {
	var emailOut, smsOut *Outcome
	g, gctx := errgroup.WithContext(ctx)

	if p.Channels.Has(ChannelEmail) {
		emailOut = &Outcome{Channel: ChannelEmail}
		g.Go(func() error {
			*emailOut = d.sendEmail(gctx, ev, p.EmailTemplate)
			return nil
		})
	}
	if p.Channels.Has(ChannelSMS) {
		smsOut = &Outcome{Channel: ChannelSMS}
		g.Go(func() error {
			*smsOut = d.sendSMS(gctx, ev, p.SMSTemplate)
			return nil
		})
	}
	_ = g.Wait()

	var outs []Outcome
	for _, o := range []*Outcome{emailOut, smsOut} {
		if o != nil {
			d.record(*o)
			outs = append(outs, *o)
		}
	}
	return outs
}

func (d *Dispatcher) sendEmail(ctx context.Context, ev events.Event, templateKey string) Outcome {
	out := Outcome{Channel: ChannelEmail}
	if d.email == nil {
		out.Skipped = len(ev.Recipients)
		return out
	}
	data := templateData(ev)
	for _, uid := range ev.Recipients {
		c, err := d.dir.Lookup(ctx, uid)
		if err != nil || c.Email == "" {
			if err != nil && !errors.Is(err, ErrContactNotFound) {
				d.logFailure(ev, ChannelEmail, uid, err)
			}
			out.Skipped++
			continue
		}
		if err := d.email.Send(ctx, c.Email, templateKey, data); err != nil {
			out.Failed++
			out.Err = err
			d.logFailure(ev, ChannelEmail, uid, err)
			continue
		}
		out.Sent++
	}
	return out
}

func (d *Dispatcher) sendSMS(ctx context.Context, ev events.Event, templateKey string) Outcome {
	out := Outcome{Channel: ChannelSMS}
	if d.sms == nil {
		out.Skipped = len(ev.Recipients)
		return out
	}
	_, text, err := d.tpl.Render(templateKey, templateData(ev))
	if err != nil {
		out.Failed, out.Err = len(ev.Recipients), err
		d.logFailure(ev, ChannelSMS, "", err)
		return out
	}
	for _, uid := range ev.Recipients {
		c, err := d.dir.Lookup(ctx, uid)
		if err != nil || c.Phone == "" {
			if err != nil && !errors.Is(err, ErrContactNotFound) {
				d.logFailure(ev, ChannelSMS, uid, err)
			}
			out.Skipped++
			continue
		}
		if err := d.sms.Send(ctx, c.Phone, text); err != nil {
			out.Failed++
			out.Err = err
			d.logFailure(ev, ChannelSMS, uid, err)
			continue
		}
		out.Sent++
	}
	return out
}

func (d *Dispatcher) record(o Outcome) {
	ch := o.Channel.String()
	if o.Sent > 0 {
		metrics.Dispatches.WithLabelValues(ch, "sent").Add(float64(o.Sent))
	}
	if o.Failed > 0 {
		metrics.Dispatches.WithLabelValues(ch, "failed").Add(float64(o.Failed))
	}
	if o.Skipped > 0 {
		metrics.Dispatches.WithLabelValues(ch, "skipped").Add(float64(o.Skipped))
	}
}

func (d *Dispatcher) logFailure(ev events.Event, ch Channel, userID string, err error) {
	d.logger.Warn().Err(err).
		Str("event_id", ev.ID).
		Stringer("event_type", ev.Type).
		Stringer("channel", ch).
		Str("user_id", userID).
		Msg("notification delivery failed")
}

// templateData flattens the event and the scalar fields of its payload into
// template placeholders.
func templateData(ev events.Event) map[string]string {
	data := map[string]string{
		"event":          ev.Type.String(),
		"appointment_id": ev.AppointmentID,
		"provider_id":    ev.ProviderID,
		"requester_id":   ev.RequesterID,
	}
	var payload map[string]any
	if len(ev.Data) == 0 || json.Unmarshal(ev.Data, &payload) != nil {
		return data
	}
	for k, v := range payload {
		switch v := v.(type) {
		case string:
			data[k] = v
		case float64:
			data[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			data[k] = strconv.FormatBool(v)
		}
	}
	return data
}
