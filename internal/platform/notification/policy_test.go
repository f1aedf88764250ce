package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medibook/medibook/internal/platform/events"
)

func TestPolicy_EveryTypeIsCovered(t *testing.T) {
	tpl := NewTemplateEngine()
	for ty := events.Type(0); ty < events.NumTypes; ty++ {
		p := PolicyFor(ty)
		assert.True(t, p.Channels.Has(ChannelRealtime), "%s must reach the realtime hub", ty)
		if p.Channels.Has(ChannelEmail) {
			assert.True(t, tpl.Has(p.EmailTemplate), "%s: email template %q not registered", ty, p.EmailTemplate)
		} else {
			assert.Empty(t, p.EmailTemplate, "%s", ty)
		}
		if p.Channels.Has(ChannelSMS) {
			assert.True(t, tpl.Has(p.SMSTemplate), "%s: sms template %q not registered", ty, p.SMSTemplate)
		} else {
			assert.Empty(t, p.SMSTemplate, "%s", ty)
		}
	}
}

func TestPolicy_SessionStartIsRealtimeOnly(t *testing.T) {
	assert.Equal(t, ChannelRealtime, PolicyFor(events.TypeSessionStarted).Channels)
}

func TestPolicy_UnknownType(t *testing.T) {
	assert.Equal(t, Policy{}, PolicyFor(events.NumTypes))
	assert.Equal(t, Policy{}, PolicyFor(events.Type(-1)))
}

func TestChannel_String(t *testing.T) {
	assert.Equal(t, "none", Channel(0).String())
	assert.Equal(t, "email", ChannelEmail.String())
	assert.Equal(t, "realtime|sms", (ChannelRealtime | ChannelSMS).String())
	assert.True(t, (ChannelEmail | ChannelSMS).Has(ChannelSMS))
	assert.False(t, ChannelEmail.Has(ChannelEmail|ChannelSMS))
}

func TestTemplateEngine_Render(t *testing.T) {
	e := NewTemplateEngine()

	subject, body, err := e.Render("appointment-confirmed", map[string]string{"date": "2024-06-01", "start": "09:00"})
	assert.NoError(t, err)
	assert.Equal(t, "Appointment confirmed", subject)
	assert.Equal(t, "Your appointment on 2024-06-01 at 09:00 is confirmed.", body)

	_, body, err = e.Render("appointment-cancelled", map[string]string{"date": "2024-06-01", "start": "09:00"})
	assert.NoError(t, err)
	assert.Equal(t, "Your appointment on 2024-06-01 at 09:00 was cancelled.", body, "missing placeholders are dropped")

	_, _, err = e.Render("nope", nil)
	assert.Error(t, err)

	e.Register(Template{Key: "custom", Body: "hi {{name}"})
	_, body, err = e.Render("custom", map[string]string{"name": "x"})
	assert.NoError(t, err)
	assert.Equal(t, "hi {{name}", body, "unterminated placeholder is kept verbatim")
}
