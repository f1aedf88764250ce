package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template is the text of one notification. Email templates are rendered by
// the external mailer; only the subject is kept here for log sinks. SMS
// templates are rendered locally.
type Template struct {
	Key     string
	Subject string
	Body    string
}

// TemplateEngine renders {{key}} placeholders from a data map.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine returns an engine holding the built-in templates.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtIn {
		e.templates[t.Key] = t
	}
	return e
}

var builtIn = []Template{
	{Key: "appointment-booked", Subject: "Appointment requested",
		Body: "Your appointment on {{date}} at {{start}} has been requested and is awaiting confirmation."},
	{Key: "appointment-confirmed", Subject: "Appointment confirmed",
		Body: "Your appointment on {{date}} at {{start}} is confirmed."},
	{Key: "appointment-cancelled", Subject: "Appointment cancelled",
		Body: "Your appointment on {{date}} at {{start}} was cancelled. {{cancellation_reason}}"},
	{Key: "appointment-rejected", Subject: "Appointment declined",
		Body: "Your appointment request for {{date}} at {{start}} was declined by the provider."},
	{Key: "appointment-rescheduled", Subject: "Appointment rescheduled",
		Body: "Your appointment has moved to {{date}} at {{start}}."},
	{Key: "appointment-no-show", Subject: "Missed appointment",
		Body: "You were marked as not attending your appointment on {{date}} at {{start}}."},
	{Key: "visit-summary", Subject: "Your consultation has ended",
		Body: "Your consultation on {{date}} has ended. A summary will be available in your record."},
	{Key: "emergency-booked", Subject: "Emergency request received",
		Body: "Your emergency request was received. Appointment {{appointment_id}}."},
	{Key: "emergency-accepted", Subject: "Emergency accepted",
		Body: "A doctor has accepted your emergency request {{appointment_id}}."},
	{Key: "emergency-alert", Subject: "Emergency nearby",
		Body: "URGENT: patient needs help {{distance_km}} km away. Request {{appointment_id}}."},
}

// Register adds or replaces a template.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Key] = t
}

// Has reports whether a template is registered under key.
func (e *TemplateEngine) Has(key string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[key]
	return ok
}

// Render substitutes data into the template. Placeholders without data are
// removed.
func (e *TemplateEngine) Render(key string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[key]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", key)
	}
	return fill(t.Subject, data), fill(t.Body, data), nil
}

func fill(s string, data map[string]string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "{{")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.Index(s[i:], "}}")
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		b.WriteString(data[s[i+2:i+j]])
		s = s[i+j+2:]
	}
	return strings.TrimSpace(b.String())
}
