package notification

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Broadcaster pushes a message to live connections. websocket.Hub and
// websocket.RedisRelay implement it.
type Broadcaster interface {
	Broadcast(ctx context.Context, topics []string, msg []byte) error
}

// EmailSender hands an email to the renderer identified by templateKey.
type EmailSender interface {
	Send(ctx context.Context, address, templateKey string, data map[string]string) error
}

// SMSSender sends a pre-rendered text message.
type SMSSender interface {
	Send(ctx context.Context, number, text string) error
}

// LogEmailSender logs instead of sending; used when no queue is configured.
type LogEmailSender struct{ Logger zerolog.Logger }

func (s LogEmailSender) Send(_ context.Context, address, templateKey string, data map[string]string) error {
	s.Logger.Info().Str("to", address).Str("template", templateKey).
		Str("appointment_id", data["appointment_id"]).Msg("email not sent: no email queue configured")
	return nil
}

// LogSMSSender logs instead of sending; used when no queue is configured.
type LogSMSSender struct{ Logger zerolog.Logger }

func (s LogSMSSender) Send(_ context.Context, number, text string) error {
	s.Logger.Info().Str("to", number).Int("length", len(text)).Msg("sms not sent: no sms queue configured")
	return nil
}

// EmailCall records a single call to MockEmailSender.Send.
type EmailCall struct {
	To          string
	TemplateKey string
	Data        map[string]string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
}

func (m *MockEmailSender) Send(_ context.Context, to, templateKey string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, TemplateKey: templateKey, Data: data})
	if m.ShouldFail {
		return errors.New("email provider unavailable")
	}
	return nil
}

// Calls returns a copy of recorded calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EmailCall(nil), m.calls...)
}

// SMSCall records a single call to MockSMSSender.Send.
type SMSCall struct {
	To   string
	Text string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
}

func (m *MockSMSSender) Send(_ context.Context, to, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Text: text})
	if m.ShouldFail {
		return errors.New("sms provider unavailable")
	}
	return nil
}

// Calls returns a copy of recorded calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SMSCall(nil), m.calls...)
}
