package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medibook/medibook/internal/platform/auth"
)

func register(t *testing.T, hub *Hub, id string, buffer int, topics ...string) *Client {
	t.Helper()
	c := NewClient(id, auth.Principal{UserID: id}, buffer)
	if !hub.Register(c) {
		t.Fatalf("register %s failed", id)
	}
	for _, topic := range topics {
		if err := hub.Subscribe(id, topic); err != nil {
			t.Fatalf("subscribe %s to %s: %v", id, topic, err)
		}
	}
	return c
}

func drain(c *Client) []string {
	var out []string
	for {
		select {
		case m := <-c.Send:
			out = append(out, string(m))
		default:
			return out
		}
	}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub()
	c := register(t, hub, "c1", 8, "user:u1")

	if hub.ClientCount() != 1 || hub.TopicCount("user:u1") != 1 {
		t.Fatalf("expected 1 client on user:u1, got %d/%d", hub.ClientCount(), hub.TopicCount("user:u1"))
	}
	if hub.Register(NewClient("c1", auth.Principal{}, 1)) {
		t.Error("duplicate id should not register")
	}

	hub.Unregister("c1")
	if hub.ClientCount() != 0 || hub.TopicCount("user:u1") != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-c.Send; ok {
		t.Error("expected Send to be closed")
	}
	hub.Unregister("c1") // idempotent
}

func TestHub_SubscribeUnknownConnection(t *testing.T) {
	hub := NewHub()
	if err := hub.Subscribe("ghost", "user:x"); err != ErrUnknownConnection {
		t.Errorf("expected ErrUnknownConnection, got %v", err)
	}
	if err := hub.Unsubscribe("ghost", "user:x"); err != ErrUnknownConnection {
		t.Errorf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestHub_TopicIsolation(t *testing.T) {
	hub := NewHub()
	a := register(t, hub, "a", 8, "user:a")
	b := register(t, hub, "b", 8, "user:b")

	if n := hub.Publish([]string{"user:a"}, []byte("for-a")); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if got := drain(a); len(got) != 1 || got[0] != "for-a" {
		t.Errorf("a received %v", got)
	}
	if got := drain(b); len(got) != 0 {
		t.Errorf("b must not receive another user's event, got %v", got)
	}
}

func TestHub_MultiTopicDeliversOnce(t *testing.T) {
	hub := NewHub()
	c := register(t, hub, "doc", 8, "user:doc", "role:doctor", "provider:doc")

	n := hub.Publish([]string{"user:doc", "provider:doc", "role:doctor"}, []byte("x"))
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if got := drain(c); len(got) != 1 {
		t.Errorf("expected exactly one copy, got %d", len(got))
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	c := register(t, hub, "c", 8, "appointment:1", "appointment:2")
	if err := hub.Unsubscribe("c", "appointment:1"); err != nil {
		t.Fatal(err)
	}
	hub.Publish([]string{"appointment:1"}, []byte("gone"))
	hub.Publish([]string{"appointment:2"}, []byte("kept"))

	got := drain(c)
	if len(got) != 1 || got[0] != "kept" {
		t.Errorf("unexpected deliveries %v", got)
	}
	if topics := hub.Topics("c"); len(topics) != 1 || topics[0] != "appointment:2" {
		t.Errorf("unexpected topics %v", topics)
	}
}

func TestHub_FullBufferDropsWithoutBlocking(t *testing.T) {
	hub := NewHub()
	slow := register(t, hub, "slow", 1, "role:doctor")
	fast := register(t, hub, "fast", 8, "role:doctor")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			hub.Publish([]string{"role:doctor"}, []byte(fmt.Sprint(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if got := drain(slow); len(got) != 1 || got[0] != "0" {
		t.Errorf("slow subscriber should keep only the first event, got %v", got)
	}
	if got := drain(fast); len(got) != 3 {
		t.Errorf("fast subscriber should get all events, got %v", got)
	}
}

func TestHub_PerTopicOrder(t *testing.T) {
	hub := NewHub()
	c := register(t, hub, "c", 1024, "appointment:1")

	const n = 200
	for i := 0; i < n; i++ {
		hub.Publish([]string{"appointment:1"}, []byte(fmt.Sprint(i)))
	}
	got := drain(c)
	if len(got) != n {
		t.Fatalf("expected %d events, got %d", n, len(got))
	}
	for i, m := range got {
		if m != fmt.Sprint(i) {
			t.Fatalf("event %d out of order: %s", i, m)
		}
	}
}

func TestHub_ConcurrentPublishAndUnregister(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("c%d", i)
		register(t, hub, id, 4, "role:patient", "user:"+id)
		wg.Add(2)
		go func() {
			defer wg.Done()
			hub.Publish([]string{"role:patient", "user:" + id}, []byte("m"))
		}()
		go func() {
			defer wg.Done()
			hub.Unregister(id)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestDefaultAuthorizer(t *testing.T) {
	participants := func(_ context.Context, id string) ([]string, error) {
		if id == "appt-1" {
			return []string{"pat-1", "doc-1"}, nil
		}
		return nil, fmt.Errorf("not found")
	}
	a := DefaultAuthorizer{Participants: participants}
	patient := auth.Principal{UserID: "pat-1", Roles: []string{auth.RolePatient}}
	doctor := auth.Principal{UserID: "doc-1", Roles: []string{auth.RoleDoctor}}
	admin := auth.Principal{UserID: "root", Roles: []string{auth.RoleAdmin}}

	tests := []struct {
		p     auth.Principal
		topic string
		want  bool
	}{
		{patient, "user:pat-1", true},
		{patient, "user:pat-2", false},
		{patient, "role:patient", true},
		{patient, "role:doctor", false},
		{patient, "provider:pat-1", false},
		{patient, "appointment:appt-1", true},
		{patient, "appointment:appt-9", false},
		{doctor, "provider:doc-1", true},
		{doctor, "provider:doc-2", false},
		{admin, "user:anyone", true},
		{patient, "garbage", false},
	}
	for _, tt := range tests {
		if got := a.Authorize(context.Background(), tt.p, tt.topic); got != tt.want {
			t.Errorf("Authorize(%s, %s) = %v, want %v", tt.p.UserID, tt.topic, got, tt.want)
		}
	}
}

func dialHub(t *testing.T, hub *Hub, user, roles string) *gorillawebsocket.Conn {
	t.Helper()
	return dialHandler(t, NewHandler(hub, DefaultAuthorizer{}, 16, nil, zerolog.Nop()), user, roles)
}

func dialHandler(t *testing.T, h *Handler, user, roles string) *gorillawebsocket.Conn {
	t.Helper()
	e := echo.New()
	g := e.Group("", auth.DevAuthMiddleware())
	h.RegisterRoutes(g)

	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	header := http.Header{}
	header.Set(auth.DevUserHeader, user)
	header.Set(auth.DevRolesHeader, roles)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_DefaultTopicsAndDelivery(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "doc-1", "doctor")

	waitFor(t, func() bool { return hub.TopicCount("provider:doc-1") == 1 })
	if hub.TopicCount("user:doc-1") != 1 || hub.TopicCount("role:doctor") != 1 {
		t.Fatal("expected user and role topics on connect")
	}

	hub.Publish([]string{"provider:doc-1"}, []byte(`{"type":"emergency-alert"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]string
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if got["type"] != "emergency-alert" {
		t.Errorf("unexpected message %v", got)
	}
}

func TestHandler_SubscribeAuthorization(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "pat-1", "patient")
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"user:pat-2"}}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply ServerMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "error" || len(reply.Topics) != 1 || reply.Topics[0] != "user:pat-2" {
		t.Errorf("expected forbidden reply, got %+v", reply)
	}
	if hub.TopicCount("user:pat-2") != 0 {
		t.Error("forbidden topic must not be subscribed")
	}

	if err := conn.WriteJSON(ClientMessage{Action: "unsubscribe", Topics: []string{"role:patient"}}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "ack" {
		t.Errorf("expected ack, got %+v", reply)
	}
	waitFor(t, func() bool { return hub.TopicCount("role:patient") == 0 })
}

func TestHandler_DisconnectUnregisters(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "pat-1", "patient")
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHandler_RejectsDuplicateConnectionID(t *testing.T) {
	hub := NewHub()
	existing := register(t, hub, "conn-1", 8, "user:pat-9")

	h := NewHandler(hub, DefaultAuthorizer{}, 16, nil, zerolog.Nop())
	h.newID = func() string { return "conn-1" }
	conn := dialHandler(t, h, "pat-1", "patient")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !gorillawebsocket.IsCloseError(err, gorillawebsocket.CloseTryAgainLater) {
		t.Fatalf("expected close 1013, got %v", err)
	}

	if hub.ClientCount() != 1 || hub.TopicCount("user:pat-1") != 0 {
		t.Errorf("rejected connection must not touch the hub, got %d clients", hub.ClientCount())
	}
	if hub.TopicCount("user:pat-9") != 1 {
		t.Error("existing connection lost its subscription")
	}
	hub.Publish([]string{"user:pat-9"}, []byte("still here"))
	if got := drain(existing); len(got) != 1 {
		t.Errorf("expected existing connection to keep receiving, got %v", got)
	}
}

func TestHandler_AttachRollsBackOnFailure(t *testing.T) {
	hub := NewHub()
	h := NewHandler(hub, DefaultAuthorizer{}, 16, nil, zerolog.Nop())

	client := NewClient("conn-2", auth.Principal{UserID: "doc-1", Roles: []string{auth.RoleDoctor}}, 4)
	if err := h.attach(client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if hub.TopicCount("provider:doc-1") != 1 {
		t.Error("expected default topics bound")
	}
	if err := h.attach(NewClient("conn-2", auth.Principal{UserID: "doc-2"}, 4)); err != ErrDuplicateConnection {
		t.Errorf("expected ErrDuplicateConnection, got %v", err)
	}
	if hub.TopicCount("user:doc-2") != 0 {
		t.Error("duplicate must not subscribe")
	}
}

func TestHandler_RequiresWebSocket(t *testing.T) {
	e := echo.New()
	g := e.Group("", auth.DevAuthMiddleware())
	NewHandler(NewHub(), DefaultAuthorizer{}, 0, nil, zerolog.Nop()).RegisterRoutes(g)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a plain GET, got %d", rec.Code)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Error("unexpected origin accepted")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Error("allowed origin rejected")
	}
}
