// Package websocket delivers lifecycle events to live connections. Clients
// subscribe to topics; a publish reaches every connection subscribed to any
// of its topics at most once, without blocking on slow readers.
package websocket

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/internal/platform/metrics"
)

var (
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrDuplicateConnection = errors.New("duplicate connection id")
)

// Broadcaster delivers a message to the subscribers of topics. The local Hub
// and the cross-node RedisRelay both implement it.
type Broadcaster interface {
	Broadcast(ctx context.Context, topics []string, msg []byte) error
}

// Client is one live connection. Send is closed by Unregister.
type Client struct {
	ID        string
	Principal auth.Principal
	Send      chan []byte

	topics map[string]struct{} // guarded by Hub.mu
}

// NewClient creates a client with a send buffer of size buffer.
func NewClient(id string, p auth.Principal, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{
		ID:        id,
		Principal: p,
		Send:      make(chan []byte, buffer),
		topics:    make(map[string]struct{}),
	}
}

const (
	DefaultSendBuffer = 256
	publishStripes    = 64
)

// Hub tracks connections and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	byTopic map[string]map[*Client]struct{}
	byID    map[string]*Client

	// Publishes to the same topic hash to the same stripe and are serialized,
	// which keeps per-topic delivery order equal to publish order.
	stripes [publishStripes]sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		byTopic: make(map[string]map[*Client]struct{}),
		byID:    make(map[string]*Client),
	}
}

// Register adds c to the hub. Registering an id twice replaces nothing and
// returns false.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.byID[c.ID]; dup {
		return false
	}
	if c.topics == nil {
		c.topics = make(map[string]struct{})
	}
	h.byID[c.ID] = c
	metrics.HubConnections.Inc()
	return true
}

// Unregister drops every subscription of the connection and closes its
// Send channel. Unknown ids are ignored.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.byID[connID]
	if !ok {
		return
	}
	for topic := range c.topics {
		h.detach(c, topic)
	}
	delete(h.byID, connID)
	close(c.Send)
	metrics.HubConnections.Dec()
}

// Subscribe binds a connection to topic. Subscribing twice is a no-op.
func (h *Hub) Subscribe(connID, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.byID[connID]
	if !ok {
		return ErrUnknownConnection
	}
	subs := h.byTopic[topic]
	if subs == nil {
		subs = make(map[*Client]struct{})
		h.byTopic[topic] = subs
	}
	subs[c] = struct{}{}
	c.topics[topic] = struct{}{}
	return nil
}

// Unsubscribe removes one binding. Unsubscribing an unbound topic is a no-op.
func (h *Hub) Unsubscribe(connID, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.byID[connID]
	if !ok {
		return ErrUnknownConnection
	}
	h.detach(c, topic)
	return nil
}

func (h *Hub) detach(c *Client, topic string) {
	delete(c.topics, topic)
	if subs, ok := h.byTopic[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.byTopic, topic)
		}
	}
}

// Publish delivers msg once to every connection subscribed to any of topics
// and returns how many connections accepted it. A connection whose buffer is
// full misses the message.
func (h *Hub) Publish(topics []string, msg []byte) int {
	unlock := h.lockStripes(topics)
	defer unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	delivered := 0
	for _, topic := range topics {
		for c := range h.byTopic[topic] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.Send <- msg:
				delivered++
			default:
				metrics.HubDropped.Inc()
			}
		}
	}
	return delivered
}

// Broadcast implements Broadcaster for single-node deployments.
func (h *Hub) Broadcast(_ context.Context, topics []string, msg []byte) error {
	h.Publish(topics, msg)
	return nil
}

// lockStripes locks the stripes of topics in ascending order so concurrent
// multi-topic publishes cannot deadlock.
func (h *Hub) lockStripes(topics []string) func() {
	idx := make([]int, 0, len(topics))
	seen := make(map[int]bool, len(topics))
	for _, t := range topics {
		f := fnv.New32a()
		f.Write([]byte(t))
		i := int(f.Sum32() % publishStripes)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		h.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			h.stripes[idx[j]].Unlock()
		}
	}
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// TopicCount returns the number of connections subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTopic[topic])
}

// Topics returns the topics a connection is subscribed to, sorted.
func (h *Hub) Topics(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byID[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
