// Package live tracks connected dashboard clients and fans state changes
// out to them. A single Publish feeds two registered sinks, the group
// broadcast and the typed subscription stream, so both transports always
// carry the same facts for one mutation.
package live

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Well-known group names clients can join.
const (
	GroupMetrics  = "metrics"
	GroupAlerts   = "alerts"
	GroupDatabase = "database"
)

// Published event types, usable as subscription keys.
const (
	EventMetricsUpdated  = "dashboard.metrics.updated"
	EventKPIUpdated      = "dashboard.kpi.updated"
	EventChartUpdated    = "dashboard.chart.updated"
	EventAlertCreated    = "dashboard.alert.created"
	EventDatabaseUpdated = "database.updated"
	EventDatabaseAlert   = "database.alert.created"
)

// Update is one state-change notification. EventType drives subscription
// matching, Group drives group broadcast, Payload is the mutated entity's
// response shape.
type Update struct {
	EventType string    `json:"eventType"`
	Group     string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// DatabaseUpdate is the subscription payload for database-change signals.
type DatabaseUpdate struct {
	EventType      string         `json:"eventType"`
	ServiceName    string         `json:"serviceName"`
	DatabaseName   string         `json:"databaseName"`
	CollectionName string         `json:"collectionName"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Sink receives every published update, already encoded, alongside the
// decoded form for routing.
type Sink interface {
	Deliver(u Update, encoded []byte)
}

// Hub is the live subscriber registry. All membership state lives here,
// with an explicit lifecycle, so it's testable without a transport.
type Hub struct {
	mu      sync.Mutex
	sinks   []Sink
	clients map[*Client]struct{}
	groups  map[string]map[*Client]struct{}
	subs    map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		groups:  make(map[string]map[*Client]struct{}),
		subs:    make(map[string]map[*Client]struct{}),
	}
	h.sinks = []Sink{&groupSink{h: h}, &subscriptionSink{h: h}}
	return h
}

// Publish encodes the update once and hands the same bytes to every sink,
// so the transports cannot drift apart.
func (h *Hub) Publish(u Update) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	encoded, err := json.Marshal(u)
	if err != nil {
		log.Printf("live: dropping unencodable update %s: %v", u.EventType, err)
		return
	}
	for _, s := range h.sinks {
		s.Deliver(u, encoded)
	}
}

// Register attaches a freshly connected client to the registry, moving it
// from Connecting to Connected.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.state = StateConnected
	h.clients[c] = struct{}{}
}

// Unregister removes the client from every group and subscription and closes
// its send channel. Disconnected is terminal; a reconnect is a new Client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(c)
}

// drop must be called with h.mu held.
func (h *Hub) drop(c *Client) {
	if c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnected
	delete(h.clients, c)
	for name, members := range h.groups {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, name)
		}
	}
	for name, members := range h.subs {
		delete(members, c)
		if len(members) == 0 {
			delete(h.subs, name)
		}
	}
	close(c.send)
}

// Join adds the client to a named group.
func (h *Hub) Join(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.state != StateConnected {
		return
	}
	if h.groups[group] == nil {
		h.groups[group] = make(map[*Client]struct{})
	}
	h.groups[group][c] = struct{}{}
}

// Leave removes the client from a named group.
func (h *Hub) Leave(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.groups[group]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// Subscribe registers interest in one event type.
func (h *Hub) Subscribe(c *Client, eventType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.state != StateConnected {
		return
	}
	if h.subs[eventType] == nil {
		h.subs[eventType] = make(map[*Client]struct{})
	}
	h.subs[eventType][c] = struct{}{}
}

// Unsubscribe drops interest in one event type.
func (h *Hub) Unsubscribe(c *Client, eventType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.subs[eventType]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.subs, eventType)
		}
	}
}

// ClientCount reports how many clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// groupSink delivers the update to every member of the update's group.
type groupSink struct {
	h *Hub
}

func (s *groupSink) Deliver(u Update, encoded []byte) {
	if u.Group == "" {
		return
	}
	s.h.deliverTo(func(h *Hub) map[*Client]struct{} { return h.groups[u.Group] }, encoded)
}

// subscriptionSink delivers the update to every client subscribed to its
// event type.
type subscriptionSink struct {
	h *Hub
}

func (s *subscriptionSink) Deliver(u Update, encoded []byte) {
	s.h.deliverTo(func(h *Hub) map[*Client]struct{} { return h.subs[u.EventType] }, encoded)
}

// deliverTo pushes encoded onto each target's bounded buffer. A full buffer
// means the subscriber is stuck; it gets disconnected so one slow client
// cannot hold back the rest.
func (h *Hub) deliverTo(pick func(*Hub) map[*Client]struct{}, encoded []byte) {
	h.mu.Lock()
	var overflowed []*Client
	for c := range pick(h) {
		select {
		case c.send <- encoded:
		default:
			overflowed = append(overflowed, c)
		}
	}
	for _, c := range overflowed {
		log.Printf("live: disconnecting slow subscriber %s (send buffer full)", c.id)
		h.drop(c)
	}
	h.mu.Unlock()
}

// ControlMessage is what a connected client sends to manage its membership.
type ControlMessage struct {
	Action    string `json:"action"`
	Group     string `json:"group,omitempty"`
	EventType string `json:"eventType,omitempty"`
}

// HandleControl applies one client control message to the registry.
func (h *Hub) HandleControl(c *Client, raw []byte) error {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("invalid control message: %w", err)
	}
	switch msg.Action {
	case "join":
		if msg.Group == "" {
			return fmt.Errorf("join requires a group")
		}
		h.Join(c, msg.Group)
	case "leave":
		if msg.Group == "" {
			return fmt.Errorf("leave requires a group")
		}
		h.Leave(c, msg.Group)
	case "subscribe":
		if msg.EventType == "" {
			return fmt.Errorf("subscribe requires an eventType")
		}
		h.Subscribe(c, msg.EventType)
	case "unsubscribe":
		if msg.EventType == "" {
			return fmt.Errorf("unsubscribe requires an eventType")
		}
		h.Unsubscribe(c, msg.EventType)
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
	return nil
}
