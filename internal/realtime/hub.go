// Package realtime fans health, alert and metrics updates out to websocket
// subscribers.
package realtime

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rentgrid/backend/internal/telemetry"
)

// Topic names.
const (
	TopicAlerts = "alerts"

	prefixHealth  = "health:"
	prefixMetrics = "metrics:"
	prefixAlerts  = "alerts:"
)

// Event types.
const (
	EventHealth        = "resource_health"
	EventAlertCreated  = "alert_created"
	EventAlertResolved = "alert_resolved"
	EventMetrics       = "metrics_data"
	EventSubscribed    = "subscribed"
	EventUnsubscribed  = "unsubscribed"
	EventError         = "error"
)

// HealthTopic is the topic carrying health updates for a resource.
func HealthTopic(resourceID string) string { return prefixHealth + resourceID }

// MetricsTopic is the topic carrying raw samples for a resource.
func MetricsTopic(resourceID string) string { return prefixMetrics + resourceID }

// UserAlertsTopic is the topic carrying alerts for resources owned by address.
func UserAlertsTopic(address string) string { return prefixAlerts + address }

// Event is the envelope written to subscribers.
type Event struct {
	Topic     string    `json:"topic,omitempty"`
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits events without blocking.
type Publisher interface {
	Publish(topic, eventType string, data any)
}

// Bridge relays locally published events to other instances.
type Bridge interface {
	Forward(topic string, payload []byte)
}

// Subscription is one subscriber's view of the hub. Messages arrive on C
// until the subscription is closed.
type Subscription struct {
	send   chan []byte
	topics map[string]struct{}
	closed bool
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan []byte { return s.send }

// Hub routes events to subscriptions by topic.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscription]struct{}
	buffer  int
	bridge  Bridge
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewHub creates a Hub. buffer is the per-subscriber queue length.
func NewHub(buffer int, metrics *telemetry.Metrics, logger *slog.Logger) *Hub {
	if buffer < 1 {
		buffer = 64
	}
	return &Hub{
		topics:  make(map[string]map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: metrics,
		logger:  logger,
	}
}

// SetBridge installs a cross-instance relay. Call before serving traffic.
func (h *Hub) SetBridge(b Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// NewSubscription registers a subscriber with no topics.
func (h *Hub) NewSubscription() *Subscription {
	h.metrics.SubscriberDelta(1)
	return &Subscription{
		send:   make(chan []byte, h.buffer),
		topics: make(map[string]struct{}),
	}
}

// Subscribe adds topic to s.
func (h *Hub) Subscribe(s *Subscription, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	s.topics[topic] = struct{}{}
}

// Unsubscribe removes topic from s.
func (h *Hub) Unsubscribe(s *Subscription, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(s, topic)
}

func (h *Hub) unsubscribeLocked(s *Subscription, topic string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(s.topics, topic)
}

// Close drops every topic of s and closes its channel.
func (h *Hub) Close(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	for topic := range s.topics {
		h.unsubscribeLocked(s, topic)
	}
	s.closed = true
	close(s.send)
	h.metrics.SubscriberDelta(-1)
}

// Subscribers returns the number of subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Publish encodes an event and delivers it to local subscribers, then hands it
// to the bridge. It never blocks on a slow subscriber.
func (h *Hub) Publish(topic, eventType string, data any) {
	payload, err := json.Marshal(Event{Topic: topic, Type: eventType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		h.logger.Error("realtime event encode failed", "topic", topic, "type", eventType, "error", err)
		return
	}
	h.Deliver(topic, payload)

	h.mu.RLock()
	bridge := h.bridge
	h.mu.RUnlock()
	if bridge != nil {
		bridge.Forward(topic, payload)
	}
}

// Deliver hands an encoded event to the local subscribers of topic.
func (h *Hub) Deliver(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.topics[topic] {
		select {
		case s.send <- payload:
		default:
			h.metrics.PushDropped()
			h.logger.Debug("subscriber queue full, dropping event", "topic", topic)
		}
	}
}

// send writes directly to one subscription, used for replies.
func (h *Hub) send(s *Subscription, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.send <- payload:
	default:
		h.metrics.PushDropped()
	}
}

// validTopic reports whether topic names a known stream.
func validTopic(topic string) bool {
	if topic == TopicAlerts {
		return true
	}
	for _, p := range []string{prefixHealth, prefixMetrics, prefixAlerts} {
		if strings.HasPrefix(topic, p) && len(topic) > len(p) {
			return true
		}
	}
	return false
}

// topicOwner returns the address a user alert topic belongs to.
func topicOwner(topic string) (string, bool) {
	if strings.HasPrefix(topic, prefixAlerts) {
		return strings.TrimPrefix(topic, prefixAlerts), true
	}
	return "", false
}
