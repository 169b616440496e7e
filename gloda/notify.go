// SPDX-License-Identifier: GPL-3.0-or-later
package gloda

import (
	"sync"

	"github.com/vivithecanine/gloda/domain"
)

// Notification topics exposed to observers. The payload carries the freshly
// produced attribute instances so subscribers can match without re-reading
// the store.
const (
	TopicMessageIndexed = "gloda.message.indexed"
	TopicMessageDeleted = "gloda.message.deleted"
)

type Event struct {
	Topic     string
	Message   *domain.Message
	Instances []domain.AttributeInstance
}

type Subscriber func(Event)

// Hub is the topic-based notification sink: synchronous fan-out to
// subscribers on attribute-set changes. Live query collections and external
// observers (UI refresh, other indexers) subscribe here.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]Subscriber
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[int]Subscriber{}}
}

// Subscribe registers fn for a topic and returns its unsubscribe function.
func (h *Hub) Subscribe(topic string, fn Subscriber) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = map[int]Subscriber{}
	}
	id := h.nextID
	h.nextID++
	h.subs[topic][id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[topic], id)
	}
}

// Publish delivers the event to every subscriber of its topic. Delivery is
// synchronous; subscribers must not block.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	subscribers := make([]Subscriber, 0, len(h.subs[ev.Topic]))
	for _, fn := range h.subs[ev.Topic] {
		subscribers = append(subscribers, fn)
	}
	h.mu.Unlock()

	for _, fn := range subscribers {
		fn(ev)
	}
}
