package events

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// Listener handles one delivered event. Panics inside a Listener are
// recovered so one misbehaving subscriber cannot block or crash delivery
// to the rest.
type Listener func(*Event)

// Filter narrows a subscription to a subset of event types and/or agent
// ids. A nil or zero-value Filter matches everything.
type Filter struct {
	EventTypes []Type
	AgentIDs   []string
}

func (f *Filter) matches(ev *Event) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.AgentIDs) > 0 {
		ok := false
		for _, id := range f.AgentIDs {
			if id == ev.AgentID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// AllTopics is the distinguished topic that receives every event
// regardless of conversation id.
const AllTopics = "*"

type subscription struct {
	id       string
	topic    string
	filter   *Filter
	listener Listener
}

// Bus is the conversation-scoped event bus. Topics are conversation ids;
// AllTopics receives every event. Publish dispatches synchronously, in the
// caller's goroutine, so a single publisher (the per-conversation
// orchestrator actor) sees its events delivered to each subscriber in
// publish order; asynchronous dispatch could not preserve that ordering
// across rapid publishes.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscribe registers listener for topic (a conversation id, or AllTopics
// for every event). filter may be nil to match every event on the topic.
// The returned func removes the subscription; it is safe to call more than
// once.
func (b *Bus) Subscribe(topic string, filter *Filter, listener Listener) (id string, unsubscribe func()) {
	id = newSubscriptionID()
	sub := &subscription{id: id, topic: topic, filter: filter, listener: listener}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	return id, func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *Bus) unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every subscriber of event.ConversationID and of
// AllTopics. A subscriber whose Listener panics does not prevent delivery
// to the remaining subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	topicSubs := append([]*subscription(nil), b.subs[event.ConversationID]...)
	globalSubs := append([]*subscription(nil), b.subs[AllTopics]...)
	b.mu.RUnlock()

	for _, s := range topicSubs {
		if s.filter.matches(event) {
			safeInvoke(s.listener, event)
		}
	}
	if event.ConversationID != AllTopics {
		for _, s := range globalSubs {
			if s.filter.matches(event) {
				safeInvoke(s.listener, event)
			}
		}
	}
}

// Clear removes every subscription. Intended for tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscription)
}

func safeInvoke(listener Listener, event *Event) {
	defer func() { _ = recover() }()
	listener(event)
}

func newSubscriptionID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
