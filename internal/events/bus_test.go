package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToTopicAndGlobalSubscribers(t *testing.T) {
	t.Parallel()

	bus := New()
	var topicEvents, globalEvents []*Event
	var mu sync.Mutex

	_, unsubTopic := bus.Subscribe("conv-1", nil, func(ev *Event) {
		mu.Lock()
		defer mu.Unlock()
		topicEvents = append(topicEvents, ev)
	})
	defer unsubTopic()

	_, unsubGlobal := bus.Subscribe(AllTopics, nil, func(ev *Event) {
		mu.Lock()
		defer mu.Unlock()
		globalEvents = append(globalEvents, ev)
	})
	defer unsubGlobal()

	bus.Publish(&Event{Type: ConversationCreated, ConversationID: "conv-1", Timestamp: time.Now()})
	bus.Publish(&Event{Type: ConversationCreated, ConversationID: "conv-2", Timestamp: time.Now()})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, topicEvents, 1)
	assert.Equal(t, "conv-1", topicEvents[0].ConversationID)
	require.Len(t, globalEvents, 2)
}

func TestPublishOrderIsPreservedPerSubscriber(t *testing.T) {
	t.Parallel()

	bus := New()
	var order []Type

	_, unsub := bus.Subscribe("conv-1", nil, func(ev *Event) {
		order = append(order, ev.Type)
	})
	defer unsub()

	bus.Publish(&Event{Type: TurnStarted, ConversationID: "conv-1"})
	bus.Publish(&Event{Type: TraceAdded, ConversationID: "conv-1"})
	bus.Publish(&Event{Type: TurnCompleted, ConversationID: "conv-1"})

	assert.Equal(t, []Type{TurnStarted, TraceAdded, TurnCompleted}, order)
}

func TestFilterByEventTypeAndAgentID(t *testing.T) {
	t.Parallel()

	bus := New()
	var received []*Event

	_, unsub := bus.Subscribe("conv-1", &Filter{
		EventTypes: []Type{TurnCompleted},
		AgentIDs:   []string{"agent-a"},
	}, func(ev *Event) {
		received = append(received, ev)
	})
	defer unsub()

	bus.Publish(&Event{Type: TurnStarted, ConversationID: "conv-1", AgentID: "agent-a"})
	bus.Publish(&Event{Type: TurnCompleted, ConversationID: "conv-1", AgentID: "agent-b"})
	bus.Publish(&Event{Type: TurnCompleted, ConversationID: "conv-1", AgentID: "agent-a"})

	require.Len(t, received, 1)
	assert.Equal(t, "agent-a", received[0].AgentID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := New()
	count := 0

	_, unsub := bus.Subscribe("conv-1", nil, func(ev *Event) { count++ })

	bus.Publish(&Event{Type: ConversationCreated, ConversationID: "conv-1"})
	unsub()
	unsub() // idempotent
	bus.Publish(&Event{Type: ConversationCreated, ConversationID: "conv-1"})

	assert.Equal(t, 1, count)
}

func TestPanicInListenerDoesNotBlockOtherSubscribers(t *testing.T) {
	t.Parallel()

	bus := New()
	secondCalled := false

	_, unsub1 := bus.Subscribe("conv-1", nil, func(ev *Event) {
		panic("boom")
	})
	defer unsub1()
	_, unsub2 := bus.Subscribe("conv-1", nil, func(ev *Event) {
		secondCalled = true
	})
	defer unsub2()

	assert.NotPanics(t, func() {
		bus.Publish(&Event{Type: ConversationCreated, ConversationID: "conv-1"})
	})
	assert.True(t, secondCalled)
}
