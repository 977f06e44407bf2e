package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()

	var got []EventType
	bus.Subscribe(func(ev Event) { got = append(got, ev.Type) })

	bus.Publish(Event{Type: EventStateChanged})
	bus.Publish(Event{Type: EventChatAppended})
	bus.Publish(Event{Type: EventHistorySynced})

	assert.Equal(t, []EventType{EventStateChanged, EventChatAppended, EventHistorySynced}, got)
}

func TestBusFanOutOrder(t *testing.T) {
	bus := NewBus()

	var order []int
	bus.Subscribe(func(Event) { order = append(order, 1) })
	bus.Subscribe(func(Event) { order = append(order, 2) })
	bus.Subscribe(func(Event) { order = append(order, 3) })

	bus.Publish(Event{Type: EventChatAppended})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsub := bus.Subscribe(func(Event) { calls++ })

	bus.Publish(Event{Type: EventChatAppended})
	unsub()
	bus.Publish(Event{Type: EventChatAppended})

	assert.Equal(t, 1, calls)
}

func TestBusSubscriberAddedDuringDispatchMissesCurrentEvent(t *testing.T) {
	bus := NewBus()

	lateCalls := 0
	bus.Subscribe(func(ev Event) {
		if ev.Type == EventStateChanged {
			bus.Subscribe(func(Event) { lateCalls++ })
		}
	})

	bus.Publish(Event{Type: EventStateChanged})
	assert.Equal(t, 0, lateCalls, "late subscriber must not see the in-flight event")

	bus.Publish(Event{Type: EventChatAppended})
	assert.Equal(t, 1, lateCalls)
}

func TestBusUnsubscribeDuringDispatch(t *testing.T) {
	bus := NewBus()

	var unsub func()
	first := 0
	second := 0
	bus.Subscribe(func(Event) {
		first++
		if unsub != nil {
			unsub()
			unsub = nil
		}
	})
	unsub = bus.Subscribe(func(Event) { second++ })

	// The snapshot taken at publish time still includes the second
	// subscriber for this event.
	bus.Publish(Event{Type: EventChatAppended})
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)

	bus.Publish(Event{Type: EventChatAppended})
	assert.Equal(t, 2, first)
	assert.Equal(t, 1, second)
}
