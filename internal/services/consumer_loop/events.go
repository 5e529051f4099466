package consumer_loop

import (
	"sync"

	"github.com/archon-research/queue-consumer/internal/domain/entity"
)

// EventKind identifies one of the lifecycle notifications emitted by the loop.
type EventKind int

const (
	EventQueueReady EventKind = iota + 1
	EventMessageReceived
	EventHandlerFinished
	EventHandlerError
	EventListenerError
	EventMessagePreDelete
	EventMessagePostDelete
	EventQueueShutdown
)

// AllEventKinds lists every kind in declaration order.
var AllEventKinds = []EventKind{
	EventQueueReady,
	EventMessageReceived,
	EventHandlerFinished,
	EventHandlerError,
	EventListenerError,
	EventMessagePreDelete,
	EventMessagePostDelete,
	EventQueueShutdown,
}

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventQueueReady:
		return "queue-ready"
	case EventMessageReceived:
		return "message-received"
	case EventHandlerFinished:
		return "handler-finished"
	case EventHandlerError:
		return "handler-error"
	case EventListenerError:
		return "listener-error"
	case EventMessagePreDelete:
		return "message-pre-delete"
	case EventMessagePostDelete:
		return "message-post-delete"
	case EventQueueShutdown:
		return "queue-shutdown"
	default:
		return "unknown"
	}
}

// Event is implemented by exactly the payload types below.
// Observers switch on the concrete type.
type Event interface {
	Kind() EventKind
	isEvent()
}

// QueueReady is emitted once, after the queue's existence is confirmed.
type QueueReady struct {
	Outcome entity.CreateOutcome
}

// MessageReceived carries the full result of a successful poll.
type MessageReceived struct {
	Result entity.ReceiveResult
}

// HandlerFinished is emitted when the handler returned without error.
type HandlerFinished struct{}

// HandlerError carries the handler's error, or the recovered panic value.
type HandlerError struct {
	Err error
}

// ListenerError is emitted once before the process exits on the fatal path.
type ListenerError struct {
	Err error
}

// MessagePreDelete is emitted right before a delete call.
type MessagePreDelete struct {
	MessageID  string
	PopReceipt string
}

// MessagePostDelete is emitted after each delete call. Err is set when the
// message could not be confirmed deleted.
type MessagePostDelete struct {
	MessageID string
	Outcome   entity.DeleteOutcome
	Err       error
}

// QueueShutdown is emitted once, when shutdown is requested.
type QueueShutdown struct{}

func (QueueReady) Kind() EventKind        { return EventQueueReady }
func (MessageReceived) Kind() EventKind   { return EventMessageReceived }
func (HandlerFinished) Kind() EventKind   { return EventHandlerFinished }
func (HandlerError) Kind() EventKind      { return EventHandlerError }
func (ListenerError) Kind() EventKind     { return EventListenerError }
func (MessagePreDelete) Kind() EventKind  { return EventMessagePreDelete }
func (MessagePostDelete) Kind() EventKind { return EventMessagePostDelete }
func (QueueShutdown) Kind() EventKind     { return EventQueueShutdown }

func (QueueReady) isEvent()        {}
func (MessageReceived) isEvent()   {}
func (HandlerFinished) isEvent()   {}
func (HandlerError) isEvent()      {}
func (ListenerError) isEvent()     {}
func (MessagePreDelete) isEvent()  {}
func (MessagePostDelete) isEvent() {}
func (QueueShutdown) isEvent()     {}

// Observer consumes events. Observers run inline on the emitting goroutine,
// so their latency or failure can influence iteration spacing.
type Observer func(Event)

// EventBus delivers events synchronously to observers in registration order.
// It is safe for concurrent use.
type EventBus struct {
	mu   sync.RWMutex
	subs []subscription
}

type subscription struct {
	kind EventKind // zero matches every kind
	fn   Observer
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// On registers fn for a single kind.
func (b *EventBus) On(kind EventKind, fn Observer) {
	b.add(subscription{kind: kind, fn: fn})
}

// Subscribe registers fn for every kind.
func (b *EventBus) Subscribe(fn Observer) {
	b.add(subscription{fn: fn})
}

func (b *EventBus) add(s subscription) {
	if s.fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Emit delivers ev to every matching observer and returns once all have run.
// Observers registered during Emit see the next event, not this one.
func (b *EventBus) Emit(ev Event) {
	for _, fn := range b.observers(ev.Kind()) {
		fn(ev)
	}
}

// Reset detaches all observers.
func (b *EventBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}

// Len returns the number of observers that would receive an event of kind.
func (b *EventBus) Len(kind EventKind) int {
	return len(b.observers(kind))
}

func (b *EventBus) observers(kind EventKind) []Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Observer, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == 0 || s.kind == kind {
			out = append(out, s.fn)
		}
	}
	return out
}
