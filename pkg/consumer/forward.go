package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/archon-research/queue-consumer/internal/services/consumer_loop"
)

// ErrNilPublisher is returned by ForwardNotifications without a publisher.
var ErrNilPublisher = errors.New("notification publisher cannot be nil")

// forwardBuffer bounds the notifications waiting to be published.
const forwardBuffer = 256

// ForwardNotifications publishes the given kinds of events, or every kind when
// none are given. Publishing happens on its own goroutine so a slow publisher
// never delays a poll cycle; when the buffer is full notifications are dropped
// and logged. The goroutine exits once ctx is done or the consumer has
// stopped and the buffer is drained; the returned channel is closed then.
// The publisher is not closed, so wait on the channel before closing it.
//
// Call it before Listen to see queue-ready.
func (c *Consumer) ForwardNotifications(ctx context.Context, publisher NotificationPublisher, kinds ...EventKind) (<-chan struct{}, error) {
	if publisher == nil {
		return nil, ErrNilPublisher
	}
	if len(kinds) == 0 {
		kinds = consumer_loop.AllEventKinds
	}

	pending := make(chan LifecycleNotification, forwardBuffer)
	enqueue := func(ev Event) {
		n := c.notification(ev)
		select {
		case pending <- n:
		default:
			c.logger.Warn("notification buffer full, dropping", "kind", n.Kind)
		}
	}
	for _, kind := range kinds {
		c.loop.On(kind, enqueue)
	}

	publish := func(n LifecycleNotification) {
		if err := publisher.Publish(ctx, n); err != nil {
			c.logger.Error("failed to forward notification", "kind", n.Kind, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-pending:
				publish(n)
			case <-c.loop.Done():
				for {
					select {
					case n := <-pending:
						publish(n)
					default:
						return
					}
				}
			}
		}
	}()
	return done, nil
}

func (c *Consumer) notification(ev Event) LifecycleNotification {
	n := LifecycleNotification{
		Kind:       ev.Kind().String(),
		Queue:      c.name,
		OccurredAt: time.Now().UTC(),
	}
	switch e := ev.(type) {
	case HandlerError:
		n.Error = errString(e.Err)
	case ListenerError:
		n.Error = errString(e.Err)
	case MessagePreDelete:
		n.MessageID = e.MessageID
	case MessagePostDelete:
		n.MessageID = e.MessageID
		n.Error = errString(e.Err)
	}
	return n
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
