// Package consumer_loop drives the poll, handle and acknowledge cycle of a
// queue consumer.
//
// One Loop runs a single goroutine with exactly one iteration in flight:
//
//	Initializing -> Polling -> Handling -> Deleting -> Scheduling -> Polling ...
//	                                                           \-> Stopped
//
// Messages are deleted only after the handler succeeds, so delivery is
// at-least-once. Transient send failures stretch the polling delay by
// BackoffIncrement; a healthy cycle resets it to the configured polling time.
// Shutdown is cooperative and observed at the scheduling step.
package consumer_loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archon-research/queue-consumer/internal/domain/entity"
	"github.com/archon-research/queue-consumer/internal/ports/outbound"
)

// State is the phase the loop is currently in.
type State int32

const (
	StateNew State = iota
	StateInitializing
	StatePolling
	StateHandling
	StateDeleting
	StateScheduling
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitializing:
		return "initializing"
	case StatePolling:
		return "polling"
	case StateHandling:
		return "handling"
	case StateDeleting:
		return "deleting"
	case StateScheduling:
		return "scheduling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handler processes one batch. It is called once per successful poll, also
// with an empty batch. Returning an error leaves every message in the batch
// on the queue for redelivery.
type Handler func(ctx context.Context, messages []entity.Message) error

// Loop is the consumer control loop.
type Loop struct {
	config  Config
	client  outbound.QueueClient
	handler Handler
	bus     *EventBus
	logger  *slog.Logger

	state        atomic.Int32
	shutdown     atomic.Bool
	currentDelay atomic.Int64 // written only by the loop goroutine

	stopOnce sync.Once
	stopCh   chan struct{}
	doneOnce sync.Once
	done     chan struct{}
}

// iterationResult summarizes one poll cycle for the scheduling step.
type iterationResult struct {
	// sendFailure is set when any transport call failed at the network level.
	sendFailure bool

	// healthy is set when every transport call of the cycle succeeded.
	healthy bool
}

// New creates a Loop. It performs no I/O; call Listen to start.
func New(config Config, client outbound.QueueClient, handler Handler) (*Loop, error) {
	if client == nil {
		return nil, fmt.Errorf("queue client cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if config.pollingTime <= 0 {
		return nil, fmt.Errorf("config must be built with NewConfig")
	}

	l := &Loop{
		config:  config,
		client:  client,
		handler: handler,
		bus:     NewEventBus(),
		logger:  config.logger.With("component", "consumer-loop"),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	l.currentDelay.Store(int64(config.pollingTime))
	return l, nil
}

// On subscribes fn to one kind of event.
func (l *Loop) On(kind EventKind, fn Observer) {
	l.bus.On(kind, fn)
}

// Subscribe subscribes fn to every event.
func (l *Loop) Subscribe(fn Observer) {
	l.bus.Subscribe(fn)
}

// State returns the current phase.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// CurrentDelay returns the delay that will be armed after the next healthy
// cycle, including any accumulated backoff.
func (l *Loop) CurrentDelay() time.Duration {
	return time.Duration(l.currentDelay.Load())
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the loop has stopped.
func (l *Loop) Wait() {
	<-l.done
}

// Listen confirms the queue exists, emits QueueReady and starts polling in a
// new goroutine. A failed confirmation is returned as a *QueueError and no
// loop is started.
//
// Cancelling ctx is equivalent to calling Stop; calls already in flight are
// not interrupted. Listen must be called exactly once: a second call starts a
// second, concurrent loop over the same state.
func (l *Loop) Listen(ctx context.Context) error {
	if err := l.initialize(ctx); err != nil {
		l.finish()
		return err
	}
	go l.run(ctx)
	return nil
}

// Stop requests a cooperative shutdown and returns immediately. The cycle in
// flight finishes, including its deletions; no further receive is issued.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.logger.Info("shutdown requested")
		l.shutdown.Store(true)
		defer close(l.stopCh)
		l.emitRecovered(QueueShutdown{})
	})
}

func (l *Loop) initialize(ctx context.Context) error {
	l.setState(StateInitializing)

	callCtx, cancel := l.callContext(ctx)
	outcome, err := l.client.EnsureExists(callCtx)
	cancel()
	if err != nil {
		qe := newQueueError(err)
		l.logger.Error("queue initialization failed", "code", qe.Code, "error", err)
		return qe
	}

	l.logger.Info("queue ready",
		"created", outcome.Created,
		"location", outcome.Location)
	l.bus.Emit(QueueReady{Outcome: outcome})
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer l.finish()

	// Cancellation becomes a stop request; the calls themselves run detached.
	callBase := context.WithoutCancel(ctx)
	release := context.AfterFunc(ctx, l.Stop)
	defer release()

	l.logger.Info("polling started",
		"pollingTime", l.config.pollingTime,
		"numberOfMessages", l.config.numberOfMessages)

	if l.shutdown.Load() {
		return
	}

	for {
		result := l.iterate(callBase)

		wait, ok := l.schedule(callBase, result)
		if !ok {
			return
		}

		select {
		case <-wait:
		case <-l.stopCh:
		}
		if l.shutdown.Load() {
			return
		}
	}
}

// iterate runs one Polling -> Handling -> Deleting pass. A panic anywhere in
// the pass, including inside an observer, ends the pass as a non-send failure.
func (l *Loop) iterate(ctx context.Context) (result iterationResult) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("poll cycle panicked", "panic", r)
			result = iterationResult{}
		}
	}()

	l.setState(StatePolling)
	received, err := l.receive(ctx)
	if err != nil {
		if outbound.IsSendFailure(err) {
			l.config.metrics.RecordPoll(ctx, "send_failure", 0)
			l.logger.Warn("receive failed to reach the queue, backing off", "error", err)
			return iterationResult{sendFailure: true}
		}
		l.config.metrics.RecordPoll(ctx, "error", 0)
		l.logger.Error("receive failed", "code", outbound.ErrorCode(err), "error", err)
		return iterationResult{}
	}

	if received.HasError() {
		qe := &QueueError{Code: received.ErrorCode, Message: "receive returned an error code"}
		l.config.metrics.RecordPoll(ctx, "error_code", 0)
		l.logger.Warn("skipping poll cycle", "error", qe)
		return iterationResult{}
	}

	if len(received.Messages) == 0 {
		l.config.metrics.RecordPoll(ctx, "empty", 0)
	} else {
		l.config.metrics.RecordPoll(ctx, "ok", len(received.Messages))
		l.logger.Debug("received messages", "count", len(received.Messages))
	}
	l.bus.Emit(MessageReceived{Result: received})

	l.setState(StateHandling)
	if err := l.handle(ctx, received.Messages); err != nil {
		l.logger.Warn("handler failed, messages left for redelivery",
			"messageIds", received.IDs(),
			"error", err)
		l.bus.Emit(HandlerError{Err: err})
		return iterationResult{healthy: true}
	}
	l.bus.Emit(HandlerFinished{})

	l.setState(StateDeleting)
	return l.deleteMessages(ctx, received.Messages)
}

func (l *Loop) receive(ctx context.Context) (entity.ReceiveResult, error) {
	callCtx, cancel := l.callContext(ctx)
	defer cancel()
	return l.client.Receive(callCtx, l.config.numberOfMessages)
}

// handle runs the user handler, turning a panic into an error.
func (l *Loop) handle(ctx context.Context, messages []entity.Message) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = fmt.Errorf("handler panicked: %w", rerr)
			} else {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		l.config.metrics.RecordHandler(ctx, time.Since(start), status)
	}()

	return l.handler(ctx, messages)
}

// deleteMessages deletes the batch sequentially, in batch order. A failed
// delete does not stop the remaining ones; every message that could not be
// confirmed deleted is logged and will be redelivered by the queue.
func (l *Loop) deleteMessages(ctx context.Context, messages []entity.Message) iterationResult {
	result := iterationResult{healthy: true}

	var errs []error
	var undeleted []string
	for _, msg := range messages {
		l.bus.Emit(MessagePreDelete{MessageID: msg.ID, PopReceipt: msg.PopReceipt})

		callCtx, cancel := l.callContext(ctx)
		outcome, err := l.client.Delete(callCtx, msg.ID, msg.PopReceipt)
		cancel()

		if err != nil {
			l.config.metrics.RecordDelete(ctx, "error")
			errs = append(errs, fmt.Errorf("deleting message %s: %w", msg.ID, err))
			undeleted = append(undeleted, msg.ID)
			result.healthy = false
			if outbound.IsSendFailure(err) {
				result.sendFailure = true
			}
		} else {
			l.config.metrics.RecordDelete(ctx, "ok")
		}

		l.bus.Emit(MessagePostDelete{MessageID: msg.ID, Outcome: outcome, Err: err})
	}

	if len(errs) > 0 {
		l.logger.Error("messages not confirmed deleted, expect redelivery",
			"messageIds", undeleted,
			"error", errors.Join(errs...))
	}
	return result
}

// schedule is the single decision point for shutdown. It updates the delay and
// arms the wait for the next cycle. ok is false when the loop must stop.
// A panic here is unrecoverable: ListenerError is emitted and the process exits.
func (l *Loop) schedule(ctx context.Context, result iterationResult) (wait <-chan time.Time, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.fatal(fmt.Errorf("scheduling next poll: %v", r))
			wait, ok = nil, false
		}
	}()

	l.setState(StateScheduling)

	delay := l.nextDelay(result)
	l.currentDelay.Store(int64(delay))

	if l.shutdown.Load() {
		return nil, false
	}

	l.config.metrics.RecordPollingDelay(ctx, delay)
	if delay != l.config.pollingTime {
		l.logger.Debug("polling delay adjusted", "delay", delay)
	}
	return l.config.scheduler.After(delay), true
}

func (l *Loop) nextDelay(result iterationResult) time.Duration {
	delay := l.CurrentDelay()
	switch {
	case result.sendFailure:
		delay += BackoffIncrement
		if ceiling := l.config.maxPollingDelay; ceiling > 0 && delay > ceiling {
			delay = ceiling
		}
	case result.healthy:
		delay = l.config.pollingTime
	}
	return delay
}

func (l *Loop) fatal(err error) {
	l.logger.Error("consumer loop failed", "error", err)
	l.emitRecovered(ListenerError{Err: err})
	l.config.exit(1)
}

// emitRecovered emits ev, logging instead of propagating an observer panic.
func (l *Loop) emitRecovered(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("observer panicked", "kind", ev.Kind(), "panic", r)
		}
	}()
	l.bus.Emit(ev)
}

// finish moves the loop to Stopped and detaches every observer. When a stop
// is in progress it first waits for QueueShutdown to be delivered.
func (l *Loop) finish() {
	l.doneOnce.Do(func() {
		if l.shutdown.Load() {
			<-l.stopCh
		}
		l.setState(StateStopped)
		l.bus.Reset()
		l.logger.Info("consumer loop stopped")
		close(l.done)
	})
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

func (l *Loop) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.config.callTimeout > 0 {
		return context.WithTimeout(ctx, l.config.callTimeout)
	}
	return ctx, func() {}
}
