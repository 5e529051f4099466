// Package consumer is the public entry point for polling a queue and handing
// each batch to a Handler.
//
//	c, err := consumer.New("orders", consumer.ConnectionString(cs), handle, consumer.Options{
//		PollingTime: 10 * time.Second,
//	})
//	if err != nil { ... }
//	c.On(consumer.EventHandlerError, func(ev consumer.Event) { ... })
//	if err := c.Listen(ctx); err != nil { ... }
//	defer c.Stop()
//
// Messages are deleted only after the handler returns nil.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/archon-research/queue-consumer/internal/adapters/outbound/azqueue"
	"github.com/archon-research/queue-consumer/internal/domain/entity"
	"github.com/archon-research/queue-consumer/internal/ports/outbound"
	"github.com/archon-research/queue-consumer/internal/services/consumer_loop"
)

type (
	Message       = entity.Message
	ReceiveResult = entity.ReceiveResult
	CreateOutcome = entity.CreateOutcome
	DeleteOutcome = entity.DeleteOutcome

	Handler   = consumer_loop.Handler
	Event     = consumer_loop.Event
	EventKind = consumer_loop.EventKind
	Observer  = consumer_loop.Observer
	State     = consumer_loop.State

	QueueReady        = consumer_loop.QueueReady
	MessageReceived   = consumer_loop.MessageReceived
	HandlerFinished   = consumer_loop.HandlerFinished
	HandlerError      = consumer_loop.HandlerError
	ListenerError     = consumer_loop.ListenerError
	MessagePreDelete  = consumer_loop.MessagePreDelete
	MessagePostDelete = consumer_loop.MessagePostDelete
	QueueShutdown     = consumer_loop.QueueShutdown

	QueueError      = consumer_loop.QueueError
	TransportError  = outbound.TransportError
	ConnectionError = azqueue.ConnectionError

	QueueClient           = outbound.QueueClient
	MetricsRecorder       = outbound.MetricsRecorder
	NotificationPublisher = outbound.NotificationPublisher
	LifecycleNotification = outbound.LifecycleNotification

	Connection       = azqueue.Connection
	ConnectionString = azqueue.ConnectionString
	ServiceClient    = azqueue.ServiceClient
	Credential       = azqueue.Credential
)

const (
	EventQueueReady        = consumer_loop.EventQueueReady
	EventMessageReceived   = consumer_loop.EventMessageReceived
	EventHandlerFinished   = consumer_loop.EventHandlerFinished
	EventHandlerError      = consumer_loop.EventHandlerError
	EventListenerError     = consumer_loop.EventListenerError
	EventMessagePreDelete  = consumer_loop.EventMessagePreDelete
	EventMessagePostDelete = consumer_loop.EventMessagePostDelete
	EventQueueShutdown     = consumer_loop.EventQueueShutdown
)

// ErrInvalidConnection matches every *ConnectionError.
var ErrInvalidConnection = azqueue.ErrInvalidConnection

// Options configures a Consumer.
type Options struct {
	// QueueName labels logs and forwarded notifications. New sets it from its
	// queueName argument.
	QueueName string

	// PollingTime is the baseline delay between polls. Required.
	PollingTime time.Duration

	// MaxTries is the retry budget of the transport. Defaults to 4.
	MaxTries int

	// NumberOfMessages is the maximum batch size. Defaults to 1.
	NumberOfMessages int

	// MaxPollingDelay caps backoff after send failures. Zero means no ceiling.
	MaxPollingDelay time.Duration

	// CallTimeout bounds each transport call. Zero means none.
	CallTimeout time.Duration

	// VisibilityTimeout hides received messages on Azure. Zero keeps the service default.
	VisibilityTimeout time.Duration

	Logger  *slog.Logger
	Metrics MetricsRecorder
}

// Consumer polls one queue.
type Consumer struct {
	name   string
	loop   *consumer_loop.Loop
	logger *slog.Logger
}

// New builds a Consumer for an Azure Storage queue. It performs no I/O; the
// queue is created if needed by Listen. An unusable conn yields a *ConnectionError.
func New(queueName string, conn Connection, handler Handler, opts Options) (*Consumer, error) {
	opts.QueueName = queueName
	cfg, err := loopConfig(opts)
	if err != nil {
		return nil, err
	}

	client, err := azqueue.NewQueue(conn, azqueue.Config{
		QueueName:         queueName,
		MaxTries:          cfg.MaxTries(),
		VisibilityTimeout: opts.VisibilityTimeout,
	}, cfg.Logger())
	if err != nil {
		return nil, err
	}
	return newConsumer(cfg, queueName, client, handler)
}

// NewWithClient builds a Consumer over any QueueClient. The client's own retry
// policy is left as configured; MaxTries is not applied to it.
func NewWithClient(client QueueClient, handler Handler, opts Options) (*Consumer, error) {
	cfg, err := loopConfig(opts)
	if err != nil {
		return nil, err
	}
	return newConsumer(cfg, opts.QueueName, client, handler)
}

func loopConfig(opts Options) (consumer_loop.Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueName != "" {
		logger = logger.With("queue", opts.QueueName)
	}

	cfg, err := consumer_loop.NewConfig(consumer_loop.Options{
		PollingTime:      opts.PollingTime,
		MaxTries:         opts.MaxTries,
		NumberOfMessages: opts.NumberOfMessages,
		MaxPollingDelay:  opts.MaxPollingDelay,
		CallTimeout:      opts.CallTimeout,
		Logger:           logger,
		Metrics:          opts.Metrics,
	})
	if err != nil {
		return consumer_loop.Config{}, fmt.Errorf("invalid options: %w", err)
	}
	return cfg, nil
}

func newConsumer(cfg consumer_loop.Config, name string, client QueueClient, handler Handler) (*Consumer, error) {
	loop, err := consumer_loop.New(cfg, client, handler)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		name:   name,
		loop:   loop,
		logger: cfg.Logger().With("component", "consumer"),
	}, nil
}

// Listen confirms the queue exists and starts polling in the background.
// Call it exactly once. An initialization failure is returned as a *QueueError.
func (c *Consumer) Listen(ctx context.Context) error {
	return c.loop.Listen(ctx)
}

// Stop requests a cooperative shutdown and returns immediately.
func (c *Consumer) Stop() {
	c.loop.Stop()
}

// On subscribes fn to one kind of event.
func (c *Consumer) On(kind EventKind, fn Observer) {
	c.loop.On(kind, fn)
}

// Subscribe subscribes fn to every event.
func (c *Consumer) Subscribe(fn Observer) {
	c.loop.Subscribe(fn)
}

// Wait blocks until the consumer has stopped.
func (c *Consumer) Wait() {
	c.loop.Wait()
}

// Done is closed once the consumer has stopped.
func (c *Consumer) Done() <-chan struct{} {
	return c.loop.Done()
}

// State returns the current loop phase.
func (c *Consumer) State() State {
	return c.loop.State()
}

// CurrentDelay returns the polling delay including any backoff.
func (c *Consumer) CurrentDelay() time.Duration {
	return c.loop.CurrentDelay()
}

// Name returns the queue name the consumer was built with.
func (c *Consumer) Name() string {
	return c.name
}
