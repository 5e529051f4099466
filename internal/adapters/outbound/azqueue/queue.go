// Package azqueue provides an Azure Storage Queue implementation of the
// QueueClient port.
package azqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"

	"github.com/archon-research/queue-consumer/internal/domain/entity"
	"github.com/archon-research/queue-consumer/internal/ports/outbound"
)

// queueAPI is the subset of *azqueue.QueueClient used by Queue.
type queueAPI interface {
	URL() string
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Compile-time check that Queue implements outbound.QueueClient
var _ outbound.QueueClient = (*Queue)(nil)

// The service caps a single dequeue at 32 messages.
const maxBatch = 32

// Config holds Azure queue configuration.
type Config struct {
	// QueueName is the queue to create or use.
	QueueName string

	// MaxTries is the total number of attempts the SDK retry policy makes per call.
	MaxTries int

	// VisibilityTimeout hides dequeued messages. Zero keeps the service default of 30s.
	VisibilityTimeout time.Duration

	// TryTimeout bounds a single HTTP attempt. Zero keeps the SDK default.
	TryTimeout time.Duration
}

// ConfigDefaults returns sensible defaults for the Azure queue.
func ConfigDefaults() Config {
	return Config{
		MaxTries: 4,
	}
}

// Queue is an Azure Storage Queue client.
type Queue struct {
	client queueAPI
	config Config
	logger *slog.Logger
}

// NewQueue resolves conn and returns a client for cfg.QueueName.
// An unusable conn is reported as a *ConnectionError.
func NewQueue(conn Connection, cfg Config, logger *slog.Logger) (*Queue, error) {
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = ConfigDefaults().MaxTries
	}

	svc, err := serviceClient(conn, clientOptions(cfg))
	if err != nil {
		return nil, err
	}
	return newQueue(svc.NewQueueClient(cfg.QueueName), cfg, logger), nil
}

func newQueue(client queueAPI, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		client: client,
		config: cfg,
		logger: logger.With("component", "azure-queue", "queue", cfg.QueueName),
	}
}

// clientOptions maps the total-attempt budget onto the SDK retry policy,
// where MaxRetries counts retries and a negative value disables them.
func clientOptions(cfg Config) *azqueue.ClientOptions {
	retries := int32(cfg.MaxTries - 1)
	if retries <= 0 {
		retries = -1
	}
	return &azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries: retries,
				TryTimeout: cfg.TryTimeout,
			},
		},
	}
}

// EnsureExists creates the queue when GetProperties reports it missing.
func (q *Queue) EnsureExists(ctx context.Context) (entity.CreateOutcome, error) {
	props, err := q.client.GetProperties(ctx, nil)
	if err == nil {
		return entity.CreateOutcome{Created: false, Location: q.client.URL(), RequestID: deref(props.RequestID)}, nil
	}
	if !queueerror.HasCode(err, queueerror.QueueNotFound) {
		return entity.CreateOutcome{}, classify("ensure", err)
	}

	created, err := q.client.Create(ctx, nil)
	if err != nil {
		if queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
			return entity.CreateOutcome{Created: false, Location: q.client.URL()}, nil
		}
		return entity.CreateOutcome{}, classify("ensure", err)
	}

	q.logger.Info("queue created", "url", q.client.URL())
	return entity.CreateOutcome{Created: true, Location: q.client.URL(), RequestID: deref(created.RequestID)}, nil
}

// Receive dequeues up to maxMessages, clamped to 1..32.
func (q *Queue) Receive(ctx context.Context, maxMessages int) (entity.ReceiveResult, error) {
	opts := &azqueue.DequeueMessagesOptions{
		NumberOfMessages: to.Ptr(int32(min(max(maxMessages, 1), maxBatch))),
	}
	if q.config.VisibilityTimeout > 0 {
		opts.VisibilityTimeout = to.Ptr(int32(q.config.VisibilityTimeout / time.Second))
	}

	resp, err := q.client.DequeueMessages(ctx, opts)
	if err != nil {
		return entity.ReceiveResult{}, classify("receive", err)
	}

	messages := make([]entity.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.MessageID == nil || m.PopReceipt == nil {
			continue
		}
		messages = append(messages, entity.Message{
			ID:            *m.MessageID,
			PopReceipt:    *m.PopReceipt,
			InsertedAt:    deref(m.InsertionTime),
			ExpiresAt:     deref(m.ExpirationTime),
			NextVisibleAt: deref(m.TimeNextVisible),
			DequeueCount:  uint(max(deref(m.DequeueCount), 0)),
			Body:          deref(m.MessageText),
		})
	}
	return entity.ReceiveResult{Messages: messages}, nil
}

// Delete removes a message using the receipt of its latest delivery.
func (q *Queue) Delete(ctx context.Context, messageID, popReceipt string) (entity.DeleteOutcome, error) {
	resp, err := q.client.DeleteMessage(ctx, messageID, popReceipt, nil)
	if err != nil {
		return entity.DeleteOutcome{}, classify("delete", err)
	}
	return entity.DeleteOutcome{MessageID: messageID, RequestID: deref(resp.RequestID)}, nil
}

// Enqueue adds a message with the given text.
func (q *Queue) Enqueue(ctx context.Context, body string) error {
	if _, err := q.client.EnqueueMessage(ctx, body, nil); err != nil {
		return classify("enqueue", err)
	}
	return nil
}

// classify maps SDK errors onto TransportError. Only a *azcore.ResponseError
// means the service answered; every other failure never got a response.
func classify(op string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return outbound.NewServiceError(op, respErr.ErrorCode, err)
	}
	return outbound.NewSendFailure(op, err)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
