// Package sqs provides an AWS SQS implementation of the QueueClient port.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	smithymiddleware "github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/archon-research/queue-consumer/internal/domain/entity"
	"github.com/archon-research/queue-consumer/internal/ports/outbound"
)

// sqsAPI defines the subset of SQS operations needed by the Queue.
type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Compile-time check that Queue implements outbound.QueueClient
var _ outbound.QueueClient = (*Queue)(nil)

// SQS caps a single receive at 10 messages.
const maxBatch = 10

// Config holds SQS queue configuration.
type Config struct {
	// QueueName is the queue to resolve or create.
	QueueName string

	// WaitTimeSeconds is how long to wait for messages (long polling).
	// Max is 20 seconds. Zero disables long polling.
	WaitTimeSeconds int32

	// VisibilityTimeout overrides the queue's visibility timeout per receive.
	// Zero keeps the queue setting.
	VisibilityTimeout time.Duration

	// Retention is the queue's message retention, used to derive ExpiresAt.
	Retention time.Duration

	// MaxTries is handed to the SDK retryer as RetryMaxAttempts.
	MaxTries int
}

// ConfigDefaults returns sensible defaults for SQS queue configuration.
func ConfigDefaults() Config {
	return Config{
		VisibilityTimeout: 30 * time.Second,
		Retention:         4 * 24 * time.Hour,
		MaxTries:          4,
	}
}

// Queue is an SQS implementation of the outbound.QueueClient port.
type Queue struct {
	client sqsAPI
	config Config
	logger *slog.Logger
	now    func() time.Time

	queueURL string
}

// NewQueue creates an SQS queue client. optFns are applied after the retry budget.
func NewQueue(cfg aws.Config, sqsConfig Config, logger *slog.Logger, optFns ...func(*sqs.Options)) (*Queue, error) {
	sqsConfig = withDefaults(sqsConfig)
	maxTries := sqsConfig.MaxTries
	opts := append([]func(*sqs.Options){func(o *sqs.Options) {
		o.RetryMaxAttempts = maxTries
	}}, optFns...)

	return newQueue(sqs.NewFromConfig(cfg, opts...), sqsConfig, logger)
}

func newQueue(client sqsAPI, sqsConfig Config, logger *slog.Logger) (*Queue, error) {
	if sqsConfig.QueueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if sqsConfig.WaitTimeSeconds < 0 || sqsConfig.WaitTimeSeconds > 20 {
		return nil, fmt.Errorf("wait time must be between 0 and 20 seconds, got %d", sqsConfig.WaitTimeSeconds)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		client: client,
		config: withDefaults(sqsConfig),
		logger: logger.With("component", "sqs-queue", "queue", sqsConfig.QueueName),
		now:    time.Now,
	}, nil
}

func withDefaults(cfg Config) Config {
	defaults := ConfigDefaults()
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if cfg.Retention == 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = defaults.MaxTries
	}
	return cfg
}

// QueueURL returns the resolved queue URL, empty before EnsureExists.
func (q *Queue) QueueURL() string {
	return q.queueURL
}

// EnsureExists resolves the queue URL, creating the queue when it is absent.
func (q *Queue) EnsureExists(ctx context.Context) (entity.CreateOutcome, error) {
	got, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(q.config.QueueName)})
	if err == nil {
		q.queueURL = aws.ToString(got.QueueUrl)
		return entity.CreateOutcome{
			Created:   false,
			Location:  q.queueURL,
			RequestID: requestID(got.ResultMetadata),
		}, nil
	}

	var missing *types.QueueDoesNotExist
	if !errors.As(err, &missing) {
		return entity.CreateOutcome{}, classify("ensure", err)
	}

	created, err := q.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(q.config.QueueName),
		Attributes: map[string]string{
			string(types.QueueAttributeNameVisibilityTimeout):      strconv.Itoa(int(q.config.VisibilityTimeout / time.Second)),
			string(types.QueueAttributeNameMessageRetentionPeriod): strconv.Itoa(int(q.config.Retention / time.Second)),
		},
	})
	if err != nil {
		return entity.CreateOutcome{}, classify("ensure", err)
	}

	q.queueURL = aws.ToString(created.QueueUrl)
	q.logger.Info("queue created", "queueUrl", q.queueURL)
	return entity.CreateOutcome{
		Created:   true,
		Location:  q.queueURL,
		RequestID: requestID(created.ResultMetadata),
	}, nil
}

// Receive fetches up to maxMessages from the queue, clamped to 1..10.
func (q *Queue) Receive(ctx context.Context, maxMessages int) (entity.ReceiveResult, error) {
	if q.queueURL == "" {
		return entity.ReceiveResult{}, outbound.NewServiceError("receive", "QueueNotResolved",
			errors.New("EnsureExists has not resolved the queue URL"))
	}
	maxMessages = min(max(maxMessages, 1), maxBatch)

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     q.config.WaitTimeSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	}
	if q.config.VisibilityTimeout > 0 {
		input.VisibilityTimeout = int32(q.config.VisibilityTimeout / time.Second)
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return entity.ReceiveResult{}, classify("receive", err)
	}

	visibleAt := q.now().Add(q.config.VisibilityTimeout).UTC()
	messages := make([]entity.Message, 0, len(result.Messages))
	for _, msg := range result.Messages {
		if msg.MessageId == nil || msg.ReceiptHandle == nil {
			continue
		}
		m := entity.Message{
			ID:            *msg.MessageId,
			PopReceipt:    *msg.ReceiptHandle,
			Body:          aws.ToString(msg.Body),
			NextVisibleAt: visibleAt,
		}
		if sent, ok := parseMillis(msg.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]); ok {
			m.InsertedAt = sent
			m.ExpiresAt = sent.Add(q.config.Retention)
		}
		if n, err := strconv.ParseUint(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)], 10, 32); err == nil {
			m.DequeueCount = uint(n)
		}
		messages = append(messages, m)
	}

	if len(messages) > 0 {
		q.logger.Debug("received messages", "count", len(messages))
	}
	return entity.ReceiveResult{Messages: messages}, nil
}

// Delete removes a message using the receipt handle of its latest delivery.
func (q *Queue) Delete(ctx context.Context, messageID, popReceipt string) (entity.DeleteOutcome, error) {
	out, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(popReceipt),
	})
	if err != nil {
		return entity.DeleteOutcome{}, classify("delete", err)
	}
	return entity.DeleteOutcome{MessageID: messageID, RequestID: requestID(out.ResultMetadata)}, nil
}

func requestID(md smithymiddleware.Metadata) string {
	id, _ := awsmiddleware.GetRequestIDMetadata(md)
	return id
}

func parseMillis(raw string) (time.Time, bool) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// classify maps SDK errors onto TransportError. A service response carries an
// API error code; a request that never got a response is a send failure.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return outbound.NewServiceError(op, apiErr.ErrorCode(), err)
	}
	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) || errors.Is(err, context.DeadlineExceeded) {
		return outbound.NewSendFailure(op, err)
	}
	return outbound.NewServiceError(op, "", err)
}
