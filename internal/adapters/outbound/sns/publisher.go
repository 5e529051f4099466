// Package sns forwards consumer lifecycle notifications to an AWS SNS topic.
//
// Notifications are serialized as JSON. Each message carries attributes for
// subscription filtering:
//   - kind: the lifecycle event name, e.g. "handler-error"
//   - queue: the queue the consumer polls
//
// Throttling and network failures are retried with exponential backoff.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/archon-research/queue-consumer/internal/pkg/retry"
	"github.com/archon-research/queue-consumer/internal/ports/outbound"
)

// Compile-time check that Publisher implements outbound.NotificationPublisher
var _ outbound.NotificationPublisher = (*Publisher)(nil)

// SNSPublisher defines the subset of SNS client methods used by Publisher.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds configuration for the SNS publisher.
type Config struct {
	// TopicARN is the topic every notification is published to.
	TopicARN string

	// MaxTries is the total number of publish attempts.
	MaxTries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration

	// Logger is the structured logger for the publisher.
	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		MaxTries:       4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Logger:         slog.Default(),
	}
}

// Publisher publishes lifecycle notifications to SNS.
type Publisher struct {
	client SNSPublisher
	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPublisher creates a new SNS notification publisher.
func NewPublisher(client SNSPublisher, config Config) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	if config.TopicARN == "" {
		return nil, errors.New("topic ARN is required")
	}

	// Apply defaults for unset values
	defaults := ConfigDefaults()
	if config.MaxTries == 0 {
		config.MaxTries = defaults.MaxTries
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Publisher{
		client: client,
		config: config,
		logger: config.Logger.With("component", "sns-publisher"),
	}, nil
}

// Publish sends one notification.
func (p *Publisher) Publish(ctx context.Context, n outbound.LifecycleNotification) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return errors.New("publisher is closed")
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.config.TopicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.Kind),
			},
			"queue": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.Queue),
			},
		},
	}

	policy := retry.Policy{
		MaxTries:       p.config.MaxTries,
		InitialBackoff: p.config.InitialBackoff,
		MaxBackoff:     p.config.MaxBackoff,
		Jitter:         true,
	}
	onRetry := func(attempt int, err error, wait time.Duration) {
		p.logger.Warn("publish failed, retrying",
			"attempt", attempt,
			"maxTries", p.config.MaxTries,
			"backoff", wait,
			"kind", n.Kind,
			"error", err)
	}

	err = retry.DoVoid(ctx, policy, isRetryableError, onRetry, func(ctx context.Context) error {
		_, err := p.client.Publish(ctx, input)
		return err
	})
	if err != nil {
		p.logger.Error("failed to publish notification", "kind", n.Kind, "error", err)
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}

// isRetryableError determines if an error should trigger a retry.
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var notFound *types.NotFoundException
	var authErr *types.AuthorizationErrorException
	var invalid *types.InvalidParameterException
	if errors.As(err, &notFound) || errors.As(err, &authErr) || errors.As(err, &invalid) {
		return false
	}

	// Throttling, internal errors and network failures are transient.
	return true
}

// Close marks the publisher as closed and prevents further publishing.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.logger.Info("SNS publisher closed")
	}
	return nil
}
