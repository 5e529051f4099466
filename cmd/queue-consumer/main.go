// Package main runs a queue consumer that logs every message it receives.
//
// The backend is chosen with -backend (or QUEUE_BACKEND):
//
//	azure   Azure Storage Queue via AZURE_STORAGE_ACCOUNT_CONNECTION_STRING or AZURE_STORAGE_QUEUE_URL
//	sqs     AWS SQS in AWS_REGION, optionally at AWS_SQS_ENDPOINT
//	redis   Redis queue at REDIS_ADDR
//	memory  in-process queue seeded with the positional arguments
//
// Lifecycle notifications are forwarded to SNS_TOPIC_ARN when set, and
// metrics are exported to OTEL_EXPORTER_OTLP_ENDPOINT when set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	azqueuesdk "github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/archon-research/queue-consumer/internal/adapters/outbound/memory"
	redisqueue "github.com/archon-research/queue-consumer/internal/adapters/outbound/redis"
	snsadapter "github.com/archon-research/queue-consumer/internal/adapters/outbound/sns"
	sqsadapter "github.com/archon-research/queue-consumer/internal/adapters/outbound/sqs"
	"github.com/archon-research/queue-consumer/internal/adapters/outbound/telemetry"
	"github.com/archon-research/queue-consumer/internal/pkg/env"
	"github.com/archon-research/queue-consumer/pkg/consumer"
)

// Build-time variables
var (
	GitCommit string
	BuildTime string
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if GitCommit == "" {
					GitCommit = setting.Value
				}
			case "vcs.time":
				if BuildTime == "" {
					BuildTime = setting.Value
				}
			}
		}
	}
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

const (
	backendAzure  = "azure"
	backendSQS    = "sqs"
	backendRedis  = "redis"
	backendMemory = "memory"
)

type cliConfig struct {
	backend     string
	queue       string
	pollingTime time.Duration
	maxTries    int
	batchSize   int
	maxDelay    time.Duration
	callTimeout time.Duration
	seed        []string

	connectionString string
	serviceURL       string
	accountName      string
	accountKey       string

	awsRegion   string
	sqsEndpoint string

	redisAddr     string
	redisPassword string

	snsTopicARN  string
	otlpEndpoint string
}

func parseConfig(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("queue-consumer", flag.ContinueOnError)
	backend := fs.String("backend", "", "Queue backend: azure, sqs, redis or memory")
	queue := fs.String("queue", "", "Queue name")
	pollingTime := fs.String("polling-time", "", "Delay between polls, in seconds or as a duration (default 10)")
	maxTries := fs.Int("max-tries", 0, "Transport retry budget per call (default 4)")
	batchSize := fs.Int("batch-size", 0, "Maximum messages per poll (default 1)")
	maxDelay := fs.String("max-delay", "", "Ceiling for backoff after send failures (default unbounded)")
	callTimeout := fs.String("call-timeout", "", "Timeout per queue call (default none)")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{
		backend:   strings.ToLower(*backend),
		queue:     *queue,
		maxTries:  *maxTries,
		batchSize: *batchSize,
		seed:      fs.Args(),
	}

	if cfg.backend == "" {
		cfg.backend = env.Get("QUEUE_BACKEND", backendAzure)
	}
	switch cfg.backend {
	case backendAzure, backendSQS, backendRedis, backendMemory:
	default:
		return cliConfig{}, fmt.Errorf("unknown backend %q (use azure, sqs, redis or memory)", cfg.backend)
	}

	if cfg.queue == "" {
		cfg.queue = env.First("", "QUEUE_NAME", "AZURE_QUEUE_NAME")
	}
	if cfg.queue == "" {
		return cliConfig{}, fmt.Errorf("queue name not provided (use -queue flag or QUEUE_NAME env var)")
	}

	var err error
	if cfg.pollingTime, err = durationSetting("polling-time", *pollingTime, "POLLING_TIME", 10*time.Second); err != nil {
		return cliConfig{}, err
	}
	if cfg.maxDelay, err = durationSetting("max-delay", *maxDelay, "MAX_POLLING_DELAY", 0); err != nil {
		return cliConfig{}, err
	}
	if cfg.callTimeout, err = durationSetting("call-timeout", *callTimeout, "CALL_TIMEOUT", 0); err != nil {
		return cliConfig{}, err
	}
	if cfg.maxTries == 0 {
		if cfg.maxTries, err = env.GetInt("MAX_TRIES", 0); err != nil {
			return cliConfig{}, err
		}
	}
	if cfg.batchSize == 0 {
		if cfg.batchSize, err = env.GetInt("NUMBER_OF_MESSAGES", 0); err != nil {
			return cliConfig{}, err
		}
	}

	cfg.snsTopicARN = env.Get("SNS_TOPIC_ARN", "")
	cfg.otlpEndpoint = env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.awsRegion = env.Get("AWS_REGION", "eu-west-1")

	switch cfg.backend {
	case backendAzure:
		cfg.connectionString = env.Get("AZURE_STORAGE_ACCOUNT_CONNECTION_STRING", "")
		cfg.serviceURL = env.Get("AZURE_STORAGE_QUEUE_URL", "")
		cfg.accountName = env.Get("AZURE_STORAGE_ACCOUNT_NAME", "")
		cfg.accountKey = env.Get("AZURE_STORAGE_ACCOUNT_KEY", "")
		if cfg.connectionString == "" && cfg.serviceURL == "" {
			return cliConfig{}, fmt.Errorf("azure backend needs AZURE_STORAGE_ACCOUNT_CONNECTION_STRING or AZURE_STORAGE_QUEUE_URL")
		}
	case backendSQS:
		cfg.sqsEndpoint = env.Get("AWS_SQS_ENDPOINT", "")
	case backendRedis:
		cfg.redisAddr = env.Get("REDIS_ADDR", "localhost:6379")
		cfg.redisPassword = env.Get("REDIS_PASSWORD", "")
	}

	return cfg, nil
}

// durationSetting prefers the flag value, then the environment, then fallback.
func durationSetting(flagName, flagValue, key string, fallback time.Duration) (time.Duration, error) {
	if flagValue != "" {
		d, err := env.ParseSeconds(flagValue)
		if err != nil {
			return 0, fmt.Errorf("-%s: %w", flagName, err)
		}
		return d, nil
	}
	return env.GetDuration(key, fallback)
}

func run(ctx context.Context, args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	logger.Info("starting queue consumer",
		"backend", cfg.backend,
		"queue", cfg.queue,
		"pollingTime", cfg.pollingTime,
		"commit", GitCommit,
		"buildTime", BuildTime)

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
		ServiceName:    "queue-consumer",
		ServiceVersion: GitCommit,
		Environment:    env.Get("ENVIRONMENT", "local"),
		OTLPEndpoint:   cfg.otlpEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics("queue-consumer", cfg.queue)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	opts := consumer.Options{
		QueueName:        cfg.queue,
		PollingTime:      cfg.pollingTime,
		MaxTries:         cfg.maxTries,
		NumberOfMessages: cfg.batchSize,
		MaxPollingDelay:  cfg.maxDelay,
		CallTimeout:      cfg.callTimeout,
		Logger:           logger,
		Metrics:          metrics,
	}

	var awsCfg aws.Config
	if cfg.backend == backendSQS || cfg.snsTopicARN != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.awsRegion))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
	}

	c, cleanup, err := buildConsumer(ctx, cfg, awsCfg, opts, logMessages(logger))
	if err != nil {
		return err
	}
	defer cleanup()

	c.On(consumer.EventHandlerError, func(ev consumer.Event) {
		logger.Warn("handler failed", "error", ev.(consumer.HandlerError).Err)
	})
	c.On(consumer.EventListenerError, func(ev consumer.Event) {
		logger.Error("listener failed", "error", ev.(consumer.ListenerError).Err)
	})

	var forwarded <-chan struct{}
	if cfg.snsTopicARN != "" {
		publisher, err := snsadapter.NewPublisher(awssns.NewFromConfig(awsCfg), snsadapter.Config{
			TopicARN: cfg.snsTopicARN,
			MaxTries: cfg.maxTries,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("creating SNS publisher: %w", err)
		}
		defer publisher.Close()
		forwarded, err = c.ForwardNotifications(context.WithoutCancel(ctx), publisher)
		if err != nil {
			return fmt.Errorf("forwarding notifications: %w", err)
		}
		logger.Info("forwarding notifications", "topicArn", cfg.snsTopicARN)
	}

	if err := c.Listen(ctx); err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}
	logger.Info("consumer started, waiting for messages...")

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case <-c.Done():
		return fmt.Errorf("consumer stopped unexpectedly")
	}

	c.Stop()
	timeout := time.After(25 * time.Second)
	select {
	case <-c.Done():
	case <-timeout:
		return fmt.Errorf("shutdown timed out")
	}
	if forwarded != nil {
		select {
		case <-forwarded:
		case <-timeout:
			return fmt.Errorf("shutdown timed out publishing notifications")
		}
	}
	logger.Info("shutdown complete")
	return nil
}

// buildConsumer wires the selected backend. cleanup releases backend resources.
func buildConsumer(ctx context.Context, cfg cliConfig, awsCfg aws.Config, opts consumer.Options, handler consumer.Handler) (*consumer.Consumer, func(), error) {
	noop := func() {}

	switch cfg.backend {
	case backendAzure:
		conn, err := azureConnection(cfg)
		if err != nil {
			return nil, noop, err
		}
		c, err := consumer.New(cfg.queue, conn, handler, opts)
		return c, noop, err

	case backendSQS:
		var optFns []func(*awssqs.Options)
		if cfg.sqsEndpoint != "" {
			optFns = append(optFns, func(o *awssqs.Options) {
				o.BaseEndpoint = aws.String(cfg.sqsEndpoint)
			})
		}
		client, err := sqsadapter.NewQueue(awsCfg, sqsadapter.Config{
			QueueName:       cfg.queue,
			WaitTimeSeconds: longPollSeconds(cfg.callTimeout),
			MaxTries:        cfg.maxTries,
		}, opts.Logger, optFns...)
		if err != nil {
			return nil, noop, fmt.Errorf("creating SQS queue: %w", err)
		}
		c, err := consumer.NewWithClient(client, handler, opts)
		return c, noop, err

	case backendRedis:
		client, err := redisqueue.NewQueue(redisqueue.Config{
			Addr:      cfg.redisAddr,
			Password:  cfg.redisPassword,
			QueueName: cfg.queue,
			MaxTries:  cfg.maxTries,
		}, opts.Logger)
		if err != nil {
			return nil, noop, fmt.Errorf("creating Redis queue: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("connecting to Redis: %w", err)
		}
		c, err := consumer.NewWithClient(client, handler, opts)
		return c, func() { _ = client.Close() }, err

	default:
		queue := memory.NewQueue(memory.Config{Name: cfg.queue})
		if _, err := queue.EnsureExists(ctx); err != nil {
			return nil, noop, err
		}
		for _, body := range cfg.seed {
			if _, err := queue.Enqueue(body); err != nil {
				return nil, noop, err
			}
		}
		c, err := consumer.NewWithClient(queue, handler, opts)
		return c, noop, err
	}
}

// maxLongPoll is the SQS ceiling for WaitTimeSeconds.
const maxLongPoll = 20 * time.Second

// longPollSeconds keeps an idle SQS long poll inside callTimeout, leaving a
// second for the round trip.
func longPollSeconds(callTimeout time.Duration) int32 {
	if callTimeout <= 0 {
		return int32(maxLongPoll / time.Second)
	}
	wait := min(callTimeout-time.Second, maxLongPoll)
	if wait < time.Second {
		return 0
	}
	return int32(wait / time.Second)
}

// azureConnection prefers a connection string, then a queue service URL with
// a shared key, then the default Azure credential chain.
func azureConnection(cfg cliConfig) (consumer.Connection, error) {
	if cfg.connectionString != "" {
		return consumer.ConnectionString(cfg.connectionString), nil
	}
	if cfg.accountName != "" && cfg.accountKey != "" {
		key, err := azqueuesdk.NewSharedKeyCredential(cfg.accountName, cfg.accountKey)
		if err != nil {
			return nil, fmt.Errorf("creating shared key credential: %w", err)
		}
		return consumer.Credential{ServiceURL: cfg.serviceURL, SharedKey: key}, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	return consumer.Credential{ServiceURL: cfg.serviceURL, Token: cred}, nil
}

func logMessages(logger *slog.Logger) consumer.Handler {
	return func(_ context.Context, messages []consumer.Message) error {
		for _, m := range messages {
			logger.Info("message received",
				"messageId", m.ID,
				"dequeueCount", m.DequeueCount,
				"insertedAt", m.InsertedAt,
				"body", m.Body)
		}
		return nil
	}
}
