// Package redis provides a Redis implementation of the QueueClient port.
//
// A queue is stored under keys sharing the hash tag {name} so every script
// touches a single slot:
//
//	prefix:{name}:meta      hash, existence marker
//	prefix:{name}:pending   sorted set of message IDs scored by next-visible time (ms)
//	prefix:{name}:msg:<id>  hash with body, timestamps, dequeue count and current receipt
//
// Receive and Delete run as Lua scripts so visibility and receipt checks are atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/archon-research/queue-consumer/internal/domain/entity"
	"github.com/archon-research/queue-consumer/internal/ports/outbound"
)

// Compile-time check that Queue implements outbound.QueueClient
var _ outbound.QueueClient = (*Queue)(nil)

// Service error codes produced by the script layer.
const (
	CodeMessageNotFound    = "MessageNotFound"
	CodePopReceiptMismatch = "PopReceiptMismatch"
)

// Config holds Redis queue configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// QueueName names the queue.
	QueueName string
	// KeyPrefix is prepended to all queue keys
	KeyPrefix string
	// VisibilityTimeout hides a received message until it expires.
	VisibilityTimeout time.Duration
	// TTL is the lifetime of an enqueued message.
	TTL time.Duration
	// MaxTries is the total number of attempts go-redis makes per command.
	MaxTries int
}

// ConfigDefaults returns sensible defaults for the Redis queue.
func ConfigDefaults() Config {
	return Config{
		Addr:              "localhost:6379",
		KeyPrefix:         "queue",
		VisibilityTimeout: 30 * time.Second,
		TTL:               7 * 24 * time.Hour,
		MaxTries:          4,
	}
}

// Queue is a Redis-backed queue.
type Queue struct {
	client    redis.UniversalClient
	cfg       Config
	location  string
	logger    *slog.Logger
	now       func() time.Time
	ownClient bool
}

// NewQueue connects to cfg.Addr and returns a queue client.
func NewQueue(cfg Config, logger *slog.Logger) (*Queue, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	cfg = withDefaults(cfg)

	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: maxRetries(cfg.MaxTries),
	})

	q, err := NewQueueWithClient(client, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	q.ownClient = true
	q.location = fmt.Sprintf("redis://%s/%d/%s", cfg.Addr, cfg.DB, q.key("pending"))
	return q, nil
}

// NewQueueWithClient wraps an existing client. The caller keeps ownership of it.
func NewQueueWithClient(client redis.UniversalClient, cfg Config, logger *slog.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	cfg = withDefaults(cfg)
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "redis-queue", "queue", cfg.QueueName),
		now:    time.Now,
	}
	q.location = "redis://" + q.key("pending")
	return q, nil
}

func withDefaults(cfg Config) Config {
	defaults := ConfigDefaults()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = defaults.MaxTries
	}
	return cfg
}

// maxRetries converts a total-attempt budget to go-redis semantics,
// where -1 disables retries.
func maxRetries(maxTries int) int {
	if maxTries <= 1 {
		return -1
	}
	return maxTries - 1
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis connection if the queue opened it.
func (q *Queue) Close() error {
	if !q.ownClient {
		return nil
	}
	return q.client.Close()
}

func (q *Queue) key(part string) string {
	return fmt.Sprintf("%s:{%s}:%s", q.cfg.KeyPrefix, q.cfg.QueueName, part)
}

func (q *Queue) msgKey(id string) string {
	return q.key("msg:" + id)
}

// EnsureExists sets the queue marker if it is absent.
func (q *Queue) EnsureExists(ctx context.Context) (entity.CreateOutcome, error) {
	created, err := q.client.HSetNX(ctx, q.key("meta"), "createdAt", q.now().UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return entity.CreateOutcome{}, classify("ensure", err)
	}
	if created {
		q.logger.Info("queue created", "location", q.location)
	}
	return entity.CreateOutcome{Created: created, Location: q.location}, nil
}

// receiveScript claims up to ARGV[3] visible messages.
//
// KEYS[1] pending set, KEYS[2] message key prefix.
// ARGV[1] now (ms), ARGV[2] invisible-until (ms), ARGV[3] max, ARGV[4..] fresh receipts.
var receiveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
local out = {}
local slot = 4
for _, id in ipairs(ids) do
  local key = KEYS[2] .. id
  local fields = redis.call('HMGET', key, 'body', 'insertedAt', 'expiresAt')
  if not fields[1] or tonumber(fields[3]) <= now then
    redis.call('ZREM', KEYS[1], id)
    redis.call('DEL', key)
  else
    local receipt = ARGV[slot]
    slot = slot + 1
    local count = redis.call('HINCRBY', key, 'dequeueCount', 1)
    redis.call('HSET', key, 'popReceipt', receipt)
    redis.call('ZADD', KEYS[1], ARGV[2], id)
    table.insert(out, {id, receipt, fields[1], fields[2], fields[3], tostring(count)})
  end
end
return out
`)

// deleteScript removes a message when the receipt matches.
//
// KEYS[1] pending set, KEYS[2] message key. ARGV[1] id, ARGV[2] receipt.
// Returns 1 on delete, 0 on receipt mismatch, -1 when the message is gone.
var deleteScript = redis.NewScript(`
local receipt = redis.call('HGET', KEYS[2], 'popReceipt')
if not receipt then
  redis.call('ZREM', KEYS[1], ARGV[1])
  return -1
end
if receipt ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// Receive claims up to maxMessages visible messages for the visibility timeout.
func (q *Queue) Receive(ctx context.Context, maxMessages int) (entity.ReceiveResult, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	now := q.now()
	args := make([]any, 0, 3+maxMessages)
	args = append(args, now.UnixMilli(), now.Add(q.cfg.VisibilityTimeout).UnixMilli(), maxMessages)
	for range maxMessages {
		args = append(args, uuid.NewString())
	}

	raw, err := receiveScript.Run(ctx, q.client, []string{q.key("pending"), q.key("msg:")}, args...).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return entity.ReceiveResult{}, classify("receive", err)
	}

	messages := make([]entity.Message, 0, len(raw))
	for _, row := range raw {
		msg, err := parseRow(row, now.Add(q.cfg.VisibilityTimeout))
		if err != nil {
			q.logger.Warn("skipping malformed message", "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return entity.ReceiveResult{Messages: messages}, nil
}

// Delete removes a message if popReceipt matches its latest delivery.
func (q *Queue) Delete(ctx context.Context, messageID, popReceipt string) (entity.DeleteOutcome, error) {
	res, err := deleteScript.Run(ctx, q.client, []string{q.key("pending"), q.msgKey(messageID)}, messageID, popReceipt).Int()
	if err != nil {
		return entity.DeleteOutcome{}, classify("delete", err)
	}
	switch res {
	case 1:
		return entity.DeleteOutcome{MessageID: messageID}, nil
	case 0:
		return entity.DeleteOutcome{}, outbound.NewServiceError("delete", CodePopReceiptMismatch,
			fmt.Errorf("pop receipt does not match the latest delivery of %s", messageID))
	default:
		return entity.DeleteOutcome{}, outbound.NewServiceError("delete", CodeMessageNotFound,
			fmt.Errorf("message %s not found", messageID))
	}
}

// Enqueue adds a message and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, body string) (string, error) {
	id := uuid.NewString()
	now := q.now()
	expires := now.Add(q.cfg.TTL)
	key := q.msgKey(id)

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"body", body,
			"insertedAt", now.UnixMilli(),
			"expiresAt", expires.UnixMilli(),
			"dequeueCount", 0)
		pipe.PExpireAt(ctx, key, expires)
		pipe.ZAdd(ctx, q.key("pending"), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return "", classify("enqueue", err)
	}
	return id, nil
}

func parseRow(row any, visibleAt time.Time) (entity.Message, error) {
	fields, ok := row.([]any)
	if !ok || len(fields) != 6 {
		return entity.Message{}, fmt.Errorf("unexpected row %v", row)
	}
	str := make([]string, len(fields))
	for i, f := range fields {
		s, ok := f.(string)
		if !ok {
			return entity.Message{}, fmt.Errorf("field %d: unexpected type %T", i, f)
		}
		str[i] = s
	}

	inserted, err := strconv.ParseInt(str[3], 10, 64)
	if err != nil {
		return entity.Message{}, fmt.Errorf("insertedAt: %w", err)
	}
	expires, err := strconv.ParseInt(str[4], 10, 64)
	if err != nil {
		return entity.Message{}, fmt.Errorf("expiresAt: %w", err)
	}
	count, err := strconv.ParseUint(str[5], 10, 32)
	if err != nil {
		return entity.Message{}, fmt.Errorf("dequeueCount: %w", err)
	}

	msg, err := entity.NewMessage(str[0], str[1], str[2], uint(count),
		time.UnixMilli(inserted).UTC(), time.UnixMilli(expires).UTC(), visibleAt.UTC())
	if err != nil {
		return entity.Message{}, err
	}
	return *msg, nil
}

// classify maps go-redis errors onto TransportError. Server replies carry a
// code in their first word; anything else failed on the connection.
func classify(op string, err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) && !errors.Is(err, redis.Nil) {
		code, _, _ := strings.Cut(rerr.Error(), " ")
		return outbound.NewServiceError(op, code, err)
	}
	if errors.Is(err, redis.ErrClosed) {
		return outbound.NewServiceError(op, "ClientClosed", err)
	}
	return outbound.NewSendFailure(op, err)
}
