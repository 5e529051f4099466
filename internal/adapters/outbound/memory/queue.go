// queue.go provides an in-memory implementation of QueueClient.
//
// The queue honours the same delivery contract as the network backends:
//   - Receive hides messages for the visibility timeout and issues a fresh pop receipt
//   - Delete requires the receipt of the latest delivery
//   - A message whose visibility expires is redelivered with a higher dequeue count
//
// Faults can be injected with FailNext for exercising the consumer loop.
// All operations are thread-safe.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archon-research/queue-consumer/internal/domain/entity"
	"github.com/archon-research/queue-consumer/internal/ports/outbound"
)

// Compile-time check that Queue implements outbound.QueueClient
var _ outbound.QueueClient = (*Queue)(nil)

// Service error codes returned by the in-memory queue.
const (
	CodeQueueNotFound      = "QueueNotFound"
	CodeMessageNotFound    = "MessageNotFound"
	CodePopReceiptMismatch = "PopReceiptMismatch"
)

// Config holds in-memory queue configuration.
type Config struct {
	// Name identifies the queue in CreateOutcome.Location.
	Name string
	// VisibilityTimeout hides a received message until it expires.
	VisibilityTimeout time.Duration
	// TTL is the lifetime of an enqueued message.
	TTL time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// ConfigDefaults returns sensible defaults for the in-memory queue.
func ConfigDefaults() Config {
	return Config{
		Name:              "memory",
		VisibilityTimeout: 30 * time.Second,
		TTL:               7 * 24 * time.Hour,
		Now:               time.Now,
	}
}

// Fault is an injected failure for the next call of an operation.
type Fault struct {
	// Op is "ensure", "receive" or "delete".
	Op string
	// SendFailure makes the call fail as if the network was unreachable.
	SendFailure bool
	// Code makes the call fail with a service error code. For "receive" with
	// ResultCode set instead, the call succeeds with ReceiveResult.ErrorCode.
	Code       string
	ResultCode string
}

type record struct {
	msg     entity.Message
	visible time.Time
}

// Queue is an in-memory queue.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	exists  bool
	records []*record
	faults  []Fault
}

// NewQueue creates an in-memory queue. The queue does not exist until
// EnsureExists is called.
func NewQueue(cfg Config) *Queue {
	defaults := ConfigDefaults()
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.Now == nil {
		cfg.Now = defaults.Now
	}
	return &Queue{cfg: cfg}
}

// EnsureExists creates the queue if it is absent.
func (q *Queue) EnsureExists(ctx context.Context) (entity.CreateOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.takeFault("ensure"); err != nil {
		return entity.CreateOutcome{}, err
	}

	created := !q.exists
	q.exists = true
	return entity.CreateOutcome{Created: created, Location: "memory://" + q.cfg.Name, RequestID: uuid.NewString()}, nil
}

// Receive returns up to maxMessages visible messages, oldest first.
func (q *Queue) Receive(ctx context.Context, maxMessages int) (entity.ReceiveResult, error) {
	if err := ctx.Err(); err != nil {
		return entity.ReceiveResult{}, outbound.NewSendFailure("receive", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if f, ok := q.nextFault("receive"); ok {
		if f.ResultCode != "" {
			return entity.ReceiveResult{ErrorCode: f.ResultCode}, nil
		}
		if err := f.err(); err != nil {
			return entity.ReceiveResult{}, err
		}
	}
	if !q.exists {
		return entity.ReceiveResult{}, notFound("receive")
	}

	now := q.cfg.Now()
	q.expire(now)

	if maxMessages < 1 {
		maxMessages = 1
	}
	var out []entity.Message
	for _, r := range q.records {
		if len(out) == maxMessages {
			break
		}
		if r.visible.After(now) {
			continue
		}
		r.visible = now.Add(q.cfg.VisibilityTimeout)
		r.msg.PopReceipt = uuid.NewString()
		r.msg.DequeueCount++
		r.msg.NextVisibleAt = r.visible
		out = append(out, r.msg)
	}
	return entity.ReceiveResult{Messages: out}, nil
}

// Delete removes a message if popReceipt matches its latest delivery.
func (q *Queue) Delete(ctx context.Context, messageID, popReceipt string) (entity.DeleteOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.takeFault("delete"); err != nil {
		return entity.DeleteOutcome{}, err
	}
	if !q.exists {
		return entity.DeleteOutcome{}, notFound("delete")
	}

	for i, r := range q.records {
		if r.msg.ID != messageID {
			continue
		}
		if r.msg.PopReceipt != popReceipt {
			return entity.DeleteOutcome{}, outbound.NewServiceError("delete", CodePopReceiptMismatch,
				fmt.Errorf("pop receipt %q does not match the latest delivery of %s", popReceipt, messageID))
		}
		q.records = append(q.records[:i], q.records[i+1:]...)
		return entity.DeleteOutcome{MessageID: messageID, RequestID: uuid.NewString()}, nil
	}
	return entity.DeleteOutcome{}, outbound.NewServiceError("delete", CodeMessageNotFound,
		fmt.Errorf("message %s not found", messageID))
}

// Enqueue adds a message with the given body and returns its ID.
func (q *Queue) Enqueue(body string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.exists {
		return "", errors.New("queue does not exist")
	}
	now := q.cfg.Now()
	id := uuid.NewString()
	q.records = append(q.records, &record{
		msg: entity.Message{
			ID:            id,
			InsertedAt:    now,
			ExpiresAt:     now.Add(q.cfg.TTL),
			NextVisibleAt: now,
			Body:          body,
		},
		visible: now,
	})
	return id, nil
}

// FailNext queues a fault for the next matching call. Faults for the same
// operation are consumed in order.
func (q *Queue) FailNext(f Fault) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.faults = append(q.faults, f)
}

// Len returns the number of messages still on the queue, visible or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expire(q.cfg.Now())
	return len(q.records)
}

// expire drops messages past their TTL. Callers must hold q.mu.
func (q *Queue) expire(now time.Time) {
	kept := q.records[:0]
	for _, r := range q.records {
		if r.msg.ExpiresAt.After(now) {
			kept = append(kept, r)
		}
	}
	q.records = kept
}

// nextFault consumes the first fault queued for op. Callers must hold q.mu.
func (q *Queue) nextFault(op string) (Fault, bool) {
	for i, f := range q.faults {
		if f.Op == op {
			q.faults = append(q.faults[:i], q.faults[i+1:]...)
			return f, true
		}
	}
	return Fault{}, false
}

// takeFault consumes the first fault for op and converts it to an error.
// Callers must hold q.mu.
func (q *Queue) takeFault(op string) error {
	if f, ok := q.nextFault(op); ok {
		return f.err()
	}
	return nil
}

func (f Fault) err() error {
	switch {
	case f.SendFailure:
		return outbound.NewSendFailure(f.Op, errors.New("injected send failure"))
	case f.Code != "":
		return outbound.NewServiceError(f.Op, f.Code, errors.New("injected service error"))
	}
	return nil
}

func notFound(op string) error {
	return outbound.NewServiceError(op, CodeQueueNotFound, errors.New("the specified queue does not exist"))
}
