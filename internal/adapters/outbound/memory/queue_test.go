package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/archon-research/queue-consumer/internal/ports/outbound"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewQueue(Config{Name: "orders", VisibilityTimeout: 30 * time.Second, TTL: time.Hour, Now: clock.Now})
	if _, err := q.EnsureExists(context.Background()); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	return q, clock
}

func TestQueue_EnsureExistsIsIdempotent(t *testing.T) {
	q := NewQueue(Config{})
	ctx := context.Background()

	first, err := q.EnsureExists(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Created || first.Location != "memory://memory" {
		t.Errorf("unexpected first outcome %+v", first)
	}

	second, err := q.EnsureExists(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Created {
		t.Error("expected Created=false for an existing queue")
	}
}

func TestQueue_ReceiveBeforeEnsure(t *testing.T) {
	q := NewQueue(Config{})
	_, err := q.Receive(context.Background(), 1)
	if code := outbound.ErrorCode(err); code != CodeQueueNotFound {
		t.Fatalf("expected %s, got %v", CodeQueueNotFound, err)
	}
	if _, err := q.Enqueue("x"); err == nil {
		t.Error("expected Enqueue to fail on a missing queue")
	}
}

func TestQueue_ReceiveHidesAndRedelivers(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(`{"hello":"world"}`)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := q.Receive(ctx, 1)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(first.Messages) != 1 || first.Messages[0].ID != id {
		t.Fatalf("expected message %s, got %+v", id, first.Messages)
	}
	if first.Messages[0].DequeueCount != 1 || first.Messages[0].PopReceipt == "" {
		t.Errorf("unexpected delivery %+v", first.Messages[0])
	}

	hidden, err := q.Receive(ctx, 1)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(hidden.Messages) != 0 {
		t.Fatalf("expected message to be hidden, got %d", len(hidden.Messages))
	}

	clock.Advance(31 * time.Second)
	again, err := q.Receive(ctx, 1)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(again.Messages) != 1 || again.Messages[0].DequeueCount != 2 {
		t.Fatalf("expected redelivery with dequeue count 2, got %+v", again.Messages)
	}
	if again.Messages[0].PopReceipt == first.Messages[0].PopReceipt {
		t.Error("expected a fresh pop receipt on redelivery")
	}

	// The stale receipt no longer deletes the message.
	_, err = q.Delete(ctx, id, first.Messages[0].PopReceipt)
	if code := outbound.ErrorCode(err); code != CodePopReceiptMismatch {
		t.Fatalf("expected %s, got %v", CodePopReceiptMismatch, err)
	}
	if _, err := q.Delete(ctx, id, again.Messages[0].PopReceipt); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestQueue_ReceiveRespectsBatchSize(t *testing.T) {
	q, _ := newTestQueue(t)
	for _, body := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(body); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	got, err := q.Receive(context.Background(), 2)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Body != "a" || got.Messages[1].Body != "b" {
		t.Fatalf("expected oldest two messages, got %+v", got.Messages)
	}
}

func TestQueue_ExpiredMessagesAreDropped(t *testing.T) {
	q, clock := newTestQueue(t)
	if _, err := q.Enqueue("old"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	clock.Advance(2 * time.Hour)

	got, err := q.Receive(context.Background(), 1)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(got.Messages) != 0 || q.Len() != 0 {
		t.Errorf("expected expired message to be dropped")
	}
}

func TestQueue_DeleteUnknownMessage(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Delete(context.Background(), "missing", "receipt")
	if code := outbound.ErrorCode(err); code != CodeMessageNotFound {
		t.Fatalf("expected %s, got %v", CodeMessageNotFound, err)
	}
}

func TestQueue_FailNext(t *testing.T) {
	tests := []struct {
		name      string
		fault     Fault
		wantSend  bool
		wantCode  string
		wantField string
	}{
		{name: "send failure", fault: Fault{Op: "receive", SendFailure: true}, wantSend: true},
		{name: "service code", fault: Fault{Op: "receive", Code: "InternalError"}, wantCode: "InternalError"},
		{name: "result code", fault: Fault{Op: "receive", ResultCode: "ServerBusy"}, wantField: "ServerBusy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newTestQueue(t)
			q.FailNext(tt.fault)

			result, err := q.Receive(context.Background(), 1)
			if outbound.IsSendFailure(err) != tt.wantSend {
				t.Errorf("expected send failure %v, got %v", tt.wantSend, err)
			}
			if outbound.ErrorCode(err) != tt.wantCode {
				t.Errorf("expected code %q, got %v", tt.wantCode, err)
			}
			if result.ErrorCode != tt.wantField {
				t.Errorf("expected result code %q, got %q", tt.wantField, result.ErrorCode)
			}

			// Faults are consumed once.
			if _, err := q.Receive(context.Background(), 1); err != nil {
				t.Errorf("expected fault to be consumed, got %v", err)
			}
		})
	}
}

func TestQueue_FaultsArePerOperation(t *testing.T) {
	q, _ := newTestQueue(t)
	id, _ := q.Enqueue("x")
	q.FailNext(Fault{Op: "delete", SendFailure: true})

	got, err := q.Receive(context.Background(), 1)
	if err != nil {
		t.Fatalf("expected receive to be unaffected, got %v", err)
	}
	_, err = q.Delete(context.Background(), id, got.Messages[0].PopReceipt)
	if !outbound.IsSendFailure(err) {
		t.Fatalf("expected send failure on delete, got %v", err)
	}
	if _, err := q.Delete(context.Background(), id, got.Messages[0].PopReceipt); err != nil {
		t.Fatalf("expected retry to delete, got %v", err)
	}
}
