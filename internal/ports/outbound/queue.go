// Package outbound defines the outbound port interfaces.
package outbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/archon-research/queue-consumer/internal/domain/entity"
)

// QueueClient is the minimal queue capability the consumer loop requires.
// Implementations return *TransportError for every failed call.
type QueueClient interface {
	// EnsureExists creates the queue if it is absent. Calling it on an
	// existing queue succeeds with Created=false.
	EnsureExists(ctx context.Context) (entity.CreateOutcome, error)

	// Receive fetches up to maxMessages visible messages and hides them for
	// the queue's visibility window. An empty batch is not an error.
	Receive(ctx context.Context, maxMessages int) (entity.ReceiveResult, error)

	// Delete removes a message using the receipt of its latest delivery.
	Delete(ctx context.Context, messageID, popReceipt string) (entity.DeleteOutcome, error)
}

// TransportErrorKind classifies a transport failure.
type TransportErrorKind int

const (
	// TransportOther covers errors reported by the queue service itself
	// (authorization, malformed request, missing message, ...).
	TransportOther TransportErrorKind = iota

	// TransportSendFailure means the request never produced a response:
	// connection refused, DNS failure, reset, timeout at the network level.
	TransportSendFailure
)

// String returns the kind name.
func (k TransportErrorKind) String() string {
	switch k {
	case TransportSendFailure:
		return "send-failure"
	default:
		return "other"
	}
}

// TransportError is returned by QueueClient implementations.
type TransportError struct {
	Kind TransportErrorKind
	Op   string // "ensure", "receive", "delete"
	Code string // service error code, empty for send failures
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewSendFailure wraps err as a network-level failure.
func NewSendFailure(op string, err error) *TransportError {
	return &TransportError{Kind: TransportSendFailure, Op: op, Err: err}
}

// NewServiceError wraps err as a failure reported by the queue service.
func NewServiceError(op, code string, err error) *TransportError {
	return &TransportError{Kind: TransportOther, Op: op, Code: code, Err: err}
}

// IsSendFailure reports whether err is, or wraps, a send-level TransportError.
func IsSendFailure(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind == TransportSendFailure
	}
	return false
}

// ErrorCode extracts the service error code from err, if any.
func ErrorCode(err error) string {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
