package consumer_loop

import (
	"errors"
	"fmt"

	"github.com/archon-research/queue-consumer/internal/ports/outbound"
)

// QueueError is a failure reported against the queue itself, either during
// initialization or as an error code on an otherwise successful receive.
type QueueError struct {
	Code    string
	Message string
	Err     error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s:%s", e.Code, e.Message)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// newQueueError wraps err, taking the service error code when one is present.
func newQueueError(err error) *QueueError {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe
	}
	code := outbound.ErrorCode(err)
	if code == "" {
		if outbound.IsSendFailure(err) {
			code = "REQUEST_SEND_ERROR"
		} else {
			code = "UNKNOWN"
		}
	}
	return &QueueError{Code: code, Message: err.Error(), Err: err}
}
