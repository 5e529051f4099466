package outbound

import (
	"context"
	"time"
)

// LifecycleNotification is the serialized form of a consumer lifecycle event
// forwarded to an external system.
type LifecycleNotification struct {
	Kind       string    `json:"kind"`
	Queue      string    `json:"queue"`
	MessageID  string    `json:"messageId,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NotificationPublisher delivers lifecycle notifications outside the process.
type NotificationPublisher interface {
	Publish(ctx context.Context, n LifecycleNotification) error
	Close() error
}
